// Copyright (c) 2001, 2002 Zope Foundation and Contributors.
// All Rights Reserved.
//
// Copyright (C) 2018  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This software is subject to the provisions of the Zope Public License,
// Version 2.1 (ZPL).  A copy of the ZPL should accompany this distribution.
// THIS SOFTWARE IS PROVIDED "AS IS" AND ANY AND ALL EXPRESS OR IMPLIED
// WARRANTIES ARE DISCLAIMED, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
// WARRANTIES OF TITLE, MERCHANTABILITY, AGAINST INFRINGEMENT, AND FITNESS
// FOR A PARTICULAR PURPOSE.

package zodb
// IPersistent.

import (
	"context"
)

// IPersistent is the interface that every in-RAM object representing any database object implements.
//
// It is based on IPersistent from ZODB/py:
//
//	https://github.com/zopefoundation/ZODB/blob/3.10.7-4-gb8d7a8567/src/persistent/interfaces.py#L22
//
// but is not exactly equal to it: instead of poking attributes like
// _p_changed the object is driven through explicit methods.
//
// It is safe to access IPersistent from multiple goroutines simultaneously.
//
// Use Persistent as the base for application-level types that need to provide persistency.
type IPersistent interface {
	PJar() *Connection // Connection this in-RAM object is part of; nil if not yet added.
	POid() Oid         // object ID in the database.

	// object serial in the database as of particular Connection (PJar) view.
	// InvalidTid if not yet loaded; 0 if the object was not yet committed.
	PSerial() Tid

	// PState returns in-RAM object state.
	PState() ObjectState

	// PActivate brings object to live state.
	//
	// It requests to persistency layer that in-RAM object data to be present.
	// If object state was not in RAM - it is loaded from the database.
	//
	// On successful return the object data is either the same as in the
	// database or, if this data was previously modified by user of
	// object's jar, that modified data.
	//
	// Object data must be accessed only after corresponding PActivate
	// call, which marks that object's data as being in use.
	PActivate(ctx context.Context) error

	// PDeactivate indicates that corresponding PActivate caller finished access to object's data.
	//
	// As PActivate makes sure object's data is present in-RAM, PDeactivate
	// tells persistency layer that this data is no longer used by
	// corresponding PActivate caller.
	//
	// Note that it is valid to have several concurrent uses of object
	// data, each protected with corresponding PActivate/PDeactivate pair:
	// as long as there is still any PActivate not yet compensated with
	// corresponding PDeactivate, object data will assuredly stay alive in RAM.
	// After the last PDeactivate the live cache is free to turn the object
	// back into ghost when it needs room.
	//
	// Besides exotic cases, the caller thus must not use object's data
	// after PDeactivate call.
	PDeactivate()

	// PInvalidate requests in-RAM object data to be discarded.
	//
	// Irregardless of whether in-RAM object data is the same as in the
	// database, or it was modified, that in-RAM data must be forgotten.
	//
	// PInvalidate must not be called while there is any in-progress
	// object's data use (PActivate till PDeactivate).
	PInvalidate()

	// PModify marks in-RAM object state as modified.
	//
	// It informs persistency layer that object's data was changed and so
	// its state needs to be either saved back into database on transaction
	// commit, or discarded on transaction abort. The object's jar joins
	// the transaction associated with ctx.
	//
	// If the object is a ghost it is first loaded.
	PModify(ctx context.Context) error

	// IPersistent can be implemented only by objects that embed Persistent.
	persistent() *Persistent
}

// ObjectState describes state of in-RAM object.
type ObjectState int

const (
	GHOST    ObjectState = -1 // object data is not yet loaded from the database
	UPTODATE ObjectState = 0  // object is live and in-RAM data is the same as in database
	CHANGED  ObjectState = 1  // object is live and in-RAM data was changed
	// no STICKY - we pin objects in RAM with PActivate
)

func (s ObjectState) String() string {
	switch s {
	case GHOST:
		return "ghost"
	case UPTODATE:
		return "uptodate"
	case CHANGED:
		return "changed"
	default:
		return "?"
	}
}

// PyStateful is the interface describing in-RAM object whose data state can be
// exchanged as Python data.
//
// Objects in the state are plain pickle values (see github.com/kisielk/og-rek);
// references to other persistent objects are represented by those
// objects themselves.
type PyStateful interface {
	// PySetState should set state of the in-RAM object from Python data.
	// Analog of __setstate__() in Python.
	PySetState(pystate interface{}) error

	// PyGetState should return state of the in-RAM object as Python data.
	// Analog of __getstate__() in Python.
	PyGetState() interface{}
}

// Ghostable is the interface describing in-RAM object who can release its in-RAM state.
type Ghostable interface {
	// DropState should discard in-RAM object state.
	DropState()
}

// Independent is optionally implemented by objects whose state can be used
// even if it was changed by another transaction while this transaction was
// running.
//
// It corresponds to _p_independent in ZODB/py.
type Independent interface {
	PIndependent() bool
}

// ConflictResolver is optionally implemented by objects that know how to
// merge concurrent changes to their state.
//
// old is the state this transaction started from, committed is the state
// another transaction committed meanwhile and new is the state this
// transaction wants to store. Persistent references inside the states are
// opaque values that have to be passed through unchanged.
//
// It corresponds to _p_resolveConflict in ZODB/py.
type ConflictResolver interface {
	PResolveConflict(old, committed, new interface{}) (interface{}, error)
}
