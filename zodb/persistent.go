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
// persistent objects.

import (
	"context"
	"fmt"
	"sync"

	"lab.nexedi.com/kirr/zconn/go/zodb/internal/weak"
)

// Persistent is common base IPersistent implementation for in-RAM
// representation of database objects.
//
// To use - a type should embed it and implement PyStateful and Ghostable:
//
//	type MyObject struct {
//		zodb.Persistent
//		...
//	}
//
// and be registered with RegisterClass.
//
// Zero value of Persistent is live object that is not yet part of any
// database.
type Persistent struct {
	jar    *Connection
	oid    Oid
	serial Tid

	mu     sync.Mutex
	state  ObjectState
	refcnt int32

	// Persistent should be the base for the instance.
	// instance is additionally Ghostable and PyStateful.
	// It is hidden from GC: the instance embeds us, so it is alive
	// whenever we are, and a visible self-reference would keep LiveCache
	// from ever releasing it.
	instance weak.Hidden
	wref     *weak.Ref // LiveCache reference to instance; made once
	loading  *loadState
}

func (obj *Persistent) persistent() *Persistent { return obj }

// self returns the instance obj is the base of, or nil.
func (obj *Persistent) self() IPersistent {
	x, _ := obj.instance.Get().(IPersistent)
	return x
}

func (obj *Persistent) PJar() *Connection {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.jar
}

func (obj *Persistent) POid() Oid {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.oid
}

func (obj *Persistent) PSerial() Tid {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.serial
}

func (obj *Persistent) PState() ObjectState {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.state
}

// loadState indicates object's load state/result.
//
// when !ready the loading is in progress.
// when ready the loading has been completed.
type loadState struct {
	ready chan struct{} // closed when loading finishes

	// error from the load.
	// if there was no error, loaded data goes to object state.
	err error
}


// ---- activate/deactivate/invalidate ----

// PActivate implements IPersistent.
func (obj *Persistent) PActivate(ctx context.Context) (err error) {
	obj.mu.Lock()
	obj.refcnt++
	defer func() {
		if err != nil {
			obj.PDeactivate()
		}
	}()

	if obj.state != GHOST {
		obj.mu.Unlock()
		return nil
	}

	loading := obj.loading
	if loading != nil {
		// someone else is already loading the object.
		// wait for its loading to complete and we are done.
		obj.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-loading.ready:
			return loading.err
		}
	}

	// we become responsible for loading the object
	loading = &loadState{ready: make(chan struct{})}
	obj.loading = loading
	jar := obj.jar
	instance := obj.self()
	obj.mu.Unlock()

	// do the loading outside of obj lock
	err = jar.setstate(ctx, instance)

	obj.mu.Lock()
	loading.err = err
	if obj.loading == loading {
		obj.loading = nil
	}
	obj.mu.Unlock()
	close(loading.ready)

	return err
}

// PDeactivate implements IPersistent.
func (obj *Persistent) PDeactivate() {
	obj.mu.Lock()
	defer obj.mu.Unlock()

	obj.refcnt--
	if obj.refcnt < 0 {
		panic(fmt.Sprintf("%s: deactivate: refcnt < 0", obj.oid))
	}
	// the object stays live; LiveCache decides when to make it ghost.
}

// PInvalidate implements IPersistent.
func (obj *Persistent) PInvalidate() {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	obj.ghostify()
}

// PModify implements IPersistent.
func (obj *Persistent) PModify(ctx context.Context) error {
	obj.mu.Lock()
	jar := obj.jar
	state := obj.state
	if jar == nil {
		// not yet part of database - only remember we are dirty.
		// the object will be stored when it is added or reached by reference.
		obj.state = CHANGED
		obj.mu.Unlock()
		return nil
	}
	instance := obj.self()
	obj.mu.Unlock()

	switch state {
	case CHANGED:
		return nil // already registered

	case GHOST:
		err := obj.PActivate(ctx)
		if err != nil {
			return err
		}
		defer obj.PDeactivate()
	}

	err := jar.register(ctx, instance)
	if err != nil {
		return err
	}

	obj.mu.Lock()
	obj.state = CHANGED
	obj.mu.Unlock()
	return nil
}


// ---- helpers for Connection and LiveCache ----
//
// all of them work on obj.mu locked by caller.

// ghostify discards in-RAM object state.
func (obj *Persistent) ghostify() {
	if obj.jar == nil || obj.state == GHOST {
		return
	}
	if ghost, ok := obj.self().(Ghostable); ok {
		ghost.DropState()
	}
	obj.state = GHOST
	obj.loading = nil
}

// evictable returns whether the object can be turned into ghost to free memory.
//
// modified and pinned objects are never evicted.
func (obj *Persistent) evictable() bool {
	return obj.state == UPTODATE && obj.refcnt == 0
}

// setLive marks the object as just loaded with state as of serial.
func (obj *Persistent) setLive(serial Tid) {
	obj.serial = serial
	obj.state = UPTODATE
}

// attach makes the object part of jar under oid.
func (obj *Persistent) attach(jar *Connection, oid Oid, serial Tid, state ObjectState, instance IPersistent) {
	obj.jar = jar
	obj.oid = oid
	obj.serial = serial
	obj.state = state
	obj.instance = weak.Hide(instance)
}

// disown detaches the object from its jar.
//
// the object keeps its in-RAM state and becomes regular new object that
// could be added to a database anew.
func (obj *Persistent) disown() {
	obj.jar = nil
	obj.oid = InvalidOid
	obj.serial = 0
	if obj.state == GHOST {
		obj.state = UPTODATE
	}
	obj.loading = nil
}
