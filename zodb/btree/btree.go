// Copyright (C) 2018-2020  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package btree provides support for data structures from BTrees package of
// ZODB/py that applications use together with the database.
//
// Currently it is only Length - a persistent counter that does not cause
// write conflicts when changed by concurrent transactions:
//
//	l := btree.NewLength()
//	...
//	err := l.Change(ctx, +1)
//
// Conflicting changes are merged by the database via conflict resolution.
package btree

import (
	"context"
	"fmt"
	"reflect"

	"lab.nexedi.com/kirr/zconn/go/zodb"
	"lab.nexedi.com/kirr/zconn/go/zodb/internal/pickletools"
)

// Length is equivalent of BTrees.Length.Length in BTree/py.
type Length struct {
	zodb.Persistent

	value int64
}

// NewLength creates new Length with value 0.
func NewLength() *Length {
	return &Length{}
}

// Value returns current value of the counter.
//
// The Length must be activated.
func (l *Length) Value() int64 {
	return l.value
}

// Change adds delta to the counter.
func (l *Length) Change(ctx context.Context, delta int64) error {
	err := l.PActivate(ctx)
	if err != nil {
		return err
	}
	defer l.PDeactivate()

	err = l.PModify(ctx)
	if err != nil {
		return err
	}
	l.value += delta
	return nil
}

// DropState implements zodb.Ghostable.
func (l *Length) DropState() {
	l.value = 0
}

// PyGetState implements zodb.PyStateful.
func (l *Length) PyGetState() interface{} {
	return l.value
}

// PySetState implements zodb.PyStateful.
func (l *Length) PySetState(pystate interface{}) (err error) {
	v, ok := pickletools.Xint64(pystate)
	if !ok {
		return fmt.Errorf("state must be int; got %T", pystate)
	}

	l.value = v
	return nil
}

// PResolveConflict implements zodb.ConflictResolver.
//
// Concurrent changes are added together:
//
//	resolved = committed + (new - old)
func (l *Length) PResolveConflict(old, committed, new interface{}) (interface{}, error) {
	vold, ok1 := pickletools.Xint64(old)
	vcommitted, ok2 := pickletools.Xint64(committed)
	vnew, ok3 := pickletools.Xint64(new)
	if !(ok1 && ok2 && ok3) {
		return nil, fmt.Errorf("length: resolve: states must be int; got %T, %T, %T", old, committed, new)
	}
	return vcommitted + vnew - vold, nil
}


// ---- register classes to ZODB ----

func init() {
	zodb.RegisterClass("BTrees.Length.Length", reflect.TypeOf(Length{}))
}
