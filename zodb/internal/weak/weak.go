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
// Package weak provides references that do not keep objects alive.
//
// Ref is a weak reference: it is cleared after the garbage collector finds
// the object unreachable. Hidden is an interface value the collector does
// not see at all; it is valid only while the object is kept alive otherwise.
//
// Both rely on the Go collector being precise and non-moving.
package weak

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// iface is runtime representation of interface{}.
type iface struct {
	typ  uintptr
	data uintptr
}

func ifaceOf(obj interface{}) iface {
	return *(*iface)(unsafe.Pointer(&obj))
}

func (i iface) get() (obj interface{}) {
	*(*iface)(unsafe.Pointer(&obj)) = i
	return obj
}

// Hidden holds interface value without making its object reachable.
//
// The zero Hidden holds nil.
type Hidden struct {
	i iface
}

// Hide returns Hidden holding obj.
func Hide(obj interface{}) Hidden {
	return Hidden{ifaceOf(obj)}
}

// Get returns the held object.
//
// The caller must make sure the object is still alive, e.g. by holding a
// pointer into it.
func (h Hidden) Get() interface{} {
	if h.i == (iface{}) {
		return nil
	}
	return h.i.get()
}

// refState tells what happened to an object since last GC.
type refState int32

const (
	objGot      refState = +1 // Get returned the object
	objLive     refState = 0  // object is alive, no Get since last finalizer run
	objReleased refState = -1 // object is gone
)

// Ref is a weak reference to an object allocated on the heap.
//
// An object can have at most one Ref and no other finalizer.
// Refs must not be copied.
type Ref struct {
	i iface

	mu    sync.Mutex
	state refState
}

// NewRef returns weak reference to obj; obj must be a pointer.
func NewRef(obj interface{}) *Ref {
	w := &Ref{i: ifaceOf(obj), state: objLive}

	var release func(interface{})
	release = func(obj interface{}) {
		if i := ifaceOf(obj); i != w.i {
			panic(fmt.Sprintf("weak: object moved: %x -> %x", w.i, i))
		}

		// Get could run after GC queued us; then the object is in
		// use again and we retry at next GC.
		w.mu.Lock()
		if w.state == objGot {
			w.state = objLive
			runtime.SetFinalizer(obj, release)
		} else {
			w.state = objReleased
		}
		w.mu.Unlock()
	}

	runtime.SetFinalizer(obj, release)
	return w
}

// Get returns the object, or nil if it was already collected.
func (w *Ref) Get() interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == objReleased {
		return nil
	}
	w.state = objGot
	return w.i.get()
}

// Released reports whether the object was collected.
func (w *Ref) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == objReleased
}
