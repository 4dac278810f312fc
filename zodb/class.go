// Copyright (C) 2017-2020  Nexedi SA and Contributors.
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

package zodb
// ZODB class <-> Go type registry

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"lab.nexedi.com/kirr/zconn/go/zodb/internal/weak"
)

var classMu sync.RWMutex
var class2Type = make(map[string]reflect.Type) // {} class -> type
var type2Class = make(map[reflect.Type]string) // {} type -> class

var (
	rIPersistent = reflect.TypeOf((*IPersistent)(nil)).Elem()
	rPyStateful  = reflect.TypeOf((*PyStateful)(nil)).Elem()
	rGhostable   = reflect.TypeOf((*Ghostable)(nil)).Elem()
)

// RegisterClass registers ZODB class to correspond to Go type.
//
// Only registered classes can be saved to database, and only their
// objects can be loaded as something other than Broken.
//
// class is full class path, e.g. "persistent.mapping.PersistentMapping".
// typ must embed Persistent; *typ must implement PyStateful and Ghostable.
//
// Must be called from global init().
func RegisterClass(class string, typ reflect.Type) {
	badf := func(format string, argv ...interface{}) {
		msg := fmt.Sprintf(format, argv...)
		panic(fmt.Sprintf("zodb: register class %q <-> %s: %s", class, typ, msg))
	}

	if class == "" {
		badf("class must be not empty")
	}
	if typ.Kind() != reflect.Struct {
		badf("type must be struct")
	}
	ptype := reflect.PtrTo(typ)
	for _, iface := range []reflect.Type{rIPersistent, rPyStateful, rGhostable} {
		if !ptype.Implements(iface) {
			badf("%s does not implement %s", ptype, iface)
		}
	}

	classMu.Lock()
	defer classMu.Unlock()

	if t, already := class2Type[class]; already {
		badf("class already registered for %s", t)
	}
	if c, already := type2Class[typ]; already {
		badf("type already registered for %q", c)
	}

	class2Type[class] = typ
	type2Class[typ] = class
}

// RegisterClassAlias registers alias for class.
//
// Objects stored under alias are loaded as objects of class.
// Class must be already registered.
func RegisterClassAlias(alias, class string) {
	classMu.Lock()
	defer classMu.Unlock()

	typ, ok := class2Type[class]
	if !ok {
		panic(fmt.Sprintf("zodb: register class alias %q -> %q: class not registered", alias, class))
	}
	if _, already := class2Type[alias]; already {
		panic(fmt.Sprintf("zodb: register class alias %q -> %q: alias already registered", alias, class))
	}
	class2Type[alias] = typ
}

// ClassOf returns ZODB class of a Go object.
//
// If ZODB class was not registered for obj's type, "" is returned.
func ClassOf(obj IPersistent) string {
	if b, ok := obj.(*Broken); ok {
		return b.class
	}

	classMu.RLock()
	defer classMu.RUnlock()
	return type2Class[reflect.TypeOf(obj).Elem()]
}

// splitClass splits "module.name" class path into module and name parts.
func splitClass(class string) (module, name string) {
	i := strings.LastIndexByte(class, '.')
	if i == -1 {
		return "", class
	}
	return class[:i], class[i+1:]
}

// newGhost creates new ghost object corresponding to class.
//
// The object is not yet associated with any jar.
func newGhost(class string) IPersistent {
	classMu.RLock()
	typ := class2Type[class]
	classMu.RUnlock()

	// switch on class and transform e.g. "persistent.mapping.PersistentMapping" -> zodb.Map
	var obj IPersistent
	if typ == nil {
		obj = &Broken{class: class}
	} else {
		obj = reflect.New(typ).Interface().(IPersistent)
	}

	base := obj.persistent()
	base.serial = InvalidTid
	base.state = GHOST
	base.instance = weak.Hide(obj)
	return obj
}

// Broken objects are used for classes that were not registered.
//
// Broken keeps object state as decoded pickle data and saves it back
// unchanged, so that objects of unknown classes survive being reachable
// from modified objects.
type Broken struct {
	Persistent
	class   string
	pystate interface{}
}

// Class returns ZODB class of the object.
func (b *Broken) Class() string { return b.class }

func (b *Broken) DropState() {
	b.pystate = nil
}

func (b *Broken) PySetState(pystate interface{}) error {
	b.pystate = pystate
	return nil
}

func (b *Broken) PyGetState() interface{} {
	return b.pystate
}

// ----------------------------------------

// wrongClassError is the error cause returned when ZODB object's class is not what was expected.
type wrongClassError struct {
	want, have string
}

func (e *wrongClassError) Error() string {
	return fmt.Sprintf("wrong class: want %q; have %q", e.want, e.have)
}

// classMatches returns whether obj is of type registered for class.
func classMatches(obj IPersistent, class string) bool {
	if b, ok := obj.(*Broken); ok {
		return b.class == class
	}

	classMu.RLock()
	defer classMu.RUnlock()
	return class2Type[class] == reflect.TypeOf(obj).Elem()
}
