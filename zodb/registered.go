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
// ordered set of objects registered as modified

import (
	"sort"
)

// registeredMap is the set of objects registered as modified in current
// transaction, in registration order.
//
// Objects registered while the set is being walked are appended to pending
// queue and are visited by the same walk after objects already present.
// Commit relies on this: storing one object may cause other objects to be
// modified and registered.
//
// registeredMap is not safe for concurrent use.
type registeredMap struct {
	objs    map[Oid]IPersistent
	order   []Oid // keys in registration order
	pending []Oid // keys registered while walking

	walking bool
}

func newRegisteredMap() *registeredMap {
	return &registeredMap{objs: make(map[Oid]IPersistent)}
}

// Len returns number of registered objects.
func (m *registeredMap) Len() int {
	return len(m.objs)
}

// Get returns object registered under oid, or nil.
func (m *registeredMap) Get(oid Oid) IPersistent {
	return m.objs[oid]
}

// Set registers obj under oid.
//
// Registering the same oid twice keeps its original position.
func (m *registeredMap) Set(oid Oid, obj IPersistent) {
	if _, already := m.objs[oid]; !already {
		if m.walking {
			m.pending = append(m.pending, oid)
		} else {
			m.order = append(m.order, oid)
		}
	}
	m.objs[oid] = obj
}

// Keys returns registered oids in registration order.
func (m *registeredMap) Keys() []Oid {
	keyv := make([]Oid, 0, len(m.order)+len(m.pending))
	keyv = append(keyv, m.order...)
	keyv = append(keyv, m.pending...)
	return keyv
}

// Walk calls f for every registered object in registration order.
//
// Objects registered by f itself are also visited. Walk stops on first
// error returned by f.
func (m *registeredMap) Walk(f func(obj IPersistent) error) error {
	if m.walking {
		panic("registered: nested walk")
	}
	m.walking = true
	defer func() {
		m.walking = false
		m.order = append(m.order, m.pending...)
		m.pending = nil
	}()

	for _, oid := range m.order {
		err := f(m.objs[oid])
		if err != nil {
			return err
		}
	}

	// drain what was added while walking.
	// items are moved to .order only after the walk.
	for i := 0; i < len(m.pending); i++ {
		err := f(m.objs[m.pending[i]])
		if err != nil {
			return err
		}
	}
	return nil
}

// Clear forgets all registered objects.
func (m *registeredMap) Clear() {
	if m.walking {
		panic("registered: clear while walking")
	}
	m.objs = make(map[Oid]IPersistent)
	m.order = nil
	m.pending = nil
}

// oidSet is set of oids that remembers insertion order.
type oidSet struct {
	m map[Oid]struct{}
	v []Oid
}

func newOidSet() *oidSet {
	return &oidSet{m: make(map[Oid]struct{})}
}

func (s *oidSet) Len() int { return len(s.v) }

func (s *oidSet) Has(oid Oid) bool {
	_, ok := s.m[oid]
	return ok
}

func (s *oidSet) Add(oid Oid) {
	if _, already := s.m[oid]; already {
		return
	}
	s.m[oid] = struct{}{}
	s.v = append(s.v, oid)
}

// Slice returns set elements in insertion order.
//
// the caller must not modify returned slice.
func (s *oidSet) Slice() []Oid {
	return s.v
}

func (s *oidSet) Clear() {
	s.m = make(map[Oid]struct{})
	s.v = nil
}

// sortOids sorts oidv in ascending order.
func sortOids(oidv []Oid) {
	sort.Slice(oidv, func(i, j int) bool { return oidv[i] < oidv[j] })
}
