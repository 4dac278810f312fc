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
// persistent mapping used as database root

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"lab.nexedi.com/kirr/zconn/go/zodb/internal/pickletools"
)

// Map is persistent mapping with string keys.
//
// It is stored as persistent.mapping.PersistentMapping and is used as the
// root object of a database.
//
// Map state must be accessed only with the object activated.
type Map struct {
	Persistent

	data map[string]interface{}
}

// NewMap creates new empty Map that is not yet part of any database.
func NewMap() *Map {
	return &Map{data: make(map[string]interface{})}
}

func init() {
	RegisterClass("persistent.mapping.PersistentMapping", reflect.TypeOf(Map{}))
	RegisterClassAlias("persistent.PersistentMapping", "persistent.mapping.PersistentMapping")
}

// Get returns value associated with key.
func (m *Map) Get(key string) (interface{}, bool) {
	v, ok := m.data[key]
	return v, ok
}

// Set associates value with key and marks the mapping as modified.
func (m *Map) Set(ctx context.Context, key string, value interface{}) error {
	err := m.PModify(ctx)
	if err != nil {
		return err
	}
	if m.data == nil {
		m.data = make(map[string]interface{})
	}
	m.data[key] = value
	return nil
}

// Del removes key from the mapping.
func (m *Map) Del(ctx context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return nil
	}
	err := m.PModify(ctx)
	if err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

// Keys returns mapping keys in sorted order.
func (m *Map) Keys() []string {
	keyv := make([]string, 0, len(m.data))
	for k := range m.data {
		keyv = append(keyv, k)
	}
	sort.Strings(keyv)
	return keyv
}

func (m *Map) DropState() {
	m.data = nil
}

func (m *Map) PyGetState() interface{} {
	data := make(map[interface{}]interface{}, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	return map[interface{}]interface{}{"data": data}
}

func (m *Map) PySetState(pystate interface{}) error {
	st, ok := pystate.(map[interface{}]interface{})
	if !ok {
		return fmt.Errorf("mapping: setstate: state is %T, not dict", pystate)
	}
	xdata, ok := st["data"]
	if !ok {
		// old pickles
		xdata, ok = st["_container"]
	}
	data, err := pickletools.Xstrdict(xdata)
	if err != nil {
		return fmt.Errorf("mapping: setstate: data: %s", err)
	}
	m.data = data
	return nil
}
