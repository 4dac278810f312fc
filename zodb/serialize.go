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
// serialization of objects to/from database records

// A record is concatenation of two pickles as ZODB/py does:
//
//	pickle((klass, None))	; klass = Class{module, name}
//	pickle(state)
//
// References to other persistent objects inside state are persistent
// references with pid = (oid, klass). See
//
//	https://github.com/zopefoundation/ZODB/blob/a89485c1/src/ZODB/serialize.py
//
// for format description.

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"reflect"

	pickle "github.com/kisielk/og-rek"

	"lab.nexedi.com/kirr/zconn/go/zodb/internal/pickletools"
)

const pickleProtocol = 2

// ObjectWriter serializes in-RAM objects for storing to database.
//
// While serializing an object ObjectWriter discovers objects it references
// that are not yet part of database. Those objects are added to the
// connection and queued to be serialized next, so that the whole newly
// reachable graph is saved:
//
//	w.NewObjects(obj)
//	for o := w.Next(); o != nil; o = w.Next() {
//		data, refs, err := w.GetState(ctx, o)
//		...
//	}
type ObjectWriter struct {
	conn  *Connection
	stack []IPersistent

	// first error from reference handling during current GetState
	refErr error
	refv   []Oid
	ctx    context.Context
}

func newObjectWriter(conn *Connection) *ObjectWriter {
	return &ObjectWriter{conn: conn}
}

// NewObjects starts iteration over obj and new objects reachable from it.
func (w *ObjectWriter) NewObjects(obj IPersistent) {
	w.stack = append(w.stack[:0], obj)
}

// Next returns next object to serialize, or nil if there is no more.
func (w *ObjectWriter) Next() IPersistent {
	l := len(w.stack)
	if l == 0 {
		return nil
	}
	obj := w.stack[l-1]
	w.stack = w.stack[:l-1]
	return obj
}

// GetState serializes obj.
//
// It returns serialized data and oids of all objects obj references.
func (w *ObjectWriter) GetState(ctx context.Context, obj IPersistent) (data []byte, refs []Oid, err error) {
	class := ClassOf(obj)
	if class == "" {
		return nil, nil, fmt.Errorf("serialize %s: type %T is not registered", obj.POid(), obj)
	}

	istate, ok := obj.(PyStateful)
	if !ok {
		return nil, nil, fmt.Errorf("serialize %s: %T is not PyStateful", obj.POid(), obj)
	}

	w.ctx = ctx
	w.refv = nil
	w.refErr = nil
	defer func() {
		w.ctx = nil
	}()

	data, err = encodeRecord(class, istate.PyGetState(), w.persistentRef)
	if err == nil {
		err = w.refErr
	}
	if err != nil {
		return nil, nil, fmt.Errorf("serialize %s: %s", obj.POid(), err)
	}

	return data, w.refv, nil
}

// persistentRef is called by pickle encoder for every object in state.
func (w *ObjectWriter) persistentRef(x interface{}) *pickle.Ref {
	switch x := x.(type) {
	case persistentRef:
		// opaque reference passed through conflict resolution
		return &pickle.Ref{Pid: x.pid}

	case IPersistent:
		// handled below

	default:
		return nil
	}

	obj := x.(IPersistent)
	class := ClassOf(obj)
	if class == "" {
		if w.refErr == nil {
			w.refErr = fmt.Errorf("reference to object of not registered type %T", obj)
		}
		return &pickle.Ref{Pid: pickle.None{}}
	}

	base := obj.persistent()
	base.mu.Lock()
	jar := base.jar
	oid := base.oid
	base.mu.Unlock()

	switch {
	case jar == nil:
		// new object - add it to connection and save it too
		var err error
		oid, err = w.conn.addNew(w.ctx, obj)
		if err != nil {
			if w.refErr == nil {
				w.refErr = err
			}
			return &pickle.Ref{Pid: pickle.None{}}
		}
		w.stack = append(w.stack, obj)

	case jar != w.conn:
		if w.refErr == nil {
			w.refErr = &InvalidObjectReference{Oid: oid, Msg: "reference to object of another connection"}
		}
		return &pickle.Ref{Pid: pickle.None{}}
	}

	w.refv = append(w.refv, oid)
	module, name := splitClass(class)
	return &pickle.Ref{Pid: pickle.Tuple{int64(oid), pickle.Class{Module: module, Name: name}}}
}


// ObjectReader deserializes database records into in-RAM objects.
type ObjectReader struct {
	conn *Connection
}

func newObjectReader(conn *Connection) *ObjectReader {
	return &ObjectReader{conn: conn}
}

// ClassName returns fully-qualified class name of the object stored in data.
//
// The format is "module.class".
// If pickle decoding fails - "?.?" is returned.
func (r *ObjectReader) ClassName(data []byte) string {
	return recordClassName(data)
}

// GetGhost creates new ghost for object stored in data.
//
// The ghost is not yet associated with any connection.
func (r *ObjectReader) GetGhost(data []byte) (IPersistent, error) {
	p := pickle.NewDecoder(bytes.NewReader(data))
	xklass, err := p.Decode()
	if err != nil {
		return nil, fmt.Errorf("get ghost: class description: %s", err)
	}
	klass, err := normPyClass(xklass)
	if err != nil {
		return nil, fmt.Errorf("get ghost: class description: %s", err)
	}
	return newGhost(klass.Module + "." + klass.Name), nil
}

// SetGhostState loads object state from data into obj.
func (r *ObjectReader) SetGhostState(ctx context.Context, obj IPersistent, data []byte) error {
	pystate, err := r.decodeState(ctx, data)
	if err != nil {
		return err
	}
	istate, ok := obj.(PyStateful)
	if !ok {
		return fmt.Errorf("setstate: %T is not PyStateful", obj)
	}
	return istate.PySetState(pystate)
}

// decodeState decodes object state from data.
//
// persistent references in the state are turned into objects of r.conn.
func (r *ObjectReader) decodeState(ctx context.Context, data []byte) (interface{}, error) {
	p := pickle.NewDecoderWithConfig(bytes.NewReader(data), &pickle.DecoderConfig{
		PersistentLoad: func(ref pickle.Ref) (interface{}, error) {
			oid, class, err := xpid(ref.Pid)
			if err != nil {
				return nil, err
			}
			if class == "" {
				return r.conn.Get(ctx, oid)
			}
			return r.conn.get(class, oid)
		},
	})

	_, err := p.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode: class description: %s", err)
	}
	pystate, err := p.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode: object state: %s", err)
	}
	return pystate, nil
}


// ---- conflict resolution ----

// persistentRef is opaque persistent reference that conflict resolution
// passes through from old/committed/new states into the resolved one.
type persistentRef struct {
	pid interface{}
}

// ResolveConflict merges conflicting object states with help of
// ConflictResolver implemented by the object's type.
//
// It is ConflictResolverFunc that storages use when store detects a
// conflict. If the object type does not implement ConflictResolver the
// conflict is reported as not resolvable.
func ResolveConflict(oid Oid, old, committed, new []byte) (_ []byte, err error) {
	class := recordClassName(new)

	classMu.RLock()
	typ := class2Type[class]
	classMu.RUnlock()
	if typ == nil {
		return nil, fmt.Errorf("resolve conflict %s: class %q is not registered", oid, class)
	}

	resolver, ok := reflect.New(typ).Interface().(ConflictResolver)
	if !ok {
		return nil, fmt.Errorf("resolve conflict %s: %s cannot resolve conflicts", oid, class)
	}

	var statev [3]interface{}
	for i, data := range [3][]byte{old, committed, new} {
		p := pickle.NewDecoderWithConfig(bytes.NewReader(data), &pickle.DecoderConfig{
			PersistentLoad: func(ref pickle.Ref) (interface{}, error) {
				return persistentRef{ref.Pid}, nil
			},
		})
		_, err = p.Decode()
		if err == nil {
			statev[i], err = p.Decode()
		}
		if err != nil {
			return nil, fmt.Errorf("resolve conflict %s: decode: %s", oid, err)
		}
	}

	resolved, err := resolver.PResolveConflict(statev[0], statev[1], statev[2])
	if err != nil {
		return nil, err
	}

	data, err := encodeRecord(class, resolved, func(x interface{}) *pickle.Ref {
		if ref, ok := x.(persistentRef); ok {
			return &pickle.Ref{Pid: ref.pid}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s: %s", oid, err)
	}
	return data, nil
}


// ---- misc ----

// encodeRecord serializes object class and state into database record.
func encodeRecord(class string, pystate interface{}, persistentRef func(interface{}) *pickle.Ref) ([]byte, error) {
	buf := &bytes.Buffer{}
	module, name := splitClass(class)
	p := pickle.NewEncoderWithConfig(buf, &pickle.EncoderConfig{Protocol: pickleProtocol})
	err := p.Encode(pickle.Tuple{pickle.Class{Module: module, Name: name}, pickle.None{}})
	if err != nil {
		return nil, fmt.Errorf("class: %s", err)
	}

	p = pickle.NewEncoderWithConfig(buf, &pickle.EncoderConfig{
		Protocol:      pickleProtocol,
		PersistentRef: persistentRef,
	})
	err = p.Encode(pystate)
	if err != nil {
		return nil, fmt.Errorf("state: %s", err)
	}
	return buf.Bytes(), nil
}

// recordClassName returns "module.class" of object stored in data, or "?.?".
func recordClassName(data []byte) string {
	// see ObjectReader.getClassName & get_pickle_metadata in zodb/py
	p := pickle.NewDecoder(bytes.NewReader(data))
	xklass, err := p.Decode()
	if err != nil {
		return "?.?"
	}

	klass, err := normPyClass(xklass)
	if err != nil {
		return "?.?"
	}

	return klass.Module + "." + klass.Name
}

var errInvalidPyClass = errors.New("invalid py class description")

// normPyClass normalizes py class that has just been decoded from a serialized
// ZODB object or reference.
func normPyClass(xklass interface{}) (pickle.Class, error) {
	// class description:
	//
	//	- type(obj), or
	//	- (xklass, newargs|None)	; xklass = type(obj) | (modname, classname)

	if t, ok := xklass.(pickle.Tuple); ok {
		// t = (xklass, newargs|None)
		if len(t) != 2 {
			return pickle.Class{}, errInvalidPyClass
		}
		// newargs is ignored (zodb/py uses it only for persistent classes)
		xklass = t[0]
		if t, ok := xklass.(pickle.Tuple); ok {
			// t = (modname, classname)
			if len(t) != 2 {
				return pickle.Class{}, errInvalidPyClass
			}
			modname, ok1 := t[0].(string)
			classname, ok2 := t[1].(string)
			if !(ok1 && ok2) {
				return pickle.Class{}, errInvalidPyClass
			}

			return pickle.Class{Module: modname, Name: classname}, nil
		}
	}

	if klass, ok := xklass.(pickle.Class); ok {
		// klass = type(obj)
		return klass, nil
	}

	return pickle.Class{}, errInvalidPyClass
}

// xpid decodes persistent reference id into oid and class.
//
// pid is either (oid, klass) or just oid; class is "" in the latter case.
func xpid(pid interface{}) (oid Oid, class string, err error) {
	xoid := pid
	var xklass interface{}
	if t, ok := pid.(pickle.Tuple); ok {
		if len(t) != 2 {
			return InvalidOid, "", fmt.Errorf("invalid persistent reference %v", pid)
		}
		xoid, xklass = t[0], t[1]
	}

	switch v := xoid.(type) {
	case int64, *big.Int:
		u, ok := pickletools.Xuint64(v)
		if !ok {
			return InvalidOid, "", fmt.Errorf("invalid persistent reference oid %v", v)
		}
		oid = Oid(u)
	case string:
		// ZODB/py stores oid as 8-byte string
		if len(v) != 8 {
			return InvalidOid, "", fmt.Errorf("invalid persistent reference oid %q", v)
		}
		oid = Oid(binary.BigEndian.Uint64([]byte(v)))
	default:
		return InvalidOid, "", fmt.Errorf("invalid persistent reference oid %T", xoid)
	}

	if xklass != nil {
		klass, err := normPyClass(xklass)
		if err != nil {
			return InvalidOid, "", fmt.Errorf("persistent reference %s: %s", oid, err)
		}
		class = klass.Module + "." + klass.Name
	}
	return oid, class, nil
}
