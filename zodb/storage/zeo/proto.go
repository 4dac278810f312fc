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

package zeo
// Protocol for exchanged ZEO messages.
// Each message is wrapped into packet with be32 header of whole packet size.
// See https://github.com/zopefoundation/ZEO/blob/5.2.1-20-gcb26281d/doc/protocol.rst for details.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	pickle "github.com/kisielk/og-rek"
	"github.com/shamaton/msgpack"

	"lab.nexedi.com/kirr/zconn/go/zodb"
	"lab.nexedi.com/kirr/zconn/go/zodb/internal/pickletools"
)

// msg represents 1 message.
type msg struct {
	msgid  int64
	flags  msgFlags
	method string
	arg    interface{} // can be e.g. (arg1, arg2, ...)
}

type msgFlags int64
const (
	msgAsync  msgFlags = 1 // message does not need a reply
	msgExcept msgFlags = 2 // exception was raised on remote side (ZEO5)
)

// encoding represents wire encoding of ZEO messages.
//
// 'Z' - pickles, 'M' - msgpack.
type encoding byte

func (e encoding) valid() bool {
	return e == 'Z' || e == 'M'
}

// ---- message encode/decode ↔ packet ----

// pktEncode encodes message into raw packet.
func (e encoding) pktEncode(m msg) (*pktBuf, error) {
	pkb := allocPkb()
	var err error
	switch e {
	case 'Z':
		p := pickle.NewEncoderWithConfig(pkb, &pickle.EncoderConfig{Protocol: 2})
		err = p.Encode(pickle.Tuple{m.msgid, int64(m.flags), m.method, m.arg})

	case 'M':
		var data []byte
		data, err = msgpack.Encode([]interface{}{m.msgid, int64(m.flags), m.method, m.arg})
		if err == nil {
			pkb.Write(data)
		}

	default:
		err = fmt.Errorf("invalid encoding %q", e)
	}

	if err != nil {
		pkb.Free()
		return nil, fmt.Errorf("encode: .%d %s: %s", m.msgid, m.method, err)
	}
	return pkb, nil
}

// pktDecode decodes raw packet into message.
func (e encoding) pktDecode(pkb *pktBuf) (msg, error) {
	var m msg
	var xpkt interface{}
	var err error

	switch e {
	case 'Z':
		d := pickle.NewDecoder(bytes.NewReader(pkb.Payload()))
		xpkt, err = d.Decode()
	case 'M':
		err = msgpack.Decode(pkb.Payload(), &xpkt)
	default:
		err = fmt.Errorf("invalid encoding %q", e)
	}
	if err != nil {
		return m, derrf("%s", err)
	}

	// (msgid, flags, method, arg)
	tpkt, ok := e.asTuple(xpkt)
	if !ok {
		return m, derrf("got %T; expected tuple", xpkt)
	}
	if len(tpkt) != 4 {
		return m, derrf("len(msg-tuple)=%d; expected 4", len(tpkt))
	}
	m.msgid, ok = e.asInt64(tpkt[0])
	if !ok {
		return m, derrf("msgid: got %T; expected int", tpkt[0])
	}

	flags, ok := e.asInt64(tpkt[1])
	if !ok {
		return m, derrf("flags: got %T; expected int", tpkt[1])
	}
	m.flags = msgFlags(flags)

	m.method, ok = e.asString(tpkt[2])
	if !ok {
		return m, derrf(".%d: method: got %T; expected str", m.msgid, tpkt[2])
	}

	m.arg = tpkt[3]
	return m, nil
}

func derrf(format string, argv ...interface{}) error {
	return fmt.Errorf("decode: "+format, argv...)
}


// ---- values ----

// tuple returns argv in the form the encoding represents tuples.
func (e encoding) tuple(argv ...interface{}) interface{} {
	if e == 'Z' {
		return pickle.Tuple(argv)
	}
	return argv
}

// none returns representation of None.
func (e encoding) none() interface{} {
	if e == 'Z' {
		return pickle.None{}
	}
	return nil
}

// bytes returns representation of binary data.
//
// nil data is represented as None.
func (e encoding) bytes(data []byte) interface{} {
	if data == nil {
		return e.none()
	}
	if e == 'Z' {
		return string(data)
	}
	return data
}

func (e encoding) isNone(xv interface{}) bool {
	switch xv.(type) {
	case nil, pickle.None:
		return true
	}
	return false
}

func (e encoding) asTuple(xv interface{}) ([]interface{}, bool) {
	switch v := xv.(type) {
	case pickle.Tuple:
		return []interface{}(v), true
	case []interface{}:
		return v, true
	}
	return nil, false
}

func (e encoding) asBytes(xv interface{}) ([]byte, bool) {
	switch v := xv.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	return nil, false
}

func (e encoding) asString(xv interface{}) (string, bool) {
	switch v := xv.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

func (e encoding) asBool(xv interface{}) (bool, bool) {
	switch v := xv.(type) {
	case bool:
		return v, true
	default:
		i, ok := e.asInt64(xv)
		return i != 0, ok
	}
}

// asInt64 converts decoded integer to int64.
//
// ogórek decodes python ints as int64 or *big.Int; msgpack decoder returns
// the smallest Go type the wire format used.
func (e encoding) asInt64(xv interface{}) (int64, bool) {
	switch v := xv.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > 1<<63-1 {
			return 0, false
		}
		return int64(v), true
	case *big.Int:
		return pickletools.Xint64(v)
	}
	return 0, false
}

func (e encoding) asList(xv interface{}) ([]interface{}, bool) {
	// msgpack has no tuples and python lists are decoded as []interface{}
	return e.asTuple(xv)
}

func (e encoding) asStrDict(xv interface{}) (map[string]interface{}, error) {
	return pickletools.Xstrdict(xv)
}


// ---- oid/tid packing ----

// xuint64Unpack tries to decode packed 8-byte string as bigendian uint64
func (e encoding) xuint64Unpack(xv interface{}) (uint64, bool) {
	b, ok := e.asBytes(xv)
	if !ok || len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// xuint64Pack packs v into big-endian 8-byte string
func (e encoding) xuint64Pack(v uint64) interface{} {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return e.bytes(b[:])
}

func (e encoding) tidPack(tid zodb.Tid) interface{} {
	return e.xuint64Pack(uint64(tid))
}

func (e encoding) oidPack(oid zodb.Oid) interface{} {
	return e.xuint64Pack(uint64(oid))
}

func (e encoding) tidUnpack(xv interface{}) (zodb.Tid, bool) {
	v, ok := e.xuint64Unpack(xv)
	return zodb.Tid(v), ok
}

func (e encoding) oidUnpack(xv interface{}) (zodb.Oid, bool) {
	v, ok := e.xuint64Unpack(xv)
	return zodb.Oid(v), ok
}

func (e encoding) oidvPack(oidv []zodb.Oid) interface{} {
	xoidv := make([]interface{}, len(oidv))
	for i, oid := range oidv {
		xoidv[i] = e.oidPack(oid)
	}
	return xoidv
}

func (e encoding) oidvUnpack(xv interface{}) ([]zodb.Oid, bool) {
	xoidv, ok := e.asList(xv)
	if !ok {
		return nil, false
	}
	oidv := make([]zodb.Oid, 0, len(xoidv))
	for _, xoid := range xoidv {
		oid, ok := e.oidUnpack(xoid)
		if !ok {
			return nil, false
		}
		oidv = append(oidv, oid)
	}
	return oidv, true
}
