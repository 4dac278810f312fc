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
// temporary store for savepoints

import (
	"context"
	"encoding/binary"
	"fmt"

	"lab.nexedi.com/kirr/zconn/go/transaction"
)

// TmpStore logs object changes made by savepoints of a transaction.
//
// While a transaction has savepoints, Connection stores objects into
// TmpStore instead of the storage. When the transaction commits, the logged
// records are copied into the storage. Loads of objects not in the log go
// to the storage.
//
// The log is sequence of records:
//
//	oid	[8]byte
//	serial	[8]byte
//	nrefs	uint64
//	len	uint32
//	refs	[nrefs][8]byte
//	data	[len]byte
//
// all integers are big-endian.
type TmpStore struct {
	stor    IStorage // storage the transaction will be committed to
	version string

	txn transaction.Transaction

	log  []byte
	pos  int64 // current log position
	tpos int64 // log position at last savepoint

	// {} oid -> position of its last record
	index  map[Oid]int64 // as of last savepoint
	tindex map[Oid]int64 // records logged after last savepoint

	// oids of objects created by the transaction
	created map[Oid]struct{}

	closed bool
}

const tmpHeaderSize = 8 + 8 + 8 + 4

func newTmpStore(stor IStorage, version string) *TmpStore {
	return &TmpStore{
		stor:    stor,
		version: version,
		index:   make(map[Oid]int64),
		tindex:  make(map[Oid]int64),
		created: make(map[Oid]struct{}),
	}
}

// Load loads object data from the log, or from the storage if the object
// was not logged.
func (tmp *TmpStore) Load(ctx context.Context, oid Oid, version string) ([]byte, Tid, error) {
	if _, ok := tmp.index[oid]; !ok {
		return tmp.stor.Load(ctx, oid, tmp.version)
	}
	data, _, serial := tmp.loadRefs(oid)
	return data, serial, nil
}

// loadRefs returns data, refs and serial of logged object.
//
// the object must be present in the log.
func (tmp *TmpStore) loadRefs(oid Oid) (data []byte, refs []Oid, serial Tid) {
	pos, ok := tmp.index[oid]
	if !ok {
		panic(fmt.Sprintf("tmpstore: loadrefs %s: not in log", oid))
	}

	hdr := tmp.log[pos : pos+tmpHeaderSize]
	roid := Oid(binary.BigEndian.Uint64(hdr[0:]))
	serial = Tid(binary.BigEndian.Uint64(hdr[8:]))
	nrefs := binary.BigEndian.Uint64(hdr[16:])
	size := binary.BigEndian.Uint32(hdr[24:])
	if roid != oid {
		panic(fmt.Sprintf("tmpstore: loadrefs %s: log corrupt: record is for %s", oid, roid))
	}

	p := pos + tmpHeaderSize
	refs = make([]Oid, nrefs)
	for i := range refs {
		refs[i] = Oid(binary.BigEndian.Uint64(tmp.log[p:]))
		p += 8
	}
	data = make([]byte, size)
	copy(data, tmp.log[p:p+int64(size)])
	return data, refs, serial
}

// NewOid allocates new oid from the storage.
func (tmp *TmpStore) NewOid(ctx context.Context) (Oid, error) {
	return tmp.stor.NewOid(ctx)
}

// Store logs object data.
//
// serial is returned as the new object serial: objects keep their database
// serial until the transaction commits to the storage.
func (tmp *TmpStore) Store(ctx context.Context, oid Oid, serial Tid, data []byte, refs []Oid, version string, txn transaction.Transaction) ([]StoreReply, error) {
	if txn != tmp.txn {
		return nil, &StorageTransactionError{Msg: "tmpstore: store: transaction is not current"}
	}

	rec := make([]byte, tmpHeaderSize+8*len(refs)+len(data))
	binary.BigEndian.PutUint64(rec[0:], uint64(oid))
	binary.BigEndian.PutUint64(rec[8:], uint64(serial))
	binary.BigEndian.PutUint64(rec[16:], uint64(len(refs)))
	binary.BigEndian.PutUint32(rec[24:], uint32(len(data)))
	p := tmpHeaderSize
	for _, ref := range refs {
		binary.BigEndian.PutUint64(rec[p:], uint64(ref))
		p += 8
	}
	copy(rec[p:], data)

	tmp.log = append(tmp.log[:tmp.pos], rec...)
	tmp.tindex[oid] = tmp.pos
	tmp.pos += int64(len(rec))

	return []StoreReply{{Oid: oid, Serial: serial}}, nil
}

// tpcBegin starts logging records of next savepoint.
func (tmp *TmpStore) tpcBegin(txn transaction.Transaction) {
	if tmp.txn == txn {
		return
	}
	tmp.txn = txn
	tmp.tindex = make(map[Oid]int64)
	tmp.pos = tmp.tpos
}

// tpcAbort forgets records logged after last savepoint.
func (tmp *TmpStore) tpcAbort(txn transaction.Transaction) {
	if txn != tmp.txn {
		return
	}
	tmp.tindex = make(map[Oid]int64)
	tmp.txn = nil
	tmp.pos = tmp.tpos
}

// tmpUndo is the state of TmpStore to roll back to.
type tmpUndo struct {
	store   *TmpStore
	pos     int64
	index   map[Oid]int64
	created map[Oid]struct{}
}

// tpcFinish makes records logged after last savepoint part of the log.
//
// It returns information to roll the log back to the state before those
// records.
func (tmp *TmpStore) tpcFinish(txn transaction.Transaction) *tmpUndo {
	if txn != tmp.txn {
		return nil
	}
	undo := &tmpUndo{
		store:   tmp,
		pos:     tmp.tpos,
		index:   copyIndex(tmp.index),
		created: copyOidSet(tmp.created),
	}
	for oid, pos := range tmp.tindex {
		tmp.index[oid] = pos
	}
	tmp.tindex = make(map[Oid]int64)
	tmp.tpos = tmp.pos
	return undo
}

// rollback truncates the log to pos and restores index.
func (tmp *TmpStore) rollback(pos int64, index map[Oid]int64) error {
	if !(pos <= tmp.tpos && tmp.tpos <= tmp.pos) {
		return &RollbackError{Msg: "transaction rolled back to early point"}
	}
	tmp.tpos = pos
	tmp.pos = pos
	tmp.log = tmp.log[:pos]
	tmp.index = copyIndex(index)
	tmp.tindex = make(map[Oid]int64)
	return nil
}

// Oids returns oids of objects in the log.
func (tmp *TmpStore) Oids() []Oid {
	oidv := make([]Oid, 0, len(tmp.index))
	for oid := range tmp.index {
		oidv = append(oidv, oid)
	}
	sortOids(oidv)
	return oidv
}

// Close releases the log.
func (tmp *TmpStore) Close() {
	tmp.closed = true
	tmp.log = nil
	tmp.index = nil
	tmp.tindex = nil
}

func copyIndex(index map[Oid]int64) map[Oid]int64 {
	index2 := make(map[Oid]int64, len(index))
	for oid, pos := range index {
		index2[oid] = pos
	}
	return index2
}

func copyOidSet(set map[Oid]struct{}) map[Oid]struct{} {
	set2 := make(map[Oid]struct{}, len(set))
	for oid := range set {
		set2[oid] = struct{}{}
	}
	return set2
}
