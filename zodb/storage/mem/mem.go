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

// Package mem provides in-RAM ZODB storage with undo support.
//
// Use mem://<name> URL to open it. Storages opened with the same non-empty
// name, in the same process, share the database and see each other's
// commits as if they were different clients of one database. mem:// opens
// a private database.
//
// Object revisions are kept per (oid, version) ordered by tid; the
// transaction log is kept ordered by tid. Both are B-trees.
package mem

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/btree"

	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
	"lab.nexedi.com/kirr/zconn/go/zodb/internal/notify"
)

const btreeDegree = 32

// dataRec is one object revision.
type dataRec struct {
	oid     zodb.Oid
	version string
	tid     zodb.Tid
	data    []byte   // nil for deleted object
	dataTid zodb.Tid // transaction that originally committed data; 0 if it is tid itself
	refs    []zodb.Oid
}

// Less orders revisions by (oid, version, tid).
func (r *dataRec) Less(than btree.Item) bool {
	o := than.(*dataRec)
	switch {
	case r.oid != o.oid:
		return r.oid < o.oid
	case r.version != o.version:
		return r.version < o.version
	default:
		return r.tid < o.tid
	}
}

// identity returns tid that identifies data of the revision.
//
// records that reuse data of another transaction share its identity.
func (r *dataRec) identity() zodb.Tid {
	if r.dataTid != 0 {
		return r.dataTid
	}
	return r.tid
}

// txnRec is one committed transaction.
type txnRec struct {
	zodb.TxnInfo
	recv []*dataRec
}

func (t *txnRec) Less(than btree.Item) bool {
	return t.Tid < than.(*txnRec).Tid
}

// pending is transaction being committed.
type pending struct {
	txn    transaction.Transaction
	client *Storage
	tid    zodb.Tid
	voted  bool
	recv   []*dataRec // in store order; one per (oid, version)
}

// rec returns pending record for (oid, version), or nil.
func (p *pending) rec(oid zodb.Oid, version string) *dataRec {
	for _, r := range p.recv {
		if r.oid == oid && r.version == version {
			return r
		}
	}
	return nil
}

// put adds r to pending records replacing previous one for the same object.
func (p *pending) put(r *dataRec) {
	for i, r2 := range p.recv {
		if r2.oid == r.oid && r2.version == r.version {
			p.recv[i] = r
			return
		}
	}
	p.recv = append(p.recv, r)
}

// backend is in-RAM database shared by Storages opened with the same name.
type backend struct {
	name string

	// commit lock; held from TPCBegin to TPCFinish/TPCAbort
	commitLock chan struct{}

	// visibility lock: Load takes it for reading, TPCFinish holds it for
	// writing from publishing records until invalidations are queued.
	// Lock order: loadMu > mu.
	loadMu sync.RWMutex

	mu      sync.Mutex
	data    *btree.BTree // dataRec
	txnlog  *btree.BTree // txnRec
	head    zodb.Tid
	nextOid zodb.Oid
	cur     *pending
	clients map[*Storage]struct{}
}

func newBackend(name string) *backend {
	return &backend{
		name:       name,
		commitLock: make(chan struct{}, 1),
		data:       btree.New(btreeDegree),
		txnlog:     btree.New(btreeDegree),
		nextOid:    1, // 0 is root
		clients:    make(map[*Storage]struct{}),
	}
}

var (
	backendMu  sync.Mutex
	backendTab = make(map[string]*backend)
)

// Storage is a client of in-RAM database.
type Storage struct {
	b   *backend
	url string

	resolve zodb.ConflictResolverFunc

	// last transaction this client committed; for TPCFinish called
	// several times by data managers sharing the storage.
	lastTxn transaction.Transaction
	lastTid zodb.Tid

	notify *notify.Queue
}

var _ zodb.IStorageDriver = (*Storage)(nil)
var _ zodb.IUndoStorage = (*Storage)(nil)
var _ zodb.IIterableStorage = (*Storage)(nil)
var _ zodb.ISyncer = (*Storage)(nil)
var _ zodb.IConflictResolvingStorage = (*Storage)(nil)

// Open opens client to in-RAM database name.
//
// Empty name means new private database.
func Open(name string, opt *zodb.DriverOptions) (_ *Storage, at0 zodb.Tid) {
	if opt == nil {
		opt = &zodb.DriverOptions{}
	}

	backendMu.Lock()
	b := backendTab[name]
	if b == nil {
		b = newBackend(name)
		if name != "" {
			backendTab[name] = b
		}
	}
	backendMu.Unlock()

	s := &Storage{b: b, url: "mem://" + name, notify: notify.New(opt.Watchq)}

	b.mu.Lock()
	b.clients[s] = struct{}{}
	at0 = b.head
	b.mu.Unlock()

	return s, at0
}

func (s *Storage) URL() string { return s.url }

// Close closes the client.
//
// Named database is forgotten when its last client is closed.
func (s *Storage) Close() error {
	b := s.b
	b.mu.Lock()
	_, ok := b.clients[s]
	delete(b.clients, s)
	last := len(b.clients) == 0
	cur := b.cur
	b.mu.Unlock()
	if !ok {
		return nil
	}

	// abort transaction left in progress by this client
	if cur != nil && cur.client == s {
		s.TPCAbort(context.Background(), cur.txn)
	}

	if last && b.name != "" {
		backendMu.Lock()
		if backendTab[b.name] == b {
			delete(backendTab, b.name)
		}
		backendMu.Unlock()
	}

	s.notify.Close()
	return nil
}

func (s *Storage) LastTid(_ context.Context) (zodb.Tid, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.b.head, nil
}

func (s *Storage) NewOid(_ context.Context) (zodb.Oid, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	oid := s.b.nextOid
	s.b.nextOid++
	return oid, nil
}

// lastRec returns latest committed revision of (oid, version), or nil.
//
// must be called with b.mu held.
func (b *backend) lastRec(oid zodb.Oid, version string) *dataRec {
	return b.recBefore(oid, version, zodb.TidMax+1)
}

// recBefore returns latest revision of (oid, version) with tid < before, or nil.
//
// must be called with b.mu held.
func (b *backend) recBefore(oid zodb.Oid, version string, before zodb.Tid) *dataRec {
	var rec *dataRec
	b.data.DescendLessOrEqual(&dataRec{oid: oid, version: version, tid: before - 1}, func(i btree.Item) bool {
		r := i.(*dataRec)
		if r.oid == oid && r.version == version {
			rec = r
		}
		return false
	})
	return rec
}

// recAt returns revision of (oid, version) committed by tid, or nil.
//
// must be called with b.mu held.
func (b *backend) recAt(oid zodb.Oid, version string, tid zodb.Tid) *dataRec {
	i := b.data.Get(&dataRec{oid: oid, version: version, tid: tid})
	if i == nil {
		return nil
	}
	return i.(*dataRec)
}

// current returns revision of object as seen from version.
//
// version without changes to the object falls back to non-version data.
// must be called with b.mu held.
func (b *backend) current(oid zodb.Oid, version string) *dataRec {
	rec := b.lastRec(oid, version)
	if rec == nil && version != "" {
		rec = b.lastRec(oid, "")
	}
	return rec
}

func (s *Storage) Load(_ context.Context, oid zodb.Oid, version string) ([]byte, zodb.Tid, error) {
	b := s.b
	b.loadMu.RLock()
	defer b.loadMu.RUnlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.current(oid, version)
	if rec == nil {
		return nil, zodb.InvalidTid, &zodb.NoObjectError{Oid: oid}
	}
	if rec.data == nil {
		return nil, zodb.InvalidTid, &zodb.NoDataError{Oid: oid, DeletedAt: rec.tid}
	}
	return rec.data, rec.tid, nil
}

// checkTxn returns pending transaction if txn is being committed.
//
// must be called with b.mu held.
func (b *backend) checkTxn(op string, txn transaction.Transaction) (*pending, error) {
	if b.cur == nil || b.cur.txn != txn {
		return nil, &zodb.StorageTransactionError{Msg: op + ": transaction is not being committed"}
	}
	return b.cur, nil
}

func (s *Storage) Store(ctx context.Context, oid zodb.Oid, serial zodb.Tid, data []byte, refs []zodb.Oid, version string, txn transaction.Transaction) ([]zodb.StoreReply, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.checkTxn("store", txn)
	if err != nil {
		return nil, err
	}
	if p.voted {
		return nil, &zodb.StorageTransactionError{Msg: "store: transaction already voted"}
	}

	rec := &dataRec{
		oid:     oid,
		version: version,
		tid:     p.tid,
		data:    append([]byte(nil), data...),
		refs:    append([]zodb.Oid(nil), refs...),
	}
	reply := zodb.StoreReply{Oid: oid, Serial: p.tid}

	// the object could be stored several times in one transaction
	committed := zodb.Tid(0)
	cur := b.current(oid, version)
	if cur != nil {
		committed = cur.tid
	}
	if serial != committed && !(serial == p.tid && p.rec(oid, version) != nil) {
		resolved, ok := s.tryResolve(oid, version, serial, cur, data)
		if !ok {
			return []zodb.StoreReply{{Oid: oid, Err: &zodb.ConflictError{
				Kind:            zodb.WriteConflict,
				Oid:             oid,
				Serial:          serial,
				CommittedSerial: committed,
			}}}, nil
		}
		rec.data = resolved
		reply.Resolved = true
	}

	p.put(rec)
	return []zodb.StoreReply{reply}, nil
}

// tryResolve tries to merge conflicting store with registered resolver.
//
// must be called with b.mu held.
func (s *Storage) tryResolve(oid zodb.Oid, version string, serial zodb.Tid, cur *dataRec, data []byte) ([]byte, bool) {
	if s.resolve == nil || cur == nil || cur.data == nil || serial == 0 {
		return nil, false
	}
	old := s.b.recAt(oid, version, serial)
	if old == nil && version != "" {
		old = s.b.recAt(oid, "", serial)
	}
	if old == nil || old.data == nil {
		return nil, false
	}

	resolved, err := s.resolve(oid, old.data, cur.data, data)
	if err != nil {
		return nil, false
	}
	return resolved, true
}

func (s *Storage) SetConflictResolver(resolve zodb.ConflictResolverFunc) {
	s.b.mu.Lock()
	s.resolve = resolve
	s.b.mu.Unlock()
}

func (s *Storage) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	b := s.b
	b.mu.Lock()
	if b.cur != nil && b.cur.txn == txn {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.commitLock <- struct{}{}:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tid := zodb.TidFromTime(time.Now())
	if tid <= b.head {
		tid = b.head + 1
	}
	b.cur = &pending{txn: txn, client: s, tid: tid}
	return nil
}

func (s *Storage) TPCVote(ctx context.Context, txn transaction.Transaction) ([]zodb.StoreReply, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.checkTxn("tpc_vote", txn)
	if err != nil {
		return nil, err
	}
	p.voted = true
	return nil, nil
}

func (s *Storage) TPCFinish(ctx context.Context, txn transaction.Transaction, onCommit func(zodb.Tid)) (zodb.Tid, error) {
	b := s.b
	// nobody loads until data committed by txn is published and
	// invalidations for it are queued
	b.loadMu.Lock()
	b.mu.Lock()
	if b.cur == nil || b.cur.txn != txn {
		lastTxn, lastTid := s.lastTxn, s.lastTid
		b.mu.Unlock()
		b.loadMu.Unlock()
		if lastTxn == txn && txn != nil {
			// another data manager of the same transaction
			if onCommit != nil {
				onCommit(lastTid)
			}
			return lastTid, nil
		}
		return zodb.InvalidTid, &zodb.StorageTransactionError{Msg: "tpc_finish: transaction is not being committed"}
	}

	p := b.cur
	t := &txnRec{TxnInfo: zodb.TxnInfo{
		Tid:         p.tid,
		Status:      zodb.TxnComplete,
		User:        txn.User(),
		Description: txn.Description(),
		Extension:   txn.Extension(),
	}}
	version := ""
	changev := make([]zodb.Oid, 0, len(p.recv))
	for _, rec := range p.recv {
		b.data.ReplaceOrInsert(rec)
		t.recv = append(t.recv, rec)
		changev = append(changev, rec.oid)
		if rec.version != "" {
			version = rec.version
		}
	}
	b.txnlog.ReplaceOrInsert(t)
	b.head = p.tid
	b.cur = nil
	s.lastTxn, s.lastTid = txn, p.tid

	var others []*Storage
	for c := range b.clients {
		if c != s {
			others = append(others, c)
		}
	}
	b.mu.Unlock()

	// invalidations are queued before committed data becomes loadable
	if onCommit != nil {
		onCommit(p.tid)
	}
	for _, c := range others {
		c.notify.Send(&zodb.EventCommit{Tid: p.tid, Version: version, Changev: changev})
	}
	b.loadMu.Unlock()

	<-b.commitLock
	return p.tid, nil
}

func (s *Storage) TPCAbort(ctx context.Context, txn transaction.Transaction) error {
	b := s.b
	b.mu.Lock()
	if b.cur == nil || b.cur.txn != txn {
		b.mu.Unlock()
		return nil
	}
	b.cur = nil
	b.mu.Unlock()

	<-b.commitLock
	return nil
}

// Sync waits for notifications about commits of other clients to be delivered.
func (s *Storage) Sync(ctx context.Context) error {
	return s.notify.Flush(ctx)
}


// ---- undo ----

func (s *Storage) UndoInfo(_ context.Context, first, last int) ([]zodb.TxnInfo, error) {
	if last < 0 {
		last = first - last
	}
	if first < 0 || last < first {
		return nil, fmt.Errorf("undo_info: invalid range [%d:%d]", first, last)
	}

	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	var infov []zodb.TxnInfo
	i := 0
	b.txnlog.Descend(func(item btree.Item) bool {
		if i >= last {
			return false
		}
		if i >= first {
			infov = append(infov, item.(*txnRec).TxnInfo)
		}
		i++
		return true
	})
	return infov, nil
}

func (s *Storage) Undo(ctx context.Context, tid zodb.Tid, txn transaction.Transaction) ([]zodb.Oid, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.checkTxn("undo", txn)
	if err != nil {
		return nil, err
	}
	if p.voted {
		return nil, &zodb.StorageTransactionError{Msg: "undo: transaction already voted"}
	}

	item := b.txnlog.Get(&txnRec{TxnInfo: zodb.TxnInfo{Tid: tid}})
	if item == nil {
		return nil, &zodb.UndoError{Tid: tid, Reason: "transaction not found"}
	}
	t := item.(*txnRec)

	// prepare all records first: either all objects are undone, or none
	var undov []*dataRec
	var oidv []zodb.Oid
	for _, rec := range t.recv {
		cur := p.rec(rec.oid, rec.version)
		if cur == nil {
			cur = b.lastRec(rec.oid, rec.version)
		}
		if cur == nil || cur.identity() != rec.identity() {
			return nil, &zodb.UndoError{Tid: tid, Oids: []zodb.Oid{rec.oid},
				Reason: "object changed by later transaction"}
		}

		undo := &dataRec{oid: rec.oid, version: rec.version, tid: p.tid}
		prev := b.recBefore(rec.oid, rec.version, rec.tid)
		if prev != nil && prev.data != nil {
			undo.data = prev.data
			undo.dataTid = prev.identity()
			undo.refs = prev.refs
		}
		undov = append(undov, undo)
		oidv = append(oidv, rec.oid)
	}

	for _, undo := range undov {
		p.put(undo)
	}
	return oidv, nil
}


// ---- iteration ----

func (s *Storage) Iterate(_ context.Context, tidMin, tidMax zodb.Tid) zodb.ITxnIterator {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	// committed transactions are immutable - it is ok to iterate a snapshot
	var txnv []*txnRec
	b.txnlog.AscendRange(&txnRec{TxnInfo: zodb.TxnInfo{Tid: tidMin}}, &txnRec{TxnInfo: zodb.TxnInfo{Tid: tidMax + 1}}, func(i btree.Item) bool {
		txnv = append(txnv, i.(*txnRec))
		return true
	})
	return &txnIter{txnv: txnv}
}

type txnIter struct {
	txnv []*txnRec
}

func (it *txnIter) NextTxn(_ context.Context) (*zodb.TxnInfo, zodb.IDataIterator, error) {
	if len(it.txnv) == 0 {
		return nil, nil, io.EOF
	}
	t := it.txnv[0]
	it.txnv = it.txnv[1:]
	info := t.TxnInfo
	return &info, &dataIter{recv: t.recv}, nil
}

type dataIter struct {
	recv []*dataRec
}

func (it *dataIter) NextData(_ context.Context) (*zodb.DataInfo, error) {
	if len(it.recv) == 0 {
		return nil, io.EOF
	}
	r := it.recv[0]
	it.recv = it.recv[1:]
	return &zodb.DataInfo{
		Oid:     r.oid,
		Tid:     r.tid,
		Data:    r.data,
		Version: r.version,
		DataTid: r.identity(),
	}, nil
}


// ---- open by URL ----

func openByURL(_ context.Context, u *url.URL, opt *zodb.DriverOptions) (zodb.IStorageDriver, zodb.Tid, error) {
	name := u.Host + u.Path
	s, at0 := Open(name, opt)
	return s, at0, nil
}

func init() {
	zodb.RegisterDriver("mem", openByURL)
}
