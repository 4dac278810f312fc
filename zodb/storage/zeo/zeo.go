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

// Package zeo provides ZEO client and server.
//
// ZEO is the protocol to access ZODB storage over network. Use
// zeo://host:port or zeo:///path/to/unix/socket URL to open client storage.
// Supported URL parameters are:
//
//	storage=<name>     name of storage on the server ("1" by default)
//	timeout=<duration> bound on every call to the server
//
// The client reconnects to the server lazily: after the link is lost, calls
// of the transaction being committed fail with *zodb.DisconnectedError, and
// the next operation dials the server again.
//
// Use Server to serve a storage to ZEO clients.
package zeo

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	pickle "github.com/kisielk/og-rek"

	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xnet"

	"lab.nexedi.com/kirr/zconn/go/internal/xio"
	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
	"lab.nexedi.com/kirr/zconn/go/zodb/internal/notify"
)

// oids are allocated from server in batches of that size.
const oidBatch = 20

// at most that many own tids are remembered to filter them out from
// invalidations received after reconnect.
const ownMax = 1024

// zeo is ZEO client storage driver.
type zeo struct {
	url       string // we were opened via this
	net       xnet.Networker
	addr      string
	storageID string
	readOnly  bool
	timeout   time.Duration // 0 - no timeout

	linkMu sync.Mutex // serializes (re)dialing
	link   *zLink     // nil or down -> dial on next use

	// Load takes it for reading; TPCFinish holds it for writing from
	// tpc_finish call until onCommit returns.
	loadMu sync.RWMutex

	mu      sync.Mutex
	closed  bool
	oidPool []zodb.Oid
	cur     *ztxn // transaction being committed
	txnID   int64

	// last transaction this client committed; for TPCFinish called
	// several times by data managers sharing the storage.
	lastTxn transaction.Transaction
	lastTid zodb.Tid

	// held from TPCBegin to TPCFinish/TPCAbort
	commitLock chan struct{}

	// driver client <- watcher: database commits.
	watchMu sync.Mutex
	head    zodb.Tid             // invalidations with tid <= head are ignored
	hold    bool                 // catching up after (re)connect; queue invalidations to held
	held    []*zodb.EventCommit
	own     []zodb.Tid           // tids committed by us, > head
	notify  *notify.Queue
}

// ztxn is transaction being committed via zeo.
type ztxn struct {
	txn     transaction.Transaction
	id      int64
	link    *zLink // link the commit was started on
	voted   bool
	replies []zodb.StoreReply
}

var _ zodb.IStorageDriver = (*zeo)(nil)
var _ zodb.IUndoStorage = (*zeo)(nil)
var _ zodb.IIterableStorage = (*zeo)(nil)
var _ zodb.ISyncer = (*zeo)(nil)

func (z *zeo) URL() string {
	return z.url
}

// zerr turns err into OpError about z.op(args).
func (z *zeo) zerr(op string, args interface{}, err error) error {
	if err == nil {
		return nil
	}
	return &zodb.OpError{URL: z.URL(), Op: op, Args: args, Err: err}
}

// ---- link ----

// getLink returns link to the server dialing it if needed.
func (z *zeo) getLink(ctx context.Context) (*zLink, error) {
	z.linkMu.Lock()
	defer z.linkMu.Unlock()

	z.mu.Lock()
	closed := z.closed
	z.mu.Unlock()
	if closed {
		return nil, errClosed
	}

	if z.link != nil && !z.link.isDown() {
		return z.link, nil
	}

	zl, err := z.connect(ctx)
	if err != nil {
		return nil, &zodb.DisconnectedError{Err: err}
	}
	z.link = zl
	return zl, nil
}

var errClosed = fmt.Errorf("storage is closed")

// connect dials the server, registers to the storage and catches up with
// transactions committed while we were disconnected.
func (z *zeo) connect(ctx context.Context) (_ *zLink, err error) {
	z.watchMu.Lock()
	z.hold = true
	z.watchMu.Unlock()
	defer func() {
		z.watchMu.Lock()
		for _, e := range z.held {
			z.emit(e)
		}
		z.held = nil
		z.hold = false
		z.watchMu.Unlock()
	}()

	zl, err := dialZLink(ctx, z.net, z.addr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			zl.Close()
		}
	}()

	go zl.Serve(map[string]notifyFunc{
		"invalidateTransaction": func(argv []interface{}) error {
			return z.invalidateTransaction(zl, argv)
		},
	}, nil)

	rpc := z.rpc(zl, "register")
	xlastTid, err := rpc.call(ctx, z.storageID, z.readOnly)
	if err != nil {
		return nil, err
	}

	// register returns last_tid in ZEO5 but nothing earlier.
	// if so we have to retrieve last_tid in another RPC.
	if zl.ver < "5" {
		rpc = z.rpc(zl, "lastTransaction")
		xlastTid, err = rpc.call(ctx)
		if err != nil {
			return nil, err
		}
	}

	lastTid, ok := zl.enc.tidUnpack(xlastTid)
	if !ok {
		return nil, rpc.ereplyf("got %v; expect tid", xlastTid)
	}

	z.watchMu.Lock()
	head := z.head
	if head == zodb.InvalidTid {
		// first connect
		z.head = lastTid
	}
	z.watchMu.Unlock()

	if head != zodb.InvalidTid && lastTid > head {
		err = z.catchup(ctx, zl, head)
		if err != nil {
			return nil, err
		}
	}

	return zl, nil
}

// catchup reports transactions committed after head.
//
// they were committed while we were not connected to the server and so
// were not notified about.
func (z *zeo) catchup(ctx context.Context, zl *zLink, head zodb.Tid) error {
	rpc := z.rpc(zl, "getInvalidations")
	xres, err := rpc.call(ctx, zl.enc.tidPack(head))
	if err != nil {
		return err
	}

	// [](tid, version, oids)
	xtxnv, ok := zl.enc.asList(xres)
	if !ok {
		return rpc.ereplyf("got %T; expect list", xres)
	}
	var eventv []*zodb.EventCommit
	for _, xtxn := range xtxnv {
		e, err := decodeInvalidation(zl.enc, xtxn)
		if err != nil {
			return rpc.ereplyf("%s", err)
		}
		eventv = append(eventv, e)
	}

	z.watchMu.Lock()
	for _, e := range eventv {
		z.emit(e)
	}
	z.watchMu.Unlock()
	return nil
}

// decodeInvalidation decodes (tid, oids [, version]).
func decodeInvalidation(enc encoding, xv interface{}) (*zodb.EventCommit, error) {
	argv, ok := enc.asTuple(xv)
	if !ok || !(len(argv) == 2 || len(argv) == 3) {
		return nil, fmt.Errorf("invalidation: got %#v; expect (tid, oids [, version])", xv)
	}
	tid, ok1 := enc.tidUnpack(argv[0])
	oidv, ok2 := enc.oidvUnpack(argv[1])
	version, ok3 := "", true
	if len(argv) == 3 {
		version, ok3 = enc.asString(argv[2])
	}
	if !(ok1 && ok2 && ok3) {
		return nil, fmt.Errorf("invalidation: got (%T, %T, ...); expect (tid, oids [, version])", argv[0], argv[1])
	}
	return &zodb.EventCommit{Tid: tid, Version: version, Changev: oidv}, nil
}

// invalidateTransaction handles server notification about a commit done by
// another client.
func (z *zeo) invalidateTransaction(zl *zLink, argv []interface{}) error {
	e, err := decodeInvalidation(zl.enc, zl.enc.tuple(argv...))
	if err != nil {
		return err
	}

	z.watchMu.Lock()
	defer z.watchMu.Unlock()
	if z.hold {
		z.held = append(z.held, e)
		return nil
	}
	z.emit(e)
	return nil
}

// emit queues commit event for delivery to watchq.
//
// must be called with watchMu held.
func (z *zeo) emit(e *zodb.EventCommit) {
	if e.Tid <= z.head {
		return // already seen
	}
	z.head = e.Tid

	own := false
	n := 0
	for _, tid := range z.own {
		if tid == e.Tid {
			own = true
		}
		if tid > e.Tid {
			z.own[n] = tid
			n++
		}
	}
	z.own = z.own[:n]

	if !own {
		z.notify.Send(e)
	}
}

// ---- calls ----

// rpc returns rpc object handy to make calls/create errors
func (z *zeo) rpc(zl *zLink, method string) rpc {
	return rpc{zl: zl, method: method, timeout: z.timeout}
}

type rpc struct {
	zl      *zLink
	method  string
	timeout time.Duration
}

// errorUnexpectedReply is returned by zLink.Call callers when reply was
// received successfully, but is not what the caller expected.
type errorUnexpectedReply struct {
	Addr   string
	Method string
	Err    error
}

func (e *errorUnexpectedReply) Error() string {
	return fmt.Sprintf("%s: call %s: unexpected reply: %s", e.Addr, e.Method, e.Err)
}

func ereplyf(addr, method, format string, argv ...interface{}) *errorUnexpectedReply {
	return &errorUnexpectedReply{
		Addr:   addr,
		Method: method,
		Err:    fmt.Errorf(format, argv...),
	}
}

func (r rpc) ereplyf(format string, argv ...interface{}) *errorUnexpectedReply {
	return ereplyf(r.zl.link.RemoteAddr().String(), r.method, format, argv...)
}

// call makes the call and returns its result.
//
// Link failures, including timeout, are returned as *zodb.DisconnectedError.
// Exceptions raised by server are returned as corresponding errors.
func (r rpc) call(ctx context.Context, argv ...interface{}) (interface{}, error) {
	cctx := ctx
	if r.timeout != 0 {
		var cancel func()
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	reply, err := r.zl.Call(cctx, r.method, argv...)
	if err != nil {
		if ctx.Err() == nil && cctx.Err() != nil {
			// the link is in unknown state after a call timed out
			err = fmt.Errorf("call %s: timed out after %s", r.method, r.timeout)
			r.zl.shutdown(err)
			return nil, &zodb.DisconnectedError{Err: err}
		}
		if r.zl.isDown() {
			return nil, &zodb.DisconnectedError{Err: r.zl.Err()}
		}
		return nil, err
	}

	if r.zl.ver >= "5" {
		// in ZEO5 exceptions are marked via flag
		if reply.flags & msgExcept != 0 {
			return nil, r.zeo5Error(reply.arg)
		}
	} else {
		// in ZEO < 5 exceptions are represented by returning
		// (exc_class, exc_inst) - check it
		err = r.zeo4Error(reply.arg)
		if err != nil {
			return nil, err
		}
	}

	// it is not an exception
	return reply.arg, nil
}

// zeo5Error decodes arg of reply with msgExcept flag set and returns
// corresponding error.
func (r rpc) zeo5Error(arg interface{}) error {
	// ('type', (arg1, arg2, arg3, ...))
	texc, ok := r.zl.enc.asTuple(arg)
	if !ok || len(texc) != 2 {
		return r.ereplyf("except5: got %#v; expect 2-tuple", arg)
	}

	exc, ok1 := r.zl.enc.asString(texc[0])
	argv, ok2 := r.zl.enc.asTuple(texc[1])
	if !(ok1 && ok2) {
		return r.ereplyf("except5: got (%T, %T); expect (str, tuple)", texc...)
	}

	return r.zl.enc.excError(exc, argv)
}

// zeo4Error checks whether arg corresponds to exceptional reply, and if
// yes, decodes it into corresponding error.
//
// nil is returned if arg does not represent an exception.
func (r rpc) zeo4Error(arg interface{}) error {
	if r.zl.enc != 'Z' {
		return nil
	}

	// (exc_class, exc_inst), e.g.
	// ogórek.Tuple{
	//         ogórek.Class{Module:"ZODB.POSException", Name:"POSKeyError"},
	//         ogórek.Call{
	//                 Callable: ogórek.Class{Module:"ZODB.POSException", Name:"_recon"},
	//                 Args:     ogórek.Tuple{
	//                         ogórek.Class{Module:"ZODB.POSException", Name:"POSKeyError"},
	//                         map[interface {}]interface {}{
	//                                 "args":ogórek.Tuple{"\x00\x00\x00\x00\x00\x00\bP"}
	//                         }
	//                 }
	//         }
	// }
	targ, ok := arg.(pickle.Tuple)
	if !ok || len(targ) != 2 {
		return nil
	}

	klass, ok := targ[0].(pickle.Class)
	if !ok || !isPyExceptClass(klass) {
		return nil
	}
	exc := klass.Module + "." + klass.Name

	// it is exception
	call, ok := targ[1].(pickle.Call)
	if !ok {
		// not a call - the best we can do is to guess
		return r.ereplyf("except4: %s: inst %#v; expect call", exc, targ[1:])
	}

	exc = call.Callable.Module + "." + call.Callable.Name
	argv := call.Args
	if exc == "ZODB.POSException._recon" {
		// args: (class, state)
		if len(argv) != 2 {
			return r.ereplyf("except4: %s: got %#v; expect 2-tuple", exc, argv)
		}

		klass, ok1 := argv[0].(pickle.Class)
		state, ok2 := argv[1].(map[interface{}]interface{})
		if !(ok1 && ok2) {
			return r.ereplyf("except4: %s: got (%T, %T); expect (class, dict)", exc, argv[0], argv[1])
		}

		args, ok := state["args"].(pickle.Tuple)
		if !ok {
			return r.ereplyf("except4: %s: state.args = %#v; expect tuple", exc, state["args"])
		}

		exc = klass.Module + "." + klass.Name
		argv = args
	}

	return r.zl.enc.excError(exc, argv)
}

// isPyExceptClass returns whether klass represents python exception
func isPyExceptClass(klass pickle.Class) bool {
	// XXX this is approximation
	return strings.HasSuffix(klass.Name, "Error")
}


// ---- IStorageDriver ----

func (z *zeo) LastTid(ctx context.Context) (_ zodb.Tid, err error) {
	defer func() { err = z.zerr("last_tid", nil, err) }()

	zl, err := z.getLink(ctx)
	if err != nil {
		return zodb.InvalidTid, err
	}
	rpc := z.rpc(zl, "lastTransaction")
	xhead, err := rpc.call(ctx)
	if err != nil {
		return zodb.InvalidTid, err
	}

	head, ok := zl.enc.tidUnpack(xhead)
	if !ok {
		return zodb.InvalidTid, rpc.ereplyf("got %v; expect tid", xhead)
	}
	return head, nil
}

func (z *zeo) NewOid(ctx context.Context) (_ zodb.Oid, err error) {
	defer func() { err = z.zerr("new_oid", nil, err) }()

	if z.readOnly {
		return zodb.InvalidOid, &zodb.ReadOnlyError{}
	}

	z.mu.Lock()
	if len(z.oidPool) > 0 {
		oid := z.oidPool[0]
		z.oidPool = z.oidPool[1:]
		z.mu.Unlock()
		return oid, nil
	}
	z.mu.Unlock()

	zl, err := z.getLink(ctx)
	if err != nil {
		return zodb.InvalidOid, err
	}
	rpc := z.rpc(zl, "new_oids")
	xoidv, err := rpc.call(ctx, int64(oidBatch))
	if err != nil {
		return zodb.InvalidOid, err
	}
	oidv, ok := zl.enc.oidvUnpack(xoidv)
	if !ok || len(oidv) == 0 {
		return zodb.InvalidOid, rpc.ereplyf("got %#v; expect list of oids", xoidv)
	}

	z.mu.Lock()
	z.oidPool = append(z.oidPool, oidv[1:]...)
	z.mu.Unlock()
	return oidv[0], nil
}

func (z *zeo) Load(ctx context.Context, oid zodb.Oid, version string) (_ []byte, _ zodb.Tid, err error) {
	defer func() { err = z.zerr("load", oid, err) }()

	z.loadMu.RLock()
	defer z.loadMu.RUnlock()

	zl, err := z.getLink(ctx)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}

	argv := []interface{}{zl.enc.oidPack(oid)}
	if version != "" {
		argv = append(argv, version)
	}
	rpc := z.rpc(zl, "loadEx")
	xres, err := rpc.call(ctx, argv...)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}

	// (data, serial)
	res, ok := zl.enc.asTuple(xres)
	if !ok || len(res) != 2 {
		return nil, zodb.InvalidTid, rpc.ereplyf("got %#v; expect 2-tuple", xres)
	}

	data, ok1 := zl.enc.asBytes(res[0])
	serial, ok2 := zl.enc.tidUnpack(res[1])
	if !(ok1 && ok2) {
		return nil, zodb.InvalidTid, rpc.ereplyf("got (%T, %v); expect (str, tid)", res...)
	}

	return data, serial, nil
}

// checkTxn returns transaction being committed if it is txn.
//
// must be called with z.mu held.
func (z *zeo) checkTxn(op string, txn transaction.Transaction) (*ztxn, error) {
	if z.cur == nil || z.cur.txn != txn {
		return nil, &zodb.StorageTransactionError{Msg: op + ": transaction is not being committed"}
	}
	return z.cur, nil
}

func (z *zeo) Store(ctx context.Context, oid zodb.Oid, serial zodb.Tid, data []byte, refs []zodb.Oid, version string, txn transaction.Transaction) (_ []zodb.StoreReply, err error) {
	defer func() { err = z.zerr("store", oid, err) }()

	if z.readOnly {
		return nil, &zodb.ReadOnlyError{}
	}

	z.mu.Lock()
	cur, err := z.checkTxn("store", txn)
	if err == nil && cur.voted {
		err = &zodb.StorageTransactionError{Msg: "store: transaction is already voted"}
	}
	z.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// stores are reported at vote
	zl := cur.link
	err = zl.Notify("storea", zl.enc.oidPack(oid), zl.enc.tidPack(serial), zl.enc.bytes(data),
		version, cur.id, zl.enc.oidvPack(refs))
	if err != nil {
		if zl.isDown() {
			err = &zodb.DisconnectedError{Err: zl.Err()}
		}
		return nil, err
	}
	return nil, nil
}

func (z *zeo) TPCBegin(ctx context.Context, txn transaction.Transaction) (err error) {
	defer func() { err = z.zerr("tpc_begin", nil, err) }()

	if z.readOnly {
		return &zodb.ReadOnlyError{}
	}

	z.mu.Lock()
	if z.cur != nil && z.cur.txn == txn {
		z.mu.Unlock()
		return nil
	}
	z.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case z.commitLock <- struct{}{}:
	}
	defer func() {
		if err != nil {
			<-z.commitLock
		}
	}()

	zl, err := z.getLink(ctx)
	if err != nil {
		return err
	}

	z.mu.Lock()
	z.txnID++
	cur := &ztxn{txn: txn, id: z.txnID, link: zl}
	z.mu.Unlock()

	rpc := z.rpc(zl, "tpc_begin")
	_, err = rpc.call(ctx, cur.id, txn.User(), txn.Description(), txn.Extension())
	if err != nil {
		return err
	}

	z.mu.Lock()
	z.cur = cur
	z.mu.Unlock()
	return nil
}

func (z *zeo) TPCVote(ctx context.Context, txn transaction.Transaction) (_ []zodb.StoreReply, err error) {
	defer func() { err = z.zerr("tpc_vote", nil, err) }()

	z.mu.Lock()
	cur, err := z.checkTxn("tpc_vote", txn)
	z.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if cur.voted {
		return cur.replies, nil
	}

	zl := cur.link
	rpc := z.rpc(zl, "vote")
	xres, err := rpc.call(ctx, cur.id)
	if err != nil {
		return nil, err
	}

	// [](oid, serial, resolved, exception | None)
	xrv, ok := zl.enc.asList(xres)
	if !ok {
		return nil, rpc.ereplyf("got %T; expect list", xres)
	}
	var replies []zodb.StoreReply
	for _, xr := range xrv {
		r, ok := zl.enc.asTuple(xr)
		if !ok || len(r) != 4 {
			return nil, rpc.ereplyf("got %#v; expect 4-tuple", xr)
		}
		oid, ok1 := zl.enc.oidUnpack(r[0])
		serial, ok2 := zl.enc.tidUnpack(r[1])
		resolved, ok3 := zl.enc.asBool(r[2])
		if !(ok1 && ok2 && ok3) {
			return nil, rpc.ereplyf("got (%T, %T, %T, ...); expect (oid, tid, bool, ...)", r[0], r[1], r[2])
		}
		reply := zodb.StoreReply{Oid: oid, Serial: serial, Resolved: resolved}
		if !zl.enc.isNone(r[3]) {
			reply.Err = rpc.zeo5Error(r[3])
		}
		replies = append(replies, reply)
	}

	z.mu.Lock()
	cur.voted = true
	cur.replies = replies
	z.mu.Unlock()
	return replies, nil
}

func (z *zeo) TPCFinish(ctx context.Context, txn transaction.Transaction, onCommit func(zodb.Tid)) (_ zodb.Tid, err error) {
	defer func() { err = z.zerr("tpc_finish", nil, err) }()

	z.mu.Lock()
	cur := z.cur
	if cur == nil || cur.txn != txn {
		lastTxn, lastTid := z.lastTxn, z.lastTid
		z.mu.Unlock()
		if lastTxn == txn && txn != nil {
			// another data manager of the same transaction
			if onCommit != nil {
				onCommit(lastTid)
			}
			return lastTid, nil
		}
		return zodb.InvalidTid, &zodb.StorageTransactionError{Msg: "tpc_finish: transaction is not being committed"}
	}
	z.mu.Unlock()

	// our loads must not see the commit before onCommit runs
	z.loadMu.Lock()
	unlocked := false
	unlockLoad := func() {
		if !unlocked {
			unlocked = true
			z.loadMu.Unlock()
		}
	}
	defer unlockLoad()

	zl := cur.link
	rpc := z.rpc(zl, "tpc_finish")
	xtid, err := rpc.call(ctx, cur.id)
	if err != nil {
		return zodb.InvalidTid, err
	}
	tid, ok := zl.enc.tidUnpack(xtid)
	if !ok {
		return zodb.InvalidTid, rpc.ereplyf("got %v; expect tid", xtid)
	}

	z.watchMu.Lock()
	if tid > z.head {
		z.own = append(z.own, tid)
		if len(z.own) > ownMax {
			z.own = z.own[len(z.own)-ownMax:]
		}
	}
	z.watchMu.Unlock()

	z.mu.Lock()
	z.cur = nil
	z.lastTxn, z.lastTid = txn, tid
	z.mu.Unlock()

	if onCommit != nil {
		onCommit(tid)
	}
	unlockLoad()

	<-z.commitLock
	return tid, nil
}

// TPCAbort aborts commit of txn.
//
// Abort succeeds even if link to the server is lost - the server aborts
// transactions of disconnected clients itself.
func (z *zeo) TPCAbort(ctx context.Context, txn transaction.Transaction) (err error) {
	defer func() { err = z.zerr("tpc_abort", nil, err) }()

	z.mu.Lock()
	cur := z.cur
	if cur == nil || cur.txn != txn {
		z.mu.Unlock()
		return nil
	}
	z.cur = nil
	z.mu.Unlock()
	defer func() {
		<-z.commitLock
	}()

	if cur.link.isDown() {
		return nil
	}
	_, err = z.rpc(cur.link, "tpc_abort").call(ctx, cur.id)
	if zodb.IsDisconnected(err) {
		err = nil
	}
	return err
}

// Sync makes sure invalidations of transactions committed before Sync are
// delivered to watchq.
//
// A roundtrip to the server is enough: the server sends invalidations to us
// before it replies to a call received after the commit.
func (z *zeo) Sync(ctx context.Context) (err error) {
	defer func() { err = z.zerr("sync", nil, err) }()

	zl, err := z.getLink(ctx)
	if err != nil {
		return err
	}
	_, err = z.rpc(zl, "ping").call(ctx)
	if err != nil {
		return err
	}
	return z.notify.Flush(ctx)
}

func (z *zeo) Close() error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil
	}
	z.closed = true
	z.mu.Unlock()

	z.linkMu.Lock()
	zl := z.link
	z.linkMu.Unlock()

	var err error
	if zl != nil {
		err = zl.Close()
		if err == errLinkClosed || xio.IsClosed(err) {
			err = nil
		}
	}
	z.notify.Close()
	return err
}


// ---- undo ----

func (z *zeo) UndoInfo(ctx context.Context, first, last int) (_ []zodb.TxnInfo, err error) {
	defer func() { err = z.zerr("undo_info", nil, err) }()

	zl, err := z.getLink(ctx)
	if err != nil {
		return nil, err
	}
	rpc := z.rpc(zl, "undoInfo")
	xres, err := rpc.call(ctx, int64(first), int64(last))
	if err != nil {
		return nil, err
	}

	xinfov, ok := zl.enc.asList(xres)
	if !ok {
		return nil, rpc.ereplyf("got %T; expect list", xres)
	}
	infov := []zodb.TxnInfo{}
	for _, xinfo := range xinfov {
		info, err := decodeTxnInfo(zl.enc, xinfo)
		if err != nil {
			return nil, rpc.ereplyf("%s", err)
		}
		infov = append(infov, *info)
	}
	return infov, nil
}

// decodeTxnInfo decodes {id, user_name, description, ext, status} dict.
func decodeTxnInfo(enc encoding, xinfo interface{}) (*zodb.TxnInfo, error) {
	d, err := enc.asStrDict(xinfo)
	if err != nil {
		return nil, fmt.Errorf("txn info: %s", err)
	}

	info := &zodb.TxnInfo{Status: zodb.TxnComplete}
	var ok bool
	info.Tid, ok = enc.tidUnpack(d["id"])
	if !ok {
		return nil, fmt.Errorf("txn info: id: got %#v; expect tid", d["id"])
	}
	xstrv := []struct {
		key string
		ptr *string
	}{
		{"user_name", &info.User},
		{"description", &info.Description},
		{"ext", &info.Extension},
	}
	for _, x := range xstrv {
		xv, present := d[x.key]
		if !present {
			continue
		}
		*x.ptr, ok = enc.asString(xv)
		if !ok {
			return nil, fmt.Errorf("txn info: %s: got %T; expect str", x.key, xv)
		}
	}
	if xstatus, present := d["status"]; present {
		status, _ := enc.asString(xstatus)
		if len(status) != 1 || !zodb.TxnStatus(status[0]).Valid() {
			return nil, fmt.Errorf("txn info: status: invalid %#v", xstatus)
		}
		info.Status = zodb.TxnStatus(status[0])
	}
	return info, nil
}

func (z *zeo) Undo(ctx context.Context, tid zodb.Tid, txn transaction.Transaction) (_ []zodb.Oid, err error) {
	defer func() { err = z.zerr("undo", tid, err) }()

	if z.readOnly {
		return nil, &zodb.ReadOnlyError{}
	}

	z.mu.Lock()
	cur, err := z.checkTxn("undo", txn)
	z.mu.Unlock()
	if err != nil {
		return nil, err
	}

	zl := cur.link
	rpc := z.rpc(zl, "undo")
	xoidv, err := rpc.call(ctx, zl.enc.tidPack(tid), cur.id)
	if err != nil {
		return nil, err
	}
	oidv, ok := zl.enc.oidvUnpack(xoidv)
	if !ok {
		return nil, rpc.ereplyf("got %#v; expect list of oids", xoidv)
	}
	return oidv, nil
}


// ---- iteration ----

func (z *zeo) Iterate(ctx context.Context, tidMin, tidMax zodb.Tid) zodb.ITxnIterator {
	return &txnIter{z: z, tidMin: tidMin, tidMax: tidMax}
}

// txnIter iterates transactions via server-side iterator.
type txnIter struct {
	z      *zeo
	zl     *zLink
	tidMin zodb.Tid
	tidMax zodb.Tid
	iid    int64
	done   bool
	err    error

	txnInfo zodb.TxnInfo
}

func (it *txnIter) NextTxn(ctx context.Context) (_ *zodb.TxnInfo, _ zodb.IDataIterator, err error) {
	if it.err != nil {
		return nil, nil, it.err
	}
	if it.done {
		return nil, nil, io.EOF
	}
	defer func() {
		if err != nil && err != io.EOF {
			err = it.z.zerr("iterate", nil, err)
			it.err = err
		}
	}()

	if it.zl == nil {
		zl, err := it.z.getLink(ctx)
		if err != nil {
			return nil, nil, err
		}
		rpc := it.z.rpc(zl, "iterator_start")
		xiid, err := rpc.call(ctx, zl.enc.tidPack(it.tidMin), zl.enc.tidPack(it.tidMax))
		if err != nil {
			return nil, nil, err
		}
		iid, ok := zl.enc.asInt64(xiid)
		if !ok {
			return nil, nil, rpc.ereplyf("got %#v; expect iterator id", xiid)
		}
		it.zl, it.iid = zl, iid
	}

	zl := it.zl
	rpc := it.z.rpc(zl, "iterator_next")
	xres, err := rpc.call(ctx, it.iid)
	if err != nil {
		return nil, nil, err
	}
	if zl.enc.isNone(xres) {
		it.done = true
		return nil, nil, io.EOF
	}

	// (tid, status, user, description, ext, [](oid, version, data | None, data_tid))
	res, ok := zl.enc.asTuple(xres)
	if !ok || len(res) != 6 {
		return nil, nil, rpc.ereplyf("got %#v; expect 6-tuple", xres)
	}
	tid, ok1 := zl.enc.tidUnpack(res[0])
	status, ok2 := zl.enc.asString(res[1])
	user, ok3 := zl.enc.asString(res[2])
	desc, ok4 := zl.enc.asString(res[3])
	ext, ok5 := zl.enc.asString(res[4])
	xrecv, ok6 := zl.enc.asList(res[5])
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) || len(status) != 1 {
		return nil, nil, rpc.ereplyf("got (%T, %T, %T, %T, %T, %T); expect (tid, status, str, str, str, list)", res...)
	}

	dit := &dataIter{}
	for _, xrec := range xrecv {
		rec, ok := zl.enc.asTuple(xrec)
		if !ok || len(rec) != 4 {
			return nil, nil, rpc.ereplyf("data: got %#v; expect 4-tuple", xrec)
		}
		d := &zodb.DataInfo{Tid: tid}
		var ok1, ok2, ok3, ok4 bool
		d.Oid, ok1 = zl.enc.oidUnpack(rec[0])
		d.Version, ok2 = zl.enc.asString(rec[1])
		ok3 = true
		if !zl.enc.isNone(rec[2]) {
			d.Data, ok3 = zl.enc.asBytes(rec[2])
		}
		d.DataTid, ok4 = zl.enc.tidUnpack(rec[3])
		if !(ok1 && ok2 && ok3 && ok4) {
			return nil, nil, rpc.ereplyf("data: got (%T, %T, %T, %T); expect (oid, str, data, tid)", rec...)
		}
		dit.datav = append(dit.datav, d)
	}

	it.txnInfo = zodb.TxnInfo{
		Tid:         tid,
		Status:      zodb.TxnStatus(status[0]),
		User:        user,
		Description: desc,
		Extension:   ext,
	}
	return &it.txnInfo, dit, nil
}

// dataIter iterates data records of one transaction received in full.
type dataIter struct {
	datav []*zodb.DataInfo
}

func (it *dataIter) NextData(_ context.Context) (*zodb.DataInfo, error) {
	if len(it.datav) == 0 {
		return nil, io.EOF
	}
	d := it.datav[0]
	it.datav = it.datav[1:]
	return d, nil
}


// ---- open ----

func openByURL(ctx context.Context, u *url.URL, opt *zodb.DriverOptions) (_ zodb.IStorageDriver, at0 zodb.Tid, err error) {
	url := u.String()
	defer xerr.Contextf(&err, "open %s", url)

	// zeo://host:port/path?storage=...&...
	var net  xnet.Networker
	var addr string

	if u.Host != "" {
		net  = xnet.NetPlain("tcp")
		addr = u.Host
	} else {
		net  = xnet.NetPlain("unix")
		addr = u.Path
	}

	storageID := "1"
	var timeout time.Duration

	q := u.Query()
	if s := q.Get("storage"); s != "" {
		storageID = s
	}
	if s := q.Get("timeout"); s != "" {
		timeout, err = time.ParseDuration(s)
		if err != nil || timeout < 0 {
			return nil, zodb.InvalidTid, fmt.Errorf("invalid timeout %q", s)
		}
	}

	z := &zeo{
		url:        url,
		net:        net,
		addr:       addr,
		storageID:  storageID,
		readOnly:   opt.ReadOnly,
		timeout:    timeout,
		commitLock: make(chan struct{}, 1),
		head:       zodb.InvalidTid,
		notify:     notify.New(opt.Watchq),
	}

	zl, err := z.connect(ctx)
	if err != nil {
		z.notify.Close()
		return nil, zodb.InvalidTid, err
	}
	z.link = zl

	// NOTE since we read lastTid, at least with ZEO < 5, in separate RPC
	// call, there is a chance, that by the time when lastTid was read some
	// new transactions were committed. Such invalidations are filtered
	// out by head.
	z.watchMu.Lock()
	at0 = z.head
	z.watchMu.Unlock()

	return z, at0, nil
}

func init() {
	zodb.RegisterDriver("zeo", openByURL)
}
