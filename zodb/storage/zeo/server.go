// Copyright (C) 2020  Nexedi SA and Contributors.
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
// ZEO server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/xnet"

	"lab.nexedi.com/kirr/zconn/go/internal/log"
	"lab.nexedi.com/kirr/zconn/go/internal/task"
	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// ServerOptions describes options for Server.
type ServerOptions struct {
	// StorageID is the name clients have to register with. "1" if empty.
	StorageID string

	// Encoding is wire encoding announced to clients: 'M' (msgpack) or
	// 'Z' (pickles). 'M' if 0.
	Encoding byte

	// TxnTimeout limits how long a client may keep voted transaction
	// unfinished. The transaction is aborted and the client is
	// disconnected after that. 0 means no limit.
	TxnTimeout time.Duration

	// ResolveConflicts installs zodb.ResolveConflict as conflict resolver
	// of the served storage.
	ResolveConflicts bool
}

// Server serves ZODB storage to ZEO clients.
//
// Commits of clients are serialized by the commit lock of the storage.
// Every client is notified about transactions committed by other clients,
// including those done bypassing the server.
type Server struct {
	stor zodb.IStorage
	opt  ServerOptions
	enc  encoding

	mu      sync.Mutex
	clients map[*client]struct{} // registered clients
}

// NewServer creates new server for stor.
func NewServer(stor zodb.IStorage, opt *ServerOptions) *Server {
	srv := &Server{stor: stor, clients: make(map[*client]struct{})}
	if opt != nil {
		srv.opt = *opt
	}
	if srv.opt.StorageID == "" {
		srv.opt.StorageID = "1"
	}
	srv.enc = encoding(srv.opt.Encoding)
	if srv.enc == 0 {
		srv.enc = 'M'
	}
	if srv.opt.ResolveConflicts {
		stor.SetConflictResolver(zodb.ResolveConflict)
	}
	return srv
}

// ListenAndServe listens on laddr and serves clients until ctx is canceled.
func (srv *Server) ListenAndServe(ctx context.Context, net xnet.Networker, laddr string) error {
	l, err := net.Listen(laddr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, l)
}

// Serve accepts and serves client connections on l until ctx is canceled.
//
// l is closed on return.
func (srv *Server) Serve(ctx context.Context, l net.Listener) (err error) {
	if !srv.enc.valid() {
		return fmt.Errorf("zeo: serve: invalid encoding %q", srv.enc)
	}
	defer task.Runningf(&ctx, "zeo serve %s", l.Addr())(&err)
	log.Infof(ctx, "serving %s ...", srv.stor.URL())

	wg, ctx := errgroup.WithContext(ctx)

	// commits done by other clients of the storage
	watchq := make(chan zodb.Event)
	srv.stor.AddWatch(watchq)
	wg.Go(func() error {
		defer srv.stor.DelWatch(watchq)
		return srv.watch(ctx, watchq)
	})

	// close listener when either cancelling or returning (e.g. due to an error)
	wg.Go(func() error {
		<-ctx.Done()
		l.Close()
		return nil
	})

	// main Accept -> serveConn loop
	wg.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// TODO err -> net.Error && .Temporary() -> some throttling
				return err
			}

			wg.Go(func() error {
				srv.serveConn(ctx, conn)
				return nil
			})
		}
	})

	return wg.Wait()
}

// watch forwards commits of the storage reported via watchq to all clients.
func (srv *Server) watch(ctx context.Context, watchq chan zodb.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watchq:
			if !ok {
				return fmt.Errorf("%s: storage closed", srv.stor.URL())
			}

			switch e := event.(type) {
			case *zodb.EventCommit:
				srv.broadcast(nil, e)
			case *zodb.EventError:
				log.Warning(ctx, e.Err)
			}
		}
	}
}

// broadcast notifies registered clients, except the committer, about commit.
func (srv *Server) broadcast(except *client, e *zodb.EventCommit) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for c := range srv.clients {
		if c == except {
			continue
		}
		enc := c.zl.enc
		err := c.zl.Notify("invalidateTransaction", enc.tidPack(e.Tid), enc.oidvPack(e.Changev), e.Version)
		if err != nil {
			c.zl.shutdown(err)
		}
	}
}

// serveConn serves one client connection.
func (srv *Server) serveConn(ctx context.Context, conn net.Conn) (err error) {
	defer task.Runningf(&ctx, "client %s", conn.RemoteAddr())(&err)

	zl, err := serverHandshake(ctx, conn, srv.enc)
	if err != nil {
		return err
	}

	c := &client{
		srv:   srv,
		zl:    zl,
		ctx:   ctx,
		iters: make(map[int64]zodb.ITxnIterator),
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-zl.down:
		}
		zl.Close()
	}()

	err = zl.Serve(c.notifyTab(), c.serveTab())
	c.cleanup()
	if err == io.EOF {
		err = nil // client disconnected
	}
	return err
}


// client is server-side state of one connected client.
type client struct {
	srv *Server
	zl  *zLink
	ctx context.Context // for logging

	mu         sync.Mutex
	closed     bool
	registered bool
	readOnly   bool
	txn        *stxn // transaction being committed
	iters      map[int64]zodb.ITxnIterator
	iterID     int64
}

// stxn is transaction being committed by a client.
type stxn struct {
	id      int64 // as chosen by client
	txn     transaction.Transaction
	oids    []zodb.Oid // objects changed by the transaction
	seen    map[zodb.Oid]struct{}
	version string
	replies []zodb.StoreReply
	serr    error // first error of stores
	voted   bool
	timer   *time.Timer
}

func (st *stxn) changed(oid zodb.Oid) {
	if _, already := st.seen[oid]; already {
		return
	}
	st.seen[oid] = struct{}{}
	st.oids = append(st.oids, oid)
}

// cleanup releases what the client held after it disconnects.
func (c *client) cleanup() {
	srv := c.srv
	srv.mu.Lock()
	delete(srv.clients, c)
	srv.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	st := c.txn
	c.txn = nil
	c.iters = nil
	c.mu.Unlock()

	if st != nil {
		if st.timer != nil {
			st.timer.Stop()
		}
		log.Infof(c.ctx, "aborting transaction %d of disconnected client", st.id)
		err := srv.stor.TPCAbort(context.Background(), st.txn)
		if err != nil {
			log.Error(c.ctx, err)
		}
	}
}

// txnTimeout aborts transaction st that was voted too long ago and
// disconnects the client.
func (c *client) txnTimeout(st *stxn) {
	c.mu.Lock()
	if c.txn != st {
		c.mu.Unlock()
		return // finished or aborted in the meantime
	}
	c.txn = nil
	c.mu.Unlock()

	log.Warningf(c.ctx, "transaction %d: not finished in %s after vote; aborting", st.id, c.srv.opt.TxnTimeout)
	err := c.srv.stor.TPCAbort(context.Background(), st.txn)
	if err != nil {
		log.Error(c.ctx, err)
	}
	c.zl.shutdown(fmt.Errorf("transaction %d timed out", st.id))
}

// serveTab returns methods the client can call.
func (c *client) serveTab() map[string]serveFunc {
	tab := map[string]serveFunc{
		"lastTransaction":  c.lastTransaction,
		"loadEx":           c.loadEx,
		"new_oids":         c.newOids,
		"tpc_begin":        c.tpcBegin,
		"vote":             c.vote,
		"tpc_finish":       c.tpcFinish,
		"tpc_abort":        c.tpcAbort,
		"undo":             c.undo,
		"undoInfo":         c.undoInfo,
		"getInvalidations": c.getInvalidations,
		"iterator_start":   c.iteratorStart,
		"iterator_next":    c.iteratorNext,
		"iterator_gc":      c.iteratorGC,
		"ping":             c.ping,
	}

	for method, f := range tab {
		f := f
		tab[method] = func(ctx context.Context, argv []interface{}) (interface{}, error) {
			c.mu.Lock()
			registered := c.registered
			c.mu.Unlock()
			if !registered {
				return nil, fmt.Errorf("not registered")
			}
			return f(ctx, argv)
		}
	}

	tab["register"] = c.register
	return tab
}

// notifyTab returns notifications the client can send.
func (c *client) notifyTab() map[string]notifyFunc {
	return map[string]notifyFunc{
		"storea": c.storea,
	}
}

// argc verifies that number of arguments is in [min, max] range.
func argc(method string, argv []interface{}, min, max int) error {
	if len(argv) < min || len(argv) > max {
		return fmt.Errorf("%s: got %d arguments; expect %d..%d", method, len(argv), min, max)
	}
	return nil
}

func (c *client) badArg(method string, argv []interface{}) error {
	return fmt.Errorf("%s: invalid arguments %#v", method, argv)
}

func (c *client) register(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (storage, read_only)
	if err := argc("register", argv, 2, 2); err != nil {
		return nil, err
	}
	storageID, ok1 := enc.asString(argv[0])
	readOnly, ok2 := enc.asBool(argv[1])
	if !(ok1 && ok2) {
		return nil, c.badArg("register", argv)
	}
	if storageID != c.srv.opt.StorageID {
		return nil, fmt.Errorf("register: no such storage %q", storageID)
	}

	c.mu.Lock()
	c.readOnly = readOnly
	c.mu.Unlock()

	// registration and reading of head are atomic wrt broadcast
	srv := c.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	head, err := srv.stor.LastTid(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errLinkClosed
	}
	c.registered = true
	srv.clients[c] = struct{}{}
	return enc.tidPack(head), nil
}

func (c *client) lastTransaction(ctx context.Context, argv []interface{}) (interface{}, error) {
	head, err := c.srv.stor.LastTid(ctx)
	if err != nil {
		return nil, err
	}
	return c.zl.enc.tidPack(head), nil
}

func (c *client) ping(ctx context.Context, argv []interface{}) (interface{}, error) {
	return nil, nil
}

func (c *client) loadEx(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (oid [, version])
	if err := argc("loadEx", argv, 1, 2); err != nil {
		return nil, err
	}
	oid, ok1 := enc.oidUnpack(argv[0])
	version, ok2 := "", true
	if len(argv) == 2 {
		version, ok2 = enc.asString(argv[1])
	}
	if !(ok1 && ok2) {
		return nil, c.badArg("loadEx", argv)
	}

	data, serial, err := c.srv.stor.Load(ctx, oid, version)
	if err != nil {
		return nil, err
	}
	return enc.tuple(enc.bytes(data), enc.tidPack(serial)), nil
}

func (c *client) newOids(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// ([n])
	if err := argc("new_oids", argv, 0, 1); err != nil {
		return nil, err
	}
	n := int64(100)
	if len(argv) == 1 {
		var ok bool
		n, ok = enc.asInt64(argv[0])
		if !ok || n < 1 || n > 1000 {
			return nil, c.badArg("new_oids", argv)
		}
	}
	if c.isReadOnly() {
		return nil, &zodb.ReadOnlyError{}
	}

	oidv := make([]zodb.Oid, 0, n)
	for i := int64(0); i < n; i++ {
		oid, err := c.srv.stor.NewOid(ctx)
		if err != nil {
			return nil, err
		}
		oidv = append(oidv, oid)
	}
	return enc.oidvPack(oidv), nil
}

func (c *client) isReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

// getTxn returns transaction being committed with client-chosen id.
func (c *client) getTxn(method string, xid interface{}) (*stxn, error) {
	id, ok := c.zl.enc.asInt64(xid)
	if !ok {
		return nil, fmt.Errorf("%s: invalid transaction id %#v", method, xid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txn == nil || c.txn.id != id {
		return nil, &zodb.StorageTransactionError{Msg: fmt.Sprintf("%s: transaction %d is not being committed", method, id)}
	}
	return c.txn, nil
}

func (c *client) tpcBegin(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (id, user, description, ext [, tid, status])
	if err := argc("tpc_begin", argv, 4, 6); err != nil {
		return nil, err
	}
	id, ok1 := enc.asInt64(argv[0])
	user, ok2 := enc.asString(argv[1])
	desc, ok3 := enc.asString(argv[2])
	ext, ok4 := enc.asString(argv[3])
	if !(ok1 && ok2 && ok3 && ok4) {
		return nil, c.badArg("tpc_begin", argv)
	}
	if len(argv) > 4 && !enc.isNone(argv[4]) {
		return nil, fmt.Errorf("tpc_begin: committing with explicit tid is not supported")
	}
	if c.isReadOnly() {
		return nil, &zodb.ReadOnlyError{}
	}

	c.mu.Lock()
	if c.txn != nil {
		same := c.txn.id == id
		c.mu.Unlock()
		if same {
			return nil, nil
		}
		return nil, &zodb.StorageTransactionError{Msg: "tpc_begin: another transaction is being committed"}
	}
	c.mu.Unlock()

	txn, _ := transaction.New(context.Background())
	txn.SetUser(user)
	txn.Note(desc)
	txn.SetExtension(ext)

	// blocks while another transaction is being committed
	err := c.srv.stor.TPCBegin(ctx, txn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.txn != nil {
		c.mu.Unlock()
		c.srv.stor.TPCAbort(context.Background(), txn)
		return nil, &zodb.StorageTransactionError{Msg: "tpc_begin: client is gone or started another transaction"}
	}
	c.txn = &stxn{id: id, txn: txn, seen: make(map[zodb.Oid]struct{})}
	c.mu.Unlock()
	return nil, nil
}

// storea handles store notification.
//
// Errors of stores are reported at vote.
func (c *client) storea(argv []interface{}) error {
	enc := c.zl.enc
	// (oid, serial, data, version, id [, refs])
	if err := argc("storea", argv, 5, 6); err != nil {
		return err
	}
	oid, ok1 := enc.oidUnpack(argv[0])
	serial, ok2 := enc.tidUnpack(argv[1])
	data, ok3 := []byte(nil), true
	if !enc.isNone(argv[2]) {
		data, ok3 = enc.asBytes(argv[2])
	}
	version, ok4 := enc.asString(argv[3])
	refs, ok5 := []zodb.Oid(nil), true
	if len(argv) == 6 {
		refs, ok5 = enc.oidvUnpack(argv[5])
	}
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return c.badArg("storea", argv)
	}

	st, err := c.getTxn("storea", argv[4])
	if err != nil {
		// the transaction could be aborted by timeout in the meantime
		log.Warning(c.ctx, err)
		return nil
	}
	if st.serr != nil || st.voted {
		return nil
	}

	replies, err := c.srv.stor.Store(c.zl.serveCtx, oid, serial, data, refs, version, st.txn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		st.serr = err
		return nil
	}
	st.replies = append(st.replies, replies...)
	st.changed(oid)
	if version != "" {
		st.version = version
	}
	return nil
}

func (c *client) vote(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (id)
	if err := argc("vote", argv, 1, 1); err != nil {
		return nil, err
	}
	st, err := c.getTxn("vote", argv[0])
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	serr := st.serr
	c.mu.Unlock()
	if serr != nil {
		return nil, serr
	}

	replies, err := c.srv.stor.TPCVote(ctx, st.txn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	st.replies = append(st.replies, replies...)
	replies = st.replies
	st.voted = true
	if timeout := c.srv.opt.TxnTimeout; timeout != 0 && st.timer == nil {
		st.timer = time.AfterFunc(timeout, func() { c.txnTimeout(st) })
	}
	c.mu.Unlock()

	// [](oid, serial, resolved, exception | None)
	xrv := make([]interface{}, 0, len(replies))
	for _, r := range replies {
		var xexc interface{} = enc.none()
		if r.Err != nil {
			xexc = enc.excEncode(r.Err)
		}
		xrv = append(xrv, enc.tuple(enc.oidPack(r.Oid), enc.tidPack(r.Serial), r.Resolved, xexc))
	}
	return xrv, nil
}

func (c *client) tpcFinish(ctx context.Context, argv []interface{}) (interface{}, error) {
	// (id)
	if err := argc("tpc_finish", argv, 1, 1); err != nil {
		return nil, err
	}
	st, err := c.getTxn("tpc_finish", argv[0])
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.txn != st {
		c.mu.Unlock()
		return nil, &zodb.StorageTransactionError{Msg: "tpc_finish: transaction was aborted"}
	}
	c.txn = nil
	if st.timer != nil {
		st.timer.Stop()
	}
	c.mu.Unlock()

	// the commit has to complete even if the client goes away
	tid, err := c.srv.stor.TPCFinish(context.Background(), st.txn, func(tid zodb.Tid) {
		c.srv.broadcast(c, &zodb.EventCommit{Tid: tid, Version: st.version, Changev: st.oids})
	})
	if err != nil {
		return nil, err
	}
	return c.zl.enc.tidPack(tid), nil
}

func (c *client) tpcAbort(ctx context.Context, argv []interface{}) (interface{}, error) {
	// (id)
	if err := argc("tpc_abort", argv, 1, 1); err != nil {
		return nil, err
	}
	st, err := c.getTxn("tpc_abort", argv[0])
	if err != nil {
		return nil, nil // not being committed - nothing to abort
	}

	c.mu.Lock()
	if c.txn != st {
		c.mu.Unlock()
		return nil, nil
	}
	c.txn = nil
	if st.timer != nil {
		st.timer.Stop()
	}
	c.mu.Unlock()

	return nil, c.srv.stor.TPCAbort(context.Background(), st.txn)
}

func (c *client) undo(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (tid, id)
	if err := argc("undo", argv, 2, 2); err != nil {
		return nil, err
	}
	tid, ok := enc.tidUnpack(argv[0])
	if !ok {
		return nil, c.badArg("undo", argv)
	}
	st, err := c.getTxn("undo", argv[1])
	if err != nil {
		return nil, err
	}

	oidv, err := c.srv.stor.Undo(ctx, tid, st.txn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, oid := range oidv {
		st.changed(oid)
	}
	c.mu.Unlock()
	return enc.oidvPack(oidv), nil
}

func (c *client) undoInfo(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (first, last [, spec])
	if err := argc("undoInfo", argv, 2, 3); err != nil {
		return nil, err
	}
	first, ok1 := enc.asInt64(argv[0])
	last, ok2 := enc.asInt64(argv[1])
	if !(ok1 && ok2) {
		return nil, c.badArg("undoInfo", argv)
	}

	infov, err := c.srv.stor.UndoInfo(ctx, int(first), int(last))
	if err != nil {
		return nil, err
	}

	xinfov := make([]interface{}, 0, len(infov))
	for _, info := range infov {
		xinfov = append(xinfov, map[string]interface{}{
			"id":          enc.tidPack(info.Tid),
			"user_name":   info.User,
			"description": info.Description,
			"ext":         info.Extension,
			"status":      string(info.Status),
		})
	}
	return xinfov, nil
}

// getInvalidations returns (tid, oids, version) of transactions committed after tid.
func (c *client) getInvalidations(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (tid)
	if err := argc("getInvalidations", argv, 1, 1); err != nil {
		return nil, err
	}
	tid, ok := enc.tidUnpack(argv[0])
	if !ok {
		return nil, c.badArg("getInvalidations", argv)
	}

	var xtxnv []interface{}
	it := c.srv.stor.Iterate(ctx, tid+1, zodb.TidMax)
	for {
		txnh, dit, err := it.NextTxn(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var oidv []zodb.Oid
		version := ""
		for {
			d, err := dit.NextData(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			oidv = append(oidv, d.Oid)
			if d.Version != "" {
				version = d.Version
			}
		}
		xtxnv = append(xtxnv, enc.tuple(enc.tidPack(txnh.Tid), enc.oidvPack(oidv), version))
	}
	if xtxnv == nil {
		xtxnv = []interface{}{}
	}
	return xtxnv, nil
}

// at most that many server-side iterators are kept per client.
const itersMax = 64

func (c *client) iteratorStart(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (start, stop)
	if err := argc("iterator_start", argv, 2, 2); err != nil {
		return nil, err
	}
	tidMin, ok1 := enc.tidUnpack(argv[0])
	tidMax, ok2 := enc.tidUnpack(argv[1])
	if !(ok1 && ok2) {
		return nil, c.badArg("iterator_start", argv)
	}

	it := c.srv.stor.Iterate(ctx, tidMin, tidMax)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.iters == nil {
		return nil, errLinkClosed
	}
	c.iterID++
	iid := c.iterID
	c.iters[iid] = it
	delete(c.iters, iid-itersMax)
	return iid, nil
}

func (c *client) iteratorNext(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (iid)
	if err := argc("iterator_next", argv, 1, 1); err != nil {
		return nil, err
	}
	iid, ok := enc.asInt64(argv[0])
	if !ok {
		return nil, c.badArg("iterator_next", argv)
	}

	c.mu.Lock()
	it := c.iters[iid]
	c.mu.Unlock()
	if it == nil {
		return nil, fmt.Errorf("iterator_next: no iterator %d", iid)
	}

	txnh, dit, err := it.NextTxn(ctx)
	if err == io.EOF {
		c.mu.Lock()
		delete(c.iters, iid)
		c.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// (tid, status, user, description, ext, [](oid, version, data | None, data_tid))
	xrecv := []interface{}{}
	for {
		d, err := dit.NextData(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		xrecv = append(xrecv, enc.tuple(enc.oidPack(d.Oid), d.Version, enc.bytes(d.Data), enc.tidPack(d.DataTid)))
	}

	return enc.tuple(enc.tidPack(txnh.Tid), string(txnh.Status), txnh.User, txnh.Description,
		txnh.Extension, xrecv), nil
}

func (c *client) iteratorGC(ctx context.Context, argv []interface{}) (interface{}, error) {
	enc := c.zl.enc
	// (iids)
	if err := argc("iterator_gc", argv, 1, 1); err != nil {
		return nil, err
	}
	xiidv, ok := enc.asList(argv[0])
	if !ok {
		return nil, c.badArg("iterator_gc", argv)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, xiid := range xiidv {
		if iid, ok := enc.asInt64(xiid); ok {
			delete(c.iters, iid)
		}
	}
	return nil, nil
}
