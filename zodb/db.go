// Copyright (C) 2018-2019  Nexedi SA and Contributors.
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
// application-level database handle.

import (
	"context"
	"errors"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/zconn/go/internal/log"
	"lab.nexedi.com/kirr/zconn/go/internal/xcontext/task"
	"lab.nexedi.com/kirr/zconn/go/transaction"
)

// DB represents a handle to database at application level and contains pool
// of connections. DB.Open opens database connection. The connection is put
// back into DB pool for future reuse on Connection.Close. DB thus provides
// service to maintain live objects cache and reuse live objects from
// transaction to transaction.
//
// DB fans out invalidations: when a transaction commits, every other opened
// connection is told which objects were changed. Changes committed while a
// connection sits in the pool are remembered in δtail and are applied when
// the connection is reopened.
//
// DB is safe to access from multiple goroutines simultaneously.
type DB struct {
	stor IStorage
	opt  DBOptions

	mu     sync.Mutex
	pool   []*Connection            // idle connections; oldest first
	opened map[*Connection]struct{} // connections in use
	closed bool

	// δtail of database changes.
	//
	// pooled connections remember δtail.Head at close time and, when
	// reopened, invalidate objects changed since then. If δtail no longer
	// covers that, whole connection cache is invalidated.
	δtail *δTail

	// root object is created on first Open if database is empty.
	rootMu sync.Mutex
	rootOK bool

	watchq chan Event    // storage -> watcher
	down   chan struct{} // closed by Close
	wg     sync.WaitGroup
}

// DBOptions describes options to NewDB.
type DBOptions struct {
	CacheSize   int // target number of live objects in connection cache; 0 means DefaultCacheSize
	PoolSize    int // max number of idle connections; 0 means DefaultPoolSize
	HistorySize int // number of transactions remembered for pooled connections; 0 means DefaultHistorySize
}

const (
	DefaultPoolSize    = 7
	DefaultHistorySize = 1000
)

var errDBClosed = errors.New("db is closed")

// NewDB creates new database handle.
//
// DB installs object-level conflict resolution into stor and starts watching
// it for changes done by other clients.
func NewDB(stor IStorage, opt *DBOptions) *DB {
	db := &DB{
		stor:   stor,
		opened: make(map[*Connection]struct{}),
		watchq: make(chan Event),
		down:   make(chan struct{}),
	}
	if opt != nil {
		db.opt = *opt
	}
	if db.opt.CacheSize <= 0 {
		db.opt.CacheSize = DefaultCacheSize
	}
	if db.opt.PoolSize <= 0 {
		db.opt.PoolSize = DefaultPoolSize
	}
	if db.opt.HistorySize <= 0 {
		db.opt.HistorySize = DefaultHistorySize
	}
	db.δtail = newΔTail(db.opt.HistorySize)

	stor.SetConflictResolver(ResolveConflict)
	stor.AddWatch(db.watchq)

	db.wg.Add(1)
	go db.watcher()

	return db
}

// Storage returns storage the database works on.
func (db *DB) Storage() IStorage {
	return db.stor
}

// watcher receives events about transactions committed by other clients and
// invalidates corresponding objects.
func (db *DB) watcher() {
	defer db.wg.Done()
	ctx := task.Running(context.Background(), "db watcher")

	for {
		var event Event
		var ok bool
		select {
		case <-db.down:
			return
		case event, ok = <-db.watchq:
			if !ok {
				log.Info(ctx, "storage closed")
				return
			}
		}

		switch e := event.(type) {
		case *EventCommit:
			db.Invalidate(e.Tid, e.Changev, nil, e.Version)
		case *EventError:
			log.Warning(ctx, e.Err)
		}
	}
}

// Open opens new connection to the database.
//
// Connection is taken from the pool if there is an idle one, preferably
// for the same version. Objects changed since pooled connection was closed
// are invalidated.
func (db *DB) Open(ctx context.Context, opt *ConnOptions) (_ *Connection, err error) {
	if opt == nil {
		opt = &ConnOptions{}
	}
	defer func() {
		if err == nil {
			return
		}

		err = &OpError{
			URL:  db.stor.URL(),
			Op:   "open db",
			Args: opt,
			Err:  err,
		}
	}()

	err = db.ensureRoot(ctx)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, errDBClosed
	}

	conn := db.get(opt.Version)
	if conn == nil {
		conn = newConnection(db, opt.Version, db.opt.CacheSize)
	} else if db.δtail.Covers(conn.closedAt) {
		for _, δ := range db.δtail.SliceBySeq(conn.closedAt, db.δtail.Head()) {
			if versionAffects(δ.version, conn.version) {
				conn.Invalidate(δ.changev)
			}
		}
	} else {
		// δtail does not go that far back
		conn.Invalidate(conn.cache.Oids())
	}
	db.opened[conn] = struct{}{}
	db.mu.Unlock()

	err = conn.Reset(ctx, opt.Version)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// get returns idle connection from db pool; preferably one for version.
//
// nil is returned if the pool is empty.
// must be called with db.mu locked.
func (db *DB) get(version string) *Connection {
	l := len(db.pool)
	if l == 0 {
		return nil
	}

	// most recently used connection has the warmest cache
	i := l-1
	for j := l-1; j >= 0; j-- {
		if db.pool[j].version == version {
			i = j
			break
		}
	}

	conn := db.pool[i]
	copy(db.pool[i:], db.pool[i+1:])
	db.pool[l-1] = nil
	db.pool = db.pool[:l-1]

	if conn.db != db {
		panic("DB.get: foreign connection in the pool")
	}
	return conn
}

// closeConnection puts connection back into db pool.
//
// If the pool grows over its limit, oldest idle connection is dropped.
func (db *DB) closeConnection(conn *Connection) {
	if conn.db != db {
		panic("DB.put: conn.db != db")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.opened, conn)
	if db.closed {
		conn.cache.clear()
		return
	}

	conn.closedAt = db.δtail.Head()
	db.pool = append(db.pool, conn)
	for len(db.pool) > db.opt.PoolSize {
		old := db.pool[0]
		copy(db.pool, db.pool[1:])
		db.pool[len(db.pool)-1] = nil
		db.pool = db.pool[:len(db.pool)-1]
		old.cache.clear()
	}
}

// Invalidate notifies connections that objects were changed by transaction tid.
//
// Every opened connection, except src, working in version is notified;
// changes outside of any version are seen by all connections. Invalidate is
// called when a transaction commits - by Connection for its own commits and
// by DB watcher for commits of other database clients.
func (db *DB) Invalidate(tid Tid, oidv []Oid, src *Connection, version string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.δtail.Append(tid, version, oidv)
	for conn := range db.opened {
		if conn == src || !versionAffects(version, conn.version) {
			continue
		}
		conn.Invalidate(oidv)
	}
}

// versionAffects returns whether change committed in version vchange is
// visible to connection working in vconn.
func versionAffects(vchange, vconn string) bool {
	return vchange == "" || vchange == vconn
}

// ensureRoot creates root object if the database does not have it yet.
func (db *DB) ensureRoot(ctx context.Context) (err error) {
	db.rootMu.Lock()
	defer db.rootMu.Unlock()

	if db.rootOK {
		return nil
	}

	_, _, err = db.stor.Load(ctx, RootOid, "")
	if err == nil {
		db.rootOK = true
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	defer xerr.Context(&err, "create root")

	root := NewMap()
	data, err := encodeRecord(ClassOf(root), root.PyGetState(), nil)
	if err != nil {
		return err
	}

	// root is created by its own transaction; ctx might already have one.
	txn, _ := transaction.New(context.Background())
	err = db.stor.TPCBegin(ctx, txn)
	if err != nil {
		if IsReadOnly(err) {
			return nil // nothing we could do; Root will report it
		}
		return err
	}

	err = db.storeRoot(ctx, txn, data)
	if err != nil {
		db.stor.TPCAbort(ctx, txn)
		if IsConflict(err) {
			// root was just created by someone else
			db.rootOK = true
			return nil
		}
		return err
	}

	_, err = db.stor.TPCFinish(ctx, txn, func(tid Tid) {
		db.Invalidate(tid, []Oid{RootOid}, nil, "")
	})
	if err != nil {
		return err
	}

	log.Infof(ctx, "%s: created root object", db.stor.URL())
	db.rootOK = true
	return nil
}

func (db *DB) storeRoot(ctx context.Context, txn transaction.Transaction, data []byte) error {
	replies, err := db.stor.Store(ctx, RootOid, 0, data, nil, "", txn)
	if err != nil {
		return err
	}
	vreplies, err := db.stor.TPCVote(ctx, txn)
	if err != nil {
		return err
	}
	for _, r := range append(replies, vreplies...) {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Close closes the database.
//
// Opened connections become unusable; the storage is closed too.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	pool := db.pool
	db.pool = nil
	db.mu.Unlock()

	db.stor.DelWatch(db.watchq)
	close(db.down)
	db.wg.Wait()

	for _, conn := range pool {
		conn.cache.clear()
	}
	return db.stor.Close()
}


// ---- undo ----

// UndoInfo returns information about transactions that can be undone.
//
// See IUndoStorage.UndoInfo for details.
func (db *DB) UndoInfo(ctx context.Context, first, last int) ([]TxnInfo, error) {
	return db.stor.UndoInfo(ctx, first, last)
}

// Undo undoes transaction tid as part of transaction associated with ctx.
//
// The undo is performed when that transaction commits. Objects changed by the
// undo are invalidated in all connections.
func (db *DB) Undo(ctx context.Context, tid Tid) error {
	txn := transaction.FromContext(ctx)
	if txn == nil {
		return &OpError{URL: db.stor.URL(), Op: "undo", Args: tid,
			Err: &TransactionError{Msg: "no transaction"}}
	}
	txn.Join(&undoDataManager{db: db, tid: tid})
	return nil
}

// undoDataManager performs undo of one transaction as part of two-phase commit.
type undoDataManager struct {
	db   *DB
	tid  Tid
	oidv []Oid // objects changed by the undo
}

var _ transaction.DataManager = (*undoDataManager)(nil)

func (u *undoDataManager) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	return u.db.stor.TPCBegin(ctx, txn)
}

func (u *undoDataManager) Commit(ctx context.Context, txn transaction.Transaction) error {
	oidv, err := u.db.stor.Undo(ctx, u.tid, txn)
	if err != nil {
		return err
	}
	u.oidv = oidv
	return nil
}

func (u *undoDataManager) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	replies, err := u.db.stor.TPCVote(ctx, txn)
	if err != nil {
		return err
	}
	for _, r := range replies {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func (u *undoDataManager) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	_, err := u.db.stor.TPCFinish(ctx, txn, func(tid Tid) {
		u.db.Invalidate(tid, u.oidv, nil, "")
	})
	return err
}

func (u *undoDataManager) Abort(ctx context.Context, txn transaction.Transaction) error {
	return u.db.stor.TPCAbort(ctx, txn)
}

func (u *undoDataManager) TPCAbort(ctx context.Context, txn transaction.Transaction) error {
	return u.db.stor.TPCAbort(ctx, txn)
}
