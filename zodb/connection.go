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
// application-level view of database objects

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lab.nexedi.com/kirr/zconn/go/internal/log"
	"lab.nexedi.com/kirr/zconn/go/transaction"
)

// Connection represents application-level view of a ZODB database.
//
// It keeps live in-RAM objects loaded from the database in its LiveCache
// and manages their persistency: objects are loaded on activation, and
// objects modified by application are saved back to the database when
// transaction commits. Connection implements transaction.DataManager and
// joins transaction on first modification.
//
// Objects are seen as of the version the connection was opened for
// (ConnOptions.Version); "" is the regular, non-version view.
//
// Changes committed by other connections are delivered via Invalidate and
// are applied to live objects only at transaction boundaries. Activating an
// object that was changed by another transaction results in read conflict,
// so that the application transaction never sees inconsistent state.
//
// Connection is obtained from DB by DB.Open and is put back to DB pool on
// Close. Connection must be used by only one transaction at a time.
type Connection struct {
	db      *DB
	stor    IStorage
	version string

	cache  *LiveCache
	reader *ObjectReader

	// savepoint log; nil if there are no savepoints in current transaction.
	tmp *TmpStore

	mu         sync.Mutex
	root       IPersistent // root object is kept referenced here
	txn        transaction.Transaction
	registered *registeredMap
	modified   *oidSet // objects stored by current commit
	created    *oidSet // objects created by current transaction
	conflicts  *oidSet // objects that failed to load due to read conflicts
	syncTxn    transaction.Transaction // transaction we are registered to as synchronizer
	closed     bool
	closedAt   uint64 // DB invalidation seq when the connection was closed

	// invalidations delivered from DB; applied at transaction boundary.
	invMu       sync.Mutex
	invalidated map[Oid]struct{}
}

// lock order: Connection.mu > transaction
//             DB.mu > Connection.invMu > LiveCache.mu

// ConnOptions describes options to DB.Open.
type ConnOptions struct {
	Version string // version to open connection for; "" means no version.
}

// String represents connection options in human-readable form.
func (opt *ConnOptions) String() string {
	if opt.Version == "" {
		return "(trunk)"
	}
	return fmt.Sprintf("(version %q)", opt.Version)
}

var errConnClosed = errors.New("connection closed")

// newConnection creates new connection to db.
func newConnection(db *DB, version string, cacheSize int) *Connection {
	conn := &Connection{
		db:          db,
		stor:        db.stor,
		version:     version,
		cache:       newLiveCache(cacheSize),
		registered:  newRegisteredMap(),
		modified:    newOidSet(),
		created:     newOidSet(),
		conflicts:   newOidSet(),
		invalidated: make(map[Oid]struct{}),
	}
	conn.reader = newObjectReader(conn)
	return conn
}

// DB returns database handle the connection was opened from.
func (conn *Connection) DB() *DB { return conn.db }

// Version returns version the connection works in.
func (conn *Connection) Version() string { return conn.version }

// Cache returns connection's live cache.
func (conn *Connection) Cache() *LiveCache { return conn.cache }

// zerr turns err into OpError about conn.op(args).
func (conn *Connection) zerr(op string, args interface{}, err error) *OpError {
	return &OpError{URL: conn.stor.URL(), Op: op, Args: args, Err: err}
}

// store returns where objects are loaded from and stored to.
func (conn *Connection) store() objStore {
	if conn.tmp != nil {
		return conn.tmp
	}
	return conn.stor
}

// objStore is either storage or, while the transaction has savepoints, TmpStore.
type objStore interface {
	Load(ctx context.Context, oid Oid, version string) ([]byte, Tid, error)
	Store(ctx context.Context, oid Oid, serial Tid, data []byte, refs []Oid, version string, txn transaction.Transaction) ([]StoreReply, error)
}

func (conn *Connection) isClosed() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.closed
}


// ---- get / load ----

// Root returns the root object of the database.
func (conn *Connection) Root(ctx context.Context) (*Map, error) {
	obj, err := conn.Get(ctx, RootOid)
	if err != nil {
		return nil, err
	}
	root, ok := obj.(*Map)
	if !ok {
		return nil, conn.zerr("root", RootOid, &wrongClassError{"persistent.mapping.PersistentMapping", ClassOf(obj)})
	}
	return root, nil
}

// Get returns in-RAM object corresponding to specified ZODB object.
//
// If there is already in-RAM object that corresponds to oid, that in-RAM object is returned.
// Otherwise new in-RAM object is created and filled with object's class loaded from the database.
//
// The object's data is not necessarily loaded after Get returns. Use
// PActivate to make sure the object is fully loaded.
func (conn *Connection) Get(ctx context.Context, oid Oid) (IPersistent, error) {
	if obj := conn.cache.Get(oid); obj != nil {
		return obj, nil
	}

	if conn.isClosed() {
		return nil, conn.zerr("get", oid, errConnClosed)
	}

	data, serial, err := conn.store().Load(ctx, oid, conn.version)
	if err != nil {
		return nil, err
	}

	obj, err := conn.reader.GetGhost(data)
	if err != nil {
		return nil, conn.zerr("get", oid, err)
	}

	base := obj.persistent()
	base.mu.Lock()
	base.attach(conn, oid, serial, GHOST, obj)
	base.mu.Unlock()

	obj = conn.cache.setIfAbsent(oid, obj)
	if oid == RootOid {
		conn.mu.Lock()
		conn.root = obj
		conn.mu.Unlock()
	}
	return obj, nil
}

// get returns in-RAM object corresponding to oid, creating ghost of class if
// there is no such object yet.
//
// Use-case: in ZODB references are (oid, class), so new ghost is created
// without further loading anything.
func (conn *Connection) get(class string, oid Oid) (IPersistent, error) {
	obj := conn.cache.Get(oid)
	if obj != nil {
		if !classMatches(obj, class) {
			return nil, conn.zerr("get", oid, &wrongClassError{class, ClassOf(obj)})
		}
		return obj, nil
	}

	obj = newGhost(class)
	base := obj.persistent()
	base.mu.Lock()
	base.attach(conn, oid, InvalidTid, GHOST, obj)
	base.mu.Unlock()

	return conn.cache.setIfAbsent(oid, obj), nil
}

// setstate loads state of obj from the database.
//
// it is called by PActivate when obj is ghost.
func (conn *Connection) setstate(ctx context.Context, obj IPersistent) (err error) {
	base := obj.persistent()
	base.mu.Lock()
	oid := base.oid
	base.mu.Unlock()

	if conn.isClosed() {
		log.Warningf(ctx, "attempt to load object %s on closed connection", oid)
		return conn.zerr("setstate", oid, errConnClosed)
	}

	conn.watchTxn(ctx)

	defer func() {
		if err != nil && !IsConflict(err) {
			log.Errorf(ctx, "couldn't load state for %s: %s", oid, err)
		}
	}()

	// check invalidation only after data is loaded to avoid
	// time-of-check to time-of-use race.
	data, serial, err := conn.store().Load(ctx, oid, conn.version)
	if err != nil {
		return err
	}

	invalid, err := conn.isInvalidated(ctx, obj, oid)
	if err != nil {
		return err
	}

	err = conn.reader.SetGhostState(ctx, obj, data)
	if err != nil {
		return conn.zerr("setstate", oid, err)
	}

	base.mu.Lock()
	base.setLive(serial)
	base.mu.Unlock()

	if invalid {
		err = conn.handleIndependent(ctx, obj, oid)
		if err != nil {
			return err
		}
	}

	conn.cache.activate(oid)
	return nil
}

// isInvalidated checks whether object was invalidated by another transaction.
//
// it returns false if the object is valid, true if obj was invalidated, but
// is independent, and read conflict otherwise.
func (conn *Connection) isInvalidated(ctx context.Context, obj IPersistent, oid Oid) (bool, error) {
	conn.invMu.Lock()
	_, invalid := conn.invalidated[oid]
	conn.invMu.Unlock()

	if !invalid {
		return false, nil
	}

	if _, ok := obj.(Independent); ok {
		// defer PIndependent call until state is loaded.
		return true, nil
	}

	return false, conn.readConflict(ctx, oid)
}

// handleIndependent asks invalidated independent object whether its
// just-loaded state is ok to use.
func (conn *Connection) handleIndependent(ctx context.Context, obj IPersistent, oid Oid) error {
	if obj.(Independent).PIndependent() {
		conn.invMu.Lock()
		delete(conn.invalidated, oid)
		conn.invMu.Unlock()
		return nil
	}

	return conn.readConflict(ctx, oid)
}

// readConflict records read conflict on oid and returns corresponding error.
//
// the connection joins current transaction so that the transaction cannot
// commit.
func (conn *Connection) readConflict(ctx context.Context, oid Oid) error {
	conn.mu.Lock()
	conn.joinTxn(ctx)
	conn.conflicts.Add(oid)
	conn.mu.Unlock()
	return &ConflictError{Kind: ReadConflict, Oid: oid}
}

// joinTxn joins the connection to transaction associated with ctx.
//
// it returns the transaction the connection participates in, or nil.
// must be called with conn.mu held.
func (conn *Connection) joinTxn(ctx context.Context) transaction.Transaction {
	if conn.txn == nil {
		txn := transaction.FromContext(ctx)
		if txn == nil || txn.Status() != transaction.Active {
			return nil
		}
		txn.Join(conn)
		conn.txn = txn
	}
	return conn.txn
}

// watchTxn registers conn to be notified when transaction associated with
// ctx completes.
//
// This way invalidations are applied at transaction boundary even if the
// connection only reads objects and never joins the transaction.
func (conn *Connection) watchTxn(ctx context.Context) {
	txn := transaction.FromContext(ctx)
	if txn == nil || txn.Status() != transaction.Active {
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.syncTxn == txn {
		return
	}
	conn.syncTxn = txn
	txn.RegisterSync(conn)
}

// BeforeCompletion implements transaction.Synchronizer.
func (conn *Connection) BeforeCompletion(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

// AfterCompletion implements transaction.Synchronizer.
func (conn *Connection) AfterCompletion(txn transaction.Transaction) {
	conn.mu.Lock()
	if conn.syncTxn != txn {
		conn.mu.Unlock()
		return
	}
	conn.syncTxn = nil
	conn.mu.Unlock()

	conn.flushInvalidations(context.Background())
}


// ---- modify / add ----

// register registers obj as modified in current transaction.
//
// it is called by PModify.
func (conn *Connection) register(ctx context.Context, obj IPersistent) error {
	base := obj.persistent()
	base.mu.Lock()
	jar, oid := base.jar, base.oid
	base.mu.Unlock()
	if jar != conn {
		panic(fmt.Sprintf("%s: register: object of another connection", oid))
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	txn := conn.joinTxn(ctx)
	if txn == nil {
		return conn.zerr("modify", oid, &TransactionError{Msg: "no active transaction"})
	}

	log.Debugf(ctx, "register oid=%s", oid)
	conn.registered.Set(oid, obj)
	return nil
}

// Add adds new object to the connection.
//
// The object is given new oid and will be saved to the database when
// current transaction commits. Adding object that is already part of conn
// is no-op. It is an error to add object of another connection.
func (conn *Connection) Add(ctx context.Context, obj IPersistent) error {
	if ClassOf(obj) == "" {
		return fmt.Errorf("cannot add object of not registered type %T to a connection", obj)
	}

	base := obj.persistent()
	base.mu.Lock()
	jar, oid := base.jar, base.oid
	base.mu.Unlock()

	switch {
	case jar == conn:
		return nil
	case jar != nil:
		return &InvalidObjectReference{Oid: oid, Msg: "object is part of another connection"}
	}

	_, err := conn.addNew(ctx, obj)
	if err != nil {
		return err
	}
	return conn.register(ctx, obj)
}

// addNew makes new object part of conn.
//
// The object is assigned new oid and is marked as created and modified.
func (conn *Connection) addNew(ctx context.Context, obj IPersistent) (Oid, error) {
	oid, err := conn.stor.NewOid(ctx)
	if err != nil {
		return InvalidOid, err
	}

	base := obj.persistent()
	base.mu.Lock()
	if base.jar != nil {
		// raced with another add
		jar, oid := base.jar, base.oid
		base.mu.Unlock()
		if jar != conn {
			return InvalidOid, &InvalidObjectReference{Oid: oid, Msg: "object is part of another connection"}
		}
		return oid, nil
	}
	base.attach(conn, oid, 0, CHANGED, obj)
	base.mu.Unlock()

	conn.mu.Lock()
	conn.created.Add(oid)
	conn.mu.Unlock()

	conn.cache.set(oid, obj)
	return oid, nil
}


// ---- invalidation ----

// Invalidate notifies the connection that objects were changed by another
// transaction.
//
// The invalidation is applied to live objects at next transaction boundary.
func (conn *Connection) Invalidate(oidv []Oid) {
	conn.invMu.Lock()
	defer conn.invMu.Unlock()
	for _, oid := range oidv {
		conn.invalidated[oid] = struct{}{}
	}
}

// flushInvalidations applies delivered invalidations to live objects.
func (conn *Connection) flushInvalidations(ctx context.Context) {
	conn.invMu.Lock()
	oidv := make([]Oid, 0, len(conn.invalidated))
	for oid := range conn.invalidated {
		oidv = append(oidv, oid)
	}
	err := conn.cache.invalidate(oidv)
	conn.invalidated = make(map[Oid]struct{})
	conn.invMu.Unlock()

	if err != nil {
		log.Error(ctx, err)
	}

	// now is a good time to collect some garbage
	conn.cache.Shrink()
}


// ---- misc ----

// Sync synchronizes the connection with the database.
//
// Current transaction, if any, is aborted. Invalidations of changes
// committed to the database so far are applied to live objects.
func (conn *Connection) Sync(ctx context.Context) error {
	conn.mu.Lock()
	txn := conn.txn
	conn.mu.Unlock()

	if txn != nil {
		err := txn.Abort(ctx)
		if err != nil {
			return err
		}
	}

	err := conn.stor.Sync(ctx)
	if err != nil {
		return err
	}

	conn.flushInvalidations(ctx)
	return nil
}

// CacheGC turns least recently used objects into ghosts so that the live
// cache fits its size.
func (conn *Connection) CacheGC() {
	conn.cache.Shrink()
}

// Reset prepares connection for working in version.
//
// Invalidations delivered so far are applied. If version changes, the live
// cache is emptied: objects in it were loaded for another version. Reset is
// refused while the connection participates in a transaction.
func (conn *Connection) Reset(ctx context.Context, version string) error {
	conn.mu.Lock()
	if conn.txn != nil {
		conn.mu.Unlock()
		return conn.zerr("reset", version, &TransactionError{Msg: "transaction in progress"})
	}
	if version != conn.version {
		log.Debugf(ctx, "connection reset: version %q -> %q", conn.version, version)
		conn.root = nil
		conn.version = version
		conn.mu.Unlock()
		conn.cache.clear()
	} else {
		conn.mu.Unlock()
	}

	conn.flushInvalidations(ctx)

	conn.mu.Lock()
	conn.closed = false
	conn.mu.Unlock()
	return nil
}

// Close closes the connection and puts it back to DB pool.
//
// Close is refused while the connection participates in a transaction.
func (conn *Connection) Close(ctx context.Context) error {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return nil
	}
	if conn.txn != nil {
		conn.mu.Unlock()
		msg := "connection closed while transaction active"
		log.Warning(ctx, msg)
		return &TransactionError{Msg: msg}
	}
	conn.closed = true
	conn.mu.Unlock()

	log.Debugf(ctx, "connection closed")
	conn.cache.Shrink()
	conn.db.closeConnection(conn)
	return nil
}
