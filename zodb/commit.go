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
// Connection part of two-phase commit and savepoints

import (
	"context"

	"lab.nexedi.com/kirr/zconn/go/internal/log"
	"lab.nexedi.com/kirr/zconn/go/transaction"
)

// Connection is transaction.DataManager that supports savepoints.
var _ transaction.SavepointDataManager = (*Connection)(nil)
var _ transaction.Synchronizer = (*Connection)(nil)

// TPCBegin implements transaction.DataManager.
//
// A transaction that hit read conflict cannot commit.
func (conn *Connection) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	conn.mu.Lock()
	if conn.conflicts.Len() != 0 {
		oid := conn.conflicts.Slice()[0]
		conn.mu.Unlock()
		return &ConflictError{Kind: ReadConflict, Oid: oid}
	}
	conn.modified.Clear()
	conn.mu.Unlock()

	if conn.tmp != nil {
		return conn.commitSub(ctx, txn)
	}
	return conn.stor.TPCBegin(ctx, txn)
}

// Commit implements transaction.DataManager.
//
// Every modified object, and every new object reachable from it, is stored.
func (conn *Connection) Commit(ctx context.Context, txn transaction.Transaction) error {
	return conn.registered.Walk(func(obj IPersistent) error {
		return conn.objcommit(ctx, txn, obj)
	})
}

// objcommit stores obj, if modified, and new objects it references.
func (conn *Connection) objcommit(ctx context.Context, txn transaction.Transaction, obj IPersistent) error {
	base := obj.persistent()
	base.mu.Lock()
	oid, state, jar := base.oid, base.state, base.jar
	base.mu.Unlock()

	if jar != conn || state != CHANGED {
		// e.g. object was invalidated or modified object was stored as
		// new object referenced from another object.
		log.Debugf(ctx, "commit: skip %s (%s)", oid, state)
		return nil
	}

	w := newObjectWriter(conn)
	w.NewObjects(obj)
	for obj := w.Next(); obj != nil; obj = w.Next() {
		err := conn.commitStore(ctx, txn, w, obj)
		if err != nil {
			return err
		}
	}
	return nil
}

// commitStore stores one object.
func (conn *Connection) commitStore(ctx context.Context, txn transaction.Transaction, w *ObjectWriter, obj IPersistent) error {
	base := obj.persistent()
	base.mu.Lock()
	oid, serial := base.oid, base.serial
	base.mu.Unlock()

	conn.mu.Lock()
	already := conn.modified.Has(oid)
	if serial == 0 {
		conn.created.Add(oid)
	}
	conn.mu.Unlock()
	if already {
		return nil
	}

	if serial != 0 {
		conn.invMu.Lock()
		_, invalid := conn.invalidated[oid]
		conn.invMu.Unlock()

		if invalid {
			if _, ok := obj.(ConflictResolver); !ok {
				return &ConflictError{Kind: WriteConflict, Oid: oid, Serial: serial}
			}
			// let the storage try to resolve
		}
	}

	data, refs, err := w.GetState(ctx, obj)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	conn.modified.Add(oid)
	conn.mu.Unlock()

	replies, err := conn.store().Store(ctx, oid, serial, data, refs, conn.version, txn)
	if err != nil {
		return err
	}
	conn.cache.set(oid, obj)
	return conn.handleSerials(replies)
}

// handleSerials applies store replies to in-RAM objects.
//
// Stored objects become up-to-date with new serial. Objects whose state was
// changed by conflict resolution are turned into ghosts so that merged state
// is loaded on next access.
func (conn *Connection) handleSerials(replies []StoreReply) error {
	var resolved []Oid
	for _, r := range replies {
		if r.Err != nil {
			return r.Err
		}

		obj := conn.cache.Get(r.Oid)
		if obj == nil {
			continue
		}

		if r.Resolved {
			resolved = append(resolved, r.Oid)
			continue
		}

		base := obj.persistent()
		base.mu.Lock()
		base.serial = r.Serial
		if base.state == CHANGED {
			base.state = UPTODATE
		}
		base.mu.Unlock()
	}

	if len(resolved) != 0 {
		conn.cache.discard(resolved)
	}
	return nil
}

// TPCVote implements transaction.DataManager.
func (conn *Connection) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	replies, err := conn.stor.TPCVote(ctx, txn)
	if err != nil {
		return err
	}
	return conn.handleSerials(replies)
}

// TPCFinish implements transaction.DataManager.
//
// Other connections are notified of objects changed by the transaction
// before the storage lets anyone else commit.
func (conn *Connection) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	conn.mu.Lock()
	modified := append([]Oid(nil), conn.modified.Slice()...)
	conn.mu.Unlock()

	_, err := conn.stor.TPCFinish(ctx, txn, func(tid Tid) {
		conn.db.Invalidate(tid, modified, conn, conn.version)
	})

	conn.mu.Lock()
	conn.resetTxnState()
	conn.mu.Unlock()

	conn.flushInvalidations(ctx)
	return err
}

// Abort implements transaction.DataManager.
func (conn *Connection) Abort(ctx context.Context, txn transaction.Transaction) error {
	return conn.abort(ctx, txn)
}

// TPCAbort implements transaction.DataManager.
func (conn *Connection) TPCAbort(ctx context.Context, txn transaction.Transaction) error {
	return conn.abort(ctx, txn)
}

// abort throws away all changes of current transaction.
//
// Created objects are disowned; modified objects and objects stored by
// failed commit are turned into ghosts to be reloaded from the database.
func (conn *Connection) abort(ctx context.Context, txn transaction.Transaction) error {
	if conn.tmp != nil {
		conn.abortSub(ctx)
	}

	err := conn.stor.TPCAbort(ctx, txn)

	conn.mu.Lock()
	created := append([]Oid(nil), conn.created.Slice()...)
	discard := append(conn.registered.Keys(), conn.modified.Slice()...)
	conn.resetTxnState()
	conn.mu.Unlock()

	conn.disownCreated(created)
	conn.cache.discard(excludeOids(discard, created))

	conn.flushInvalidations(ctx)
	return err
}

// resetTxnState forgets everything about current transaction.
//
// must be called with conn.mu held.
func (conn *Connection) resetTxnState() {
	conn.registered.Clear()
	conn.modified.Clear()
	conn.created.Clear()
	conn.conflicts.Clear()
	conn.txn = nil
}

// disownCreated detaches objects created by current transaction from conn.
//
// the objects keep their in-RAM state and could be added to a database again.
func (conn *Connection) disownCreated(oidv []Oid) {
	for _, oid := range oidv {
		obj := conn.cache.Get(oid)
		if obj == nil {
			continue
		}
		conn.cache.remove(oid)

		base := obj.persistent()
		base.mu.Lock()
		if base.jar == conn {
			base.disown()
		}
		base.mu.Unlock()
	}
}

// abortSub throws savepoint log away.
func (conn *Connection) abortSub(ctx context.Context) {
	tmp := conn.tmp
	created := make([]Oid, 0, len(tmp.created))
	for oid := range tmp.created {
		created = append(created, oid)
	}
	conn.disownCreated(created)
	conn.cache.discard(excludeOids(tmp.Oids(), created))

	tmp.Close()
	conn.tmp = nil
}

// commitSub begins commit of transaction that has savepoints.
//
// Records of the savepoint log are copied into the storage with serials they
// were logged with. Objects modified after last savepoint are skipped: they
// are stored by Commit.
func (conn *Connection) commitSub(ctx context.Context, txn transaction.Transaction) error {
	tmp := conn.tmp

	err := conn.stor.TPCBegin(ctx, txn)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	for oid := range tmp.created {
		conn.created.Add(oid)
	}
	conn.mu.Unlock()

	for _, oid := range tmp.Oids() {
		conn.mu.Lock()
		obj := conn.registered.Get(oid)
		conn.mu.Unlock()
		if obj != nil && obj.PState() == CHANGED {
			continue
		}

		data, refs, serial := tmp.loadRefs(oid)

		conn.mu.Lock()
		conn.modified.Add(oid)
		conn.mu.Unlock()

		replies, err := conn.stor.Store(ctx, oid, serial, data, refs, conn.version, txn)
		if err != nil {
			return err
		}
		err = conn.handleSerials(replies)
		if err != nil {
			return err
		}
	}

	tmp.Close()
	conn.tmp = nil
	return nil
}


// ---- savepoints ----

// Savepoint implements transaction.SavepointDataManager.
//
// Modified objects are written to the savepoint log and become up-to-date.
func (conn *Connection) Savepoint(ctx context.Context, txn transaction.Transaction) (transaction.DataManagerSavepoint, error) {
	if conn.tmp == nil {
		conn.tmp = newTmpStore(conn.stor, conn.version)
	}
	tmp := conn.tmp

	conn.mu.Lock()
	conn.modified.Clear()
	conn.mu.Unlock()

	tmp.tpcBegin(txn)
	err := conn.Commit(ctx, txn)
	if err != nil {
		tmp.tpcAbort(txn)
		return nil, err
	}
	undo := tmp.tpcFinish(txn)

	conn.mu.Lock()
	for _, oid := range conn.created.Slice() {
		tmp.created[oid] = struct{}{}
	}
	conn.registered.Clear()
	conn.created.Clear()
	conn.modified.Clear()
	conn.mu.Unlock()

	// savepoints are also used to free memory
	conn.cache.Shrink()

	log.Debugf(ctx, "savepoint @%d", undo.pos)
	return &connSavepoint{conn: conn, undo: undo}, nil
}

// connSavepoint is Connection's part of transaction savepoint.
type connSavepoint struct {
	conn *Connection
	undo *tmpUndo
}

// Rollback implements transaction.DataManagerSavepoint.
//
// Changes made since the savepoint was taken are discarded.
func (sp *connSavepoint) Rollback(ctx context.Context) error {
	conn := sp.conn
	undo := sp.undo

	tmp := conn.tmp
	if tmp == nil || tmp != undo.store {
		return &RollbackError{Msg: "savepoint has already been committed"}
	}

	var changed []Oid
	for oid, pos := range tmp.index {
		if upos, ok := undo.index[oid]; !ok || upos != pos {
			changed = append(changed, oid)
		}
	}

	err := tmp.rollback(undo.pos, undo.index)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	var created []Oid
	for oid := range tmp.created {
		if _, ok := undo.created[oid]; !ok {
			created = append(created, oid)
		}
	}
	created = append(created, conn.created.Slice()...)
	tmp.created = copyOidSet(undo.created)

	discard := append(conn.registered.Keys(), changed...)
	conn.registered.Clear()
	conn.created.Clear()
	conn.modified.Clear()
	conn.mu.Unlock()

	conn.disownCreated(created)
	conn.cache.discard(excludeOids(discard, created))

	log.Debugf(ctx, "rollback to @%d", undo.pos)
	return nil
}

// excludeOids returns oids from oidv that are not in skipv.
func excludeOids(oidv, skipv []Oid) []Oid {
	if len(skipv) == 0 {
		return oidv
	}
	skip := make(map[Oid]struct{}, len(skipv))
	for _, oid := range skipv {
		skip[oid] = struct{}{}
	}
	var res []Oid
	for _, oid := range oidv {
		if _, ok := skip[oid]; !ok {
			res = append(res, oid)
		}
	}
	return res
}
