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
// Connection/DB scenarios over in-RAM storage

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/zconn/go/transaction"
)

var tdbCounter int32

// sharedURL returns URL of new named in-RAM database for t.
func sharedURL(t *testing.T) string {
	return fmt.Sprintf("mem://%s-%d", t.Name(), atomic.AddInt32(&tdbCounter, 1))
}

// invalidated returns oids delivered to conn, but not yet applied.
func invalidated(conn *Connection) []Oid {
	conn.invMu.Lock()
	defer conn.invMu.Unlock()
	oidv := []Oid{}
	for oid := range conn.invalidated {
		oidv = append(oidv, oid)
	}
	sortOids(oidv)
	return oidv
}

func TestReadConflict(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Commit()
	oid := c1.Get("a").POid()

	// c2 has "a" only as ghost
	c2 := tdb.Open(nil)
	obj := c2.Get("a").(*MyObject)
	assert.Equal(GHOST, obj.PState())

	c1.XSetValue("a", "2")
	c1.Commit()
	assert.Equal([]Oid{oid}, invalidated(c2.conn))

	// loading object changed after c2 transaction began is read conflict
	_, err := c2.Value("a")
	assert.True(IsReadConflict(err), "load: %v", err)
	assert.Equal(GHOST, obj.PState())

	// the transaction that hit read conflict cannot commit
	err = c2.txn.Commit(c2.ctx)
	assert.True(IsReadConflict(err), "commit: %v", err)
	assert.Equal(transaction.CommitFailed, c2.txn.Status())

	// new transaction sees new data
	c2.Begin()
	assert.Equal([]Oid{}, invalidated(c2.conn))
	assert.Equal("2", c2.XValue("a"))
}

func TestWriteConflict(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Set("b", &MyObject{value: "b1"})
	c1.Commit()

	c2 := tdb.Open(nil)
	assert.Equal("1", c2.XValue("a"))

	// c1 changes "a" while c2 transaction, which read "a", is running
	c1.XSetValue("a", "2")
	c1.Commit()

	// c2 continues to see consistent data
	assert.Equal("1", c2.XValue("a"))

	// changing both "a" and "b" fails as a whole
	c2.XSetValue("b", "b2")
	c2.XSetValue("a", "x")
	err := c2.txn.Commit(c2.ctx)
	assert.True(IsWriteConflict(err), "commit: %v", err)

	// conflict detected from invalidation does not know committed serial
	var eConflict *ConflictError
	assert.True(errors.As(err, &eConflict))
	assert.Equal(Tid(0), eConflict.CommittedSerial)
	assert.Contains(err.Error(), "serial this txn started with")
	assert.NotContains(err.Error(), "currently committed")

	// nothing was committed
	c3 := tdb.Open(nil)
	assert.Equal("2", c3.XValue("a"))
	assert.Equal("b1", c3.XValue("b"))

	// c2 changes were discarded
	c2.Begin()
	assert.Equal("2", c2.XValue("a"))
	assert.Equal("b1", c2.XValue("b"))

	// and c2 can commit again
	c2.XSetValue("a", "3")
	c2.Commit()
	c3.Abort()
	assert.Equal("3", c3.XValue("a"))
}

func TestConflictErrorString(t *testing.T) {
	testv := []struct {
		err *ConflictError
		msg string
	}{
		{&ConflictError{Kind: ReadConflict, Oid: 1},
			"database read conflict error (oid 0000000000000001)"},
		{&ConflictError{Kind: WriteConflict, Oid: 1},
			"database conflict error (oid 0000000000000001)"},
		{&ConflictError{Kind: WriteConflict, Oid: 1, Serial: 2},
			"database conflict error (oid 0000000000000001, serial this txn started with 0000000000000002)"},
		{&ConflictError{Kind: WriteConflict, Oid: 1, Serial: 2, CommittedSerial: 3},
			"database conflict error (oid 0000000000000001, serial this txn started with 0000000000000002, serial currently committed 0000000000000003)"},
	}

	for _, tt := range testv {
		if msg := tt.err.Error(); msg != tt.msg {
			t.Errorf("%#v:\nhave: %s\nwant: %s", tt.err, msg, tt.msg)
		}
	}
}

func TestConflictResolution(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.Set("n", &Counter{})
	c1.Commit()

	c2 := tdb.Open(nil)
	n1 := c1.Get("n").(*Counter)
	n2 := c2.Get("n").(*Counter)
	assert.NoError(n2.PActivate(c2.ctx))
	n2.PDeactivate()

	assert.NoError(n1.PModify(c1.ctx))
	n1.n += 5
	c1.Commit()

	assert.NoError(n2.PModify(c2.ctx))
	n2.n += 3
	c2.Commit()

	// resolved state is reloaded
	assert.Equal(GHOST, n2.PState())
	assert.NoError(n2.PActivate(c2.ctx))
	assert.Equal(int64(8), n2.n)
	n2.PDeactivate()

	assert.NoError(c1.conn.Sync(c1.ctx))
	assert.NoError(n1.PActivate(c1.ctx))
	assert.Equal(int64(8), n1.n)
	n1.PDeactivate()
}

func TestAbort(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Commit()

	// modify existing object, create new ones and abort
	c1.XSetValue("a", "2")
	b := &MyObject{value: "b"}
	c1.Set("b", b)
	x := &MyObject{value: "x"}
	assert.NoError(c1.conn.Add(c1.ctx, x))
	xoid := x.POid()
	assert.Equal(CHANGED, x.PState())
	assert.True(c1.conn.Cache().Get(xoid) == IPersistent(x))
	c1.Abort()

	assert.Equal("1", c1.XValue("a"))
	_, ok := c1.Root().Get("b")
	assert.False(ok)

	// created objects are disowned, and are free to be added again
	assert.Nil(x.PJar())
	assert.Equal(InvalidOid, x.POid())
	assert.Nil(c1.conn.Cache().Get(xoid))
	assert.Equal("x", x.value)

	c2 := tdb.Open(nil)
	c2.Set("x", x)
	c2.Commit()
	assert.True(x.PJar() == c2.conn)
	c1.Abort()
	assert.Equal("x", c1.XValue("x"))
}

func TestSavepoint(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "base"})
	c1.Commit()

	c1.XSetValue("a", "1")
	sp1, err := c1.txn.Savepoint(c1.ctx)
	assert.NoError(err)
	assert.Equal("1", c1.XValue("a"))

	c1.XSetValue("a", "2")
	sp2, err := c1.txn.Savepoint(c1.ctx)
	assert.NoError(err)
	c1.XSetValue("a", "3")

	// rollback drops changes logged by the savepoint and after it
	assert.NoError(sp2.Rollback(c1.ctx))
	assert.Equal("1", c1.XValue("a"))

	// rollback to the same savepoint again yields the same state
	c1.XSetValue("a", "4")
	assert.NoError(sp2.Rollback(c1.ctx))
	assert.Equal("1", c1.XValue("a"))

	assert.NoError(sp1.Rollback(c1.ctx))
	assert.Equal("base", c1.XValue("a"))

	// sp2 is after sp1 - it is gone
	err = sp2.Rollback(c1.ctx)
	var eRollback *RollbackError
	assert.True(errors.As(err, &eRollback), "rollback: %v", err)

	// other connections do not see savepoint data
	c1.XSetValue("a", "5")
	sp3, err := c1.txn.Savepoint(c1.ctx)
	assert.NoError(err)
	c2 := tdb.Open(nil)
	assert.Equal("base", c2.XValue("a"))

	// commit of transaction with savepoints
	c1.XSetValue("a", "6")
	c1.Set("b", &MyObject{value: "b"})
	c1.Commit()
	assert.Nil(c1.conn.tmp)

	// savepoint of committed transaction cannot be rolled back to
	err = sp3.Rollback(c1.ctx)
	eRollback = nil
	assert.True(errors.As(err, &eRollback), "rollback after commit: %v", err)
	assert.Equal("6", c1.XValue("a"))

	c2.Abort()
	assert.Equal("6", c2.XValue("a"))
	assert.Equal("b", c2.XValue("b"))
}

func TestSavepointCreated(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "base"})
	c1.Commit()

	// object created and saved by savepoint
	n := &MyObject{value: "new"}
	c1.Set("n", n)
	dmsp, err := c1.conn.Savepoint(c1.ctx, c1.txn)
	assert.NoError(err)
	assert.True(n.PJar() == c1.conn)
	noid := n.POid()
	assert.Equal(UPTODATE, n.PState())

	// loaded from savepoint log
	n.PInvalidate()
	assert.Equal("new", c1.XValue("n"))

	c1.XSetValue("a", "changed")
	_, err = c1.conn.Savepoint(c1.ctx, c1.txn)
	assert.NoError(err)

	assert.NoError(dmsp.Rollback(c1.ctx))
	assert.Nil(n.PJar())
	assert.Nil(c1.conn.Cache().Get(noid))
	_, ok := c1.Root().Get("n")
	assert.False(ok)
	assert.Equal("base", c1.XValue("a"))

	c1.XSetValue("a", "final")
	c1.Commit()

	// the savepoint belongs to committed transaction
	err = dmsp.Rollback(c1.ctx)
	var eRollback *RollbackError
	assert.True(errors.As(err, &eRollback), "rollback: %v", err)

	c2 := tdb.Open(nil)
	assert.Equal("final", c2.XValue("a"))
	_, ok = c2.Root().Get("n")
	assert.False(ok)
}

func TestUndo(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	tdb := newTestDB(t, "mem://", nil)

	undo := func(tid Tid) error {
		txn, ctx := transaction.New(ctx)
		txn.Note("undo")
		err := tdb.Undo(ctx, tid)
		if err != nil {
			return err
		}
		return txn.Commit(ctx)
	}
	lastTid := func() Tid {
		infov, err := tdb.UndoInfo(ctx, 0, 1)
		assert.NoError(err)
		assert.Len(infov, 1)
		return infov[0].Tid
	}

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Commit()
	c1.XSetValue("a", "2")
	c1.txn.Note("set 2")
	c1.Commit()
	t2 := lastTid()

	infov, err := tdb.UndoInfo(ctx, 0, 1)
	assert.NoError(err)
	assert.Equal("set 2", infov[0].Description)

	// undo is ordinary transaction; connections see its effect after sync
	assert.NoError(undo(t2))
	assert.Equal("2", c1.XValue("a"))
	assert.NoError(c1.conn.Sync(c1.ctx))
	assert.Equal("1", c1.XValue("a"))

	// t2 cannot be undone twice
	err = undo(t2)
	var eUndo *UndoError
	assert.True(errors.As(err, &eUndo), "undo: %v", err)

	// undo of undo redoes
	assert.NoError(undo(lastTid()))
	assert.NoError(c1.conn.Sync(c1.ctx))
	assert.Equal("2", c1.XValue("a"))

	// undo needs transaction
	err = tdb.Undo(ctx, t2)
	var eTxn *TransactionError
	assert.True(errors.As(err, &eTxn), "undo: %v", err)
}

// invalidations are applied at transaction boundaries only.
func TestInvalidation(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Commit()

	c2 := tdb.Open(nil)
	assert.Equal("1", c2.XValue("a"))

	c1.XSetValue("a", "2")
	c1.Commit()

	// the committer is not invalidated
	assert.Equal([]Oid{}, invalidated(c1.conn))

	a := c2.Get("a")
	assert.Equal([]Oid{a.POid()}, invalidated(c2.conn))
	assert.Equal(UPTODATE, a.PState())
	assert.Equal("1", c2.XValue("a"))

	// transaction that only reads is still a boundary
	c2.Abort()
	assert.Equal(GHOST, a.PState())
	assert.Equal("2", c2.XValue("a"))
}

// δHead returns number of transactions db has seen.
func δHead(db *DB) uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.δtail.Head()
}

// commits done via another DB of the same database are delivered via storage
// notifications.
func TestInvalidationCrossDB(t *testing.T) {
	assert := require.New(t)
	zurl := sharedURL(t)
	tdb1 := newTestDB(t, zurl, nil)
	tdb2 := newTestDB(t, zurl, nil)

	// wait till db2 is notified about everything committed via db1
	waitSeen := func() {
		t.Helper()
		assert.Eventually(func() bool {
			return δHead(tdb2.DB) == δHead(tdb1.DB)
		}, 5*time.Second, time.Millisecond)
	}

	c1 := tdb1.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Commit()
	a := c1.Get("a")

	c2 := tdb2.Open(nil)
	waitSeen()
	c2.Abort()
	assert.Equal("1", c2.XValue("a"))

	c1.XSetValue("a", "2")
	c1.Commit()
	waitSeen()
	assert.Equal([]Oid{a.POid()}, invalidated(c2.conn))
	assert.Equal("1", c2.XValue("a"))
	c2.Abort()
	assert.Equal("2", c2.XValue("a"))

	// c2 changes "a" based on stale data. Depending on whether the
	// invalidation already arrived the conflict is detected either by the
	// connection or by the storage.
	c1.XSetValue("a", "3")
	c1.Commit()
	c2.XSetValue("a", "x")
	err := c2.txn.Commit(c2.ctx)
	assert.True(IsWriteConflict(err), "commit: %v", err)

	waitSeen()
	c2.Begin()
	assert.Equal("3", c2.XValue("a"))
}

func TestIndependent(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	ind := &IndObject{}
	ind.value = "1"
	c1.Set("ind", ind)
	c1.Set("dep", &MyObject{value: "1"})
	c1.Commit()

	c2 := tdb.Open(nil)
	ind2 := c2.Get("ind").(*IndObject)
	dep2 := c2.Get("dep").(*MyObject)

	assert.NoError(ind.PModify(c1.ctx))
	ind.value = "2"
	c1.XSetValue("dep", "2")
	c1.Commit()

	// independent object is loaded fine
	assert.NoError(ind2.PActivate(c2.ctx))
	assert.Equal("2", ind2.value)
	ind2.PDeactivate()

	// while regular one is read conflict
	err := dep2.PActivate(c2.ctx)
	assert.True(IsReadConflict(err), "activate: %v", err)
	assert.Equal([]Oid{dep2.POid()}, invalidated(c2.conn))
}

func TestVersion(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)
	v1 := &ConnOptions{Version: "v1"}

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "trunk"})
	c1.Commit()

	cv := tdb.Open(v1)
	cv2 := tdb.Open(v1)
	assert.Equal("v1", cv.conn.Version())
	assert.Equal("trunk", cv.XValue("a"))
	assert.Equal("trunk", cv2.XValue("a"))
	a := cv.Get("a")

	cv.XSetValue("a", "in v1")
	cv.Commit()

	// commit in version invalidates only connections of that version
	assert.Equal([]Oid{}, invalidated(c1.conn))
	assert.Equal([]Oid{a.POid()}, invalidated(cv2.conn))

	cv2.Abort()
	assert.Equal("in v1", cv2.XValue("a"))
	c1.Abort()
	assert.Equal("trunk", c1.XValue("a"))

	// trunk commit invalidates everyone
	c1.XSetValue("a", "trunk2")
	c1.Commit()
	assert.Equal([]Oid{a.POid()}, invalidated(cv.conn))
	cv.Abort()
	assert.Equal("in v1", cv.XValue("a"))

	// pooled connection is reset to requested version
	cvConn := cv.conn
	cv.Close()
	cv2.Close()
	ct := tdb.Open(nil)
	assert.True(ct.conn == cv2.conn)
	assert.Equal("", ct.conn.Version())
	assert.Equal("trunk2", ct.XValue("a"))

	// connection of the same version is preferred over more recent one
	ct.Close()
	cv = tdb.Open(v1)
	assert.True(cv.conn == cvConn)
	assert.Equal("v1", cv.conn.Version())
	assert.Equal("in v1", cv.XValue("a"))
}

func TestPool(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", &DBOptions{PoolSize: 1, HistorySize: 2})

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Commit()
	conn1 := c1.conn

	c2 := tdb.Open(nil)
	assert.Equal("1", c2.XValue("a"))
	a := c2.Get("a")
	c2.Close()

	// pooled connection is not notified; it catches up on reopen
	c1.XSetValue("a", "2")
	c1.Commit()
	assert.Equal([]Oid{}, invalidated(c2.conn))

	c2r := tdb.Open(nil)
	assert.True(c2r.conn == c2.conn)
	assert.Equal(GHOST, a.PState())
	assert.Equal("2", c2r.XValue("a"))
	assert.Equal(UPTODATE, c2.Root().PState())
	c2r.Close()

	// changes beyond remembered history invalidate whole cache
	for _, v := range []string{"3", "4", "5"} {
		c1.XSetValue("a", v)
		c1.Commit()
	}
	c2r = tdb.Open(nil)
	assert.True(c2r.conn == c2.conn)
	assert.Equal(GHOST, a.PState())
	assert.Equal(GHOST, c2r.conn.root.PState())
	assert.Equal("5", c2r.XValue("a"))
	c2r.Close()

	// pool keeps only PoolSize connections
	c1.Close()
	assert.Equal(0, c2.conn.Cache().Len())
	c3 := tdb.Open(nil)
	assert.True(c3.conn == conn1)
}

func TestConnLifecycle(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", nil)

	c1 := tdb.Open(nil)
	c1.SetNew("a", "1")

	// close and reset are refused while transaction is in progress
	err := c1.conn.Close(c1.ctx)
	var eTxn *TransactionError
	assert.True(errors.As(err, &eTxn), "close: %v", err)
	err = c1.conn.Reset(c1.ctx, "")
	assert.True(errors.As(err, &eTxn), "reset: %v", err)

	c1.Commit()
	c1.Close()

	// closed connection cannot load
	_, err = c1.conn.Get(c1.ctx, 1000)
	assert.Error(err)

	// modification without transaction
	c2 := tdb.Open(nil)
	obj := c2.Get("a")
	err = obj.PModify(context.Background())
	assert.True(errors.As(err, &eTxn), "modify: %v", err)
	c2.Close()
}

// SetNew sets root[key] to new MyObject with value.
func (tc *tConn) SetNew(key, value string) {
	tc.t.Helper()
	tc.Set(key, &MyObject{value: value})
}

func TestReadOnly(t *testing.T) {
	assert := require.New(t)
	zurl := sharedURL(t)
	tdb := newTestDB(t, zurl, nil)

	c1 := tdb.Open(nil)
	c1.Set("a", &MyObject{value: "1"})
	c1.Commit()

	tro := newTestDB(t, zurl+"?readonly=1", nil)
	cro := tro.Open(nil)
	assert.Equal("1", cro.XValue("a"))

	cro.XSetValue("a", "2")
	err := cro.txn.Commit(cro.ctx)
	assert.True(IsReadOnly(err), "commit: %v", err)

	cro.Begin()
	assert.Equal("1", cro.XValue("a"))
}

func TestCacheGC(t *testing.T) {
	assert := require.New(t)
	tdb := newTestDB(t, "mem://", &DBOptions{CacheSize: 2})

	c1 := tdb.Open(nil)
	keyv := []string{"0", "1", "2", "3", "4"}
	for _, k := range keyv {
		c1.Set(k, &MyObject{value: "v" + k})
	}
	c1.Commit()

	c2 := tdb.Open(nil)
	for _, k := range keyv {
		assert.Equal("v"+k, c2.XValue(k))
	}
	cache := c2.conn.Cache()
	assert.Equal(6, cache.LiveLen())

	// pinned object survives
	pinned := c2.Get("0")
	assert.NoError(pinned.PActivate(c2.ctx))

	c2.conn.CacheGC()
	assert.Equal(6, cache.Len())
	assert.True(cache.LiveLen() <= 2, "live: %d", cache.LiveLen())
	assert.Equal(UPTODATE, pinned.PState())
	assert.Equal(UPTODATE, c2.conn.root.PState())
	pinned.PDeactivate()

	// evicted objects are reloaded on access
	for _, k := range keyv {
		assert.Equal("v"+k, c2.XValue(k))
	}
}

// ghosts nobody references are released and do not accumulate in the cache.
func TestCacheReleasesGhosts(t *testing.T) {
	assert := require.New(t)
	const n = 500
	tdb := newTestDB(t, "mem://", &DBOptions{CacheSize: 10})

	c1 := tdb.Open(nil)
	var head IPersistent
	for i := n - 1; i >= 0; i-- {
		head = &Node{name: fmt.Sprintf("n%d", i), next: head}
	}
	c1.Set("chain", head)
	c1.Commit()

	c2 := tdb.Open(nil)
	node, _ := c2.Get("chain").(*Node)
	for i := 0; node != nil; i++ {
		assert.NoError(node.PActivate(c2.ctx))
		assert.Equal(fmt.Sprintf("n%d", i), node.name)
		next, _ := node.next.(*Node)
		node.PDeactivate()
		node = next
	}

	cache := c2.conn.Cache()
	bounded := func() bool { return cache.Len() <= 5*cache.SizeMax() }
	for i := 0; i < 20 && !bounded(); i++ {
		c2.conn.CacheGC()
		runtime.GC()
		time.Sleep(10 * time.Millisecond) // let finalizers run
	}
	c2.conn.CacheGC()
	assert.True(bounded(), "cache: Len=%d LiveLen=%d SizeMax=%d",
		cache.Len(), cache.LiveLen(), cache.SizeMax())
	assert.True(cache.LiveLen() <= cache.SizeMax())

	// the chain is still there
	node, _ = c2.Get("chain").(*Node)
	for i := 0; i < n; i++ {
		assert.NotNil(node, "chain broken at %d", i)
		assert.NoError(node.PActivate(c2.ctx))
		assert.Equal(fmt.Sprintf("n%d", i), node.name)
		next, _ := node.next.(*Node)
		node.PDeactivate()
		node = next
	}
	assert.Nil(node)
}
