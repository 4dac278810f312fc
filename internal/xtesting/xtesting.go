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

// Package xtesting provides infrastructure for ZODB testing.
//
// It contains the test-suite every storage driver has to pass:
//
//	DrvTestBasic	- load/store, conflicts, two-phase commit protocol,
//	DrvTestVersion	- version namespaces,
//	DrvTestUndo	- transactional undo,
//	DrvTestReadOnly	- read-only storages,
//	DrvTestWatch	- notifications about commits of other clients.
package xtesting

import (
	"context"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// FatalIf returns function f(err) that fails the test if err != nil.
func FatalIf(t testing.TB) func(error) {
	return func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
}

// RawObj is object record to be stored into a storage.
type RawObj struct {
	Oid     zodb.Oid
	Serial  zodb.Tid // serial the change is based on; 0 for new object
	Data    []byte
	Version string
}

// Commit commits objv into stor as one transaction.
//
// It returns tid of committed transaction. The first error, either returned
// by storage call or reported in store reply, aborts the commit.
func Commit(ctx context.Context, stor zodb.IStorage, desc string, objv ...RawObj) (zodb.Tid, error) {
	txn, _ := transaction.New(context.Background())
	txn.SetUser("tester")
	txn.Note(desc)

	return commit(ctx, stor, txn, func() ([]zodb.StoreReply, error) {
		var replies []zodb.StoreReply
		for _, obj := range objv {
			r, err := stor.Store(ctx, obj.Oid, obj.Serial, obj.Data, nil, obj.Version, txn)
			if err != nil {
				return nil, err
			}
			replies = append(replies, r...)
		}
		return replies, nil
	})
}

// Undo undoes transactions tidv in one transaction.
//
// It returns tid of committed transaction and oids changed by undo.
func Undo(ctx context.Context, stor zodb.IStorage, tidv ...zodb.Tid) (_ zodb.Tid, oidv []zodb.Oid, err error) {
	txn, _ := transaction.New(context.Background())
	txn.SetUser("tester")
	txn.Note("undo")

	tid, err := commit(ctx, stor, txn, func() ([]zodb.StoreReply, error) {
		for _, utid := range tidv {
			δoidv, err := stor.Undo(ctx, utid, txn)
			if err != nil {
				return nil, err
			}
			oidv = append(oidv, δoidv...)
		}
		return nil, nil
	})
	return tid, oidv, err
}

// commit runs two-phase commit of txn with changes made by work.
func commit(ctx context.Context, stor zodb.IStorage, txn transaction.Transaction, work func() ([]zodb.StoreReply, error)) (zodb.Tid, error) {
	err := stor.TPCBegin(ctx, txn)
	if err != nil {
		return zodb.InvalidTid, err
	}

	abort := func(err error) (zodb.Tid, error) {
		stor.TPCAbort(ctx, txn)
		return zodb.InvalidTid, err
	}

	replies, err := work()
	if err != nil {
		return abort(err)
	}
	vreplies, err := stor.TPCVote(ctx, txn)
	if err != nil {
		return abort(err)
	}
	for _, r := range append(replies, vreplies...) {
		if r.Err != nil {
			return abort(r.Err)
		}
	}

	return stor.TPCFinish(ctx, txn, func(zodb.Tid) {})
}

// checkLoad verifies that stor.Load(oid) returns expected data and serial.
//
// nil data means the object is expected to be deleted.
func checkLoad(t *testing.T, stor zodb.IStorage, oid zodb.Oid, version string, serial zodb.Tid, data []byte) {
	t.Helper()
	ldata, lserial, err := stor.Load(context.Background(), oid, version)

	if data == nil {
		if !zodb.IsNotFound(err) {
			t.Errorf("load %s@%q: err: %v  ; want not found", oid, version, err)
		}
		return
	}

	if err != nil {
		t.Errorf("load %s@%q: %s", oid, version, err)
		return
	}
	if lserial != serial {
		t.Errorf("load %s@%q: serial:\nhave: %s\nwant: %s", oid, version, lserial, serial)
	}
	if string(ldata) != string(data) {
		t.Errorf("load %s@%q: data:\nhave: %q\nwant: %q", oid, version, ldata, data)
	}
}

// ---- tests for storage drivers ----

// DrvTestBasic verifies load/store and two-phase commit protocol of stor.
//
// stor must be empty writable storage.
func DrvTestBasic(t *testing.T, stor zodb.IStorage) {
	ctx := context.Background()
	X := FatalIf(t)

	head, err := stor.LastTid(ctx); X(err)
	require.Equal(t, zodb.Tid(0), head, "storage is not empty")

	// oids are unique; 0 is reserved for root
	oid1, err := stor.NewOid(ctx); X(err)
	oid2, err := stor.NewOid(ctx); X(err)
	require.NotEqual(t, zodb.RootOid, oid1)
	require.NotEqual(t, oid1, oid2)

	_, _, err = stor.Load(ctx, oid1, "")
	if !zodb.IsNotFound(err) {
		t.Fatalf("load of not yet stored object: err: %v  ; want not found", err)
	}

	// create
	tid1, err := Commit(ctx, stor, "create", RawObj{Oid: oid1, Data: []byte("hello")},
		RawObj{Oid: oid2, Data: []byte("world")}); X(err)
	checkLoad(t, stor, oid1, "", tid1, []byte("hello"))
	checkLoad(t, stor, oid2, "", tid1, []byte("world"))

	head, err = stor.LastTid(ctx); X(err)
	require.Equal(t, tid1, head)

	// modify
	tid2, err := Commit(ctx, stor, "modify", RawObj{Oid: oid1, Serial: tid1, Data: []byte("hello2")}); X(err)
	if !(tid2 > tid1) {
		t.Fatalf("tid not ↑: %s -> %s", tid1, tid2)
	}
	checkLoad(t, stor, oid1, "", tid2, []byte("hello2"))
	checkLoad(t, stor, oid2, "", tid1, []byte("world"))

	// store based on stale serial -> write conflict
	_, err = Commit(ctx, stor, "stale", RawObj{Oid: oid1, Serial: tid1, Data: []byte("stale")})
	if !zodb.IsWriteConflict(err) {
		t.Fatalf("stale store: err: %v  ; want write conflict", err)
	}
	checkLoad(t, stor, oid1, "", tid2, []byte("hello2"))

	// storing new object over existing one is also conflict
	_, err = Commit(ctx, stor, "recreate", RawObj{Oid: oid2, Serial: 0, Data: []byte("x")})
	if !zodb.IsWriteConflict(err) {
		t.Fatalf("store over existing object: err: %v  ; want write conflict", err)
	}

	// abort leaves no trace
	txn, _ := transaction.New(ctx)
	X(stor.TPCBegin(ctx, txn))
	_, err = stor.Store(ctx, oid1, tid2, []byte("aborted"), nil, "", txn); X(err)
	X(stor.TPCAbort(ctx, txn))
	checkLoad(t, stor, oid1, "", tid2, []byte("hello2"))

	// abort of transaction not being committed is noop
	X(stor.TPCAbort(ctx, txn))

	// store in foreign transaction
	txn2, _ := transaction.New(ctx)
	X(stor.TPCBegin(ctx, txn))
	_, err = stor.Store(ctx, oid1, tid2, []byte("foreign"), nil, "", txn2)
	var eTxn *zodb.StorageTransactionError
	if !errors.As(err, &eTxn) {
		t.Fatalf("store in foreign transaction: err: %v  ; want StorageTransactionError", err)
	}
	X(stor.TPCAbort(ctx, txn))

	// several data managers of one transaction share the storage:
	// TPCBegin/TPCVote/TPCFinish are called for txn several times.
	txn, _ = transaction.New(ctx)
	X(stor.TPCBegin(ctx, txn))
	X(stor.TPCBegin(ctx, txn))
	r1, err := stor.Store(ctx, oid1, tid2, []byte("dm1"), nil, "", txn); X(err)
	r2, err := stor.Store(ctx, oid2, tid1, []byte("dm2"), nil, "", txn); X(err)
	v1, err := stor.TPCVote(ctx, txn); X(err)
	v2, err := stor.TPCVote(ctx, txn); X(err)
	for _, r := range append(append(r1, r2...), v1...) {
		X(r.Err)
	}
	if diff := pretty.Compare(v1, v2); diff != "" {
		t.Fatalf("repeated vote: replies differ:\n%s", diff)
	}
	var seen []zodb.Tid
	tid3, err := stor.TPCFinish(ctx, txn, func(tid zodb.Tid) { seen = append(seen, tid) }); X(err)
	tid3_, err := stor.TPCFinish(ctx, txn, func(tid zodb.Tid) { seen = append(seen, tid) }); X(err)
	require.Equal(t, tid3, tid3_, "repeated finish")
	require.Equal(t, []zodb.Tid{tid3, tid3}, seen, "onCommit")
	checkLoad(t, stor, oid1, "", tid3, []byte("dm1"))
	checkLoad(t, stor, oid2, "", tid3, []byte("dm2"))

	// the same object stored twice in one transaction - later store wins
	txn, _ = transaction.New(ctx)
	X(stor.TPCBegin(ctx, txn))
	_, err = stor.Store(ctx, oid1, tid3, []byte("first"), nil, "", txn); X(err)
	_, err = stor.Store(ctx, oid1, tid3, []byte("second"), nil, "", txn); X(err)
	vv, err := stor.TPCVote(ctx, txn); X(err)
	for _, r := range vv {
		X(r.Err)
	}
	// data committed by txn must not be loadable before invalidations are
	// queued by onCommit: a concurrent Load either waits or sees old data.
	loaded := make(chan string, 1)
	waited := false
	tid4, err := stor.TPCFinish(ctx, txn, func(zodb.Tid) {
		go func() {
			data, _, err := stor.Load(ctx, oid1, "")
			if err != nil {
				loaded <- "error: " + err.Error()
				return
			}
			loaded <- string(data)
		}()
		select {
		case data := <-loaded:
			if data != "dm1" {
				t.Errorf("load from inside onCommit: have %q; want %q or wait", data, "dm1")
			}
		case <-time.After(100 * time.Millisecond):
			waited = true
		}
	}); X(err)
	if waited {
		if data := <-loaded; data != "second" {
			t.Errorf("load waited for commit: have %q; want %q", data, "second")
		}
	}
	checkLoad(t, stor, oid1, "", tid4, []byte("second"))

	// iteration, if supported
	txnvOk := []Txn{
		{&zodb.TxnInfo{Tid: tid1}, []*zodb.DataInfo{
			{Oid: oid1, Tid: tid1, Data: []byte("hello")},
			{Oid: oid2, Tid: tid1, Data: []byte("world")}}},
		{&zodb.TxnInfo{Tid: tid2}, []*zodb.DataInfo{
			{Oid: oid1, Tid: tid2, Data: []byte("hello2")}}},
		{&zodb.TxnInfo{Tid: tid3}, []*zodb.DataInfo{
			{Oid: oid1, Tid: tid3, Data: []byte("dm1")},
			{Oid: oid2, Tid: tid3, Data: []byte("dm2")}}},
		{&zodb.TxnInfo{Tid: tid4}, []*zodb.DataInfo{
			{Oid: oid1, Tid: tid4, Data: []byte("second")}}},
	}
	DrvTestIterate(t, stor, txnvOk)
	DrvTestLoad(t, stor, txnvOk)
}

// Txn represents one transaction.
type Txn struct {
	Header *zodb.TxnInfo
	Data   []*zodb.DataInfo
}

// DrvTestIterate verifies that stor.Iterate yields transactions txnvOk.
//
// Only tids and object data are compared. Storages that cannot iterate are
// skipped.
func DrvTestIterate(t *testing.T, stor zodb.IStorage, txnvOk []Txn) {
	t.Helper()
	ctx := context.Background()

	it := stor.Iterate(ctx, 0, zodb.TidMax)
	var txnv []Txn
	for {
		txnh, dit, err := it.NextTxn(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, zodb.ErrNotSupported) {
				return
			}
			t.Fatal(err)
		}

		txn := Txn{Header: &zodb.TxnInfo{Tid: txnh.Tid}}
		for {
			d, err := dit.NextData(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			txn.Data = append(txn.Data, &zodb.DataInfo{Oid: d.Oid, Tid: d.Tid, Data: d.Data})
		}
		sortData(txn.Data)
		txnv = append(txnv, txn)
	}

	want := make([]Txn, len(txnvOk))
	for i, txn := range txnvOk {
		want[i] = Txn{Header: &zodb.TxnInfo{Tid: txn.Header.Tid}}
		for _, d := range txn.Data {
			want[i].Data = append(want[i].Data, &zodb.DataInfo{Oid: d.Oid, Tid: d.Tid, Data: d.Data})
		}
		sortData(want[i].Data)
	}

	if diff := pretty.Compare(want, txnv); diff != "" {
		t.Errorf("iterate: (-want +have):\n%s", diff)
	}
}

func sortData(datav []*zodb.DataInfo) {
	sort.Slice(datav, func(i, j int) bool {
		return datav[i].Oid < datav[j].Oid
	})
}

// DrvTestLoad verifies that stor has latest data of every object as in txnvOk.
func DrvTestLoad(t *testing.T, stor zodb.IStorage, txnvOk []Txn) {
	t.Helper()

	type objState struct {
		tid  zodb.Tid
		data []byte
	}
	last := map[zodb.Oid]objState{}
	for _, txn := range txnvOk {
		for _, obj := range txn.Data {
			last[obj.Oid] = objState{txn.Header.Tid, obj.Data}
		}
	}

	for oid, expect := range last {
		checkLoad(t, stor, oid, "", expect.tid, expect.data)
	}
}

// DrvTestVersion verifies that stor keeps changes made in versions separately.
//
// stor must be writable storage.
func DrvTestVersion(t *testing.T, stor zodb.IStorage) {
	ctx := context.Background()
	X := FatalIf(t)

	oid, err := stor.NewOid(ctx); X(err)
	tid1, err := Commit(ctx, stor, "trunk", RawObj{Oid: oid, Data: []byte("trunk")}); X(err)

	// version without changes to the object sees trunk data
	checkLoad(t, stor, oid, "v1", tid1, []byte("trunk"))

	tid2, err := Commit(ctx, stor, "v1", RawObj{Oid: oid, Serial: tid1, Data: []byte("v1"), Version: "v1"}); X(err)
	checkLoad(t, stor, oid, "v1", tid2, []byte("v1"))
	checkLoad(t, stor, oid, "v2", tid1, []byte("trunk"))
	checkLoad(t, stor, oid, "", tid1, []byte("trunk"))

	// trunk changes are independent of v1 changes
	tid3, err := Commit(ctx, stor, "trunk2", RawObj{Oid: oid, Serial: tid1, Data: []byte("trunk2")}); X(err)
	checkLoad(t, stor, oid, "", tid3, []byte("trunk2"))
	checkLoad(t, stor, oid, "v1", tid2, []byte("v1"))
	checkLoad(t, stor, oid, "v2", tid3, []byte("trunk2"))
}

// DrvTestUndo verifies transactional undo of stor.
//
// stor must be writable storage.
func DrvTestUndo(t *testing.T, stor zodb.IStorage) {
	ctx := context.Background()
	X := FatalIf(t)

	// undoLast undoes transaction #i in undo log (0 = most recent)
	undoLog := func(i int) zodb.Tid {
		t.Helper()
		infov, err := stor.UndoInfo(ctx, 0, -20); X(err)
		if i >= len(infov) {
			t.Fatalf("undo info: only %d transactions; want #%d", len(infov), i)
		}
		return infov[i].Tid
	}
	undo := func(tid zodb.Tid, oidOk ...zodb.Oid) zodb.Tid {
		t.Helper()
		utid, oidv, err := Undo(ctx, stor, tid); X(err)
		if diff := pretty.Compare(oidOk, oidv); diff != "" {
			t.Fatalf("undo %s: oids: (-want +have):\n%s", tid, diff)
		}
		return utid
	}

	oid, err := stor.NewOid(ctx); X(err)
	tid1, err := Commit(ctx, stor, "23", RawObj{Oid: oid, Data: []byte("MinPO(23)")}); X(err)
	tid2, err := Commit(ctx, stor, "24", RawObj{Oid: oid, Serial: tid1, Data: []byte("MinPO(24)")}); X(err)
	tid3, err := Commit(ctx, stor, "25", RawObj{Oid: oid, Serial: tid2, Data: []byte("MinPO(25)")}); X(err)

	// undo log is newest first
	infov, err := stor.UndoInfo(ctx, 0, 3); X(err)
	tidv := []zodb.Tid{}
	for _, info := range infov {
		tidv = append(tidv, info.Tid)
	}
	require.Equal(t, []zodb.Tid{tid3, tid2, tid1}, tidv, "undo info")
	require.Equal(t, "25", infov[0].Description)
	require.Equal(t, "tester", infov[0].User)

	infov, err = stor.UndoInfo(ctx, 1, -1); X(err)
	require.Len(t, infov, 1)
	require.Equal(t, tid2, infov[0].Tid)

	// undo last change
	utid := undo(undoLog(0), oid)
	checkLoad(t, stor, oid, "", utid, []byte("MinPO(24)"))

	// undo change 23 -> 24 (undo log: undo, 25, 24, 23)
	utid = undo(undoLog(2), oid)
	checkLoad(t, stor, oid, "", utid, []byte("MinPO(23)"))

	// undo creation - object is gone
	utid = undo(tid1, oid)
	checkLoad(t, stor, oid, "", 0, nil)

	// undo the undo - object is back
	utid = undo(utid, oid)
	checkLoad(t, stor, oid, "", utid, []byte("MinPO(23)"))

	// undo of change overwritten by later transaction fails without effect
	_, _, err = Undo(ctx, stor, tid3)
	var eUndo *zodb.UndoError
	if !errors.As(err, &eUndo) {
		t.Fatalf("undo of overwritten change: err: %v  ; want UndoError", err)
	}
	checkLoad(t, stor, oid, "", utid, []byte("MinPO(23)"))

	// several undos in one transaction; the first sees nothing of the
	// failure of the second - no partial effect.
	oidA, err := stor.NewOid(ctx); X(err)
	oidB, err := stor.NewOid(ctx); X(err)
	tidA, err := Commit(ctx, stor, "A", RawObj{Oid: oidA, Data: []byte("a1")}); X(err)
	tidB, err := Commit(ctx, stor, "B", RawObj{Oid: oidB, Data: []byte("b1")}); X(err)
	tidB2, err := Commit(ctx, stor, "B2", RawObj{Oid: oidB, Serial: tidB, Data: []byte("b2")}); X(err)

	_, _, err = Undo(ctx, stor, tidA, tidB)
	if !errors.As(err, &eUndo) {
		t.Fatalf("undo A+B: err: %v  ; want UndoError", err)
	}
	checkLoad(t, stor, oidA, "", tidA, []byte("a1"))
	checkLoad(t, stor, oidB, "", tidB2, []byte("b2"))

	// undo of B2 and then B in the same transaction
	_, oidv, err := Undo(ctx, stor, tidB2, tidB); X(err)
	require.Equal(t, []zodb.Oid{oidB, oidB}, oidv)
	checkLoad(t, stor, oidB, "", 0, nil)

	// undo of one transaction that changed two objects reverts both
	oidC, err := stor.NewOid(ctx); X(err)
	oidD, err := stor.NewOid(ctx); X(err)
	tidCD, err := Commit(ctx, stor, "CD",
		RawObj{Oid: oidC, Data: []byte("c1")},
		RawObj{Oid: oidD, Data: []byte("d1")}); X(err)
	tidCD2, err := Commit(ctx, stor, "CD2",
		RawObj{Oid: oidC, Serial: tidCD, Data: []byte("c2")},
		RawObj{Oid: oidD, Serial: tidCD, Data: []byte("d2")}); X(err)
	checkLoad(t, stor, oidC, "", tidCD2, []byte("c2"))
	checkLoad(t, stor, oidD, "", tidCD2, []byte("d2"))

	utid, oidv, err = Undo(ctx, stor, tidCD2); X(err)
	sort.Slice(oidv, func(i, j int) bool { return oidv[i] < oidv[j] })
	require.Equal(t, []zodb.Oid{oidC, oidD}, oidv)
	checkLoad(t, stor, oidC, "", utid, []byte("c1"))
	checkLoad(t, stor, oidD, "", utid, []byte("d1"))

	// undo of unknown transaction
	_, _, err = Undo(ctx, stor, tidB2+1000)
	if !errors.As(err, &eUndo) {
		t.Fatalf("undo of unknown transaction: err: %v  ; want UndoError", err)
	}
}

// DrvTestReadOnly verifies that read-only stor rejects modifications.
//
// stor must be read-only storage with object oid.
func DrvTestReadOnly(t *testing.T, stor zodb.IStorage, oid zodb.Oid) {
	ctx := context.Background()
	X := FatalIf(t)

	_, _, err := stor.Load(ctx, oid, ""); X(err)

	txn, _ := transaction.New(ctx)
	checkRO := func(op string, err error) {
		t.Helper()
		if !zodb.IsReadOnly(err) {
			t.Errorf("%s: err: %v  ; want read-only", op, err)
		}
	}

	_, err = stor.NewOid(ctx)
	checkRO("new_oid", err)
	checkRO("tpc_begin", stor.TPCBegin(ctx, txn))
	_, err = stor.Store(ctx, oid, 0, []byte("x"), nil, "", txn)
	checkRO("store", err)
	_, err = stor.Undo(ctx, 1, txn)
	checkRO("undo", err)

	// aborting is always fine
	X(stor.TPCAbort(ctx, txn))
}

// DrvTestWatch verifies that changes committed via stor1 are reported to
// watchers of stor2.
//
// stor1 and stor2 must be two clients of the same empty writable database.
func DrvTestWatch(t *testing.T, stor1, stor2 zodb.IStorage) {
	ctx := context.Background()
	X := FatalIf(t)

	watchq1 := make(chan zodb.Event, 10)
	watchq2 := make(chan zodb.Event)
	stor1.AddWatch(watchq1)
	stor2.AddWatch(watchq2)
	defer stor1.DelWatch(watchq1)
	defer stor2.DelWatch(watchq2)

	oid, err := stor1.NewOid(ctx); X(err)
	tid, err := Commit(ctx, stor1, "watched", RawObj{Oid: oid, Data: []byte("data")}); X(err)

	event := <-watchq2
	want := &zodb.EventCommit{Tid: tid, Changev: []zodb.Oid{oid}}
	if diff := pretty.Compare(want, event); diff != "" {
		t.Fatalf("watch: (-want +have):\n%s", diff)
	}

	// own commits are not reported
	X(stor1.Sync(ctx))
	select {
	case event := <-watchq1:
		t.Fatalf("watch: own commit reported: %v", event)
	default:
	}

	// the other client sees committed data
	checkLoad(t, stor2, oid, "", tid, []byte("data"))
}
