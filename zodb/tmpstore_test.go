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

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/kirr/zconn/go/transaction"
)

func TestTmpStore(t *testing.T) {
	assert := require.New(t)
	X := exc.Raiseif
	bg := context.Background()

	stor, err := OpenStorage(bg, "mem://", nil); X(err)
	defer func() {
		err := stor.Close(); X(err)
	}()

	// object 1 committed to the storage
	txn0, ctx := transaction.New(bg)
	err = stor.TPCBegin(ctx, txn0); X(err)
	_, err = stor.Store(ctx, 1, 0, []byte("db"), nil, "", txn0); X(err)
	_, err = stor.TPCVote(ctx, txn0); X(err)
	tid, err := stor.TPCFinish(ctx, txn0, nil); X(err)

	txn, ctx := transaction.New(bg)
	tmp := newTmpStore(stor, "")

	load := func(oid Oid) (string, Tid) {
		t.Helper()
		data, serial, err := tmp.Load(ctx, oid, "")
		if err != nil {
			t.Fatal(err)
		}
		return string(data), serial
	}

	// not logged -> storage
	data, serial := load(1)
	assert.Equal("db", data)
	assert.Equal(tid, serial)
	_, _, err = tmp.Load(ctx, 2, "")
	assert.True(IsNotFound(err), "load: %v", err)

	// store outside of savepoint
	_, err = tmp.Store(ctx, 1, tid, []byte("x"), nil, "", txn)
	assert.Error(err)

	// savepoint 1: 1 and new 2
	tmp.tpcBegin(txn)
	reply, err := tmp.Store(ctx, 1, tid, []byte("sp1"), []Oid{2}, "", txn); X(err)
	assert.Equal([]StoreReply{{Oid: 1, Serial: tid}}, reply)
	_, err = tmp.Store(ctx, 2, 0, []byte("new"), nil, "", txn); X(err)
	tmp.created[2] = struct{}{}
	undo1 := tmp.tpcFinish(txn)
	assert.Equal(int64(0), undo1.pos)
	assert.Empty(undo1.index)
	assert.Empty(undo1.created)

	data, serial = load(1)
	assert.Equal("sp1", data)
	assert.Equal(tid, serial)
	data, _ = load(2)
	assert.Equal("new", data)
	_, refs, _ := tmp.loadRefs(1)
	assert.Equal([]Oid{2}, refs)
	assert.Equal([]Oid{1, 2}, tmp.Oids())

	// savepoint 2 changes 1 again
	tmp.tpcBegin(txn)
	_, err = tmp.Store(ctx, 1, tid, []byte("sp2"), nil, "", txn); X(err)
	undo2 := tmp.tpcFinish(txn)
	assert.Equal(map[Oid]struct{}{2: {}}, undo2.created)
	data, _ = load(1)
	assert.Equal("sp2", data)

	// aborted savepoint leaves log as it was
	tmp.tpcBegin(txn)
	_, err = tmp.Store(ctx, 1, tid, []byte("aborted"), nil, "", txn); X(err)
	tmp.tpcAbort(txn)
	data, _ = load(1)
	assert.Equal("sp2", data)

	// rollback to savepoint 2 -> state as of savepoint 1
	err = tmp.rollback(undo2.pos, undo2.index); X(err)
	data, _ = load(1)
	assert.Equal("sp1", data)
	err = tmp.rollback(undo2.pos, undo2.index); X(err)

	// rollback to savepoint 1 -> nothing is logged
	err = tmp.rollback(undo1.pos, undo1.index); X(err)
	data, _ = load(1)
	assert.Equal("db", data)
	assert.Equal([]Oid{}, tmp.Oids())

	// savepoint 2 is gone
	err = tmp.rollback(undo2.pos, undo2.index)
	_, ok := err.(*RollbackError)
	assert.True(ok, "rollback: %v", err)

	// log continues after rollback
	tmp.tpcBegin(txn)
	_, err = tmp.Store(ctx, 1, tid, []byte("sp3"), nil, "", txn); X(err)
	tmp.tpcFinish(txn)
	data, _ = load(1)
	assert.Equal("sp3", data)

	tmp.Close()
	assert.True(tmp.closed)
}
