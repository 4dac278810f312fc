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

package btree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
	_ "lab.nexedi.com/kirr/zconn/go/zodb/storage/mem"
)

// lengthOf returns Length stored in root["len"] as seen by conn.
func lengthOf(ctx context.Context, conn *zodb.Connection) *Length {
	X := exc.Raiseif
	root, err := conn.Root(ctx); X(err)
	err = root.PActivate(ctx); X(err)
	defer root.PDeactivate()
	xl, _ := root.Get("len")
	return xl.(*Length)
}

// value returns activated value of l.
func value(ctx context.Context, l *Length) int64 {
	X := exc.Raiseif
	err := l.PActivate(ctx); X(err)
	defer l.PDeactivate()
	return l.Value()
}

// concurrent changes to Length are merged by conflict resolution.
func TestLength(t *testing.T) {
	assert := require.New(t)
	X := exc.Raiseif
	bg := context.Background()

	stor, err := zodb.OpenStorage(bg, "mem://", nil); X(err)
	db := zodb.NewDB(stor, nil)
	defer func() {
		err := db.Close(); X(err)
	}()

	txn, ctx := transaction.New(bg)
	c1, err := db.Open(ctx, nil); X(err)
	root, err := c1.Root(ctx); X(err)
	err = root.PActivate(ctx); X(err)
	l1 := NewLength()
	err = root.Set(ctx, "len", l1); X(err)
	root.PDeactivate()
	err = l1.Change(ctx, +1); X(err)
	err = txn.Commit(ctx); X(err)
	assert.Equal("BTrees.Length.Length", zodb.ClassOf(l1))

	// two transactions change the length concurrently
	txn1, ctx1 := transaction.New(bg)
	txn2, ctx2 := transaction.New(bg)
	c2, err := db.Open(ctx2, nil); X(err)
	l2 := lengthOf(ctx2, c2)
	assert.Equal(int64(1), value(ctx2, l2))

	err = l1.Change(ctx1, +10); X(err)
	err = l2.Change(ctx2, -3); X(err)
	assert.Equal(int64(11), value(ctx1, l1))
	assert.Equal(int64(-2), value(ctx2, l2))

	err = txn1.Commit(ctx1); X(err)
	err = txn2.Commit(ctx2); X(err)

	// both see merged value
	txn, ctx = transaction.New(bg)
	err = c1.Sync(ctx); X(err)
	assert.Equal(int64(8), value(ctx, l1))
	assert.Equal(int64(8), value(ctx, l2))
	err = txn.Commit(ctx); X(err)

	// l1 and l2 are different in-RAM objects for the same database object
	assert.Equal(l1.POid(), l2.POid())
	assert.True(l1 != l2)
}

func TestLengthState(t *testing.T) {
	assert := require.New(t)
	l := NewLength()

	assert.NoError(l.PySetState(int64(5)))
	assert.Equal(int64(5), l.Value())
	assert.Equal(int64(5), l.PyGetState())
	assert.Error(l.PySetState("x"))

	l.DropState()
	assert.Equal(int64(0), l.Value())

	v, err := l.PResolveConflict(int64(1), int64(3), int64(10))
	assert.NoError(err)
	assert.Equal(int64(12), v)
	_, err = l.PResolveConflict(int64(1), "x", int64(10))
	assert.Error(err)
}
