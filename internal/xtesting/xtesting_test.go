// Copyright (C) 2020  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
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

package xtesting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/zconn/go/zodb"
	_ "lab.nexedi.com/kirr/zconn/go/zodb/storage/mem"
)

// Commit and Undo leave storage consistent on failure.
func TestCommitUndo(t *testing.T) {
	ctx := context.Background()
	X := FatalIf(t)

	stor, err := zodb.OpenStorage(ctx, "mem://", nil); X(err)
	defer func() {
		err := stor.Close(); X(err)
	}()

	oid, err := stor.NewOid(ctx); X(err)
	tid1, err := Commit(ctx, stor, "1", RawObj{Oid: oid, Data: []byte("1")}); X(err)

	_, err = Commit(ctx, stor, "conflict", RawObj{Oid: oid, Data: []byte("2")})
	require.True(t, zodb.IsWriteConflict(err), "err: %v", err)

	// commit lock was released by abort
	tid2, err := Commit(ctx, stor, "2", RawObj{Oid: oid, Serial: tid1, Data: []byte("2")}); X(err)

	tid3, oidv, err := Undo(ctx, stor, tid2); X(err)
	require.Equal(t, []zodb.Oid{oid}, oidv)

	DrvTestLoad(t, stor, []Txn{
		{&zodb.TxnInfo{Tid: tid1}, []*zodb.DataInfo{{Oid: oid, Data: []byte("1")}}},
		{&zodb.TxnInfo{Tid: tid3}, []*zodb.DataInfo{{Oid: oid, Data: []byte("1")}}},
	})
}
