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

package mem

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/zconn/go/internal/xtesting"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

var dbCounter int32

// openMem opens n clients of new named in-RAM database.
func openMem(t *testing.T, n int, opt *zodb.OpenOptions) []zodb.IStorage {
	t.Helper()
	X := xtesting.FatalIf(t)

	name := fmt.Sprintf("mem://%s-%d", t.Name(), atomic.AddInt32(&dbCounter, 1))
	var storv []zodb.IStorage
	for i := 0; i < n; i++ {
		stor, err := zodb.OpenStorage(context.Background(), name, opt); X(err)
		storv = append(storv, stor)
	}
	t.Cleanup(func() {
		for _, stor := range storv {
			X(stor.Close())
		}
	})
	return storv
}

func TestBasic(t *testing.T) {
	xtesting.DrvTestBasic(t, openMem(t, 1, nil)[0])
}

func TestVersion(t *testing.T) {
	xtesting.DrvTestVersion(t, openMem(t, 1, nil)[0])
}

func TestUndo(t *testing.T) {
	xtesting.DrvTestUndo(t, openMem(t, 1, nil)[0])
}

func TestWatch(t *testing.T) {
	storv := openMem(t, 2, nil)
	xtesting.DrvTestWatch(t, storv[0], storv[1])
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	stor := openMem(t, 1, nil)[0]
	oid, err := stor.NewOid(ctx); X(err)
	_, err = xtesting.Commit(ctx, stor, "init", xtesting.RawObj{Oid: oid, Data: []byte("data")}); X(err)

	ro, err := zodb.OpenStorage(ctx, stor.URL()+"?readonly=1", nil); X(err)
	defer ro.Close()
	xtesting.DrvTestReadOnly(t, ro, oid)
}

// private databases are not shared.
func TestPrivate(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	s1, err := zodb.OpenStorage(ctx, "mem://", nil); X(err)
	s2, err := zodb.OpenStorage(ctx, "mem://", nil); X(err)
	defer s1.Close()
	defer s2.Close()

	oid, err := s1.NewOid(ctx); X(err)
	_, err = xtesting.Commit(ctx, s1, "private", xtesting.RawObj{Oid: oid, Data: []byte("x")}); X(err)

	_, _, err = s2.Load(ctx, oid, "")
	require.True(t, zodb.IsNotFound(err), "load from other private db: %v", err)
}

// named database lives while it has clients.
func TestForget(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	name := fmt.Sprintf("%s-%d", t.Name(), atomic.AddInt32(&dbCounter, 1))
	s1, at0 := Open(name, nil)
	require.Equal(t, zodb.Tid(0), at0)

	stor, err := zodb.OpenStorage(ctx, "mem://"+name, nil); X(err)
	oid, err := stor.NewOid(ctx); X(err)
	tid, err := xtesting.Commit(ctx, stor, "x", xtesting.RawObj{Oid: oid, Data: []byte("x")}); X(err)
	X(stor.Close())

	// s1 keeps the database alive
	s2, at0 := Open(name, nil)
	require.Equal(t, tid, at0)
	X(s1.Close())
	_, serial, err := s2.Load(ctx, oid, ""); X(err)
	require.Equal(t, tid, serial)
	X(s2.Close())

	s3, at0 := Open(name, nil)
	defer s3.Close()
	require.Equal(t, zodb.Tid(0), at0)
}

// conflicting stores are resolved with installed resolver.
func TestResolve(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	stor := openMem(t, 1, nil)[0]
	oid, err := stor.NewOid(ctx); X(err)
	tid1, err := xtesting.Commit(ctx, stor, "1", xtesting.RawObj{Oid: oid, Data: []byte("a")}); X(err)
	_, err = xtesting.Commit(ctx, stor, "2", xtesting.RawObj{Oid: oid, Serial: tid1, Data: []byte("ab")}); X(err)

	var calls [][3]string
	stor.SetConflictResolver(func(oid zodb.Oid, old, committed, new []byte) ([]byte, error) {
		calls = append(calls, [3]string{string(old), string(committed), string(new)})
		resolved := append([]byte{}, committed...)
		return append(resolved, new[len(old):]...), nil
	})

	tid3, err := xtesting.Commit(ctx, stor, "3", xtesting.RawObj{Oid: oid, Serial: tid1, Data: []byte("ac")}); X(err)
	require.Equal(t, [][3]string{{"a", "ab", "ac"}}, calls)

	data, serial, err := stor.Load(ctx, oid, ""); X(err)
	require.Equal(t, tid3, serial)
	require.Equal(t, "abc", string(data))
}
