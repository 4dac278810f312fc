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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/zconn/go/internal/xtesting"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// openSQLite opens n clients of new database in temporary directory.
func openSQLite(t *testing.T, n int, query string) []zodb.IStorage {
	t.Helper()
	X := xtesting.FatalIf(t)

	zurl := "sqlite://" + filepath.Join(t.TempDir(), "1.sqlite") + query
	var storv []zodb.IStorage
	for i := 0; i < n; i++ {
		stor, err := zodb.OpenStorage(context.Background(), zurl, nil); X(err)
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
	xtesting.DrvTestBasic(t, openSQLite(t, 1, "")[0])
}

func TestCompress(t *testing.T) {
	xtesting.DrvTestBasic(t, openSQLite(t, 1, "?compress=1")[0])
}

func TestVersion(t *testing.T) {
	xtesting.DrvTestVersion(t, openSQLite(t, 1, "")[0])
}

func TestUndo(t *testing.T) {
	xtesting.DrvTestUndo(t, openSQLite(t, 1, "")[0])
}

func TestWatch(t *testing.T) {
	storv := openSQLite(t, 2, "?poll=10ms")
	xtesting.DrvTestWatch(t, storv[0], storv[1])
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	stor := openSQLite(t, 1, "")[0]
	oid, err := stor.NewOid(ctx); X(err)
	_, err = xtesting.Commit(ctx, stor, "init", xtesting.RawObj{Oid: oid, Data: []byte("data")}); X(err)

	ro, err := zodb.OpenStorage(ctx, stor.URL()+"?readonly=1", nil); X(err)
	defer func() {
		X(ro.Close())
	}()
	xtesting.DrvTestReadOnly(t, ro, oid)
}

// database keeps its data and identity across reopen.
func TestReopen(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	X := xtesting.FatalIf(t)
	path := filepath.Join(t.TempDir(), "1.sqlite")

	s, at0, err := Open(ctx, path, &Options{Compress: true}); X(err)
	assert.Equal(zodb.Tid(0), at0)
	uuid := s.UUID()
	assert.NotEmpty(uuid)

	stor, err := zodb.OpenStorage(ctx, path, nil); X(err)
	oid, err := stor.NewOid(ctx); X(err)
	big := make([]byte, 4096) // compressible
	tid, err := xtesting.Commit(ctx, stor, "big", xtesting.RawObj{Oid: oid, Data: big}); X(err)
	X(stor.Close())
	X(s.Close())

	s, at0, err = Open(ctx, path, nil); X(err)
	defer func() {
		X(s.Close())
	}()
	assert.Equal(tid, at0)
	assert.Equal(uuid, s.UUID())
	data, serial, err := s.Load(ctx, oid, ""); X(err)
	assert.Equal(tid, serial)
	assert.Equal(big, data)

	// oid allocation continues
	oid2, err := s.NewOid(ctx); X(err)
	assert.True(oid2 > oid)
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// read-only database is not created
	_, _, err := Open(ctx, filepath.Join(dir, "nonexistent.sqlite"), &Options{ReadOnly: true})
	require.Error(t, err)

	for _, query := range []string{"?compress=z", "?poll=zzz"} {
		_, err = zodb.OpenStorage(ctx, "sqlite://"+filepath.Join(dir, "x.sqlite")+query, nil)
		require.Error(t, err, query)
	}
}
