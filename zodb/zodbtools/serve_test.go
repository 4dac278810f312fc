// Copyright (C) 2020  Nexedi SA and Contributors.
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

package zodbtools

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/go123/exc"
	"lab.nexedi.com/kirr/zconn/go/internal/xtesting"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

func TestServeConfig(t *testing.T) {
	assert := assert.New(t)
	work := t.TempDir()

	path := filepath.Join(work, "zeo.toml")
	err := ioutil.WriteFile(path, []byte(`
listen      = "/tmp/zeo.sock"
storage     = "data.db"
txn-timeout = "1m30s"
encoding    = "Z"
`), 0644)
	require.NoError(t, err)

	cfg := NewServeConfig()
	require.NoError(t, cfg.Load(path))
	assert.Equal("/tmp/zeo.sock", cfg.Listen)
	assert.Equal("data.db", cfg.Storage)
	assert.Equal("1", cfg.Name) // default kept
	assert.Equal("Z", cfg.Encoding)
	assert.Equal(90*time.Second, cfg.TxnTimeout.Duration)
	assert.NoError(cfg.Validate())

	net, addr := cfg.listenAddr()
	assert.Equal("unix", net.Network())
	assert.Equal("/tmp/zeo.sock", addr)

	// unknown keys and bad values are rejected
	err = ioutil.WriteFile(path, []byte(`listen = "x:1"` + "\n" + `lisen = "y:2"`), 0644)
	require.NoError(t, err)
	assert.Error(NewServeConfig().Load(path))

	err = ioutil.WriteFile(path, []byte(`txn-timeout = "soon"`), 0644)
	require.NoError(t, err)
	assert.Error(NewServeConfig().Load(path))

	cfg = NewServeConfig()
	assert.Error(cfg.Validate(), "no storage")
	cfg.Storage = "mem://"
	cfg.Encoding = "J"
	assert.Error(cfg.Validate())
}

func TestServe(t *testing.T) {
	X := exc.Raiseif
	bg := context.Background()

	back := openTestDB(t)
	cfg := NewServeConfig()
	cfg.Storage = back.URL()
	cfg.Listen = filepath.Join(t.TempDir(), "zeo.sock")
	cfg.ResolveConflicts = true

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, cfg)
	}()

	// wait for the server to start listening
	var stor zodb.IStorage
	var err error
	for i := 0; ; i++ {
		stor, err = zodb.OpenStorage(bg, "zeo://"+cfg.Listen, nil)
		if err == nil {
			break
		}
		if i == 100 {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	oid, err := stor.NewOid(bg); X(err)
	tid, err := xtesting.Commit(bg, stor, "via zeo", xtesting.RawObj{Oid: oid, Data: []byte("served")}); X(err)
	X(stor.Close())

	data, serial, err := back.Load(bg, oid, ""); X(err)
	require.Equal(t, tid, serial)
	require.Equal(t, []byte("served"), data)

	cancel()
	err = <-done
	require.Error(t, err)
	require.True(t, ctx.Err() != nil)
}
