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

package zeo

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/zconn/go/internal/xtesting"
	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
	_ "lab.nexedi.com/kirr/zconn/go/zodb/storage/mem"
)

var dbCounter int32

// tServer is ZEO server run in-process for tests.
type tServer struct {
	t      *testing.T
	back   zodb.IStorage // served storage
	opt    *ServerOptions
	sock   string // unix socket path
	cancel func()
	done   chan error
}

// newServer starts ZEO server over new in-RAM database.
func newServer(t *testing.T, opt *ServerOptions) *tServer {
	t.Helper()
	X := xtesting.FatalIf(t)

	name := fmt.Sprintf("mem://zeo-%d", atomic.AddInt32(&dbCounter, 1))
	back, err := zodb.OpenStorage(context.Background(), name, nil); X(err)

	s := &tServer{t: t, back: back, opt: opt, sock: filepath.Join(t.TempDir(), "zeo.sock")}
	s.start()
	t.Cleanup(func() {
		s.stop()
		X(back.Close())
	})
	return s
}

func (s *tServer) start() {
	s.t.Helper()
	l, err := net.Listen("unix", s.sock)
	if err != nil {
		s.t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	srv := NewServer(s.back, s.opt)
	go func() {
		s.done <- srv.Serve(ctx, l)
	}()
}

func (s *tServer) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *tServer) zurl() string {
	return "zeo://" + s.sock
}

// open opens client storage connected to the server.
func (s *tServer) open(opt *zodb.OpenOptions, params string) zodb.IStorage {
	s.t.Helper()
	zurl := s.zurl()
	if params != "" {
		zurl += "?" + params
	}
	stor, err := zodb.OpenStorage(context.Background(), zurl, opt)
	if err != nil {
		s.t.Fatal(err)
	}
	s.t.Cleanup(func() {
		stor.Close()
	})
	return stor
}

// forEachEncoding runs f for both wire encodings.
func forEachEncoding(t *testing.T, f func(t *testing.T, enc byte)) {
	for _, enc := range []byte("MZ") {
		enc := enc
		t.Run(string(enc), func(t *testing.T) {
			f(t, enc)
		})
	}
}

func TestBasic(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, enc byte) {
		s := newServer(t, &ServerOptions{Encoding: enc})
		xtesting.DrvTestBasic(t, s.open(nil, ""))
	})
}

func TestVersion(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, enc byte) {
		s := newServer(t, &ServerOptions{Encoding: enc})
		xtesting.DrvTestVersion(t, s.open(nil, ""))
	})
}

func TestUndo(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, enc byte) {
		s := newServer(t, &ServerOptions{Encoding: enc})
		xtesting.DrvTestUndo(t, s.open(nil, ""))
	})
}

func TestWatch(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, enc byte) {
		s := newServer(t, &ServerOptions{Encoding: enc})
		xtesting.DrvTestWatch(t, s.open(nil, ""), s.open(nil, ""))
	})
}

func TestReadOnly(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, enc byte) {
		ctx := context.Background()
		X := xtesting.FatalIf(t)

		s := newServer(t, &ServerOptions{Encoding: enc})
		stor := s.open(nil, "")
		oid, err := stor.NewOid(ctx); X(err)
		_, err = xtesting.Commit(ctx, stor, "init", xtesting.RawObj{Oid: oid, Data: []byte("data")}); X(err)

		xtesting.DrvTestReadOnly(t, s.open(&zodb.OpenOptions{ReadOnly: true}, ""), oid)
	})
}

// TCP transport and storage name.
func TestTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	X := xtesting.FatalIf(t)

	back, err := zodb.OpenStorage(ctx, "mem://", nil); X(err)
	defer back.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0"); X(err)
	srv := NewServer(back, &ServerOptions{StorageID: "main"})
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, l)
	}()
	defer func() {
		cancel()
		<-done
	}()

	zurl := "zeo://" + l.Addr().String()
	_, err = zodb.OpenStorage(ctx, zurl, nil)
	require.Error(t, err, "registering to unknown storage")

	stor, err := zodb.OpenStorage(ctx, zurl+"?storage=main", nil); X(err)
	defer stor.Close()

	oid, err := stor.NewOid(ctx); X(err)
	tid, err := xtesting.Commit(ctx, stor, "tcp", xtesting.RawObj{Oid: oid, Data: []byte("hello")}); X(err)

	data, serial, err := back.Load(ctx, oid, ""); X(err)
	require.Equal(t, tid, serial)
	require.Equal(t, []byte("hello"), data)
}

// waitEvent waits for next event on watchq.
func waitEvent(t *testing.T, watchq chan zodb.Event) zodb.Event {
	t.Helper()
	select {
	case event := <-watchq:
		return event
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// Commits done bypassing the server are reported to clients, including those
// done while the client was disconnected.
func TestInvalidations(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, enc byte) {
		ctx := context.Background()
		X := xtesting.FatalIf(t)

		s := newServer(t, &ServerOptions{Encoding: enc})
		stor := s.open(nil, "")
		watchq := make(chan zodb.Event)
		at0 := stor.AddWatch(watchq)
		defer stor.DelWatch(watchq)
		require.Equal(t, zodb.Tid(0), at0)

		// another client of the database behind the server
		back2, err := zodb.OpenStorage(ctx, s.back.URL(), nil); X(err)
		defer back2.Close()

		oid, err := back2.NewOid(ctx); X(err)
		tid1, err := xtesting.Commit(ctx, back2, "bypass", xtesting.RawObj{Oid: oid, Data: []byte("1")}); X(err)
		event := waitEvent(t, watchq)
		want := &zodb.EventCommit{Tid: tid1, Changev: []zodb.Oid{oid}}
		if diff := pretty.Compare(want, event); diff != "" {
			t.Fatalf("bypass commit: (-want +have):\n%s", diff)
		}

		// commits done while the server is down are caught up after reconnect
		s.stop()
		tid2, err := xtesting.Commit(ctx, back2, "offline", xtesting.RawObj{Oid: oid, Serial: tid1, Data: []byte("2")}); X(err)
		s.start()

		syncDone := make(chan error, 1)
		go func() {
			syncDone <- stor.Sync(ctx)
		}()
		event = waitEvent(t, watchq)
		want = &zodb.EventCommit{Tid: tid2, Changev: []zodb.Oid{oid}}
		if diff := pretty.Compare(want, event); diff != "" {
			t.Fatalf("catch-up: (-want +have):\n%s", diff)
		}
		X(<-syncDone)

		data, serial, err := stor.Load(ctx, oid, ""); X(err)
		require.Equal(t, tid2, serial)
		require.Equal(t, []byte("2"), data)
	})
}

// Losing connection in the middle of commit.
func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	s := newServer(t, nil)
	stor := s.open(nil, "")

	oid, err := stor.NewOid(ctx); X(err)
	txn, _ := transaction.New(ctx)
	X(stor.TPCBegin(ctx, txn))
	_, err = stor.Store(ctx, oid, 0, []byte("lost"), nil, "", txn); X(err)

	s.stop()

	_, err = stor.TPCVote(ctx, txn)
	require.True(t, zodb.IsDisconnected(err), "vote after disconnect: %v", err)
	X(stor.TPCAbort(ctx, txn))

	// the server aborted the transaction of disconnected client
	head, err := s.back.LastTid(ctx); X(err)
	require.Equal(t, zodb.Tid(0), head)

	// calls fail while the server is down
	_, _, err = stor.Load(ctx, oid, "")
	require.True(t, zodb.IsDisconnected(err), "load while server is down: %v", err)

	// and the client reconnects when it is up again
	s.start()
	tid, err := xtesting.Commit(ctx, stor, "after reconnect", xtesting.RawObj{Oid: oid, Data: []byte("ok")}); X(err)
	_, serial, err := s.back.Load(ctx, oid, ""); X(err)
	require.Equal(t, tid, serial)
}

// Server aborts voted transaction that is not finished in time.
func TestTxnTimeout(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)

	s := newServer(t, &ServerOptions{TxnTimeout: 50 * time.Millisecond})
	stor := s.open(nil, "")

	oid, err := stor.NewOid(ctx); X(err)
	txn, _ := transaction.New(ctx)
	X(stor.TPCBegin(ctx, txn))
	_, err = stor.Store(ctx, oid, 0, []byte("slow"), nil, "", txn); X(err)
	_, err = stor.TPCVote(ctx, txn); X(err)

	time.Sleep(300 * time.Millisecond)
	_, err = stor.TPCFinish(ctx, txn, nil)
	require.True(t, zodb.IsDisconnected(err), "finish after timeout: %v", err)
	X(stor.TPCAbort(ctx, txn))

	// commit lock of the server is released
	_, err = xtesting.Commit(ctx, stor, "fast", xtesting.RawObj{Oid: oid, Data: []byte("fast")}); X(err)
}

// Client gives up on calls the server does not answer in time.
func TestCallTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	X := xtesting.FatalIf(t)

	// server that registers clients but never answers ping
	sock := filepath.Join(t.TempDir(), "stuck.sock")
	l, err := net.Listen("unix", sock); X(err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				zl, err := serverHandshake(ctx, conn, 'M')
				if err != nil {
					return
				}
				defer zl.Close()
				zl.Serve(nil, map[string]serveFunc{
					"register": func(ctx context.Context, argv []interface{}) (interface{}, error) {
						return zl.enc.tidPack(0), nil
					},
					"ping": func(ctx context.Context, argv []interface{}) (interface{}, error) {
						<-ctx.Done()
						return nil, ctx.Err()
					},
				})
			}()
		}
	}()

	stor, err := zodb.OpenStorage(ctx, "zeo://"+sock+"?timeout=100ms", nil); X(err)
	defer stor.Close()

	err = stor.Sync(ctx)
	require.True(t, zodb.IsDisconnected(err), "sync with stuck server: %v", err)
}

func TestOpenBadURL(t *testing.T) {
	_, err := zodb.OpenStorage(context.Background(), "zeo://localhost:1?timeout=zzz", nil)
	require.Error(t, err)
}

// Messages and errors pass through the wire codec.
func TestCodec(t *testing.T) {
	forEachEncoding(t, func(t *testing.T, e byte) {
		X := xtesting.FatalIf(t)
		enc := encoding(e)

		roundtrip := func(m msg) msg {
			t.Helper()
			pkb, err := enc.pktEncode(m); X(err)
			defer pkb.Free()
			m2, err := enc.pktDecode(pkb); X(err)
			return m2
		}

		m := roundtrip(msg{msgid: 7, flags: msgAsync, method: "storea",
			arg: enc.tuple(enc.oidPack(1), enc.tidPack(0x0102030405060708), enc.bytes([]byte("data")), "")})
		require.Equal(t, int64(7), m.msgid)
		require.Equal(t, msgAsync, m.flags)
		require.Equal(t, "storea", m.method)
		argv, ok := enc.asTuple(m.arg)
		require.True(t, ok)
		require.Len(t, argv, 4)
		oid, ok := enc.oidUnpack(argv[0])
		require.True(t, ok)
		require.Equal(t, zodb.Oid(1), oid)
		tid, ok := enc.tidUnpack(argv[1])
		require.True(t, ok)
		require.Equal(t, zodb.Tid(0x0102030405060708), tid)
		data, ok := enc.asBytes(argv[2])
		require.True(t, ok)
		require.Equal(t, []byte("data"), data)

		m = roundtrip(msg{msgid: 1, method: "loadEx", arg: enc.none()})
		require.True(t, enc.isNone(m.arg))

		// errors survive being sent as exceptions
		errv := []error{
			&zodb.NoObjectError{Oid: 3},
			&zodb.NoDataError{Oid: 3, DeletedAt: 5},
			&zodb.ConflictError{Kind: zodb.WriteConflict, Oid: 1, Serial: 2, CommittedSerial: 3},
			&zodb.ConflictError{Kind: zodb.ReadConflict, Oid: 1},
			&zodb.UndoError{Tid: 4, Oids: []zodb.Oid{1, 2}, Reason: "conflict"},
			&zodb.StorageTransactionError{Msg: "not committing"},
			&zodb.ReadOnlyError{},
		}
		for _, err := range errv {
			m := roundtrip(msg{msgid: 2, flags: msgExcept, method: ".reply", arg: enc.excEncode(err)})
			xexc, ok := enc.asTuple(m.arg)
			require.True(t, ok)
			require.Len(t, xexc, 2)
			exc, ok := enc.asString(xexc[0])
			require.True(t, ok)
			xargv, ok := enc.asTuple(xexc[1])
			require.True(t, ok)

			err2 := enc.excError(exc, xargv)
			if diff := pretty.Compare(err, err2); diff != "" {
				t.Errorf("%s: (-want +have):\n%s", err, diff)
			}
		}

		// unknown errors are passed as server exceptions
		exc, argv := enc.excOf(fmt.Errorf("disk full"))
		require.Equal(t, excServerError, exc)
		require.Equal(t, []interface{}{"disk full"}, argv)
		require.Error(t, enc.excError(exc, argv))
	})
}
