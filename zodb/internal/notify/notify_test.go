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

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/zconn/go/zodb"
)

func commit(tid zodb.Tid) *zodb.EventCommit {
	return &zodb.EventCommit{Tid: tid, Changev: []zodb.Oid{zodb.Oid(tid)}}
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	watchq := make(chan zodb.Event)
	q := New(watchq)

	// Send does not wait for the watcher
	for tid := zodb.Tid(1); tid <= 3; tid++ {
		q.Send(commit(tid))
	}

	flushed := make(chan error, 1)
	go func() {
		flushed <- q.Flush(ctx)
	}()

	for tid := zodb.Tid(1); tid <= 3; tid++ {
		select {
		case err := <-flushed:
			t.Fatalf("flush returned before all events were delivered: %v", err)
		default:
		}
		event := <-watchq
		require.Equal(t, commit(tid), event)
	}
	require.NoError(t, <-flushed)

	// nothing pending
	require.NoError(t, q.Flush(ctx))

	// Flush is bounded by ctx
	q.Send(commit(4))
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, q.Flush(ctx2))

	// Close drops undelivered events and closes watchq
	q.Close()
	_, ok := <-watchq
	require.False(t, ok)
	q.Send(commit(5))
	q.Close()
}

func TestQueueNoWatcher(t *testing.T) {
	q := New(nil)
	q.Send(commit(1))
	require.NoError(t, q.Flush(context.Background()))
	q.Close()
}
