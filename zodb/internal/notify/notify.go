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

// Package notify provides in-order delivery of storage events to a watcher.
//
// Storage drivers use it to report commits of other clients to Watchq
// without making the committer wait for the watcher.
package notify

import (
	"context"
	"sync"

	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// Queue delivers events to watchq in order.
//
// Send never blocks: a committer holding commit lock does not wait for a slow
// watcher.
type Queue struct {
	watchq chan<- zodb.Event // nil if client does not watch

	mu       sync.Mutex
	queue    []zodb.Event
	npending int             // queued + being delivered
	waiters  []chan struct{} // flush waiters; closed when npending becomes 0
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates Queue delivering to watchq.
//
// watchq can be nil, in which case events are discarded.
func New(watchq chan<- zodb.Event) *Queue {
	n := &Queue{
		watchq: watchq,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Send queues event for delivery.
func (n *Queue) Send(event zodb.Event) {
	n.mu.Lock()
	if n.closed || n.watchq == nil {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, event)
	n.npending++
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Queue) run() {
	defer close(n.done)
	for {
		select {
		case <-n.stop:
			return
		case <-n.wake:
		}

		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			event := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()

			select {
			case <-n.stop:
				return
			case n.watchq <- event:
			}

			n.mu.Lock()
			n.npending--
			if n.npending == 0 {
				for _, w := range n.waiters {
					close(w)
				}
				n.waiters = nil
			}
			n.mu.Unlock()
		}
	}
}

// Flush waits for events queued before the call to be delivered.
func (n *Queue) Flush(ctx context.Context) error {
	n.mu.Lock()
	if n.npending == 0 {
		n.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	n.waiters = append(n.waiters, w)
	n.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return nil
	case <-w:
		return nil
	}
}

// Close stops delivery and closes watchq.
//
// Events not yet delivered are dropped.
func (n *Queue) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.stop)
	<-n.done
	if n.watchq != nil {
		close(n.watchq)
	}
}
