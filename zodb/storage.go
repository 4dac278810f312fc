// Copyright (C) 2017-2019  Nexedi SA and Contributors.
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
// IStorage wrapper over IStorageDriver

import (
	"context"
	"fmt"
	"sync"

	"lab.nexedi.com/kirr/zconn/go/transaction"
)

// storage represents storage opened via OpenStorage.
//
// it fans out driver events to watchers and provides uniform access to
// optional driver functionality.
type storage struct {
	driver   IStorageDriver
	readOnly bool

	down     chan struct{} // ready when no longer operational
	downOnce sync.Once     // shutdown may be due to both Close and IO error in watcher
	downErr  error         // reason for shutdown

	// watcher
	drvWatchq chan Event                // watchq passed to driver
	drvHead   Tid                       // last tid received from drvWatchq
	watchReq  chan watchRequest         // {Add,Del}Watch requests go here
	watchTab  map[chan<- Event]struct{} // registered watchers

	// when watcher is closed (.down is ready) {Add,Del}Watch operate directly
	// on .watchTab and interact with each other directly. In that mode:
	watchMu     sync.Mutex                     // for watchTab and * below
	watchCancel map[chan<- Event]chan struct{} // DelWatch can cancel AddWatch via here
}

func (s *storage) URL() string { return s.driver.URL() }

// UUID returns persistent identity of the database, if the driver has one.
func (s *storage) UUID() string {
	if d, ok := s.driver.(interface{ UUID() string }); ok {
		return d.UUID()
	}
	return ""
}

func (s *storage) shutdown(reason error) {
	s.downOnce.Do(func() {
		close(s.down)
		s.downErr = fmt.Errorf("not operational due: %s", reason)
	})
}

func (s *storage) Close() error {
	s.shutdown(fmt.Errorf("closed"))
	return s.driver.Close() // this will close drvWatchq and cause watcher stop
}

// checkUp returns error if the storage is no longer operational.
func (s *storage) checkUp(op string, args interface{}) error {
	if ready(s.down) {
		return s.zerr(op, args, s.downErr)
	}
	return nil
}

func (s *storage) LastTid(ctx context.Context) (Tid, error) {
	if err := s.checkUp("last_tid", nil); err != nil {
		return InvalidTid, err
	}
	return s.driver.LastTid(ctx)
}

func (s *storage) NewOid(ctx context.Context) (Oid, error) {
	if err := s.checkUp("new_oid", nil); err != nil {
		return InvalidOid, err
	}
	if s.readOnly {
		return InvalidOid, s.zerr("new_oid", nil, &ReadOnlyError{})
	}
	return s.driver.NewOid(ctx)
}

func (s *storage) Load(ctx context.Context, oid Oid, version string) ([]byte, Tid, error) {
	if err := s.checkUp("load", oid); err != nil {
		return nil, InvalidTid, err
	}
	return s.driver.Load(ctx, oid, version)
}

func (s *storage) Store(ctx context.Context, oid Oid, serial Tid, data []byte, refs []Oid, version string, txn transaction.Transaction) ([]StoreReply, error) {
	if s.readOnly {
		return nil, s.zerr("store", oid, &ReadOnlyError{})
	}
	if err := s.checkUp("store", oid); err != nil {
		return nil, err
	}
	return s.driver.Store(ctx, oid, serial, data, refs, version, txn)
}

func (s *storage) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	if s.readOnly {
		return s.zerr("tpc_begin", nil, &ReadOnlyError{})
	}
	if err := s.checkUp("tpc_begin", nil); err != nil {
		return err
	}
	return s.driver.TPCBegin(ctx, txn)
}

func (s *storage) TPCVote(ctx context.Context, txn transaction.Transaction) ([]StoreReply, error) {
	if err := s.checkUp("tpc_vote", nil); err != nil {
		return nil, err
	}
	return s.driver.TPCVote(ctx, txn)
}

func (s *storage) TPCFinish(ctx context.Context, txn transaction.Transaction, onCommit func(Tid)) (Tid, error) {
	if err := s.checkUp("tpc_finish", nil); err != nil {
		return InvalidTid, err
	}
	return s.driver.TPCFinish(ctx, txn, onCommit)
}

// TPCAbort goes to driver even if storage is down so that it can release
// transaction resources.
func (s *storage) TPCAbort(ctx context.Context, txn transaction.Transaction) error {
	return s.driver.TPCAbort(ctx, txn)
}

// ---- optional functionality ----

func (s *storage) UndoInfo(ctx context.Context, first, last int) ([]TxnInfo, error) {
	if err := s.checkUp("undo_info", nil); err != nil {
		return nil, err
	}
	u, ok := s.driver.(IUndoStorage)
	if !ok {
		return nil, s.zerr("undo_info", nil, ErrNotSupported)
	}
	return u.UndoInfo(ctx, first, last)
}

func (s *storage) Undo(ctx context.Context, tid Tid, txn transaction.Transaction) ([]Oid, error) {
	if s.readOnly {
		return nil, s.zerr("undo", tid, &ReadOnlyError{})
	}
	if err := s.checkUp("undo", tid); err != nil {
		return nil, err
	}
	u, ok := s.driver.(IUndoStorage)
	if !ok {
		return nil, s.zerr("undo", tid, ErrNotSupported)
	}
	return u.Undo(ctx, tid, txn)
}

func (s *storage) Iterate(ctx context.Context, tidMin, tidMax Tid) ITxnIterator {
	it, ok := s.driver.(IIterableStorage)
	if !ok {
		return &errIterator{s.zerr("iterate", nil, ErrNotSupported)}
	}
	return it.Iterate(ctx, tidMin, tidMax)
}

func (s *storage) Sync(ctx context.Context) error {
	if err := s.checkUp("sync", nil); err != nil {
		return err
	}
	syncer, ok := s.driver.(ISyncer)
	if !ok {
		return nil // nothing to catch up with
	}
	return syncer.Sync(ctx)
}

func (s *storage) SetConflictResolver(resolve ConflictResolverFunc) {
	if r, ok := s.driver.(IConflictResolvingStorage); ok {
		r.SetConflictResolver(resolve)
	}
}

// errIterator is ITxnIterator that returns an error.
type errIterator struct {
	err error
}

func (it *errIterator) NextTxn(_ context.Context) (*TxnInfo, IDataIterator, error) {
	return nil, nil, it.err
}

// ---- watcher ----

// watchRequest represents request to add/del a watch.
type watchRequest struct {
	op     watchOp      // add or del
	ack    chan Tid     // when request processed: at0 for add, ø for del.
	watchq chan<- Event // {Add,Del}Watch argument
}

type watchOp int

const (
	addWatch watchOp = 0
	delWatch watchOp = 1
)

// watcher dispatches events from driver to subscribers and serves
// {Add,Del}Watch requests.
func (s *storage) watcher() {
	err := s._watcher()
	s.shutdown(err)
}

func (s *storage) _watcher() error {
	// staging place for AddWatch requests.
	//
	// during event delivery to registered watchqs, add/del requests are
	// also served - not to get stuck and support clients who do DelWatch
	// and no longer receive from their watchq. However we cannot register
	// added watchq immediately, because it is undefined whether or not
	// we'll see it while iterating watchTab map. So we queue what was
	// added and flush it to watchTab on the beginning of each cycle.
	var addq map[chan<- Event]struct{}
	addqFlush := func() {
		for watchq := range addq {
			s.watchTab[watchq] = struct{}{}
		}
		addq = make(map[chan<- Event]struct{})
	}
	serveReq := func(req watchRequest) {
		switch req.op {
		case addWatch:
			_, already := s.watchTab[req.watchq]
			if !already {
				_, already = addq[req.watchq]
			}
			if already {
				req.ack <- InvalidTid
				return
			}

			addq[req.watchq] = struct{}{}

		case delWatch:
			delete(s.watchTab, req.watchq)
			delete(addq, req.watchq)

		default:
			panic("bad watch request op")
		}

		req.ack <- s.drvHead
	}

	// close all subscribers's watchq on watcher shutdow
	defer func() {
		addqFlush()
		for watchq := range s.watchTab {
			close(watchq)
		}
	}()

	var errDown error
	for {
		if errDown != nil {
			return errDown
		}

		addqFlush() // register staged AddWatch(s)

		select {
		case req := <-s.watchReq:
			serveReq(req)

		case event, ok := <-s.drvWatchq:
			if !ok {
				// storage closed
				return nil
			}

			switch e := event.(type) {
			default:
				panic(fmt.Sprintf("unexpected event: %T", e))

			case *EventError:
				// ok

			case *EventCommit:
				// verify event.Tid ↑
				// if !↑ - stop the storage with error.
				if !(e.Tid > s.drvHead) {
					errDown = fmt.Errorf(
						"%s: storage error: notified with δ.tid not ↑ (%s -> %s)",
						s.URL(), s.drvHead, e.Tid)
					event = &EventError{errDown}
				} else {
					s.drvHead = e.Tid
				}
			}

			// deliver event to all watchers.
			// handle add/del watchq in the process.
		next:
			for watchq := range s.watchTab {
				for {
					select {
					case req := <-s.watchReq:
						serveReq(req)
						// if watchq was removed - we have to skip sending to it
						// else try sending to current watchq once again.
						_, present := s.watchTab[watchq]
						if !present {
							continue next
						}

					case watchq <- event:
						// ok
						continue next
					}
				}
			}
		}
	}
}

// AddWatch implements Watcher.
func (s *storage) AddWatch(watchq chan<- Event) (at0 Tid) {
	ack := make(chan Tid)
	select {
	// no longer operational: behave if watchq was registered before that
	// and then seen down/close events. Interact with DelWatch directly.
	case <-s.down:
		at0 = s.drvHead

		s.watchMu.Lock()
		_, already := s.watchTab[watchq]
		if already {
			s.watchMu.Unlock()
			panic("multiple AddWatch with the same channel")
		}
		s.watchTab[watchq] = struct{}{}
		cancel := make(chan struct{})
		s.watchCancel[watchq] = cancel
		s.watchMu.Unlock()

		go func() {
			if s.downErr != nil {
				select {
				case <-cancel:
					return

				case watchq <- &EventError{s.downErr}:
					// ok
				}
			}
			close(watchq)
		}()

		return at0

	// operational - interact with watcher
	case s.watchReq <- watchRequest{addWatch, ack, watchq}:
		at0 = <-ack
		if at0 == InvalidTid {
			panic("multiple AddWatch with the same channel")
		}
		return at0
	}
}

// DelWatch implements Watcher.
func (s *storage) DelWatch(watchq chan<- Event) {
	ack := make(chan Tid)
	select {
	// no longer operational - interact with AddWatch directly.
	case <-s.down:
		s.watchMu.Lock()
		delete(s.watchTab, watchq)
		cancel := s.watchCancel[watchq]
		if cancel != nil {
			delete(s.watchCancel, watchq)
			close(cancel)
		}
		s.watchMu.Unlock()

	// operational - interact with watcher
	case s.watchReq <- watchRequest{delWatch, ack, watchq}:
		<-ack
	}
}


// ---- misc ----

// zerr turns err into OpError about s.op(args)
func (s *storage) zerr(op string, args interface{}, err error) *OpError {
	return &OpError{URL: s.URL(), Op: op, Args: args, Err: err}
}

// ready returns whether channel is ready.
//
// it should be used only on channels that are intended to be closed.
func ready(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
