// Copyright (c) 2001, 2002 Zope Foundation and Contributors.
// All Rights Reserved.
//
// Copyright (C) 2018  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This software is subject to the provisions of the Zope Public License,
// Version 2.1 (ZPL).  A copy of the ZPL should accompany this distribution.
// THIS SOFTWARE IS PROVIDED "AS IS" AND ANY AND ALL EXPRESS OR IMPLIED
// WARRANTIES ARE DISCLAIMED, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
// WARRANTIES OF TITLE, MERCHANTABILITY, AGAINST INFRINGEMENT, AND FITNESS
// FOR A PARTICULAR PURPOSE.

package transaction

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/zconn/go/internal/log"
)

// transaction implements Transaction.
type transaction struct {
	mu     sync.Mutex
	status Status
	datav  []DataManager
	syncv  []Synchronizer

	// metadata
	user        string
	description string
	extension   string
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// begin switches transaction into completing state and returns data managers
// and synchronizers that participate in completion.
func (txn *transaction) begin(who string, status Status) (datav []DataManager, syncv []Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting(who)
	txn.status = status

	datav = txn.datav; txn.datav = nil
	syncv = txn.syncv; txn.syncv = nil
	return datav, syncv
}

func (txn *transaction) setStatus(status Status) {
	txn.mu.Lock()
	txn.status = status
	txn.mu.Unlock()
}

// Commit implements Transaction.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	defer errContext(&err, "transaction: commit")

	datav, syncv := txn.begin("commit", Committing)
	defer txn.afterCompletion(syncv)

	err = txn.beforeCompletion(ctx, syncv)
	if err != nil {
		// two-phase commit did not start - plain abort is enough
		txn.abortv(ctx, datav)
		txn.setStatus(CommitFailed)
		return err
	}

	err = txn.tpc(ctx, datav)
	if err != nil {
		for _, dm := range datav {
			err2 := dm.TPCAbort(ctx, txn)
			if err2 != nil {
				log.Errorf(ctx, "transaction: tpc_abort %T: %s", dm, err2)
			}
		}
		txn.setStatus(CommitFailed)
		return err
	}

	// finish
	var errv xerr.Errorv
	for _, dm := range datav {
		errv.Appendif(dm.TPCFinish(ctx, txn))
	}
	err = errv.Err()
	if err != nil {
		txn.setStatus(CommitFailed)
		return err
	}

	txn.setStatus(Committed)
	return nil
}

// tpc runs first phase of two-phase commit over datav.
func (txn *transaction) tpc(ctx context.Context, datav []DataManager) error {
	for _, dm := range datav {
		err := dm.TPCBegin(ctx, txn)
		if err != nil {
			return err
		}
	}
	for _, dm := range datav {
		err := dm.Commit(ctx, txn)
		if err != nil {
			return err
		}
	}
	for _, dm := range datav {
		err := dm.TPCVote(ctx, txn)
		if err != nil {
			return err
		}
	}
	return nil
}

// Abort implements Transaction.
func (txn *transaction) Abort(ctx context.Context) (err error) {
	defer errContext(&err, "transaction: abort")

	datav, syncv := txn.begin("abort", Aborting)
	defer txn.afterCompletion(syncv)

	var errv xerr.Errorv
	errv.Appendif(txn.beforeCompletion(ctx, syncv))
	errv.Appendif(txn.abortv(ctx, datav))

	txn.setStatus(Aborted)
	return errv.Err()
}

// abortv runs Abort on all data managers in parallel.
func (txn *transaction) abortv(ctx context.Context, datav []DataManager) error {
	n := len(datav)
	wg := sync.WaitGroup{}
	wg.Add(n)
	errv := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			errv[i] = datav[i].Abort(ctx, txn)
		}()
	}
	wg.Wait()

	ev := xerr.Errorv{}
	for _, err := range errv {
		ev.Appendif(err)
	}
	return ev.Err()
}

// beforeCompletion notifies syncv that transaction is going to be completed.
func (txn *transaction) beforeCompletion(ctx context.Context, syncv []Synchronizer) error {
	var errv xerr.Errorv
	for _, sync := range syncv {
		errv.Appendif(sync.BeforeCompletion(ctx, txn))
	}
	return errv.Err()
}

func (txn *transaction) afterCompletion(syncv []Synchronizer) {
	for _, sync := range syncv {
		sync.AfterCompletion(txn)
	}
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("join")

	for _, dm2 := range txn.datav {
		if dm2 == dm {
			return
		}
	}
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("register sync")

	for _, sync2 := range txn.syncv {
		if sync2 == sync {
			return
		}
	}
	txn.syncv = append(txn.syncv, sync)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// and panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active:
		// ok
	default:
		panic(fmt.Sprintf("transaction: %s: transaction completion already began (%s)", who, txn.status))
	}
}

// ---- meta ----

func (txn *transaction) User() string {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.user
}

func (txn *transaction) Description() string {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.description
}

func (txn *transaction) Extension() string {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.extension
}

func (txn *transaction) SetUser(user string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.user = user
}

func (txn *transaction) Note(text string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	text = strings.TrimSpace(text)
	if txn.description != "" {
		txn.description += "\n"
	}
	txn.description += text
}

func (txn *transaction) SetExtension(ext string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.extension = ext
}

// errContext prefixes *errp with context, keeping the cause reachable
// via errors.Is/As.
func errContext(errp *error, context string) {
	if *errp != nil {
		*errp = errors.WithMessage(*errp, context)
	}
}
