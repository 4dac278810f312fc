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
)

// RollbackError is the error of savepoint rollback.
type RollbackError struct {
	Msg string
}

func (e *RollbackError) Error() string {
	return "rollback: " + e.Msg
}

// Savepoint represents savepoint of a transaction.
//
// It is created by Transaction.Savepoint.
type Savepoint struct {
	txn   *transaction
	datav []DataManagerSavepoint
}

// Savepoint implements Transaction.
//
// Data managers that join the transaction after the savepoint was made are
// not affected by its rollback.
func (txn *transaction) Savepoint(ctx context.Context) (_ *Savepoint, err error) {
	defer errContext(&err, "transaction: savepoint")

	txn.mu.Lock()
	txn.checkNotYetCompleting("savepoint")
	datav := append([]DataManager(nil), txn.datav...)
	txn.mu.Unlock()

	sp := &Savepoint{txn: txn}
	for _, dm := range datav {
		sdm, ok := dm.(SavepointDataManager)
		if !ok {
			return nil, fmt.Errorf("%T does not support savepoints", dm)
		}
		dmsp, err := sdm.Savepoint(ctx, txn)
		if err != nil {
			return nil, err
		}
		sp.datav = append(sp.datav, dmsp)
	}

	return sp, nil
}

// Rollback rolls the transaction back to the state it had at savepoint.
//
// It is possible to roll back to the same savepoint several times.
// Rollback after the transaction completed returns *RollbackError.
func (sp *Savepoint) Rollback(ctx context.Context) (err error) {
	if st := sp.txn.Status(); st != Active {
		return &RollbackError{Msg: fmt.Sprintf("savepoint of transaction that is %s", st)}
	}

	defer errContext(&err, "transaction: rollback")

	for _, dmsp := range sp.datav {
		err := dmsp.Rollback(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}
