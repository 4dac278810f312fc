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

package zodb
// errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/zconn/go/transaction"
)

// ErrNotSupported is the error cause when a storage does not support
// requested operation.
var ErrNotSupported = errors.New("operation not supported")

// OpError is the error returned by IStorageDriver operations.
type OpError struct {
	URL  string      // URL of the storage
	Op   string      // operation that failed
	Args interface{} // operation arguments, if any
	Err  error       // actual error that occurred during the operation
}

func (e *OpError) Error() string {
	s := e.URL + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %s", e.Args)
	}
	s += ": " + e.Err.Error()
	return s
}

func (e *OpError) Cause() error  { return e.Err }
func (e *OpError) Unwrap() error { return e.Err }


// NoObjectError is the error which tells that there is no such object in the database at all.
type NoObjectError struct {
	Oid Oid
}

func (e *NoObjectError) Error() string {
	return fmt.Sprintf("%s: no such object", e.Oid)
}

// NoDataError is the error which tells that object exists in the database,
// but there is no its non-empty revision.
//
// This happens e.g. after undo of the transaction that created the object.
type NoDataError struct {
	Oid       Oid
	DeletedAt Tid // transaction that deleted the object
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("%s: object was deleted @%s", e.Oid, e.DeletedAt)
}

// IsNotFound returns whether err is, or is caused by, absence of object data.
//
// Both never created and deleted objects are reported as not found.
func IsNotFound(err error) bool {
	var e1 *NoObjectError
	var e2 *NoDataError
	return errors.As(err, &e1) || errors.As(err, &e2)
}


// ConflictKind tells which kind of conflict ConflictError is about.
type ConflictKind int

const (
	// WriteConflict - a transaction tries to store an object that was
	// changed by another transaction after it was read.
	WriteConflict ConflictKind = iota

	// ReadConflict - a transaction reads an object that was changed by
	// another transaction committed after the current transaction began.
	ReadConflict
)

// ConflictError is the error that tells about conflict in between transactions.
//
// The only recovery from a conflict is to retry the whole transaction.
type ConflictError struct {
	Kind ConflictKind
	Oid  Oid

	// for write conflicts: the serial the transaction based its change
	// on, and the serial currently committed in the database (0 if unknown).
	Serial          Tid
	CommittedSerial Tid
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ReadConflict:
		return fmt.Sprintf("database read conflict error (oid %s)", e.Oid)

	default:
		s := fmt.Sprintf("database conflict error (oid %s", e.Oid)
		if e.Serial != 0 {
			s += fmt.Sprintf(", serial this txn started with %s", e.Serial)
		}
		// 0 - committed serial is not known
		if e.CommittedSerial != 0 {
			s += fmt.Sprintf(", serial currently committed %s", e.CommittedSerial)
		}
		return s + ")"
	}
}

// IsConflict returns whether err is, or is caused by, a conflict.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsReadConflict returns whether err is, or is caused by, a read conflict.
func IsReadConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e) && e.Kind == ReadConflict
}

// IsWriteConflict returns whether err is, or is caused by, a write conflict.
func IsWriteConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e) && e.Kind == WriteConflict
}


// StorageTransactionError is the error which tells that a storage operation
// was invoked for a transaction that is not currently being committed.
type StorageTransactionError struct {
	Msg string
}

func (e *StorageTransactionError) Error() string {
	return "storage transaction error: " + e.Msg
}

// RollbackError is the error of savepoint rollback.
//
// It is shared with package transaction which reports rollback of a
// savepoint of already completed transaction.
type RollbackError = transaction.RollbackError

// UndoError is the error which tells that a transaction cannot be undone.
type UndoError struct {
	Tid    Tid   // transaction that was tried to be undone
	Oids   []Oid // objects that could not be undone, if known
	Reason string
}

func (e *UndoError) Error() string {
	s := fmt.Sprintf("undo %s: %s", e.Tid, e.Reason)
	if len(e.Oids) > 0 {
		oidv := make([]string, len(e.Oids))
		for i, oid := range e.Oids {
			oidv[i] = oid.String()
		}
		s += " (oid " + strings.Join(oidv, ", ") + ")"
	}
	return s
}

// TransactionError is the error about transaction protocol misuse, e.g.
// closing a connection while its transaction is still active.
type TransactionError struct {
	Msg string
}

func (e *TransactionError) Error() string {
	return "transaction error: " + e.Msg
}

// ReadOnlyError is the error which tells that a write operation was invoked
// on read-only storage.
type ReadOnlyError struct{}

func (e *ReadOnlyError) Error() string {
	return "storage is read-only"
}

// IsReadOnly returns whether err is, or is caused by, *ReadOnlyError.
func IsReadOnly(err error) bool {
	var e *ReadOnlyError
	return errors.As(err, &e)
}

// DisconnectedError is the error which tells that connection to a remote
// storage server was lost.
type DisconnectedError struct {
	Err error // reason of the disconnect, if known
}

func (e *DisconnectedError) Error() string {
	if e.Err == nil {
		return "disconnected"
	}
	return "disconnected: " + e.Err.Error()
}

func (e *DisconnectedError) Cause() error  { return e.Err }
func (e *DisconnectedError) Unwrap() error { return e.Err }

// IsDisconnected returns whether err is, or is caused by, *DisconnectedError.
func IsDisconnected(err error) bool {
	var e *DisconnectedError
	return errors.As(err, &e)
}

// InvalidObjectReference is the error which tells that an object references,
// or is being added to, another connection's object.
type InvalidObjectReference struct {
	Oid Oid // oid of the referenced object; InvalidOid if not yet known
	Msg string
}

func (e *InvalidObjectReference) Error() string {
	if e.Oid == InvalidOid {
		return "invalid object reference: " + e.Msg
	}
	return fmt.Sprintf("invalid object reference %s: %s", e.Oid, e.Msg)
}

// VersionError is the error which tells that an object cannot be changed in
// a version because it has uncommitted changes in another version.
type VersionError struct {
	Oid     Oid
	Version string // version the change was requested in
	Locked  string // version that holds changes of the object
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s: version %q: object is locked in version %q", e.Oid, e.Version, e.Locked)
}
