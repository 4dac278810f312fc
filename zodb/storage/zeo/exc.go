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

package zeo
// errors ↔ exceptions exchanged on the wire

import (
	"errors"
	"fmt"

	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// names of python exceptions ZODB errors are transferred as.
const (
	excPOSKeyError       = "ZODB.POSException.POSKeyError"
	excConflictError     = "ZODB.POSException.ConflictError"
	excReadConflictError = "ZODB.POSException.ReadConflictError"
	excUndoError         = "ZODB.POSException.UndoError"
	excStorageTxnError   = "ZODB.POSException.StorageTransactionError"
	excReadOnlyError     = "ZODB.POSException.ReadOnlyError"
	excVersionLockError  = "ZODB.POSException.VersionLockError"
	excNotImplemented    = "exceptions.NotImplementedError"
	excServerError       = "ZEO.Exceptions.ServerException"
)

// rpcExcept represents generic exception
type rpcExcept struct {
	exc  string
	argv []interface{}
}

func (r *rpcExcept) Error() string {
	if len(r.argv) == 1 {
		if s, ok := r.argv[0].(string); ok {
			return fmt.Sprintf("exception: %s: %s", r.exc, s)
		}
	}
	return fmt.Sprintf("exception: %s %q", r.exc, r.argv)
}

// excEncode returns exception corresponding to err.
//
// The exception is represented as (name, (arg1, arg2, ...)) - the way ZEO5
// passes exceptions in replies with msgExcept flag.
func (e encoding) excEncode(err error) interface{} {
	exc, argv := e.excOf(err)
	return e.tuple(exc, e.tuple(argv...))
}

func (e encoding) excOf(err error) (exc string, argv []interface{}) {
	var (
		eNoObject *zodb.NoObjectError
		eNoData   *zodb.NoDataError
		eConflict *zodb.ConflictError
		eUndo     *zodb.UndoError
		eTxn      *zodb.StorageTransactionError
		eVersion  *zodb.VersionError
	)

	switch {
	case errors.As(err, &eNoData):
		return excPOSKeyError, []interface{}{e.oidPack(eNoData.Oid), e.tidPack(eNoData.DeletedAt)}

	case errors.As(err, &eNoObject):
		return excPOSKeyError, []interface{}{e.oidPack(eNoObject.Oid)}

	case errors.As(err, &eConflict):
		if eConflict.Kind == zodb.ReadConflict {
			return excReadConflictError, []interface{}{e.oidPack(eConflict.Oid)}
		}
		return excConflictError, []interface{}{e.oidPack(eConflict.Oid),
			e.tidPack(eConflict.Serial), e.tidPack(eConflict.CommittedSerial)}

	case errors.As(err, &eUndo):
		return excUndoError, []interface{}{eUndo.Reason, e.tidPack(eUndo.Tid), e.oidvPack(eUndo.Oids)}

	case errors.As(err, &eTxn):
		return excStorageTxnError, []interface{}{eTxn.Msg}

	case zodb.IsReadOnly(err):
		return excReadOnlyError, nil

	case errors.As(err, &eVersion):
		return excVersionLockError, []interface{}{e.oidPack(eVersion.Oid), eVersion.Version, eVersion.Locked}

	case errors.Is(err, zodb.ErrNotSupported):
		return excNotImplemented, []interface{}{err.Error()}
	}

	return excServerError, []interface{}{err.Error()}
}

// excError returns error corresponding to an exception.
//
// well-known exceptions are mapped to corresponding well-known errors - e.g.
// POSKeyError -> zodb.NoObjectError, and rest are returned wrapped into rpcExcept.
func (e encoding) excError(exc string, argv []interface{}) error {
	bad := func() error {
		return fmt.Errorf("%s: invalid exception arguments %#v", exc, argv)
	}

	switch exc {
	case excPOSKeyError:
		// POSKeyError(oid [, deletedAt])
		if !(len(argv) == 1 || len(argv) == 2) {
			return bad()
		}
		oid, ok := e.oidUnpack(argv[0])
		if !ok {
			return bad()
		}
		if len(argv) == 1 {
			return &zodb.NoObjectError{Oid: oid}
		}
		deletedAt, ok := e.tidUnpack(argv[1])
		if !ok {
			return bad()
		}
		return &zodb.NoDataError{Oid: oid, DeletedAt: deletedAt}

	case excReadConflictError:
		if len(argv) != 1 {
			return bad()
		}
		oid, ok := e.oidUnpack(argv[0])
		if !ok {
			return bad()
		}
		return &zodb.ConflictError{Kind: zodb.ReadConflict, Oid: oid}

	case excConflictError:
		// ConflictError(oid, serial, committed)
		if len(argv) != 3 {
			return bad()
		}
		oid, ok1 := e.oidUnpack(argv[0])
		serial, ok2 := e.tidUnpack(argv[1])
		committed, ok3 := e.tidUnpack(argv[2])
		if !(ok1 && ok2 && ok3) {
			return bad()
		}
		return &zodb.ConflictError{Kind: zodb.WriteConflict, Oid: oid,
			Serial: serial, CommittedSerial: committed}

	case excUndoError:
		// UndoError(reason, tid, oids)
		if len(argv) != 3 {
			return bad()
		}
		reason, ok1 := e.asString(argv[0])
		tid, ok2 := e.tidUnpack(argv[1])
		oidv, ok3 := e.oidvUnpack(argv[2])
		if !(ok1 && ok2 && ok3) {
			return bad()
		}
		if len(oidv) == 0 {
			oidv = nil
		}
		return &zodb.UndoError{Tid: tid, Oids: oidv, Reason: reason}

	case excStorageTxnError:
		if len(argv) != 1 {
			return bad()
		}
		msg, ok := e.asString(argv[0])
		if !ok {
			return bad()
		}
		return &zodb.StorageTransactionError{Msg: msg}

	case excReadOnlyError:
		return &zodb.ReadOnlyError{}

	case excVersionLockError:
		if len(argv) != 3 {
			return bad()
		}
		oid, ok1 := e.oidUnpack(argv[0])
		version, ok2 := e.asString(argv[1])
		locked, ok3 := e.asString(argv[2])
		if !(ok1 && ok2 && ok3) {
			return bad()
		}
		return &zodb.VersionError{Oid: oid, Version: version, Locked: locked}

	case excNotImplemented:
		return fmt.Errorf("%w: %v", zodb.ErrNotSupported, argv)
	}

	return &rpcExcept{exc, argv}
}
