// Copyright (C) 2016-2020  Nexedi SA and Contributors.
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

// Package zodb provides API to work with ZODB databases.
//
// ZODB naturally provides object-centric database with transactional
// semantic. Application code works with in-RAM persistent objects that are
// transparently loaded from the database on first access and saved back on
// transaction commit.
//
// The package consists of several layers:
//
//	- IStorage / IStorageDriver: a database backend that durably stores
//	  object records and performs two-phase commit of transactions,
//	- DB: handle to a database; it pools Connections and fans out
//	  invalidations in between them,
//	- Connection: a view of the database with live cache of in-RAM
//	  objects; it is the data manager participating in transactions,
//	- IPersistent / Persistent: the in-RAM objects themselves.
//
//
// Data model
//
// Every object in the database is identified by Oid. Oid(0) is the root
// object. Every committed transaction is identified by Tid. The Tid of the
// transaction that last modified an object is that object's serial: it is
// used for optimistic concurrency control - a store must present the serial
// it based its changes on, and the store is rejected as conflicting if the
// object was changed by another transaction since.
//
// Object records are opaque bytes for the storage layer. Connection turns
// them into in-RAM objects and back via ObjectReader and ObjectWriter.
//
//
// Opening a database
//
// Storages are opened by URL via OpenStorage. A storage driver registers the
// URL scheme it handles with RegisterDriver:
//
//	import _ "lab.nexedi.com/kirr/zconn/go/zodb/storage/mem"
//
//	stor, err := zodb.OpenStorage(ctx, "mem://test", &zodb.OpenOptions{})
//	db := zodb.NewDB(stor, &zodb.DBOptions{})
//
//	txn, ctx := transaction.New(ctx)
//	conn, err := db.Open(ctx, &zodb.ConnOptions{})
//	root, err := conn.Root(ctx)
//	...
//	err = txn.Commit(ctx)
package zodb

import (
	"context"

	"lab.nexedi.com/kirr/zconn/go/transaction"
)

// ---- data model ----

// Tid is transaction identifier.
//
// In ZODB transaction identifiers are unique 64-bit integers corresponding to
// time when transaction in question was committed.
//
// The serial of an object is the Tid of the transaction that last changed it.
// Tid(0) is used as serial of an object that was never committed.
//
// See also: Tid.Time, TidFromTime.
type Tid uint64

// Oid is object identifier.
//
// In ZODB objects are uniquely identified by 64-bit integer. Oid(0) is the
// root object of the database.
type Oid uint64

const (
	TidMax Tid = 1<<63 - 1 // 0x7fffffffffffffff
	                       // ZODB defines maxtid to be max signed int64 since Jun 7 2016:
	                       // https://github.com/zopefoundation/ZODB/commit/baee84a6

	InvalidTid Tid = 1<<64 - 1 // 0xffffffffffffffff
	InvalidOid Oid = 1<<64 - 1
)

// RootOid is the oid of database root object.
const RootOid Oid = 0

// Valid returns whether tid is in valid transaction identifiers range.
func (tid Tid) Valid() bool {
	// NOTE 0 is valid as of ZODB/py
	return tid <= TidMax
}

// TxnStatus represents status of a transaction.
type TxnStatus byte

const (
	TxnComplete   TxnStatus = ' ' // completed transaction that hasn't been packed
	TxnPacked     TxnStatus = 'p' // completed transaction that has been packed
	TxnInprogress TxnStatus = 'c' // checkpoint -- a transaction in progress; it's been thru vote() but not finish()
)

// Valid returns true if transaction status value is well-known and valid.
func (ts TxnStatus) Valid() bool {
	switch ts {
	case TxnComplete, TxnPacked, TxnInprogress:
		return true

	default:
		return false
	}
}

// TxnInfo is metadata information about one transaction.
type TxnInfo struct {
	Tid         Tid
	Status      TxnStatus
	User        string
	Description string
	Extension   string
}

// DataInfo is information about one object change.
type DataInfo struct {
	Oid     Oid
	Tid     Tid    // changed by this transaction
	Data    []byte // new object data; nil if object becomes deleted
	Version string // version the change was made in; "" for no version

	// DataTid is the transaction that originally committed Data.
	//
	// it is != Tid for records that reuse data of another transaction,
	// e.g. those made by undo.
	DataTid Tid
}

// StoreReply is the result of storing one object.
//
// Store and TPCVote return replies; a synchronous storage replies to every
// Store right away, while a storage that batches stores returns all replies
// from TPCVote.
type StoreReply struct {
	Oid    Oid
	Serial Tid // new serial of the object; meaningful only if Err == nil

	// Resolved is set when the storage resolved conflicting store by
	// merging states. The data stored differs from what the client
	// sent, and so in-RAM object state has to be reloaded.
	Resolved bool

	// Err is the error of storing this object, e.g. *ConflictError.
	Err error
}

// ConflictResolverFunc merges conflicting object states.
//
// old is the state a transaction based its changes on, committed is the
// current state in the database and new is the state the transaction tries
// to store. It returns the merged state, or an error if the conflict cannot
// be resolved.
type ConflictResolverFunc func(oid Oid, old, committed, new []byte) (resolved []byte, err error)


// ---- storage ----

// IStorage is the interface provided by opened ZODB storage.
//
// It is IStorageDriver extended with watching for changes done by other
// clients of the database. The optional driver functionality (undo,
// iteration, ...) is always present in IStorage; if the driver does not
// support it ErrNotSupported is returned.
//
// Use OpenStorage to open a storage.
type IStorage interface {
	IStorageDriver
	Watcher

	IUndoStorage
	IIterableStorage
	ISyncer
	IConflictResolvingStorage
}

// IStorageDriver is the raw interface provided by ZODB storage drivers.
//
// Storage drivers are opened via DriverOpener registered with RegisterDriver.
type IStorageDriver interface {
	// URL returns URL of how the storage was opened.
	URL() string

	// Close closes storage.
	Close() error

	// LastTid returns the id of the last committed transaction.
	//
	// If no transactions have been committed yet, LastTid returns 0.
	LastTid(ctx context.Context) (Tid, error)

	// NewOid allocates new object identifier.
	//
	// Oid 0 is reserved for the root object; allocated oids start from 1.
	NewOid(ctx context.Context) (Oid, error)

	// Load loads current object data as of version.
	//
	// If the object has no changes in version, its non-version data is loaded.
	//
	// It returns data and the serial of loaded object revision.
	// If there is no such object *NoObjectError is returned as error
	// cause; if the object was deleted - *NoDataError.
	Load(ctx context.Context, oid Oid, version string) (data []byte, serial Tid, err error)

	// Store stores object data as part of transaction txn.
	//
	// serial is the serial of object revision the change was based on;
	// 0 for new objects. If serial is not the current serial of the object
	// the store conflicts: it is either resolved with registered conflict
	// resolver, or *ConflictError is returned.
	//
	// refs are oids of objects referenced from data.
	//
	// Store can be called only in between TPCBegin and TPCVote for the
	// same txn, otherwise *StorageTransactionError is returned. An object
	// can be stored several times in one transaction; the last store wins.
	Store(ctx context.Context, oid Oid, serial Tid, data []byte, refs []Oid, version string, txn transaction.Transaction) ([]StoreReply, error)

	// TPCBegin begins commit of transaction txn.
	//
	// The storage commits transactions one by one: TPCBegin blocks until
	// commit of another transaction, if in progress, completes.
	// TPCBegin for txn that is already being committed is no-op.
	TPCBegin(ctx context.Context, txn transaction.Transaction) error

	// TPCVote checks whether txn can be committed.
	//
	// Replies for stores not yet replied to are returned.
	// Voting several times is allowed.
	TPCVote(ctx context.Context, txn transaction.Transaction) ([]StoreReply, error)

	// TPCFinish makes changes of txn durable.
	//
	// onCommit is called with Tid of committed transaction while the
	// storage still holds its commit lock - i.e. before any other client
	// could see the changes. It is used to deliver invalidations. onCommit
	// can be nil.
	//
	// Several data managers of one transaction may share the storage: if
	// txn was already finished by this client, TPCFinish returns its tid
	// again and calls onCommit with it.
	TPCFinish(ctx context.Context, txn transaction.Transaction, onCommit func(tid Tid)) (Tid, error)

	// TPCAbort aborts commit of txn.
	//
	// It is no-op if txn is not being committed.
	TPCAbort(ctx context.Context, txn transaction.Transaction) error
}

// IUndoStorage is implemented by storages that support undo.
type IUndoStorage interface {
	// UndoInfo returns information about transactions that can be undone.
	//
	// Transactions are listed newest first. first is the index of the
	// first transaction to return; last is the index after the last one.
	// If last < 0, -last is the number of transactions to return.
	UndoInfo(ctx context.Context, first, last int) ([]TxnInfo, error)

	// Undo undoes transaction tid as part of transaction txn.
	//
	// It must be called in between TPCBegin and TPCVote for txn. On
	// success oids of objects the undo changes are returned. If any of the
	// objects cannot be undone *UndoError is returned and no change is
	// made.
	Undo(ctx context.Context, tid Tid, txn transaction.Transaction) ([]Oid, error)
}

// IIterableStorage is implemented by storages that can iterate their history.
type IIterableStorage interface {
	// Iterate creates iterator to iterate storage in [tidMin, tidMax] range.
	//
	// Iterate does not return any error. If there was error when setting
	// iteration up - it will be returned on first NextTxn call.
	Iterate(ctx context.Context, tidMin, tidMax Tid) ITxnIterator
}

// ITxnIterator is the interface to iterate transactions.
type ITxnIterator interface {
	// NextTxn yields information about next database transaction:
	// 1. transaction metadata, and
	// 2. iterator over transaction's data records.
	//
	// transaction metadata stays valid until next call to NextTxn().
	// end of iteration is indicated with io.EOF
	NextTxn(ctx context.Context) (*TxnInfo, IDataIterator, error)
}

// IDataIterator is the interface to iterate data records.
type IDataIterator interface {
	// NextData yields information about next storage data record.
	//
	// returned data stays valid until next call to NextData().
	// end of iteration is indicated with io.EOF
	NextData(ctx context.Context) (*DataInfo, error)
}

// ISyncer is implemented by storages that can catch up with changes done by
// other clients on explicit request.
type ISyncer interface {
	// Sync makes sure that changes committed by other clients before Sync
	// call have been reported via Watchq.
	Sync(ctx context.Context) error
}

// IConflictResolvingStorage is implemented by storages that can resolve
// conflicting stores.
type IConflictResolvingStorage interface {
	// SetConflictResolver installs function used to resolve conflicts.
	//
	// nil resolver disables conflict resolution.
	SetConflictResolver(resolve ConflictResolverFunc)
}


// ---- watching ----

// Watcher allows to be notified of changes to database done by other clients.
type Watcher interface {
	// AddWatch registers watchq to be notified of database changes.
	//
	// Whenever a new transaction is committed into the database by
	// another client, an *EventCommit is sent to watchq. Errors are
	// reported as *EventError.
	//
	// Events are sent only for transactions committed after at0.
	//
	// Registered watchq are closed when the database storage is closed.
	//
	// It is safe to add watch to a closed database storage.
	//
	// AddWatch must be used only once for a particular watchq channel.
	AddWatch(watchq chan<- Event) (at0 Tid)

	// DelWatch unregisters watchq from being notified of database changes.
	//
	// After DelWatch returns, no new events will be sent to watchq.
	//
	// DelWatch is noop if watchq was not registered.
	DelWatch(watchq chan<- Event)
}

// Event represents one database event.
//
// Possible events are:
//
//	- *EventError	an error happened
//	- *EventCommit	a transaction was committed
type Event interface {
	event()
}

func (_ *EventError)  event() {}
func (_ *EventCommit) event() {}

// EventError is event describing an error observed by watcher.
type EventError struct {
	Err error
}

// EventCommit is event describing one observed database commit.
type EventCommit struct {
	Tid     Tid    // ID of committed transaction
	Version string // version the transaction was committed in
	Changev []Oid  // ID of objects changed by committed transaction
}
