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

// Package sqlite provides ZODB storage that uses SQLite database for persistence.
//
// Use sqlite:///path/to/db.sqlite URL to open it; a plain path is also
// accepted by zodb.OpenStorage. Supported URL parameters:
//
//	compress=1	zlib-compress stored object data
//	poll=<dur>	how often to check for commits of other clients (default 1s)
//
// Several clients, in one or in different processes, can work with the same
// database file. Commits are serialized by SQLite write lock; commits of
// other clients are discovered by polling.
//
// Object revisions are kept per (oid, version); undo records point back to
// the data of the revision they restore.
package sqlite

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/zconn/go/internal/xzlib"
	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// schemaVersion is the version of database layout.
const schemaVersion = "1"

// ---- schema ----

// table "config" stores database parameters: version, uuid, next_oid.
const config = `
	name	TEXT NOT NULL PRIMARY KEY,
	value	TEXT
`

// table "trans" stores information on committed transactions.
const trans = `
	tid		INTEGER NOT NULL PRIMARY KEY,
	user		BLOB NOT NULL,
	description	BLOB NOT NULL,
	ext		BLOB NOT NULL,
	version		TEXT NOT NULL,
	oids		BLOB NOT NULL		-- []oid, big-endian
`

// table "obj" stores object revisions.
const obj = `
	oid		INTEGER NOT NULL,
	version		TEXT NOT NULL,
	tid		INTEGER NOT NULL,
	data_id		INTEGER,		-- -> data.id; NULL if object was deleted
	value_tid	INTEGER,		-- tid that originally committed the data if it is reused

	PRIMARY KEY (oid, version, tid)
`

// table "data" stores object data.
const data = `
	id		INTEGER PRIMARY KEY,
	hash		BLOB NOT NULL,		-- sha1 of uncompressed data
	compression	INTEGER NOT NULL,
	value		BLOB NOT NULL
`

var schema = []string{
	"CREATE TABLE IF NOT EXISTS config (" + config + ")",
	"CREATE TABLE IF NOT EXISTS trans (" + trans + ")",
	"CREATE TABLE IF NOT EXISTS obj (" + obj + ")",
	"CREATE INDEX IF NOT EXISTS obj_tid ON obj(tid)",
	"CREATE TABLE IF NOT EXISTS data (" + data + ")",
	"CREATE UNIQUE INDEX IF NOT EXISTS data_hash ON data(hash)",
}

// data shorter than this is stored uncompressed.
const compressMinSize = 64


// Storage is a client of SQLite database.
type Storage struct {
	db       *sql.DB
	url      string
	uuid     string
	compress bool

	// commit lock of this client; database write lock is held in
	// addition while transaction is being committed.
	commitLock chan struct{}

	// visibility lock: Load takes it for reading, TPCFinish holds it for
	// writing from database commit until invalidations are queued.
	loadMu sync.RWMutex

	mu      sync.Mutex
	cur     *pending
	resolve zodb.ConflictResolverFunc

	// last transaction this client committed
	lastTxn transaction.Transaction
	lastTid zodb.Tid

	// tids of transactions committed by this client not yet seen by poller
	own map[zodb.Tid]struct{}

	watchq    chan<- zodb.Event
	pollEvery time.Duration
	pollMu    sync.Mutex
	head      zodb.Tid // last transaction checked by poller
	watchStop chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
}

var _ zodb.IStorageDriver = (*Storage)(nil)
var _ zodb.IUndoStorage = (*Storage)(nil)
var _ zodb.IIterableStorage = (*Storage)(nil)
var _ zodb.ISyncer = (*Storage)(nil)
var _ zodb.IConflictResolvingStorage = (*Storage)(nil)

// pending is transaction being committed.
type pending struct {
	txn   transaction.Transaction
	tx    *sql.Tx
	tid   zodb.Tid
	voted bool
	recv  []*pendingRec // in store order; one per (oid, version)
}

// pendingRec is object revision to be written by pending transaction.
//
// It either carries new data, or reuses data of earlier revision, or is
// deletion when neither is set.
type pendingRec struct {
	oid     zodb.Oid
	version string
	data    []byte   // new data
	dataID  int64    // data of earlier revision
	dataTid zodb.Tid // transaction that committed data with dataID
}

// identity returns tid that identifies data of the record.
func (r *pendingRec) identity(tid zodb.Tid) zodb.Tid {
	if r.dataTid != 0 {
		return r.dataTid
	}
	return tid
}

func (p *pending) rec(oid zodb.Oid, version string) *pendingRec {
	for _, r := range p.recv {
		if r.oid == oid && r.version == version {
			return r
		}
	}
	return nil
}

func (p *pending) put(r *pendingRec) {
	for i, r2 := range p.recv {
		if r2.oid == r.oid && r2.version == r.version {
			p.recv[i] = r
			return
		}
	}
	p.recv = append(p.recv, r)
}

// objRev is object revision as stored in obj table.
type objRev struct {
	tid      zodb.Tid
	dataID   int64    // 0 if object was deleted
	valueTid zodb.Tid // 0 if data was committed by tid itself
}

func (r *objRev) identity() zodb.Tid {
	if r.valueTid != 0 {
		return r.valueTid
	}
	return r.tid
}

// querier is either *sql.DB or *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, argv ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, argv ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, argv ...interface{}) (sql.Result, error)
}

func (s *Storage) URL() string  { return s.url }
func (s *Storage) UUID() string { return s.uuid }

func (s *Storage) zerr(op string, args interface{}, err error) *zodb.OpError {
	return &zodb.OpError{URL: s.url, Op: op, Args: args, Err: err}
}

// isBusy returns whether err is due to database being locked by another client.
func isBusy(err error) bool {
	var e sqlite3.Error
	return errors.As(err, &e) && (e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked)
}

// retry runs f until it does not fail due to database being locked.
func retry(ctx context.Context, f func() error) error {
	delay := time.Millisecond
	for {
		err := f()
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 100*time.Millisecond {
			delay *= 2
		}
	}
}

// beginTx starts database transaction that holds write lock.
func (s *Storage) beginTx(ctx context.Context) (tx *sql.Tx, err error) {
	err = retry(ctx, func() error {
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	})
	return tx, err
}

// revAt returns latest revision of (oid, version) with tid <= at, or nil.
func revAt(ctx context.Context, q querier, oid zodb.Oid, version string, at zodb.Tid) (*objRev, error) {
	var tid int64
	var dataID, valueTid sql.NullInt64
	err := q.QueryRowContext(ctx,
		"SELECT tid, data_id, value_tid FROM obj"+
			" WHERE oid=? AND version=? AND tid<=?"+
			" ORDER BY tid DESC LIMIT 1",
		int64(oid), version, int64(at)).
		Scan(&tid, &dataID, &valueTid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &objRev{tid: zodb.Tid(tid), dataID: dataID.Int64, valueTid: zodb.Tid(valueTid.Int64)}, nil
}

// current returns current revision of object as seen from version.
//
// version without changes to the object falls back to non-version data.
func current(ctx context.Context, q querier, oid zodb.Oid, version string) (*objRev, error) {
	rev, err := revAt(ctx, q, oid, version, zodb.TidMax)
	if err == nil && rev == nil && version != "" {
		rev, err = revAt(ctx, q, oid, "", zodb.TidMax)
	}
	return rev, err
}

// loadData loads data by id.
func loadData(ctx context.Context, q querier, id int64) ([]byte, error) {
	var compression int
	var value []byte
	err := q.QueryRowContext(ctx, "SELECT compression, value FROM data WHERE id=?", id).
		Scan(&compression, &value)
	if err != nil {
		return nil, err
	}
	if compression != 0 {
		value, err = xzlib.Decompress(value)
		if err != nil {
			return nil, fmt.Errorf("data %d: decompress: %s", id, err)
		}
	}
	return value, nil
}

// storeData stores data and returns its id. Data that is already present is reused.
func (s *Storage) storeData(ctx context.Context, tx *sql.Tx, value []byte) (int64, error) {
	hash := sha1.Sum(value)
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM data WHERE hash=?", hash[:]).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	compression := 0
	if s.compress {
		var compressed bool
		value, compressed = xzlib.MaybeCompress(value, compressMinSize)
		if compressed {
			compression = 1
		}
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO data (hash, compression, value) VALUES (?, ?, ?)",
		hash[:], compression, value)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Storage) LastTid(ctx context.Context) (zodb.Tid, error) {
	tid, err := lastTid(ctx, s.db)
	if err != nil {
		return zodb.InvalidTid, s.zerr("last_tid", nil, err)
	}
	return tid, nil
}

func lastTid(ctx context.Context, q querier) (zodb.Tid, error) {
	var tid sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT MAX(tid) FROM trans").Scan(&tid)
	if err != nil {
		return zodb.InvalidTid, err
	}
	return zodb.Tid(tid.Int64), nil
}

func (s *Storage) NewOid(ctx context.Context) (_ zodb.Oid, err error) {
	defer func() {
		if err != nil {
			err = s.zerr("new_oid", nil, err)
		}
	}()

	// allocate inside transaction being committed, if any: its write
	// lock would block allocation via another database connection.
	s.mu.Lock()
	if p := s.cur; p != nil {
		defer s.mu.Unlock()
		return allocOid(ctx, p.tx)
	}
	s.mu.Unlock()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return zodb.InvalidOid, err
	}
	oid, err := allocOid(ctx, tx)
	if err != nil {
		tx.Rollback()
		return zodb.InvalidOid, err
	}
	return oid, tx.Commit()
}

func allocOid(ctx context.Context, tx *sql.Tx) (zodb.Oid, error) {
	var next int64
	err := tx.QueryRowContext(ctx, "SELECT value FROM config WHERE name='next_oid'").Scan(&next)
	if err != nil {
		return zodb.InvalidOid, err
	}
	_, err = tx.ExecContext(ctx, "UPDATE config SET value=? WHERE name='next_oid'", next+1)
	if err != nil {
		return zodb.InvalidOid, err
	}
	return zodb.Oid(next), nil
}

func (s *Storage) Load(ctx context.Context, oid zodb.Oid, version string) (_ []byte, _ zodb.Tid, err error) {
	defer func() {
		if err != nil {
			err = s.zerr("load", oid, err)
		}
	}()

	s.loadMu.RLock()
	defer s.loadMu.RUnlock()

	rev, err := current(ctx, s.db, oid, version)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}
	if rev == nil {
		return nil, zodb.InvalidTid, &zodb.NoObjectError{Oid: oid}
	}
	if rev.dataID == 0 {
		return nil, zodb.InvalidTid, &zodb.NoDataError{Oid: oid, DeletedAt: rev.tid}
	}
	data, err := loadData(ctx, s.db, rev.dataID)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}
	return data, rev.tid, nil
}


// ---- commit ----

// checkTxn returns pending transaction if txn is being committed.
//
// must be called with s.mu held.
func (s *Storage) checkTxn(op string, txn transaction.Transaction) (*pending, error) {
	if s.cur == nil || s.cur.txn != txn {
		return nil, &zodb.StorageTransactionError{Msg: op + ": transaction is not being committed"}
	}
	return s.cur, nil
}

func (s *Storage) Store(ctx context.Context, oid zodb.Oid, serial zodb.Tid, data []byte, refs []zodb.Oid, version string, txn transaction.Transaction) ([]zodb.StoreReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.checkTxn("store", txn)
	if err != nil {
		return nil, err
	}
	if p.voted {
		return nil, &zodb.StorageTransactionError{Msg: "store: transaction already voted"}
	}

	rec := &pendingRec{oid: oid, version: version, data: append([]byte{}, data...)}
	reply := zodb.StoreReply{Oid: oid, Serial: p.tid}

	cur, err := current(ctx, p.tx, oid, version)
	if err != nil {
		return nil, s.zerr("store", oid, err)
	}
	committed := zodb.Tid(0)
	if cur != nil {
		committed = cur.tid
	}
	// the object could be stored several times in one transaction
	if serial != committed && !(serial == p.tid && p.rec(oid, version) != nil) {
		resolved, ok := s.tryResolve(ctx, p.tx, oid, version, serial, cur, data)
		if !ok {
			return []zodb.StoreReply{{Oid: oid, Err: &zodb.ConflictError{
				Kind:            zodb.WriteConflict,
				Oid:             oid,
				Serial:          serial,
				CommittedSerial: committed,
			}}}, nil
		}
		rec.data = resolved
		reply.Resolved = true
	}

	p.put(rec)
	return []zodb.StoreReply{reply}, nil
}

// tryResolve tries to merge conflicting store with registered resolver.
//
// must be called with s.mu held.
func (s *Storage) tryResolve(ctx context.Context, tx *sql.Tx, oid zodb.Oid, version string, serial zodb.Tid, cur *objRev, data []byte) ([]byte, bool) {
	if s.resolve == nil || cur == nil || cur.dataID == 0 || serial == 0 {
		return nil, false
	}
	old, err := revAt(ctx, tx, oid, version, serial)
	if err == nil && (old == nil || old.tid != serial) && version != "" {
		old, err = revAt(ctx, tx, oid, "", serial)
	}
	if err != nil || old == nil || old.tid != serial || old.dataID == 0 {
		return nil, false
	}

	oldData, err := loadData(ctx, tx, old.dataID)
	if err != nil {
		return nil, false
	}
	committedData, err := loadData(ctx, tx, cur.dataID)
	if err != nil {
		return nil, false
	}
	resolved, err := s.resolve(oid, oldData, committedData, data)
	if err != nil {
		return nil, false
	}
	return resolved, true
}

func (s *Storage) SetConflictResolver(resolve zodb.ConflictResolverFunc) {
	s.mu.Lock()
	s.resolve = resolve
	s.mu.Unlock()
}

func (s *Storage) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	s.mu.Lock()
	if s.cur != nil && s.cur.txn == txn {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.commitLock <- struct{}{}:
	}

	tx, err := s.beginTx(ctx)
	if err == nil {
		var head zodb.Tid
		head, err = lastTid(ctx, tx)
		if err == nil {
			tid := zodb.TidFromTime(time.Now())
			if tid <= head {
				tid = head + 1
			}
			s.mu.Lock()
			s.cur = &pending{txn: txn, tx: tx, tid: tid}
			s.mu.Unlock()
			return nil
		}
		tx.Rollback()
	}

	<-s.commitLock
	return s.zerr("tpc_begin", nil, err)
}

func (s *Storage) TPCVote(ctx context.Context, txn transaction.Transaction) ([]zodb.StoreReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.checkTxn("tpc_vote", txn)
	if err != nil {
		return nil, err
	}
	if p.voted {
		return nil, nil
	}
	err = s.write(ctx, p)
	if err != nil {
		return nil, s.zerr("tpc_vote", nil, err)
	}
	p.voted = true
	return nil, nil
}

// write writes records of transaction p into database.
//
// must be called with s.mu held.
func (s *Storage) write(ctx context.Context, p *pending) error {
	txn := p.txn
	version := ""
	oids := make([]byte, 0, 8*len(p.recv))
	for _, rec := range p.recv {
		var dataID, valueTid interface{}
		switch {
		case rec.data != nil:
			id, err := s.storeData(ctx, p.tx, rec.data)
			if err != nil {
				return err
			}
			dataID = id
		case rec.dataID != 0:
			dataID = rec.dataID
			valueTid = int64(rec.dataTid)
		}

		_, err := p.tx.ExecContext(ctx,
			"INSERT INTO obj (oid, version, tid, data_id, value_tid) VALUES (?, ?, ?, ?, ?)",
			int64(rec.oid), rec.version, int64(p.tid), dataID, valueTid)
		if err != nil {
			return err
		}

		oids = appendOid(oids, rec.oid)
		if rec.version != "" {
			version = rec.version
		}
	}

	_, err := p.tx.ExecContext(ctx,
		"INSERT INTO trans (tid, user, description, ext, version, oids) VALUES (?, ?, ?, ?, ?, ?)",
		int64(p.tid), []byte(txn.User()), []byte(txn.Description()), []byte(txn.Extension()), version, oids)
	return err
}

func (s *Storage) TPCFinish(ctx context.Context, txn transaction.Transaction, onCommit func(zodb.Tid)) (zodb.Tid, error) {
	s.mu.Lock()
	if s.cur == nil || s.cur.txn != txn {
		lastTxn, lastTid := s.lastTxn, s.lastTid
		s.mu.Unlock()
		if lastTxn == txn && txn != nil {
			// another data manager of the same transaction
			if onCommit != nil {
				onCommit(lastTid)
			}
			return lastTid, nil
		}
		return zodb.InvalidTid, &zodb.StorageTransactionError{Msg: "tpc_finish: transaction is not being committed"}
	}

	p := s.cur
	var err error
	if !p.voted {
		err = s.write(ctx, p)
	}
	if err == nil {
		// poller must not report this transaction as foreign
		if s.watchq != nil {
			s.own[p.tid] = struct{}{}
		}
		s.loadMu.Lock()
		err = p.tx.Commit()
		if err != nil {
			s.loadMu.Unlock()
			delete(s.own, p.tid)
		}
	}
	if err != nil {
		p.tx.Rollback()
		s.cur = nil
		s.mu.Unlock()
		<-s.commitLock
		return zodb.InvalidTid, s.zerr("tpc_finish", nil, err)
	}

	s.cur = nil
	s.lastTxn, s.lastTid = txn, p.tid
	s.mu.Unlock()

	// invalidations are queued before committed data becomes loadable
	if onCommit != nil {
		onCommit(p.tid)
	}
	s.loadMu.Unlock()

	<-s.commitLock
	return p.tid, nil
}

func (s *Storage) TPCAbort(ctx context.Context, txn transaction.Transaction) error {
	s.mu.Lock()
	if s.cur == nil || s.cur.txn != txn {
		s.mu.Unlock()
		return nil
	}
	p := s.cur
	s.cur = nil
	s.mu.Unlock()

	err := p.tx.Rollback()
	<-s.commitLock
	if err != nil {
		return s.zerr("tpc_abort", nil, err)
	}
	return nil
}

// Close closes the client.
//
// Transaction left in progress is aborted.
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cur := s.cur
		s.mu.Unlock()
		if cur != nil {
			s.TPCAbort(context.Background(), cur.txn)
		}

		if s.watchq != nil {
			close(s.watchStop)
			<-s.watchDone
			s.pollMu.Lock()
			close(s.watchq)
			s.pollMu.Unlock()
		}
		err = s.db.Close()
	})
	return err
}


// ---- open ----

// Options describes options for Open.
type Options struct {
	ReadOnly  bool
	Compress  bool          // compress data of stored objects
	PollEvery time.Duration // 0 means 1s

	// see zodb.DriverOptions.Watchq
	Watchq chan<- zodb.Event
}

// Open opens SQLite database at path.
//
// Database is created if it does not exist and opt.ReadOnly is not set.
func Open(ctx context.Context, path string, opt *Options) (_ *Storage, at0 zodb.Tid, err error) {
	if opt == nil {
		opt = &Options{}
	}
	zurl := "sqlite://" + path
	defer func() {
		if err != nil {
			err = &zodb.OpError{URL: zurl, Op: "open", Err: err}
		}
	}()

	dsn := "file:" + path + "?_txlock=immediate&_busy_timeout=100"
	if opt.ReadOnly {
		dsn += "&mode=ro"
	} else {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	err = db.PingContext(ctx)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}

	s := &Storage{
		db:         db,
		url:        zurl,
		compress:   opt.Compress,
		commitLock: make(chan struct{}, 1),
		own:        make(map[zodb.Tid]struct{}),
		watchq:     opt.Watchq,
		pollEvery:  opt.PollEvery,
	}
	if s.pollEvery <= 0 {
		s.pollEvery = time.Second
	}

	if !opt.ReadOnly {
		err = s.setup(ctx)
		if err != nil {
			return nil, zodb.InvalidTid, err
		}
	}

	cfg, err := s.config(ctx)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}
	if v := cfg["version"]; v != schemaVersion {
		return nil, zodb.InvalidTid, fmt.Errorf("database version %q; supported: %q", v, schemaVersion)
	}
	s.uuid = cfg["uuid"]

	at0, err = lastTid(ctx, db)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}
	s.head = at0

	if s.watchq != nil {
		s.watchStop = make(chan struct{})
		s.watchDone = make(chan struct{})
		go s.watcher()
	}
	return s, at0, nil
}

// setup creates database tables and initial configuration if needed.
func (s *Storage) setup(ctx context.Context) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range schema {
		_, err = tx.ExecContext(ctx, stmt)
		if err != nil {
			return err
		}
	}

	initv := map[string]string{
		"version":  schemaVersion,
		"uuid":     uuid.New().String(),
		"next_oid": "1", // 0 is root
	}
	for name, value := range initv {
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO config (name, value) VALUES (?, ?)", name, value)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// config loads database configuration.
func (s *Storage) config(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM config")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cfg := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		err = rows.Scan(&name, &value)
		if err != nil {
			return nil, err
		}
		cfg[name] = value.String
	}
	return cfg, rows.Err()
}

func openByURL(ctx context.Context, u *url.URL, opt *zodb.DriverOptions) (zodb.IStorageDriver, zodb.Tid, error) {
	// sqlite:///abs/path and sqlite://rel/path
	path := u.Host + u.Path
	q := u.Query()

	sopt := &Options{ReadOnly: opt.ReadOnly, Watchq: opt.Watchq}
	switch c := q.Get("compress"); c {
	case "", "0":
	case "1":
		sopt.Compress = true
	default:
		return nil, zodb.InvalidTid, fmt.Errorf("sqlite: %s: invalid compress=%q", u, c)
	}
	if poll := q.Get("poll"); poll != "" {
		d, err := time.ParseDuration(poll)
		if err != nil {
			return nil, zodb.InvalidTid, fmt.Errorf("sqlite: %s: invalid poll: %s", u, err)
		}
		sopt.PollEvery = d
	}

	s, at0, err := Open(ctx, path, sopt)
	if err != nil {
		return nil, zodb.InvalidTid, err
	}
	return s, at0, nil
}

func init() {
	zodb.RegisterDriver("sqlite", openByURL)
}
