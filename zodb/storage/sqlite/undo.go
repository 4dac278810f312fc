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

package sqlite
// undo and iteration

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

func (s *Storage) UndoInfo(ctx context.Context, first, last int) ([]zodb.TxnInfo, error) {
	if last < 0 {
		last = first - last
	}
	if first < 0 || last < first {
		return nil, s.zerr("undo_info", nil, fmt.Errorf("invalid range [%d:%d]", first, last))
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT tid, user, description, ext FROM trans"+
			" ORDER BY tid DESC LIMIT ? OFFSET ?",
		last-first, first)
	if err != nil {
		return nil, s.zerr("undo_info", nil, err)
	}
	defer rows.Close()

	var infov []zodb.TxnInfo
	for rows.Next() {
		info, err := scanTxn(rows)
		if err != nil {
			return nil, s.zerr("undo_info", nil, err)
		}
		infov = append(infov, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, s.zerr("undo_info", nil, err)
	}
	return infov, nil
}

// scanner is *sql.Row or *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTxn decodes (tid, user, description, ext) of trans table.
func scanTxn(row scanner) (*zodb.TxnInfo, error) {
	var tid int64
	var user, desc, ext []byte
	err := row.Scan(&tid, &user, &desc, &ext)
	if err != nil {
		return nil, err
	}
	return &zodb.TxnInfo{
		Tid:         zodb.Tid(tid),
		Status:      zodb.TxnComplete,
		User:        string(user),
		Description: string(desc),
		Extension:   string(ext),
	}, nil
}

// txnRev is object revision committed by a transaction.
type txnRev struct {
	oid     zodb.Oid
	version string
	objRev
}

// txnRevs returns revisions committed by transaction tid in oid order.
func txnRevs(ctx context.Context, q querier, tid zodb.Tid) ([]txnRev, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT oid, version, data_id, value_tid FROM obj WHERE tid=?"+
			" ORDER BY oid, version",
		int64(tid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revv []txnRev
	for rows.Next() {
		var oid int64
		var version string
		var dataID, valueTid sql.NullInt64
		err = rows.Scan(&oid, &version, &dataID, &valueTid)
		if err != nil {
			return nil, err
		}
		revv = append(revv, txnRev{
			oid:     zodb.Oid(oid),
			version: version,
			objRev:  objRev{tid: tid, dataID: dataID.Int64, valueTid: zodb.Tid(valueTid.Int64)},
		})
	}
	return revv, rows.Err()
}

func (s *Storage) Undo(ctx context.Context, tid zodb.Tid, txn transaction.Transaction) (_ []zodb.Oid, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.checkTxn("undo", txn)
	if err != nil {
		return nil, err
	}
	if p.voted {
		return nil, &zodb.StorageTransactionError{Msg: "undo: transaction already voted"}
	}

	defer func() {
		if _, ok := err.(*zodb.UndoError); !ok && err != nil {
			err = s.zerr("undo", tid, err)
		}
	}()

	var n int
	err = p.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM trans WHERE tid=?", int64(tid)).Scan(&n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &zodb.UndoError{Tid: tid, Reason: "transaction not found"}
	}

	revv, err := txnRevs(ctx, p.tx, tid)
	if err != nil {
		return nil, err
	}

	// prepare all records first: either all objects are undone, or none
	var undov []*pendingRec
	var oidv []zodb.Oid
	for _, rev := range revv {
		var curIdentity zodb.Tid
		if prec := p.rec(rev.oid, rev.version); prec != nil {
			curIdentity = prec.identity(p.tid)
		} else {
			cur, err := revAt(ctx, p.tx, rev.oid, rev.version, zodb.TidMax)
			if err != nil {
				return nil, err
			}
			if cur != nil {
				curIdentity = cur.identity()
			}
		}
		if curIdentity != rev.identity() {
			return nil, &zodb.UndoError{Tid: tid, Oids: []zodb.Oid{rev.oid},
				Reason: "object changed by later transaction"}
		}

		undo := &pendingRec{oid: rev.oid, version: rev.version}
		prev, err := revAt(ctx, p.tx, rev.oid, rev.version, tid-1)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.dataID != 0 {
			undo.dataID = prev.dataID
			undo.dataTid = prev.identity()
		}
		undov = append(undov, undo)
		oidv = append(oidv, rev.oid)
	}

	for _, undo := range undov {
		p.put(undo)
	}
	return oidv, nil
}


// ---- iteration ----

func (s *Storage) Iterate(_ context.Context, tidMin, tidMax zodb.Tid) zodb.ITxnIterator {
	return &txnIter{s: s, next: tidMin, tidMax: tidMax}
}

// txnIter iterates transactions in [next, tidMax].
type txnIter struct {
	s      *Storage
	next   zodb.Tid
	tidMax zodb.Tid
	done   bool
}

func (it *txnIter) NextTxn(ctx context.Context) (_ *zodb.TxnInfo, _ zodb.IDataIterator, err error) {
	if it.done || it.next > it.tidMax {
		return nil, nil, io.EOF
	}
	defer func() {
		if err != nil && err != io.EOF {
			err = it.s.zerr("iterate", it.next, err)
		}
	}()

	row := it.s.db.QueryRowContext(ctx,
		"SELECT tid, user, description, ext FROM trans"+
			" WHERE tid>=? AND tid<=? ORDER BY tid LIMIT 1",
		int64(it.next), int64(it.tidMax))
	info, err := scanTxn(row)
	if err == sql.ErrNoRows {
		it.done = true
		return nil, nil, io.EOF
	}
	if err != nil {
		return nil, nil, err
	}

	revv, err := txnRevs(ctx, it.s.db, info.Tid)
	if err != nil {
		return nil, nil, err
	}
	if info.Tid == zodb.TidMax {
		it.done = true
	}
	it.next = info.Tid + 1
	return info, &dataIter{s: it.s, revv: revv}, nil
}

type dataIter struct {
	s    *Storage
	revv []txnRev
}

func (it *dataIter) NextData(ctx context.Context) (*zodb.DataInfo, error) {
	if len(it.revv) == 0 {
		return nil, io.EOF
	}
	rev := it.revv[0]
	it.revv = it.revv[1:]

	var data []byte
	if rev.dataID != 0 {
		var err error
		data, err = loadData(ctx, it.s.db, rev.dataID)
		if err != nil {
			return nil, it.s.zerr("iterate", rev.oid, err)
		}
	}
	return &zodb.DataInfo{
		Oid:     rev.oid,
		Tid:     rev.tid,
		Data:    data,
		Version: rev.version,
		DataTid: rev.identity(),
	}, nil
}
