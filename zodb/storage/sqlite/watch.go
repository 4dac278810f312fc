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
// discovery of commits done by other clients

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"lab.nexedi.com/kirr/zconn/go/internal/log"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// appendOid appends oid to packed list of oids.
func appendOid(b []byte, oid zodb.Oid) []byte {
	var x [8]byte
	binary.BigEndian.PutUint64(x[:], uint64(oid))
	return append(b, x[:]...)
}

// unpackOids decodes packed list of oids.
func unpackOids(b []byte) ([]zodb.Oid, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("oids: invalid length %d", len(b))
	}
	oidv := make([]zodb.Oid, 0, len(b)/8)
	for ; len(b) > 0; b = b[8:] {
		oidv = append(oidv, zodb.Oid(binary.BigEndian.Uint64(b)))
	}
	return oidv, nil
}

// watcher periodically checks database for transactions committed by other
// clients and reports them to watchq.
func (s *Storage) watcher() {
	defer close(s.watchDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.watchStop:
			cancel()
		case <-ctx.Done():
		}
	}()

	tick := time.NewTicker(s.pollEvery)
	defer tick.Stop()
	for {
		select {
		case <-s.watchStop:
			return
		case <-tick.C:
		}

		err := s.poll(ctx)
		if err == nil || isBusy(err) || ctx.Err() != nil {
			continue
		}

		log.Errorf(ctx, "%s: watcher: %s", s.url, err)
		select {
		case <-s.watchStop:
		case s.watchq <- &zodb.EventError{Err: err}:
		}
		return
	}
}

// poll reports to watchq transactions committed by other clients after
// the last checked one.
func (s *Storage) poll(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	select {
	case <-s.watchStop:
		return nil
	default:
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT tid, version, oids FROM trans WHERE tid>? ORDER BY tid", int64(s.head))
	if err != nil {
		return err
	}
	var eventv []*zodb.EventCommit
	for rows.Next() {
		var tid int64
		var version string
		var oids []byte
		err = rows.Scan(&tid, &version, &oids)
		if err != nil {
			break
		}
		var changev []zodb.Oid
		changev, err = unpackOids(oids)
		if err != nil {
			break
		}
		eventv = append(eventv, &zodb.EventCommit{Tid: zodb.Tid(tid), Version: version, Changev: changev})
	}
	if err == nil {
		err = rows.Err()
	}
	rows.Close()
	if err != nil {
		return err
	}

	for _, event := range eventv {
		s.mu.Lock()
		_, own := s.own[event.Tid]
		delete(s.own, event.Tid)
		s.mu.Unlock()

		s.head = event.Tid
		if own {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.watchStop:
			return nil
		case s.watchq <- event:
		}
	}
	return nil
}

// Sync reports to watchq all transactions committed by other clients so far.
func (s *Storage) Sync(ctx context.Context) error {
	if s.watchq == nil {
		return nil
	}
	err := retry(ctx, func() error {
		return s.poll(ctx)
	})
	if err != nil {
		return s.zerr("sync", nil, err)
	}
	return nil
}
