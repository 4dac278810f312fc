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
// open storages by URL

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// OpenOptions describes options for OpenStorage.
type OpenOptions struct {
	ReadOnly bool // whether to open storage as read-only
}

// DriverOptions describes options for DriverOpener.
type DriverOptions struct {
	ReadOnly bool // whether to open storage as read-only

	// Channel where storage events have to be delivered.
	//
	// Watchq can be nil to ignore such events. However if Watchq != nil, the events
	// have to be consumed or else the storage driver will misbehave.
	//
	// The driver reports only transactions committed by other clients
	// of the database: the committer of a transaction learns about it
	// via TPCFinish onCommit callback.
	//
	// The storage driver closes !nil Watchq when the driver is closed.
	//
	// The storage driver will send only and all events in (at₀, +∞] range,
	// where at₀ is at returned by driver open.
	Watchq chan<- Event
}

// DriverOpener is a function to open a storage driver.
//
// at₀ gives database state at open time. The driver will send to Watchq (see
// DriverOptions) only and all events in (at₀, +∞] range.
type DriverOpener func(ctx context.Context, u *url.URL, opt *DriverOptions) (_ IStorageDriver, at0 Tid, _ error)

// {} scheme -> DriverOpener
var driverMu sync.Mutex
var driverRegistry = map[string]DriverOpener{}

// RegisterDriver registers opener to be used for URLs with scheme.
func RegisterDriver(scheme string, opener DriverOpener) {
	driverMu.Lock()
	defer driverMu.Unlock()

	if _, already := driverRegistry[scheme]; already {
		panic(fmt.Errorf("ZODB URL scheme %q was already registered", scheme))
	}

	driverRegistry[scheme] = opener
}

// OpenStorage opens ZODB storage by URL.
//
// Only URL schemes registered to zodb package are handled.
// Users should import in storage packages they use to get support for them,
// e.g.
//
//	import _ "lab.nexedi.com/kirr/zconn/go/zodb/storage/sqlite"
//
// URL without scheme is treated as path to sqlite database.
// ?readonly=1 URL parameter is equivalent to OpenOptions.ReadOnly=true.
//
// Storage authors should register their storages with RegisterDriver.
func OpenStorage(ctx context.Context, zurl string, opt *OpenOptions) (IStorage, error) {
	if opt == nil {
		opt = &OpenOptions{}
	}

	// no scheme -> sqlite://
	if !strings.Contains(zurl, "://") {
		zurl = "sqlite://" + zurl
	}

	u, err := url.Parse(zurl)
	if err != nil {
		return nil, err
	}

	readOnly := opt.ReadOnly
	q := u.Query()
	if ro := q.Get("readonly"); ro != "" {
		switch ro {
		case "1", "true", "yes":
			readOnly = true
		case "0", "false", "no":
			// ok
		default:
			return nil, fmt.Errorf("zodb: open %s: invalid readonly=%q", zurl, ro)
		}
		q.Del("readonly")
		u.RawQuery = q.Encode()
	}

	driverMu.Lock()
	opener, ok := driverRegistry[u.Scheme]
	driverMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("zodb: URL scheme \"%s://\" not supported", u.Scheme)
	}

	drvWatchq := make(chan Event)
	drvOpt := &DriverOptions{
		ReadOnly: readOnly,
		Watchq:   drvWatchq,
	}

	storDriver, at0, err := opener(ctx, u, drvOpt)
	if err != nil {
		return nil, err
	}

	stor := &storage{
		driver:   storDriver,
		readOnly: readOnly,

		down:        make(chan struct{}),
		drvWatchq:   drvWatchq,
		drvHead:     at0,
		watchReq:    make(chan watchRequest),
		watchTab:    make(map[chan<- Event]struct{}),
		watchCancel: make(map[chan<- Event]chan struct{}),
	}
	go stor.watcher() // stoped on close

	return stor, nil
}
