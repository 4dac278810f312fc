// Copyright (C) 2019  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
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

package zodbtools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/exc"
	"lab.nexedi.com/kirr/zconn/go/internal/xtesting"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

func TestWatch(t *testing.T) {
	X := exc.Raiseif
	bg := context.Background()

	stor := openTestDB(t)
	oid0, err := stor.NewOid(bg); X(err)
	oid1, err := stor.NewOid(bg); X(err)
	oid2, err := stor.NewOid(bg); X(err)

	at := zodb.Tid(0)
	serial := map[zodb.Oid]zodb.Tid{}
	xcommit := func(version string, objv ...xtesting.RawObj) {
		t.Helper()
		for i := range objv {
			objv[i].Serial = serial[objv[i].Oid]
			objv[i].Version = version
		}
		var err error
		at, err = xtesting.Commit(bg, stor, "watched", objv...)
		if err != nil {
			t.Fatal(err)
		}
		for _, obj := range objv {
			serial[obj.Oid] = at
		}
	}

	xcommit("", xtesting.RawObj{Oid: oid0, Data: []byte("data0")})

	// spawn plain and verbose watchers
	ctx0, cancel := context.WithCancel(bg)
	wg, ctx := errgroup.WithContext(ctx0)

	// gowatch spawns Watch(verbose) and returns expect(line) func that is
	// connected to Watch output.
	gowatch := func(verbose bool) /*expectf*/func(format string, argv ...interface{}) {
		// another client of the same database
		wstor, err := zodb.OpenStorage(bg, stor.URL(), &zodb.OpenOptions{ReadOnly: true}); X(err)
		t.Cleanup(func() { wstor.Close() })

		pr, pw := io.Pipe()
		wg.Go(func() error {
			return Watch(ctx, wstor, pw, verbose)
		})

		r := bufio.NewReader(pr)
		expectf := func(format string, argv ...interface{}) {
			t.Helper()
			l, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("expect: %s", err)
			}
			l = l[:len(l)-1] // trim trailing \n
			line := fmt.Sprintf(format, argv...)
			if l != line {
				t.Fatalf("expect\nhave: %q\nwant: %q", l, line)
			}
		}
		return expectf
	}

	pexpect := gowatch(false)
	vexpect := gowatch(true)

	pexpect("# at %s", at)
	vexpect("# at %s", at)

	xcommit("", xtesting.RawObj{Oid: oid0, Data: []byte("data01")})

	pexpect("txn %s", at)
	vexpect("txn %s", at)
	vexpect("obj %s", oid0)
	vexpect("")

	xcommit("", xtesting.RawObj{Oid: oid1, Data: []byte("data1")}, xtesting.RawObj{Oid: oid2, Data: []byte("data2")})

	pexpect("txn %s", at)
	vexpect("txn %s", at)
	vexpect("obj %s", oid1)
	vexpect("obj %s", oid2)
	vexpect("")

	xcommit("draft", xtesting.RawObj{Oid: oid1, Data: []byte("data1 draft")})

	pexpect("txn %s", at)
	vexpect("txn %s", at)
	vexpect("version draft")
	vexpect("obj %s", oid1)
	vexpect("")

	cancel()

	err = wg.Wait()
	ecause := errors.Cause(err)
	if ecause != context.Canceled {
		t.Fatalf("finished: err: expected 'canceled' cause; got %q", err)
	}
}
