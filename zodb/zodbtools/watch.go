// Copyright (C) 2019-2020  Nexedi SA and Contributors.
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
// Watch - follow commits to a ZODB database
//
// Watch subscribes to storage notifications and prints one block per
// committed transaction. Plain output:
//
//	# at <tid>
//	txn <tid>
//	...
//
// With -v every block also lists the version the commit was made in, if
// any, and the changed objects, and ends with an empty line:
//
//	txn <tid>
//	version <version>
//	obj <oid>
//	...
//	LF

package zodbtools

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xfmt"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// Watch prints commits of stor to w until ctx is canceled or the storage is closed.
//
// Each commit is written to w with a single Write call.
func Watch(ctx context.Context, stor zodb.IStorage, w io.Writer, verbose bool) (err error) {
	defer xerr.Contextf(&err, "%s: watch", stor.URL())

	watchq := make(chan zodb.Event)
	head := stor.AddWatch(watchq)
	defer stor.DelWatch(watchq)

	var b xfmt.Buffer
	emit := func() error {
		_, err := w.Write(b.Bytes())
		b.Reset()
		return err
	}

	b.S("# at ").V(&head).Cb('\n')
	if err = emit(); err != nil {
		return err
	}

	for {
		var event zodb.Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok = <-watchq:
		}

		if !ok {
			b.S("# storage closed\n")
			return emit()
		}

		switch ev := event.(type) {
		case *zodb.EventError:
			return ev.Err

		case *zodb.EventCommit:
			b.S("txn ").V(&ev.Tid).Cb('\n')
			if verbose {
				if ev.Version != "" {
					b.S("version ").S(ev.Version).Cb('\n')
				}
				for i := range ev.Changev {
					b.S("obj ").V(&ev.Changev[i]).Cb('\n')
				}
				b.Cb('\n')
			}

		default:
			panic(fmt.Sprintf("unexpected event: %T", event))
		}

		if err = emit(); err != nil {
			return err
		}
	}
}

// ----------------------------------------

const watchSummary = "watch ZODB database for changes"

func watchUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: zodb watch [OPTIONS] <storage>
Print transactions committed to a ZODB database as they happen.

<storage> is an URL (see 'zodb help zurl') of a ZODB-storage.

Options:

	-h --help       this help text.
	-v		also print version and changed objects of every transaction.
`)
}

func watchMain(argv []string) {
	var verbose bool
	flags := flag.FlagSet{Usage: func() { watchUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.BoolVar(&verbose, "v", false, "verbose mode")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 1 {
		flags.Usage()
		prog.Exit(2)
	}

	ctx := context.Background()
	stor, err := zodb.OpenStorage(ctx, argv[0], &zodb.OpenOptions{ReadOnly: true})
	if err != nil {
		prog.Fatal(err)
	}

	err = Watch(ctx, stor, os.Stdout, verbose)
	err = xerr.Merge(err, stor.Close())
	if err != nil {
		prog.Fatal(err)
	}
}
