// Copyright (C) 2020  Nexedi SA and Contributors.
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

package zodbtools
// Undolog & undo - inspect and undo transactions

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/zconn/go/transaction"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// Undolog prints information about n most recent undoable transactions of stor.
//
// Output format is one line per transaction:
//
//	<tid> <time> <user|quote> <description|quote>
func Undolog(ctx context.Context, w io.Writer, stor zodb.IStorage, n int) (err error) {
	defer xerr.Contextf(&err, "%s: undolog", stor.URL())

	infov, err := stor.UndoInfo(ctx, 0, n)
	if err != nil {
		return err
	}

	for _, info := range infov {
		_, err = fmt.Fprintf(w, "%s %s %q %q\n", info.Tid, info.Tid.Time(), info.User, info.Description)
		if err != nil {
			return err
		}
	}
	return nil
}

// Undo undoes transactions tidv in one new transaction.
//
// It returns tid of the undo transaction and objects it changed.
func Undo(ctx context.Context, stor zodb.IStorage, tidv []zodb.Tid, user, desc string) (_ zodb.Tid, oidv []zodb.Oid, err error) {
	defer xerr.Contextf(&err, "%s: undo %v", stor.URL(), tidv)

	txn, _ := transaction.New(context.Background())
	txn.SetUser(user)
	txn.Note(desc)

	err = stor.TPCBegin(ctx, txn)
	if err != nil {
		return zodb.InvalidTid, nil, err
	}
	abort := func(err error) (zodb.Tid, []zodb.Oid, error) {
		stor.TPCAbort(ctx, txn)
		return zodb.InvalidTid, nil, err
	}

	for _, tid := range tidv {
		δoidv, err := stor.Undo(ctx, tid, txn)
		if err != nil {
			return abort(err)
		}
		oidv = append(oidv, δoidv...)
	}

	replies, err := stor.TPCVote(ctx, txn)
	if err != nil {
		return abort(err)
	}
	for _, r := range replies {
		if r.Err != nil {
			return abort(r.Err)
		}
	}

	tid, err := stor.TPCFinish(ctx, txn, nil)
	if err != nil {
		return zodb.InvalidTid, nil, err
	}
	return tid, oidv, nil
}


const undologSummary = "list transactions that can be undone"

func undologUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: zodb undolog [OPTIONS] <storage>
List most recent transactions that can be undone.

<storage> is an URL (see 'zodb help zurl') of a ZODB-storage.

Options:

	-h --help       this help text.
	-n <N>		list at most N transactions (default 20).
`)
}

func undologMain(argv []string) {
	n := 20
	flags := flag.FlagSet{Usage: func() { undologUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.IntVar(&n, "n", n, "list at most N transactions")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 1 || n < 0 {
		flags.Usage()
		prog.Exit(2)
	}
	zurl := argv[0]

	ctx := context.Background()
	stor, err := zodb.OpenStorage(ctx, zurl, &zodb.OpenOptions{ReadOnly: true})
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	err = Undolog(ctx, os.Stdout, stor, n)
	if err != nil {
		prog.Fatal(err)
	}
}


const undoSummary = "undo transactions"

func undoUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: zodb undo [OPTIONS] <storage> tid...
Undo transactions (see 'zodb help tid').

All given transactions are undone in one new transaction. Tid of the new
transaction is printed on success.

<storage> is an URL (see 'zodb help zurl') of a ZODB-storage.

Options:

	-h --help       this help text.
	-m <text>	description of undo transaction.
	-v		print objects changed by undo.
`)
}

func undoMain(argv []string) {
	desc := ""
	verbose := false
	flags := flag.FlagSet{Usage: func() { undoUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.StringVar(&desc, "m", desc, "description of undo transaction")
	flags.BoolVar(&verbose, "v", verbose, "print objects changed by undo")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 2 {
		flags.Usage()
		prog.Exit(2)
	}
	zurl := argv[0]

	var tidv []zodb.Tid
	for _, arg := range argv[1:] {
		tid, err := zodb.ParseTid(arg)
		if err != nil {
			prog.Fatal(err)
		}
		tidv = append(tidv, tid)
	}
	if desc == "" {
		desc = fmt.Sprintf("undo %v", tidv)
	}
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	ctx := context.Background()
	stor, err := zodb.OpenStorage(ctx, zurl, nil)
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	tid, oidv, err := Undo(ctx, stor, tidv, username, desc)
	if err != nil {
		prog.Fatal(err)
	}
	fmt.Println(tid)
	if verbose {
		for _, oid := range oidv {
			fmt.Printf("obj %s\n", oid)
		}
	}
}
