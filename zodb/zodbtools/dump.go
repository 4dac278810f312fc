// Copyright (C) 2016-2017  Nexedi SA and Contributors.
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
/*
Dump - print the whole history of a ZODB database.

Dump walks transactions of a storage with its Iterate method and, for every
transaction, prints the transaction header followed by one record per changed
object. Metadata is text, object data goes out as raw bytes. Without -hashonly
the output carries everything needed to rebuild the same history elsewhere.

Format:

    txn <tid> <status|quote>
    user <user|quote>
    description <description|quote>
    extension <extension|quote>
    obj <oid> [version <version|quote>] (delete | from <tid> | <size> sha1:<hash> (-|LF <raw-content>)) LF
    ...
    LF
    txn ...

quote is a Go-quoted string. "from <tid>" means the object data is shared with
the record committed by <tid>, as happens after undo.
*/

package zodbtools

import (
	"bufio"
	"context"
	"crypto/sha1"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xfmt"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// dumper formats txn and data records into w.
//
// Output is buffered; callers must flush.
type dumper struct {
	w        *bufio.Writer
	hashOnly bool
	ntxn     int

	hdr xfmt.Buffer
}

func newDumper(w io.Writer, hashOnly bool) *dumper {
	return &dumper{w: bufio.NewWriter(w), hashOnly: hashOnly}
}

func (d *dumper) flush() error {
	return d.w.Flush()
}

// obj emits one data record.
func (d *dumper) obj(datai *zodb.DataInfo) error {
	h := &d.hdr
	h.Reset()
	h.S("obj ").V(&datai.Oid)
	if datai.Version != "" {
		h.S(" version ").S(strconv.Quote(datai.Version))
	}
	h.Cb(' ')

	var payload []byte
	switch {
	case datai.Data == nil:
		h.S("delete")

	case datai.DataTid != datai.Tid:
		h.S("from ").V(&datai.DataTid)

	default:
		sum := sha1.Sum(datai.Data)
		h.D(len(datai.Data)).S(" sha1:").Xb(sum[:])
		if d.hashOnly {
			h.S(" -")
		} else {
			h.Cb('\n')
			payload = datai.Data
		}
	}

	d.w.Write(h.Bytes())
	d.w.Write(payload)
	if err := d.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("obj %s: %w", datai.Oid, err)
	}
	return nil
}

// txn emits transaction header and all its data records.
func (d *dumper) txn(ctx context.Context, txni *zodb.TxnInfo, dataIter zodb.IDataIterator) (err error) {
	defer xerr.Contextf(&err, "txn %s", txni.Tid)

	if d.ntxn > 0 {
		d.w.WriteByte('\n')
	}
	d.ntxn++

	fmt.Fprintf(d.w, "txn %s %q\nuser %q\ndescription %q\nextension %q\n",
		txni.Tid, string(txni.Status), txni.User, txni.Description, txni.Extension)

	for {
		datai, err := dataIter.NextData(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err = d.obj(datai); err != nil {
			return err
		}
	}
}

// dump emits all transactions of stor in [tidMin, tidMax].
func (d *dumper) dump(ctx context.Context, stor zodb.IStorage, tidMin, tidMax zodb.Tid) (err error) {
	defer xerr.Contextf(&err, "%s: dump %s..%s", stor.URL(), tidMin, tidMax)

	iter := stor.Iterate(ctx, tidMin, tidMax)
	for {
		txni, dataIter, err := iter.NextTxn(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err = d.txn(ctx, txni, dataIter); err != nil {
			return err
		}
	}
	return d.flush()
}

// Dump writes transactions of stor in [tidMin, tidMax] to w.
//
// See package documentation for the output format.
func Dump(ctx context.Context, w io.Writer, stor zodb.IStorage, tidMin, tidMax zodb.Tid, hashOnly bool) error {
	return newDumper(w, hashOnly).dump(ctx, stor, tidMin, tidMax)
}

// ----------------------------------------

const dumpSummary = "dump content of a ZODB database"

func dumpUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: zodb dump [OPTIONS] <storage> [tidmin..tidmax]
Dump content of a ZODB database.

<storage> is an URL (see 'zodb help zurl') of a ZODB-storage.
The range defaults to the whole history (see 'zodb help tid').

Options:

	-h --help       this help text.
	-hashonly	dump only hashes of objects without content.
`)
}

func dumpMain(argv []string) {
	var hashOnly bool

	flags := flag.FlagSet{Usage: func() { dumpUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.BoolVar(&hashOnly, "hashonly", false, "dump only hashes of objects")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 1 || len(argv) > 2 {
		flags.Usage()
		prog.Exit(2)
	}

	tidRange := ".."
	if len(argv) == 2 {
		tidRange = argv[1]
	}
	tidMin, tidMax, err := zodb.ParseTidRange(tidRange)
	if err != nil {
		prog.Fatal(err)
	}

	ctx := context.Background()
	stor, err := zodb.OpenStorage(ctx, argv[0], &zodb.OpenOptions{ReadOnly: true})
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	if err = Dump(ctx, os.Stdout, stor, tidMin, tidMax, hashOnly); err != nil {
		prog.Fatal(err)
	}
}
