// Copyright (C) 2017  Nexedi SA and Contributors.
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
// Catobj - dump content of a database object

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)


// Catobj writes raw data of latest revision of object oid to w.
func Catobj(ctx context.Context, w io.Writer, stor zodb.IStorage, oid zodb.Oid, version string) error {
	data, _, err := stor.Load(ctx, oid, version)
	if err != nil {
		return err
	}

	_, err = w.Write(data)	// NOTE deleted data are returned as err by Load
	return err
}

// Dumpobj dumps latest revision of object oid to w in the format of Dump.
func Dumpobj(ctx context.Context, w io.Writer, stor zodb.IStorage, oid zodb.Oid, version string, hashOnly bool) error {
	data, serial, err := stor.Load(ctx, oid, version)
	if err != nil {
		return err
	}

	// NOTE Load does not tell whether data was reused from another
	// transaction, so the object is always dumped with its data.
	objInfo := zodb.DataInfo{
		Oid:     oid,
		Tid:     serial,
		Data:    data,
		Version: version,
		DataTid: serial,
	}

	d := newDumper(w, hashOnly)
	if err = d.obj(&objInfo); err != nil {
		return err
	}
	return d.flush()
}

const catobjSummary = "dump content of a database object"

func catobjUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: zodb catobj [OPTIONS] <storage> oid...
Dump content of a ZODB database object.

<storage> is an URL (see 'zodb help zurl') of a ZODB-storage.
oid is object identifier as 16 hex digits, e.g. 0000000000000001.

Options:

	-h --help       this help text.
	-hashonly	dump only hashes of objects without content.
	-raw		dump object data without any headers. Only one object allowed.
	-version <v>	load objects in version v.
`)
}

func catobjMain(argv []string) {
	hashOnly := false
	raw := false
	version := ""

	flags := flag.FlagSet{Usage: func() { catobjUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.BoolVar(&hashOnly, "hashonly", hashOnly, "dump only hashes of objects")
	flags.BoolVar(&raw, "raw", raw, "dump object data without any headers. Only one object allowed.")
	flags.StringVar(&version, "version", version, "load objects in this version")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 2 {
		flags.Usage()
		prog.Exit(2)
	}
	storUrl := argv[0]

	if hashOnly && raw {
		prog.Fatal("-hashonly & -raw are incompatible")
	}

	oidv := []zodb.Oid{}
	for _, arg := range argv[1:] {
		oid, err := zodb.ParseOid(arg)
		if err != nil {
			prog.Fatal(err)
		}

		oidv = append(oidv, oid)
	}

	if raw && len(oidv) > 1 {
		prog.Fatal("only 1 object allowed with -raw")
	}

	ctx := context.Background()

	stor, err := zodb.OpenStorage(ctx, storUrl, &zodb.OpenOptions{ReadOnly: true})
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	catobj := func(oid zodb.Oid) error {
		if raw {
			return Catobj(ctx, os.Stdout, stor, oid, version)
		} else {
			return Dumpobj(ctx, os.Stdout, stor, oid, version, hashOnly)
		}
	}

	for _, oid := range oidv {
		err = catobj(oid)
		if err != nil {
			prog.Fatal(err)
		}
	}
}
