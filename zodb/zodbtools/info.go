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
// Info - print summary parameters of a ZODB database

package zodbtools

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/zconn/go/zodb"
)

// infoParams lists parameters Info knows about, in output order.
var infoParams = []string{"name", "last_tid", "last_time", "uuid"}

// infoParam returns value of one parameter of stor.
//
// head is stor's last committed tid, queried once per Info call.
func infoParam(stor zodb.IStorage, head zodb.Tid, name string) (string, bool) {
	switch name {
	case "name":
		return stor.URL(), true
	case "last_tid":
		return head.String(), true
	case "last_time":
		return head.Time().String(), true
	case "uuid":
		if s, ok := stor.(interface{ UUID() string }); ok {
			return s.UUID(), true
		}
		return "", true
	}
	return "", false
}

// Info prints requested parameters of stor to w, one per line.
//
// With no parameters given every known parameter is printed as name=value.
func Info(ctx context.Context, w io.Writer, stor zodb.IStorage, paramv []string) (err error) {
	defer xerr.Contextf(&err, "%s: info", stor.URL())

	named := len(paramv) == 0
	if named {
		paramv = infoParams
	}

	head, err := stor.LastTid(ctx)
	if err != nil {
		return err
	}

	var out strings.Builder
	for _, name := range paramv {
		value, ok := infoParam(stor, head, name)
		if !ok {
			return fmt.Errorf("invalid parameter: %s", name)
		}
		if named {
			out.WriteString(name + "=")
		}
		out.WriteString(value + "\n")
	}

	_, err = io.WriteString(w, out.String())
	return err
}

// ----------------------------------------

const infoSummary = "print general information about a ZODB database"

func infoUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: zodb info [OPTIONS] <storage> [parameter ...]
Print general information about a ZODB database.

<storage> is an URL (see 'zodb help zurl') of a ZODB-storage.

Without parameter names all parameters are printed as name=value lines.
Known parameters: %s.

Options:

    -h  --help      show this help
`, strings.Join(infoParams, ", "))
}

func infoMain(argv []string) {
	flags := flag.FlagSet{Usage: func() { infoUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 1 {
		flags.Usage()
		prog.Exit(2)
	}

	ctx := context.Background()
	stor, err := zodb.OpenStorage(ctx, argv[0], &zodb.OpenOptions{ReadOnly: true})
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	if err = Info(ctx, os.Stdout, stor, argv[1:]); err != nil {
		prog.Fatal(err)
	}
}
