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

package zodbtools

import "lab.nexedi.com/kirr/go123/prog"

const helpZURL =
`Almost every zodb command works with a database.
A database is specified by way of providing URL for its storage:

- /path/to/file.db, sqlite:///path/to/file.db   for a SQLite database
- mem://<name>                                  for an in-RAM database
- zeo://<host>:<port>, zeo:///path/to/socket    for a ZEO database

An in-RAM database lives while there are clients of it in the process;
mem:// without a name opens private database.

ZEO URL can be followed by parameters:

    storage=<name>      name of the storage on the server ("1" by default)
    timeout=<duration>  bound on every call to the server, e.g. 30s

Any URL accepts readonly=1 parameter to open the storage read-only.
`

const helpTid =
`Transaction is identified by 64-bit tid that is printed and specified as
16 hex digits, for example

	0285cbac258bf266

tid is also a timestamp: it encodes time the transaction was committed.

A range of transactions is specified as

	tidmin..tidmax

where both tidmin and tidmax are inclusive and either of them can be
omitted, for example

	0285cbac258bf266..	- transactions starting from 0285cbac258bf266
	..			- all transactions
`

var helpTopics = prog.HelpRegistry{
	{Name: "zurl", Summary: "specifying database URL", Text: helpZURL},
	{Name: "tid", Summary: "specifying transactions and ranges", Text: helpTid},
}
