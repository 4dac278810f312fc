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

// Package zodbtools provides tools for managing ZODB databases.
package zodbtools

import "lab.nexedi.com/kirr/go123/prog"

var commands = prog.CommandRegistry{
	// NOTE the order commands are listed here is the order how they will appear in help
	{Name: "info", Summary: infoSummary, Usage: infoUsage, Main: infoMain},
	{Name: "dump", Summary: dumpSummary, Usage: dumpUsage, Main: dumpMain},
	{Name: "catobj", Summary: catobjSummary, Usage: catobjUsage, Main: catobjMain},
	{Name: "watch", Summary: watchSummary, Usage: watchUsage, Main: watchMain},
	{Name: "undolog", Summary: undologSummary, Usage: undologUsage, Main: undologMain},
	{Name: "undo", Summary: undoSummary, Usage: undoUsage, Main: undoMain},
	{Name: "serve", Summary: serveSummary, Usage: serveUsage, Main: serveMain},
}

// Prog is the zodb program.
var Prog = prog.MainProg{
	Name:       "zodb",
	Summary:    "Zodb is a tool for managing ZODB databases",
	Commands:   commands,
	HelpTopics: helpTopics,
}
