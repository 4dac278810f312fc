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
// Package task attaches operation names to contexts.
//
// Names nest: an operation started under another one is printed after it,
// e.g. "zeo serve :8100: client 1.2.3.4:5: vote". Log lines and errors are
// prefixed with this chain.
package task

import (
	"context"
	"strings"

	"lab.nexedi.com/kirr/go123/xerr"
)

// Task is one named operation in a chain.
type Task struct {
	Parent *Task
	Name   string
}

type ctxKey struct{}

// Running returns ctx with a new task name pushed on top of the current chain.
func Running(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKey{}, &Task{Parent: Current(ctx), Name: name})
}

// Current returns the innermost task of ctx, or nil.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(ctxKey{}).(*Task)
	return t
}

// ErrContext prefixes *errp with the name of ctx's innermost task.
//
// Use it under defer; nil errors are left alone.
func ErrContext(errp *error, ctx context.Context) {
	if t := Current(ctx); t != nil {
		xerr.Context(errp, t.Name)
	}
}

// String returns the whole chain joined with ": ". nil Task gives "".
func (t *Task) String() string {
	var namev []string
	for ; t != nil; t = t.Parent {
		namev = append(namev, t.Name)
	}
	for i, j := 0, len(namev)-1; i < j; i, j = i+1, j-1 {
		namev[i], namev[j] = namev[j], namev[i]
	}
	return strings.Join(namev, ": ")
}
