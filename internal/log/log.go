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
// Package log is glog with the context's task chain put in front of every message.
//
// A message logged under "zeo serve :8100" -> "client 1.2.3.4:5" comes out as
//
//	zeo serve :8100: client 1.2.3.4:5: <message>
//
// glog flags (-v, -logtostderr, ...) control output.
package log

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/zconn/go/internal/xcontext/task"
)

// prefixed returns argv with ctx's task chain put in front.
func prefixed(ctx context.Context, argv ...interface{}) []interface{} {
	prefix := task.Current(ctx).String()
	if prefix == "" {
		return argv
	}
	if len(argv) > 0 {
		prefix += ": "
	}
	return append([]interface{}{prefix}, argv...)
}

// Depth logs as if called Depth frames further up the stack.
type Depth int

func (d Depth) Info(ctx context.Context, argv ...interface{}) {
	glog.InfoDepth(int(d)+1, prefixed(ctx, argv...)...)
}

func (d Depth) Infof(ctx context.Context, format string, argv ...interface{}) {
	glog.InfoDepth(int(d)+1, prefixed(ctx, fmt.Sprintf(format, argv...))...)
}

// Debugf is Infof that is emitted only with -v=2 or higher.
func (d Depth) Debugf(ctx context.Context, format string, argv ...interface{}) {
	if glog.V(2) {
		glog.InfoDepth(int(d)+1, prefixed(ctx, fmt.Sprintf(format, argv...))...)
	}
}

func (d Depth) Warning(ctx context.Context, argv ...interface{}) {
	glog.WarningDepth(int(d)+1, prefixed(ctx, argv...)...)
}

func (d Depth) Warningf(ctx context.Context, format string, argv ...interface{}) {
	glog.WarningDepth(int(d)+1, prefixed(ctx, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Error(ctx context.Context, argv ...interface{}) {
	glog.ErrorDepth(int(d)+1, prefixed(ctx, argv...)...)
}

func (d Depth) Errorf(ctx context.Context, format string, argv ...interface{}) {
	glog.ErrorDepth(int(d)+1, prefixed(ctx, fmt.Sprintf(format, argv...))...)
}

func Info(ctx context.Context, argv ...interface{})    { Depth(1).Info(ctx, argv...) }
func Warning(ctx context.Context, argv ...interface{}) { Depth(1).Warning(ctx, argv...) }
func Error(ctx context.Context, argv ...interface{})   { Depth(1).Error(ctx, argv...) }

func Infof(ctx context.Context, format string, argv ...interface{})    { Depth(1).Infof(ctx, format, argv...) }
func Debugf(ctx context.Context, format string, argv ...interface{})   { Depth(1).Debugf(ctx, format, argv...) }
func Warningf(ctx context.Context, format string, argv ...interface{}) { Depth(1).Warningf(ctx, format, argv...) }
func Errorf(ctx context.Context, format string, argv ...interface{})   { Depth(1).Errorf(ctx, format, argv...) }

// Flush writes out buffered log lines.
func Flush() { glog.Flush() }
