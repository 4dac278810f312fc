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
package zodb
// text form of oids, tids and tid ranges

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"lab.nexedi.com/kirr/go123/xfmt"
)

// String returns tid as 16-character hex string, e.g. 0285cbac258bf266.
//
// See also: ParseTid.
func (tid Tid) String() string {
	return string(tid.XFmtString(nil))
}

// String returns oid as 16-character hex string, e.g. 0000000000000001.
//
// See also: ParseOid.
func (oid Oid) String() string {
	return string(oid.XFmtString(nil))
}

func (tid Tid) XFmtString(b []byte) []byte { return xfmt.AppendHex016(b, uint64(tid)) }
func (oid Oid) XFmtString(b []byte) []byte { return xfmt.AppendHex016(b, uint64(oid)) }

// parseHex64 decodes exactly 16 hex digits into uint64.
//
// kind names what is being parsed and goes into the error.
func parseHex64(kind, s string) (uint64, error) {
	if len(s) == 16 && s[0] != '+' && s[0] != '-' {
		x, err := strconv.ParseUint(s, 16, 64)
		if err == nil {
			return x, nil
		}
	}
	return 0, fmt.Errorf("%s %q invalid", kind, s)
}

// ParseTid parses tid in the form produced by Tid.String.
func ParseTid(s string) (Tid, error) {
	x, err := parseHex64("tid", s)
	return Tid(x), err
}

// ParseOid parses oid in the form produced by Oid.String.
func ParseOid(s string) (Oid, error) {
	x, err := parseHex64("oid", s)
	return Oid(x), err
}

// ParseTidRange parses "<tidmin>..<tidmax>".
//
// Either bound may be omitted: 0 and TidMax are used then.
// A range with tidmin > tidmax is invalid.
func ParseTidRange(s string) (tidMin, tidMax Tid, err error) {
	bad := func() (Tid, Tid, error) {
		return 0, 0, fmt.Errorf("tid range %q invalid", s)
	}

	i := strings.Index(s, "..")
	if i < 0 {
		return bad()
	}
	lo, hi := s[:i], s[i+2:]

	tidMin, tidMax = 0, TidMax
	if lo != "" {
		if tidMin, err = ParseTid(lo); err != nil {
			return bad()
		}
	}
	if hi != "" {
		if tidMax, err = ParseTid(hi); err != nil {
			return bad()
		}
	}
	if tidMin > tidMax {
		return bad()
	}
	return tidMin, tidMax, nil
}

// ParseOidList parses oids separated by commas and/or whitespace.
func ParseOidList(s string) ([]Oid, error) {
	sep := func(r rune) bool { return r == ',' || unicode.IsSpace(r) }

	var oidv []Oid
	for _, f := range strings.FieldsFunc(s, sep) {
		oid, err := ParseOid(f)
		if err != nil {
			return nil, err
		}
		oidv = append(oidv, oid)
	}
	return oidv, nil
}
