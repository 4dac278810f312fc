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
package zodb

import (
	"reflect"
	"testing"
)

// estr returns err text or "" for nil.
func estr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestOidTidString(t *testing.T) {
	if s := Oid(1).String(); s != "0000000000000001" {
		t.Errorf("oid string: %q", s)
	}
	if s := Tid(0x0285cbac258bf266).String(); s != "0285cbac258bf266" {
		t.Errorf("tid string: %q", s)
	}

	for _, tid := range []Tid{0, 1, 0x0285cbac258bf266, TidMax} {
		tid2, err := ParseTid(tid.String())
		if err != nil || tid2 != tid {
			t.Errorf("%v: parse back -> %v, %v", tid, tid2, err)
		}
	}
}

func TestParseOid(t *testing.T) {
	for _, tt := range []struct {
		in   string
		oid  Oid
		estr string
	}{
		{"", 0, `oid "" invalid`},
		{"0123456789abcde", 0, `oid "0123456789abcde" invalid`},
		{"0123456789abcdeq", 0, `oid "0123456789abcdeq" invalid`},
		{"+123456789abcdef", 0, `oid "+123456789abcdef" invalid`},
		{"0123456789abcdef", 0x0123456789abcdef, ""},
		{"0123456789ABCDEF", 0x0123456789abcdef, ""},
	} {
		oid, err := ParseOid(tt.in)
		if oid != tt.oid || estr(err) != tt.estr {
			t.Errorf("%q: have %v %q; want %v %q", tt.in, oid, estr(err), tt.oid, tt.estr)
		}
	}
}

func TestParseTidRange(t *testing.T) {
	for _, tt := range []struct {
		in             string
		tidMin, tidMax Tid
		estr           string
	}{
		{"", 0, 0, `tid range "" invalid`},
		{".", 0, 0, `tid range "." invalid`},
		{"..", 0, TidMax, ""},
		{"0123456789abcdef..", 0x0123456789abcdef, TidMax, ""},
		{"..0123456789abcdef", 0, 0x0123456789abcdef, ""},
		{"0000000000000001..0000000000000001", 1, 1, ""},
		{"0000000000000002..0000000000000001", 0, 0, `tid range "0000000000000002..0000000000000001" invalid`},
		{"xx..", 0, 0, `tid range "xx.." invalid`},
	} {
		tmin, tmax, err := ParseTidRange(tt.in)
		if tmin != tt.tidMin || tmax != tt.tidMax || estr(err) != tt.estr {
			t.Errorf("%q: have %v %v %q; want %v %v %q", tt.in,
				tmin, tmax, estr(err), tt.tidMin, tt.tidMax, tt.estr)
		}
	}
}

func TestParseOidList(t *testing.T) {
	for _, tt := range []struct {
		in   string
		oidv []Oid
		estr string
	}{
		{"", nil, ""},
		{"0000000000000001", []Oid{1}, ""},
		{"0000000000000001, 00000000000000ff\t0000000000000002", []Oid{1, 0xff, 2}, ""},
		{"0000000000000001,zz", nil, `oid "zz" invalid`},
	} {
		oidv, err := ParseOidList(tt.in)
		if !reflect.DeepEqual(oidv, tt.oidv) || estr(err) != tt.estr {
			t.Errorf("%q: have %v %q; want %v %q", tt.in, oidv, estr(err), tt.oidv, tt.estr)
		}
	}
}
