// Copyright (C) 2018-2019  Nexedi SA and Contributors.
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

import (
	"reflect"
	"testing"
)

func TestΔTail(t *testing.T) {
	δtail := newΔTail(0)

	// E is syntactic sugar to create 1 δEntry
	E := func(seq uint64, tid Tid, changev ...Oid) δEntry {
		return δEntry{seq: seq, tid: tid, changev: changev}
	}

	// δAppend is syntactic sugar for δtail.Append
	δAppend := func(δ δEntry) {
		t.Helper()
		seq := δtail.Append(δ.tid, δ.version, δ.changev)
		if seq != δ.seq {
			t.Fatalf("Append(%s) -> seq %d  ; want %d", δ.tid, seq, δ.seq)
		}
	}

	// δCheck verifies that δtail state corresponds to provided tailv
	δCheck := func(head uint64, tailv ...δEntry) {
		t.Helper()

		// Len/Head/Tail
		if l := δtail.Len(); l != len(tailv) {
			t.Fatalf("Len() -> %d  ; want %d", l, len(tailv))
		}

		if h := δtail.Head(); h != head {
			t.Fatalf("Head() -> %d  ; want %d", h, head)
		}

		tail := head
		if len(tailv) > 0 {
			tail = tailv[0].seq-1
		}
		if tt := δtail.Tail(); tt != tail {
			t.Fatalf("Tail() -> %d  ; want %d", tt, tail)
		}

		if !tailvEqual(δtail.tailv, tailv) {
			t.Fatalf("tailv:\nhave: %v\nwant: %v", δtail.tailv, tailv)
		}

		// SliceBySeq(lo, hi) == entries with seq ∈ (lo, hi]
		for lo := tail; lo <= head; lo++ {
			for hi := lo; hi <= head; hi++ {
				have := δtail.SliceBySeq(lo, hi)
				var want []δEntry
				for _, δ := range tailv {
					if lo < δ.seq && δ.seq <= hi {
						want = append(want, δ)
					}
				}
				if !tailvEqual(have, want) {
					t.Fatalf("SliceBySeq(%d, %d) -> %v  ; want %v", lo, hi, have, want)
				}
			}
		}

		if !δtail.Covers(tail) || (tail > 0 && δtail.Covers(tail-1)) {
			t.Fatalf("Covers: wrong coverage around tail %d", tail)
		}
	}

	δCheck(0)

	δAppend(E(1, 10, 3,5))
	δCheck(1, E(1, 10, 3,5))

	// tid does not need to be ↑
	δAppend(E(2, 8, 7))
	δCheck(2, E(1, 10, 3,5), E(2, 8, 7))

	δAppend(E(3, 12, 7))
	δAppend(E(4, 14, 3,8))
	δCheck(4, E(1, 10, 3,5), E(2, 8, 7), E(3, 12, 7), E(4, 14, 3,8))

	δtail.ForgetBefore(1)
	δCheck(4, E(1, 10, 3,5), E(2, 8, 7), E(3, 12, 7), E(4, 14, 3,8))

	δtail.ForgetBefore(2)
	δCheck(4, E(2, 8, 7), E(3, 12, 7), E(4, 14, 3,8))

	δtail.ForgetBefore(4)
	δCheck(4, E(4, 14, 3,8))

	δtail.ForgetBefore(5)
	δCheck(4)

	// SliceBySeq panics on out-of-coverage query
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("SliceBySeq(2, 4) out of coverage: not panicked")
			}
		}()
		δtail.SliceBySeq(2, 4)
	}()

	// .tailv underlying storage is not kept after forget
	const N = 1E3
	for i := 0; i < N; i++ {
		δtail.Append(Tid(100+i), "", []Oid{1})
	}

	capN := cap(δtail.tailv)
	δtail.ForgetBefore(N)
	if c := cap(δtail.tailv); !(c < capN/10) {
		t.Fatalf("forget: tailv storage did not shrink: cap%v: %d -> cap: %d", N, capN, c)
	}
}

func TestΔTailMaxLen(t *testing.T) {
	δtail := newΔTail(3)
	for i := 1; i <= 5; i++ {
		δtail.Append(Tid(i), "v", []Oid{Oid(i)})
	}

	if l := δtail.Len(); l != 3 {
		t.Fatalf("Len() -> %d  ; want 3", l)
	}
	if h, tt := δtail.Head(), δtail.Tail(); h != 5 || tt != 2 {
		t.Fatalf("(tail, head] = (%d, %d]  ; want (2, 5]", tt, h)
	}
	if δtail.Covers(1) {
		t.Fatal("Covers(1) -> true  ; want false")
	}

	want := []δEntry{
		{seq: 3, tid: 3, version: "v", changev: []Oid{3}},
		{seq: 4, tid: 4, version: "v", changev: []Oid{4}},
		{seq: 5, tid: 5, version: "v", changev: []Oid{5}},
	}
	if have := δtail.SliceBySeq(2, 5); !tailvEqual(have, want) {
		t.Fatalf("SliceBySeq(2, 5):\nhave: %v\nwant: %v", have, want)
	}
}

func tailvEqual(a, b []δEntry) bool {
	// for empty one can be nil and another !nil [] = reflect.DeepEqual
	// does not think those are equal.
	return (len(a) == 0 && len(b) == 0) ||
		reflect.DeepEqual(a, b)
}
