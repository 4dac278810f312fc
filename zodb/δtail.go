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
	"fmt"
)

// δTail represents tail of database changes seen by DB.
//
// It semantically consists of
//
//	[](seq↑, tid, version, []oid)		; seq ∈ (tail, head]
//
// where seq is local sequence number DB assigns to every change it is
// notified of. Changes are numbered locally, not by tid, because
// notifications of transactions committed via DB itself and notifications
// coming from storage watcher are not ordered with respect to each other.
//
// It provides operations to
//
//	- append information to the tail about next change,
//	- forget information in the tail past specified seq, and
//	- query the tail for len, head and tail.
//	- query the tail for slice with seq ∈ (lo, hi].
//
// δTail is not safe for concurrent use; DB protects it with its mu.
type δTail struct {
	head   uint64
	tailv  []δEntry
	maxLen int // 0 means no limit
}

// δEntry represents information of what have been changed by one transaction.
type δEntry struct {
	seq     uint64
	tid     Tid
	version string
	changev []Oid
}

// newΔTail creates new δTail that keeps at most maxLen entries.
func newΔTail(maxLen int) *δTail {
	return &δTail{maxLen: maxLen}
}

// Len returns number of elements.
func (δtail *δTail) Len() int {
	return len(δtail.tailv)
}

// Head returns seq of the latest change.
//
// For newly created δTail Head returns 0.
// Head is ↑, in particular it does not go back to 0 when δtail becomes empty.
func (δtail *δTail) Head() uint64 {
	return δtail.head
}

// Tail returns seq after which δtail has history coverage.
//
// Tail is ↑, in particular it does not go back to 0 when δtail becomes empty.
func (δtail *δTail) Tail() uint64 {
	if len(δtail.tailv) > 0 {
		return δtail.tailv[0].seq - 1
	}
	return δtail.head
}

// Covers returns whether δtail has all changes with seq ∈ (low, head].
func (δtail *δTail) Covers(low uint64) bool {
	return δtail.Tail() <= low && low <= δtail.head
}

// SliceBySeq returns δtail slice with .seq ∈ (low, high].
//
// it must be called with the following condition:
//
//	tail ≤ low ≤ high ≤ head
//
// the caller must not modify returned slice.
//
// Note: contrary to regular go slicing, low is exclusive while high is inclusive.
func (δtail *δTail) SliceBySeq(low, high uint64) /*readonly*/ []δEntry {
	tail := δtail.Tail()
	head := δtail.head
	if !(tail <= low && low <= high && high <= head) {
		panic(fmt.Sprintf("δtail.Slice: (%d, %d] invalid; tail..head = %d..%d", low, high, tail, head))
	}

	// entries are numbered without gaps: [i].seq = tail+1+i
	i := low - tail
	j := high - tail
	return δtail.tailv[i:j]
}

// Append appends to δtail information about what have been changed by next
// transaction.
//
// It returns seq assigned to the change. Oldest entries are forgotten if
// δtail grows over its limit.
func (δtail *δTail) Append(tid Tid, version string, changev []Oid) uint64 {
	δtail.head++
	δtail.tailv = append(δtail.tailv, δEntry{δtail.head, tid, version, changev})

	if δtail.maxLen > 0 && len(δtail.tailv) > δtail.maxLen {
		δtail.ForgetBefore(δtail.head - uint64(δtail.maxLen) + 1)
	}
	return δtail.head
}

// ForgetBefore discards all δtail entries with seq < seqCut.
func (δtail *δTail) ForgetBefore(seqCut uint64) {
	icut := 0
	for i, δ := range δtail.tailv {
		if δ.seq >= seqCut {
			break
		}
		icut = i+1
	}
	if icut == 0 {
		return
	}

	// tailv = tailv[icut:]	  but without
	// 1) growing underlying storage array indefinitely
	// 2) keeping underlying storage after forget
	l := len(δtail.tailv)-icut
	tailv := make([]δEntry, l)
	copy(tailv, δtail.tailv[icut:])
	δtail.tailv = tailv
}
