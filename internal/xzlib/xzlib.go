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

// Package xzlib provides convenience utilities to compress/decompress zlib data.
package xzlib

import (
	"github.com/DataDog/czlib"
)

// Compress compresses data according to zlib encoding.
//
// default level and dictionary are used.
func Compress(data []byte) (zdata []byte) {
	zdata, err := czlib.Compress(data)
	if err != nil {
		panic(err) // in-memory compression never fails
	}
	return zdata
}

// MaybeCompress compresses data if it is at least minSize long and only if
// compression actually saves space.
//
// compressed reports whether zdata is zlib-encoded or is data as is.
func MaybeCompress(data []byte, minSize int) (zdata []byte, compressed bool) {
	if len(data) < minSize {
		return data, false
	}
	zdata = Compress(data)
	if len(zdata) >= len(data) {
		return data, false
	}
	return zdata, true
}

// Decompress decompresses data according to zlib encoding.
//
// return: destination buffer with full decompressed data or error.
func Decompress(zdata []byte) (data []byte, err error) {
	return czlib.Decompress(zdata)
}
