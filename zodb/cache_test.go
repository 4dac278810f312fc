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

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tCache is LiveCache of a connection that is never used to load anything.
type tCache struct {
	*testing.T
	*LiveCache
	jar *Connection
}

func newTestCache(t *testing.T, sizeMax int) *tCache {
	return &tCache{T: t, LiveCache: newLiveCache(sizeMax), jar: &Connection{}}
}

// live puts new live object with value into the cache under oid.
func (c *tCache) live(oid Oid, value string) *MyObject {
	obj := &MyObject{value: value}
	obj.attach(c.jar, oid, 1, UPTODATE, obj)
	c.set(oid, obj)
	return obj
}

// ghost puts new ghost into the cache under oid.
func (c *tCache) ghost(oid Oid) *MyObject {
	obj := &MyObject{}
	obj.attach(c.jar, oid, InvalidTid, GHOST, obj)
	c.setIfAbsent(oid, obj)
	return obj
}

func TestLiveCacheBasic(t *testing.T) {
	assert := require.New(t)
	c := newTestCache(t, 0)
	assert.Equal(DefaultCacheSize, c.SizeMax())

	assert.Nil(c.Get(1))
	o1 := c.live(1, "a")
	o2 := c.ghost(2)
	assert.True(c.Get(1) == o1)
	assert.True(c.Get(2) == o2)
	assert.Equal(2, c.Len())
	assert.Equal(1, c.LiveLen()) // ghosts are not accounted

	// at most one object per oid
	x := &MyObject{}
	assert.True(c.setIfAbsent(2, x) == IPersistent(o2))
	assert.True(c.Get(2) == o2)

	// activate accounts loaded ghost
	o2.persistent().setLive(1)
	c.activate(2)
	assert.Equal(2, c.LiveLen())
	c.activate(3) // not there
	assert.Equal(2, c.LiveLen())

	assert.Equal([]Oid{1, 2}, c.Oids())

	c.remove(1)
	c.remove(1)
	assert.Nil(c.Get(1))
	assert.Equal(1, c.Len())
	assert.Equal(1, c.LiveLen())
}

func TestLiveCacheInvalidate(t *testing.T) {
	assert := require.New(t)
	c := newTestCache(t, 0)

	o1 := c.live(1, "a")
	o2 := c.live(2, "b")
	o3 := c.live(3, "c")
	o2.persistent().state = CHANGED

	// modified objects are refused
	err := c.invalidate([]Oid{1, 2, 3, 4})
	assert.Error(err)
	assert.Equal(GHOST, o1.PState())
	assert.Equal("", o1.value)
	assert.Equal(CHANGED, o2.PState())
	assert.Equal("b", o2.value)
	assert.Equal(GHOST, o3.PState())
	assert.Equal(1, c.LiveLen())
	assert.Equal(3, c.Len()) // ghosts stay

	// discard drops changes too
	c.discard([]Oid{2, 4})
	assert.Equal(GHOST, o2.PState())
	assert.Equal("", o2.value)
	assert.Equal(0, c.LiveLen())

	assert.NoError(c.invalidate([]Oid{1, 2, 3}))
}

func TestLiveCacheShrink(t *testing.T) {
	assert := require.New(t)
	c := newTestCache(t, 4)

	root := c.live(RootOid, "root")
	objv := []*MyObject{root}
	for oid := Oid(1); oid < 6; oid++ {
		objv = append(objv, c.live(oid, "x"))
	}
	assert.Equal(6, c.LiveLen())

	// 1 is recently used; 2 is pinned; 3 is modified
	c.activate(1)
	objv[2].persistent().refcnt++
	objv[3].persistent().state = CHANGED

	c.Shrink()
	states := func() []ObjectState {
		var v []ObjectState
		for _, obj := range objv {
			v = append(v, obj.PState())
		}
		return v
	}
	// LRU: root 2 3 4 5 1 -> 4 and 5 are evicted
	assert.Equal([]ObjectState{UPTODATE, UPTODATE, UPTODATE, CHANGED, GHOST, GHOST}, states())
	assert.Equal(4, c.LiveLen())
	assert.Equal(6, c.Len())

	// nothing more can be evicted but 1
	c.SetSizeMax(3)
	c.Shrink()
	assert.Equal([]ObjectState{UPTODATE, GHOST, UPTODATE, CHANGED, GHOST, GHOST}, states())
	assert.Equal(3, c.LiveLen())

	// objects that became ghosts behind cache back are unlinked
	objv[2].persistent().refcnt--
	objv[2].PInvalidate()
	c.SetSizeMax(1)
	c.Shrink()
	assert.Equal(2, c.LiveLen()) // root + modified
	assert.Equal(UPTODATE, root.PState())
	assert.Equal(CHANGED, objv[3].PState())
}

func TestLiveCacheClear(t *testing.T) {
	assert := require.New(t)
	c := newTestCache(t, 0)

	o1 := c.live(1, "a")
	o2 := c.live(2, "b")
	o2.persistent().state = CHANGED

	c.clear()
	assert.Equal(0, c.Len())
	assert.Equal(0, c.LiveLen())
	assert.Nil(c.Get(1))
	assert.Equal(GHOST, o1.PState())
	assert.Equal(CHANGED, o2.PState())
	assert.Equal("b", o2.value)

	// cache is usable after clear
	o3 := c.live(1, "c")
	assert.True(c.Get(1) == o3)
	assert.Equal(1, c.LiveLen())
}

func TestLiveCacheReleasedGhost(t *testing.T) {
	assert := require.New(t)
	c := newTestCache(t, 0)

	o1 := c.live(1, "a")
	c.ghost(2) // referenced only by the cache

	for i := 0; i < 20 && c.Len() != 1; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
		c.Shrink()
	}
	assert.Equal(1, c.Len())
	assert.Nil(c.Get(2))
	assert.Equal([]Oid{1}, c.Oids())

	// live objects are kept strongly
	assert.True(c.Get(1) == o1)

	// new object can be put under released oid
	o2 := c.ghost(2)
	assert.True(c.Get(2) == o2)
	runtime.KeepAlive(o1)
}
