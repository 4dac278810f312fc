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
// live cache of in-RAM objects

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"lab.nexedi.com/kirr/go123/xcontainer/list"

	"lab.nexedi.com/kirr/zconn/go/zodb/internal/weak"
)

// LiveCache keeps registry of live in-RAM objects for a Connection.
//
// It semantically consists of
//
//	{} oid -> obj
//
// and guarantees that for every oid there is at most one live in-RAM
// object: whenever an object is reachable by reference, it is the same
// object as returned by Connection.Get.
//
// Objects activated from database are kept in LRU order and are strongly
// referenced. When number of such live objects exceeds cache size, least
// recently used ones are turned back into ghosts (see Shrink). Modified,
// pinned and root objects are never turned into ghosts by size pressure.
//
// Ghosts are referenced weakly: once nothing outside the cache refers to a
// ghost, the garbage collector frees it and Shrink drops its entry. The
// registry is thus bounded by cache size plus ghosts still in use.
//
// LiveCache is safe to access from multiple goroutines simultaneously.
type LiveCache struct {
	mu sync.Mutex

	entryMap map[Oid]*cacheEntry // oid -> cache entry

	lru     lruHead // activated entries in LRU order
	nlive   int     // len(lru)
	sizeMax int     // shrink keeps nlive <= sizeMax
}

// cacheEntry is information about 1 cached object.
type cacheEntry struct {
	oid  Oid
	ref  *weak.Ref   // -> IPersistent
	live IPersistent // strong reference while on LRU

	inLRU lruHead // in LiveCache.lru; protected by LiveCache.mu
	onLRU bool
}

// lock order: LiveCache.mu > Persistent.mu

// DefaultCacheSize is the default number of live objects LiveCache keeps.
const DefaultCacheSize = 400

// newLiveCache creates new cache that keeps up to sizeMax live objects.
func newLiveCache(sizeMax int) *LiveCache {
	if sizeMax <= 0 {
		sizeMax = DefaultCacheSize
	}
	c := &LiveCache{
		entryMap: make(map[Oid]*cacheEntry),
		sizeMax:  sizeMax,
	}
	c.lru.Init()
	return c
}

// newEntry creates entry for obj under oid and puts it into the registry.
//
// must be called with .mu held.
func (c *LiveCache) newEntry(oid Oid, obj IPersistent) *cacheEntry {
	base := obj.persistent()
	base.mu.Lock()
	ref := base.wref
	if ref == nil {
		ref = weak.NewRef(obj)
		base.wref = ref
	}
	base.mu.Unlock()

	e := &cacheEntry{oid: oid, ref: ref}
	e.inLRU.Init()
	c.entryMap[oid] = e
	return e
}

// lookup returns entry and object for oid.
//
// Entry of already collected object is dropped and nil is returned.
// must be called with .mu held.
func (c *LiveCache) lookup(oid Oid) (*cacheEntry, IPersistent) {
	e := c.entryMap[oid]
	if e == nil {
		return nil, nil
	}
	if e.live != nil {
		return e, e.live
	}
	obj, _ := e.ref.Get().(IPersistent)
	if obj == nil {
		delete(c.entryMap, oid)
		return nil, nil
	}
	return e, obj
}

// gone reports whether object of e was collected.
func (e *cacheEntry) gone() bool {
	return e.live == nil && e.ref.Released()
}

// Get lookups object corresponding to oid in the cache.
//
// If object is found, it is guaranteed to stay in live cache while the caller keeps reference to it.
// nil is returned if there is no such object.
func (c *LiveCache) Get(oid Oid) IPersistent {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, obj := c.lookup(oid)
	return obj
}

// Len returns number of objects in the cache, ghosts included.
func (c *LiveCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entryMap {
		if !e.gone() {
			n++
		}
	}
	return n
}

// LiveLen returns number of objects accounted to cache size.
func (c *LiveCache) LiveLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nlive
}

// SizeMax returns how many live objects the cache keeps after Shrink.
func (c *LiveCache) SizeMax() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeMax
}

// SetSizeMax adjusts how many live objects the cache keeps after Shrink.
func (c *LiveCache) SetSizeMax(sizeMax int) {
	c.mu.Lock()
	c.sizeMax = sizeMax
	c.mu.Unlock()
}

// Oids returns oids of all cached objects in ascending order.
func (c *LiveCache) Oids() []Oid {
	c.mu.Lock()
	oidv := make([]Oid, 0, len(c.entryMap))
	for oid, e := range c.entryMap {
		if !e.gone() {
			oidv = append(oidv, oid)
		}
	}
	c.mu.Unlock()

	sort.Slice(oidv, func(i, j int) bool { return oidv[i] < oidv[j] })
	return oidv
}

// set inserts obj into the cache under oid, or replaces what was there.
//
// obj is marked as recently used.
func (c *LiveCache) set(oid Oid, obj IPersistent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, cur := c.lookup(oid)
	if e != nil && cur != obj {
		c.unlink(e)
		e = nil
	}
	if e == nil {
		e = c.newEntry(oid, obj)
	}
	c.touch(e, obj)
}

// setIfAbsent inserts obj into the cache under oid unless there is already
// object for oid. The object that ends up in the cache is returned.
//
// the object is not marked as used - ghosts do not consume cache size.
func (c *LiveCache) setIfAbsent(oid Oid, obj IPersistent) IPersistent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, cur := c.lookup(oid); cur != nil {
		return cur
	}
	c.newEntry(oid, obj)
	return obj
}

// activate marks object corresponding to oid as recently used.
func (c *LiveCache) activate(oid Oid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, obj := c.lookup(oid); e != nil {
		c.touch(e, obj)
	}
}

// touch moves e to most recently used end of LRU.
//
// must be called with .mu held.
func (c *LiveCache) touch(e *cacheEntry, obj IPersistent) {
	e.live = obj
	if !e.onLRU {
		e.onLRU = true
		c.nlive++
	}
	e.inLRU.MoveBefore(&c.lru.Head)
}

// unlink removes e from LRU.
//
// must be called with .mu held.
func (c *LiveCache) unlink(e *cacheEntry) {
	if e.onLRU {
		e.inLRU.Delete()
		e.onLRU = false
		c.nlive--
	}
	e.live = nil
}

// remove evicts object corresponding to oid from the cache.
func (c *LiveCache) remove(oid Oid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryMap[oid]
	if e == nil {
		return
	}
	c.unlink(e)
	delete(c.entryMap, oid)
}

// invalidate turns objects corresponding to oidv into ghosts.
//
// Modified objects are not touched: their in-RAM changes would be lost.
// Error is returned listing them.
func (c *LiveCache) invalidate(oidv []Oid) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dirty []Oid
	for _, oid := range oidv {
		e, obj := c.lookup(oid)
		if e == nil {
			continue
		}

		base := obj.persistent()
		base.mu.Lock()
		if base.state == CHANGED {
			dirty = append(dirty, oid)
		} else {
			base.ghostify()
			c.unlink(e)
		}
		base.mu.Unlock()
	}

	if len(dirty) != 0 {
		return fmt.Errorf("live cache: cannot invalidate modified objects %v", dirty)
	}
	return nil
}

// discard unconditionally turns objects corresponding to oidv into ghosts.
//
// In-RAM changes of modified objects are lost. It is used when those
// changes are known to be thrown away - e.g. on abort.
func (c *LiveCache) discard(oidv []Oid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, oid := range oidv {
		e, obj := c.lookup(oid)
		if e == nil {
			continue
		}

		base := obj.persistent()
		base.mu.Lock()
		base.ghostify()
		base.mu.Unlock()
		c.unlink(e)
	}
}

// Shrink turns least recently used live objects into ghosts until number of
// live objects is not more than cache size, and forgets ghosts that were
// garbage-collected.
//
// Objects that are modified, pinned by PActivate, or is the root object are
// not turned into ghosts.
func (c *LiveCache) Shrink() {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.lru.Next()
	for c.nlive > c.sizeMax && h != &c.lru {
		hnext := h.Next()
		e := h.entryFromInLRU()

		if e.oid != RootOid {
			base := e.live.persistent()
			base.mu.Lock()
			switch {
			case base.state == GHOST:
				c.unlink(e)
			case base.evictable():
				base.ghostify()
				c.unlink(e)
			}
			base.mu.Unlock()
		}

		h = hnext
	}

	for oid, e := range c.entryMap {
		if e.gone() {
			delete(c.entryMap, oid)
		}
	}
}

// clear drops all objects from the cache.
//
// Objects that were not modified are turned into ghosts so that their
// possibly stale state is not used by whoever still references them.
func (c *LiveCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for oid := range c.entryMap {
		e, obj := c.lookup(oid)
		if e == nil {
			continue
		}
		base := obj.persistent()
		base.mu.Lock()
		if base.state != CHANGED {
			base.ghostify()
		}
		base.mu.Unlock()
		c.unlink(e)
		delete(c.entryMap, oid)
	}
}

// list head that knows it is in cacheEntry.inLRU
type lruHead struct {
	list.Head
}

// XXX vvv strictly speaking -unsafe.Offsetof(h.Head)
func (h *lruHead) Next() *lruHead { return (*lruHead)(unsafe.Pointer(h.Head.Next())) }
func (h *lruHead) Prev() *lruHead { return (*lruHead)(unsafe.Pointer(h.Head.Prev())) }

// cacheEntry: .inLRU -> .
func (h *lruHead) entryFromInLRU() (e *cacheEntry) {
	ue := unsafe.Pointer(uintptr(unsafe.Pointer(h)) - unsafe.Offsetof(e.inLRU))
	return (*cacheEntry)(ue)
}
