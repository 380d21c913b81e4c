// Copyright 2025 The tidestore Authors
// This file is part of the tidestore library.
//
// The tidestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tidestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tidestore library. If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"container/list"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/types"
)

// dirtyList is the ordered sequence of stable-dirty extents. Ordering by
// dirtyFrom is non-decreasing, so a trimming cleaner walking from the front
// always sees the oldest dirty extents first. Each extent holds its element
// handle, making erase and in-place replace O(1).
type dirtyList struct {
	l     *list.List
	bytes uint64
}

func newDirtyList() *dirtyList {
	return &dirtyList{l: list.New()}
}

// pushBack appends an extent. The extent must be stable-dirty, fully loaded
// and timestamped, and its dirtyFrom must not precede the current tail.
func (d *dirtyList) pushBack(e *Extent) {
	if !e.IsStableDirty() {
		log.Crit("Dirty list add of non-dirty extent", "extent", e)
	}
	if e.dirtyElem != nil {
		log.Crit("Dirty list double add", "extent", e)
	}
	if e.modifyTime.IsZero() {
		log.Crit("Dirty list add without modify time", "extent", e)
	}
	if !e.FullyLoaded() {
		log.Crit("Dirty list add of partially loaded extent", "extent", e)
	}
	if back := d.l.Back(); back != nil {
		prev := back.Value.(*Extent)
		if prev.dirtyFrom != types.NullSeq && e.dirtyFrom != types.NullSeq &&
			e.dirtyFrom < prev.dirtyFrom {
			log.Crit("Dirty list ordering violation", "extent", e, "tail", prev)
		}
	}
	e.dirtyElem = d.l.PushBack(e)
	d.bytes += uint64(e.length)
}

// erase unlinks an extent.
func (d *dirtyList) erase(e *Extent) {
	if e.dirtyElem == nil {
		log.Crit("Dirty list erase of unlinked extent", "extent", e)
	}
	d.l.Remove(e.dirtyElem)
	e.dirtyElem = nil
	d.bytes -= uint64(e.length)
}

// replaceInPlace swaps prev for next preserving the list position, for
// commits replacing a stable-dirty extent with its successor version.
func (d *dirtyList) replaceInPlace(next, prev *Extent) {
	if prev.dirtyElem == nil {
		log.Crit("Dirty list replace of unlinked extent", "prev", prev)
	}
	if next.dirtyElem != nil {
		log.Crit("Dirty list replace with linked extent", "next", next)
	}
	if !next.IsStableDirty() {
		log.Crit("Dirty list replace with non-dirty extent", "next", next)
	}
	if next.dirtyFrom != prev.dirtyFrom {
		log.Crit("Dirty list replace dirty_from mismatch", "next", next, "prev", prev)
	}
	if next.length != prev.length {
		log.Crit("Dirty list replace length mismatch", "next", next, "prev", prev)
	}
	next.dirtyElem = d.l.InsertBefore(next, prev.dirtyElem)
	d.l.Remove(prev.dirtyElem)
	prev.dirtyElem = nil
}

// contains reports whether the extent is linked.
func (d *dirtyList) contains(e *Extent) bool { return e.dirtyElem != nil }

// front returns the oldest dirty extent, or nil.
func (d *dirtyList) front() *Extent {
	f := d.l.Front()
	if f == nil {
		return nil
	}
	return f.Value.(*Extent)
}

// forEachOldestFirst walks the list from the oldest dirtyFrom onward.
func (d *dirtyList) forEachOldestFirst(fn func(*Extent) bool) {
	for el := d.l.Front(); el != nil; el = el.Next() {
		if !fn(el.Value.(*Extent)) {
			return
		}
	}
}

// size returns the number of linked extents.
func (d *dirtyList) size() int { return d.l.Len() }

// sizeBytes returns the total linked payload size.
func (d *dirtyList) sizeBytes() uint64 { return d.bytes }
