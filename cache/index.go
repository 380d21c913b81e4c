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
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/types"
)

// extentIndex maps physical addresses to resident extents. Keys are unique:
// at most one resident extent per address, with the root under its reserved
// pseudo-address. The tree is ordered by address so range walks come out in
// device order.
type extentIndex struct {
	tree       *redblacktree.Tree
	totalBytes uint64
}

func newExtentIndex() *extentIndex {
	return &extentIndex{
		tree: redblacktree.NewWith(func(a, b interface{}) int {
			return a.(types.PAddr).Compare(b.(types.PAddr))
		}),
	}
}

// insert adds an extent under its address. Double insertion is a bug.
func (ix *extentIndex) insert(e *Extent) {
	if _, found := ix.tree.Get(e.paddr); found {
		log.Crit("Extent index double insert", "extent", e)
	}
	ix.tree.Put(e.paddr, e)
	ix.totalBytes += uint64(e.length)
}

// erase removes an extent. Erasing an absent extent is a bug.
func (ix *extentIndex) erase(e *Extent) {
	cur, found := ix.tree.Get(e.paddr)
	if !found || cur.(*Extent) != e {
		log.Crit("Extent index erase of absent extent", "extent", e)
	}
	ix.tree.Remove(e.paddr)
	ix.totalBytes -= uint64(e.length)
}

// replace atomically swaps prev for next under the same address. Both must
// share address and length, and next must be the direct successor version.
func (ix *extentIndex) replace(next, prev *Extent) {
	if next.paddr != prev.paddr {
		log.Crit("Extent index replace address mismatch", "next", next, "prev", prev)
	}
	if next.length != prev.length {
		log.Crit("Extent index replace length mismatch", "next", next, "prev", prev)
	}
	if next.version != prev.version+1 {
		log.Crit("Extent index replace version mismatch", "next", next, "prev", prev)
	}
	cur, found := ix.tree.Get(prev.paddr)
	if !found || cur.(*Extent) != prev {
		log.Crit("Extent index replace of absent extent", "prev", prev)
	}
	ix.tree.Put(next.paddr, next)
}

// find returns the resident extent at paddr, if any.
func (ix *extentIndex) find(paddr types.PAddr) *Extent {
	v, found := ix.tree.Get(paddr)
	if !found {
		return nil
	}
	return v.(*Extent)
}

// size returns the number of resident extents.
func (ix *extentIndex) size() int { return ix.tree.Size() }

// bytes returns the total resident payload size.
func (ix *extentIndex) bytes() uint64 { return ix.totalBytes }

// forEach walks the index in address order. The callback must not mutate
// the index.
func (ix *extentIndex) forEach(fn func(*Extent)) {
	it := ix.tree.Iterator()
	for it.Next() {
		fn(it.Value().(*Extent))
	}
}
