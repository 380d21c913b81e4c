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
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tidestore/tidestore/types"
)

// TreeKind names the indices whose operations are counted per transaction.
type TreeKind uint8

const (
	TreeLBA TreeKind = iota
	TreeBackref
	TreeOnode
	TreeOMap

	treeKindMax
)

func (k TreeKind) String() string {
	switch k {
	case TreeLBA:
		return "lba"
	case TreeBackref:
		return "backref"
	case TreeOnode:
		return "onode"
	case TreeOMap:
		return "omap"
	default:
		return "unknown"
	}
}

// TreeStats counts index operations performed under one transaction, for
// observability of insert/erase/update load per index kind.
type TreeStats struct {
	Inserts uint64
	Erases  uint64
	Updates uint64
	Depth   uint64
}

// Clear reports whether no operations were recorded.
func (s *TreeStats) Clear() bool {
	return s.Inserts == 0 && s.Erases == 0 && s.Updates == 0
}

// effort accumulates per-transaction I/O effort for conflict and commit
// accounting.
type effort struct {
	readBytes   uint64
	retireBytes uint64
	freshBytes  uint64
	deltaBytes  uint64
	oolRecords  uint64
}

// presence is the result of looking an address up in a transaction.
type presence uint8

const (
	presenceAbsent presence = iota
	presencePresent
	presenceRetired
)

// Transaction is a consistent view over the cache plus staged mutations.
// A transaction observes extents through its read set; conflicting
// concurrent commits invalidate observed extents and mark the transaction
// conflicted, after which its own commit must fail.
type Transaction struct {
	id   uint64
	src  types.TransSource
	weak bool

	conflicted bool

	root *Extent

	readSet map[types.PAddr]*Extent

	// writeSet tracks every pending extent attached to the transaction,
	// keyed by its current (possibly temporary) address.
	writeSet map[types.PAddr]*Extent

	retiredSet   []*Extent
	retiredAddrs mapset.Set[types.PAddr]

	mutatedBlocks  []*Extent
	inlineBlocks   []*Extent
	oolBlocks      []*Extent
	inplaceOOL     []*Extent
	existingBlocks []*Extent
	preAllocList   []*Extent

	treeStats [treeKindMax]TreeStats

	// backrefStaged holds the entries produced by PrepareRecord until
	// CompleteCommit installs them at the assigned sequence.
	backrefStaged []types.BackrefEntry

	nextDelayedID uint64
}

// Src returns the transaction source.
func (t *Transaction) Src() types.TransSource { return t.src }

// IsWeak reports whether the transaction is a best-effort reader that can
// never conflict.
func (t *Transaction) IsWeak() bool { return t.weak }

// Conflicted reports whether the transaction's snapshot was invalidated.
func (t *Transaction) Conflicted() bool { return t.conflicted }

// Root returns the root extent pinned into this transaction's view.
func (t *Transaction) Root() *Extent { return t.root }

// TreeStats returns the operation counters of one index kind.
func (t *Transaction) TreeStats(k TreeKind) *TreeStats { return &t.treeStats[k] }

// AccountTreeOp records one index operation for observability.
func (t *Transaction) AccountTreeOp(k TreeKind, inserts, erases, updates uint64) {
	s := &t.treeStats[k]
	s.Inserts += inserts
	s.Erases += erases
	s.Updates += updates
}

// lookup resolves an address against the transaction's own view.
func (t *Transaction) lookup(paddr types.PAddr) (*Extent, presence) {
	if t.retiredAddrs.Contains(paddr) {
		return nil, presenceRetired
	}
	if e, ok := t.writeSet[paddr]; ok {
		return e, presencePresent
	}
	if e, ok := t.readSet[paddr]; ok {
		return e, presencePresent
	}
	return nil, presenceAbsent
}

// addToReadSet records that the transaction observed a stable extent.
func (t *Transaction) addToReadSet(e *Extent) {
	if _, ok := t.readSet[e.paddr]; ok {
		return
	}
	t.readSet[e.paddr] = e
	if !t.weak {
		// weak transactions cannot conflict and never take read credit
		e.addReader(t)
	}
}

// addMutatedExtent attaches a pending mutation to the transaction.
func (t *Transaction) addMutatedExtent(e *Extent) {
	t.mutatedBlocks = append(t.mutatedBlocks, e)
	t.writeSet[e.paddr] = e
}

// addInlineExtent attaches a freshly allocated extent whose payload will
// travel inside the journal record.
func (t *Transaction) addInlineExtent(e *Extent) {
	t.inlineBlocks = append(t.inlineBlocks, e)
	t.writeSet[e.paddr] = e
}

func (t *Transaction) addOOLExtent(e *Extent) {
	t.oolBlocks = append(t.oolBlocks, e)
	t.writeSet[e.paddr] = e
}

func (t *Transaction) addInplaceOOLExtent(e *Extent) {
	t.inplaceOOL = append(t.inplaceOOL, e)
}

func (t *Transaction) addExistingExtent(e *Extent) {
	t.existingBlocks = append(t.existingBlocks, e)
	t.writeSet[e.paddr] = e
}

func (t *Transaction) addPreAlloc(e *Extent) {
	t.preAllocList = append(t.preAllocList, e)
}

// addPresentToRetiredSet retires an extent the transaction already holds.
func (t *Transaction) addPresentToRetiredSet(e *Extent) {
	t.retiredSet = append(t.retiredSet, e)
	t.retiredAddrs.Add(e.paddr)
}

// addAbsentToRetiredSet retires an extent resolved from the cache (or a
// fresh placeholder).
func (t *Transaction) addAbsentToRetiredSet(e *Extent) {
	t.retiredSet = append(t.retiredSet, e)
	t.retiredAddrs.Add(e.paddr)
}

// clearReadSet detaches the transaction from every observed extent.
func (t *Transaction) clearReadSet() {
	for _, e := range t.readSet {
		if !t.weak {
			e.removeReader(t)
		}
	}
	t.readSet = make(map[types.PAddr]*Extent)
}

// accumulateEffort sums the transaction's staged work, used when crediting
// an invalidation.
func (t *Transaction) accumulateEffort() effort {
	var ef effort
	for _, e := range t.readSet {
		ef.readBytes += uint64(e.length)
	}
	for _, e := range t.retiredSet {
		ef.retireBytes += uint64(e.length)
	}
	for _, e := range t.inlineBlocks {
		ef.freshBytes += uint64(e.length)
	}
	for _, e := range t.oolBlocks {
		ef.freshBytes += uint64(e.length)
		ef.oolRecords++
	}
	for _, e := range t.mutatedBlocks {
		for _, p := range e.patches {
			ef.deltaBytes += uint64(len(p.Data))
		}
	}
	return ef
}

func (t *Transaction) String() string {
	if t.weak {
		return fmt.Sprintf("txn(%d, %s, weak)", t.id, t.src)
	}
	return fmt.Sprintf("txn(%d, %s)", t.id, t.src)
}

// newDelayedAddr hands out a transaction-unique temporary address for an
// extent awaiting placement.
func (t *Transaction) newDelayedAddr() types.PAddr {
	t.nextDelayedID++
	return types.DelayedAddr(t.id<<20 | t.nextDelayedID)
}
