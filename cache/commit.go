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
	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/pinboard"
	"github.com/tidestore/tidestore/types"
)

// CompleteCommit applies the post-journal-write cache updates once the
// record of a transaction is durable: fresh extents are relocated onto the
// final record base and become readable cache state, mutated extents have
// their pending-I/O barriers resolved, and the allocation bookkeeping is
// settled with the placement manager.
func (c *Cache) CompleteCommit(t *Transaction, finalBlockStart types.PAddr, startSeq types.JournalSeq) {
	log.Debug("Completing commit", "txn", t, "base", finalBlockStart, "seq", startSeq)

	var freshEntries []types.BackrefEntry
	finalizeFresh := func(e *Extent) {
		if !e.IsValid() {
			return
		}
		if !e.IsCleanPending() || !e.IsPendingIO() {
			log.Crit("Fresh extent in unexpected state", "extent", e)
		}
		if e.paddr.IsRecordRelative() {
			prev := e.paddr
			e.paddr = finalBlockStart.AddRelative(e.paddr)
			log.Debug("Relocated fresh extent", "from", prev, "extent", e)
		} else if !e.paddr.IsAbsolute() {
			log.Crit("Fresh extent without final address", "extent", e)
		}
		if e.paddr.IsRoot() || c.epm.GetChecksumNeeded(e.paddr) {
			e.lastCommittedCRC = e.calcCRC32C()
		} else {
			e.lastCommittedCRC = types.CRCNull
		}
		e.pendingForTransaction = 0
		e.priorInstance = nil
		opsFor(e.typ).onInitialWrite(e)
		c.index.insert(e)
		c.touchExtent(e, pinboard.HintTouch)
		e.completeIO()
		c.epm.CommitSpaceUsed(e.paddr, e.length)

		switch {
		case e.typ.IsBackrefMapped():
			freshEntries = append(freshEntries,
				types.BackrefCreate(e.paddr, freshLaddr(e), e.length, e.typ))
		case e.typ.IsBackrefNode():
			c.addBackrefExtent(e.paddr, e.laddr, e.typ)
		default:
			log.Crit("Fresh extent of unexpected type", "extent", e)
		}
	}
	for _, e := range t.inlineBlocks {
		finalizeFresh(e)
	}
	for _, e := range t.oolBlocks {
		finalizeFresh(e)
	}

	for _, e := range t.mutatedBlocks {
		if !e.IsValid() {
			continue
		}
		if !e.IsStableDirty() || !e.IsPendingIO() {
			log.Crit("Mutated extent in unexpected state", "extent", e)
		}
		from := e.ioWaitFrom()
		if from != StateExistMutationPending &&
			!(from == StateMutationPending && e.priorInstance != nil) {
			log.Crit("Mutated extent with unexpected barrier origin",
				"extent", e, "from", from)
		}
		opsFor(e.typ).onDeltaWrite(e, finalBlockStart)
		e.pendingForTransaction = 0
		e.priorInstance = nil
		if e.version == 0 {
			log.Crit("Committed extent with zero version", "extent", e)
		}
		if e.version == 1 || e.typ.IsRoot() {
			e.dirtyFrom = startSeq
			log.Debug("Commit extent done, became dirty", "extent", e)
		} else {
			log.Debug("Commit extent done", "extent", e)
		}
		e.completeIO()
	}

	for _, e := range t.retiredSet {
		c.epm.MarkSpaceFree(e.paddr, e.length)
	}
	for _, e := range t.existingBlocks {
		if !e.IsValid() {
			continue
		}
		c.epm.MarkSpaceUsed(e.paddr, e.length)
	}
	for _, e := range t.preAllocList {
		if !e.IsValid() {
			c.epm.MarkSpaceFree(e.paddr, e.length)
		}
	}

	c.lastCommit = startSeq

	c.backrefLog.Commit(startSeq, t.backrefStaged)
	t.backrefStaged = nil
	c.backrefLog.Commit(startSeq, freshEntries)
	c.updateGauges()
}

// AbortCommit tears down the pending-I/O barriers of a transaction whose
// record the journal failed to write. The barriers propagate the error to
// waiters; the shard is expected to be torn down by a higher layer.
func (c *Cache) AbortCommit(t *Transaction, err error) {
	log.Error("Aborting commit after journal failure", "txn", t, "err", err)
	for _, e := range t.mutatedBlocks {
		e.failIO(err)
	}
	for _, e := range t.inlineBlocks {
		e.failIO(err)
	}
	for _, e := range t.oolBlocks {
		e.failIO(err)
	}
}
