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
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/pinboard"
	"github.com/tidestore/tidestore/types"
)

// freshLaddr resolves the logical address carried for a fresh extent:
// logical extents report their own, physical test blocks the sentinel tag,
// everything else null.
func freshLaddr(e *Extent) types.LAddr {
	if e.typ.IsLogical() {
		return e.laddr
	}
	if e.typ == types.ExtentTypeTestBlockPhysical {
		return types.LAddrMin
	}
	return types.LAddrNull
}

// PrepareRecord converts a committing transaction into a single journal
// record of delta descriptors, fresh extent payloads and allocation
// bookkeeping. As a side effect the in-memory index and dirty list are
// mutated to reflect the commit, and fresh extents are registered with a
// pending-I/O barrier resolved by CompleteCommit.
//
// journalHead and journalDirtyTail describe the current journal bounds and
// feed the tail delta emitted for background transactions.
func (c *Cache) PrepareRecord(t *Transaction, journalHead, journalDirtyTail types.JournalSeq) (*types.Record, error) {
	if t.weak {
		log.Crit("Weak transaction committed", "txn", t)
	}
	if t.src == types.SourceRead {
		log.Crit("Read transaction committed", "txn", t)
	}
	if t.conflicted {
		return nil, ErrConflict
	}
	start := time.Now()

	// Every read-set entry must have survived: conflict signaling marks the
	// transaction before any observed extent is invalidated.
	for _, e := range t.readSet {
		if !e.IsValid() {
			log.Crit("Invalid extent in committing read set", "txn", t, "extent", e)
		}
	}
	t.clearReadSet()
	t.writeSet = make(map[types.PAddr]*Extent)

	record := types.NewRecord(t.src)
	commitTime := time.Now()

	// Emit deltas for mutated extents.
	var deltaBytes uint64
	for _, e := range t.mutatedBlocks {
		if !e.IsValid() {
			log.Debug("Skipping invalid mutated extent", "txn", t, "extent", e)
			continue
		}
		if !e.IsExistMutationPending() && e.priorInstance == nil {
			log.Crit("Mutated extent without prior instance", "txn", t, "extent", e)
		}
		ops := opsFor(e.typ)
		delta, err := ops.getDelta(e)
		if err != nil {
			log.Crit("Failed to serialize extent delta", "extent", e, "err", err)
		}
		if len(delta) == 0 {
			log.Crit("Mutated extent with empty delta", "extent", e)
		}
		e.modifyTime = commitTime

		if e.IsMutationPending() {
			// A concurrent in-place rewrite downgrades the prior from dirty
			// to clean without touching the payload, which resets its
			// version to 0. Reconcile our version so the emitted delta
			// applies against the rewritten image.
			if e.priorInstance.version == 0 && e.version > 1 {
				prior := e.priorInstance
				if !e.typ.IsInPlaceRewritable() || !prior.typ.IsInPlaceRewritable() {
					log.Crit("Version reset on non-rewritable type", "extent", e)
				}
				if prior.dirtyFrom != types.MinSeq || prior.state != StateClean ||
					!prior.paddr.IsAbsoluteRandomBlock() {
					log.Crit("Version reset against unexpected prior", "extent", e, "prior", prior)
				}
				log.Debug("Reconciling version after in-place rewrite", "extent", e, "prior", prior)
				e.version = 1
				e.dirtyFrom = types.NullSeq
			}
		}

		ops.prepareWrite(e)
		ops.prepareCommit(e)
		if e.IsMutationPending() {
			ops.onReplacePrior(e)
		}
		if e.version == 0 {
			log.Crit("Mutated extent with zero version", "extent", e)
		}
		finalCRC := e.calcCRC32C()
		if e.typ.IsRoot() {
			if t.root != e {
				log.Crit("Root delta from foreign extent", "txn", t, "extent", e)
			}
			if !e.paddr.IsRoot() {
				log.Crit("Root extent off the root address", "extent", e)
			}
			c.root = e
			record.PushDelta(types.RootDelta(e.version-1, delta))
		} else {
			sseq := types.NullSegmentSeq
			stype := types.SegmentTypeNull
			if e.paddr.IsAbsoluteSegmented() && c.segments != nil {
				if seq, typ, ok := c.segments.SegmentInfo(e.paddr.Seg); ok {
					sseq, stype = seq, typ
				}
			}
			laddr := types.LAddrNull
			if e.typ.IsLogical() {
				laddr = e.laddr
			}
			record.PushDelta(types.DeltaInfo{
				Type:     e.typ,
				Paddr:    e.paddr,
				Laddr:    laddr,
				PrevCRC:  e.lastCommittedCRC,
				FinalCRC: finalCRC,
				Length:   e.length,
				PVersion: e.version - 1,
				ExtSeq:   sseq,
				SegType:  stype,
				Bytes:    delta,
			})
			e.lastCommittedCRC = finalCRC
		}
		deltaBytes += uint64(len(delta))
	}

	// Fresh logical-tree extents resolve their prior-instance references
	// before the retirement sweep below can invalidate them.
	for _, e := range t.inlineBlocks {
		opsFor(e.typ).prepareCommit(e)
	}
	for _, e := range t.oolBlocks {
		opsFor(e.typ).prepareCommit(e)
	}

	// Swap committed mutations over their priors; the extent states can
	// only change once the logical references are resolved.
	for _, e := range t.mutatedBlocks {
		if !e.IsValid() || !e.IsMutationPending() {
			continue
		}
		e.setIoWait(StateDirty)
		c.commitReplaceExtent(t, e, e.priorInstance)
	}

	// Retire extents, accumulating the CLEAR batch of the alloc delta.
	var (
		relDelta       = types.AllocDelta{Op: types.AllocOpClear}
		allocDelta     = types.AllocDelta{Op: types.AllocOpSet}
		backrefEntries []types.BackrefEntry
		retireBytes    uint64
	)
	for _, e := range t.retiredSet {
		retireBytes += uint64(e.length)
		log.Debug("Retire extent", "txn", t, "extent", e)
		c.commitRetireExtent(t, e)
		switch {
		case e.typ.IsBackrefMapped() || e.typ.IsRetiredPlaceholder():
			relDelta.Ranges = append(relDelta.Ranges,
				types.AllocBlockRetire(e.paddr, e.length, e.typ))
			backrefEntries = append(backrefEntries,
				types.BackrefRetire(e.paddr, e.length, e.typ))
		case e.typ.IsBackrefNode():
			c.removeBackrefExtent(e.paddr)
		default:
			log.Crit("Retire of unexpected extent type", "extent", e)
		}
	}

	// Emit fresh inline extents. Record-relative addresses are handed out
	// in list order, so payload layout is stable for replay.
	var (
		freshBytes uint64
		inlineOff  uint64
		numInvalid uint64
	)
	for _, e := range t.inlineBlocks {
		if !e.paddr.IsDelayed() {
			log.Crit("Inline extent with placed address", "extent", e)
		}
		e.paddr = types.RecordRelativeAddr(inlineOff)
		inlineOff += uint64(e.length)

		if e.typ.IsRoot() {
			log.Crit("Root written as fresh block", "extent", e)
		}
		if !e.IsValid() {
			numInvalid++
			log.Debug("Invalid fresh inline extent", "txn", t, "extent", e)
		}
		freshBytes += uint64(e.length)
		opsFor(e.typ).prepareWrite(e)

		modTime := e.modifyTime
		if modTime.IsZero() {
			modTime = commitTime
		}
		record.PushExtent(types.FreshExtent{
			Type:       e.typ,
			Laddr:      freshLaddr(e),
			Bytes:      append([]byte(nil), e.buffer...),
			ModifyTime: uint64(modTime.UnixNano()),
		})
		if !e.IsValid() {
			continue
		}
		if e.typ.IsBackrefMapped() {
			allocDelta.Ranges = append(allocDelta.Ranges,
				types.AllocBlockAlloc(e.paddr, freshLaddr(e), e.length, e.typ))
		}
		// final address known at CompleteCommit; insertion happens there
		e.setIoWait(StateClean)
	}

	// Out-of-line extents are already written; only bookkeeping travels in
	// the record.
	for _, e := range t.oolBlocks {
		if !e.IsValid() {
			log.Crit("Invalid out-of-line extent", "extent", e)
		}
		if !e.paddr.IsAbsolute() {
			log.Crit("Out-of-line extent without absolute address", "extent", e)
		}
		freshBytes += uint64(e.length)
		if e.typ.IsBackrefMapped() {
			allocDelta.Ranges = append(allocDelta.Ranges,
				types.AllocBlockAlloc(e.paddr, freshLaddr(e), e.length, e.typ))
		}
		e.setIoWait(StateClean)
	}

	// In-place rewrites land at their current address: downgrade to clean
	// without journal I/O.
	for _, e := range t.inplaceOOL {
		if !e.IsValid() {
			continue
		}
		if !e.IsStableDirty() || e.version == 0 {
			log.Crit("In-place rewrite of non-dirty extent", "extent", e)
		}
		if e.priorInstance != nil || e.pendingForTransaction != 0 {
			log.Crit("In-place rewrite of pending extent", "extent", e)
		}
		c.removeFromDirty(e)
		// version drops to zero so the downgrade is transparent to
		// concurrent mutations (see the reconciliation above)
		e.version = 0
		e.dirtyFrom = types.MinSeq
		e.state = StateClean
		e.patches = nil
		if e.IsPendingIO() {
			log.Crit("In-place rewrite with pending IO", "extent", e)
		}
		c.touchExtent(e, pinboard.HintTouch)
		log.Debug("In-place rewrite committed", "txn", t, "extent", e)
	}

	// Existing blocks: remap halves established within the transaction.
	for _, e := range t.existingBlocks {
		if !e.typ.IsLogical() {
			log.Crit("Existing block of non-logical type", "extent", e)
		}
		if !e.IsValid() {
			continue
		}
		if e.IsExistClean() {
			if e.version != 0 || e.priorInstance != nil {
				log.Crit("Exist-clean extent with history", "extent", e)
			}
			e.pendingForTransaction = 0
			e.state = StateClean
		} else {
			if !e.IsExistMutationPending() {
				log.Crit("Existing block in unexpected state", "extent", e)
			}
			e.setIoWait(StateDirty)
		}
		c.index.insert(e)
		if e.IsStableDirty() {
			c.addToDirty(e)
		} else {
			c.touchExtent(e, pinboard.HintTouch)
		}
		allocDelta.Ranges = append(allocDelta.Ranges,
			types.AllocBlockAlloc(e.paddr, e.laddr, e.length, e.typ))
		// the retire half of a remap travels in the same record, so the
		// pair installs atomically
		backrefEntries = append(backrefEntries,
			types.BackrefCreate(e.paddr, e.laddr, e.length, e.typ))
	}

	// Serialize the allocation bookkeeping: retires first, allocs second.
	for _, b := range []*types.AllocDelta{&relDelta, &allocDelta} {
		if b.Empty() {
			continue
		}
		enc, err := b.Encode()
		if err != nil {
			log.Crit("Failed to encode alloc delta", "err", err)
		}
		record.PushDelta(types.DeltaInfo{
			Type:  types.ExtentTypeAllocInfo,
			Paddr: types.PAddrNull,
			Laddr: types.LAddrNull,
			Bytes: enc,
		})
	}

	// Background transactions piggyback the journal tails.
	if t.src.IsBackground() {
		if journalHead.IsNull() || journalDirtyTail.IsNull() {
			log.Crit("Background commit without journal bounds",
				"head", journalHead, "dirtyTail", journalDirtyTail)
		}
		dirtyTail, haveDirty := c.oldestDirtyFrom()
		if !haveDirty {
			dirtyTail = journalHead
			log.Info("Dirty tail all trimmed, set to head", "tail", dirtyTail, "src", t.src)
		} else if dirtyTail.IsNull() {
			dirtyTail = journalDirtyTail
			log.Info("Dirty tail is pending, set to caller bound", "tail", dirtyTail, "src", t.src)
		}
		allocTail, haveAlloc := c.oldestBackrefDirtyFrom()
		if !haveAlloc {
			allocTail = journalHead
			log.Info("Alloc tail all trimmed, set to head", "tail", allocTail, "src", t.src)
		}
		if allocTail.IsNull() || dirtyTail.IsNull() {
			log.Crit("Null journal tail computed", "alloc", allocTail, "dirty", dirtyTail)
		}
		tails := types.JournalTailDelta{AllocTail: allocTail, DirtyTail: dirtyTail}
		enc, err := tails.Encode()
		if err != nil {
			log.Crit("Failed to encode tail delta", "err", err)
		}
		record.PushDelta(types.DeltaInfo{
			Type:  types.ExtentTypeJournalTail,
			Paddr: types.PAddrNull,
			Laddr: types.LAddrNull,
			Bytes: enc,
		})
	}

	// Stage the back-reference entries; CompleteCommit installs them at the
	// assigned sequence.
	t.backrefStaged = backrefEntries

	if record.Empty() {
		log.Info("Record to submit is empty", "txn", t)
		for k := TreeKind(0); k < treeKindMax; k++ {
			if !t.treeStats[k].Clear() {
				log.Crit("Empty record with tree operations", "txn", t, "tree", k)
			}
		}
	}
	if record.ModifyTime.IsZero() {
		record.ModifyTime = commitTime
	}

	commitDeltaMeter.Mark(int64(deltaBytes))
	commitFreshMeter.Mark(int64(freshBytes))
	commitRetireMeter.Mark(int64(retireBytes))
	commitTimer.Update(time.Since(start))
	log.Debug("Prepared record", "txn", t,
		"deltas", len(record.Deltas), "extents", len(record.Extents),
		"delta", deltaBytes, "fresh", freshBytes, "retire", retireBytes,
		"invalidFresh", numInvalid)
	return record, nil
}
