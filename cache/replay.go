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
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/pinboard"
	"github.com/tidestore/tidestore/types"
)

// ReplayDelta applies one journal delta during mount, reconstructing cache
// state up to the last committed sequence. It returns whether the delta was
// applied and, for extent deltas, the affected extent.
//
// Deltas below the relevant tail, deltas addressing reclaimed segments, and
// deltas whose extent has been rewritten away are skipped. Malformed
// payload-only deltas are fatal mount errors.
func (c *Cache) ReplayDelta(ctx context.Context, journalSeq types.JournalSeq,
	recordBase types.PAddr, delta *types.DeltaInfo,
	dirtyTail, allocTail types.JournalSeq, modifyTime time.Time) (bool, *Extent, error) {

	if dirtyTail.IsNull() || allocTail.IsNull() {
		log.Crit("Replay without journal tails", "dirty", dirtyTail, "alloc", allocTail)
	}
	if modifyTime.IsZero() {
		log.Crit("Replay without modify time")
	}

	// The journal may validly carry deltas for extents in since-reclaimed
	// segments; the segment's current incarnation exposes those.
	if delta.Paddr.IsAbsoluteSegmented() && c.segments != nil {
		if seq, typ, ok := c.segments.SegmentInfo(delta.Paddr.Seg); ok {
			if seq != delta.ExtSeq || typ != delta.SegType {
				log.Debug("Skipping obsolete delta", "seq", journalSeq,
					"segSeq", seq, "deltaSeq", delta.ExtSeq)
				replaySkippedMeter.Mark(1)
				return false, nil, nil
			}
		}
	}

	// Tail deltas were consumed when the journal bounds were resolved.
	if delta.Type == types.ExtentTypeJournalTail {
		replaySkippedMeter.Mark(1)
		return false, nil, nil
	}

	if delta.Type == types.ExtentTypeAllocInfo {
		if journalSeq < allocTail {
			log.Debug("Skipping alloc delta below tail", "seq", journalSeq, "tail", allocTail)
			replaySkippedMeter.Mark(1)
			return false, nil, nil
		}
		alloc, err := types.DecodeAllocDelta(delta.Bytes)
		if err != nil {
			return false, nil, fmt.Errorf("%w: alloc delta at %v: %v", errDecodeDelta, journalSeq, err)
		}
		entries := make([]types.BackrefEntry, 0, len(alloc.Ranges))
		for _, blk := range alloc.Ranges {
			if blk.Paddr.IsRecordRelative() {
				blk.Paddr = recordBase.AddRelative(blk.Paddr)
			} else if !blk.Paddr.IsAbsolute() {
				log.Crit("Alloc block with unexpected address", "paddr", blk.Paddr)
			}
			entries = append(entries, types.BackrefFromAlloc(alloc.Op, blk))
		}
		c.backrefLog.Commit(journalSeq, entries)
		replayAppliedMeter.Mark(1)
		return true, nil, nil
	}

	if journalSeq < dirtyTail {
		log.Debug("Skipping extent delta below tail", "seq", journalSeq, "tail", dirtyTail)
		replaySkippedMeter.Mark(1)
		return false, nil, nil
	}

	if delta.Type.IsRoot() {
		if !delta.Paddr.IsRoot() {
			log.Crit("Root delta off the root address", "paddr", delta.Paddr)
		}
		root := c.root
		log.Trace("Replaying root delta", "seq", journalSeq, "prev", root)
		c.removeExtent(root)
		if err := opsFor(root.typ).applyDelta(root, recordBase, delta.Bytes); err != nil {
			return false, nil, fmt.Errorf("%w: root delta at %v: %v", errDecodeDelta, journalSeq, err)
		}
		root.dirtyFrom = journalSeq
		root.state = StateDirty
		root.version = 1 // a dirty extent can never be at version zero
		root.modifyTime = modifyTime
		c.index.insert(root)
		c.addToDirty(root)
		replayAppliedMeter.Mark(1)
		log.Debug("Replayed root delta", "seq", journalSeq, "root", root)
		return true, root, nil
	}

	if !delta.Paddr.IsAbsolute() {
		log.Crit("Extent delta with non-absolute address", "paddr", delta.Paddr)
	}
	var (
		e   *Extent
		err error
	)
	if delta.PVersion == 0 {
		// The delta applies against the on-device image; fault the extent
		// in cold if it is not resident.
		e = c.index.find(delta.Paddr)
		if e == nil {
			e, err = c.faultIn(ctx, delta.Type, delta.Paddr, delta.Laddr,
				delta.Length, pinboard.HintNoTouch)
			if err != nil {
				return false, nil, err
			}
		}
	} else {
		e = c.index.find(delta.Paddr)
	}
	if e == nil {
		// the extent is expected to have been rewritten away
		if delta.PVersion == 0 {
			log.Crit("Fresh delta against absent extent", "seq", journalSeq, "delta", delta.Paddr)
		}
		log.Debug("Replay extent absent, delta is obsolete", "seq", journalSeq, "paddr", delta.Paddr)
		replaySkippedMeter.Mark(1)
		return false, nil, nil
	}
	if e.IsPlaceholder() {
		// no transaction exists during mount, so placeholders cannot
		log.Crit("Retired placeholder during replay", "extent", e)
	}

	if delta.Paddr.IsAbsoluteSegmented() || !delta.Type.IsInPlaceRewritable() {
		if e.lastCommittedCRC != delta.PrevCRC {
			log.Crit("Replay checksum mismatch", "extent", e,
				"want", delta.PrevCRC, "have", e.lastCommittedCRC)
		}
		if e.version != delta.PVersion {
			log.Crit("Replay version mismatch", "extent", e, "want", delta.PVersion)
		}
		if err := opsFor(e.typ).applyDelta(e, recordBase, delta.Bytes); err != nil {
			return false, nil, fmt.Errorf("%w: delta at %v: %v", errDecodeDelta, journalSeq, err)
		}
		if e.lastCommittedCRC != delta.FinalCRC {
			log.Crit("Replay final checksum mismatch", "extent", e, "want", delta.FinalCRC)
		}
	} else {
		if !delta.Paddr.IsAbsoluteRandomBlock() {
			log.Crit("In-place rewritable delta off random-block space", "paddr", delta.Paddr)
		}
		// an in-place rewrite may have reset the version; checksums are
		// verified after replay completes
		if err := opsFor(e.typ).applyDelta(e, recordBase, delta.Bytes); err != nil {
			return false, nil, fmt.Errorf("%w: delta at %v: %v", errDecodeDelta, journalSeq, err)
		}
	}
	e.modifyTime = modifyTime

	e.version++
	if e.version == 1 {
		e.dirtyFrom = journalSeq
		log.Debug("Replayed extent delta, became dirty", "seq", journalSeq, "extent", e)
	} else {
		log.Debug("Replayed extent delta", "seq", journalSeq, "extent", e)
	}
	c.markDirty(e)
	replayAppliedMeter.Mark(1)
	return true, e, nil
}
