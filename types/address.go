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

package types

import (
	"fmt"
	"math"
)

// SegmentID identifies a physical segment on a segmented device.
type SegmentID uint32

// SegmentSeq is the reuse sequence of a segment. Whenever a segment is
// reclaimed and reopened its sequence advances, so stale journal deltas
// addressing the previous incarnation can be detected and skipped.
type SegmentSeq uint32

const (
	// NullSegmentID marks the absence of a segment.
	NullSegmentID = SegmentID(math.MaxUint32)

	// NullSegmentSeq marks the absence of a segment sequence.
	NullSegmentSeq = SegmentSeq(math.MaxUint32)

	// MaxSegmentSeq is the largest valid segment sequence.
	MaxSegmentSeq = SegmentSeq(math.MaxUint32 - 1)
)

// SegmentType describes the role of a segment on disk.
type SegmentType uint8

const (
	SegmentTypeNull SegmentType = iota
	SegmentTypeJournal
	SegmentTypeOOL
)

// JournalSeq is a monotonically increasing journal sequence number. The
// (segment, offset) pair of the physical journal is flattened into a scalar;
// ordering and null-ness are all the cache depends on.
type JournalSeq uint64

const (
	// MinSeq is the lowest journal sequence. An in-place rewritten extent
	// carries MinSeq in dirtyFrom to record that it is clean without having
	// been trimmed.
	MinSeq = JournalSeq(0)

	// NullSeq marks the absence of a journal sequence. A clean extent that
	// never diverged from disk has dirtyFrom == NullSeq.
	NullSeq = JournalSeq(math.MaxUint64)
)

// IsNull reports whether the sequence is the null sentinel.
func (s JournalSeq) IsNull() bool {
	return s == NullSeq
}

func (s JournalSeq) String() string {
	if s == NullSeq {
		return "seq(null)"
	}
	return fmt.Sprintf("seq(%d)", uint64(s))
}

// LAddr is the logical address of a logical extent.
type LAddr uint64

const (
	// LAddrMin is the lowest logical address. Physical test block
	// allocations are tagged with LAddrMin in alloc deltas; consumers must
	// treat it as a tag, never as a resolvable address.
	LAddrMin = LAddr(0)

	// LAddrNull marks the absence of a logical address.
	LAddrNull = LAddr(math.MaxUint64)
)

// IsNull reports whether the address is the null sentinel.
func (l LAddr) IsNull() bool {
	return l == LAddrNull
}

func (l LAddr) String() string {
	if l == LAddrNull {
		return "laddr(null)"
	}
	return fmt.Sprintf("laddr(0x%x)", uint64(l))
}

// AddrKind discriminates the physical address variants.
type AddrKind uint8

const (
	// AddrNull is the zero value; no location.
	AddrNull AddrKind = iota

	// AddrRoot is the reserved pseudo-address of the root extent.
	AddrRoot

	// AddrSegment is an absolute address on a segmented device.
	AddrSegment

	// AddrBlock is an absolute address on a random-block device.
	AddrBlock

	// AddrRecordRelative is an offset relative to the base of a journal
	// record that has not been written yet.
	AddrRecordRelative

	// AddrDelayed is a temporary identity for a fresh extent whose
	// placement has not been decided.
	AddrDelayed
)

func (k AddrKind) String() string {
	switch k {
	case AddrNull:
		return "null"
	case AddrRoot:
		return "root"
	case AddrSegment:
		return "segment"
	case AddrBlock:
		return "block"
	case AddrRecordRelative:
		return "record-relative"
	case AddrDelayed:
		return "delayed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// PAddr is a physical extent address. The struct is comparable and is used
// directly as an index key.
type PAddr struct {
	Kind AddrKind
	Seg  SegmentID // segment id for AddrSegment, unused otherwise
	Off  uint64    // byte offset within segment, device, record or id space
}

// PAddrNull is the absent address.
var PAddrNull = PAddr{}

// PAddrRoot is the reserved pseudo-address of the root extent.
var PAddrRoot = PAddr{Kind: AddrRoot}

// SegmentedAddr constructs an absolute segmented address.
func SegmentedAddr(seg SegmentID, off uint64) PAddr {
	return PAddr{Kind: AddrSegment, Seg: seg, Off: off}
}

// BlockAddr constructs an absolute random-block address.
func BlockAddr(off uint64) PAddr {
	return PAddr{Kind: AddrBlock, Off: off}
}

// RecordRelativeAddr constructs a pre-commit record-relative address.
func RecordRelativeAddr(off uint64) PAddr {
	return PAddr{Kind: AddrRecordRelative, Off: off}
}

// DelayedAddr constructs a pre-placement temporary address.
func DelayedAddr(id uint64) PAddr {
	return PAddr{Kind: AddrDelayed, Off: id}
}

// IsNull reports whether the address is absent.
func (p PAddr) IsNull() bool { return p.Kind == AddrNull }

// IsRoot reports whether the address is the root pseudo-address.
func (p PAddr) IsRoot() bool { return p.Kind == AddrRoot }

// IsAbsolute reports whether the address names a final device location.
func (p PAddr) IsAbsolute() bool {
	return p.Kind == AddrSegment || p.Kind == AddrBlock
}

// IsAbsoluteSegmented reports whether the address is on a segmented device.
func (p PAddr) IsAbsoluteSegmented() bool { return p.Kind == AddrSegment }

// IsAbsoluteRandomBlock reports whether the address is on a random-block device.
func (p PAddr) IsAbsoluteRandomBlock() bool { return p.Kind == AddrBlock }

// IsRecordRelative reports whether the address is relative to an unwritten
// journal record.
func (p PAddr) IsRecordRelative() bool { return p.Kind == AddrRecordRelative }

// IsDelayed reports whether the address awaits placement.
func (p PAddr) IsDelayed() bool { return p.Kind == AddrDelayed }

// IsReal reports whether the address names a location that can be retired:
// absolute, or still pending inside a record.
func (p PAddr) IsReal() bool {
	return p.IsAbsolute() || p.IsRecordRelative()
}

// AddRelative rebases a record-relative address onto an absolute record base,
// yielding the final absolute address.
func (p PAddr) AddRelative(rel PAddr) PAddr {
	if !p.IsAbsolute() {
		panic(fmt.Sprintf("rebase against non-absolute base %v", p))
	}
	if !rel.IsRecordRelative() {
		panic(fmt.Sprintf("rebase of non-record-relative addr %v", rel))
	}
	next := p
	next.Off += rel.Off
	return next
}

// Compare establishes a total order over addresses: by kind, then segment,
// then offset.
func (p PAddr) Compare(o PAddr) int {
	switch {
	case p.Kind < o.Kind:
		return -1
	case p.Kind > o.Kind:
		return 1
	case p.Seg < o.Seg:
		return -1
	case p.Seg > o.Seg:
		return 1
	case p.Off < o.Off:
		return -1
	case p.Off > o.Off:
		return 1
	default:
		return 0
	}
}

func (p PAddr) String() string {
	switch p.Kind {
	case AddrNull:
		return "paddr(null)"
	case AddrRoot:
		return "paddr(root)"
	case AddrSegment:
		return fmt.Sprintf("paddr(seg=%d, 0x%x)", p.Seg, p.Off)
	case AddrBlock:
		return fmt.Sprintf("paddr(blk, 0x%x)", p.Off)
	case AddrRecordRelative:
		return fmt.Sprintf("paddr(rec+0x%x)", p.Off)
	case AddrDelayed:
		return fmt.Sprintf("paddr(delayed, %d)", p.Off)
	default:
		return fmt.Sprintf("paddr(?%d)", p.Kind)
	}
}

const (
	// CRCNull is the checksum sentinel carried when the placement manager
	// reports that no checksum is needed for the address.
	CRCNull = uint32(math.MaxUint32)
)
