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
	"bytes"

	"github.com/ethereum/go-ethereum/rlp"
)

// AllocOp discriminates allocation bookkeeping entries.
type AllocOp uint8

const (
	// AllocOpNone is the zero value.
	AllocOpNone AllocOp = iota

	// AllocOpSet records newly allocated block ranges.
	AllocOpSet

	// AllocOpClear records retired block ranges.
	AllocOpClear
)

func (op AllocOp) String() string {
	switch op {
	case AllocOpSet:
		return "SET"
	case AllocOpClear:
		return "CLEAR"
	default:
		return "NONE"
	}
}

// AllocBlock is one physical block range within an alloc delta, linking it
// back to its logical address and type.
type AllocBlock struct {
	Paddr  PAddr
	Laddr  LAddr
	Length uint32
	Type   ExtentType
}

// AllocBlockAlloc constructs an allocation entry.
func AllocBlockAlloc(paddr PAddr, laddr LAddr, length uint32, t ExtentType) AllocBlock {
	return AllocBlock{Paddr: paddr, Laddr: laddr, Length: length, Type: t}
}

// AllocBlockRetire constructs a retirement entry. Retired ranges carry no
// logical address.
func AllocBlockRetire(paddr PAddr, length uint32, t ExtentType) AllocBlock {
	return AllocBlock{Paddr: paddr, Laddr: LAddrNull, Length: length, Type: t}
}

// AllocDelta is the persisted allocation bookkeeping of one commit batch.
// The on-wire layout must stay bit-stable across implementation versions.
type AllocDelta struct {
	Op     AllocOp
	Ranges []AllocBlock
}

// Empty reports whether the delta carries no ranges.
func (d *AllocDelta) Empty() bool { return len(d.Ranges) == 0 }

// Encode serializes the delta into its persisted form.
func (d *AllocDelta) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(d)
}

// DecodeAllocDelta parses the persisted form of an alloc delta.
func DecodeAllocDelta(b []byte) (*AllocDelta, error) {
	var d AllocDelta
	if err := rlp.Decode(bytes.NewReader(b), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// JournalTailDelta carries the oldest journal sequences still needed: the
// alloc tail for back-reference replay and the dirty tail for extent delta
// replay.
type JournalTailDelta struct {
	AllocTail JournalSeq
	DirtyTail JournalSeq
}

// Encode serializes the tail delta into its persisted form.
func (d *JournalTailDelta) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(d)
}

// DecodeJournalTailDelta parses the persisted form of a tail delta.
func DecodeJournalTailDelta(b []byte) (*JournalTailDelta, error) {
	var d JournalTailDelta
	if err := rlp.Decode(bytes.NewReader(b), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// BackrefOp discriminates back-reference log entries.
type BackrefOp uint8

const (
	BackrefOpCreate BackrefOp = iota + 1
	BackrefOpRetire
)

func (op BackrefOp) String() string {
	if op == BackrefOpCreate {
		return "CREATE"
	}
	return "RETIRE"
}

// BackrefEntry is one allocation or retirement staged for the back-reference
// index. Entries are installed strictly in per-sequence order.
type BackrefEntry struct {
	Op     BackrefOp
	Paddr  PAddr
	Laddr  LAddr
	Length uint32
	Type   ExtentType
}

// BackrefCreate constructs an allocation entry.
func BackrefCreate(paddr PAddr, laddr LAddr, length uint32, t ExtentType) BackrefEntry {
	return BackrefEntry{Op: BackrefOpCreate, Paddr: paddr, Laddr: laddr, Length: length, Type: t}
}

// BackrefRetire constructs a retirement entry.
func BackrefRetire(paddr PAddr, length uint32, t ExtentType) BackrefEntry {
	return BackrefEntry{Op: BackrefOpRetire, Paddr: paddr, Laddr: LAddrNull, Length: length, Type: t}
}

// BackrefFromAlloc converts a replayed alloc block into the equivalent
// back-reference entry. The delta's op decides the direction: SET ranges
// are creations, CLEAR ranges retirements.
func BackrefFromAlloc(op AllocOp, blk AllocBlock) BackrefEntry {
	if op == AllocOpClear {
		return BackrefRetire(blk.Paddr, blk.Length, blk.Type)
	}
	return BackrefCreate(blk.Paddr, blk.Laddr, blk.Length, blk.Type)
}
