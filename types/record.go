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
	"time"
)

// TransSource identifies the origin of a transaction. READ transactions are
// read-only; the trim and cleaner sources are background rewriting
// transactions.
type TransSource uint8

const (
	SourceMutate TransSource = iota
	SourceRead
	SourceTrimDirty
	SourceTrimAlloc
	SourceCleanerMain
	SourceCleanerCold

	// SourceMax bounds the source enum.
	SourceMax
)

func (s TransSource) String() string {
	switch s {
	case SourceMutate:
		return "MUTATE"
	case SourceRead:
		return "READ"
	case SourceTrimDirty:
		return "TRIM_DIRTY"
	case SourceTrimAlloc:
		return "TRIM_ALLOC"
	case SourceCleanerMain:
		return "CLEANER_MAIN"
	case SourceCleanerCold:
		return "CLEANER_COLD"
	default:
		return "UNKNOWN"
	}
}

// IsBackground reports whether the source is a background rewriting
// transaction (trimming or cleaning).
func (s TransSource) IsBackground() bool {
	switch s {
	case SourceTrimDirty, SourceTrimAlloc, SourceCleanerMain, SourceCleanerCold:
		return true
	default:
		return false
	}
}

// RecordType tags a journal record.
type RecordType uint8

const (
	RecordTypeJournal RecordType = iota
	RecordTypeOOL
)

// DeltaInfo describes one incremental mutation inside a journal record. The
// payload bytes are opaque to the journal; the extent type selects the
// interpreter on replay. The encoding is bit-stable across implementation
// versions.
type DeltaInfo struct {
	Type     ExtentType
	Paddr    PAddr
	Laddr    LAddr
	PrevCRC  uint32
	FinalCRC uint32
	Length   uint32
	PVersion uint64 // version of the extent the delta applies against
	ExtSeq   SegmentSeq
	SegType  SegmentType
	Bytes    []byte
}

// RootDelta constructs the delta emitted for the root extent: sentinel
// addresses, zero checksums and length, payload-only bytes.
func RootDelta(pversion uint64, bytes []byte) DeltaInfo {
	return DeltaInfo{
		Type:     ExtentTypeRoot,
		Paddr:    PAddrRoot,
		Laddr:    LAddrNull,
		PrevCRC:  0,
		FinalCRC: 0,
		Length:   0,
		PVersion: pversion,
		ExtSeq:   MaxSegmentSeq,
		SegType:  SegmentTypeNull,
		Bytes:    bytes,
	}
}

// FreshExtent is a fresh extent payload carried inline in a journal record.
type FreshExtent struct {
	Type       ExtentType
	Laddr      LAddr
	Bytes      []byte
	ModifyTime uint64 // unix nanoseconds
}

// Record is the unit handed to the journal by a committing transaction. The
// journal assigns the final base address and sequence when the record is
// durably written.
type Record struct {
	Type       RecordType
	Source     TransSource
	ModifyTime time.Time
	Deltas     []DeltaInfo
	Extents    []FreshExtent
}

// NewRecord constructs an empty journal record for the given source.
func NewRecord(src TransSource) *Record {
	return &Record{Type: RecordTypeJournal, Source: src}
}

// PushDelta appends a delta descriptor.
func (r *Record) PushDelta(d DeltaInfo) {
	r.Deltas = append(r.Deltas, d)
}

// PushExtent appends a fresh extent payload.
func (r *Record) PushExtent(e FreshExtent) {
	r.Extents = append(r.Extents, e)
}

// Empty reports whether the record carries no deltas and no extents.
func (r *Record) Empty() bool {
	return len(r.Deltas) == 0 && len(r.Extents) == 0
}

// ExtentBytes returns the total fresh payload size of the record. Fresh
// record-relative addresses are assigned from offset 0 in Extents order, so
// this is also the offset one past the last inline extent.
func (r *Record) ExtentBytes() uint64 {
	var n uint64
	for _, e := range r.Extents {
		n += uint64(len(e.Bytes))
	}
	return n
}
