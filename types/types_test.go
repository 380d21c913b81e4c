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
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

func TestAllocDeltaRoundTrip(t *testing.T) {
	delta := &AllocDelta{
		Op: AllocOpSet,
		Ranges: []AllocBlock{
			AllocBlockAlloc(BlockAddr(0x1000), 0x55, 4096, ExtentTypeObjectData),
			AllocBlockAlloc(SegmentedAddr(3, 0x2000), LAddrMin, 8192, ExtentTypeTestBlockPhysical),
			AllocBlockRetire(BlockAddr(0x3000), 4096, ExtentTypeRetiredPlaceholder),
		},
	}
	enc, err := delta.Encode()
	require.NoError(t, err)

	dec, err := DecodeAllocDelta(enc)
	require.NoError(t, err)
	require.Equal(t, delta, dec)

	// the encoding is the persisted wire format and must stay bit-stable
	enc2, err := dec.Encode()
	require.NoError(t, err)
	require.True(t, bytes.Equal(enc, enc2))
}

func TestJournalTailDeltaRoundTrip(t *testing.T) {
	tails := &JournalTailDelta{AllocTail: 17, DirtyTail: 42}
	enc, err := tails.Encode()
	require.NoError(t, err)
	dec, err := DecodeJournalTailDelta(enc)
	require.NoError(t, err)
	require.Equal(t, tails, dec)
}

func TestDeltaInfoRoundTrip(t *testing.T) {
	d := DeltaInfo{
		Type:     ExtentTypeLBALeaf,
		Paddr:    SegmentedAddr(9, 0x4000),
		Laddr:    LAddrNull,
		PrevCRC:  0xdeadbeef,
		FinalCRC: 0xfeedface,
		Length:   4096,
		PVersion: 3,
		ExtSeq:   11,
		SegType:  SegmentTypeJournal,
		Bytes:    []byte{1, 2, 3},
	}
	enc, err := rlp.EncodeToBytes(&d)
	require.NoError(t, err)
	var dec DeltaInfo
	require.NoError(t, rlp.Decode(bytes.NewReader(enc), &dec))
	require.Equal(t, d, dec)
}

func TestAddrPredicates(t *testing.T) {
	tests := []struct {
		addr     PAddr
		absolute bool
		real     bool
	}{
		{PAddrNull, false, false},
		{PAddrRoot, false, false},
		{SegmentedAddr(1, 0x100), true, true},
		{BlockAddr(0x200), true, true},
		{RecordRelativeAddr(0x10), false, true},
		{DelayedAddr(5), false, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.absolute, tt.addr.IsAbsolute(), "%v", tt.addr)
		require.Equal(t, tt.real, tt.addr.IsReal(), "%v", tt.addr)
	}

	rebased := BlockAddr(0x1000).AddRelative(RecordRelativeAddr(0x20))
	require.Equal(t, BlockAddr(0x1020), rebased)

	require.Negative(t, BlockAddr(0x100).Compare(BlockAddr(0x200)))
	require.Positive(t, SegmentedAddr(2, 0).Compare(SegmentedAddr(1, 0x5000)))
	require.Zero(t, PAddrRoot.Compare(PAddrRoot))
}

func TestExtentTypePredicates(t *testing.T) {
	require.True(t, ExtentTypeObjectData.IsLogical())
	require.True(t, ExtentTypeTestBlock.IsLogical())
	require.False(t, ExtentTypeLBALeaf.IsLogical())
	require.True(t, ExtentTypeLBALeaf.IsLBANode())
	require.True(t, ExtentTypeBackrefLeaf.IsBackrefNode())
	require.False(t, ExtentTypeBackrefLeaf.IsBackrefMapped())
	require.False(t, ExtentTypeRoot.IsBackrefMapped())
	require.True(t, ExtentTypeTestBlockPhysical.IsBackrefMapped())
	require.True(t, ExtentTypeObjectData.IsInPlaceRewritable())
	require.False(t, ExtentTypeOnode.IsInPlaceRewritable())

	// physical test blocks are tagged with the minimum logical address;
	// it is a sentinel, not a resolvable address
	require.Equal(t, LAddr(0), LAddrMin)
	require.True(t, LAddrNull.IsNull())
	require.False(t, LAddrMin.IsNull())
}

func TestTransSourceBackground(t *testing.T) {
	for src, want := range map[TransSource]bool{
		SourceMutate:      false,
		SourceRead:        false,
		SourceTrimDirty:   true,
		SourceTrimAlloc:   true,
		SourceCleanerMain: true,
		SourceCleanerCold: true,
	} {
		require.Equal(t, want, src.IsBackground(), "%s", src)
	}
}
