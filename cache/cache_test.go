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
	"bytes"
	"context"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidestore/tidestore/device"
	"github.com/tidestore/tidestore/placement"
	"github.com/tidestore/tidestore/types"
)

func newTestCache(t *testing.T) (*Cache, *device.Memory, *placement.MemoryManager) {
	t.Helper()
	dev := device.NewMemory()
	epm := placement.NewMemoryManager()
	c := New(Config{PinboardBytes: 1 << 20}, dev, epm)
	c.Init()
	return c, dev, epm
}

func seedExtent(t *testing.T, dev *device.Memory, paddr types.PAddr, payload []byte) {
	t.Helper()
	require.NoError(t, dev.WriteExtent(context.Background(), paddr, payload))
}

// commitAt drives a transaction through the commit pipeline with a fixed
// sequence, standing in for the journal.
func commitAt(t *testing.T, c *Cache, txn *Transaction, seq types.JournalSeq) *types.Record {
	t.Helper()
	rec, err := c.PrepareRecord(txn, seq, seq)
	require.NoError(t, err)
	base := types.BlockAddr(uint64(seq) << 32)
	c.CompleteCommit(txn, base, seq)
	return rec
}

func TestSimpleMutate(t *testing.T) {
	c, dev, _ := newTestCache(t)
	ctx := context.Background()

	paddr := types.BlockAddr(0x1000)
	payload := bytes.Repeat([]byte{0xaa}, 4096)
	seedExtent(t, dev, paddr, payload)

	txn := c.CreateTransaction(types.SourceMutate, false)
	orig, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 7, 4096)
	require.NoError(t, err)
	require.Equal(t, StateClean, orig.State())
	require.EqualValues(t, 0, orig.Version())
	crcA := orig.LastCommittedCRC()
	require.Equal(t, crc32.Checksum(payload, castagnoli), crcA)

	next := c.DuplicateForWrite(txn, orig)
	require.NotSame(t, orig, next)
	require.Equal(t, StateMutationPending, next.State())
	require.Same(t, orig, next.PriorInstance())
	next.CopyIn(16, []byte("mutated bytes"))

	rec, err := c.PrepareRecord(txn, 100, 100)
	require.NoError(t, err)
	require.Len(t, rec.Deltas, 1)
	require.Empty(t, rec.Extents)
	d := rec.Deltas[0]
	require.Equal(t, types.ExtentTypeTestBlock, d.Type)
	require.Equal(t, paddr, d.Paddr)
	require.EqualValues(t, 7, d.Laddr)
	require.Equal(t, crcA, d.PrevCRC)
	require.EqualValues(t, 4096, d.Length)
	require.EqualValues(t, 0, d.PVersion)
	require.Equal(t, next.calcCRC32C(), d.FinalCRC)

	c.CompleteCommit(txn, types.BlockAddr(0x100000), 100)
	cur := c.index.find(paddr)
	require.Same(t, next, cur)
	require.Equal(t, StateDirty, cur.State())
	require.EqualValues(t, 1, cur.Version())
	require.Equal(t, types.JournalSeq(100), cur.DirtyFrom())
	require.Equal(t, d.FinalCRC, cur.LastCommittedCRC())
	require.True(t, c.dirty.contains(cur))
	require.False(t, orig.IsValid())
	require.NoError(t, c.CheckInvariants())
}

func TestConflictOnRetire(t *testing.T) {
	c, dev, epm := newTestCache(t)
	ctx := context.Background()

	paddr := types.BlockAddr(0x2000)
	seedExtent(t, dev, paddr, bytes.Repeat([]byte{0x11}, 512))

	reader := c.CreateTransaction(types.SourceMutate, false)
	weak := c.CreateTransaction(types.SourceRead, true)
	x, err := c.GetExtent(ctx, reader, types.ExtentTypeTestBlock, paddr, 9, 512)
	require.NoError(t, err)
	_, err = c.GetExtent(ctx, weak, types.ExtentTypeTestBlock, paddr, 9, 512)
	require.NoError(t, err)

	retirer := c.CreateTransaction(types.SourceMutate, false)
	require.NoError(t, c.RetireExtentAddr(retirer, paddr, 512))
	commitAt(t, c, retirer, 200)

	require.True(t, reader.Conflicted())
	require.False(t, weak.Conflicted())
	require.False(t, x.IsValid())
	require.Nil(t, c.index.find(paddr))
	require.False(t, epm.Used(paddr))

	_, err = c.PrepareRecord(reader, 201, 201)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, c.CheckInvariants())
}

func TestRetireAbsent(t *testing.T) {
	c, _, _ := newTestCache(t)

	paddr := types.BlockAddr(0x4000)
	txn := c.CreateTransaction(types.SourceMutate, false)
	require.NoError(t, c.RetireExtentAddr(txn, paddr, 4096))

	ph := c.index.find(paddr)
	require.NotNil(t, ph)
	require.True(t, ph.IsPlaceholder())
	require.Equal(t, StateClean, ph.State())
	require.EqualValues(t, 4096, ph.Length())
	require.False(t, ph.FullyLoaded())

	rec := commitAt(t, c, txn, 300)
	require.Empty(t, rec.Extents)
	require.Len(t, rec.Deltas, 1)
	require.Equal(t, types.ExtentTypeAllocInfo, rec.Deltas[0].Type)

	alloc, err := types.DecodeAllocDelta(rec.Deltas[0].Bytes)
	require.NoError(t, err)
	require.Equal(t, types.AllocOpClear, alloc.Op)
	require.Len(t, alloc.Ranges, 1)
	require.Equal(t, paddr, alloc.Ranges[0].Paddr)
	require.True(t, alloc.Ranges[0].Laddr.IsNull())
	require.EqualValues(t, 4096, alloc.Ranges[0].Length)

	require.Nil(t, c.index.find(paddr))
	require.Equal(t, types.JournalSeq(300), c.BackrefLog().OldestSeq())
	require.NoError(t, c.CheckInvariants())
}

// TestDoubleRetireAborts would exercise the double-retire invariant, which
// aborts the process by design; the lookup result is checked instead.
func TestRetirePresence(t *testing.T) {
	c, dev, _ := newTestCache(t)
	ctx := context.Background()

	paddr := types.BlockAddr(0x5000)
	seedExtent(t, dev, paddr, make([]byte, 256))
	txn := c.CreateTransaction(types.SourceMutate, false)
	_, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 1, 256)
	require.NoError(t, err)
	require.NoError(t, c.RetireExtentAddr(txn, paddr, 256))

	_, pres := txn.lookup(paddr)
	require.Equal(t, presenceRetired, pres)
	_, err = c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 1, 256)
	require.ErrorIs(t, err, ErrRetired)
}

type stubSegments map[types.SegmentID]struct {
	seq types.SegmentSeq
	typ types.SegmentType
}

func (s stubSegments) SegmentInfo(id types.SegmentID) (types.SegmentSeq, types.SegmentType, bool) {
	info, ok := s[id]
	return info.seq, info.typ, ok
}

func TestReplaySkipObsoleteSegment(t *testing.T) {
	c, _, _ := newTestCache(t)
	c.SetSegmentProvider(stubSegments{
		3: {seq: 7, typ: types.SegmentTypeJournal},
	})

	delta := &types.DeltaInfo{
		Type:    types.ExtentTypeLBALeaf,
		Paddr:   types.SegmentedAddr(3, 0x8000),
		Laddr:   types.LAddrNull,
		ExtSeq:  5,
		SegType: types.SegmentTypeJournal,
	}
	applied, ext, err := c.ReplayDelta(context.Background(), 10, types.BlockAddr(0),
		delta, 1, 1, time.Now())
	require.NoError(t, err)
	require.False(t, applied)
	require.Nil(t, ext)
	require.NoError(t, c.CheckInvariants())
}

func TestRootReplay(t *testing.T) {
	c, _, _ := newTestCache(t)

	require.EqualValues(t, 0, c.Root().Version())
	content := []byte("root content after first commit")
	delta := types.RootDelta(0, content)

	applied, ext, err := c.ReplayDelta(context.Background(), 5, types.BlockAddr(0),
		&delta, 1, 1, time.Now())
	require.NoError(t, err)
	require.True(t, applied)
	require.Same(t, c.Root(), ext)
	require.EqualValues(t, 1, ext.Version())
	require.Equal(t, StateDirty, ext.State())
	require.Equal(t, types.JournalSeq(5), ext.DirtyFrom())
	require.Equal(t, content, ext.Bytes())
	require.True(t, c.dirty.contains(ext))
	require.NotNil(t, c.index.find(types.PAddrRoot))
	require.NoError(t, c.CheckInvariants())
}

func TestReplayExtentDelta(t *testing.T) {
	c, dev, _ := newTestCache(t)
	ctx := context.Background()

	// Commit a mutation through a scratch cache to produce a faithful delta.
	paddr := types.BlockAddr(0x6000)
	payload := bytes.Repeat([]byte{0x42}, 1024)
	seedExtent(t, dev, paddr, payload)

	txn := c.CreateTransaction(types.SourceMutate, false)
	orig, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 11, 1024)
	require.NoError(t, err)
	mut := c.DuplicateForWrite(txn, orig)
	mut.CopyIn(0, []byte("replayed"))
	rec := commitAt(t, c, txn, 400)
	wantCRC := mut.LastCommittedCRC()

	// Mount a fresh cache over the same device and replay the record.
	c2 := New(Config{PinboardBytes: 1 << 20}, dev, placement.NewMemoryManager())
	c2.Init()
	applied, ext, err := c2.ReplayDelta(ctx, 400, types.BlockAddr(uint64(400)<<32),
		&rec.Deltas[0], 1, 1, time.Now())
	require.NoError(t, err)
	require.True(t, applied)
	require.NotNil(t, ext)
	require.EqualValues(t, 1, ext.Version())
	require.Equal(t, types.JournalSeq(400), ext.DirtyFrom())
	require.Equal(t, wantCRC, ext.LastCommittedCRC())
	require.Equal(t, mut.Bytes(), ext.Bytes())
	require.NoError(t, c2.CheckInvariants())

	// Deltas below the dirty tail are skipped.
	c3 := New(Config{PinboardBytes: 1 << 20}, dev, placement.NewMemoryManager())
	c3.Init()
	applied, _, err = c3.ReplayDelta(ctx, 400, types.BlockAddr(uint64(400)<<32),
		&rec.Deltas[0], 401, 1, time.Now())
	require.NoError(t, err)
	require.False(t, applied)
}

func TestInplaceRewriteVersionReset(t *testing.T) {
	c, dev, _ := newTestCache(t)
	ctx := context.Background()

	paddr := types.BlockAddr(0x7000)
	seedExtent(t, dev, paddr, bytes.Repeat([]byte{0x33}, 2048))

	// Drive the extent to a dirty version 3.
	var seq types.JournalSeq = 500
	for i := 0; i < 3; i++ {
		txn := c.CreateTransaction(types.SourceMutate, false)
		e, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 21, 2048)
		require.NoError(t, err)
		mut := c.DuplicateForWrite(txn, e)
		mut.CopyIn(uint32(i)*8, []byte("rewrite!"))
		commitAt(t, c, txn, seq)
		seq++
	}
	x := c.index.find(paddr)
	require.EqualValues(t, 3, x.Version())
	require.Equal(t, StateDirty, x.State())

	// A concurrent mutator clones the dirty extent first.
	mutator := c.CreateTransaction(types.SourceMutate, false)
	got, err := c.GetExtent(ctx, mutator, types.ExtentTypeTestBlock, paddr, 21, 2048)
	require.NoError(t, err)
	clone := c.DuplicateForWrite(mutator, got)
	require.EqualValues(t, 4, clone.Version())
	clone.CopyIn(100, []byte("concurrent"))

	// The cleaner rewrites the extent in place, downgrading it to clean.
	cleaner := c.CreateTransaction(types.SourceCleanerMain, false)
	c.AddInplaceRewrite(cleaner, x)
	commitAt(t, c, cleaner, seq)
	require.Equal(t, StateClean, x.State())
	require.EqualValues(t, 0, x.Version())
	require.Equal(t, types.MinSeq, x.DirtyFrom())
	seq++

	// The mutator's commit reconciles the version and emits pversion 0.
	rec, err := c.PrepareRecord(mutator, seq, seq)
	require.NoError(t, err)
	require.Len(t, rec.Deltas, 1)
	require.EqualValues(t, 0, rec.Deltas[0].PVersion)
	c.CompleteCommit(mutator, types.BlockAddr(uint64(seq)<<32), seq)

	cur := c.index.find(paddr)
	require.Same(t, clone, cur)
	require.EqualValues(t, 1, cur.Version())
	require.Equal(t, seq, cur.DirtyFrom())
	require.NoError(t, c.CheckInvariants())
}

func TestDuplicateThenDiscard(t *testing.T) {
	c, dev, _ := newTestCache(t)
	ctx := context.Background()

	paddr := types.BlockAddr(0x8000)
	seedExtent(t, dev, paddr, bytes.Repeat([]byte{0x55}, 128))

	txn := c.CreateTransaction(types.SourceMutate, false)
	orig, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 5, 128)
	require.NoError(t, err)
	version, state, crc := orig.Version(), orig.State(), orig.LastCommittedCRC()

	clone := c.DuplicateForWrite(txn, orig)
	clone.CopyIn(0, []byte("discarded"))
	c.OnTransactionDestruct(txn)

	require.Equal(t, version, orig.Version())
	require.Equal(t, state, orig.State())
	require.Equal(t, crc, orig.LastCommittedCRC())
	require.Same(t, orig, c.index.find(paddr))
	require.NoError(t, c.CheckInvariants())
}

func TestDuplicateReturnsPendingInSameTxn(t *testing.T) {
	c, dev, _ := newTestCache(t)
	ctx := context.Background()

	paddr := types.BlockAddr(0x9000)
	seedExtent(t, dev, paddr, make([]byte, 64))

	txn := c.CreateTransaction(types.SourceMutate, false)
	orig, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 2, 64)
	require.NoError(t, err)
	first := c.DuplicateForWrite(txn, orig)
	second := c.DuplicateForWrite(txn, first)
	require.Same(t, first, second)

	// resolving the address through the transaction yields the pending copy
	got, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 2, 64)
	require.NoError(t, err)
	require.Same(t, first, got)
}

func TestFreshExtentCommit(t *testing.T) {
	c, _, epm := newTestCache(t)

	txn := c.CreateTransaction(types.SourceMutate, false)
	fresh := c.AllocNewExtent(txn, types.ExtentTypeTestBlock, 512)
	fresh.SetLaddr(0x1234)
	fresh.CopyIn(0, []byte("fresh payload"))
	require.True(t, fresh.Paddr().IsDelayed())

	rec, err := c.PrepareRecord(txn, 600, 600)
	require.NoError(t, err)
	require.Len(t, rec.Extents, 1)
	require.Equal(t, types.ExtentTypeTestBlock, rec.Extents[0].Type)
	require.EqualValues(t, 0x1234, rec.Extents[0].Laddr)
	require.True(t, fresh.Paddr().IsRecordRelative())
	require.Len(t, rec.Deltas, 1) // the SET alloc delta

	alloc, err := types.DecodeAllocDelta(rec.Deltas[0].Bytes)
	require.NoError(t, err)
	require.Equal(t, types.AllocOpSet, alloc.Op)
	require.Len(t, alloc.Ranges, 1)

	base := types.BlockAddr(0xa0000)
	c.CompleteCommit(txn, base, 600)
	require.Equal(t, base, fresh.Paddr())
	require.Equal(t, StateClean, fresh.State())
	require.Same(t, fresh, c.index.find(base))
	require.True(t, epm.Used(base))
	require.NoError(t, c.CheckInvariants())

	// per-sequence backref entries carry the allocation
	var entries []types.BackrefEntry
	c.BackrefLog().ForEach(func(seq types.JournalSeq, e types.BackrefEntry) {
		require.Equal(t, types.JournalSeq(600), seq)
		entries = append(entries, e)
	})
	require.Len(t, entries, 1)
	require.Equal(t, types.BackrefOpCreate, entries[0].Op)
	require.Equal(t, base, entries[0].Paddr)
}

func TestExistingBlockCommit(t *testing.T) {
	c, _, epm := newTestCache(t)

	// The clean half of a remap surfaces as an exist-clean extent.
	txn := c.CreateTransaction(types.SourceMutate, false)
	paddr := types.BlockAddr(0xb000)
	payload := bytes.Repeat([]byte{0x77}, 256)
	exist := c.AllocExistingExtent(txn, types.ExtentTypeObjectData, paddr, 0x99, payload)
	require.Equal(t, StateExistClean, exist.State())

	commitAt(t, c, txn, 700)
	require.Equal(t, StateClean, exist.State())
	require.Same(t, exist, c.index.find(paddr))
	require.True(t, epm.Used(paddr))
	require.NoError(t, c.CheckInvariants())

	// The mutated half transitions through exist-mutation-pending to dirty.
	txn2 := c.CreateTransaction(types.SourceMutate, false)
	paddr2 := types.BlockAddr(0xc000)
	exist2 := c.AllocExistingExtent(txn2, types.ExtentTypeObjectData, paddr2, 0xaa, payload)
	mut := c.DuplicateForWrite(txn2, exist2)
	require.Same(t, exist2, mut)
	require.Equal(t, StateExistMutationPending, mut.State())
	mut.CopyIn(0, []byte("remapped"))

	commitAt(t, c, txn2, 701)
	require.Equal(t, StateDirty, mut.State())
	require.Equal(t, types.JournalSeq(701), mut.DirtyFrom())
	require.True(t, c.dirty.contains(mut))
	require.NoError(t, c.CheckInvariants())
}

func TestConflictPairTable(t *testing.T) {
	tests := []struct {
		cause, reader types.TransSource
		impossible    bool
	}{
		{types.SourceRead, types.SourceRead, true},
		{types.SourceTrimDirty, types.SourceTrimDirty, true},
		{types.SourceTrimAlloc, types.SourceTrimAlloc, true},
		{types.SourceCleanerMain, types.SourceCleanerMain, true},
		{types.SourceCleanerCold, types.SourceCleanerCold, true},
		{types.SourceMutate, types.SourceMutate, false},
		{types.SourceMutate, types.SourceRead, false},
		{types.SourceCleanerMain, types.SourceTrimDirty, false},
		{types.SourceTrimDirty, types.SourceRead, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.impossible, conflictPairImpossible(tt.cause, tt.reader),
			"pair (%s,%s)", tt.cause, tt.reader)
		_, registered := conflictCounters[[2]types.TransSource{tt.cause, tt.reader}]
		require.Equal(t, !tt.impossible, registered, "counter (%s,%s)", tt.cause, tt.reader)
	}
}

func TestBackrefLogOrdering(t *testing.T) {
	l := newBackrefLog()
	require.Equal(t, types.NullSeq, l.OldestSeq())

	e := types.BackrefCreate(types.BlockAddr(0x100), 1, 64, types.ExtentTypeTestBlock)
	l.Commit(10, []types.BackrefEntry{e})
	l.Commit(10, []types.BackrefEntry{e}) // merges into the same bucket
	l.Commit(12, []types.BackrefEntry{e})
	require.Equal(t, types.JournalSeq(10), l.OldestSeq())
	require.Equal(t, 2, l.Len())

	var count int
	l.ForEach(func(seq types.JournalSeq, _ types.BackrefEntry) { count++ })
	require.Equal(t, 3, count)

	l.TrimBefore(12)
	require.Equal(t, types.JournalSeq(12), l.OldestSeq())
	require.Equal(t, 1, l.Len())
}

func TestBackgroundCommitEmitsTails(t *testing.T) {
	c, dev, _ := newTestCache(t)
	ctx := context.Background()

	// Make an extent dirty at sequence 800; it sits behind the root on the
	// dirty list.
	paddr := types.BlockAddr(0xd000)
	seedExtent(t, dev, paddr, make([]byte, 128))
	txn := c.CreateTransaction(types.SourceMutate, false)
	e, err := c.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 3, 128)
	require.NoError(t, err)
	c.DuplicateForWrite(txn, e).CopyIn(0, []byte{1})
	commitAt(t, c, txn, 800)

	bg := c.CreateTransaction(types.SourceTrimAlloc, false)
	require.NoError(t, c.RetireExtentAddr(bg, types.BlockAddr(0xe000), 64))
	rec, err := c.PrepareRecord(bg, 801, 801)
	require.NoError(t, err)
	c.CompleteCommit(bg, types.BlockAddr(uint64(801)<<32), 801)

	last := rec.Deltas[len(rec.Deltas)-1]
	require.Equal(t, types.ExtentTypeJournalTail, last.Type)
	tails, err := types.DecodeJournalTailDelta(last.Bytes)
	require.NoError(t, err)
	// the permanently dirty root pins the tail to the caller-provided bound
	require.Equal(t, types.JournalSeq(801), tails.DirtyTail)
	require.False(t, tails.AllocTail.IsNull())
	require.NoError(t, c.CheckInvariants())
}
