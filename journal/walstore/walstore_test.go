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

package walstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidestore/tidestore/cache"
	"github.com/tidestore/tidestore/device"
	"github.com/tidestore/tidestore/placement"
	"github.com/tidestore/tidestore/types"
)

func TestSubmitAndReopen(t *testing.T) {
	dir := t.TempDir()
	dev := device.NewMemory()

	s, err := Open(dir, dev)
	require.NoError(t, err)
	require.Equal(t, types.JournalSeq(1), s.Head())

	rec := types.NewRecord(types.SourceMutate)
	rec.ModifyTime = time.Now()
	rec.PushExtent(types.FreshExtent{
		Type:       types.ExtentTypeTestBlock,
		Laddr:      0x10,
		Bytes:      bytes.Repeat([]byte{0xab}, 256),
		ModifyTime: uint64(time.Now().UnixNano()),
	})
	res, err := s.Submit(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, types.JournalSeq(1), res.StartSeq)
	require.Equal(t, types.BlockAddr(0), res.RecordBase)
	require.Equal(t, types.JournalSeq(2), s.Head())

	// the inline payload was written through at its final address
	blob, err := dev.ReadExtent(context.Background(), types.BlockAddr(0), 256)
	require.NoError(t, err)
	require.Equal(t, rec.Extents[0].Bytes, blob)

	rec2 := types.NewRecord(types.SourceMutate)
	rec2.ModifyTime = time.Now()
	rec2.PushExtent(types.FreshExtent{
		Type:  types.ExtentTypeTestBlock,
		Laddr: 0x20,
		Bytes: bytes.Repeat([]byte{0xcd}, 128),
	})
	res2, err := s.Submit(context.Background(), rec2)
	require.NoError(t, err)
	require.Equal(t, types.JournalSeq(2), res2.StartSeq)
	require.Equal(t, types.BlockAddr(256), res2.RecordBase)
	require.NoError(t, s.Close())

	// reopening recovers the head and the payload cursor
	s2, err := Open(dir, dev)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, types.JournalSeq(3), s2.Head())

	var seqs []types.JournalSeq
	err = s2.Replay(context.Background(), func(seq types.JournalSeq, base types.PAddr,
		delta *types.DeltaInfo, mtime time.Time) error {
		seqs = append(seqs, seq)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, seqs) // the records carried payloads but no deltas
}

// TestReplayRebuildsCache drives a full commit through the journal, then
// mounts a fresh cache from the same device and journal and verifies the
// replayed state matches what the builder computed.
func TestReplayRebuildsCache(t *testing.T) {
	dir := t.TempDir()
	dev := device.NewMemory()
	ctx := context.Background()

	s, err := Open(dir, dev)
	require.NoError(t, err)

	paddr := types.BlockAddr(0x10000)
	payload := bytes.Repeat([]byte{0x5a}, 512)
	require.NoError(t, dev.WriteExtent(ctx, paddr, payload))

	c1 := cache.New(cache.Defaults, dev, placement.NewMemoryManager())
	c1.Init()

	txn := c1.CreateTransaction(types.SourceMutate, false)
	orig, err := c1.GetExtent(ctx, txn, types.ExtentTypeTestBlock, paddr, 0x77, 512)
	require.NoError(t, err)
	mut := c1.DuplicateForWrite(txn, orig)
	mut.CopyIn(32, []byte("journaled mutation"))

	fresh := c1.AllocNewExtent(txn, types.ExtentTypeTestBlock, 128)
	fresh.SetLaddr(0x88)
	fresh.CopyIn(0, []byte("fresh"))

	rec, err := c1.PrepareRecord(txn, s.Head(), s.Head())
	require.NoError(t, err)
	res, err := s.Submit(ctx, rec)
	require.NoError(t, err)
	c1.CompleteCommit(txn, res.RecordBase, res.StartSeq)

	wantCRC := mut.LastCommittedCRC()
	wantFreshAddr := fresh.Paddr()
	require.NoError(t, s.Close())

	// mount: fresh cache over the same device, replay the journal
	s2, err := Open(dir, dev)
	require.NoError(t, err)
	defer s2.Close()

	c2 := cache.New(cache.Defaults, dev, placement.NewMemoryManager())
	c2.Init()
	allocTail, dirtyTail := s2.Tails()
	err = s2.Replay(ctx, func(seq types.JournalSeq, base types.PAddr,
		delta *types.DeltaInfo, mtime time.Time) error {
		_, _, err := c2.ReplayDelta(ctx, seq, base, delta, dirtyTail, allocTail, mtime)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, c2.CheckInvariants())

	replayTxn := c2.CreateTransaction(types.SourceRead, false)
	got, err := c2.GetExtent(ctx, replayTxn, types.ExtentTypeTestBlock, paddr, 0x77, 512)
	require.NoError(t, err)
	require.Equal(t, wantCRC, got.LastCommittedCRC())
	require.EqualValues(t, 1, got.Version())
	require.Equal(t, mut.Bytes(), got.Bytes())

	// the fresh extent's payload is resolvable at its relocated address
	freshGot, err := c2.GetExtent(ctx, replayTxn, types.ExtentTypeTestBlock,
		wantFreshAddr, 0x88, 128)
	require.NoError(t, err)
	require.Equal(t, fresh.Bytes(), freshGot.Bytes())

	// the alloc delta was installed as backref entries at the record seq
	var (
		creates int
		atSeq   types.JournalSeq
	)
	c2.BackrefLog().ForEach(func(seq types.JournalSeq, e types.BackrefEntry) {
		if e.Op == types.BackrefOpCreate {
			creates++
			atSeq = seq
		}
	})
	require.Equal(t, 1, creates)
	require.Equal(t, res.StartSeq, atSeq)
}

func TestTrim(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		rec := types.NewRecord(types.SourceMutate)
		rec.ModifyTime = time.Now()
		rec.PushDelta(types.DeltaInfo{
			Type:  types.ExtentTypeTestBlock,
			Paddr: types.BlockAddr(uint64(i) * 0x1000),
			Bytes: []byte{byte(i)},
		})
		_, err := s.Submit(context.Background(), rec)
		require.NoError(t, err)
	}
	require.NoError(t, s.Trim(3))

	var seqs []types.JournalSeq
	err = s.Replay(context.Background(), func(seq types.JournalSeq, _ types.PAddr,
		_ *types.DeltaInfo, _ time.Time) error {
		seqs = append(seqs, seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []types.JournalSeq{3}, seqs)
}
