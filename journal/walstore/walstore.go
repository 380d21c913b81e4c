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

// Package walstore implements the record journal over a write-ahead log
// file. Records are snappy-compressed RLP envelopes; the log index is the
// journal sequence.
package walstore

import (
	"bytes"
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tidwall/wal"

	"github.com/tidestore/tidestore/device"
	"github.com/tidestore/tidestore/journal"
	"github.com/tidestore/tidestore/types"
)

// walRecord is the persisted envelope of one journal record.
type walRecord struct {
	Source     types.TransSource
	ModifyTime uint64
	BaseOff    uint64
	Deltas     []types.DeltaInfo
	Extents    []types.FreshExtent
}

// Store is a wal-backed journal. Fresh inline payloads are additionally
// written through to the device at their final addresses, so fault-in after
// replay resolves them.
type Store struct {
	l   *wal.Log
	dev device.Writer // optional write-through

	baseOff   uint64
	headSeq   types.JournalSeq
	allocTail types.JournalSeq
	dirtyTail types.JournalSeq
}

// Open opens (or creates) a journal at path. dev may be nil to skip the
// payload write-through.
func Open(path string, dev device.Writer) (*Store, error) {
	l, err := wal.Open(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal at %s", path)
	}
	s := &Store{l: l, dev: dev}
	if err := s.scan(); err != nil {
		l.Close()
		return nil, err
	}
	log.Info("Opened journal", "path", path, "head", s.headSeq,
		"allocTail", s.allocTail, "dirtyTail", s.dirtyTail)
	return s, nil
}

// scan resolves the head cursor and the most recent tail delta.
func (s *Store) scan() error {
	first, err := s.l.FirstIndex()
	if err != nil {
		return errors.Wrap(err, "journal first index")
	}
	last, err := s.l.LastIndex()
	if err != nil {
		return errors.Wrap(err, "journal last index")
	}
	s.headSeq = types.JournalSeq(last + 1)
	s.allocTail = types.JournalSeq(first)
	s.dirtyTail = types.JournalSeq(first)
	if last == 0 {
		return nil
	}
	for i := first; i <= last; i++ {
		rec, err := s.read(i)
		if err != nil {
			return err
		}
		for _, d := range rec.Deltas {
			if d.Type != types.ExtentTypeJournalTail {
				continue
			}
			tails, err := types.DecodeJournalTailDelta(d.Bytes)
			if err != nil {
				return errors.Wrapf(err, "tail delta at seq %d", i)
			}
			s.allocTail = tails.AllocTail
			s.dirtyTail = tails.DirtyTail
		}
	}
	// the next record's payload lands one past the last record's
	lastRec, err := s.read(last)
	if err != nil {
		return err
	}
	s.baseOff = lastRec.BaseOff
	for _, e := range lastRec.Extents {
		s.baseOff += uint64(len(e.Bytes))
	}
	return nil
}

func (s *Store) read(index uint64) (*walRecord, error) {
	blob, err := s.l.Read(index)
	if err != nil {
		return nil, errors.Wrapf(err, "journal read at %d", index)
	}
	dec, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, errors.Wrapf(err, "journal decompress at %d", index)
	}
	var rec walRecord
	if err := rlp.Decode(bytes.NewReader(dec), &rec); err != nil {
		return nil, errors.Wrapf(err, "journal decode at %d", index)
	}
	return &rec, nil
}

// Submit implements journal.Submitter.
func (s *Store) Submit(ctx context.Context, rec *types.Record) (journal.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return journal.SubmitResult{}, err
	}
	seq := s.headSeq
	base := types.BlockAddr(s.baseOff)
	env := walRecord{
		Source:     rec.Source,
		ModifyTime: uint64(rec.ModifyTime.UnixNano()),
		BaseOff:    s.baseOff,
		Deltas:     rec.Deltas,
		Extents:    rec.Extents,
	}
	enc, err := rlp.EncodeToBytes(&env)
	if err != nil {
		return journal.SubmitResult{}, errors.Wrap(err, "encode record")
	}
	if err := s.l.Write(uint64(seq), snappy.Encode(nil, enc)); err != nil {
		return journal.SubmitResult{}, errors.Wrapf(err, "write record at %d", seq)
	}
	if s.dev != nil {
		off := uint64(0)
		for _, e := range rec.Extents {
			paddr := base
			paddr.Off += off
			if err := s.dev.WriteExtent(ctx, paddr, e.Bytes); err != nil {
				return journal.SubmitResult{}, err
			}
			off += uint64(len(e.Bytes))
		}
	}
	for _, d := range rec.Deltas {
		if d.Type != types.ExtentTypeJournalTail {
			continue
		}
		tails, err := types.DecodeJournalTailDelta(d.Bytes)
		if err != nil {
			return journal.SubmitResult{}, errors.Wrap(err, "tail delta in submitted record")
		}
		s.allocTail = tails.AllocTail
		s.dirtyTail = tails.DirtyTail
	}
	s.baseOff += rec.ExtentBytes()
	s.headSeq = seq + 1
	log.Debug("Submitted record", "seq", seq, "base", base,
		"deltas", len(rec.Deltas), "extents", len(rec.Extents))
	return journal.SubmitResult{RecordBase: base, StartSeq: seq}, nil
}

// Head implements journal.Store.
func (s *Store) Head() types.JournalSeq { return s.headSeq }

// Tails implements journal.Store.
func (s *Store) Tails() (alloc, dirty types.JournalSeq) {
	return s.allocTail, s.dirtyTail
}

// Replay implements journal.Store.
func (s *Store) Replay(ctx context.Context, fn journal.ReplayFn) error {
	first, err := s.l.FirstIndex()
	if err != nil {
		return errors.Wrap(err, "journal first index")
	}
	last, err := s.l.LastIndex()
	if err != nil {
		return errors.Wrap(err, "journal last index")
	}
	if last == 0 {
		return nil
	}
	for i := first; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.read(i)
		if err != nil {
			return err
		}
		base := types.BlockAddr(rec.BaseOff)
		mtime := time.Unix(0, int64(rec.ModifyTime))
		for j := range rec.Deltas {
			if err := fn(types.JournalSeq(i), base, &rec.Deltas[j], mtime); err != nil {
				return err
			}
		}
	}
	return nil
}

// RestoreExtents writes every retained record's fresh inline payloads
// through to the device at their final addresses. Mount tooling uses this
// to rebuild a device image the replayed deltas can fault extents from.
func (s *Store) RestoreExtents(ctx context.Context) error {
	if s.dev == nil {
		return errors.New("journal has no device to restore into")
	}
	first, err := s.l.FirstIndex()
	if err != nil {
		return errors.Wrap(err, "journal first index")
	}
	last, err := s.l.LastIndex()
	if err != nil {
		return errors.Wrap(err, "journal last index")
	}
	if last == 0 {
		return nil
	}
	for i := first; i <= last; i++ {
		rec, err := s.read(i)
		if err != nil {
			return err
		}
		off := rec.BaseOff
		for _, e := range rec.Extents {
			if err := s.dev.WriteExtent(ctx, types.BlockAddr(off), e.Bytes); err != nil {
				return err
			}
			off += uint64(len(e.Bytes))
		}
	}
	return nil
}

// Trim drops records below the given sequence once the trimming cleaner has
// rewritten everything they cover.
func (s *Store) Trim(tail types.JournalSeq) error {
	if err := s.l.TruncateFront(uint64(tail)); err != nil {
		return errors.Wrapf(err, "truncate journal to %d", tail)
	}
	log.Info("Trimmed journal", "tail", tail)
	return nil
}

// Close implements journal.Store.
func (s *Store) Close() error {
	return s.l.Close()
}

var _ journal.Store = (*Store)(nil)
