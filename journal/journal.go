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

// Package journal defines the cache's view of the record journal: sequence
// assignment, durable record submission, and delta replay on mount.
package journal

import (
	"context"
	"time"

	"github.com/tidestore/tidestore/types"
)

// SubmitResult carries what the journal assigned to a durably written
// record: the absolute base address its inline payload landed at, and the
// record's sequence.
type SubmitResult struct {
	RecordBase types.PAddr
	StartSeq   types.JournalSeq
}

// Submitter accepts records from committing transactions.
type Submitter interface {
	// Submit durably writes a record and returns its placement. The caller
	// suspends until the write is stable.
	Submit(ctx context.Context, rec *types.Record) (SubmitResult, error)
}

// ReplayFn consumes one delta of one replayed record.
type ReplayFn func(seq types.JournalSeq, base types.PAddr, delta *types.DeltaInfo,
	modifyTime time.Time) error

// Store is a full journal: submission plus mount-time replay.
type Store interface {
	Submitter

	// Head returns the sequence the next record will be assigned.
	Head() types.JournalSeq

	// Tails returns the journal tails resolved from the most recent tail
	// delta, or the journal front for a journal that never carried one.
	Tails() (alloc, dirty types.JournalSeq)

	// Replay walks all retained records in sequence order.
	Replay(ctx context.Context, fn ReplayFn) error

	// Close releases the journal.
	Close() error
}
