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
	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/types"
)

// backrefBucket is the ordered batch of back-reference entries committed at
// one journal sequence.
type backrefBucket struct {
	seq     types.JournalSeq
	entries []types.BackrefEntry
}

// BackrefLog stages allocation and retirement entries per journal sequence
// until a merger installs them into the back-reference index in order.
// Buckets are appended in non-decreasing sequence; an older sequence
// arriving after a newer one is a bug and aborts.
type BackrefLog struct {
	buckets []backrefBucket
}

func newBackrefLog() *BackrefLog {
	return &BackrefLog{}
}

// Commit appends entries at seq, merging into the most recent bucket iff
// the sequence matches it.
func (b *BackrefLog) Commit(seq types.JournalSeq, entries []types.BackrefEntry) {
	if seq.IsNull() {
		log.Crit("Backref commit at null sequence")
	}
	if len(entries) == 0 {
		return
	}
	if n := len(b.buckets); n > 0 {
		last := &b.buckets[n-1]
		if last.seq > seq {
			log.Crit("Backref commit out of order", "seq", seq, "last", last.seq)
		}
		if last.seq == seq {
			last.entries = append(last.entries, entries...)
			return
		}
	}
	b.buckets = append(b.buckets, backrefBucket{seq: seq, entries: entries})
}

// OldestSeq returns the sequence of the oldest staged bucket, or the null
// sentinel when the log is drained.
func (b *BackrefLog) OldestSeq() types.JournalSeq {
	if len(b.buckets) == 0 {
		return types.NullSeq
	}
	return b.buckets[0].seq
}

// ForEach walks the staged entries in sequence order.
func (b *BackrefLog) ForEach(fn func(types.JournalSeq, types.BackrefEntry)) {
	for _, bucket := range b.buckets {
		for _, e := range bucket.entries {
			fn(bucket.seq, e)
		}
	}
}

// TrimBefore drops buckets with sequence below tail, after the merger has
// installed them.
func (b *BackrefLog) TrimBefore(tail types.JournalSeq) {
	i := 0
	for i < len(b.buckets) && b.buckets[i].seq < tail {
		i++
	}
	b.buckets = b.buckets[i:]
}

// Len returns the number of staged buckets.
func (b *BackrefLog) Len() int { return len(b.buckets) }

// Clear drops all staged buckets.
func (b *BackrefLog) Clear() { b.buckets = nil }
