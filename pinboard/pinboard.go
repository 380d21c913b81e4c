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

// Package pinboard tracks clean resident extents as eviction candidates.
// The cache owns residency; the pinboard only decides which clean extents
// to let go when the configured byte budget is exceeded.
package pinboard

import "github.com/tidestore/tidestore/types"

// Hint biases the recency treatment of a touch.
type Hint uint8

const (
	// HintTouch is the default: full promotion to most-recently-used.
	HintTouch Hint = iota

	// HintNoTouch records residency without promotion, for accesses that
	// should not perturb recency (e.g. replay).
	HintNoTouch
)

// Entry is the cache's view of a tracked extent. The pinboard holds a
// non-owning handle; removal from the pinboard is required before an extent
// is retired.
type Entry interface {
	Paddr() types.PAddr
	Length() uint32
}

// Pinboard is the eviction candidate list. Implementations receive
// insert/touch/remove from the cache and report eviction victims through
// the callback configured at construction.
type Pinboard interface {
	// Insert starts tracking an entry.
	Insert(e Entry)

	// Touch refreshes an entry's recency. Touching an untracked entry
	// inserts it.
	Touch(e Entry, hint Hint)

	// Remove stops tracking an entry.
	Remove(e Entry)

	// Clear drops all tracked entries without firing evictions.
	Clear()

	// CurrentNumExtents returns the number of tracked entries.
	CurrentNumExtents() uint64

	// CurrentSizeBytes returns the tracked payload total.
	CurrentSizeBytes() uint64
}
