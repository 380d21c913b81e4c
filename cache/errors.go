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

import "errors"

var (
	// ErrConflict reports that the transaction's read set was invalidated by
	// a concurrent commit. The caller is expected to discard the transaction
	// and optionally retry.
	ErrConflict = errors.New("transaction conflicted")

	// ErrRetired reports an access through an address the transaction has
	// already retired, or an address holding a retired placeholder.
	ErrRetired = errors.New("extent retired")

	// errDecodeDelta reports a malformed persisted delta during replay; it
	// surfaces as a fatal mount error.
	errDecodeDelta = errors.New("malformed journal delta")
)
