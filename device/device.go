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

// Package device abstracts the physical readback path the cache faults
// extents in from.
package device

import (
	"context"
	"encoding/binary"

	"github.com/tidestore/tidestore/types"
)

// Device serves extent payload reads by physical address.
type Device interface {
	// ReadExtent reads length bytes at the given absolute address.
	ReadExtent(ctx context.Context, paddr types.PAddr, length uint32) ([]byte, error)
}

// Writer is implemented by devices that also accept payload writes. The
// cache itself never writes extents; the journal and the out-of-line write
// path do.
type Writer interface {
	WriteExtent(ctx context.Context, paddr types.PAddr, data []byte) error
}

// Key flattens an absolute address into a fixed byte key for key-value
// backed devices.
func Key(paddr types.PAddr) []byte {
	var key [13]byte
	key[0] = byte(paddr.Kind)
	binary.BigEndian.PutUint32(key[1:5], uint32(paddr.Seg))
	binary.BigEndian.PutUint64(key[5:13], paddr.Off)
	return key[:]
}
