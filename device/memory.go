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

package device

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/pkg/errors"

	"github.com/tidestore/tidestore/types"
)

// Memory is an ephemeral key-value backed device for tests and tooling.
type Memory struct {
	db *memorydb.Database
}

// NewMemory constructs an empty in-memory device.
func NewMemory() *Memory {
	return &Memory{db: memorydb.New()}
}

// ReadExtent implements Device.
func (m *Memory) ReadExtent(ctx context.Context, paddr types.PAddr, length uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := m.db.Get(Key(paddr))
	if err != nil {
		return nil, errors.Wrapf(err, "read extent %v", paddr)
	}
	if uint32(len(blob)) != length {
		return nil, fmt.Errorf("extent %v length mismatch: want 0x%x got 0x%x",
			paddr, length, len(blob))
	}
	return append([]byte(nil), blob...), nil
}

// WriteExtent implements Writer.
func (m *Memory) WriteExtent(ctx context.Context, paddr types.PAddr, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.db.Put(Key(paddr), data); err != nil {
		return errors.Wrapf(err, "write extent %v", paddr)
	}
	return nil
}

var (
	_ Device = (*Memory)(nil)
	_ Writer = (*Memory)(nil)
)
