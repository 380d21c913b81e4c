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

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/tidestore/tidestore/types"
)

// Pebble is a persistent key-value backed device.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble-backed device at path.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open device at %s", path)
	}
	log.Info("Opened pebble device", "path", path)
	return &Pebble{db: db}, nil
}

// ReadExtent implements Device.
func (p *Pebble) ReadExtent(ctx context.Context, paddr types.PAddr, length uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, closer, err := p.db.Get(Key(paddr))
	if err != nil {
		return nil, errors.Wrapf(err, "read extent %v", paddr)
	}
	defer closer.Close()
	if uint32(len(blob)) != length {
		return nil, fmt.Errorf("extent %v length mismatch: want 0x%x got 0x%x",
			paddr, length, len(blob))
	}
	return append([]byte(nil), blob...), nil
}

// WriteExtent implements Writer.
func (p *Pebble) WriteExtent(ctx context.Context, paddr types.PAddr, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Set(Key(paddr), data, pebble.Sync); err != nil {
		return errors.Wrapf(err, "write extent %v", paddr)
	}
	return nil
}

// Close releases the underlying store.
func (p *Pebble) Close() error {
	return p.db.Close()
}

var (
	_ Device = (*Pebble)(nil)
	_ Writer = (*Pebble)(nil)
)
