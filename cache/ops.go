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
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/tidestore/tidestore/types"
)

// extentOps is the per-type behavior of an extent: delta serialization and
// the commit lifecycle hooks. The table below is a closed-set enumeration;
// per-extent-type payload parsing beyond the delta codec lives with the
// index implementations, not here.
type extentOps interface {
	// getDelta serializes the pending mutations of a mutable extent.
	getDelta(e *Extent) ([]byte, error)

	// applyDelta applies serialized mutations against the extent payload and
	// adjusts the checksum. base is the record base for addresses embedded
	// in the delta.
	applyDelta(e *Extent, base types.PAddr, delta []byte) error

	// prepareWrite finalizes the payload before it is handed to the journal.
	prepareWrite(e *Extent)

	// prepareCommit resolves intra-transaction references before state
	// transitions take place.
	prepareCommit(e *Extent)

	// onReplacePrior runs on a mutation-pending extent right before it
	// replaces its prior instance in the index.
	onReplacePrior(e *Extent)

	// onInitialWrite runs on a fresh extent once its record is durable and
	// its final address is known.
	onInitialWrite(e *Extent)

	// onDeltaWrite runs on a mutated extent once its delta record is
	// durable.
	onDeltaWrite(e *Extent, recordBase types.PAddr)
}

// baseOps is the default behavior: deltas are an RLP patch list applied
// against the payload.
type baseOps struct{}

func (baseOps) getDelta(e *Extent) ([]byte, error) {
	return rlp.EncodeToBytes(e.patches)
}

func (baseOps) applyDelta(e *Extent, base types.PAddr, delta []byte) error {
	var patches []patch
	if err := rlp.Decode(bytes.NewReader(delta), &patches); err != nil {
		return fmt.Errorf("decode extent delta: %w", err)
	}
	for _, p := range patches {
		if uint64(p.Off)+uint64(len(p.Data)) > uint64(e.length) {
			return fmt.Errorf("delta patch past extent end: off=0x%x len=0x%x extent=%v",
				p.Off, len(p.Data), e)
		}
		copy(e.buffer[p.Off:], p.Data)
	}
	e.lastCommittedCRC = e.calcCRC32C()
	return nil
}

func (baseOps) prepareWrite(e *Extent)                   {}
func (baseOps) prepareCommit(e *Extent)                  {}
func (baseOps) onReplacePrior(e *Extent)                 {}
func (baseOps) onInitialWrite(e *Extent)                 {}
func (baseOps) onDeltaWrite(e *Extent, base types.PAddr) {}

// rootOps carries the root's delta as the full payload. The root is never
// written as a fresh block and tracks no device checksum.
type rootOps struct{ baseOps }

func (rootOps) getDelta(e *Extent) ([]byte, error) {
	return append([]byte(nil), e.buffer...), nil
}

func (rootOps) applyDelta(e *Extent, base types.PAddr, delta []byte) error {
	e.buffer = append([]byte(nil), delta...)
	e.length = uint32(len(delta))
	return nil
}

// placeholderOps rejects every operation: placeholders carry no payload.
type placeholderOps struct{ baseOps }

func (placeholderOps) getDelta(e *Extent) ([]byte, error) {
	log.Crit("Delta requested from retired placeholder", "extent", e)
	return nil, nil
}

func (placeholderOps) applyDelta(e *Extent, base types.PAddr, delta []byte) error {
	log.Crit("Delta applied to retired placeholder", "extent", e)
	return nil
}

// opsTable is the closed per-type dispatch table.
var opsTable = map[types.ExtentType]extentOps{
	types.ExtentTypeRoot:               rootOps{},
	types.ExtentTypeLBAInternal:        baseOps{},
	types.ExtentTypeLBALeaf:            baseOps{},
	types.ExtentTypeOMapInner:          baseOps{},
	types.ExtentTypeOMapLeaf:           baseOps{},
	types.ExtentTypeOnode:              baseOps{},
	types.ExtentTypeCollection:         baseOps{},
	types.ExtentTypeObjectData:         baseOps{},
	types.ExtentTypeBackrefInternal:    baseOps{},
	types.ExtentTypeBackrefLeaf:        baseOps{},
	types.ExtentTypeRetiredPlaceholder: placeholderOps{},
	types.ExtentTypeTestBlock:          baseOps{},
	types.ExtentTypeTestBlockPhysical:  baseOps{},
}

// opsFor resolves the behavior table for a type. Unknown types are bugs.
func opsFor(t types.ExtentType) extentOps {
	ops, ok := opsTable[t]
	if !ok {
		log.Crit("No extent ops for type", "type", t)
	}
	return ops
}
