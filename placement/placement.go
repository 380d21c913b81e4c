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

// Package placement defines the cache's view of the extent placement
// manager: the allocator owning physical space accounting.
package placement

import "github.com/tidestore/tidestore/types"

// Manager is the allocation bookkeeping collaborator of the cache.
type Manager interface {
	// MarkSpaceUsed records that an already placed range is live. The cache
	// calls it for existing blocks once their commit is durable.
	MarkSpaceUsed(paddr types.PAddr, length uint32)

	// MarkSpaceFree returns the range to the allocator.
	MarkSpaceFree(paddr types.PAddr, length uint32)

	// CommitSpaceUsed finalizes the range once its commit is durable.
	CommitSpaceUsed(paddr types.PAddr, length uint32)

	// GetChecksumNeeded reports whether payloads at the address carry a
	// device checksum.
	GetChecksumNeeded(paddr types.PAddr) bool
}

// MemoryManager is a map-backed Manager for tests and tooling. Checksums
// are reported as needed for every address unless disabled.
type MemoryManager struct {
	used        map[types.PAddr]uint32
	NoChecksums bool
}

// NewMemoryManager constructs an empty accounting manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{used: make(map[types.PAddr]uint32)}
}

// MarkSpaceUsed implements Manager.
func (m *MemoryManager) MarkSpaceUsed(paddr types.PAddr, length uint32) {
	m.used[paddr] = length
}

// MarkSpaceFree implements Manager.
func (m *MemoryManager) MarkSpaceFree(paddr types.PAddr, length uint32) {
	delete(m.used, paddr)
}

// CommitSpaceUsed implements Manager.
func (m *MemoryManager) CommitSpaceUsed(paddr types.PAddr, length uint32) {
	m.used[paddr] = length
}

// GetChecksumNeeded implements Manager.
func (m *MemoryManager) GetChecksumNeeded(paddr types.PAddr) bool {
	return !m.NoChecksums
}

// Used reports whether the address is currently accounted live.
func (m *MemoryManager) Used(paddr types.PAddr) bool {
	_, ok := m.used[paddr]
	return ok
}

var _ Manager = (*MemoryManager)(nil)
