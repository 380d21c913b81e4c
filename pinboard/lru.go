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

package pinboard

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/golang-lru/simplelru"
)

// EvictFunc receives eviction victims once the byte budget is exceeded.
type EvictFunc func(e Entry)

// LRU is the default pinboard: least-recently-used ordering with a byte
// budget. Eviction fires on insert/touch once the tracked total exceeds the
// budget.
type LRU struct {
	capacity uint64
	lru      *simplelru.LRU
	bytes    uint64
	onEvict  EvictFunc

	evicting bool
}

// NewLRU constructs a pinboard with the given byte budget. onEvict may be
// nil, in which case victims are simply dropped from tracking.
func NewLRU(capacity uint64, onEvict EvictFunc) *LRU {
	p := &LRU{capacity: capacity, onEvict: onEvict}
	// The entry cap is a backstop; the byte budget below is the real bound.
	lru, err := simplelru.NewLRU(int(^uint(0)>>1), p.evicted)
	if err != nil {
		log.Crit("Failed to create pinboard lru", "err", err)
	}
	p.lru = lru
	log.Info("Allocated extent pinboard", "capacity", common.StorageSize(capacity))
	return p
}

func (p *LRU) evicted(key, value interface{}) {
	e := value.(Entry)
	p.bytes -= uint64(e.Length())
	if p.onEvict != nil && p.evicting {
		p.onEvict(e)
	}
}

// Insert implements Pinboard.
func (p *LRU) Insert(e Entry) {
	if _, ok := p.lru.Get(e.Paddr()); ok {
		return
	}
	p.lru.Add(e.Paddr(), e)
	p.bytes += uint64(e.Length())
	p.shrink()
}

// Touch implements Pinboard.
func (p *LRU) Touch(e Entry, hint Hint) {
	if _, ok := p.lru.Peek(e.Paddr()); !ok {
		p.lru.Add(e.Paddr(), e)
		p.bytes += uint64(e.Length())
		p.shrink()
		return
	}
	if hint == HintTouch {
		p.lru.Get(e.Paddr())
	}
}

// Remove implements Pinboard.
func (p *LRU) Remove(e Entry) {
	p.lru.Remove(e.Paddr())
}

// Clear implements Pinboard.
func (p *LRU) Clear() {
	p.lru.Purge()
	p.bytes = 0
}

// CurrentNumExtents implements Pinboard.
func (p *LRU) CurrentNumExtents() uint64 { return uint64(p.lru.Len()) }

// CurrentSizeBytes implements Pinboard.
func (p *LRU) CurrentSizeBytes() uint64 { return p.bytes }

// shrink evicts least-recently-used entries until the byte budget holds.
func (p *LRU) shrink() {
	p.evicting = true
	for p.bytes > p.capacity && p.lru.Len() > 0 {
		p.lru.RemoveOldest()
	}
	p.evicting = false
}

var _ Pinboard = (*LRU)(nil)
