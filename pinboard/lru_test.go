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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidestore/tidestore/types"
)

type testEntry struct {
	paddr  types.PAddr
	length uint32
}

func (e *testEntry) Paddr() types.PAddr { return e.paddr }
func (e *testEntry) Length() uint32     { return e.length }

func TestLRUBudgetEviction(t *testing.T) {
	var evicted []types.PAddr
	p := NewLRU(100, func(e Entry) {
		evicted = append(evicted, e.Paddr())
	})

	a := &testEntry{types.BlockAddr(0x100), 40}
	b := &testEntry{types.BlockAddr(0x200), 40}
	c := &testEntry{types.BlockAddr(0x300), 40}

	p.Insert(a)
	p.Insert(b)
	require.Empty(t, evicted)
	require.EqualValues(t, 2, p.CurrentNumExtents())
	require.EqualValues(t, 80, p.CurrentSizeBytes())

	// the third entry blows the budget; the least recently used one goes
	p.Insert(c)
	require.Equal(t, []types.PAddr{a.paddr}, evicted)
	require.EqualValues(t, 2, p.CurrentNumExtents())
	require.EqualValues(t, 80, p.CurrentSizeBytes())
}

func TestLRUTouchPromotes(t *testing.T) {
	var evicted []types.PAddr
	p := NewLRU(100, func(e Entry) {
		evicted = append(evicted, e.Paddr())
	})

	a := &testEntry{types.BlockAddr(0x100), 40}
	b := &testEntry{types.BlockAddr(0x200), 40}
	c := &testEntry{types.BlockAddr(0x300), 40}
	p.Insert(a)
	p.Insert(b)

	// promoting a makes b the eviction victim
	p.Touch(a, HintTouch)
	p.Insert(c)
	require.Equal(t, []types.PAddr{b.paddr}, evicted)

	// a no-touch hint on an untracked entry still starts tracking it
	d := &testEntry{types.BlockAddr(0x400), 10}
	p.Touch(d, HintNoTouch)
	require.EqualValues(t, 3, p.CurrentNumExtents())
}

func TestLRURemoveIsSilent(t *testing.T) {
	var evicted int
	p := NewLRU(1000, func(Entry) { evicted++ })

	a := &testEntry{types.BlockAddr(0x100), 40}
	p.Insert(a)
	p.Remove(a)
	require.Zero(t, evicted)
	require.Zero(t, p.CurrentNumExtents())
	require.Zero(t, p.CurrentSizeBytes())

	p.Insert(a)
	p.Clear()
	require.Zero(t, evicted)
	require.Zero(t, p.CurrentSizeBytes())
}
