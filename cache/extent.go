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
	"container/list"
	"context"
	"fmt"
	"hash/crc32"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/types"
)

// ExtentState is the lifecycle state of a cached extent.
type ExtentState uint8

const (
	// StateInvalid is terminal. Invalid extents are dropped from the index
	// and every transaction that observed them must conflict.
	StateInvalid ExtentState = iota

	// StateClean is a resident extent matching its on-device image.
	StateClean

	// StateDirty is a resident extent whose in-memory image is newer than
	// the device; it is linked into the dirty list.
	StateDirty

	// StateMutationPending is a pending clone owned by one transaction,
	// replacing its prior instance on commit.
	StateMutationPending

	// StateExistMutationPending is a mutated extent whose existence is
	// established within the owning transaction; it has no prior instance.
	StateExistMutationPending

	// StateExistClean is an unmutated extent whose existence is established
	// within the owning transaction.
	StateExistClean

	// StateCleanPending is a freshly allocated extent waiting for its final
	// physical address after the journal write.
	StateCleanPending
)

func (s ExtentState) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateClean:
		return "CLEAN"
	case StateDirty:
		return "DIRTY"
	case StateMutationPending:
		return "MUTATION_PENDING"
	case StateExistMutationPending:
		return "EXIST_MUTATION_PENDING"
	case StateExistClean:
		return "EXIST_CLEAN"
	case StateCleanPending:
		return "CLEAN_PENDING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ioWait is a one-shot barrier other parties await while an extent has I/O
// in flight. When the barrier resolves the extent transitions to the target
// state.
type ioWait struct {
	from ExtentState
	to   ExtentState
	done chan struct{}
}

// patch is one recorded mutation of a pending extent's buffer.
type patch struct {
	Off  uint32
	Data []byte
}

// Extent is a fixed-length, physically addressed payload unit managed by
// the cache.
type Extent struct {
	typ    types.ExtentType
	paddr  types.PAddr
	laddr  types.LAddr
	length uint32
	buffer []byte // nil for retired placeholders

	state            ExtentState
	version          uint64
	dirtyFrom        types.JournalSeq
	lastCommittedCRC uint32
	modifyTime       time.Time

	// patches accumulates buffer mutations since the extent became pending;
	// they serialize into the journal delta at commit.
	patches []patch

	// priorInstance is the stable extent a pending mutation will replace.
	// Ownership stays with the index; the pointer is cleared in
	// CompleteCommit to break the cycle with the mutated-block list.
	priorInstance *Extent

	// pendingForTransaction is the id of the owning transaction while the
	// extent is pending, zero otherwise.
	pendingForTransaction uint64

	// readTxns tracks the non-weak transactions that observed this extent
	// and must conflict if it becomes invalid.
	readTxns mapset.Set[*Transaction]

	ioErr  error
	ioBusy *ioWait

	dirtyElem *list.Element // handle into the dirty list, nil when unlinked
}

func newExtent(typ types.ExtentType, paddr types.PAddr, buffer []byte) *Extent {
	return &Extent{
		typ:       typ,
		paddr:     paddr,
		laddr:     types.LAddrNull,
		length:    uint32(len(buffer)),
		buffer:    buffer,
		state:     StateInvalid,
		dirtyFrom: types.NullSeq,
		readTxns:  mapset.NewThreadUnsafeSet[*Transaction](),
	}
}

// newRetiredPlaceholder constructs an index entry recording that paddr holds
// no live extent. Placeholders carry no buffer and never become dirty.
func newRetiredPlaceholder(paddr types.PAddr, length uint32) *Extent {
	e := newExtent(types.ExtentTypeRetiredPlaceholder, paddr, nil)
	e.length = length
	e.state = StateClean
	return e
}

// Type returns the extent's type tag.
func (e *Extent) Type() types.ExtentType { return e.typ }

// Paddr returns the extent's physical address.
func (e *Extent) Paddr() types.PAddr { return e.paddr }

// Laddr returns the logical address of a logical extent, or the null
// sentinel.
func (e *Extent) Laddr() types.LAddr { return e.laddr }

// SetLaddr assigns the logical address of a logical extent.
func (e *Extent) SetLaddr(l types.LAddr) {
	if !e.typ.IsLogical() {
		log.Crit("Logical address on non-logical extent", "extent", e)
	}
	e.laddr = l
}

// Length returns the extent's length in bytes.
func (e *Extent) Length() uint32 { return e.length }

// State returns the current lifecycle state.
func (e *Extent) State() ExtentState { return e.state }

// Version returns the mutation version: 0 is clean-from-disk, anything
// higher carries uncommitted or replayed mutations.
func (e *Extent) Version() uint64 { return e.version }

// DirtyFrom returns the journal sequence at which the extent became dirty,
// or, when clean, the null sentinel (MinSeq after an in-place rewrite).
func (e *Extent) DirtyFrom() types.JournalSeq { return e.dirtyFrom }

// LastCommittedCRC returns the checksum matching the device image, or the
// sentinel when no checksum is needed for the address.
func (e *Extent) LastCommittedCRC() uint32 { return e.lastCommittedCRC }

// ModifyTime returns the last modification timestamp.
func (e *Extent) ModifyTime() time.Time { return e.modifyTime }

// SetModifyTime stamps the last modification timestamp.
func (e *Extent) SetModifyTime(t time.Time) { e.modifyTime = t }

// PriorInstance returns the stable extent this pending mutation will
// replace, if any.
func (e *Extent) PriorInstance() *Extent { return e.priorInstance }

// Bytes returns the extent's buffer. Callers must not mutate it directly;
// use CopyIn on a mutable extent.
func (e *Extent) Bytes() []byte { return e.buffer }

// IsValid reports whether the extent has not been invalidated.
func (e *Extent) IsValid() bool { return e.state != StateInvalid }

// IsMutable reports whether the extent accepts writes in its owning
// transaction.
func (e *Extent) IsMutable() bool {
	switch e.state {
	case StateMutationPending, StateExistMutationPending, StateCleanPending:
		return true
	default:
		return false
	}
}

// IsMutationPending reports whether the extent is a pending clone with a
// prior instance.
func (e *Extent) IsMutationPending() bool { return e.state == StateMutationPending }

// IsExistMutationPending reports whether the extent is a mutated
// transaction-established extent.
func (e *Extent) IsExistMutationPending() bool { return e.state == StateExistMutationPending }

// IsExistClean reports whether the extent is an unmutated
// transaction-established extent.
func (e *Extent) IsExistClean() bool { return e.state == StateExistClean }

// IsStableClean reports whether the extent is stable and matches disk.
func (e *Extent) IsStableClean() bool { return e.state == StateClean }

// IsStableDirty reports whether the extent is stable and newer than disk.
func (e *Extent) IsStableDirty() bool { return e.state == StateDirty }

// IsCleanPending reports whether the extent awaits its final address.
func (e *Extent) IsCleanPending() bool { return e.state == StateCleanPending }

// IsPlaceholder reports whether the extent is a retired placeholder.
func (e *Extent) IsPlaceholder() bool { return e.typ.IsRetiredPlaceholder() }

// FullyLoaded reports whether the payload is resident. Placeholders carry
// no buffer and are never fully loaded.
func (e *Extent) FullyLoaded() bool { return e.buffer != nil }

// mayConflict reports whether invalidating the extent can conflict readers.
// Retired placeholders are never read, so they cannot.
func (e *Extent) mayConflict() bool { return !e.IsPlaceholder() }

// IsPendingIO reports whether the extent has a pending-I/O barrier set.
func (e *Extent) IsPendingIO() bool { return e.ioBusy != nil }

// setIoWait installs the pending-I/O barrier. A dirty target transitions
// eagerly so the commit can link the extent into the dirty list while its
// record is in flight; a clean target resolves when the barrier completes.
func (e *Extent) setIoWait(to ExtentState) {
	if e.ioBusy != nil {
		log.Crit("Pending-IO barrier already set", "extent", e)
	}
	e.ioBusy = &ioWait{from: e.state, to: to, done: make(chan struct{})}
	if to == StateDirty {
		e.state = StateDirty
	}
}

// completeIO resolves the barrier, transitioning the extent to the target
// state and waking all waiters.
func (e *Extent) completeIO() {
	if e.ioBusy == nil {
		log.Crit("Pending-IO barrier not set", "extent", e)
	}
	w := e.ioBusy
	e.ioBusy = nil
	e.state = w.to
	close(w.done)
}

// ioWaitFrom returns the state the pending barrier was installed from.
func (e *Extent) ioWaitFrom() ExtentState {
	if e.ioBusy == nil {
		log.Crit("Pending-IO barrier not set", "extent", e)
	}
	return e.ioBusy.from
}

// failIO tears the barrier down without a state transition, propagating the
// error to waiters. The shard is expected to be torn down by a higher layer.
func (e *Extent) failIO(err error) {
	if e.ioBusy == nil {
		return
	}
	w := e.ioBusy
	e.ioBusy = nil
	e.ioErr = err
	close(w.done)
}

// WaitIO suspends until any pending I/O barrier on the extent resolves.
func (e *Extent) WaitIO(ctx context.Context) error {
	w := e.ioBusy
	if w == nil {
		return e.ioErr
	}
	select {
	case <-w.done:
		return e.ioErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CopyIn writes data into a mutable extent at the given offset. Writes on
// pending mutations are recorded and serialize into the journal delta at
// commit; writes on fresh extents go straight to the payload.
func (e *Extent) CopyIn(off uint32, data []byte) {
	if !e.IsMutable() {
		log.Crit("Write to immutable extent", "extent", e)
	}
	if uint64(off)+uint64(len(data)) > uint64(e.length) {
		log.Crit("Write past extent end", "extent", e, "off", off, "len", len(data))
	}
	copy(e.buffer[off:], data)
	if e.state == StateMutationPending || e.state == StateExistMutationPending {
		e.patches = append(e.patches, patch{Off: off, Data: append([]byte(nil), data...)})
	}
}

// calcCRC32C computes the Castagnoli checksum of the payload.
func (e *Extent) calcCRC32C() uint32 {
	return crc32.Checksum(e.buffer, castagnoli)
}

// setInvalid marks the extent terminal and detaches its reader tracking.
func (e *Extent) setInvalid() {
	e.state = StateInvalid
	e.readTxns.Clear()
}

// addReader registers a transaction that observed the extent.
func (e *Extent) addReader(t *Transaction) {
	e.readTxns.Add(t)
}

// removeReader drops a transaction from the reader set.
func (e *Extent) removeReader(t *Transaction) {
	e.readTxns.Remove(t)
}

func (e *Extent) String() string {
	return fmt.Sprintf("extent(%s %s len=0x%x ver=%d state=%s dirty_from=%s crc=0x%x)",
		e.typ, e.paddr, e.length, e.version, e.state, e.dirtyFrom, e.lastCommittedCRC)
}
