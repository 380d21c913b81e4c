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

// Package cache implements the in-memory extent cache and transactional
// staging layer of the store: the extent index, per-transaction read and
// write sets, conflict detection, record preparation for the journal, and
// journal delta replay on mount.
//
// The cache is confined to a single goroutine per shard. All apparent
// concurrency is the interleaving of suspended transactions; data structure
// mutations between suspension points are atomic by construction.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/device"
	"github.com/tidestore/tidestore/pinboard"
	"github.com/tidestore/tidestore/placement"
	"github.com/tidestore/tidestore/types"
)

// Config holds the cache tunables.
type Config struct {
	// PinboardBytes is the clean-extent budget per shard.
	PinboardBytes uint64

	// CleanCacheBytes sizes the payload cache consulted before the device
	// on fault-in. Zero disables it.
	CleanCacheBytes int
}

// Defaults is the sane starting configuration.
var Defaults = Config{
	PinboardBytes:   64 * 1024 * 1024,
	CleanCacheBytes: 0,
}

// SegmentProvider reports the current incarnation of a segment, letting
// replay detect deltas addressing reclaimed segments.
type SegmentProvider interface {
	SegmentInfo(seg types.SegmentID) (types.SegmentSeq, types.SegmentType, bool)
}

// backrefExtent is a registered back-reference tree node.
type backrefExtent struct {
	laddr types.LAddr
	typ   types.ExtentType
}

// Cache is the extent cache of one shard.
type Cache struct {
	cfg Config

	dev device.Device
	epm placement.Manager
	pin pinboard.Pinboard

	index *extentIndex
	dirty *dirtyList
	root  *Extent

	// cleans caches clean payloads by address so re-faulting evicted
	// extents can skip the device.
	cleans *fastcache.Cache

	segments SegmentProvider

	backrefLog     *BackrefLog
	backrefExtents map[types.PAddr]backrefExtent

	lastCommit types.JournalSeq
	nextTxnID  uint64
}

// New constructs a cache over the given collaborators.
func New(cfg Config, dev device.Device, epm placement.Manager) *Cache {
	c := &Cache{
		cfg:            cfg,
		dev:            dev,
		epm:            epm,
		index:          newExtentIndex(),
		dirty:          newDirtyList(),
		backrefLog:     newBackrefLog(),
		backrefExtents: make(map[types.PAddr]backrefExtent),
		lastCommit:     types.NullSeq,
	}
	if cfg.CleanCacheBytes > 0 {
		c.cleans = fastcache.New(cfg.CleanCacheBytes)
	}
	c.pin = pinboard.NewLRU(cfg.PinboardBytes, c.onPinboardEvict)
	log.Info("Allocated extent cache", "pinboard", common.StorageSize(cfg.PinboardBytes),
		"cleans", common.StorageSize(cfg.CleanCacheBytes))
	return c
}

// SetSegmentProvider wires the segment incarnation source used by replay.
func (c *Cache) SetSegmentProvider(p SegmentProvider) { c.segments = p }

// Pinboard exposes the eviction candidate list, mainly for introspection.
func (c *Cache) Pinboard() pinboard.Pinboard { return c.pin }

// LastCommit returns the sequence of the most recent completed commit.
func (c *Cache) LastCommit() types.JournalSeq { return c.lastCommit }

// Root returns the resident root extent.
func (c *Cache) Root() *Extent { return c.root }

// BackrefLog returns the staged back-reference entries per sequence.
func (c *Cache) BackrefLog() *BackrefLog { return c.backrefLog }

// onPinboardEvict drops a clean victim from the index. Dirty extents never
// live on the pinboard, and placeholders are never inserted.
func (c *Cache) onPinboardEvict(entry pinboard.Entry) {
	e, ok := entry.(*Extent)
	if !ok {
		log.Crit("Foreign entry on pinboard", "paddr", entry.Paddr())
	}
	if !e.IsStableClean() || e.IsPlaceholder() {
		log.Crit("Pinboard evicted non-clean extent", "extent", e)
	}
	if c.cleans != nil && e.buffer != nil {
		c.cleans.Set(device.Key(e.paddr), e.buffer)
		cleanWriteMeter.Mark(int64(len(e.buffer)))
	}
	// transactions that observed the extent keep their reference; the
	// extent merely stops being resolvable through the index
	c.index.erase(e)
	c.updateGauges()
}

// Init installs a fresh dirty root, dropping any previous one. Initial
// creation runs mkfs followed by mount, each of which calls Init.
func (c *Cache) Init() {
	if c.root != nil {
		log.Debug("Remove previous root", "root", c.root)
		c.removeExtent(c.root)
		c.root = nil
	}
	root := newExtent(types.ExtentTypeRoot, types.PAddrRoot, []byte{})
	root.state = StateDirty
	root.modifyTime = time.Now()
	// keeping the root permanently dirty simplifies trimming
	c.root = root
	c.index.insert(root)
	c.dirty.pushBack(root)
	c.updateGauges()
	log.Info("Initialized cache root", "root", root)
}

// Close drops all resident state. Pending-I/O barriers must have resolved.
func (c *Cache) Close() {
	log.Info("Closing extent cache",
		"dirty", c.dirty.size(), "dirtyBytes", common.StorageSize(c.dirty.sizeBytes()),
		"pinned", c.pin.CurrentNumExtents(), "indexed", c.index.size(),
		"indexedBytes", common.StorageSize(c.index.bytes()))
	c.root = nil
	var resident []*Extent
	c.index.forEach(func(e *Extent) {
		if e.IsPendingIO() {
			log.Error("Extent with pending IO at close", "extent", e)
		}
		resident = append(resident, e)
	})
	for _, e := range resident {
		c.removeExtent(e)
	}
	c.backrefExtents = make(map[types.PAddr]backrefExtent)
	c.backrefLog.Clear()
	c.pin.Clear()
	c.updateGauges()
}

// CreateTransaction opens a transaction of the given source. Weak
// transactions are best-effort readers that can never conflict.
func (c *Cache) CreateTransaction(src types.TransSource, weak bool) *Transaction {
	c.nextTxnID++
	t := &Transaction{
		id:           c.nextTxnID,
		src:          src,
		weak:         weak,
		readSet:      make(map[types.PAddr]*Extent),
		writeSet:     make(map[types.PAddr]*Extent),
		retiredAddrs: mapset.NewThreadUnsafeSet[types.PAddr](),
	}
	return t
}

// OnTransactionDestruct detaches a finished transaction from the cache.
func (c *Cache) OnTransactionDestruct(t *Transaction) {
	t.clearReadSet()
	t.writeSet = make(map[types.PAddr]*Extent)
}

// GetRoot pins the root extent into the transaction's view.
func (c *Cache) GetRoot(t *Transaction) *Extent {
	if t.root != nil {
		return t.root
	}
	if c.root == nil {
		log.Crit("Root accessed before init")
	}
	t.root = c.root
	t.addToReadSet(c.root)
	return c.root
}

// GetExtent resolves an extent by address, faulting it in from the clean
// cache or the device on miss, and records it in the transaction's read
// set. For logical extents the caller supplies the logical address used on
// fault-in.
func (c *Cache) GetExtent(ctx context.Context, t *Transaction, typ types.ExtentType,
	paddr types.PAddr, laddr types.LAddr, length uint32) (*Extent, error) {

	if t.conflicted {
		return nil, ErrConflict
	}
	if e, pres := t.lookup(paddr); pres != presenceAbsent {
		if pres == presenceRetired {
			return nil, fmt.Errorf("%w: %v", ErrRetired, paddr)
		}
		if err := e.WaitIO(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}
	if e := c.index.find(paddr); e != nil {
		if e.IsPlaceholder() {
			return nil, fmt.Errorf("%w: %v", ErrRetired, paddr)
		}
		if e.typ != typ {
			log.Crit("Extent type mismatch", "want", typ, "extent", e)
		}
		cacheHitMeter.Mark(1)
		t.addToReadSet(e)
		c.touchExtent(e, pinboard.HintTouch)
		if err := e.WaitIO(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}
	cacheMissMeter.Mark(1)
	e, err := c.faultIn(ctx, typ, paddr, laddr, length, pinboard.HintTouch)
	if err != nil {
		return nil, err
	}
	t.addToReadSet(e)
	return e, nil
}

// faultIn loads an absent extent, inserting it into the index and the
// pinboard.
func (c *Cache) faultIn(ctx context.Context, typ types.ExtentType, paddr types.PAddr,
	laddr types.LAddr, length uint32, hint pinboard.Hint) (*Extent, error) {

	if !paddr.IsAbsolute() {
		log.Crit("Fault-in of non-absolute address", "paddr", paddr)
	}
	var blob []byte
	if c.cleans != nil {
		if cached := c.cleans.Get(nil, device.Key(paddr)); uint32(len(cached)) == length && length > 0 {
			cleanHitMeter.Mark(1)
			cleanReadMeter.Mark(int64(len(cached)))
			blob = cached
		} else {
			cleanMissMeter.Mark(1)
		}
	}
	if blob == nil {
		read, err := c.dev.ReadExtent(ctx, paddr, length)
		if err != nil {
			return nil, err
		}
		blob = read
		if c.cleans != nil {
			c.cleans.Set(device.Key(paddr), blob)
			cleanWriteMeter.Mark(int64(len(blob)))
		}
	}
	e := newExtent(typ, paddr, blob)
	e.state = StateClean
	e.modifyTime = time.Now()
	if typ.IsLogical() {
		e.laddr = laddr
	}
	if paddr.IsRoot() || c.epm.GetChecksumNeeded(paddr) {
		e.lastCommittedCRC = e.calcCRC32C()
	} else {
		e.lastCommittedCRC = types.CRCNull
	}
	c.index.insert(e)
	c.touchExtent(e, hint)
	c.updateGauges()
	log.Debug("Faulted in extent", "extent", e)
	return e, nil
}

// touchExtent refreshes an extent on the pinboard. Dirty extents and
// placeholders are not eviction candidates.
func (c *Cache) touchExtent(e *Extent, hint pinboard.Hint) {
	if e.IsStableDirty() || e.IsPlaceholder() {
		return
	}
	c.pin.Touch(e, hint)
}

// AllocNewExtent stages a fresh extent on the transaction. The extent
// carries a temporary delayed address until record preparation assigns its
// record-relative slot, and becomes readable cache state only after the
// commit is durable.
func (c *Cache) AllocNewExtent(t *Transaction, typ types.ExtentType, length uint32) *Extent {
	if typ.IsRoot() {
		log.Crit("Root is never directly allocated")
	}
	if !typ.Valid() || typ.IsRetiredPlaceholder() {
		log.Crit("Allocation of invalid extent type", "type", typ)
	}
	e := newExtent(typ, t.newDelayedAddr(), make([]byte, length))
	e.state = StateCleanPending
	e.pendingForTransaction = t.id
	e.modifyTime = time.Now()
	t.addInlineExtent(e)
	log.Debug("Allocated fresh extent", "txn", t, "extent", e)
	return e
}

// AllocOOLExtent stages a fresh extent whose payload the caller has already
// placed (and will write) at an absolute address outside the journal
// record.
func (c *Cache) AllocOOLExtent(t *Transaction, typ types.ExtentType, paddr types.PAddr, length uint32) *Extent {
	if !paddr.IsAbsolute() {
		log.Crit("Out-of-line extent without absolute address", "paddr", paddr)
	}
	e := newExtent(typ, paddr, make([]byte, length))
	e.state = StateCleanPending
	e.pendingForTransaction = t.id
	e.modifyTime = time.Now()
	t.addOOLExtent(e)
	t.addPreAlloc(e)
	return e
}

// AllocExistingExtent stages a logical extent whose existence is
// established within the transaction, e.g. one half of a remapped extent.
// The buffer is shared state from the original extent and is deep-copied on
// first write.
func (c *Cache) AllocExistingExtent(t *Transaction, typ types.ExtentType,
	paddr types.PAddr, laddr types.LAddr, buffer []byte) *Extent {

	if !typ.IsLogical() {
		log.Crit("Existing extent of non-logical type", "type", typ)
	}
	if !paddr.IsAbsolute() {
		log.Crit("Existing extent without absolute address", "paddr", paddr)
	}
	e := newExtent(typ, paddr, buffer)
	e.state = StateExistClean
	e.laddr = laddr
	e.pendingForTransaction = t.id
	e.modifyTime = time.Now()
	t.addExistingExtent(e)
	return e
}

// AddInplaceRewrite stages a stable-dirty extent that a cleaner has
// rewritten at its current address without logical change. The commit
// downgrades it to clean in place.
func (c *Cache) AddInplaceRewrite(t *Transaction, e *Extent) {
	if !e.IsStableDirty() {
		log.Crit("In-place rewrite of non-dirty extent", "extent", e)
	}
	if !e.typ.IsInPlaceRewritable() {
		log.Crit("In-place rewrite of non-rewritable type", "extent", e)
	}
	if !e.paddr.IsAbsoluteRandomBlock() {
		log.Crit("In-place rewrite outside random-block space", "extent", e)
	}
	t.addInplaceOOLExtent(e)
}

// DuplicateForWrite returns a mutable image of the extent attached to the
// transaction. An already-mutable extent is returned as is; an extent
// established within the transaction is promoted in place; otherwise a
// fresh pending clone is produced carrying the original as its prior
// instance.
func (c *Cache) DuplicateForWrite(t *Transaction, e *Extent) *Extent {
	if !e.IsValid() {
		log.Crit("Duplicate of invalid extent", "extent", e)
	}
	if !e.FullyLoaded() {
		log.Crit("Duplicate of partially loaded extent", "extent", e)
	}
	if e.IsMutable() {
		if e.pendingForTransaction != t.id {
			log.Crit("Pending extent touched by foreign transaction", "extent", e, "txn", t)
		}
		return e
	}
	if e.IsExistClean() {
		e.version++
		e.state = StateExistMutationPending
		e.lastCommittedCRC = e.calcCRC32C()
		// the buffer is shared with the original clean extent
		e.buffer = append([]byte(nil), e.buffer...)
		e.patches = nil
		t.addMutatedExtent(e)
		log.Debug("Promoted existing extent", "txn", t, "extent", e)
		return e
	}

	next := newExtent(e.typ, e.paddr, append([]byte(nil), e.buffer...))
	next.pendingForTransaction = t.id
	next.priorInstance = e
	next.version = e.version + 1
	next.state = StateMutationPending
	next.modifyTime = e.modifyTime
	if e.IsStableDirty() {
		// the replacement keeps the prior's dirty list position; a clone of
		// a clean prior gets its sequence assigned at commit completion
		next.dirtyFrom = e.dirtyFrom
	}
	if e.typ.IsRoot() {
		t.root = next
	} else {
		next.lastCommittedCRC = e.lastCommittedCRC
	}
	if e.typ.IsLogical() {
		next.laddr = e.laddr
	}
	t.addMutatedExtent(next)
	log.Debug("Duplicated extent for write", "txn", t, "prev", e, "next", next)
	return next
}

// RetireExtentAddr retires the extent at paddr under the transaction. An
// address absent from both the transaction and the cache gets a retired
// placeholder inserted to record the retirement.
func (c *Cache) RetireExtentAddr(t *Transaction, paddr types.PAddr, length uint32) error {
	if !paddr.IsReal() {
		log.Crit("Retire of unreal address", "paddr", paddr)
	}
	if e, pres := t.lookup(paddr); pres != presenceAbsent {
		if pres == presenceRetired {
			log.Crit("Double retire", "txn", t, "paddr", paddr)
		}
		log.Debug("Retire extent held by transaction", "txn", t, "extent", e)
		t.addPresentToRetiredSet(e)
		return nil
	}
	// any record-relative or delayed address must have been on the transaction
	if !paddr.IsAbsolute() {
		log.Crit("Retire of non-absolute address absent from transaction", "paddr", paddr)
	}
	c.retireAbsent(t, paddr, length)
	return nil
}

// RetireAbsentExtentAddr is the hot path for callers that already verified
// the address is absent from the transaction.
func (c *Cache) RetireAbsentExtentAddr(t *Transaction, paddr types.PAddr, length uint32) {
	if !paddr.IsAbsolute() {
		log.Crit("Retire of non-absolute address", "paddr", paddr)
	}
	c.retireAbsent(t, paddr, length)
}

func (c *Cache) retireAbsent(t *Transaction, paddr types.PAddr, length uint32) {
	e := c.index.find(paddr)
	if e != nil {
		log.Debug("Retire extent in cache", "txn", t, "extent", e)
	} else {
		e = newRetiredPlaceholder(paddr, length)
		c.index.insert(e)
		log.Debug("Retire as placeholder", "txn", t, "extent", e)
	}
	t.addAbsentToRetiredSet(e)
}

// markDirty transitions a stable extent to dirty, moving it off the
// pinboard and onto the dirty list. Used by replay.
func (c *Cache) markDirty(e *Extent) {
	if !e.paddr.IsAbsolute() {
		log.Crit("Dirty extent without absolute address", "extent", e)
	}
	if e.IsStableDirty() {
		if !c.dirty.contains(e) {
			log.Crit("Dirty extent not linked", "extent", e)
		}
		return
	}
	c.pin.Remove(e)
	e.state = StateDirty
	c.addToDirty(e)
}

func (c *Cache) addToDirty(e *Extent) {
	c.dirty.pushBack(e)
	c.updateGauges()
}

func (c *Cache) removeFromDirty(e *Extent) {
	c.dirty.erase(e)
	c.updateGauges()
}

// removeExtent unlinks a resident extent from whichever structures hold it.
func (c *Cache) removeExtent(e *Extent) {
	if !e.IsValid() {
		log.Crit("Remove of invalid extent", "extent", e)
	}
	if e.IsStableDirty() {
		c.removeFromDirty(e)
	} else if !e.IsPlaceholder() {
		c.pin.Remove(e)
	}
	c.index.erase(e)
	c.updateGauges()
}

// commitRetireExtent removes a retired extent and conflicts its readers.
func (c *Cache) commitRetireExtent(t *Transaction, e *Extent) {
	c.removeExtent(e)
	e.dirtyFrom = types.NullSeq
	c.invalidateExtent(t, e)
}

// commitReplaceExtent swaps a committed mutation over its prior instance
// and conflicts the prior's readers.
func (c *Cache) commitReplaceExtent(t *Transaction, next, prev *Extent) {
	if next.paddr != prev.paddr {
		log.Crit("Replace address mismatch", "next", next, "prev", prev)
	}
	if !next.paddr.IsAbsolute() && !next.paddr.IsRoot() {
		log.Crit("Replace of non-absolute address", "next", next)
	}
	c.index.replace(next, prev)

	if prev.typ.IsRoot() {
		if !prev.IsStableDirty() || !c.dirty.contains(prev) {
			log.Crit("Root not stable dirty", "root", prev)
		}
		// the new dirty root goes to the back; the root is pinned by the
		// trimmer anyway
		c.removeFromDirty(prev)
		c.addToDirty(next)
	} else if prev.IsStableDirty() {
		c.dirty.replaceInPlace(next, prev)
	} else {
		c.pin.Remove(prev)
		c.addToDirty(next)
	}
	c.invalidateExtent(t, prev)
}

// oldestDirtyFrom reports the dirty list's head sequence. The second return
// distinguishes "no dirty extents" from a head whose commit has not been
// assigned a sequence yet (null).
func (c *Cache) oldestDirtyFrom() (types.JournalSeq, bool) {
	f := c.dirty.front()
	if f == nil {
		return types.NullSeq, false
	}
	return f.dirtyFrom, true
}

// oldestBackrefDirtyFrom reports the oldest staged back-reference sequence.
func (c *Cache) oldestBackrefDirtyFrom() (types.JournalSeq, bool) {
	seq := c.backrefLog.OldestSeq()
	if seq.IsNull() {
		return types.NullSeq, false
	}
	return seq, true
}

// addBackrefExtent registers a resident back-reference tree node.
func (c *Cache) addBackrefExtent(paddr types.PAddr, laddr types.LAddr, typ types.ExtentType) {
	if _, ok := c.backrefExtents[paddr]; ok {
		log.Crit("Backref extent double registration", "paddr", paddr)
	}
	c.backrefExtents[paddr] = backrefExtent{laddr: laddr, typ: typ}
}

// removeBackrefExtent drops a back-reference tree node registration.
func (c *Cache) removeBackrefExtent(paddr types.PAddr) {
	delete(c.backrefExtents, paddr)
}

// NextDirtyExtents returns the oldest dirty extents with dirtyFrom below seq,
// for the trimming cleaner. Collection stops once maxBytes is reached; the
// last extent taken may carry the total past maxBytes.
func (c *Cache) NextDirtyExtents(ctx context.Context, t *Transaction, seq types.JournalSeq,
	maxBytes uint64) ([]*Extent, error) {

	var (
		out   []*Extent
		total uint64
	)
	c.dirty.forEachOldestFirst(func(e *Extent) bool {
		if e.dirtyFrom >= seq || total >= maxBytes {
			return false
		}
		total += uint64(e.length)
		out = append(out, e)
		return true
	})
	for _, e := range out {
		t.addToReadSet(e)
		if err := e.WaitIO(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Cache) updateGauges() {
	dirtyBytesGauge.Update(int64(c.dirty.sizeBytes()))
	dirtyExtentsGauge.Update(int64(c.dirty.size()))
	indexBytesGauge.Update(int64(c.index.bytes()))
	indexExtentsGauge.Update(int64(c.index.size()))
}

// CheckInvariants walks the resident state verifying the structural
// invariants; it is meant for tests and mount verification.
func (c *Cache) CheckInvariants() error {
	var err error
	seen := 0
	c.index.forEach(func(e *Extent) {
		if err != nil {
			return
		}
		switch e.state {
		case StateDirty:
			if !c.dirty.contains(e) {
				err = fmt.Errorf("dirty extent not linked: %v", e)
			} else if e.dirtyFrom == types.NullSeq && !e.typ.IsRoot() {
				err = fmt.Errorf("dirty extent without dirty_from: %v", e)
			}
			seen++
		case StateClean:
			if c.dirty.contains(e) {
				err = fmt.Errorf("clean extent linked dirty: %v", e)
			} else if e.dirtyFrom != types.NullSeq && e.dirtyFrom != types.MinSeq {
				err = fmt.Errorf("clean extent with dirty_from: %v", e)
			}
		default:
			err = fmt.Errorf("pending extent in index: %v", e)
		}
	})
	if err != nil {
		return err
	}
	if seen != c.dirty.size() {
		return fmt.Errorf("dirty list size mismatch: index saw %d, list has %d", seen, c.dirty.size())
	}
	var last types.JournalSeq
	first := true
	c.dirty.forEachOldestFirst(func(e *Extent) bool {
		if e.dirtyFrom == types.NullSeq {
			return true
		}
		if !first && e.dirtyFrom < last {
			err = fmt.Errorf("dirty list out of order at %v", e)
			return false
		}
		first = false
		last = e.dirtyFrom
		return true
	})
	return err
}
