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
	"github.com/ethereum/go-ethereum/log"

	"github.com/tidestore/tidestore/types"
)

// invalidateExtent marks an extent terminal and conflicts every transaction
// that observed it. Invalidation is the serialization point of the
// consistency model: any two transactions whose read and retire/replace
// sets intersect cannot both succeed.
func (c *Cache) invalidateExtent(cause *Transaction, e *Extent) {
	if !e.mayConflict() {
		if e.readTxns.Cardinality() != 0 {
			log.Crit("Placeholder with readers", "extent", e)
		}
		e.setInvalid()
		return
	}
	first := true
	e.readTxns.Each(func(reader *Transaction) bool {
		if reader.conflicted {
			return false
		}
		if first {
			log.Debug("Conflict begin", "cause", cause, "extent", e)
			first = false
		}
		if reader.weak {
			log.Crit("Weak transaction in reader set", "reader", reader, "extent", e)
		}
		accountConflict(cause.src, reader.src)
		c.markTransactionConflicted(reader, e)
		return false
	})
	e.setInvalid()
}

// accountConflict bumps the (cause, reader) conflict counter. Pairs the
// scheduling model declares impossible abort.
func accountConflict(cause, reader types.TransSource) {
	ctr, ok := conflictCounters[[2]types.TransSource{cause, reader}]
	if !ok {
		log.Crit("Impossible conflict pair", "cause", cause, "reader", reader)
	}
	ctr.Inc(1)
}

// markTransactionConflicted flips the cooperative cancellation signal on a
// reader: its in-flight awaits complete normally but its commit fails with
// ErrConflict. Pre-allocated space is returned to the placement manager
// immediately.
func (c *Cache) markTransactionConflicted(t *Transaction, conflicting *Extent) {
	if t.conflicted {
		log.Crit("Transaction conflicted twice", "txn", t)
	}
	t.conflicted = true

	ef := t.accumulateEffort()
	invalidatedReadBytesMeter.Mark(int64(ef.readBytes))
	invalidatedRetireBytesMeter.Mark(int64(ef.retireBytes))
	invalidatedFreshBytesMeter.Mark(int64(ef.freshBytes))
	invalidatedDeltaBytesMeter.Mark(int64(ef.deltaBytes))
	invalidatedOOLRecordsMeter.Mark(int64(ef.oolRecords))

	for _, e := range t.preAllocList {
		if e.paddr.IsAbsolute() {
			c.epm.MarkSpaceFree(e.paddr, e.length)
		}
	}

	log.Debug("Transaction conflicted", "txn", t, "extent", conflicting,
		"read", ef.readBytes, "retire", ef.retireBytes, "fresh", ef.freshBytes)
}
