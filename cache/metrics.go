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
	"fmt"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/tidestore/tidestore/types"
)

var (
	cacheHitMeter   = metrics.NewRegisteredMeter("tidestore/cache/hit", nil)
	cacheMissMeter  = metrics.NewRegisteredMeter("tidestore/cache/miss", nil)
	cleanHitMeter   = metrics.NewRegisteredMeter("tidestore/cache/clean/hit", nil)
	cleanMissMeter  = metrics.NewRegisteredMeter("tidestore/cache/clean/miss", nil)
	cleanReadMeter  = metrics.NewRegisteredMeter("tidestore/cache/clean/read", nil)
	cleanWriteMeter = metrics.NewRegisteredMeter("tidestore/cache/clean/write", nil)

	dirtyBytesGauge   = metrics.NewRegisteredGauge("tidestore/cache/dirty/bytes", nil)
	dirtyExtentsGauge = metrics.NewRegisteredGauge("tidestore/cache/dirty/extents", nil)
	indexBytesGauge   = metrics.NewRegisteredGauge("tidestore/cache/index/bytes", nil)
	indexExtentsGauge = metrics.NewRegisteredGauge("tidestore/cache/index/extents", nil)

	commitTimer       = metrics.NewRegisteredResettingTimer("tidestore/cache/commit/time", nil)
	commitDeltaMeter  = metrics.NewRegisteredMeter("tidestore/cache/commit/delta", nil)
	commitFreshMeter  = metrics.NewRegisteredMeter("tidestore/cache/commit/fresh", nil)
	commitRetireMeter = metrics.NewRegisteredMeter("tidestore/cache/commit/retire", nil)

	replayAppliedMeter = metrics.NewRegisteredMeter("tidestore/cache/replay/applied", nil)
	replaySkippedMeter = metrics.NewRegisteredMeter("tidestore/cache/replay/skipped", nil)

	invalidatedReadBytesMeter   = metrics.NewRegisteredMeter("tidestore/cache/invalidated/read", nil)
	invalidatedRetireBytesMeter = metrics.NewRegisteredMeter("tidestore/cache/invalidated/retire", nil)
	invalidatedFreshBytesMeter  = metrics.NewRegisteredMeter("tidestore/cache/invalidated/fresh", nil)
	invalidatedDeltaBytesMeter  = metrics.NewRegisteredMeter("tidestore/cache/invalidated/delta", nil)
	invalidatedOOLRecordsMeter  = metrics.NewRegisteredMeter("tidestore/cache/invalidated/ool", nil)
)

// conflictCounters records invalidations per (cause source, reader source)
// pair. Same-source pairs of read-only and background transactions are
// impossible by scheduling and are absent from the table; hitting one is a
// bug.
var conflictCounters map[[2]types.TransSource]*metrics.Counter

func conflictPairImpossible(cause, reader types.TransSource) bool {
	if cause != reader {
		return false
	}
	switch cause {
	case types.SourceRead, types.SourceTrimDirty, types.SourceTrimAlloc,
		types.SourceCleanerMain, types.SourceCleanerCold:
		return true
	default:
		return false
	}
}

func init() {
	conflictCounters = make(map[[2]types.TransSource]*metrics.Counter)
	for cause := types.TransSource(0); cause < types.SourceMax; cause++ {
		for reader := types.TransSource(0); reader < types.SourceMax; reader++ {
			if conflictPairImpossible(cause, reader) {
				continue
			}
			name := fmt.Sprintf("tidestore/cache/conflict/%s_%s", cause, reader)
			conflictCounters[[2]types.TransSource{cause, reader}] =
				metrics.NewRegisteredCounter(name, nil)
		}
	}
}
