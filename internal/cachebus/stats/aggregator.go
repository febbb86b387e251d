// Package stats implements the cache bus's latency aggregator: per
// event-key counters of count and min/max/sum transmission and
// processing time, flushed on a fixed period by the lifecycle
// controller's stats ticker.
package stats

import (
	"fmt"
	"sync"

	"github.com/cachemgr/bus/pkg/logger"
	"github.com/cachemgr/bus/pkg/metrics"
	"go.uber.org/zap"
)

// Slot is the per-key aggregate for one reporting window.
type Slot struct {
	Count int64
	TxMin int64
	TxMax int64
	TxSum int64
	PxMin int64
	PxMax int64
	PxSum int64
}

func newSlot() *Slot {
	return &Slot{}
}

func (s *Slot) record(txMs, pxMs int64) {
	if s.Count == 0 {
		s.TxMin, s.TxMax = txMs, txMs
		s.PxMin, s.PxMax = pxMs, pxMs
	} else {
		if txMs < s.TxMin {
			s.TxMin = txMs
		}
		if txMs > s.TxMax {
			s.TxMax = txMs
		}
		if pxMs < s.PxMin {
			s.PxMin = pxMs
		}
		if pxMs > s.PxMax {
			s.PxMax = pxMs
		}
	}
	s.Count++
	s.TxSum += txMs
	s.PxSum += pxMs
}

func (s *Slot) txAvg() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TxSum) / float64(s.Count)
}

func (s *Slot) pxAvg() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.PxSum) / float64(s.Count)
}

// GroupKey and RelationKey build the "g"+groupId / "r"+relationId
// slot keys the specification names.
func GroupKey(groupID int64) string    { return fmt.Sprintf("g%d", groupID) }
func RelationKey(relationID int64) string { return fmt.Sprintf("r%d", relationID) }

// Aggregator records latency samples from the consumer's claim
// goroutines (one per claimed partition, each handling one message at
// a time) while a separate ticker goroutine owned by the lifecycle
// controller periodically calls Flush. The mutex serializes all of
// these against each other.
type Aggregator struct {
	mu                     sync.Mutex
	log                    *logger.Logger
	m                      *metrics.Metrics
	statsLogMaxThresholdMs int64

	slots           map[string]*Slot
	collectionNanos int64
	nowFn           func() int64 // unix millis, overridable in tests
}

// New builds an Aggregator. nowFn supplies the current time in unix
// milliseconds and must not be nil; tests substitute a deterministic one.
func New(log *logger.Logger, m *metrics.Metrics, statsLogMaxThresholdMs int64, nowFn func() int64) *Aggregator {
	return &Aggregator{
		log:                    log,
		m:                      m,
		statsLogMaxThresholdMs: statsLogMaxThresholdMs,
		slots:                  make(map[string]*Slot),
		nowFn:                  nowFn,
	}
}

// Record updates the slot for key with one event's transmission and
// processing time (both in milliseconds) and logs an immediate line on
// a new max crossing the threshold. It never flushes; Flush is called
// separately by the lifecycle controller's stats ticker.
func (a *Aggregator) Record(key string, txMs, pxMs int64, messageDescription string) {
	start := a.nowFn()

	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[key]
	if !ok {
		slot = newSlot()
		a.slots[key] = slot
	}

	prevTxMax, prevPxMax := slot.TxMax, slot.PxMax
	hadPrior := slot.Count > 0
	slot.record(txMs, pxMs)

	if a.m != nil {
		a.m.EventTransmissionMs.WithLabelValues(key).Observe(float64(txMs))
		a.m.EventProcessingDuration.WithLabelValues(key).Observe(float64(pxMs) / 1000.0)
	}

	if txMs > a.statsLogMaxThresholdMs && (!hadPrior || txMs > prevTxMax) {
		a.logNewMax(key, "transmission", txMs, messageDescription)
	}
	if pxMs > a.statsLogMaxThresholdMs && (!hadPrior || pxMs > prevPxMax) {
		a.logNewMax(key, "processing", pxMs, messageDescription)
	}

	a.collectionNanos += (a.nowFn() - start) * 1_000_000
}

func (a *Aggregator) logNewMax(key, metric string, valueMs int64, messageDescription string) {
	if a.m != nil {
		a.m.StatsNewMaxCrossings.WithLabelValues(key, metric).Inc()
	}
	a.log.Info("cachebus: new max latency",
		zap.String("key", key),
		zap.String("metric", metric),
		zap.Int64("value_ms", valueMs),
		zap.String("message", messageDescription),
	)
}

// Flush logs every per-key slot, an overall summary, and the
// cumulative collection time, then resets all state for the next
// window. Called by the lifecycle controller's stats ticker on
// statsPeriodMinutes.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		totalCount int64
		overallTxMin, overallTxMax int64
		overallPxMin, overallPxMax int64
		first = true
	)

	for key, slot := range a.slots {
		a.log.Info("cachebus: stats flush",
			zap.String("key", key),
			zap.Int64("count", slot.Count),
			zap.Int64("tx_max_ms", slot.TxMax),
			zap.Int64("tx_min_ms", slot.TxMin),
			zap.Float64("tx_avg_ms", slot.txAvg()),
			zap.Int64("px_max_ms", slot.PxMax),
			zap.Int64("px_min_ms", slot.PxMin),
			zap.Float64("px_avg_ms", slot.pxAvg()),
		)

		totalCount += slot.Count
		if first {
			overallTxMin, overallTxMax = slot.TxMin, slot.TxMax
			overallPxMin, overallPxMax = slot.PxMin, slot.PxMax
			first = false
			continue
		}
		if slot.TxMin < overallTxMin {
			overallTxMin = slot.TxMin
		}
		if slot.TxMax > overallTxMax {
			overallTxMax = slot.TxMax
		}
		if slot.PxMin < overallPxMin {
			overallPxMin = slot.PxMin
		}
		if slot.PxMax > overallPxMax {
			overallPxMax = slot.PxMax
		}
	}

	a.log.Info("cachebus: stats flush summary",
		zap.Int64("total_count", totalCount),
		zap.Int64("overall_tx_min_ms", overallTxMin),
		zap.Int64("overall_tx_max_ms", overallTxMax),
		zap.Int64("overall_px_min_ms", overallPxMin),
		zap.Int64("overall_px_max_ms", overallPxMax),
		zap.Int64("stats_collection_ms", a.collectionNanos/1_000_000),
	)

	a.slots = make(map[string]*Slot)
	a.collectionNanos = 0
}

// Snapshot returns a copy of the current slots, for tests.
func (a *Aggregator) Snapshot() map[string]Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Slot, len(a.slots))
	for k, v := range a.slots {
		out[k] = *v
	}
	return out
}

// CollectionMs returns the cumulative time spent inside the
// aggregator this window, for tests.
func (a *Aggregator) CollectionMs() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collectionNanos / 1_000_000
}
