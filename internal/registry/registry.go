// Package registry implements the SignalRegistry (spec.md §4.1): the
// subtype_id -> SignalSubtype catalog, published as an immutable snapshot
// so the evaluation/fusion read path never blocks on a lock.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// defaultEMASamples is N in the rolling-metrics EMA (§4.1 default N=50).
const defaultEMASamples = 50

// Snapshot is an immutable, point-in-time view of the subtype catalog.
// Callers must never mutate the returned map or subtype values.
type Snapshot struct {
	Version  uint64
	Subtypes map[string]core.SignalSubtype
}

// Ordered returns the snapshot's subtypes sorted by subtype_id, matching
// the fusion tie-break rule in spec.md §4.3 ("ties broken by lexicographic
// subtype_id").
func (s *Snapshot) Ordered() []core.SignalSubtype {
	out := make([]core.SignalSubtype, 0, len(s.Subtypes))
	for _, st := range s.Subtypes {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WeightDelta is one entry in a learner-issued weight update batch.
type WeightDelta struct {
	SubtypeID string
	NewWeight decimal.Decimal
}

// Registry owns the subtype catalog. Reads (Snapshot) are lock-free;
// writes (ApplyUpdate, RecordReadingOutcome) are serialized by mu and
// publish a freshly-built snapshot via an atomic pointer swap.
type Registry struct {
	logger *zap.Logger
	snap   atomic.Pointer[Snapshot]
	mu     sync.Mutex // serializes writers only; readers never take this
}

// New creates a registry seeded with the given subtypes.
func New(logger *zap.Logger, seed []core.SignalSubtype) *Registry {
	subtypes := make(map[string]core.SignalSubtype, len(seed))
	for _, st := range seed {
		subtypes[st.ID] = st
	}
	r := &Registry{logger: logger.Named("signal-registry")}
	r.snap.Store(&Snapshot{Version: 1, Subtypes: subtypes})
	return r
}

// Snapshot returns the current immutable snapshot. Lock-free.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// ApplyUpdate atomically replaces the snapshot with new weights, clamped
// to [0, 1]. Only the learner calls this. Inactive subtypes are never
// removed; they persist at whatever weight they were clamped to (possibly
// 0), per spec.md §4.1.
func (r *Registry) ApplyUpdate(deltas []WeightDelta) {
	if len(deltas) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := make(map[string]core.SignalSubtype, len(cur.Subtypes))
	for k, v := range cur.Subtypes {
		next[k] = v
	}

	for _, d := range deltas {
		st, ok := next[d.SubtypeID]
		if !ok {
			continue
		}
		w := d.NewWeight
		if w.LessThan(decimal.Zero) {
			w = decimal.Zero
		}
		if w.GreaterThan(decimal.NewFromInt(1)) {
			w = decimal.NewFromInt(1)
		}
		st.Weight = w
		next[d.SubtypeID] = st
	}

	r.snap.Store(&Snapshot{Version: cur.Version + 1, Subtypes: next})
	r.logger.Debug("applied weight update", zap.Int("deltas", len(deltas)), zap.Uint64("version", cur.Version+1))
}

// RecordReadingOutcome updates a subtype's rolling EMA metrics (win rate,
// average ROI) using N=50 samples by default, then publishes the updated
// snapshot.
func (r *Registry) RecordReadingOutcome(subtypeID string, roi decimal.Decimal, win bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	st, ok := cur.Subtypes[subtypeID]
	if !ok {
		return
	}

	alpha := decimal.NewFromFloat(2.0 / float64(defaultEMASamples+1))
	winVal := decimal.Zero
	if win {
		winVal = decimal.NewFromInt(1)
	}

	if st.Metrics.Samples == 0 {
		st.Metrics.AvgROI = roi
		st.Metrics.WinRate = winVal
	} else {
		st.Metrics.AvgROI = st.Metrics.AvgROI.Add(roi.Sub(st.Metrics.AvgROI).Mul(alpha))
		st.Metrics.WinRate = st.Metrics.WinRate.Add(winVal.Sub(st.Metrics.WinRate).Mul(alpha))
	}
	st.Metrics.Samples++
	st.Metrics.LastUpdate = time.Now()

	next := make(map[string]core.SignalSubtype, len(cur.Subtypes))
	for k, v := range cur.Subtypes {
		next[k] = v
	}
	next[subtypeID] = st

	r.snap.Store(&Snapshot{Version: cur.Version + 1, Subtypes: next})
}
