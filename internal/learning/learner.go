// Package learning implements the AdaptiveLearner (spec.md §4.8): it
// consumes OutcomeRecords, updates per-subtype and per-cluster rolling
// EMA metrics, and periodically rebalances registry weights via a convex
// combination against a sigmoid performance score. Grounded on the
// teacher's feedback.go EMA win-rate update, generalized from a single
// pattern tracker to per-subtype/per-cluster rolling metrics.
package learning

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/registry"
	"github.com/solweave/ammengine/internal/strategy"
)

// EMA window for cluster rolling metrics (N=30). Subtype metrics are
// updated through registry.RecordReadingOutcome, which uses its own N=50.
const emaSamples = 30

// Rebalance cadence defaults (§4.8, exposed via internal/config knobs
// rebalance_every_n_outcomes / rebalance_every_seconds).
const (
	defaultRebalanceEveryN       = 20
	defaultRebalanceEverySeconds = 3600
)

// Sigmoid coefficients for performance_score = sigmoid(a*avg_roi + b*win_rate).
const (
	sigmoidA = 8.0
	sigmoidB = 2.0
)

// defaultLearningRate is eta in the convex-combination update.
const defaultLearningRate = 0.1

// lowSampleThreshold marks a rebalance round as "low-sample", halving eta
// for that round (§4.8: "halved after low-sample trades").
const lowSampleThreshold = 5

// minSamplesForClusterSwap gates preferred-strategy swaps (§4.8: >=5).
const minSamplesForClusterSwap = 5

// clusterSwapEdgeFraction is the minimum avg_roi edge (5 percentage
// points) an alternative strategy must show over the preferred one.
var clusterSwapEdgeFraction = decimal.NewFromFloat(0.05)

// Config exposes the learner's tunable knobs (spec.md §9).
type Config struct {
	RebalanceEveryN       int
	RebalanceEverySeconds time.Duration
	LearningRate          decimal.Decimal
	MinSamplesForSwap      int
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		RebalanceEveryN:       defaultRebalanceEveryN,
		RebalanceEverySeconds: defaultRebalanceEverySeconds * time.Second,
		LearningRate:          decimal.NewFromFloat(defaultLearningRate),
		MinSamplesForSwap:     minSamplesForClusterSwap,
	}
}

// altTemplate tracks an alternative strategy's observed performance
// within a cluster, keyed by template ID, accumulated between rebalances.
type altTemplate struct {
	tmpl    *core.StrategyTemplate
	samples int
	avgROI  decimal.Decimal
}

// Learner consumes outcomes and drives registry/strategy updates.
type Learner struct {
	logger   *zap.Logger
	registry *registry.Registry
	matrix   *strategy.Matrix
	config   Config

	// OnRebalance, if set, is invoked at the end of every Rebalance round
	// with the number of weight deltas and cluster swaps applied. Used by
	// callers (the scheduler) to drive metrics without this package
	// importing a metrics collector directly.
	OnRebalance func(weightDeltas, clusterSwaps int)

	mu             sync.Mutex
	outcomesSince  int
	lastRebalance  time.Time
	clusterAlts    map[string][]*altTemplate // clusterID -> observed alternatives
}

// New constructs a Learner bound to the registry and strategy matrix it
// updates.
func New(logger *zap.Logger, reg *registry.Registry, matrix *strategy.Matrix, config Config) *Learner {
	return &Learner{
		logger:        logger.Named("adaptive-learner"),
		registry:      reg,
		matrix:        matrix,
		config:        config,
		lastRebalance: time.Now(),
		clusterAlts:   make(map[string][]*altTemplate),
	}
}

// Consume processes one OutcomeRecord: step 1-2 of §4.8 happen inline;
// step 3-4 (rebalance) happen when the cadence trigger fires.
func (l *Learner) Consume(ctx context.Context, rec core.OutcomeRecord) {
	win := rec.ROI.IsPositive()

	for _, r := range rec.Readings {
		if r.Confidence.GreaterThan(decimal.NewFromFloat(0.5)) {
			l.registry.RecordReadingOutcome(r.SubtypeID, rec.ROI, win)
		}
	}

	l.recordClusterOutcome(rec.ClusterID, rec.StrategyRef, rec.ROI)

	l.mu.Lock()
	l.outcomesSince++
	due := l.outcomesSince >= l.config.RebalanceEveryN || time.Since(l.lastRebalance) >= l.config.RebalanceEverySeconds
	l.mu.Unlock()

	if due {
		l.Rebalance(ctx)
	}
}

// Rebalance runs step 3-4 of §4.8 against the current registry snapshot.
func (l *Learner) Rebalance(ctx context.Context) {
	l.mu.Lock()
	lowSample := l.outcomesSince < lowSampleThreshold
	l.outcomesSince = 0
	l.lastRebalance = time.Now()
	l.mu.Unlock()

	eta := l.config.LearningRate
	if lowSample {
		eta = eta.Div(decimal.NewFromInt(2))
	}

	snap := l.registry.Snapshot()
	deltas := make([]registry.WeightDelta, 0, len(snap.Subtypes))
	for id, st := range snap.Subtypes {
		score := performanceScore(st.Metrics)
		newWeight := decimal.NewFromInt(1).Sub(eta).Mul(st.Weight).Add(eta.Mul(score))
		deltas = append(deltas, registry.WeightDelta{SubtypeID: id, NewWeight: newWeight})
	}
	l.registry.ApplyUpdate(deltas)

	l.mu.Lock()
	batch := make([]strategy.ClusterUpdate, 0)
	for clusterID, alts := range l.clusterAlts {
		cl, ok := l.matrix.Cluster(clusterID)
		if !ok {
			continue
		}
		for _, alt := range alts {
			if alt.samples < l.config.MinSamplesForSwap {
				continue
			}
			if cl.Metrics.Samples > 0 && alt.avgROI.Sub(cl.Metrics.AvgROI).GreaterThanOrEqual(clusterSwapEdgeFraction) {
				batch = append(batch, strategy.ClusterUpdate{ClusterID: clusterID, NewPreferred: alt.tmpl})
			}
		}
	}
	l.clusterAlts = make(map[string][]*altTemplate)
	l.mu.Unlock()

	if len(batch) > 0 {
		l.matrix.ApplyClusterUpdate(batch)
	}

	l.logger.Info("rebalance complete", zap.Int("weight_deltas", len(deltas)), zap.Int("cluster_swaps", len(batch)), zap.Bool("low_sample", lowSample))

	if l.OnRebalance != nil {
		l.OnRebalance(len(deltas), len(batch))
	}
}

// recordClusterOutcome updates a cluster's rolling metrics directly
// (§4.8 step 2) and, when the outcome's strategy differs from the
// cluster's current preferred, tracks it as an alternative for the next
// rebalance's swap check (§4.8 step 4). The template is resolved from the
// cluster's own preferred/alternate list, since a position only ever runs
// a strategy the matrix already knows about.
func (l *Learner) recordClusterOutcome(clusterID, strategyRef string, roi decimal.Decimal) {
	if clusterID == "" {
		return
	}

	cl, ok := l.matrix.Cluster(clusterID)
	if !ok {
		return
	}

	updated := updateEMA(cl.Metrics, roi)
	l.matrix.ApplyClusterUpdate([]strategy.ClusterUpdate{{ClusterID: clusterID, Metrics: &updated}})

	if cl.PreferredStrategy != nil && strategyRef == cl.PreferredStrategy.ID {
		return
	}

	tmpl := findTemplate(cl, strategyRef)
	if tmpl == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	alts := l.clusterAlts[clusterID]
	for _, a := range alts {
		if a.tmpl.ID == strategyRef {
			a.avgROI = a.avgROI.Add(roi.Sub(a.avgROI).Div(decimal.NewFromInt(int64(a.samples + 1))))
			a.samples++
			return
		}
	}
	l.clusterAlts[clusterID] = append(alts, &altTemplate{tmpl: tmpl, samples: 1, avgROI: roi})
}

// findTemplate looks a strategy ID up among a cluster's preferred and
// alternate templates.
func findTemplate(cl core.SignalCluster, strategyRef string) *core.StrategyTemplate {
	if cl.PreferredStrategy != nil && cl.PreferredStrategy.ID == strategyRef {
		return cl.PreferredStrategy
	}
	for _, t := range cl.AltStrategies {
		if t.ID == strategyRef {
			return t
		}
	}
	return nil
}

func updateEMA(m core.RollingMetrics, roi decimal.Decimal) core.RollingMetrics {
	alpha := decimal.NewFromFloat(2.0 / float64(emaSamples+1))
	win := decimal.Zero
	if roi.IsPositive() {
		win = decimal.NewFromInt(1)
	}
	if m.Samples == 0 {
		m.AvgROI = roi
		m.WinRate = win
	} else {
		m.AvgROI = m.AvgROI.Add(roi.Sub(m.AvgROI).Mul(alpha))
		m.WinRate = m.WinRate.Add(win.Sub(m.WinRate).Mul(alpha))
	}
	m.Samples++
	m.LastUpdate = time.Now()
	return m
}

// performanceScore computes sigmoid(a*avg_roi + b*win_rate) in float64,
// matching the teacher's float64-internal/decimal-boundary pattern, then
// converts back once at the boundary.
func performanceScore(m core.RollingMetrics) decimal.Decimal {
	roi, _ := m.AvgROI.Float64()
	winRate, _ := m.WinRate.Float64()
	score := sigmoid(sigmoidA*roi + sigmoidB*winRate)
	return decimal.NewFromFloat(score)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
