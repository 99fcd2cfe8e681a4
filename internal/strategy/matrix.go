// Package strategy implements the StrategyMatrix (spec.md §4.4): the
// cluster_id -> SignalCluster map, Jaccard-overlap best-match against a
// reading set, and the learner-driven cluster update / discovery paths.
package strategy

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// minOverlapForMatch is the Jaccard threshold below which the default
// conservative strategy is used instead of a matched cluster (§4.3).
const minOverlapForMatch = 0.6

// discoveryMinOccurrences is the minimum occurrence count before the
// learner may promote a frequent signal_set to a new cluster (§4.4).
const discoveryMinOccurrences = 5

// Matrix holds the cluster map and the conservative default strategy.
type Matrix struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	clusters map[string]*core.SignalCluster
	fallback *core.StrategyTemplate

	// seenSets tracks occurrence counts and rolling ROI for signal sets not
	// yet promoted to a cluster, keyed by a canonical joined-key string.
	seenSets map[string]*discoveryCandidate
}

type discoveryCandidate struct {
	signalSet  map[string]struct{}
	occurrences int
	rollingROI decimal.Decimal
}

// DefaultConservativeTemplate is the fallback used when no cluster
// sufficiently matches a reading set.
func DefaultConservativeTemplate() *core.StrategyTemplate {
	return &core.StrategyTemplate{
		ID:          "default_conservative",
		EntryMethod: core.EntryMarket,
		ExitMethod:  core.ExitMethodTrailing,
		EntryParams: map[string]decimal.Decimal{},
		ExitParams: map[string]decimal.Decimal{
			"trailing_percent":    decimal.NewFromFloat(0.10),
			"trailing_activation": decimal.NewFromFloat(0.05),
			"max_hold_seconds":    decimal.NewFromInt(6 * 3600),
		},
	}
}

// New creates a strategy matrix seeded with the given clusters.
func New(logger *zap.Logger, seed []*core.SignalCluster) *Matrix {
	clusters := make(map[string]*core.SignalCluster, len(seed))
	for _, c := range seed {
		clusters[c.ID] = c
	}
	return &Matrix{
		logger:   logger.Named("strategy-matrix"),
		clusters: clusters,
		fallback: DefaultConservativeTemplate(),
		seenSets: make(map[string]*discoveryCandidate),
	}
}

// BestStrategy finds the cluster whose signal_set has the highest Jaccard
// overlap with readingSet. If the best overlap is below
// minOverlapForMatch, the default conservative strategy is returned with
// an empty cluster_id (§4.3).
func (m *Matrix) BestStrategy(readingSet map[string]struct{}) (clusterID string, tmpl *core.StrategyTemplate, matchScore float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bestID string
	var bestScore float64
	var bestTmpl *core.StrategyTemplate

	for id, cl := range m.clusters {
		score := jaccard(cl.SignalSet, readingSet)
		if score > bestScore {
			bestScore = score
			bestID = id
			bestTmpl = cl.PreferredStrategy
		}
	}

	if bestScore < minOverlapForMatch {
		return "", m.fallback, bestScore
	}
	return bestID, bestTmpl, bestScore
}

// Cluster returns a read-only copy of a cluster by ID.
func (m *Matrix) Cluster(id string) (core.SignalCluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cl, ok := m.clusters[id]
	if !ok {
		return core.SignalCluster{}, false
	}
	return *cl, true
}

// ClusterUpdate is a learner-issued mutation to one cluster: either a
// rolling-metrics refresh, a preferred-strategy swap, or both.
type ClusterUpdate struct {
	ClusterID        string
	Metrics          *core.RollingMetrics
	NewPreferred     *core.StrategyTemplate
}

// ApplyClusterUpdate atomically applies a batch of learner-issued updates.
func (m *Matrix) ApplyClusterUpdate(batch []ClusterUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range batch {
		cl, ok := m.clusters[u.ClusterID]
		if !ok {
			continue
		}
		if u.Metrics != nil {
			cl.Metrics = *u.Metrics
		}
		if u.NewPreferred != nil {
			cl.AltStrategies = append(cl.AltStrategies, cl.PreferredStrategy)
			cl.PreferredStrategy = u.NewPreferred
			m.logger.Info("swapped preferred strategy",
				zap.String("cluster", u.ClusterID),
				zap.String("strategy", u.NewPreferred.ID))
		}
	}
}

// ObserveSignalSet records an occurrence of signalSet with the given
// realized ROI for discovery purposes. Call this once per closed position
// whose signal_set did not match an existing cluster strongly enough.
func (m *Matrix) ObserveSignalSet(signalSet map[string]struct{}, roi decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := canonicalKey(signalSet)
	dc, ok := m.seenSets[key]
	if !ok {
		dc = &discoveryCandidate{signalSet: signalSet}
		m.seenSets[key] = dc
	}
	dc.occurrences++
	if dc.occurrences == 1 {
		dc.rollingROI = roi
	} else {
		alpha := decimal.NewFromFloat(0.2)
		dc.rollingROI = dc.rollingROI.Add(roi.Sub(dc.rollingROI).Mul(alpha))
	}
}

// DiscoverNewCluster promotes a frequently-observed signal_set (at least
// discoveryMinOccurrences occurrences) whose rolling ROI exceeds
// roiThreshold into a new cluster keyed by clusterID, seeded with
// dominantTemplate. Returns false if no candidate qualifies.
func (m *Matrix) DiscoverNewCluster(clusterID string, dominantTemplate *core.StrategyTemplate, roiThreshold decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, dc := range m.seenSets {
		if dc.occurrences < discoveryMinOccurrences {
			continue
		}
		if dc.rollingROI.LessThanOrEqual(roiThreshold) {
			continue
		}
		m.clusters[clusterID] = &core.SignalCluster{
			ID:                clusterID,
			SignalSet:         dc.signalSet,
			PreferredStrategy: dominantTemplate,
			Metrics:           core.RollingMetrics{Samples: dc.occurrences, AvgROI: dc.rollingROI},
			ConfidenceTier:    core.TierLow,
		}
		delete(m.seenSets, key)
		m.logger.Info("discovered new cluster", zap.String("cluster", clusterID), zap.Int("occurrences", dc.occurrences))
		return true
	}
	return false
}

func canonicalKey(set map[string]struct{}) string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	// Small sets; simple insertion sort avoids importing sort for a rare path.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	key := ""
	for _, id := range ids {
		key += id + "|"
	}
	return key
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
