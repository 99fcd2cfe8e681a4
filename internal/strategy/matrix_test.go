package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/strategy"
)

func sigSet(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestBestStrategyMatchesHighOverlapCluster(t *testing.T) {
	tmpl := &core.StrategyTemplate{ID: "momentum-strategy"}
	m := strategy.New(zap.NewNop(), []*core.SignalCluster{
		{ID: "cluster-1", SignalSet: sigSet("a", "b", "c"), PreferredStrategy: tmpl},
	})

	clusterID, got, score := m.BestStrategy(sigSet("a", "b", "c", "d"))
	// jaccard({a,b,c},{a,b,c,d}) = 3/4 = 0.75 >= 0.6 threshold
	if clusterID != "cluster-1" {
		t.Fatalf("expected cluster-1 to match, got %q (score=%f)", clusterID, score)
	}
	if got != tmpl {
		t.Fatal("expected the matched cluster's preferred template")
	}
}

func TestBestStrategyFallsBackBelowThreshold(t *testing.T) {
	m := strategy.New(zap.NewNop(), []*core.SignalCluster{
		{ID: "cluster-1", SignalSet: sigSet("a", "b", "c"), PreferredStrategy: &core.StrategyTemplate{ID: "x"}},
	})

	clusterID, got, score := m.BestStrategy(sigSet("d", "e"))
	if clusterID != "" {
		t.Fatalf("expected no cluster match (empty id), got %q (score=%f)", clusterID, score)
	}
	if got == nil || got.ID != "default_conservative" {
		t.Fatalf("expected the default conservative fallback template, got %+v", got)
	}
}

func TestBestStrategyPicksHighestOverlapAmongMultiple(t *testing.T) {
	weak := &core.StrategyTemplate{ID: "weak"}
	strong := &core.StrategyTemplate{ID: "strong"}
	m := strategy.New(zap.NewNop(), []*core.SignalCluster{
		{ID: "weak-cluster", SignalSet: sigSet("a", "z"), PreferredStrategy: weak},
		{ID: "strong-cluster", SignalSet: sigSet("a", "b", "c"), PreferredStrategy: strong},
	})

	clusterID, got, _ := m.BestStrategy(sigSet("a", "b", "c"))
	if clusterID != "strong-cluster" || got != strong {
		t.Fatalf("expected exact-match strong-cluster to win, got %q", clusterID)
	}
}

func TestClusterReturnsCopyNotLiveReference(t *testing.T) {
	m := strategy.New(zap.NewNop(), []*core.SignalCluster{
		{ID: "cluster-1", SignalSet: sigSet("a"), PreferredStrategy: &core.StrategyTemplate{ID: "orig"}},
	})

	cl, ok := m.Cluster("cluster-1")
	if !ok {
		t.Fatal("expected cluster-1 to exist")
	}
	cl.PreferredStrategy = &core.StrategyTemplate{ID: "mutated-locally"}

	cl2, _ := m.Cluster("cluster-1")
	if cl2.PreferredStrategy.ID != "orig" {
		t.Fatalf("mutating the returned copy must not affect the matrix's stored cluster, got %s", cl2.PreferredStrategy.ID)
	}
}

func TestApplyClusterUpdateSwapsPreferredAndKeepsOldAsAlt(t *testing.T) {
	orig := &core.StrategyTemplate{ID: "orig"}
	next := &core.StrategyTemplate{ID: "next"}
	m := strategy.New(zap.NewNop(), []*core.SignalCluster{
		{ID: "cluster-1", SignalSet: sigSet("a"), PreferredStrategy: orig},
	})

	m.ApplyClusterUpdate([]strategy.ClusterUpdate{{ClusterID: "cluster-1", NewPreferred: next}})

	cl, ok := m.Cluster("cluster-1")
	if !ok {
		t.Fatal("expected cluster-1 to exist")
	}
	if cl.PreferredStrategy != next {
		t.Fatalf("expected preferred strategy swapped to next, got %s", cl.PreferredStrategy.ID)
	}
	found := false
	for _, alt := range cl.AltStrategies {
		if alt == orig {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the previous preferred strategy to be retained as an alternate")
	}
}

func TestApplyClusterUpdateOnUnknownClusterIsIgnored(t *testing.T) {
	m := strategy.New(zap.NewNop(), nil)
	// Must not panic even though cluster-1 doesn't exist.
	m.ApplyClusterUpdate([]strategy.ClusterUpdate{{ClusterID: "cluster-1", NewPreferred: &core.StrategyTemplate{ID: "x"}}})
}

func TestDiscoverNewClusterPromotesAfterMinOccurrencesAboveThreshold(t *testing.T) {
	m := strategy.New(zap.NewNop(), nil)
	set := sigSet("x", "y")

	for i := 0; i < 4; i++ {
		m.ObserveSignalSet(set, decimal.NewFromFloat(0.2))
	}
	// Below discoveryMinOccurrences (5); should not yet qualify.
	if m.DiscoverNewCluster("new-cluster", &core.StrategyTemplate{ID: "dom"}, decimal.NewFromFloat(0.1)) {
		t.Fatal("expected no promotion before the minimum occurrence count is reached")
	}

	m.ObserveSignalSet(set, decimal.NewFromFloat(0.2))
	if !m.DiscoverNewCluster("new-cluster", &core.StrategyTemplate{ID: "dom"}, decimal.NewFromFloat(0.1)) {
		t.Fatal("expected promotion once occurrences >= 5 and rolling ROI exceeds threshold")
	}

	cl, ok := m.Cluster("new-cluster")
	if !ok {
		t.Fatal("expected the newly discovered cluster to be retrievable")
	}
	if cl.ConfidenceTier != core.TierLow {
		t.Fatalf("newly discovered clusters should start at low confidence, got %s", cl.ConfidenceTier)
	}
}

func TestDiscoverNewClusterRejectsBelowROIThreshold(t *testing.T) {
	m := strategy.New(zap.NewNop(), nil)
	set := sigSet("x", "y")

	for i := 0; i < 6; i++ {
		m.ObserveSignalSet(set, decimal.NewFromFloat(0.01))
	}

	if m.DiscoverNewCluster("new-cluster", &core.StrategyTemplate{ID: "dom"}, decimal.NewFromFloat(0.5)) {
		t.Fatal("expected no promotion when rolling ROI stays below threshold")
	}
}
