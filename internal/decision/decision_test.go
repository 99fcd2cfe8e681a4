package decision_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/decision"
	"github.com/solweave/ammengine/internal/registry"
	"github.com/solweave/ammengine/internal/strategy"
)

func thresholds() decision.Thresholds {
	return decision.Thresholds{
		ConfThreshold:    decimal.NewFromInt(60),
		RegimeMultiplier: decimal.NewFromFloat(1.0),
		BaseSize:         decimal.NewFromFloat(0.02),
		MinSize:          decimal.NewFromFloat(0.005),
		MaxSize:          decimal.NewFromFloat(0.10),
	}
}

func strongReading(subtype string, strength, confidence float64) core.SignalReading {
	return core.SignalReading{
		SubtypeID:  subtype,
		Category:   core.CategoryMomentum,
		Strength:   decimal.NewFromFloat(strength),
		Confidence: decimal.NewFromFloat(confidence),
	}
}

func candidate() *core.Candidate {
	return &core.Candidate{Token: "TOKEN", Price: decimal.NewFromFloat(2.0)}
}

func TestEvaluateRejectsStaleSnapshot(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "a", Weight: decimal.NewFromFloat(1.0)},
	})
	matrix := strategy.New(zap.NewNop(), nil)
	e := decision.New(zap.NewNop(), matrix)

	_, _, err := e.Evaluate(candidate(), []core.SignalReading{strongReading("a", 0.8, 0.9)},
		reg.Snapshot(), 1, 2, false, thresholds())
	if !errors.Is(err, decision.ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
}

func TestEvaluateRejectsInsufficientActiveSignals(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "a", Weight: decimal.NewFromFloat(1.0)},
	})
	matrix := strategy.New(zap.NewNop(), nil)
	e := decision.New(zap.NewNop(), matrix)

	snap := reg.Snapshot()
	// Only one reading with non-zero confidence; min_active_signals is 2.
	_, _, err := e.Evaluate(candidate(), []core.SignalReading{strongReading("a", 0.8, 0.9)},
		snap, snap.Version, snap.Version, false, thresholds())
	if !errors.Is(err, decision.ErrInsufficientSignals) {
		t.Fatalf("expected ErrInsufficientSignals, got %v", err)
	}
}

func TestEvaluateStrongSignalsProduceBuy(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "a", Weight: decimal.NewFromFloat(1.0)},
		{ID: "b", Weight: decimal.NewFromFloat(1.0)},
	})
	matrix := strategy.New(zap.NewNop(), nil)
	e := decision.New(zap.NewNop(), matrix)

	snap := reg.Snapshot()
	readings := []core.SignalReading{
		strongReading("a", 0.9, 0.95),
		strongReading("b", 0.8, 0.9),
	}

	d, tmpl, err := e.Evaluate(candidate(), readings, snap, snap.Version, snap.Version, false, thresholds())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != core.ActionBuy {
		t.Fatalf("expected ActionBuy, got %s (reasoning: %s)", d.Action, d.Reasoning)
	}
	if tmpl == nil {
		t.Fatal("expected a non-nil strategy template for a buy decision")
	}
	if d.SizeFraction.IsZero() {
		t.Fatal("expected a non-zero size_fraction for a buy decision")
	}
	if d.SizeFraction.LessThan(thresholds().MinSize) || d.SizeFraction.GreaterThan(thresholds().MaxSize) {
		t.Fatalf("size_fraction %s out of [min,max] bounds", d.SizeFraction)
	}
}

func TestEvaluateWeakOpposingSignalsYieldHoldWhenNotHeld(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "a", Weight: decimal.NewFromFloat(1.0)},
		{ID: "b", Weight: decimal.NewFromFloat(1.0)},
	})
	matrix := strategy.New(zap.NewNop(), nil)
	e := decision.New(zap.NewNop(), matrix)

	snap := reg.Snapshot()
	readings := []core.SignalReading{
		strongReading("a", -0.1, 0.6),
		strongReading("b", 0.05, 0.6),
	}

	d, _, err := e.Evaluate(candidate(), readings, snap, snap.Version, snap.Version, false, thresholds())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != core.ActionHold {
		t.Fatalf("expected ActionHold for weak mixed signals, got %s", d.Action)
	}
}

func TestEvaluateStrongNegativeScoreYieldsSellWhenHeld(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "a", Weight: decimal.NewFromFloat(1.0)},
		{ID: "b", Weight: decimal.NewFromFloat(1.0)},
	})
	matrix := strategy.New(zap.NewNop(), nil)
	e := decision.New(zap.NewNop(), matrix)

	snap := reg.Snapshot()
	readings := []core.SignalReading{
		strongReading("a", -0.5, 0.7),
		strongReading("b", -0.3, 0.7),
	}

	d, _, err := e.Evaluate(candidate(), readings, snap, snap.Version, snap.Version, true, thresholds())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != core.ActionSell {
		t.Fatalf("expected ActionSell when held against a strong negative score, got %s", d.Action)
	}
}

func TestEvaluateExtremeNegativeScoreIsReject(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "a", Weight: decimal.NewFromFloat(1.0)},
		{ID: "b", Weight: decimal.NewFromFloat(1.0)},
	})
	matrix := strategy.New(zap.NewNop(), nil)
	e := decision.New(zap.NewNop(), matrix)

	snap := reg.Snapshot()
	readings := []core.SignalReading{
		strongReading("a", -0.9, 0.9),
		strongReading("b", -0.95, 0.9),
	}

	d, _, err := e.Evaluate(candidate(), readings, snap, snap.Version, snap.Version, false, thresholds())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != core.ActionReject {
		t.Fatalf("expected ActionReject for an extreme negative score, got %s", d.Action)
	}
}
