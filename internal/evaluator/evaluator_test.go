package evaluator_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/evaluator"
	"github.com/solweave/ammengine/internal/registry"
)

func TestEvaluateOrdersReadingsBySubtypeID(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "z_momentum", Category: core.CategoryMomentum},
		{ID: "a_momentum", Category: core.CategoryMomentum},
	})
	c := &core.Candidate{Token: "TOKEN", RawMetrics: map[string]decimal.Decimal{}}

	readings := evaluator.Evaluate(c, reg.Snapshot())
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if readings[0].SubtypeID != "a_momentum" || readings[1].SubtypeID != "z_momentum" {
		t.Fatalf("expected lexicographic order, got [%s, %s]", readings[0].SubtypeID, readings[1].SubtypeID)
	}
}

func TestEvaluateMissingMetricYieldsZeroConfidenceNotError(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "momentum_5m", Category: core.CategoryMomentum},
	})
	c := &core.Candidate{Token: "TOKEN"} // no RawMetrics at all

	readings := evaluator.Evaluate(c, reg.Snapshot())
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(readings))
	}
	if !readings[0].Confidence.IsZero() {
		t.Fatalf("expected zero confidence for a missing metric, got %s", readings[0].Confidence)
	}
	if !readings[0].Strength.IsZero() {
		t.Fatalf("expected zero strength for a missing metric, got %s", readings[0].Strength)
	}
}

func TestEvaluateUnknownCategoryYieldsZeroReading(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "mystery", Category: core.SignalCategory("unregistered")},
	})
	c := &core.Candidate{Token: "TOKEN"}

	readings := evaluator.Evaluate(c, reg.Snapshot())
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(readings))
	}
	if !readings[0].Strength.IsZero() || !readings[0].Confidence.IsZero() {
		t.Fatalf("expected an unregistered category to produce a zero reading, got strength=%s confidence=%s",
			readings[0].Strength, readings[0].Confidence)
	}
}

func TestMomentumFormulaClampsStrengthAndGrowsConfidenceWithMagnitude(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "momentum_5m", Category: core.CategoryMomentum},
	})
	c := &core.Candidate{
		Token:      "TOKEN",
		RawMetrics: map[string]decimal.Decimal{"momentum_5m": decimal.NewFromFloat(0.5)},
	}

	readings := evaluator.Evaluate(c, reg.Snapshot())
	r := readings[0]
	// strength = clamp(0.5*4, -1, 1) = clamp(2.0, -1, 1) = 1
	if !r.Strength.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected strength clamped to 1, got %s", r.Strength)
	}
	// confidence = clamp(|0.5|/0.1, 0, 1) = clamp(5, 0, 1) = 1
	if !r.Confidence.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected confidence saturated to 1, got %s", r.Confidence)
	}
}

func TestVolumeFormulaZeroLiquidityYieldsZeroReading(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "volume_surge", Category: core.CategoryVolume},
	})
	c := &core.Candidate{
		Token:          "TOKEN",
		Volume24h:      decimal.NewFromInt(1000),
		LiquidityDepth: decimal.Zero,
	}

	readings := evaluator.Evaluate(c, reg.Snapshot())
	if !readings[0].Strength.IsZero() || !readings[0].Confidence.IsZero() {
		t.Fatalf("expected zero liquidity depth to produce a zero reading, got %+v", readings[0])
	}
}

func TestTimeSegmentFormulaDecaysWithAge(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "early_entry", Category: core.CategoryTimeSegment},
	})

	fresh := &core.Candidate{Token: "TOKEN", AgeSinceListing: 30 * time.Minute}
	old := &core.Candidate{Token: "TOKEN", AgeSinceListing: 48 * time.Hour}

	freshReading := evaluator.Evaluate(fresh, reg.Snapshot())[0]
	oldReading := evaluator.Evaluate(old, reg.Snapshot())[0]

	if !freshReading.Strength.GreaterThan(oldReading.Strength) {
		t.Fatalf("expected a freshly-listed candidate to score higher than an old one: fresh=%s old=%s",
			freshReading.Strength, oldReading.Strength)
	}
}

func TestContextFormulaScalesWithHolderCount(t *testing.T) {
	reg := registry.New(zap.NewNop(), []core.SignalSubtype{
		{ID: "community", Category: core.CategoryContext},
	})

	small := &core.Candidate{Token: "TOKEN", HolderCount: 10}
	large := &core.Candidate{Token: "TOKEN", HolderCount: 10000}

	smallReading := evaluator.Evaluate(small, reg.Snapshot())[0]
	largeReading := evaluator.Evaluate(large, reg.Snapshot())[0]

	if !largeReading.Strength.GreaterThan(smallReading.Strength) {
		t.Fatalf("expected a large holder count to score higher: small=%s large=%s",
			smallReading.Strength, largeReading.Strength)
	}
}
