package regime_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/regime"
)

func immediateConfig() *regime.Config {
	cfg := regime.DefaultConfig()
	cfg.MinRegimeDuration = 0 // allow switches within the same test run
	return cfg
}

func TestNewDetectorStartsConservative(t *testing.T) {
	d := regime.New(zap.NewNop(), nil)
	if d.Current() != core.RegimeConservative {
		t.Fatalf("expected to start conservative, got %s", d.Current())
	}
}

func TestReassessWithNoOutcomesStaysConservative(t *testing.T) {
	d := regime.New(zap.NewNop(), immediateConfig())
	next, changed := d.Reassess()
	if next != core.RegimeConservative || changed {
		t.Fatalf("expected conservative/false with no data, got %s/%v", next, changed)
	}
}

func TestReassessSwitchesToHyperOnGoodWinRateLowVolatility(t *testing.T) {
	d := regime.New(zap.NewNop(), immediateConfig())
	for i := 0; i < 30; i++ {
		d.RecordOutcome(0.02) // identical positive ROI: win_rate=1.0, volatility=0
	}

	next, changed := d.Reassess()
	if next != core.RegimeHyper {
		t.Fatalf("expected RegimeHyper, got %s", next)
	}
	if !changed {
		t.Fatal("expected changed=true on the first reassessment away from conservative")
	}
}

func TestReassessForcesConservativeOnLargeDrawdown(t *testing.T) {
	d := regime.New(zap.NewNop(), immediateConfig())
	// First build up equity with wins (pushes away from conservative)...
	for i := 0; i < 30; i++ {
		d.RecordOutcome(0.02)
	}
	d.Reassess()

	// ...then a sharp loss drags drawdown past MaxDrawdown (0.15).
	d.RecordOutcome(-0.5)
	next, changed := d.Reassess()
	if next != core.RegimeConservative {
		t.Fatalf("expected a large drawdown to force RegimeConservative, got %s", next)
	}
	if !changed {
		t.Fatal("expected changed=true when forced back to conservative")
	}
}

func TestReassessHonorsMinRegimeDurationCooldown(t *testing.T) {
	cfg := regime.DefaultConfig()
	cfg.MinRegimeDuration = time.Hour // never expires within this test
	d := regime.New(zap.NewNop(), cfg)

	for i := 0; i < 30; i++ {
		d.RecordOutcome(0.02)
	}

	next, changed := d.Reassess()
	if changed {
		t.Fatal("expected the cooldown to suppress a switch immediately after construction")
	}
	if next != core.RegimeConservative {
		t.Fatalf("expected the regime to remain conservative during cooldown, got %s", next)
	}
}

func TestReassessNoChangeReturnsFalse(t *testing.T) {
	d := regime.New(zap.NewNop(), immediateConfig())
	for i := 0; i < 30; i++ {
		d.RecordOutcome(0.02)
	}
	_, changed := d.Reassess()
	if !changed {
		t.Fatal("expected the first reassessment to report a change")
	}

	// A second reassessment with unchanged data should report no change.
	_, changed = d.Reassess()
	if changed {
		t.Fatal("expected a repeated reassessment of the same data to report changed=false")
	}
}
