// Package evaluator implements the SignalEvaluator (spec.md §4.2): a pure,
// I/O-free function from a Candidate and a registry snapshot to an ordered
// set of SignalReadings. It performs no locking and writes no shared
// state, so it is safe to call concurrently across candidates.
package evaluator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/registry"
)

// formula computes (strength, confidence) for one subtype against one
// candidate. Missing inputs must yield confidence 0, never an error.
type formula func(c *core.Candidate, st core.SignalSubtype) (strength, confidence decimal.Decimal)

var formulasByCategory = map[core.SignalCategory]formula{
	core.CategoryMomentum:    momentumFormula,
	core.CategorySentiment:   sentimentFormula,
	core.CategoryVolume:      volumeFormula,
	core.CategoryTechnical:   technicalFormula,
	core.CategoryCopy:        copyFormula,
	core.CategoryTimeSegment: timeSegmentFormula,
	core.CategoryContext:     contextFormula,
}

// Evaluate computes a SignalReading for every subtype in the snapshot,
// ordered by subtype_id (matching the fusion tie-break rule in §4.3).
func Evaluate(c *core.Candidate, snap *registry.Snapshot) []core.SignalReading {
	subtypes := snap.Ordered()
	out := make([]core.SignalReading, 0, len(subtypes))
	now := time.Now()

	for _, st := range subtypes {
		f, ok := formulasByCategory[st.Category]
		if !ok {
			out = append(out, core.SignalReading{
				SubtypeID: st.ID, Category: st.Category,
				Strength: decimal.Zero, Confidence: decimal.Zero, Timestamp: now,
			})
			continue
		}
		strength, confidence := f(c, st)
		out = append(out, core.SignalReading{
			SubtypeID:  st.ID,
			Category:   st.Category,
			Strength:   clamp(strength, minusOne, one),
			Confidence: clamp(confidence, decimal.Zero, one),
			Timestamp:  now,
		})
	}
	return out
}

var (
	one      = decimal.NewFromInt(1)
	minusOne = decimal.NewFromInt(-1)
)

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// momentumFormula reads a price-change-ladder value keyed by the subtype's
// own ID (e.g. "momentum_5m" -> RawMetrics["momentum_5m"], a fractional
// price change) and squashes it into [-1, 1].
func momentumFormula(c *core.Candidate, st core.SignalSubtype) (decimal.Decimal, decimal.Decimal) {
	v, ok := c.Metric(st.ID)
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	strength := clamp(v.Mul(decimal.NewFromInt(4)), minusOne, one)
	confidence := confidenceFromMagnitude(v, decimal.NewFromFloat(0.1))
	return strength, confidence
}

// sentimentFormula reads an externally-supplied scalar in [-1, 1] directly.
func sentimentFormula(c *core.Candidate, st core.SignalSubtype) (decimal.Decimal, decimal.Decimal) {
	v, ok := c.Metric(st.ID)
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	return v, decimal.NewFromFloat(0.7)
}

// volumeFormula derives strength from a volume/liquidity ratio: higher
// 24h volume relative to liquidity depth indicates stronger short-term
// interest.
func volumeFormula(c *core.Candidate, _ core.SignalSubtype) (decimal.Decimal, decimal.Decimal) {
	if c.LiquidityDepth.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	ratio := c.Volume24h.Div(c.LiquidityDepth)
	// Baseline ratio of 1.0 is neutral; above indicates accumulation.
	strength := clamp(ratio.Sub(one), minusOne, one)
	confidence := decimal.NewFromFloat(0.6)
	if c.Volume24h.IsZero() {
		confidence = decimal.Zero
	}
	return strength, confidence
}

// technicalFormula reads an RSI-like oscillator value in [0, 100] keyed by
// the subtype ID and maps it to a mean-reversion strength.
func technicalFormula(c *core.Candidate, st core.SignalSubtype) (decimal.Decimal, decimal.Decimal) {
	v, ok := c.Metric(st.ID)
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	fifty := decimal.NewFromInt(50)
	strength := clamp(fifty.Sub(v).Div(fifty), minusOne, one)
	return strength, decimal.NewFromFloat(0.65)
}

// copyFormula reads a net copy-trader flow signal in [-1, 1] keyed by
// subtype ID.
func copyFormula(c *core.Candidate, st core.SignalSubtype) (decimal.Decimal, decimal.Decimal) {
	v, ok := c.Metric(st.ID)
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	return clamp(v, minusOne, one), decimal.NewFromFloat(0.55)
}

// timeSegmentFormula favors recently-listed tokens with a decaying boost,
// reflecting the short window in which early entries matter most.
func timeSegmentFormula(c *core.Candidate, _ core.SignalSubtype) (decimal.Decimal, decimal.Decimal) {
	if c.AgeSinceListing <= 0 {
		return decimal.Zero, decimal.Zero
	}
	hours := c.AgeSinceListing.Hours()
	switch {
	case hours < 1:
		return decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.5)
	case hours < 6:
		return decimal.NewFromFloat(0.3), decimal.NewFromFloat(0.4)
	case hours < 24:
		return decimal.NewFromFloat(0.0), decimal.NewFromFloat(0.3)
	default:
		return decimal.NewFromFloat(-0.2), decimal.NewFromFloat(0.3)
	}
}

// contextFormula combines holder count into a coarse community-strength
// proxy.
func contextFormula(c *core.Candidate, _ core.SignalSubtype) (decimal.Decimal, decimal.Decimal) {
	if c.HolderCount <= 0 {
		return decimal.Zero, decimal.Zero
	}
	switch {
	case c.HolderCount >= 5000:
		return decimal.NewFromFloat(0.6), decimal.NewFromFloat(0.5)
	case c.HolderCount >= 500:
		return decimal.NewFromFloat(0.2), decimal.NewFromFloat(0.4)
	default:
		return decimal.NewFromFloat(-0.1), decimal.NewFromFloat(0.3)
	}
}

// confidenceFromMagnitude grows confidence with |value| relative to a
// saturation scale, capping at 1.
func confidenceFromMagnitude(v, scale decimal.Decimal) decimal.Decimal {
	if scale.IsZero() {
		return decimal.Zero
	}
	mag := v.Abs().Div(scale)
	return clamp(mag, decimal.Zero, one)
}
