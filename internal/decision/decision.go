// Package decision implements the DecisionEngine (spec.md §4.3): fusing a
// candidate's signal readings into a single buy/sell/hold/defer/reject
// Decision, with cluster selection delegated to a strategy.Matrix.
package decision

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/registry"
	"github.com/solweave/ammengine/internal/strategy"
)

// minActiveSignals is the default floor on readings with non-zero
// confidence before a decision can be made (§4.3).
const minActiveSignals = 2

// clusterMatchFloor is the minimum reading confidence for a subtype to be
// included in the signal set used for cluster matching (§4.3); the
// Jaccard overlap floor itself lives in the strategy matrix.
const clusterMatchFloor = 0.5 // confidence floor for inclusion in the match set, not the overlap floor

// Kind distinguishes the two named failure modes from spec.md §4.3 so
// callers can branch with errors.Is without string matching.
type Kind int

const (
	// KindInsufficientSignals: fewer than min_active_signals readings had
	// non-zero confidence.
	KindInsufficientSignals Kind = iota
	// KindStaleSnapshot: the registry snapshot version used to build this
	// decision no longer matches the capital snapshot's observed version.
	KindStaleSnapshot
)

// Error wraps a Kind so call sites can do errors.Is(err, decision.ErrInsufficientSignals).
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel instances for errors.Is comparisons.
var (
	ErrInsufficientSignals = &Error{Kind: KindInsufficientSignals, msg: "decision: insufficient active signals"}
	ErrStaleSnapshot       = &Error{Kind: KindStaleSnapshot, msg: "decision: stale registry snapshot"}
)

// Thresholds holds the regime-dependent action thresholds and sizing
// parameters from §4.3.
type Thresholds struct {
	ConfThreshold    decimal.Decimal // θ
	RegimeMultiplier decimal.Decimal
	BaseSize         decimal.Decimal
	MinSize          decimal.Decimal
	MaxSize          decimal.Decimal
}

// Engine fuses readings into decisions. It holds no mutable state itself;
// all inputs are passed per call so it is safe for concurrent use across
// candidates (mirrors evaluator's statelessness).
type Engine struct {
	logger *zap.Logger
	matrix *strategy.Matrix
}

// New constructs a DecisionEngine bound to a strategy matrix for cluster
// selection.
func New(logger *zap.Logger, matrix *strategy.Matrix) *Engine {
	return &Engine{logger: logger.Named("decision-engine"), matrix: matrix}
}

// Evaluate fuses readings (already produced by evaluator.Evaluate against
// a registry.Snapshot) into a Decision for candidate c, using th for the
// current regime and registrySnapVersion/capitalSnapVersion to detect a
// stale read.
func (e *Engine) Evaluate(
	c *core.Candidate,
	readings []core.SignalReading,
	snap *registry.Snapshot,
	registrySnapVersion, capitalSnapVersion uint64,
	capitalHeld bool,
	th Thresholds,
) (*core.Decision, *core.StrategyTemplate, error) {
	if registrySnapVersion != capitalSnapVersion {
		return nil, nil, fmt.Errorf("%w: registry=%d capital=%d", ErrStaleSnapshot, registrySnapVersion, capitalSnapVersion)
	}

	score, confOut, active := fuse(readings, snap)
	if active < minActiveSignals {
		return nil, nil, fmt.Errorf("%w: active=%d need=%d", ErrInsufficientSignals, active, minActiveSignals)
	}

	matchSet := make(map[string]struct{})
	for _, r := range readings {
		if r.Confidence.GreaterThan(decimal.NewFromFloat(clusterMatchFloor)) {
			matchSet[r.SubtypeID] = struct{}{}
		}
	}
	clusterID, tmpl, _ := e.matrix.BestStrategy(matchSet)

	action, risk := decideAction(score, confOut, th.ConfThreshold, capitalHeld)

	sizeFraction := decimal.Zero
	if action == core.ActionBuy {
		confFactor := confOut.Div(decimal.NewFromInt(100))
		sizeFraction = clampDec(
			th.BaseSize.Mul(confFactor).Mul(th.RegimeMultiplier),
			th.MinSize, th.MaxSize,
		)
	}

	volatility := candidateVolatility(c)
	stopLoss, takeProfit := stopAndTarget(c.Price, tmpl, volatility)

	horizon := horizonFor(tmpl)

	d := &core.Decision{
		ID:           uuid.NewString(),
		Token:        c.Token,
		Action:       action,
		Confidence:   confOut,
		SizeFraction: sizeFraction,
		EntryPrice:   c.Price,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Horizon:      horizon,
		RiskLevel:    risk,
		StrategyRef:  tmpl.ID,
		ClusterID:    clusterID,
		Reasoning:    reasoningFor(score, confOut, action),
		Readings:     readings,
		CreatedAt:    time.Now(),
	}
	return d, tmpl, nil
}

// fuse computes the weighted-sum score and confidence_out from §4.3.
// Intermediate weight×strength×confidence products are accumulated in
// float64 for speed, then converted back to decimal once at the boundary,
// matching the teacher's float64-internal/decimal-boundary sizing pattern.
func fuse(readings []core.SignalReading, snap *registry.Snapshot) (score, confOut decimal.Decimal, active int) {
	var numerator, denomScore, denomConf, weightSum float64

	for _, r := range readings {
		st, ok := snap.Subtypes[r.SubtypeID]
		if !ok {
			continue
		}
		if r.Confidence.IsPositive() {
			active++
		}
		w, _ := st.Weight.Float64()
		s, _ := r.Strength.Float64()
		conf, _ := r.Confidence.Float64()

		numerator += w * s * conf
		denomScore += w * conf
		denomConf += w * conf
		weightSum += w
	}

	if denomScore == 0 || weightSum == 0 {
		return decimal.Zero, decimal.Zero, active
	}

	rawScore := numerator / denomScore
	if rawScore > 1 {
		rawScore = 1
	}
	if rawScore < -1 {
		rawScore = -1
	}

	rawConfOut := 100 * (denomConf / weightSum)
	if rawConfOut > 100 {
		rawConfOut = 100
	}
	if rawConfOut < 0 {
		rawConfOut = 0
	}

	return decimal.NewFromFloat(rawScore), decimal.NewFromFloat(rawConfOut), active
}

// decideAction applies the §4.3 action table in priority order.
func decideAction(score, confOut, theta decimal.Decimal, held bool) (core.Action, core.RiskLevel) {
	risk := riskFromScore(score, confOut)

	thirty := decimal.NewFromFloat(0.3)
	fifteen := decimal.NewFromFloat(0.15)
	fifty := decimal.NewFromFloat(0.5)
	ten := decimal.NewFromInt(10)

	switch {
	case score.LessThanOrEqual(fifty.Neg()) || risk == core.RiskExtreme:
		return core.ActionReject, core.RiskExtreme
	case score.GreaterThanOrEqual(thirty) && confOut.GreaterThanOrEqual(theta):
		return core.ActionBuy, risk
	case score.LessThanOrEqual(thirty.Neg()) && held:
		return core.ActionSell, risk
	case score.GreaterThanOrEqual(fifteen) && confOut.GreaterThanOrEqual(theta.Sub(ten)) && confOut.LessThan(theta):
		return core.ActionDefer, risk
	default:
		return core.ActionHold, risk
	}
}

// riskFromScore buckets qualitative risk from the magnitude/confidence
// relationship: a strong score backed by low confidence is riskier than
// the same score backed by high confidence.
func riskFromScore(score, confOut decimal.Decimal) core.RiskLevel {
	mag := score.Abs()
	switch {
	case mag.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) && confOut.LessThan(decimal.NewFromInt(40)):
		return core.RiskExtreme
	case mag.GreaterThanOrEqual(decimal.NewFromFloat(0.4)):
		return core.RiskHigh
	case mag.GreaterThanOrEqual(decimal.NewFromFloat(0.2)):
		return core.RiskMedium
	default:
		return core.RiskLow
	}
}

func clampDec(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// candidateVolatility reads a volatility metric off the candidate,
// defaulting to a moderate 2% if absent.
func candidateVolatility(c *core.Candidate) decimal.Decimal {
	if v, ok := c.Metric("volatility"); ok {
		return v
	}
	return decimal.NewFromFloat(0.02)
}

// stopAndTarget scales the strategy template's exit params by the
// candidate's volatility metric, per §4.3 ("scaled by the candidate's
// volatility metric").
func stopAndTarget(entryPrice decimal.Decimal, tmpl *core.StrategyTemplate, volatility decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	stopPct := tmpl.TrailingPercent().Mul(volatility).Mul(decimal.NewFromInt(10))
	targetPct := tmpl.TrailingActivation().Mul(volatility).Mul(decimal.NewFromInt(20))

	stopLoss = entryPrice.Mul(decimal.NewFromInt(1).Sub(stopPct))
	takeProfit = entryPrice.Mul(decimal.NewFromInt(1).Add(targetPct))
	return
}

func horizonFor(tmpl *core.StrategyTemplate) core.Horizon {
	switch tmpl.ExitMethod {
	case core.ExitMethodTime, core.ExitMethodMomentumReverse:
		return core.HorizonScalp
	case core.ExitMethodVolatility:
		return core.HorizonSwing
	default:
		return core.HorizonPosition
	}
}

func reasoningFor(score, confOut decimal.Decimal, action core.Action) string {
	return fmt.Sprintf("score=%s conf_out=%s action=%s", score.StringFixed(4), confOut.StringFixed(2), action)
}
