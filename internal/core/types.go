// Package core provides the shared data model for the trading engine:
// candidates, signal readings, decisions, positions, strategy templates,
// clusters, outcome records and the shared capital state.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalCategory classifies a SignalSubtype.
type SignalCategory string

const (
	CategoryMomentum     SignalCategory = "momentum"
	CategorySentiment    SignalCategory = "sentiment"
	CategoryVolume       SignalCategory = "volume"
	CategoryTechnical    SignalCategory = "technical"
	CategoryCopy         SignalCategory = "copy"
	CategoryTimeSegment  SignalCategory = "time_segment"
	CategoryContext      SignalCategory = "context"
)

// Action is the decision engine's recommended action.
type Action string

const (
	ActionBuy    Action = "buy"
	ActionSell   Action = "sell"
	ActionHold   Action = "hold"
	ActionDefer  Action = "defer"
	ActionReject Action = "reject"
)

// Horizon is the intended holding period of a decision.
type Horizon string

const (
	HorizonScalp    Horizon = "scalp"
	HorizonSwing    Horizon = "swing"
	HorizonPosition Horizon = "position"
)

// RiskLevel is a coarse qualitative risk bucket for a decision.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// PositionState is a node in the position lifecycle state machine (§4.5).
type PositionState string

const (
	StatePending PositionState = "pending"
	StateOpen    PositionState = "open"
	StateExiting PositionState = "exiting"
	StateClosed  PositionState = "closed"
)

// ExitReason records why a position closed.
type ExitReason string

const (
	ExitTarget   ExitReason = "target"
	ExitStop     ExitReason = "stop"
	ExitTrailing ExitReason = "trailing"
	ExitTime     ExitReason = "time"
	ExitManual   ExitReason = "manual"
	ExitError    ExitReason = "error"
)

// EntryMethod is how a strategy template enters a position.
type EntryMethod string

const (
	EntryMarket  EntryMethod = "market"
	EntryLimit   EntryMethod = "limit"
	EntryDelayed EntryMethod = "delayed"
	EntryDCA     EntryMethod = "dca"
)

// ExitMethod is how a strategy template exits a position.
type ExitMethod string

const (
	ExitMethodTrailing        ExitMethod = "trailing"
	ExitMethodROITarget       ExitMethod = "roi_target"
	ExitMethodVolatility      ExitMethod = "volatility"
	ExitMethodTime            ExitMethod = "time"
	ExitMethodMomentumReverse ExitMethod = "momentum_reversal"
)

// Regime is the coarse sizing/concurrency mode of the capital controller.
type Regime string

const (
	RegimeConservative Regime = "conservative"
	RegimeScaled        Regime = "scaled"
	RegimeHyper         Regime = "hyper"
)

// ConfidenceTier buckets a SignalCluster's historical reliability.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
)

// Candidate is a proposed trade input produced by a CandidateSource.
// It is consumed exactly once by the decision path and discarded afterward.
type Candidate struct {
	Token          string
	Price          decimal.Decimal
	Volume24h      decimal.Decimal
	Volume1h       decimal.Decimal
	LiquidityDepth decimal.Decimal
	AgeSinceListing time.Duration
	HolderCount    int
	RawMetrics     map[string]decimal.Decimal
	ObservedAt     time.Time
}

// Metric looks up a raw metric, returning (value, true) if present.
func (c *Candidate) Metric(name string) (decimal.Decimal, bool) {
	if c.RawMetrics == nil {
		return decimal.Zero, false
	}
	v, ok := c.RawMetrics[name]
	return v, ok
}

// SignalReading is an immutable evaluation of one subtype against one candidate.
type SignalReading struct {
	SubtypeID  string
	Category   SignalCategory
	Strength   decimal.Decimal // [-1, 1]
	Confidence decimal.Decimal // [0, 1]
	Timestamp  time.Time
}

// RollingMetrics is the EMA-based performance tracking shared by subtypes
// and clusters (§4.1, §4.8).
type RollingMetrics struct {
	Samples    int
	AvgROI     decimal.Decimal
	WinRate    decimal.Decimal
	LastUpdate time.Time
}

// SignalSubtype is a catalog entry owned by the SignalRegistry.
type SignalSubtype struct {
	ID       string
	Category SignalCategory
	Weight   decimal.Decimal // [0, 1]
	Metrics  RollingMetrics
}

// StrategyTemplate is a parameterized entry/exit policy.
type StrategyTemplate struct {
	ID           string
	EntryMethod  EntryMethod
	ExitMethod   ExitMethod
	EntryParams  map[string]decimal.Decimal
	ExitParams   map[string]decimal.Decimal
}

// TrailingActivation returns the configured activation threshold, or a
// package default if unset.
func (t *StrategyTemplate) TrailingActivation() decimal.Decimal {
	if v, ok := t.ExitParams["trailing_activation"]; ok {
		return v
	}
	return decimal.NewFromFloat(0.05)
}

// TrailingPercent returns the configured trailing-stop percent, or a
// package default if unset.
func (t *StrategyTemplate) TrailingPercent() decimal.Decimal {
	if v, ok := t.ExitParams["trailing_percent"]; ok {
		return v
	}
	return decimal.NewFromFloat(0.15)
}

// MaxHoldTime returns the configured maximum hold duration for the
// time-based exit, or a package default if unset.
func (t *StrategyTemplate) MaxHoldTime() time.Duration {
	if v, ok := t.ExitParams["max_hold_seconds"]; ok {
		secs, _ := v.Float64()
		return time.Duration(secs) * time.Second
	}
	return 24 * time.Hour
}

// SignalCluster groups co-occurring signal subtypes under a preferred strategy.
type SignalCluster struct {
	ID               string
	SignalSet        map[string]struct{}
	PreferredStrategy *StrategyTemplate
	AltStrategies     []*StrategyTemplate
	Metrics           RollingMetrics
	ConfidenceTier    ConfidenceTier
}

// Decision is the immutable output of the decision engine.
type Decision struct {
	ID           string
	Token        string
	Action       Action
	Confidence   decimal.Decimal // [0, 100]
	SizeFraction decimal.Decimal // [0, 1]
	EntryPrice   decimal.Decimal
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	Horizon      Horizon
	RiskLevel    RiskLevel
	StrategyRef  string
	ClusterID    string
	Reasoning    string
	Readings     []SignalReading
	CreatedAt    time.Time
}

// TrailingStop tracks the watermark-based exit level of an open position.
type TrailingStop struct {
	Enabled       bool
	Percent       decimal.Decimal
	CurrentLevel  decimal.Decimal
	HighWaterMark decimal.Decimal
}

// Position is owned exclusively by the PositionManager (§3 Ownership).
type Position struct {
	ID               string
	Token            string
	State            PositionState
	EntryPrice       decimal.Decimal
	EntryTimestamp   time.Time
	SizeBase         decimal.Decimal
	SizeToken        decimal.Decimal
	TrailingStop     TrailingStop
	TakeProfit       decimal.Decimal
	StopLoss         decimal.Decimal
	TrailingActivation decimal.Decimal
	MaxHoldTime        time.Duration
	StrategyRef      string
	ClusterID        string
	Readings         []SignalReading
	RealizedPnLBase  decimal.Decimal
	LastTickTimestamp time.Time
	Stuck            bool
	ExitAttempts     int
}

// OutcomeRecord is the immutable closure artifact of a closed position.
type OutcomeRecord struct {
	PositionID    string
	ClusterID     string
	StrategyRef   string
	Readings      []SignalReading
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	PnLBase       decimal.Decimal
	ROI           decimal.Decimal
	HoldDuration  time.Duration
	ExitReason    ExitReason
	SlippageIn    decimal.Decimal
	SlippageOut   decimal.Decimal
	ClosedAt      time.Time
}

// CapitalState is the process-wide, single-writer capital ledger (§3, §4.6).
type CapitalState struct {
	TotalBase       decimal.Decimal
	ReservedBase    decimal.Decimal
	FreeBase        decimal.Decimal
	ActivePositions int
	MaxPositionSize decimal.Decimal
	MaxConcurrent   int
	RiskBudgetBase  decimal.Decimal
	Regime          Regime
	Version         uint64
}
