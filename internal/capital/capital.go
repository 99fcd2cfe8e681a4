// Package capital implements the CapitalController (spec.md §4.6): the
// single-writer authority over CapitalState. Every mutation happens under
// one mutex and is short and constant-time by design, matching the
// teacher's sizing.SizingConfig cap tables generalized to three regimes.
package capital

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// RegimeParams holds the per-regime sizing caps and multiplier (§4.6,
// §9's regime_multipliers config knob). Lifted in shape from the
// teacher's DefaultSizingConfig/AggressiveSizingConfig split.
type RegimeParams struct {
	MaxPositionSize decimal.Decimal
	MaxConcurrent   int
	Multiplier      decimal.Decimal
}

// DefaultRegimeParams returns the three named regimes seeded with the
// multipliers fixed by spec.md §4.3 (0.3/1.0/2.0) and reasonable caps.
func DefaultRegimeParams() map[core.Regime]RegimeParams {
	return map[core.Regime]RegimeParams{
		core.RegimeConservative: {
			MaxPositionSize: decimal.NewFromFloat(0.02),
			MaxConcurrent:   3,
			Multiplier:      decimal.NewFromFloat(0.3),
		},
		core.RegimeScaled: {
			MaxPositionSize: decimal.NewFromFloat(0.05),
			MaxConcurrent:   8,
			Multiplier:      decimal.NewFromFloat(1.0),
		},
		core.RegimeHyper: {
			MaxPositionSize: decimal.NewFromFloat(0.10),
			MaxConcurrent:   15,
			Multiplier:      decimal.NewFromFloat(2.0),
		},
	}
}

// Reservation is an RAII-style claim on free capital. It must be resolved
// exactly once via Controller.Commit or Controller.Release; a second
// resolution returns ErrReservationAlreadyResolved.
type Reservation struct {
	id         uint64
	sizeBase   decimal.Decimal
	resolved   bool
}

// Controller owns CapitalState behind a single mutex (§4.6: "execute
// under a single lock or equivalent serialization point").
type Controller struct {
	logger *zap.Logger

	mu           sync.Mutex
	state        core.CapitalState
	sumAtRisk    decimal.Decimal
	nextResID    uint64
	regimeParams map[core.Regime]RegimeParams
}

// New constructs a controller with the given starting total capital and
// risk budget, in the conservative regime by default.
func New(logger *zap.Logger, totalBase, riskBudgetBase decimal.Decimal, regimeParams map[core.Regime]RegimeParams) *Controller {
	if regimeParams == nil {
		regimeParams = DefaultRegimeParams()
	}
	rp := regimeParams[core.RegimeConservative]
	c := &Controller{
		logger: logger.Named("capital-controller"),
		state: core.CapitalState{
			TotalBase:       totalBase,
			FreeBase:        totalBase,
			MaxPositionSize: rp.MaxPositionSize,
			MaxConcurrent:   rp.MaxConcurrent,
			RiskBudgetBase:  riskBudgetBase,
			Regime:          core.RegimeConservative,
			Version:         1,
		},
		sumAtRisk:    decimal.Zero,
		regimeParams: regimeParams,
	}
	return c
}

// Snapshot returns a copy of the current capital state, safe to read
// without holding the controller's lock afterward.
func (c *Controller) Snapshot() core.CapitalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TryReserve attempts to claim proposedSizeBase of free capital, per the
// four-part guard in §4.6. On success it returns a Reservation that the
// caller must Commit or Release exactly once.
func (c *Controller) TryReserve(proposedSizeBase decimal.Decimal) (*Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.ActivePositions >= c.state.MaxConcurrent {
		return nil, core.ErrTooManyPositions
	}
	// MaxPositionSize is a fraction of TotalBase.
	if proposedSizeBase.GreaterThan(c.state.TotalBase.Mul(c.state.MaxPositionSize)) {
		return nil, core.ErrOverPositionCap
	}
	if proposedSizeBase.GreaterThan(c.state.RiskBudgetBase.Sub(c.sumAtRisk)) {
		return nil, core.ErrOverRiskBudget
	}
	if proposedSizeBase.GreaterThan(c.state.FreeBase) {
		return nil, core.ErrInsufficientCapital
	}

	c.state.FreeBase = c.state.FreeBase.Sub(proposedSizeBase)
	c.state.ReservedBase = c.state.ReservedBase.Add(proposedSizeBase)
	c.sumAtRisk = c.sumAtRisk.Add(proposedSizeBase)
	c.state.Version++

	c.nextResID++
	r := &Reservation{id: c.nextResID, sizeBase: proposedSizeBase}
	return r, nil
}

// Commit transitions a reservation into an open position: reserved_base
// shrinks by the reservation size and active_positions increments.
// actualEntryBase may differ slightly from the reserved size (e.g. due to
// slippage) and is what is tracked as at-risk going forward.
func (c *Controller) Commit(r *Reservation, actualEntryBase decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.resolved {
		return core.ErrReservationAlreadyResolved
	}
	r.resolved = true

	c.state.ReservedBase = c.state.ReservedBase.Sub(r.sizeBase)
	c.state.ActivePositions++
	// Reconcile at-risk tracking to the actual committed size.
	c.sumAtRisk = c.sumAtRisk.Sub(r.sizeBase).Add(actualEntryBase)
	if diff := actualEntryBase.Sub(r.sizeBase); !diff.IsZero() {
		c.state.FreeBase = c.state.FreeBase.Sub(diff)
	}
	c.state.Version++
	return nil
}

// Release returns a reservation's claim to free_base with no position
// change. Used when an entry attempt fails or a candidate is abandoned.
func (c *Controller) Release(r *Reservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.resolved {
		return core.ErrReservationAlreadyResolved
	}
	r.resolved = true

	c.state.FreeBase = c.state.FreeBase.Add(r.sizeBase)
	c.state.ReservedBase = c.state.ReservedBase.Sub(r.sizeBase)
	c.sumAtRisk = c.sumAtRisk.Sub(r.sizeBase)
	c.state.Version++
	return nil
}

// Settle closes out a position on exit: proceeds return to free_base and
// active_positions decrements. committedSizeBase is the actualEntryBase
// passed to Commit, removed from the at-risk pool.
func (c *Controller) Settle(proceedsBase, committedSizeBase decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.FreeBase = c.state.FreeBase.Add(proceedsBase)
	c.state.ActivePositions--
	c.sumAtRisk = c.sumAtRisk.Sub(committedSizeBase)
	if c.sumAtRisk.IsNegative() {
		c.sumAtRisk = decimal.Zero
	}
	c.state.Version++
}

// SetRegime updates max_position_size, max_concurrent and the sizing
// multiplier for the new regime (§4.6).
func (c *Controller) SetRegime(regime core.Regime) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rp, ok := c.regimeParams[regime]
	if !ok {
		c.logger.Warn("unknown regime, ignoring", zap.String("regime", string(regime)))
		return
	}
	c.state.Regime = regime
	c.state.MaxPositionSize = rp.MaxPositionSize
	c.state.MaxConcurrent = rp.MaxConcurrent
	c.state.Version++
	c.logger.Info("regime updated", zap.String("regime", string(regime)))
}

// RegimeMultiplier returns the sizing multiplier for the current regime,
// consumed by the decision engine's sizing formula (§4.3).
func (c *Controller) RegimeMultiplier() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regimeParams[c.state.Regime].Multiplier
}
