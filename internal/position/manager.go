// Package position implements the PositionManager (spec.md §4.5): the
// Pending -> Open -> Exiting -> Closed state machine, driven by
// swap-executor results, price ticks, and external close requests. Each
// position is guarded by its own mutex so at most one swap call per
// position is ever in flight, generalizing the teacher's process-wide
// isActive/ExecutorMetrics pattern down to per-position granularity.
package position

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/capital"
	"github.com/solweave/ammengine/internal/core"
)

// Retry parameters for the exit path (§4.5: "N=3 ... base 1s, factor 2,
// jitter +-25%"), grounded on teacher execution.ExecutorConfig's
// RetryAttempts/RetryDelay fields.
const (
	maxExitRetries  = 3
	retryBaseDelay  = 1 * time.Second
	retryFactor     = 2.0
	retryJitterFrac = 0.25
	stuckRetryEvery = 30 * time.Second
)

// entry is one managed position plus its exclusive lock.
type entry struct {
	mu  sync.Mutex
	pos *core.Position

	lastRetryAt time.Time
}

// Manager owns the full set of positions (§4.5 Ownership).
type Manager struct {
	logger   *zap.Logger
	executor core.SwapExecutor
	journal  core.TradeJournal
	capital  *capital.Controller

	// OnOutcome, if set, is invoked after a successful exit with the
	// emitted OutcomeRecord, independent of and after the journal write.
	// The scheduler wires this to the learner's Consume method.
	OnOutcome func(core.OutcomeRecord)

	mu        sync.RWMutex
	positions map[string]*entry
}

// New constructs a PositionManager.
func New(logger *zap.Logger, executor core.SwapExecutor, journal core.TradeJournal, cap *capital.Controller) *Manager {
	return &Manager{
		logger:    logger.Named("position-manager"),
		executor:  executor,
		journal:   journal,
		capital:   cap,
		positions: make(map[string]*entry),
	}
}

// Open begins a new position's entry path (§4.5 Pending). reservation was
// already obtained from the capital controller by the caller; Open
// resolves it (commit on success, release on failure) exactly once.
func (m *Manager) Open(ctx context.Context, d *core.Decision, tmpl *core.StrategyTemplate, sizeBase decimal.Decimal, res *capital.Reservation) (*core.Position, error) {
	pos := &core.Position{
		ID:                 uuid.NewString(),
		Token:              d.Token,
		State:              core.StatePending,
		SizeBase:           sizeBase,
		TakeProfit:         d.TakeProfit,
		StopLoss:           d.StopLoss,
		TrailingActivation: tmpl.TrailingActivation(),
		MaxHoldTime:        tmpl.MaxHoldTime(),
		StrategyRef:        d.StrategyRef,
		ClusterID:          d.ClusterID,
		Readings:           d.Readings,
		EntryTimestamp:     time.Now(),
	}

	e := &entry{pos: pos}
	m.mu.Lock()
	m.positions[pos.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			if relErr := m.capital.Release(res); relErr != nil && !errors.Is(relErr, core.ErrReservationAlreadyResolved) {
				m.logger.Error("release after panicking entry", zap.Error(relErr))
			}
			pos.State = core.StateClosed
			panic(r)
		}
	}()

	receipt, err := m.executor.Buy(ctx, d.Token, sizeBase, decimal.NewFromFloat(0.03))
	if err != nil {
		if relErr := m.capital.Release(res); relErr != nil && !errors.Is(relErr, core.ErrReservationAlreadyResolved) {
			m.logger.Error("release after failed entry", zap.Error(relErr))
		}
		pos.State = core.StateClosed
		m.logger.Warn("entry rejected", zap.String("position", pos.ID), zap.Error(err))
		return pos, fmt.Errorf("entry: %w", err)
	}

	if err := m.capital.Commit(res, sizeBase); err != nil && !errors.Is(err, core.ErrReservationAlreadyResolved) {
		m.logger.Error("commit after successful entry", zap.Error(err))
	}

	pos.State = core.StateOpen
	pos.EntryPrice = receipt.EffectivePrice
	pos.SizeToken = receipt.TokensReceived
	pos.TrailingStop = core.TrailingStop{
		Enabled:       true,
		Percent:       tmpl.TrailingPercent(),
		CurrentLevel:  receipt.EffectivePrice,
		HighWaterMark: receipt.EffectivePrice,
	}
	pos.LastTickTimestamp = time.Now()

	m.logger.Info("position opened", zap.String("position", pos.ID), zap.String("token", pos.Token),
		zap.String("entry_price", pos.EntryPrice.String()))
	return pos, nil
}

// OnTick applies §4.5's price-tick handling to an open position. If an
// exit condition fires, it transitions to Exiting and drives the exit
// path to completion (or to stuck).
func (m *Manager) OnTick(ctx context.Context, positionID string, price decimal.Decimal) error {
	e := m.get(positionID)
	if e == nil {
		return fmt.Errorf("position %s: %w", positionID, core.ErrInvalidState)
	}

	e.mu.Lock()
	pos := e.pos
	if pos.State != core.StateOpen {
		// Exiting/Closed positions still advance high_water_mark per §4.5
		// ("update high_water_mark but do not trigger new exits") but only
		// when still economically meaningful (Exiting).
		if pos.State == core.StateExiting && price.GreaterThan(pos.TrailingStop.HighWaterMark) {
			pos.TrailingStop.HighWaterMark = price
		}
		e.mu.Unlock()
		return nil
	}

	pos.LastTickTimestamp = time.Now()
	if price.GreaterThan(pos.TrailingStop.HighWaterMark) {
		pos.TrailingStop.HighWaterMark = price
	}
	pos.TrailingStop.CurrentLevel = pos.TrailingStop.HighWaterMark.Mul(
		decimal.NewFromInt(1).Sub(pos.TrailingStop.Percent))

	reason, fire := firstExitCondition(pos, price)
	if !fire {
		e.mu.Unlock()
		return nil
	}

	pos.State = core.StateExiting
	e.mu.Unlock()

	return m.driveExit(ctx, e, reason)
}

// firstExitCondition evaluates the fixed-order target/stop/trailing/time
// checks from §4.5. Only the first match fires.
func firstExitCondition(pos *core.Position, price decimal.Decimal) (core.ExitReason, bool) {
	if pos.TakeProfit.IsPositive() && price.GreaterThanOrEqual(pos.TakeProfit) {
		return core.ExitTarget, true
	}
	if pos.StopLoss.IsPositive() && price.LessThanOrEqual(pos.StopLoss) {
		return core.ExitStop, true
	}
	activation := pos.TrailingActivation
	if activation.IsZero() {
		activation = decimal.NewFromFloat(0.05)
	}
	activationLevel := pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(activation))
	if pos.TrailingStop.Enabled &&
		price.LessThanOrEqual(pos.TrailingStop.CurrentLevel) &&
		pos.TrailingStop.HighWaterMark.GreaterThan(activationLevel) {
		return core.ExitTrailing, true
	}
	maxHold := pos.MaxHoldTime
	if maxHold <= 0 {
		maxHold = 24 * time.Hour
	}
	if time.Since(pos.EntryTimestamp) > maxHold {
		return core.ExitTime, true
	}
	return "", false
}

// Close is the external manual-close request (§4.5 Queries: close).
func (m *Manager) Close(ctx context.Context, positionID string) error {
	e := m.get(positionID)
	if e == nil {
		return fmt.Errorf("position %s: %w", positionID, core.ErrInvalidState)
	}

	e.mu.Lock()
	if e.pos.State != core.StateOpen && e.pos.State != core.StateExiting {
		state := e.pos.State
		e.mu.Unlock()
		return fmt.Errorf("position %s in state %s: %w", positionID, state, core.ErrInvalidState)
	}
	wasExiting := e.pos.State == core.StateExiting
	e.pos.State = core.StateExiting
	e.mu.Unlock()

	if wasExiting {
		// A manual close on a stuck position triggers one more attempt
		// (§8 scenario 6), bypassing the 30s cadence gate.
		return m.attemptExit(ctx, e, core.ExitManual)
	}
	return m.driveExit(ctx, e, core.ExitManual)
}

// driveExit runs the sell call and its bounded retry-with-backoff ladder
// (§4.5). After maxExitRetries failures the position remains Exiting and
// is surfaced as stuck; RetryStuck, called from the scheduler's 30s loop,
// makes a further attempt no sooner than stuckRetryEvery after the last.
func (m *Manager) driveExit(ctx context.Context, e *entry, reason core.ExitReason) error {
	var lastErr error
	for attempt := 0; attempt < maxExitRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := m.attemptExit(ctx, e, reason); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	e.mu.Lock()
	e.pos.Stuck = true
	e.pos.ExitAttempts += maxExitRetries
	e.mu.Unlock()
	m.logger.Warn("position stuck after exit retries", zap.String("position", e.pos.ID), zap.Error(lastErr))
	return fmt.Errorf("exit stuck after %d attempts: %w", maxExitRetries, lastErr)
}

// RetryStuck is invoked by the scheduler's 30s cadence for every position
// currently marked stuck.
func (m *Manager) RetryStuck(ctx context.Context, positionID string) error {
	e := m.get(positionID)
	if e == nil {
		return fmt.Errorf("position %s: %w", positionID, core.ErrInvalidState)
	}
	e.mu.Lock()
	if !e.pos.Stuck || time.Since(e.lastRetryAt) < stuckRetryEvery {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return m.attemptExit(ctx, e, core.ExitError)
}

// attemptExit performs a single sell call, holding the position's lock
// across it, and on success finalizes the position and emits an
// OutcomeRecord. A position already closed by another attempt is left as is.
func (m *Manager) attemptExit(ctx context.Context, e *entry, reason core.ExitReason) error {
	e.mu.Lock()
	pos := e.pos
	if pos.State != core.StateExiting {
		e.mu.Unlock()
		return nil
	}
	sizeToken := pos.SizeToken
	entryPrice := pos.EntryPrice
	sizeBase := pos.SizeBase
	e.lastRetryAt = time.Now()
	pos.ExitAttempts++

	receipt, err := m.executor.Sell(ctx, pos.Token, sizeToken, decimal.NewFromFloat(0.03))
	if err != nil {
		e.mu.Unlock()
		return err
	}

	exitBase := receipt.EffectivePrice.Mul(sizeToken).Sub(receipt.Fees)
	realizedPnL := exitBase.Sub(sizeBase)
	roi := decimal.Zero
	if sizeBase.IsPositive() {
		roi = realizedPnL.Div(sizeBase)
	}

	pos.State = core.StateClosed
	pos.RealizedPnLBase = realizedPnL
	pos.Stuck = false
	e.mu.Unlock()

	m.capital.Settle(exitBase, sizeBase)

	rec := core.OutcomeRecord{
		PositionID:   pos.ID,
		ClusterID:    pos.ClusterID,
		StrategyRef:  pos.StrategyRef,
		Readings:     pos.Readings,
		EntryPrice:   entryPrice,
		ExitPrice:    receipt.EffectivePrice,
		PnLBase:      realizedPnL,
		ROI:          roi,
		HoldDuration: time.Since(pos.EntryTimestamp),
		ExitReason:   reason,
		ClosedAt:     time.Now(),
	}
	if err := m.journal.Append(ctx, rec); err != nil {
		m.logger.Error("journal append failed", zap.String("position", pos.ID), zap.Error(err))
	}

	m.logger.Info("position closed", zap.String("position", pos.ID), zap.String("reason", string(reason)),
		zap.String("roi", roi.StringFixed(4)))

	if m.OnOutcome != nil {
		m.OnOutcome(rec)
	}
	return nil
}

// backoffDelay computes base*factor^(attempt-1) with +-25% jitter.
func backoffDelay(attempt int) time.Duration {
	delay := float64(retryBaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= retryFactor
	}
	jitter := 1 + (rand.Float64()*2-1)*retryJitterFrac
	return time.Duration(delay * jitter)
}

// Get returns a snapshot copy of a position.
func (m *Manager) Get(positionID string) (core.Position, bool) {
	e := m.get(positionID)
	if e == nil {
		return core.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.pos, true
}

// ListOpen returns snapshot copies of every position not yet Closed.
func (m *Manager) ListOpen() []core.Position {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.positions))
	for _, e := range m.positions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]core.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.State != core.StateClosed {
			out = append(out, *e.pos)
		}
		e.mu.Unlock()
	}
	return out
}

func (m *Manager) get(positionID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[positionID]
}
