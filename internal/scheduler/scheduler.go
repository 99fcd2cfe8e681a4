// Package scheduler composes the engine's driver loops: candidate intake +
// decision, regime reassessment and the 30s stuck-exit retry, plus one
// tick-driving goroutine per opened position. Learning rebalance has no
// loop of its own: it runs from Learner.Consume, so its time trigger is
// only checked when an outcome arrives. It owns no domain state itself,
// only the goroutines and their lifecycle. Grounded on the teacher's
// orchestrator.go composition root and cmd/server/main.go's
// go func(){ ... }() + context.WithCancel wiring. Candidate evaluation
// runs through a bounded worker pool (internal/workers) so a slow
// evaluation never stalls intake of the next candidate behind it.
package scheduler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solweave/ammengine/internal/capital"
	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/decision"
	"github.com/solweave/ammengine/internal/evaluator"
	"github.com/solweave/ammengine/internal/learning"
	"github.com/solweave/ammengine/internal/metrics"
	"github.com/solweave/ammengine/internal/position"
	"github.com/solweave/ammengine/internal/price"
	"github.com/solweave/ammengine/internal/regime"
	"github.com/solweave/ammengine/internal/registry"
	"github.com/solweave/ammengine/internal/workers"
)

// regimeReassessInterval is the default cadence for regime reassessment
// (§4.9 default 300s).
const regimeReassessInterval = 300 * time.Second

// Scheduler composes the engine's component interfaces into its driver
// loops.
type Scheduler struct {
	logger *zap.Logger

	source   core.CandidateSource
	registry *registry.Registry
	engine   *decision.Engine
	capital  *capital.Controller
	posMgr   *position.Manager
	priceSub *price.Subscriber
	learner  *learning.Learner
	regimeDt *regime.Detector
	metrics  *metrics.Collectors

	// OnDecision, OnPositionUpdate and OnRegimeChange, if set, notify an
	// external observer (the dashboard api.Server) of each event without
	// this package importing it directly.
	OnDecision      func(*core.Decision)
	OnPositionUpdate func(core.Position)
	OnRegimeChange  func(core.Regime)

	candidateLimiter *rate.Limiter
	thresholds       Thresholds

	// evalPool parallelizes handleCandidate so one slow evaluation (a
	// real swap call, a journal append) doesn't stall intake of the next
	// candidate behind it. Candidates are still admitted one at a time
	// through candidateLimiter; the pool only decouples their processing.
	evalPool *workers.Pool
}

// Thresholds bundles the decision inputs fixed at construction; a regime
// change does not alter them (the regime's sizing multiplier is read from
// the capital controller for every candidate).
type Thresholds struct {
	ConfThreshold decimal.Decimal
	BaseSize      decimal.Decimal
	MinSize       decimal.Decimal
	MaxSize       decimal.Decimal
}

// Config bundles construction-time parameters.
type Config struct {
	CandidatesPerSecond float64
	Thresholds          Thresholds
}

// New constructs a Scheduler wired to every other component.
func New(
	logger *zap.Logger,
	source core.CandidateSource,
	reg *registry.Registry,
	engine *decision.Engine,
	cap *capital.Controller,
	posMgr *position.Manager,
	priceSub *price.Subscriber,
	learner *learning.Learner,
	regimeDt *regime.Detector,
	mcs *metrics.Collectors,
	cfg Config,
) *Scheduler {
	if cfg.CandidatesPerSecond <= 0 {
		cfg.CandidatesPerSecond = 5
	}
	s := &Scheduler{
		logger:           logger.Named("scheduler"),
		source:           source,
		registry:         reg,
		engine:           engine,
		capital:          cap,
		posMgr:           posMgr,
		priceSub:         priceSub,
		learner:          learner,
		regimeDt:         regimeDt,
		metrics:          mcs,
		candidateLimiter: rate.NewLimiter(rate.Limit(cfg.CandidatesPerSecond), 1),
		thresholds:       cfg.Thresholds,
		evalPool:         workers.NewPool(logger.Named("candidate-eval"), workers.DefaultPoolConfig("candidate-eval")),
	}
	posMgr.OnOutcome = func(rec core.OutcomeRecord) {
		s.regimeDt.RecordOutcome(mustFloat(rec.ROI))
		s.learner.Consume(context.Background(), rec)
		if s.metrics != nil {
			s.metrics.PositionsClosed.WithLabelValues(string(rec.ExitReason)).Inc()
			s.metrics.OpenPositions.Dec()
			s.metrics.FreeCapitalBase.Set(mustFloat(s.capital.Snapshot().FreeBase))
		}
		if s.OnPositionUpdate != nil {
			if pos, ok := s.posMgr.Get(rec.PositionID); ok {
				s.OnPositionUpdate(pos)
			}
		}
	}
	learner.OnRebalance = func(weightDeltas, clusterSwaps int) {
		if s.metrics != nil {
			s.metrics.RebalancesTotal.Inc()
		}
	}
	return s
}

// Run starts the candidate-intake, regime-reassessment and stuck-retry
// loops and blocks until ctx is cancelled, then waits for each loop to
// wind down, combining any shutdown errors.
func (s *Scheduler) Run(ctx context.Context) error {
	s.evalPool.Start()

	errs := make(chan error, 3)

	go func() { errs <- s.runCandidateIntake(ctx) }()
	go func() { errs <- s.runRegimeReassessment(ctx) }()
	go func() { errs <- s.runStuckRetry(ctx) }()

	<-ctx.Done()

	var combined error
	for i := 0; i < 3; i++ {
		combined = multierr.Append(combined, <-errs)
	}

	stats := s.evalPool.Stats()
	s.logger.Info("candidate eval pool drained",
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed),
		zap.Int64("timeout", stats.TasksTimeout),
	)
	combined = multierr.Append(combined, s.evalPool.Stop())
	return combined
}

// runCandidateIntake drives candidate intake & decision: event-driven on
// every arrival, bounded by a per-second rate limit (§4.9).
func (s *Scheduler) runCandidateIntake(ctx context.Context) error {
	candidates, err := s.source.Poll(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-candidates:
			if !ok {
				return nil
			}
			if err := s.candidateLimiter.Wait(ctx); err != nil {
				return nil
			}
			candidate := c
			if err := s.evalPool.SubmitFunc(func() error {
				s.handleCandidate(ctx, candidate)
				return nil
			}); err != nil {
				s.logger.Warn("candidate eval pool saturated, dropping candidate", zap.String("token", candidate.Token), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) handleCandidate(ctx context.Context, c *core.Candidate) {
	snap := s.registry.Snapshot()
	readings := evaluator.Evaluate(c, snap)
	capState := s.capital.Snapshot()

	d, tmpl, err := s.engine.Evaluate(c, readings, snap, snap.Version, capState.Version, false, decision.Thresholds{
		ConfThreshold:    s.thresholds.ConfThreshold,
		RegimeMultiplier: s.capital.RegimeMultiplier(),
		BaseSize:         s.thresholds.BaseSize,
		MinSize:          s.thresholds.MinSize,
		MaxSize:          s.thresholds.MaxSize,
	})
	if err != nil {
		s.logger.Debug("decision skipped", zap.String("token", c.Token), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	}
	if s.OnDecision != nil {
		s.OnDecision(d)
	}

	if d.Action != core.ActionBuy {
		s.logger.Debug("no entry", zap.String("token", c.Token), zap.String("action", string(d.Action)))
		return
	}

	proposedSize := capState.TotalBase.Mul(d.SizeFraction)
	res, err := s.capital.TryReserve(proposedSize)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
		}
		s.logger.Info("reservation rejected", zap.String("token", c.Token), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.ReservationsTotal.WithLabelValues("accepted").Inc()
		s.metrics.FreeCapitalBase.Set(mustFloat(s.capital.Snapshot().FreeBase))
	}

	pos, err := s.posMgr.Open(ctx, d, tmpl, proposedSize, res)
	if err != nil {
		s.logger.Warn("entry failed", zap.String("token", c.Token), zap.Error(err))
		return
	}
	if pos.State != core.StateOpen {
		return
	}
	if s.metrics != nil {
		s.metrics.PositionsOpened.Inc()
		s.metrics.OpenPositions.Inc()
	}

	s.watchPosition(ctx, pos)
}

// watchPosition subscribes to price ticks for an opened position and
// drives the position tick loop (§4.9: "on every tick, event-driven").
func (s *Scheduler) watchPosition(ctx context.Context, pos *core.Position) {
	ticks, cancel, err := s.priceSub.Listen(ctx, pos.Token)
	if err != nil {
		s.logger.Error("price subscription failed", zap.String("position", pos.ID), zap.Error(err))
		return
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-ticks:
				if !ok {
					return
				}
				if err := s.posMgr.OnTick(ctx, pos.ID, t.Price); err != nil {
					s.logger.Error("tick handling failed", zap.String("position", pos.ID), zap.Error(err))
				}
				if cur, ok := s.posMgr.Get(pos.ID); ok && cur.State == core.StateClosed {
					return
				}
			}
		}
	}()
}

// runRegimeReassessment drives the periodic (default 300s) regime
// reassessment loop (§4.9).
func (s *Scheduler) runRegimeReassessment(ctx context.Context) error {
	ticker := time.NewTicker(regimeReassessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if next, changed := s.regimeDt.Reassess(); changed {
				s.capital.SetRegime(next)
				if s.OnRegimeChange != nil {
					s.OnRegimeChange(next)
				}
			}
		}
	}
}

// runStuckRetry drives the 30s cadence retry for stuck exiting positions
// (§4.5).
func (s *Scheduler) runStuckRetry(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, pos := range s.posMgr.ListOpen() {
				if pos.Stuck {
					if err := s.posMgr.RetryStuck(ctx, pos.ID); err != nil {
						s.logger.Debug("stuck retry failed", zap.String("position", pos.ID), zap.Error(err))
					}
				}
			}
		}
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
