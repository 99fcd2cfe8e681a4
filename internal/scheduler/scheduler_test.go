package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/capital"
	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/decision"
	"github.com/solweave/ammengine/internal/learning"
	"github.com/solweave/ammengine/internal/position"
	"github.com/solweave/ammengine/internal/price"
	"github.com/solweave/ammengine/internal/regime"
	"github.com/solweave/ammengine/internal/registry"
	"github.com/solweave/ammengine/internal/scheduler"
	"github.com/solweave/ammengine/internal/strategy"
)

// fakeSource emits whatever is pushed onto feed until closed, then closes
// the channel it hands back from Poll.
type fakeSource struct {
	feed chan *core.Candidate
}

func newFakeSource() *fakeSource {
	return &fakeSource{feed: make(chan *core.Candidate, 8)}
}

func (s *fakeSource) Poll(ctx context.Context) (<-chan *core.Candidate, error) {
	return s.feed, nil
}

// fakeExecutor never confirms a swap. With the seeded registry below, the
// test candidates give both volume readings strength -0.1 at confidence
// 0.6: enough active signals for a decision, but a fused score far below
// the buy floor, so every decision is hold and these tests never actually
// reach Buy/Sell.
type fakeExecutor struct{}

func (fakeExecutor) Buy(ctx context.Context, token string, amountBase, maxSlippage decimal.Decimal) (*core.ExecutionReceipt, error) {
	return nil, core.ErrRejected
}

func (fakeExecutor) Sell(ctx context.Context, token string, amountToken, maxSlippage decimal.Decimal) (*core.ExecutionReceipt, error) {
	return nil, core.ErrRejected
}

type fakeJournal struct{}

func (fakeJournal) Append(ctx context.Context, rec core.OutcomeRecord) error { return nil }

// fakeOracle never delivers a tick; no test here opens a position so
// watchPosition is never reached.
type fakeOracle struct{}

func (fakeOracle) Subscribe(ctx context.Context, token string) (<-chan core.Tick, error) {
	return make(chan core.Tick), nil
}
func (fakeOracle) Unsubscribe(token string) {}

func newScheduler(t *testing.T, source core.CandidateSource) (*scheduler.Scheduler, *fakeSource) {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(logger, []core.SignalSubtype{
		{ID: "volume_1h", Category: core.CategoryVolume, Weight: decimal.NewFromFloat(0.5)},
		{ID: "volume_24h", Category: core.CategoryVolume, Weight: decimal.NewFromFloat(0.5)},
	})
	matrix := strategy.New(logger, nil)
	engine := decision.New(logger, matrix)
	cap := capital.New(logger, decimal.NewFromInt(10000), decimal.NewFromInt(2000), capital.DefaultRegimeParams())
	posMgr := position.New(logger, fakeExecutor{}, fakeJournal{}, cap)
	priceSub := price.New(logger, fakeOracle{}, time.Millisecond)
	learner := learning.New(logger, reg, matrix, learning.Config{
		RebalanceEveryN:       1 << 20,
		RebalanceEverySeconds: time.Hour,
		LearningRate:          decimal.NewFromFloat(0.1),
		MinSamplesForSwap:     5,
	})
	regimeDt := regime.New(logger, regime.DefaultConfig())

	fs, _ := source.(*fakeSource)

	s := scheduler.New(logger, source, reg, engine, cap, posMgr, priceSub, learner, regimeDt, nil, scheduler.Config{
		CandidatesPerSecond: 1000,
		Thresholds: scheduler.Thresholds{
			ConfThreshold: decimal.NewFromInt(60),
			BaseSize:      decimal.NewFromFloat(0.01),
			MinSize:       decimal.NewFromFloat(0.005),
			MaxSize:       decimal.NewFromFloat(0.05),
		},
	})
	return s, fs
}

func TestRunReturnsPromptlyOnContextCancel(t *testing.T) {
	s, _ := newScheduler(t, newFakeSource())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunInvokesOnDecisionForEachIntakenCandidate(t *testing.T) {
	s, fs := newScheduler(t, newFakeSource())

	var mu sync.Mutex
	var seen []string
	s.OnDecision = func(d *core.Decision) {
		mu.Lock()
		seen = append(seen, d.Token)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	fs.feed <- &core.Candidate{
		Token: "AAA", RawMetrics: map[string]decimal.Decimal{},
		LiquidityDepth: decimal.NewFromInt(1000), Volume24h: decimal.NewFromInt(900),
	}
	fs.feed <- &core.Candidate{
		Token: "BBB", RawMetrics: map[string]decimal.Decimal{},
		LiquidityDepth: decimal.NewFromInt(1000), Volume24h: decimal.NewFromInt(900),
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 decisions, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRunToleratesAnAlreadyClosedCandidateSource(t *testing.T) {
	fs := newFakeSource()
	close(fs.feed)
	s, _ := newScheduler(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// runCandidateIntake returns immediately once its source channel is
	// closed; the other two driver loops still wait on ctx, so Run only
	// unblocks once we cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
