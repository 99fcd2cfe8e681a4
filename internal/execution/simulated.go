package execution

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// SimulatedConfig tunes the paper-trading executor. Grounded on the
// teacher's ExecutorConfig.PaperTrading branch, generalized from a fixed
// zero-slippage fill into a configurable slippage/fee/latency model so
// paper runs exercise the same retry and error paths as the real one.
type SimulatedConfig struct {
	FeeRate        decimal.Decimal // charged on both legs
	SlippageStddev decimal.Decimal // fraction of price, applied as noise
	FillLatency    time.Duration
}

// DefaultSimulatedConfig mirrors the teacher's DefaultExecutorConfig
// paper-trading defaults.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		FeeRate:        decimal.NewFromFloat(0.003),
		SlippageStddev: decimal.NewFromFloat(0.002),
		FillLatency:    50 * time.Millisecond,
	}
}

// SimulatedExecutor fills swaps against a PriceOracle's last known tick
// instead of a real DEX aggregator. It never synthesizes a receipt for a
// swap it cannot price: if the oracle has no tick for the token, Buy/Sell
// return an error rather than fabricating a fill.
type SimulatedExecutor struct {
	logger *zap.Logger
	prices priceLookup
	config SimulatedConfig
}

// priceLookup is the minimal read surface SimulatedExecutor needs from a
// price source; price.Subscriber satisfies it.
type priceLookup interface {
	LastTick(token string) (core.Tick, bool)
}

// NewSimulatedExecutor constructs a paper-trading SwapExecutor.
func NewSimulatedExecutor(logger *zap.Logger, prices priceLookup, config SimulatedConfig) *SimulatedExecutor {
	return &SimulatedExecutor{
		logger: logger.Named("simulated-executor"),
		prices: prices,
		config: config,
	}
}

// Buy simulates a market buy of amountBase against the last observed tick.
func (s *SimulatedExecutor) Buy(ctx context.Context, token string, amountBase, maxSlippage decimal.Decimal) (*core.ExecutionReceipt, error) {
	return s.fill(ctx, token, amountBase, maxSlippage, true)
}

// Sell simulates a market sell of amountToken against the last observed tick.
func (s *SimulatedExecutor) Sell(ctx context.Context, token string, amountToken, maxSlippage decimal.Decimal) (*core.ExecutionReceipt, error) {
	return s.fill(ctx, token, amountToken, maxSlippage, false)
}

func (s *SimulatedExecutor) fill(ctx context.Context, token string, amount, maxSlippage decimal.Decimal, isBuy bool) (*core.ExecutionReceipt, error) {
	tick, ok := s.prices.LastTick(token)
	if !ok {
		return nil, core.ErrRPCUnavailable
	}

	select {
	case <-ctx.Done():
		return nil, core.ErrCancelled
	case <-time.After(s.config.FillLatency):
	}

	noise := decimal.NewFromFloat(rand.NormFloat64()).Mul(s.config.SlippageStddev)
	effective := tick.Price.Mul(decimal.NewFromInt(1).Add(noise))
	slippage := effective.Sub(tick.Price).Abs().Div(tick.Price)
	if slippage.GreaterThan(maxSlippage) {
		return nil, core.ErrInsufficientLiquidity
	}

	fees := amount.Mul(s.config.FeeRate)
	var received decimal.Decimal
	if isBuy {
		received = amount.Sub(fees).Div(effective)
	} else {
		received = amount.Mul(effective).Sub(fees)
	}

	s.logger.Debug("simulated fill",
		zap.String("token", token),
		zap.Bool("buy", isBuy),
		zap.String("effective_price", effective.String()))

	return &core.ExecutionReceipt{
		TxID:           "sim-" + uuid.NewString(),
		TokensReceived: received,
		EffectivePrice: effective,
		Fees:           fees,
	}, nil
}
