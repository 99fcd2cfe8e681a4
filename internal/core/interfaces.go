package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a (price, timestamp) sample from a PriceOracle for one token.
type Tick struct {
	Token     string
	Price     decimal.Decimal
	Timestamp time.Time
}

// CandidateSource produces candidate trade inputs. It may be finite or
// infinite; callers do not assume termination (§6).
type CandidateSource interface {
	// Poll starts emitting candidates onto the returned channel until ctx
	// is cancelled or the source is exhausted, at which point the channel
	// is closed.
	Poll(ctx context.Context) (<-chan *Candidate, error)
}

// PriceOracle produces tick events for subscribed tokens (§6).
type PriceOracle interface {
	Subscribe(ctx context.Context, token string) (<-chan Tick, error)
	Unsubscribe(token string)
}

// ExecutionReceipt is the result of a confirmed swap.
type ExecutionReceipt struct {
	TxID           string
	TokensReceived decimal.Decimal
	EffectivePrice decimal.Decimal
	Fees           decimal.Decimal
}

// SwapExecutor performs buy/sell swaps against a DEX aggregator (§6).
// Implementations must never synthesize a placeholder ExecutionReceipt for
// an unconfirmed execution — any non-confirmed path returns an error.
type SwapExecutor interface {
	Buy(ctx context.Context, token string, amountBase, maxSlippage decimal.Decimal) (*ExecutionReceipt, error)
	Sell(ctx context.Context, token string, amountToken, maxSlippage decimal.Decimal) (*ExecutionReceipt, error)
}

// TradeJournal persists outcome records. Append must be idempotent by
// PositionID (§6, §8).
type TradeJournal interface {
	Append(ctx context.Context, rec OutcomeRecord) error
}
