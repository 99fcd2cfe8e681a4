// Package candidate provides the concrete CandidateSource adapter:
// PolledSource, which wraps a pluggable fetch function on a ticker and
// rate-limits emission. Grounded on the teacher's cmd/server/main.go
// ticker-driven market-data polling loop.
package candidate

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solweave/ammengine/internal/core"
)

// FetchFunc returns the candidates observed in one poll cycle.
type FetchFunc func(ctx context.Context) ([]*core.Candidate, error)

// Config tunes PolledSource's cadence and intake rate.
type Config struct {
	PollInterval        time.Duration
	CandidatesPerSecond float64
	BurstSize           int
}

// DefaultConfig polls every 5s and rate-limits to 5/s (§4.9 default).
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		CandidatesPerSecond: 5,
		BurstSize:           1,
	}
}

// PolledSource implements core.CandidateSource by calling fetch on a
// fixed interval and rate-limiting the emitted candidates.
type PolledSource struct {
	logger  *zap.Logger
	fetch   FetchFunc
	config  Config
	limiter *rate.Limiter
}

// New constructs a PolledSource wrapping fetch.
func New(logger *zap.Logger, fetch FetchFunc, config Config) *PolledSource {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.CandidatesPerSecond <= 0 {
		config.CandidatesPerSecond = 5
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	return &PolledSource{
		logger:  logger.Named("polled-source"),
		fetch:   fetch,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.CandidatesPerSecond), config.BurstSize),
	}
}

// Poll starts a goroutine that fetches on every tick and emits candidates
// one at a time, rate-limited, until ctx is cancelled.
func (p *PolledSource) Poll(ctx context.Context) (<-chan *core.Candidate, error) {
	out := make(chan *core.Candidate)

	go func() {
		defer close(out)
		ticker := time.NewTicker(p.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				candidates, err := p.fetch(ctx)
				if err != nil {
					p.logger.Warn("fetch failed", zap.Error(err))
					continue
				}
				for _, c := range candidates {
					if err := p.limiter.Wait(ctx); err != nil {
						return
					}
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}
