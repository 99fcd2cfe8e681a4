// Package price implements the PriceSubscriber (spec.md §4.7): it
// subscribes to a PriceOracle, de-duplicates ticks within a configurable
// window, and fans out the freshest tick to interested positions over
// bounded, drop-oldest queues. Narrowed from the teacher's
// general-purpose event_bus.go worker-pool fan-out to this tick-specific
// shape, keeping its buffered-channel drop-oldest back-pressure idiom.
package price

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// queueDepth is the bounded per-position tick queue (§4.7: "exceeds 16
// pending ticks, the oldest are dropped").
const queueDepth = 16

// defaultDedupeWindow is the minimum spacing between ticks forwarded for
// the same token (§4.7 default 5ms).
const defaultDedupeWindow = 5 * time.Millisecond

// Subscriber fans out oracle ticks to interested positions.
type Subscriber struct {
	logger       *zap.Logger
	oracle       core.PriceOracle
	dedupeWindow time.Duration

	mu         sync.Mutex
	lastTick   map[string]core.Tick
	listeners  map[string][]chan core.Tick // token -> position tick queues
	cancelSubs map[string]context.CancelFunc
}

// New constructs a subscriber bound to oracle.
func New(logger *zap.Logger, oracle core.PriceOracle, dedupeWindow time.Duration) *Subscriber {
	if dedupeWindow <= 0 {
		dedupeWindow = defaultDedupeWindow
	}
	return &Subscriber{
		logger:       logger.Named("price-subscriber"),
		oracle:       oracle,
		dedupeWindow: dedupeWindow,
		lastTick:     make(map[string]core.Tick),
		listeners:    make(map[string][]chan core.Tick),
		cancelSubs:   make(map[string]context.CancelFunc),
	}
}

// Listen registers interest in token's ticks and returns a bounded
// channel of freshest ticks. The caller must call the returned cancel
// func when no longer interested (e.g. position closed).
func (s *Subscriber) Listen(ctx context.Context, token string) (<-chan core.Tick, func(), error) {
	s.mu.Lock()
	ch := make(chan core.Tick, queueDepth)
	s.listeners[token] = append(s.listeners[token], ch)
	needsSubscribe := s.cancelSubs[token] == nil
	s.mu.Unlock()

	if needsSubscribe {
		if err := s.subscribeToken(ctx, token); err != nil {
			s.removeListener(token, ch)
			return nil, nil, err
		}
	}

	cancel := func() { s.removeListener(token, ch) }
	return ch, cancel, nil
}

func (s *Subscriber) subscribeToken(ctx context.Context, token string) error {
	subCtx, cancel := context.WithCancel(ctx)
	ticks, err := s.oracle.Subscribe(subCtx, token)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.cancelSubs[token] = cancel
	s.mu.Unlock()

	go s.pump(subCtx, token, ticks)
	return nil
}

// pump reads oracle ticks for one token, de-duplicates, and fans out the
// freshest tick to every interested position's bounded queue.
func (s *Subscriber) pump(ctx context.Context, token string, ticks <-chan core.Tick) {
	defer func() {
		s.mu.Lock()
		delete(s.cancelSubs, token)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			s.handleTick(token, t)
		}
	}
}

func (s *Subscriber) handleTick(token string, t core.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastTick[token]; ok {
		if t.Timestamp.Sub(last.Timestamp) < s.dedupeWindow {
			return
		}
	}
	s.lastTick[token] = t

	for _, ch := range s.listeners[token] {
		select {
		case ch <- t:
		default:
			// Queue full: drop the oldest pending tick and push the
			// freshest, since position evaluations only want the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- t:
			default:
			}
		}
	}
}

func (s *Subscriber) removeListener(token string, target chan core.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans := s.listeners[token]
	for i, ch := range chans {
		if ch == target {
			s.listeners[token] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}

	if len(s.listeners[token]) == 0 {
		if cancel, ok := s.cancelSubs[token]; ok {
			cancel()
		}
		s.oracle.Unsubscribe(token)
		delete(s.lastTick, token)
	}
}

// LastTick returns the most recent tick seen for token, if any.
func (s *Subscriber) LastTick(token string) (core.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastTick[token]
	return t, ok
}
