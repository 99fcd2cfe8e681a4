// Package marketdata provides the concrete PriceOracle adapter: a
// websocket tick subscriber keyed by token. Grounded on the teacher's
// blockchain.SolanaClient dial/reconnect/handleMessages loop, generalized
// from Solana slot-subscription notifications to per-token price ticks
// against a generic streaming price feed.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// Config points a WSOracle at a streaming price-feed websocket endpoint.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectBackoff time.Duration
	MaxReconnectWait time.Duration
}

// DefaultConfig mirrors the teacher's 10s handshake timeout.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ReconnectBackoff: time.Second,
		MaxReconnectWait: 30 * time.Second,
	}
}

// WSOracle implements core.PriceOracle over a single websocket connection
// multiplexing per-token subscriptions, reconnecting on drop.
type WSOracle struct {
	logger *zap.Logger
	config Config

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	subscribers map[string][]chan core.Tick
	stopChan    chan struct{}
}

// New constructs a WSOracle. Connect must be called before Subscribe can
// deliver ticks.
func New(logger *zap.Logger, config Config) *WSOracle {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	return &WSOracle{
		logger:      logger.Named("ws-oracle"),
		config:      config,
		subscribers: make(map[string][]chan core.Tick),
		stopChan:    make(chan struct{}),
	}
}

// Connect dials the feed and starts the reconnecting read loop.
func (o *WSOracle) Connect(ctx context.Context) error {
	if err := o.dial(ctx); err != nil {
		return err
	}
	go o.readLoop(ctx)
	return nil
}

func (o *WSOracle) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: o.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, o.config.URL, nil)
	if err != nil {
		return fmt.Errorf("marketdata: dial %s: %w", o.config.URL, err)
	}

	o.mu.Lock()
	o.conn = conn
	o.connected = true
	o.mu.Unlock()

	o.logger.Info("connected", zap.String("url", o.config.URL))
	return nil
}

// Subscribe registers interest in token's ticks, sending a subscription
// frame on first interest. The returned channel is closed on Unsubscribe.
func (o *WSOracle) Subscribe(ctx context.Context, token string) (<-chan core.Tick, error) {
	ch := make(chan core.Tick, 16)

	o.mu.Lock()
	first := len(o.subscribers[token]) == 0
	o.subscribers[token] = append(o.subscribers[token], ch)
	conn := o.conn
	o.mu.Unlock()

	if first && conn != nil {
		msg := map[string]interface{}{
			"method": "subscribe",
			"params": []string{token},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return nil, fmt.Errorf("%w: subscribe %s: %v", core.ErrRPCUnavailable, token, err)
		}
	}

	return ch, nil
}

// Unsubscribe removes all listeners for token and sends the unsubscribe
// frame if the connection is live.
func (o *WSOracle) Unsubscribe(token string) {
	o.mu.Lock()
	chans := o.subscribers[token]
	delete(o.subscribers, token)
	conn := o.conn
	o.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}

	if conn != nil {
		_ = conn.WriteJSON(map[string]interface{}{
			"method": "unsubscribe",
			"params": []string{token},
		})
	}
}

// readLoop reads frames until the connection drops, then reconnects with
// exponential backoff until ctx is cancelled or Close is called.
func (o *WSOracle) readLoop(ctx context.Context) {
	backoff := o.config.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopChan:
			return
		default:
		}

		o.mu.Lock()
		conn := o.conn
		o.mu.Unlock()

		if conn == nil {
			if err := o.dial(ctx); err != nil {
				o.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))
				select {
				case <-ctx.Done():
					return
				case <-o.stopChan:
					return
				case <-time.After(backoff):
				}
				backoff = minDuration(backoff*2, o.config.MaxReconnectWait)
				continue
			}
			backoff = o.config.ReconnectBackoff
			o.resubscribeAll()
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			o.logger.Warn("read error, will reconnect", zap.Error(err))
			o.mu.Lock()
			o.conn = nil
			o.connected = false
			o.mu.Unlock()
			continue
		}

		o.handleMessage(message)
	}
}

func (o *WSOracle) resubscribeAll() {
	o.mu.Lock()
	conn := o.conn
	tokens := make([]string, 0, len(o.subscribers))
	for t := range o.subscribers {
		tokens = append(tokens, t)
	}
	o.mu.Unlock()

	for _, t := range tokens {
		if conn != nil {
			_ = conn.WriteJSON(map[string]interface{}{"method": "subscribe", "params": []string{t}})
		}
	}
}

func (o *WSOracle) handleMessage(message []byte) {
	var frame struct {
		Token     string  `json:"token"`
		Price     string  `json:"price"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		o.logger.Warn("unparseable tick frame", zap.Error(err))
		return
	}

	price, err := decimal.NewFromString(frame.Price)
	if err != nil {
		o.logger.Warn("invalid tick price", zap.String("raw", frame.Price), zap.Error(err))
		return
	}

	tick := core.Tick{
		Token:     frame.Token,
		Price:     price,
		Timestamp: time.Unix(int64(frame.Timestamp), 0),
	}

	o.mu.Lock()
	chans := append([]chan core.Tick(nil), o.subscribers[frame.Token]...)
	o.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- tick:
		default:
		}
	}
}

// Close tears down the connection and stops the reconnect loop.
func (o *WSOracle) Close() error {
	close(o.stopChan)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		return o.conn.Close()
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
