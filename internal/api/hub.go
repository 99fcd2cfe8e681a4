// Package api provides the dashboard control/query surface: status,
// recent decisions, positions, and a regime override, over HTTP, plus a
// websocket broadcast hub for push updates on position/decision events.
// Grounded on the teacher's api/websocket.go Hub/Client channel-register
// pattern, narrowed from its order/trade/signal/pnl message-type set to
// the events this engine actually emits.
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType names the kinds of push events the hub broadcasts.
type EventType string

const (
	EventDecision EventType = "decision"
	EventPosition EventType = "position_update"
	EventRegime   EventType = "regime_change"
)

// Event is a push message broadcast to every connected client.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// client is one websocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast events out to every connected client, matching the
// teacher's register/unregister/broadcast channel triad.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws-hub"),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("client send buffer full, dropping", zap.String("client", c.id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish broadcasts ev to every connected client.
func (h *Hub) Publish(evType EventType, data interface{}) {
	ev := Event{Type: evType, Data: data, Timestamp: time.Now().UnixMilli()}
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event marshal failed", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("broadcast channel full, dropping event", zap.String("type", string(evType)))
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
