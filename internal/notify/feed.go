package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nutripay/escrowsync/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxFeedClients is the maximum number of concurrent feed connections.
const MaxFeedClients = 2000

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 50 * time.Second
)

// feedClient is one public-feed WebSocket connection.
type feedClient struct {
	hub  *FeedHub
	conn *websocket.Conn
	send chan []byte
}

// FeedHub broadcasts the public notification feed over WebSockets.
// The feed already carries masked payloads only, so every client sees the
// same stream; there is no per-client filtering.
type FeedHub struct {
	clients    map[*feedClient]bool
	broadcast  chan *Notification
	register   chan *feedClient
	unregister chan *feedClient
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
}

// NewFeedHub creates a public feed hub.
func NewFeedHub(logger *slog.Logger) *FeedHub {
	return &FeedHub{
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan *Notification, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It exits when ctx is cancelled.
func (h *FeedHub) Run(ctx context.Context) {
	h.logger.Info("public feed hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			metrics.ActiveWebSocketClients.Set(0)
			h.mu.Unlock()
			h.logger.Info("public feed hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.mu.Unlock()
			h.logger.Debug("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			}
			h.mu.Unlock()

		case n := <-h.broadcast:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var slow []*feedClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues a notification for all connected clients. Drops when the
// buffer is full rather than blocking the caller.
func (h *FeedHub) Broadcast(n *Notification) {
	select {
	case <-h.done:
	default:
		select {
		case h.broadcast <- n:
		default:
			h.logger.Warn("feed broadcast buffer full, dropping notification", "escrow_id", n.EscrowID)
		}
	}
}

// ServeWS upgrades an HTTP request to a feed connection.
func (h *FeedHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= MaxFeedClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "error", err)
		return
	}

	client := &feedClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		// The feed is one-way; incoming frames only keep the connection alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("feed read error", "error", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Compile-time assertion that FeedHub implements Feed.
var _ Feed = (*FeedHub)(nil)
