// Package stream provides live transfer feeds over WebSocket. A client
// connects to its account's feed and receives every committed transfer
// transition the account is party to, instead of polling the document.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tallyd/internal/auth"
	"tallyd/internal/metrics"
	"tallyd/internal/transfer"
)

// EventTransferUpdate labels transfer transition messages.
const EventTransferUpdate = "transfer.update"

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// normalCloseCodes are WebSocket close codes that indicate an expected
// disconnect.
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

// Event is one feed message.
type Event struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Transfer  *transfer.Transfer `json:"transfer"`
}

// Filter narrows a client's feed. The zero value passes everything; a
// client updates it by sending the JSON form down the socket.
type Filter struct {
	States []transfer.State `json:"states"`
}

// Client represents one WebSocket connection bound to an account feed.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	account string
	mu      sync.RWMutex
	filter  Filter
}

// feedItem pairs an event with the accounts whose feeds carry it.
type feedItem struct {
	accounts []string
	event    *Event
}

// Hub manages all WebSocket connections.
type Hub struct {
	logger     *slog.Logger
	baseURI    string
	clients    map[*Client]bool
	broadcast  chan *feedItem
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new feed hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *feedItem, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// WithBaseURI sets the base used to absolutize transfer ids in feed
// messages.
func (h *Hub) WithBaseURI(uri string) *Hub {
	h.baseURI = uri
	return h
}

// RegisterRoutes sets up the feed route. The feed carries the account's
// balance movements, so it demands the account's own authority.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:name/transfers", auth.RequireActFor("name"), h.handleFeed)
}

func (h *Hub) handleFeed(c *gin.Context) {
	h.serveAccount(c.Writer, c.Request, c.Param("name"))
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("transfer feed hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("feed hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("feed hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client connected", "account", client.account, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case item := <-h.broadcast:
			h.totalEvents.Add(1)
			data := serialize(item.event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, item) {
					select {
					case client.send <- data:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// TransferUpdated publishes a committed transfer to the feeds of every
// account party to it. It is the transfer service's event seam and must
// never block a request.
func (h *Hub) TransferUpdated(t *transfer.Transfer) {
	snap := *t
	if h.baseURI != "" {
		snap.ID = h.baseURI + "/transfers/" + t.ID
	}
	item := &feedItem{
		accounts: t.Accounts(),
		event: &Event{
			Type:      EventTransferUpdate,
			Timestamp: time.Now().UTC(),
			Transfer:  &snap,
		},
	}
	select {
	case h.broadcast <- item:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "transferId", t.ID)
	}
}

// shouldSend checks whether the item belongs on the client's feed.
func (h *Hub) shouldSend(client *Client, item *feedItem) bool {
	party := false
	for _, account := range item.accounts {
		if account == client.account {
			party = true
			break
		}
	}
	if !party {
		return false
	}

	client.mu.RLock()
	filter := client.filter
	client.mu.RUnlock()
	if len(filter.States) == 0 {
		return true
	}
	for _, state := range filter.States {
		if state == item.event.Transfer.State {
			return true
		}
	}
	return false
}

func serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// serveAccount upgrades the request onto the account's feed.
func (h *Hub) serveAccount(w http.ResponseWriter, r *http.Request, account string) {
	// Reject upgrades after the hub has stopped to prevent orphaned
	// connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		account: account,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the socket (filter updates, pongs).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var f Filter
		if err := json.Unmarshal(message, &f); err == nil {
			c.mu.Lock()
			c.filter = f
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to the socket and keeps the ping cycle.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
