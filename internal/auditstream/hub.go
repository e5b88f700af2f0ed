// Package auditstream is a websocket live-tail of the Audit Log (4.J) for
// admin dashboards, adapted from the original terminal-output hub: the
// same register/unregister/broadcast event loop and per-client
// subscription model, now fanning out audit.Record events instead of tmux
// pane output.
package auditstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/songying/claude-tgbot/internal/audit"
)

const defaultBatchInterval = 150 * time.Millisecond

type Hub struct {
	clients      map[string]*Client
	register     chan *Client
	unregister   chan *Client
	broadcast    chan hubBroadcast
	token        string
	mu           sync.RWMutex
	running      atomic.Bool
	log          *slog.Logger
	rateLimiter  *RateLimiter
	batchEnabled bool
}

func New(token string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan hubBroadcast, 256),
		token:        token,
		batchEnabled: true,
		log:          log.With("component", "auditstream"),
	}
	h.rateLimiter = NewRateLimiter(defaultBatchInterval, h.sendBatch)
	return h
}

// SetBatchEnabled toggles per-user coalescing; tests that need to observe
// one broadcast per Append call disable it.
func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled = enabled
}

// Run drives the hub's event loop until ctx is cancelled. Call it once in
// its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			go c.writePump(ctx)
			go c.readPump(ctx)
			h.log.Info("admin client connected", "client_id", c.id, "total", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Info("admin client disconnected", "client_id", c.id, "total", h.ClientCount())

		case b := <-h.broadcast:
			h.broadcastToClients(b)
		}
	}
}

func (h *Hub) broadcastToClients(b hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsUser(b.userID) {
			continue
		}
		select {
		case c.send <- b.data:
		default:
			h.log.Warn("admin client send buffer full, dropping message", "client_id", c.id)
		}
	}
}

// HandleWebSocket upgrades the request after checking the token query
// parameter against the hub's shared admin token.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept error", "err", err)
		return
	}

	client := newClient(conn, h)
	select {
	case h.register <- client:
	default:
		h.log.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// BroadcastRecord fans out one audit record to every subscribed client.
// The dispatcher calls this alongside audit.Log.Append so admin dashboards
// see commands in real
// time without polling Recent. Bursts from the same user within the
// batch interval are coalesced into a single message.
func (h *Hub) BroadcastRecord(r audit.Record) {
	if h.batchEnabled && h.rateLimiter != nil {
		h.rateLimiter.Add(r)
		return
	}
	h.sendBatch(r.UserID, []audit.Record{r})
}

func (h *Hub) sendBatch(userID string, records []audit.Record) {
	if len(records) == 0 {
		return
	}
	commands := make([]string, 0, len(records))
	for _, r := range records {
		commands = append(commands, r.Command)
	}
	last := records[len(records)-1]
	msg := RecordMessage{
		Type:    "record",
		UserID:  userID,
		TabID:   last.TabID,
		Command: strings.Join(commands, "\n"),
		Outcome: last.Outcome,
		Ts:      last.Timestamp.Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("error marshaling record message", "err", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, userID: userID}:
	default:
		h.log.Warn("broadcast channel full, dropping record")
	}
}

func (h *Hub) SendError(c *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: "error", Message: message})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.log.Warn("unregister channel full, forcing close", "client_id", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
