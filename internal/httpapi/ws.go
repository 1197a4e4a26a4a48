package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentineledge/node/internal/bus"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope pushed over /ws/events. Unlike the teacher's
// Hub, this feed has a single subject set and no per-camera subscription
// filtering, so every connected client gets every message.
type wsMessage struct {
	Type string          `json:"type"`
	TS   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans out event-lifecycle notifications from the bus to connected
// websocket clients. Trimmed from the teacher's Hub/Client pattern: no
// subscription filtering, no doorbell/audio message types, since this
// node has exactly one feed to push.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients: make(map[*wsClient]bool),
		logger:  logger.With("component", "ws-hub"),
	}
}

func (h *hub) broadcast(msgType string, data []byte) {
	msg := wsMessage{Type: msgType, TS: time.Now(), Data: data}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal ws message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("client send buffer full, dropping message")
		}
	}
}

// attachBus subscribes the hub to every event-lifecycle subject so
// connected dashboards see state changes without polling /events.
func (s *Server) attachBus(b Subscriber) {
	for _, subject := range []string{
		bus.SubjectEventStarted,
		bus.SubjectEventFinalized,
		bus.SubjectPackageDone,
		bus.SubjectPackageNeedsCloud,
	} {
		subject := subject
		if err := b.Subscribe(subject, func(data []byte) {
			s.hub.broadcast(subject, data)
		}); err != nil {
			s.logger.Warn("failed to subscribe ws hub to subject", "subject", subject, "error", err)
		}
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *hub) readPump(c *wsClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	_ = c.conn.Close()
}
