package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType tags a push message's payload shape, mirroring the
// teacher's MsgType* constants scoped down to this repo's lifecycle
// signals (spec.md section 6).
type MessageType string

const (
	MsgTypeStatus          MessageType = "status"
	MsgTypeDecision        MessageType = "decision"
	MsgTypeAlertCreated    MessageType = "alert_created"
	MsgTypeRiskWarning     MessageType = "risk_warning"
	MsgTypeRiskBreach      MessageType = "risk_breach"
	MsgTypeRegimeChange    MessageType = "volatility_regime_changed"
	MsgTypeLevelScore      MessageType = "level_score"
	MsgTypePrediction      MessageType = "prediction"
	MsgTypeEmergency       MessageType = "emergency"
	MsgTypeHeartbeat       MessageType = "heartbeat"
	MsgTypeSubscribe       MessageType = "subscribe"
	MsgTypeUnsubscribe     MessageType = "unsubscribe"
)

// WSMessage is a single push message to a subscribed client.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is a single WebSocket connection and its channel subscriptions.
type client struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans lifecycle events out to subscribed WebSocket clients, grounded
// on the teacher's register/unregister/broadcast channel shape.
type Hub struct {
	logger     *zap.Logger
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	channels   map[string]map[*client]bool
	mu         sync.RWMutex
}

// NewHub creates a Hub. Call Run in its own goroutine to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		channels:   make(map[string]map[*client]bool),
	}
}

// Run is the Hub's event loop: register/unregister clients and emit a
// heartbeat every 30 seconds to every connected client.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for channel := range c.subscriptions {
					if peers, ok := h.channels[channel]; ok {
						delete(peers, c)
						if len(peers) == 0 {
							delete(h.channels, channel)
						}
					}
				}
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcastAll(WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().Unix()})
		}
	}
}

func (h *Hub) broadcastAll(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// PublishToChannel pushes an event to every client subscribed to channel.
// This is the entry point's wiring target for every lifecycle signal
// spec.md section 6 names: status changes, decisions, alert creation,
// regime changes, level scores, predictions, risk warnings/breaches.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	msg := WSMessage{Type: msgType, Channel: channel, Data: data, Timestamp: time.Now().Unix()}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to marshal ws message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*client]bool)
	}
	h.channels[channel][c] = true
	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if peers, ok := h.channels[channel]; ok {
		delete(peers, c)
	}
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

type clientRequest struct {
	Type    MessageType `json:"type"`
	Channel string      `json:"channel"`
}

// handleWebSocket upgrades the connection and runs its read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:            r.RemoteAddr,
		conn:          conn,
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]bool),
	}
	s.hub.register <- c

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Type {
		case MsgTypeSubscribe:
			s.hub.subscribe(c, req.Channel)
		case MsgTypeUnsubscribe:
			s.hub.unsubscribe(c, req.Channel)
		}
	}
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
