// Package api provides the operational HTTP surface: agent and trader
// status, lifecycle control, Prometheus metrics and a WebSocket hub for
// live decision events. A training_progress message type is defined, but
// no training progress is broadcast on the hub.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	MsgTypeDecision         MessageType = "decision"
	MsgTypeTrainingProgress MessageType = "training_progress"
	MsgTypeTraderStatus     MessageType = "trader_status"
	MsgTypeHeartbeat        MessageType = "heartbeat"
)

// WSMessage is one hub message.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast messages out to all connected clients.
type Hub struct {
	logger     *zap.Logger
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewHub creates the hub; call Run in its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws-hub"),
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run drives registration and broadcasting until the process exits.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.Broadcast(MsgTypeHeartbeat, nil)
		}
	}
}

// Broadcast sends a typed message to every client. Messages are dropped
// when the hub buffer is full.
func (h *Hub) Broadcast(msgType MessageType, data any) {
	encoded, err := json.Marshal(WSMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Warn("Failed to encode broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- encoded:
	default:
		h.logger.Warn("Broadcast buffer full, dropping message",
			zap.String("type", string(msgType)))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request into a hub client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register <- client

	go client.writeLoop()
	go client.readLoop(h)
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// readLoop drains incoming frames so pings work and disconnects are seen.
func (c *wsClient) readLoop(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
