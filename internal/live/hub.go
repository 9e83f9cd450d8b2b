package live

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/liquidation-engine/internal/metrics"
	"github.com/atmx/liquidation-engine/internal/model"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// MessageTypeContract carries a full contract snapshot.
const MessageTypeContract = "contract"

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type       string          `json:"type"`
	ContractID string          `json:"contract_id"`
	Contract   *model.Contract `json:"contract,omitempty"`
}

// Hub serves contract snapshots over WebSocket. Each connection subscribes
// to the broker for the contract named in its contractId query parameter
// (all contracts when absent).
type Hub struct {
	broker   *Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]context.CancelFunc
	wg      sync.WaitGroup
}

// NewHub creates a hub fed by broker.
func NewHub(broker *Broker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true // Allow all origins during development.
			},
		},
		clients: make(map[*websocket.Conn]context.CancelFunc),
	}
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	contractID := r.URL.Query().Get("contractId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := h.broker.Subscribe(ctx, contractID)
	if err != nil {
		cancel()
		conn.Close()
		h.logger.Error("ws subscribe failed", "err", err)
		return
	}

	h.register(conn, cancel)
	h.logger.Info("ws client connected", "contract_id", contractID, "total", h.Clients())

	h.wg.Add(2)
	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer h.wg.Done()
		defer h.unregister(conn)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump: the only writer on conn. Pings keep it alive through proxies.
	go func() {
		defer h.wg.Done()
		defer h.unregister(conn)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case c, ok := <-updates:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				msg := Message{Type: MessageTypeContract, ContractID: c.ID, Contract: &c}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		h.unregister(conn)
	}
	h.wg.Wait()
}

func (h *Hub) register(conn *websocket.Conn, cancel context.CancelFunc) {
	h.mu.Lock()
	h.clients[conn] = cancel
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	cancel, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	conn.Close()
	metrics.WebSocketClients.Dec()
}
