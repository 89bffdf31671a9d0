package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/eventbus"
)

// hub fans engine events out to websocket clients. It subscribes to the bus
// once and broadcasts each event as one JSON text message.
type hub struct {
	bus    *eventbus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(bus *eventbus.Bus, logger *zap.Logger) *hub {
	return &hub{
		bus:     bus,
		logger:  logger.Named("ws"),
		clients: make(map[*wsClient]bool),
	}
}

// run pumps bus events to every connected client until the context ends.
func (h *hub) run(ctx context.Context) {
	events := make(chan eventbus.Event, 64)
	h.bus.Subscribe(eventbus.TypeCycleComplete, events)
	h.bus.Subscribe(eventbus.TypeFileIngested, events)
	h.bus.Subscribe(eventbus.TypeBuildProgress, events)
	h.bus.Subscribe(eventbus.TypeGapDetected, events)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			msg, err := json.Marshal(map[string]any{
				"type": evt.Type,
				"at":   evt.At,
				"data": evt.Data,
			})
			if err != nil {
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleLive upgrades the connection and tails engine events.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	s.hub.register(client)

	go func() {
		defer func() {
			s.hub.unregister(client)
			conn.Close()
		}()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, []byte{})
	}()

	// Drain reads so pings and the close handshake work.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.unregister(client)
}
