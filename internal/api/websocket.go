package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"metapulse/internal/events"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the feed carries only public data
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FeedMessage is one frame on the real-time feed
type FeedMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// wsClient represents a WebSocket client
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// Hub fans feed frames out to every connected websocket client
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	done       chan struct{}

	store  *store.SignalStore
	logger *logging.Logger

	subsMu sync.Mutex
	subs   []*events.Subscription
}

// NewHub creates a hub. st supplies the state sent to new clients and may be nil.
func NewHub(st *store.SignalStore, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 1024),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		store:      st,
		logger:     logger.WithComponent("feed"),
	}
}

// Attach subscribes the hub to store events: signal updates broadcast the
// newest signal, market updates the full snapshot
func (h *Hub) Attach(bus *events.Bus) {
	sigSub := events.Subscribe(bus, store.SignalUpdate, func(e events.Event[[]store.Signal]) {
		if len(e.Payload) == 0 {
			return
		}
		h.Broadcast(store.SignalUpdate.Name(), e.Payload[0])
	})
	mktSub := events.Subscribe(bus, store.MarketUpdate, func(e events.Event[market.Snapshot]) {
		h.Broadcast(store.MarketUpdate.Name(), e.Payload)
	})

	h.subsMu.Lock()
	h.subs = append(h.subs, sigSub, mktSub)
	h.subsMu.Unlock()
}

// Stop detaches the hub from the bus
func (h *Hub) Stop() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
}

// Run services registrations and broadcasts until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow consumer
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a frame for every client. It never blocks the caller.
func (h *Hub) Broadcast(topic string, payload interface{}) {
	data, err := encodeFrame(topic, payload)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to encode feed frame", "topic", topic)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Feed broadcast queue full, dropping frame", "topic", topic)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encodeFrame(topic string, payload interface{}) ([]byte, error) {
	return json.Marshal(FeedMessage{
		Type:      topic,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
}

// greeting returns the frames a new client receives: the newest signal and
// the current snapshot, when there are any
func (h *Hub) greeting() [][]byte {
	if h.store == nil {
		return nil
	}
	var frames [][]byte
	if latest, ok := h.store.Latest(); ok {
		if data, err := encodeFrame(store.SignalUpdate.Name(), latest); err == nil {
			frames = append(frames, data)
		}
	}
	if snap := h.store.Snapshot(); !snap.IsEmpty() {
		if data, err := encodeFrame(store.MarketUpdate.Name(), snap); err == nil {
			frames = append(frames, data)
		}
	}
	return frames
}

// writePump pumps messages from the hub to the websocket connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection until it fails; clients never send data
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Feed client read error", "error", err.Error())
			}
			return
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

// handleWebSocket upgrades the request and joins the client to the feed
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  s.hub,
	}
	for _, frame := range s.hub.greeting() {
		client.send <- frame
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
