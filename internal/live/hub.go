// Package live pushes meetup and chat changes to connected websocket
// clients, keyed by user id.
package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"Nexlify/internal/events"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Frame is what clients receive.
type Frame struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event"`
	Meetup  *events.MeetupSnapshot `json:"meetup,omitempty"`
	Message *events.MessageEvent   `json:"message,omitempty"`
	At      time.Time              `json:"at"`
}

type client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

type Hub struct {
	upgrader websocket.Upgrader
	buffer   int

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates a hub. An empty origins list accepts any origin.
func NewHub(buffer int, origins []string) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[o] = true
	}
	return &Hub{
		buffer:  buffer,
		clients: map[string]map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// ServeWS upgrades the request and attaches the connection to userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live upgrade failed: %v", err)
		return
	}
	c := &client{hub: h, userID: userID, conn: conn, send: make(chan []byte, h.buffer)}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) PublishMeetup(_ context.Context, ev events.MeetupEvent) error {
	snap := ev.Meetup
	b, err := json.Marshal(Frame{Type: "meetup", Event: ev.Key, Meetup: &snap, At: ev.OccurredAt})
	if err != nil {
		return err
	}
	h.deliver(b, snap.BuyerID, snap.SellerID)
	return nil
}

func (h *Hub) PublishMessage(_ context.Context, ev events.MessageEvent) error {
	b, err := json.Marshal(Frame{Type: "message", Event: events.RKMessageCreated, Message: &ev, At: ev.OccurredAt})
	if err != nil {
		return err
	}
	h.deliver(b, ev.SenderID, ev.RecipientID)
	return nil
}

// Connections reports how many sockets userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = map[string]map[*client]struct{}{}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func (h *Hub) deliver(b []byte, userIDs ...string) {
	seen := map[string]bool{}
	var slow []*client

	h.mu.RLock()
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		for c := range h.clients[id] {
			select {
			case c.send <- b:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("live client for %s too slow, dropping", c.userID)
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = map[*client]struct{}{}
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
