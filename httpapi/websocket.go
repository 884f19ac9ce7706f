package httpapi

// Scoped WebSocket event stream (/ws/org?token=...). Grounded on the
// teacher's connection_pool.go client-registry pattern (a mutex-guarded set
// of live connections, a broadcast channel fanned out to each), adapted from
// TCP connections to gorilla/websocket clients.

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event is one message pushed to subscribed WebSocket clients.
type Event struct {
	Kind    string      `json:"kind"`
	JobCID  string      `json:"job_cid,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn  *websocket.Conn
	token string
	send  chan Event
}

// Hub fans out every Event to every connected client. Each client's token is
// recorded when it connects but is not used to filter events: a client with
// a non-empty token receives the same stream as one without.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]bool
	register chan *client
	unregister chan *client
	events   chan Event
}

// NewHub constructs an idle Hub; call Run to start its dispatch loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, 256),
	}
}

// Run dispatches registrations and events until the process exits; intended
// to run in its own goroutine for the Server's lifetime.
func (h *Hub) Run() {
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
			}
			h.mu.Unlock()
		case ev := <-h.events:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					// slow consumer: drop rather than block the hub
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast enqueues ev for delivery to every connected client.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.events <- ev:
	default:
		logrus.Warn("httpapi: event hub backlog full, dropping event")
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("httpapi: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, token: token, send: make(chan Event, 32)}
	s.hub.register <- c

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
