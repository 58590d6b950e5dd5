// Package spectate implements the optional live spectator feed described
// in SPEC_FULL §2 item 11: a websocket broadcast of log-sink lines for
// operators watching the server without opening a second line-protocol
// connection. Adapted from the teacher's register/unregister/broadcast
// client-pool pattern (cmd/server/main.go), generalized from game-room
// chat fan-out to log-line fan-out.
package spectate

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out log lines to every connected spectator. The zero value is
// not usable; construct with NewHub.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan string

	mu        sync.RWMutex
	observers map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan string
}

// NewHub starts the hub's fan-out goroutine and returns a ready Hub.
func NewHub() *Hub {
	h := &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan string, 256),
		observers:  make(map[*client]bool),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.observers[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.observers[c]; ok {
				delete(h.observers, c)
				close(c.send)
			}
			h.mu.Unlock()
		case line := <-h.broadcast:
			h.mu.RLock()
			for c := range h.observers {
				select {
				case c.send <- line:
				default:
					// Slow observer: drop the line rather than block the
					// broadcaster, which would stall every other
					// observer and, transitively, log-sink callers.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast implements logsink.Spectator.
func (h *Hub) Broadcast(line string) {
	select {
	case h.broadcast <- line:
	default:
	}
}

// ServeHTTP upgrades the connection to a websocket and streams broadcast
// lines to it until it disconnects. Spectators are read-only: any
// message they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("spectate: upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan string, 64)}
	h.register <- c

	go c.drainInbound(h)
	c.writePump()
}

func (c *client) drainInbound(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
