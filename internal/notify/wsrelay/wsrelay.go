// Package wsrelay fans a notify.Sink's event stream out to WebSocket
// clients — the concrete stand-in for "a front-end shell (not specified
// here)" that subscribes to the notification channel of spec §6.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vrcjournal/vrcjournal/internal/notify"
)

// errTooManyConnections is returned when a client connects once maxConns
// is already reached.
var errTooManyConnections = errors.New("too many WebSocket connections")

// message is the wire envelope sent to every client: a tag naming the
// notify.Event variant, and its fields verbatim.
type message struct {
	Seq     uint64      `json:"seq"`
	Type    string      `json:"type"`
	Payload notify.Event `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 64)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() { close(c.send) }

// Relay registers WebSocket clients and forwards a notify.Sink's events to
// all of them, throttling bursts so a flood of events coalesces into one
// flush per throttle window.
type Relay struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	throttle time.Duration

	pendingMu sync.Mutex
	pending   []notify.Event
	flushT    *time.Timer

	seq atomic.Uint64
}

// NewRelay constructs a Relay. maxConns of 0 means unlimited.
func NewRelay(throttle time.Duration, maxConns int) *Relay {
	return &Relay{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		throttle: throttle,
	}
}

// Handler returns an http.HandlerFunc that upgrades the request to a
// WebSocket connection and registers it as a relay client.
func (r *Relay) Handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("wsrelay: upgrade error: %v", err)
			return
		}

		c, err := r.addClient(conn)
		if err != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			conn.Close()
			return
		}

		go func() {
			defer r.removeClient(c)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func (r *Relay) addClient(conn *websocket.Conn) (*client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxConns > 0 && len(r.clients) >= r.maxConns {
		return nil, errTooManyConnections
	}
	c := newClient(conn)
	r.clients[c] = true
	return c, nil
}

func (r *Relay) removeClient(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		c.close()
	}
}

// Run drains sink and forwards every event until ctx is canceled.
func (r *Relay) Run(ctx context.Context, sink *notify.Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink.Events():
			r.queue(ev)
		}
	}
}

func (r *Relay) queue(ev notify.Event) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	r.pending = append(r.pending, ev)
	if r.flushT == nil {
		r.flushT = time.AfterFunc(r.throttle, r.flush)
	}
}

func (r *Relay) flush() {
	r.pendingMu.Lock()
	pending := r.pending
	r.pending = nil
	r.flushT = nil
	r.pendingMu.Unlock()

	for _, ev := range pending {
		r.broadcast(ev)
	}
}

func (r *Relay) broadcast(ev notify.Event) {
	msg := message{
		Seq:     r.seq.Add(1),
		Type:    typeTag(ev),
		Payload: ev,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("wsrelay: marshal error: %v", err)
		return
	}

	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("wsrelay: client too slow, disconnecting")
			r.removeClient(c)
		}
	}
}

// ClientCount reports the number of currently connected WebSocket clients.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func typeTag(ev notify.Event) string {
	switch ev.(type) {
	case notify.UserAuthenticated:
		return "user_authenticated"
	case notify.InstanceCreated:
		return "instance_created"
	case notify.InstanceEnded:
		return "instance_ended"
	case notify.UserJoined:
		return "user_joined"
	case notify.UserLeft:
		return "user_left"
	case notify.AvatarChanged:
		return "avatar_changed"
	case notify.ScreenshotTaken:
		return "screenshot_taken"
	case notify.WorldNameUpdated:
		return "world_name_updated"
	case notify.InstanceSyncFailed:
		return "instance_sync_failed"
	case notify.Ready:
		return "ready"
	default:
		return "unknown"
	}
}
