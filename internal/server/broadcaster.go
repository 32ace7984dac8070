package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tether/internal/async"
	"tether/internal/logging"
	"tether/internal/session"
)

const (
	// maxHistory bounds the replay backlog handed to late-joining clients.
	maxHistory = 256

	// clientQueueSize is the per-connection send buffer. A client that
	// cannot drain it fast enough is dropped rather than stalling emission.
	clientQueueSize = 64

	writeWait = 10 * time.Second
)

// Envelope is the wire frame carried over the websocket. Exactly one of
// Status and Output is set, matching the two event shapes the engine emits.
type Envelope struct {
	Kind   string               `json:"kind"` // "status" or "output"
	Status *session.StatusEvent `json:"status,omitempty"`
	Output *session.OutputEvent `json:"output,omitempty"`
	Time   time.Time            `json:"time"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Envelope
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Broadcaster fans session events out to websocket clients. It implements
// session.EventSink; emission never blocks on a slow client, and a bounded
// history lets clients joining mid-session catch up.
type Broadcaster struct {
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	history []Envelope
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(logger logging.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Status implements session.EventSink.
func (b *Broadcaster) Status(event session.StatusEvent) {
	b.broadcast(Envelope{Kind: "status", Status: &event, Time: time.Now().UTC()})
}

// Output implements session.EventSink.
func (b *Broadcaster) Output(event session.OutputEvent) {
	b.broadcast(Envelope{Kind: "output", Output: &event, Time: time.Now().UTC()})
}

func (b *Broadcaster) broadcast(env Envelope) {
	b.mu.Lock()
	b.history = append(b.history, env)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}

	var dropped []*wsClient
	for c := range b.clients {
		select {
		case c.send <- env:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(b.clients, c)
	}
	b.mu.Unlock()

	for _, c := range dropped {
		b.logger.Warn("dropping slow websocket client")
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// History returns a copy of the replay backlog.
func (b *Broadcaster) History() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.history...)
}

// ServeWS upgrades the request and streams events. The replay backlog is
// delivered first, in order, before any live event.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan Envelope, clientQueueSize)}

	// Queue the backlog and register atomically so no event is lost or
	// reordered between replay and live delivery.
	b.mu.Lock()
	replay := append([]Envelope(nil), b.history...)
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	async.Go(b.logger, "ws.write", func() {
		b.writeLoop(c, replay)
	})
	async.Go(b.logger, "ws.read", func() {
		b.readLoop(c)
	})
}

func (b *Broadcaster) writeLoop(c *wsClient, replay []Envelope) {
	defer func() {
		b.remove(c)
		_ = c.conn.Close()
	}()

	for _, env := range replay {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}

	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// readLoop discards inbound frames; the socket is one-way. It exists to
// notice the peer closing.
func (b *Broadcaster) readLoop(c *wsClient) {
	defer func() {
		b.remove(c)
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	_, present := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	if present {
		c.close()
	}
}
