// Package ws broadcasts lifecycle events to WebSocket clients. Every
// connected client receives every wire frame; filtering by collection
// happens client-side. A short per-collection replay buffer lets a
// client that reconnects mid-batch catch up on recent frames.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docflow/docflow/internal/events"
	"github.com/docflow/docflow/internal/metrics"
)

const (
	defaultSendBuffer   = 256
	defaultReplaySize   = 64
	defaultReplayTTL    = 10 * time.Minute
	defaultWriteTimeout = 10 * time.Second
	pingPeriod          = 30 * time.Second
)

// Options tunes hub buffer sizes and timeouts. Zero values take the
// defaults above.
type Options struct {
	SendBufferSize int
	ReplaySize     int
	ReplayTTL      time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

func (o *Options) applyDefaults() {
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBuffer
	}
	if o.ReplaySize <= 0 {
		o.ReplaySize = defaultReplaySize
	}
	if o.ReplayTTL <= 0 {
		o.ReplayTTL = defaultReplayTTL
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

// frame is one encoded wire message plus the routing metadata the hub
// needs for replay bookkeeping.
type frame struct {
	data         []byte
	collectionID string
	at           time.Time
}

// replayRequest is the only inbound message clients send.
type replayRequest struct {
	Type         string `json:"type"`
	CollectionID string `json:"collectionId"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages. The hub drops the client
	// when this fills up rather than blocking the broadcast loop.
	send chan []byte
}

// Hub maintains the set of active clients and broadcasts frames to
// them. It subscribes to the event bus and never blocks the publisher:
// the bus handler enqueues onto the broadcast channel and drops frames
// with a warning if the hub falls behind.
type Hub struct {
	opts Options

	clients map[*Client]bool

	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
	replay     chan replayJob
	done       chan struct{}

	mu     sync.RWMutex
	rings  map[string][]frame
	global []frame

	collector *metrics.Collector
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

type replayJob struct {
	client       *Client
	collectionID string
}

// NewHub creates the hub. collector may be nil.
func NewHub(opts Options, collector *metrics.Collector, logger *slog.Logger) *Hub {
	opts.applyDefaults()
	h := &Hub{
		opts:       opts,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		replay:     make(chan replayJob, 16),
		done:       make(chan struct{}),
		rings:      make(map[string][]frame),
		collector:  collector,
		logger:     logger.With("component", "wshub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// AttachBus subscribes the hub to every published event and forwards
// the wire-visible kinds as encoded frames.
func (h *Hub) AttachBus(bus *events.Bus) {
	bus.SubscribeAll(func(e events.Event) {
		if !events.OnWire(e.Kind()) {
			return
		}
		data, err := events.EncodeFrame(e)
		if err != nil {
			h.logger.Error("encode frame", "kind", e.Kind(), "error", err)
			return
		}
		f := frame{data: data, collectionID: events.CollectionID(e), at: time.Now()}
		select {
		case h.broadcast <- f:
		default:
			h.logger.Warn("broadcast channel full, dropping frame", "kind", e.Kind())
		}
	})
}

// Run is the hub's event loop. It owns the client set and exits when
// Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.setClientGauge()
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.setClientGauge()
			h.mu.Unlock()
		case f := <-h.broadcast:
			h.remember(f)
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- f.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.setClientGauge()
			h.mu.Unlock()
		case job := <-h.replay:
			h.serveReplay(job)
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.setClientGauge()
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) setClientGauge() {
	if h.collector != nil {
		h.collector.SetWSClients(len(h.clients))
	}
}

// remember appends the frame to its collection's replay ring, pruning
// expired entries. Frames without a collection go to the global ring
// and are replayed to everyone.
func (h *Hub) remember(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f.collectionID == "" {
		h.global = pruneAppend(h.global, f, h.opts.ReplaySize, h.opts.ReplayTTL)
		return
	}
	h.rings[f.collectionID] = pruneAppend(h.rings[f.collectionID], f, h.opts.ReplaySize, h.opts.ReplayTTL)
}

func pruneAppend(ring []frame, f frame, size int, ttl time.Duration) []frame {
	cutoff := time.Now().Add(-ttl)
	i := 0
	for i < len(ring) && ring[i].at.Before(cutoff) {
		i++
	}
	ring = append(ring[i:], f)
	if len(ring) > size {
		ring = ring[len(ring)-size:]
	}
	return ring
}

// serveReplay pushes the buffered frames for one collection to a
// single client in original order.
func (h *Hub) serveReplay(job replayJob) {
	h.mu.RLock()
	if !h.clients[job.client] {
		h.mu.RUnlock()
		return
	}
	cutoff := time.Now().Add(-h.opts.ReplayTTL)
	var out [][]byte
	for _, f := range h.global {
		if !f.at.Before(cutoff) {
			out = append(out, f.data)
		}
	}
	for _, f := range h.rings[job.collectionID] {
		if !f.at.Before(cutoff) {
			out = append(out, f.data)
		}
	}
	h.mu.RUnlock()

	for _, data := range out {
		select {
		case job.client.send <- data:
		default:
			h.logger.Warn("client send buffer full during replay", "collection_id", job.collectionID)
			return
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWs upgrades the HTTP request and registers the client.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, h.opts.SendBufferSize)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes inbound messages. The only recognized message is
// REPLAY_REQUEST; everything else is read and discarded to process
// close frames.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket client closed unexpectedly", "error", err)
			}
			return
		}

		var req replayRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "REPLAY_REQUEST" {
			continue
		}
		select {
		case c.hub.replay <- replayJob{client: c, collectionID: req.CollectionID}:
		default:
			c.hub.logger.Warn("replay queue full, ignoring request")
		}
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain whatever else is already queued into this write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
