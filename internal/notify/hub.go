// Package notify pushes engine events to connected UI clients over
// WebSocket.
package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/uuid"
)

// Event types carried in Envelope.Type.
const (
	EventConnectivityChanged = "connectivity.changed"
	EventReferenceUpdated    = "reference.updated"
	EventSyncCompleted       = "sync.completed"
	EventTransactionQueued   = "transaction.queued"
	EventNotification        = "notification"
	EventPendingCount        = "pending.count"
)

const (
	sendBuffer   = 256
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// PendingCount is the payload of pending.count. The UI keeps the counter
// visible while Visible is true.
type PendingCount struct {
	Count   int  `json:"count"`
	Visible bool `json:"visible"`
}

// PendingCounter reports how many transactions await replay.
type PendingCounter interface {
	PendingCount() int
}

type message struct {
	typ  string
	data []byte
}

// Hub maintains client connections and fans bus events out to them.
type Hub struct {
	bus      *events.Bus
	pending  PendingCounter
	log      *logging.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan message
	register   chan *client
	unregister chan *client
	count      atomic.Int32

	lastPending atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewHub creates a hub for bus. pending may be nil.
func NewHub(bus *events.Bus, pending PendingCounter, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Get()
	}
	h := &Hub{
		bus:        bus,
		pending:    pending,
		log:        log.Component("notify"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.lastPending.Store(-1)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     localOrigin,
	}
	return h
}

// localOrigin only admits pages served from this machine.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	ip := net.ParseIP(u.Hostname())
	return ip != nil && ip.IsLoopback()
}

// Start runs the hub until ctx is done or Close is called.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		ctx, h.cancel = context.WithCancel(ctx)
		subs := h.subscribe()
		h.wg.Add(2)
		go h.run(ctx)
		go h.forward(ctx, subs)
	})
}

// Close disconnects every client and waits for the hub to stop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
		if h.cancel != nil {
			h.cancel()
		}
	})
	h.wg.Wait()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// run owns the client set.
func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.count.Store(0)
			return

		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("Client connected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})
			if b, err := h.encode(EventPendingCount, h.pendingSnapshot()); err == nil {
				c.enqueue(b)
			}

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				c.close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("Client disconnected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})
			}

		case m := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(m.typ) {
					continue
				}
				if !c.enqueue(m.data) {
					// slow consumer
					delete(h.clients, c)
					c.close()
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

type subscriptions struct {
	conn   <-chan events.ConnectivityChanged
	ref    <-chan events.ReferenceDataUpdated
	synced <-chan events.SyncCompleted
	queued <-chan events.TransactionQueued
	notes  <-chan events.Notification
	cancel []func()
}

// subscribe registers on every topic before Start returns.
func (h *Hub) subscribe() *subscriptions {
	s := &subscriptions{}
	var cancel func()
	s.conn, cancel = h.bus.Connectivity.Subscribe(32)
	s.cancel = append(s.cancel, cancel)
	s.ref, cancel = h.bus.ReferenceData.Subscribe(32)
	s.cancel = append(s.cancel, cancel)
	s.synced, cancel = h.bus.SyncCompleted.Subscribe(32)
	s.cancel = append(s.cancel, cancel)
	s.queued, cancel = h.bus.Queued.Subscribe(32)
	s.cancel = append(s.cancel, cancel)
	s.notes, cancel = h.bus.Notifications.Subscribe(32)
	s.cancel = append(s.cancel, cancel)
	return s
}

// forward relays bus topics to clients and keeps the pending counter
// current.
func (h *Hub) forward(ctx context.Context, subs *subscriptions) {
	defer h.wg.Done()
	defer func() {
		for _, cancel := range subs.cancel {
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-subs.conn:
			if !ok {
				return
			}
			h.Broadcast(EventConnectivityChanged, ev)
		case ev, ok := <-subs.ref:
			if !ok {
				return
			}
			h.Broadcast(EventReferenceUpdated, ev)
		case ev, ok := <-subs.synced:
			if !ok {
				return
			}
			h.Broadcast(EventSyncCompleted, ev)
			h.publishPending()
		case ev, ok := <-subs.queued:
			if !ok {
				return
			}
			h.Broadcast(EventTransactionQueued, ev)
			h.publishPending()
		case ev, ok := <-subs.notes:
			if !ok {
				return
			}
			h.Broadcast(EventNotification, ev)
		}
	}
}

func (h *Hub) pendingSnapshot() PendingCount {
	if h.pending == nil {
		return PendingCount{}
	}
	n := h.pending.PendingCount()
	return PendingCount{Count: n, Visible: n > 0}
}

// publishPending broadcasts the pending count when it changed.
func (h *Hub) publishPending() {
	snap := h.pendingSnapshot()
	if h.lastPending.Swap(int64(snap.Count)) == int64(snap.Count) {
		return
	}
	h.Broadcast(EventPendingCount, snap)
}

func (h *Hub) encode(typ string, data interface{}) ([]byte, error) {
	b, err := json.Marshal(Envelope{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		h.log.Error("Failed to marshal message", err, map[string]interface{}{"type": typ})
	}
	return b, err
}

// Broadcast sends a message to all clients subscribed to typ.
func (h *Hub) Broadcast(typ string, data interface{}) {
	b, err := h.encode(typ, data)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{typ: typ, data: b}:
	case <-h.done:
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
// The hub must have been started.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error(), "remote": r.RemoteAddr})
		return
	}
	c := &client{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	h.wg.Add(2)
	select {
	case h.register <- c:
	case <-h.done:
		h.wg.Add(-2)
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
