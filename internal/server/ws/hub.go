// Package ws is the realtime broadcast manager: it keeps the registry of
// live connections, indexed by bettor address, and fans out exchange
// events to them.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
)

const (
	// mirrorChannel and mirrorStream receive a copy of every broadcast when
	// a EventBus is configured.
	mirrorChannel = "ch:events"
	mirrorStream  = "stream:events"

	mirrorBufferSize = 1024
)

// ErrConnClosed is returned by Conn.Send once the connection is closed.
var ErrConnClosed = errors.New("ws: connection closed")

// Conn is a live transport handle.
type Conn interface {
	// Send queues one message without blocking.
	Send(data []byte) error
	// Open reports whether the transport can still take messages.
	Open() bool
	Close() error
}

// Hub tracks registered connections. Fan-out snapshots the registry under a
// read lock, so broadcasting never blocks new registrations for long.
type Hub struct {
	mu     sync.RWMutex
	conns  map[Conn]string
	byAddr map[string]map[Conn]struct{}

	bus     domain.EventBus
	mirror  chan []byte
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHub creates an empty Hub. bus may be nil; when set, every broadcast is
// mirrored to it in order by Run.
func NewHub(bus domain.EventBus, m *metrics.Metrics, logger *slog.Logger) *Hub {
	h := &Hub{
		conns:   make(map[Conn]string),
		byAddr:  make(map[string]map[Conn]struct{}),
		bus:     bus,
		metrics: m,
		logger:  logger.With(slog.String("component", "ws")),
	}
	if bus != nil {
		h.mirror = make(chan []byte, mirrorBufferSize)
	}
	return h
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Register adds c under an optional bettor address. Registering an existing
// handle again moves it to the new address.
func (h *Hub) Register(c Conn, address string) {
	address = normalize(address)

	h.mu.Lock()
	h.removeLocked(c)
	h.conns[c] = address
	if address != "" {
		set, ok := h.byAddr[address]
		if !ok {
			set = make(map[Conn]struct{})
			h.byAddr[address] = set
		}
		set[c] = struct{}{}
	}
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("ws: client connected",
		slog.String("address", address),
		slog.Int("total_clients", total),
	)
	h.metrics.SetConnections(total)
	h.Broadcast(domain.NewConnectionCount(total))
}

// Unregister removes c from both indexes. Unknown handles are ignored.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	_, known := h.conns[c]
	h.removeLocked(c)
	total := len(h.conns)
	h.mu.Unlock()

	if !known {
		return
	}
	h.logger.Info("ws: client disconnected", slog.Int("total_clients", total))
	h.metrics.SetConnections(total)
	h.Broadcast(domain.NewConnectionCount(total))
}

func (h *Hub) removeLocked(c Conn) {
	address, ok := h.conns[c]
	if !ok {
		return
	}
	delete(h.conns, c)
	if set, ok := h.byAddr[address]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byAddr, address)
		}
	}
}

// Broadcast sends ev to every open connection and returns how many took it.
// Connections that are not open are skipped.
func (h *Hub) Broadcast(ev domain.Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws: encode event", slog.String("type", string(ev.EventType())), slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := h.deliver(targets, data)
	h.metrics.EventSent(string(ev.EventType()), n)
	h.enqueueMirror(data)
	return n
}

// SendTo sends ev only to connections registered under address.
func (h *Hub) SendTo(address string, ev domain.Event) int {
	address = normalize(address)
	if address == "" {
		return 0
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws: encode event", slog.String("type", string(ev.EventType())), slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	set := h.byAddr[address]
	targets := make([]Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := h.deliver(targets, data)
	h.metrics.EventSent(string(ev.EventType()), n)
	return n
}

func (h *Hub) deliver(targets []Conn, data []byte) int {
	var n int
	for _, c := range targets {
		if !c.Open() {
			continue
		}
		if err := c.Send(data); err != nil {
			h.metrics.EventDropped()
			h.logger.Warn("ws: dropping message", slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Clear drops and closes every registered connection.
func (h *Hub) Clear() {
	h.mu.Lock()
	old := h.conns
	h.conns = make(map[Conn]string)
	h.byAddr = make(map[string]map[Conn]struct{})
	h.mu.Unlock()

	for c := range old {
		_ = c.Close()
	}
	h.metrics.SetConnections(0)
	h.logger.Info("ws: registry cleared", slog.Int("closed", len(old)))
}

func (h *Hub) enqueueMirror(data []byte) {
	if h.mirror == nil {
		return
	}
	select {
	case h.mirror <- data:
	default:
		h.logger.Warn("ws: mirror queue full, dropping event")
	}
}

// Run copies broadcasts to the EventBus, preserving their order, until ctx
// is cancelled. Without a bus it just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.mirror == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-h.mirror:
			if err := h.bus.Publish(ctx, mirrorChannel, data); err != nil {
				h.logger.Warn("ws: mirror publish failed", slog.String("error", err.Error()))
			}
			if err := h.bus.StreamAppend(ctx, mirrorStream, data); err != nil {
				h.logger.Warn("ws: mirror stream append failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Replay returns up to count mirrored events after lastID, for clients that
// reconnect and want what they missed.
func (h *Hub) Replay(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if h.bus == nil {
		return nil, nil
	}
	return h.bus.StreamRead(ctx, mirrorStream, lastID, count)
}
