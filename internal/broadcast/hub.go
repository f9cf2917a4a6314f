// Package broadcast fans stored readings out to live observers.
//
// Every observer owns a bounded queue. Broadcast never blocks: when a queue
// is full the oldest queued event is discarded to make room for the new one,
// so a lagging observer converges on the freshest state. Broadcasts are
// serialised by the hub lock, so all observers see the same relative order.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"coldroom-server/internal/metrics"
	"coldroom-server/internal/modules/readings/types"
)

type Hub struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	queueSize int
	closed    bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Subscription is one observer's view of the hub.
type Subscription struct {
	ID   string
	Name string

	hub       *Hub
	events    chan types.StoredReading
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func NewHub(queueSize int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
		logger:    logger.With("component", "broadcast"),
		metrics:   m,
	}
}

// Subscribe registers a new observer. It only receives events broadcast after
// this call returns. Subscribing to a closed hub yields a closed subscription.
func (h *Hub) Subscribe(name string) *Subscription {
	s := &Subscription{
		ID:     uuid.NewString(),
		Name:   name,
		hub:    h,
		events: make(chan types.StoredReading, h.queueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closeOnce.Do(func() { close(s.events) })
		return s
	}
	h.subs[s.ID] = s
	h.metrics.ObserverJoined()
	h.logger.Debug("observer joined", "observer", s.ID, "name", name, "observers", len(h.subs))
	return s
}

// Broadcast enqueues r on every observer queue without blocking.
func (h *Hub) Broadcast(r types.StoredReading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		s.offer(r, h)
	}
}

// offer runs under the hub lock, so the hub is the only sender on s.events.
func (s *Subscription) offer(r types.StoredReading, h *Hub) {
	select {
	case s.events <- r:
		return
	default:
	}

	select {
	case old := <-s.events:
		s.dropped.Add(1)
		h.metrics.BroadcastDropped()
		h.logger.Debug("observer queue full, dropped oldest event",
			"observer", s.ID, "name", s.Name, "dropped_id", old.ID)
	default:
	}

	select {
	case s.events <- r:
	default:
		// Unreachable while the hub lock is held.
		s.dropped.Add(1)
		h.metrics.BroadcastDropped()
	}
}

// Len reports the number of connected observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every observer. Later broadcasts are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		h.metrics.ObserverLeft()
		s.closeOnce.Do(func() { close(s.events) })
	}
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan types.StoredReading {
	return s.events
}

// Dropped reports how many events this observer lost to queue overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close leaves the hub. Safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		h.metrics.ObserverLeft()
		h.logger.Debug("observer left", "observer", s.ID, "name", s.Name, "dropped", s.dropped.Load())
	}
	s.closeOnce.Do(func() { close(s.events) })
}
