package realtime

import (
	"log/slog"
	"sync"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
)

// Filter scopes a subscription to one table and, optionally, one column value
// (e.g. rides where id = X, ride_offers where ride_id = X).
type Filter struct {
	Table string
	Op    models.ChangeOp // empty matches every op
	Field string
	Value string
}

func (f Filter) Match(c models.Change) bool {
	if f.Table != c.Table {
		return false
	}
	if f.Op != "" && f.Op != c.Op {
		return false
	}
	if f.Field == "" {
		return true
	}
	return c.Field(f.Field) == f.Value
}

// Subscription delivers matching changes on C until Close is called.
type Subscription struct {
	C      <-chan models.Change
	ch     chan models.Change
	filter Filter
	hub    *Hub
	once   sync.Once
}

// Close detaches the subscription; C is closed afterwards. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub is an in-process change feed. Delivery is best effort: a subscriber whose buffer is
// full misses the event, which is why sessions also poll.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
	bridge func(models.Change)
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: buffer, logger: logger}
}

func (h *Hub) Subscribe(f Filter) *Subscription {
	ch := make(chan models.Change, h.buffer)
	s := &Subscription{C: ch, ch: ch, filter: f, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	observability.FeedSubscriptions.Set(float64(n))
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()
	observability.FeedSubscriptions.Set(float64(n))
}

// Publish fans a change out to local subscribers and, when bridged, to other instances.
func (h *Hub) Publish(c models.Change) {
	h.deliver(c)
	h.mu.RLock()
	bridge := h.bridge
	h.mu.RUnlock()
	if bridge != nil {
		bridge(c)
	}
}

func (h *Hub) deliver(c models.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.Match(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			observability.FeedDropped.Inc()
			if h.logger != nil {
				h.logger.Warn("feed subscriber full, dropping change", "table", c.Table, "op", c.Op)
			}
		}
	}
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
