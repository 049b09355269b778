// Package events is the in-process event bus: the engine, the deployment
// controller and the janitor publish, SSE clients and tests subscribe.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine, executor and deployment controller.
const (
	RunStarted      = "run.started"
	RunFinished     = "run.finished"
	StageTransition = "stage.transition"
	DeployStarted   = "deploy.started"
	DeployFinished  = "deploy.finished"
	DeployRollback  = "deploy.rollback"
	JanitorSwept    = "janitor.swept"
)

// subscriberBuffer is the channel depth of each subscription.
const subscriberBuffer = 64

// Event is one published fact. IDs increase by one per publish.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(eventType string, data any)
}

// Filter selects events by family, the part of the type before the first
// dot ("run", "stage", "deploy", "janitor"). An empty Filter matches all.
type Filter []string

// ParseFilter reads a comma-separated family list such as "run,deploy".
func ParseFilter(csv string) Filter {
	var f Filter
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f = append(f, part)
		}
	}
	return f
}

// Match reports whether eventType belongs to a selected family.
func (f Filter) Match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	family, _, _ := strings.Cut(eventType, ".")
	for _, want := range f {
		if want == family || want == eventType {
			return true
		}
	}
	return false
}

type subscription struct {
	ch     chan Event
	filter Filter
}

// Hub fans events out to subscribers and keeps the newest ones in a bounded
// backlog for clients that reconnect with Last-Event-ID.
type Hub struct {
	lastID  atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	backlog []Event
	limit   int
	subs    map[*subscription]struct{}
}

var _ Publisher = (*Hub)(nil)

// NewHub returns a Hub remembering up to backlog events (256 when <= 0).
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 256
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[*subscription]struct{}),
	}
}

// Publish encodes data as JSON and delivers the event. Subscribers whose
// buffer is full miss it; Dropped counts those misses. A nil Hub discards.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{ID: h.lastID.Add(1), Type: eventType, At: time.Now().UTC(), Data: payload}
	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for sub := range h.subs {
		if !sub.filter.Match(eventType) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for events matching f. The returned func
// unsubscribes and closes the channel; calling it twice is safe.
func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer), filter: f}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns backlog events with ID > lastID that match f,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if ev.ID > lastID && f.Match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// LastID is the ID of the newest published event, 0 before the first.
func (h *Hub) LastID() int64 {
	return h.lastID.Load()
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
