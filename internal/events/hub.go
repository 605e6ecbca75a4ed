// Package events fans dispatch lifecycle events out to live subscribers
// (the SSE endpoint and the watch TUI).
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	ManagerReady      Type = "manager.ready"
	ManagerStopping   Type = "manager.stopping"
	AnnouncementOn    Type = "announce.started"
	AnnouncementOff   Type = "announce.stopped"
	DispatchStarted   Type = "dispatch.started"
	DispatchState     Type = "dispatch.state"
	DispatchCompleted Type = "dispatch.completed"
	DispatchFailed    Type = "dispatch.failed"
	DispatchRejected  Type = "dispatch.rejected"
	WorkerStarted     Type = "worker.started"
	WorkerExited      Type = "worker.exited"
)

type Event struct {
	ID   int64           `json:"id"`
	Type Type            `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(t Type, data any)
}

// Hub is an in-memory pub/sub with a ring buffer so late subscribers can catch up.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(t Type, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: t,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(ev)
	for _, ch := range h.subs {
		// Slow subscribers drop events rather than stall a dispatch.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a func that ends the subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Since returns buffered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) push(ev Event) {
	if h.size < len(h.ring) {
		h.ring[(h.start+h.size)%len(h.ring)] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % len(h.ring)
}
