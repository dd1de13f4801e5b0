// Package eventbus carries lifecycle signals (job progress, pool
// activity, delivery outcomes) between components that must not know
// about each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle signal. Data carries a component-specific
// payload (a dispatch.JobEvent, a pool target map) and should stay
// small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks; a
// subscriber that falls behind its buffer loses events rather than
// stalling the publisher.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines; delivery happens
// on the publisher's stack.
func New() Bus {
	return &hub{subs: make(map[uint64]chan Event)}
}

type hub struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (h *hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under the read lock so sends happen without holding it.
	h.mu.RLock()
	targets := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		offer(ch, e)
	}
}

// offer drops the event when the subscriber's buffer is full, and
// absorbs the send panic when the subscriber closed its channel
// mid-publish.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (h *hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
