package streaming

import (
	"context"
	"slices"
	"sync"
	"time"
)

const subscriberBuffer = 64

// MemoryHub is an in-process ProgressHub backed by buffered channels. Publish
// never blocks: a subscriber that falls more than subscriberBuffer events
// behind starts losing events rather than stalling the executor.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]memorySub
}

type memorySub struct {
	filter EventFilter
	ch     chan ProgressEvent
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]memorySub)}
}

// Publish fans the event out to every subscriber whose filter matches. A zero
// Timestamp is stamped with the current time.
func (h *MemoryHub) Publish(ctx context.Context, event ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its event channel
// plus a cancel function that tears the subscription down.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan ProgressEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan ProgressEvent, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = memorySub{filter: filter, ch: ch}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// matches reports whether the event passes the filter. Empty filter fields
// match everything.
func (f EventFilter) matches(e ProgressEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
