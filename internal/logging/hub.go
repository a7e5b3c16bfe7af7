package logging

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 100

// LogHub fans log entries out to live subscribers. A subscriber that falls
// behind misses entries; the logger never waits on it.
type LogHub struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]hubSubscriber
	closed  bool
	dropped atomic.Int64
}

type hubSubscriber struct {
	ch     chan LogEntry
	accept func(LogEntry) bool
}

func NewLogHub() *LogHub {
	return &LogHub{
		subs: make(map[uint64]hubSubscriber),
	}
}

// Subscribe registers a subscriber. A nil accept receives every entry.
func (h *LogHub) Subscribe(buffer int, accept func(LogEntry) bool) (<-chan LogEntry, func()) {
	if h == nil {
		return nil, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan LogEntry)
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	sub := hubSubscriber{ch: make(chan LogEntry, buffer), accept: accept}
	h.subs[id] = sub
	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing.ch)
		}
	}
}

// Broadcast sends entry to every subscriber whose filter accepts it. The
// hub lock is held so an unsubscribe cannot close a channel mid-send.
func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if sub.accept != nil && !sub.accept(entry) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *LogHub) SubscriberCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts entries skipped because a subscriber buffer was full.
func (h *LogHub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}
