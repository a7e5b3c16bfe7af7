package event

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"treewatch/internal/logging"
	"treewatch/internal/metrics"
)

const defaultSubscriberBufferSize = 128
const defaultDropWarningInterval = 30 * time.Second

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	MaxSubscribers       int
	DropWarningInterval  time.Duration
	HistorySize          int
	Registry             *metrics.Registry
	Logger               *logging.Logger
}

// Bus fans published events out to subscribers without blocking the
// publisher. Events for a full subscriber are dropped and counted.
type Bus[T any] struct {
	mu           sync.Mutex
	subscribers  map[uint64]subscription[T]
	nextSubID    uint64
	closed       bool
	closeOnce    sync.Once
	options      BusOptions
	registry     *metrics.Registry
	published    atomic.Int64
	dropped      atomic.Int64
	lastWarning  atomic.Int64
	history      []T
	historyNext  int
	historyCount int
}

type typedEvent interface {
	Type() string
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.DropWarningInterval <= 0 {
		opts.DropWarningInterval = defaultDropWarningInterval
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		registry:    opts.Registry,
	}
	if opts.HistorySize > 0 {
		bus.history = make([]T, opts.HistorySize)
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

// Subscribe registers an unfiltered subscriber. A refused subscription gets
// a closed channel.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	_, ch, cancel, _ := b.SubscribeWithHistory(nil)
	return ch, cancel
}

// SubscribeWithHistory registers a subscriber and returns the retained
// history that passes filter. Both are taken under one lock, so no event is
// missed or seen twice between them. ok is false when the bus is closed or
// already holds MaxSubscribers; the channel is closed in that case.
func (b *Bus[T]) SubscribeWithHistory(filter func(T) bool) (history []T, events <-chan T, cancel func(), ok bool) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return nil, ch, func() {}, false
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed || (b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers) {
		b.mu.Unlock()
		close(ch)
		return nil, ch, func() {}, false
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	filtered, unfiltered := b.countSubscribersLocked()
	retained := b.historyLocked()
	b.mu.Unlock()

	b.setSubscriberCounts(filtered, unfiltered)
	for _, event := range retained {
		if filter == nil || filter(event) {
			history = append(history, event)
		}
	}
	return history, ch, func() {
		b.removeSubscriber(id)
	}, true
}

func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.appendHistoryLocked(event)
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	eventType := eventTypeOf(event)
	b.published.Add(1)
	b.registry.IncEventPublished(b.busName(), eventType)

	for _, sub := range subscribers {
		if !b.filterAllows(sub, event) {
			continue
		}
		if !b.safeSend(sub, event) {
			b.dropped.Add(1)
			b.registry.IncEventDropped(b.busName(), eventType)
			b.maybeWarnDrop()
		}
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
		b.setSubscriberCounts(0, 0)
	})
}

// historyLocked returns a copy of the retained events, oldest first.
func (b *Bus[T]) historyLocked() []T {
	if b.historyCount == 0 {
		return nil
	}
	start := 0
	if b.historyCount == len(b.history) {
		start = b.historyNext
	}
	events := make([]T, 0, b.historyCount)
	for i := 0; i < b.historyCount; i++ {
		events = append(events, b.history[(start+i)%len(b.history)])
	}
	return events
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats reports how many events were published and dropped.
func (b *Bus[T]) Stats() (published, dropped int64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus[T]) safeSend(sub subscription[T], event T) (delivered bool) {
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case sub.ch <- event:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) filterAllows(sub subscription[T], event T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.options.Logger.Warn("event bus subscriber filter panicked", map[string]string{
				"bus": b.busName(),
			})
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(event)
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	var ch chan T
	var filtered, unfiltered int
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		ch = existing.ch
		filtered, unfiltered = b.countSubscribersLocked()
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	close(ch)
	b.setSubscriberCounts(filtered, unfiltered)
}

func (b *Bus[T]) countSubscribersLocked() (filtered int, unfiltered int) {
	for _, sub := range b.subscribers {
		if sub.filter == nil {
			unfiltered++
		} else {
			filtered++
		}
	}
	return filtered, unfiltered
}

func (b *Bus[T]) setSubscriberCounts(filtered, unfiltered int) {
	b.registry.SetEventSubscriberCounts(b.busName(), filtered, unfiltered)
}

func (b *Bus[T]) appendHistoryLocked(event T) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyNext] = event
	if b.historyCount < len(b.history) {
		b.historyCount++
	}
	b.historyNext = (b.historyNext + 1) % len(b.history)
}

func (b *Bus[T]) maybeWarnDrop() {
	now := time.Now()
	lastNanos := b.lastWarning.Load()
	if lastNanos > 0 && now.Sub(time.Unix(0, lastNanos)) < b.options.DropWarningInterval {
		return
	}
	if !b.lastWarning.CompareAndSwap(lastNanos, now.UnixNano()) {
		return
	}
	b.options.Logger.Warn("event bus dropping events", map[string]string{
		"bus":       b.busName(),
		"dropped":   strconv.FormatInt(b.dropped.Load(), 10),
		"published": strconv.FormatInt(b.published.Load(), 10),
	})
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func eventTypeOf[T any](event T) string {
	typed, ok := any(event).(typedEvent)
	if !ok || typed.Type() == "" {
		return "unknown"
	}
	return typed.Type()
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
