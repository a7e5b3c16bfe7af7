// Package stream serves classified change events to websocket clients.
package stream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"treewatch/internal/event"
	"treewatch/internal/fsutil"
	"treewatch/internal/logging"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultEventsPerSecond = 200
	defaultEventBurst      = 400
)

// EventsHandler streams change events from Bus. Clients narrow the stream
// with the change and prefix query parameters, or later by sending a
// subscribe message. replay=true first sends the matching events the bus
// still retains.
type EventsHandler struct {
	Bus            *event.Bus[event.ChangeEvent]
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	// EventsPerSecond caps delivery per connection; excess events are
	// dropped. Zero uses the default.
	EventsPerSecond float64
	Burst           int
}

// SubscribeMessage replaces a connection's filter.
type SubscribeMessage struct {
	Changes []string `json:"changes"`
	Prefix  string   `json:"prefix"`
}

type eventPayload struct {
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Change    string    `json:"change"`
	Timestamp time.Time `json:"timestamp"`
}

type eventFilter struct {
	mutex   sync.RWMutex
	changes map[string]struct{}
	prefix  string
}

func newEventFilter(message SubscribeMessage) *eventFilter {
	filter := &eventFilter{}
	filter.Set(message)
	return filter
}

// Allows reports whether an event passes. An empty change set allows every
// change kind.
func (filter *eventFilter) Allows(value event.ChangeEvent) bool {
	if filter == nil {
		return true
	}
	filter.mutex.RLock()
	defer filter.mutex.RUnlock()
	if len(filter.changes) > 0 {
		if _, ok := filter.changes[value.Change]; !ok {
			return false
		}
	}
	return filter.prefix == "" || fsutil.IsWithinPath(filter.prefix, value.Path)
}

func (filter *eventFilter) Set(message SubscribeMessage) {
	changes := make(map[string]struct{})
	for _, change := range message.Changes {
		if change = strings.ToLower(strings.TrimSpace(change)); change != "" {
			changes[change] = struct{}{}
		}
	}
	filter.mutex.Lock()
	filter.changes = changes
	filter.prefix = fsutil.Normalize(strings.TrimSpace(message.Prefix))
	filter.mutex.Unlock()
}

func subscribeFromQuery(r *http.Request) SubscribeMessage {
	query := r.URL.Query()
	message := SubscribeMessage{Prefix: query.Get("prefix")}
	for _, value := range query["change"] {
		message.Changes = append(message.Changes, strings.Split(value, ",")...)
	}
	return message
}

// replayRequested reports whether the client asked for the events the bus
// still retains before the live stream.
func replayRequested(r *http.Request) bool {
	replay, err := strconv.ParseBool(r.URL.Query().Get("replay"))
	return err == nil && replay
}

func (h *EventsHandler) limiter() *rate.Limiter {
	perSecond := h.EventsPerSecond
	if perSecond <= 0 {
		perSecond = defaultEventsPerSecond
	}
	burst := h.Burst
	if burst <= 0 {
		burst = defaultEventBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.AuthToken) {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusUnauthorized,
			Message: "unauthorized",
		})
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:    http.StatusBadRequest,
			CloseCode: websocket.CloseProtocolError,
			Message:   "websocket upgrade failed",
			Err:       err,
		})
		return
	}
	defer conn.Close()

	if h.Bus == nil {
		writeWSError(w, r, conn, h.Logger, wsError{
			Status:       http.StatusServiceUnavailable,
			Message:      "event bus unavailable",
			SendEnvelope: true,
		})
		return
	}

	filter := newEventFilter(subscribeFromQuery(r))
	history, events, cancel, ok := h.Bus.SubscribeWithHistory(filter.Allows)
	if !ok {
		writeWSError(w, r, conn, h.Logger, wsError{
			Status:       http.StatusServiceUnavailable,
			Message:      "event stream unavailable",
			SendEnvelope: true,
		})
		return
	}
	defer cancel()
	if !replayRequested(r) {
		history = nil
	}

	limiter := h.limiter()
	writer := startWSWriteLoop(conn, history, events, func(value event.ChangeEvent) (any, bool) {
		if !limiter.Allow() {
			return nil, false
		}
		payload := eventPayload{
			Type:      value.EventType,
			Path:      value.Path,
			Change:    value.Change,
			Timestamp: value.OccurredAt,
		}
		if payload.Timestamp.IsZero() {
			payload.Timestamp = time.Now().UTC()
		}
		return payload, true
	})
	defer writer.Stop()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var message SubscribeMessage
		if err := json.Unmarshal(msg, &message); err != nil {
			continue
		}
		filter.Set(message)
	}
}
