// Package notification is the side channel for diagnostics that must reach a
// user without becoming part of any change-event stream.
package notification

import (
	"sync"

	"treewatch/internal/event"
	"treewatch/internal/logging"
)

// Notifier delivers a message at most once per distinct text.
type Notifier interface {
	NotifyOnce(message, severity string)
}

// Center publishes toasts on a bus and remembers which messages it has sent.
type Center struct {
	bus    *event.Bus[Event]
	logger *logging.Logger
	mutex  sync.Mutex
	seen   map[string]struct{}
}

func NewCenter(bus *event.Bus[Event], logger *logging.Logger) *Center {
	return &Center{
		bus:    bus,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// NotifyOnce is fire-and-forget; repeated messages are swallowed.
func (center *Center) NotifyOnce(message, severity string) {
	if center == nil || message == "" {
		return
	}
	center.mutex.Lock()
	if _, ok := center.seen[message]; ok {
		center.mutex.Unlock()
		return
	}
	center.seen[message] = struct{}{}
	center.mutex.Unlock()

	if severity == "" {
		severity = SeverityInfo
	}
	center.logger.Info("notification", map[string]string{
		"severity": severity,
		"message":  message,
	})
	if center.bus != nil {
		center.bus.Publish(NewToast(severity, message))
	}
}

// Reset forgets previously sent messages.
func (center *Center) Reset() {
	if center == nil {
		return
	}
	center.mutex.Lock()
	center.seen = make(map[string]struct{})
	center.mutex.Unlock()
}

var defaultCenter = NewCenter(nil, nil)

// Default returns the process-wide notifier. It only deduplicates; callers
// that want toasts delivered supply a Center with a bus.
func Default() *Center {
	return defaultCenter
}
