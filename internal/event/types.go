package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

const EventTypeFileChanged = "file_changed"

// ChangeEvent is a classified filesystem change ready for fan-out.
type ChangeEvent struct {
	EventType  string    `json:"type"`
	Path       string    `json:"path"`
	Change     string    `json:"change"`
	OccurredAt time.Time `json:"timestamp"`
}

func NewChangeEvent(path, change string) ChangeEvent {
	return ChangeEvent{
		EventType:  EventTypeFileChanged,
		Path:       path,
		Change:     change,
		OccurredAt: time.Now().UTC(),
	}
}

func (e ChangeEvent) Type() string {
	return e.EventType
}

func (e ChangeEvent) Timestamp() time.Time {
	return e.OccurredAt
}
