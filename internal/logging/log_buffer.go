package logging

import (
	"sync"

	"treewatch/internal/buffer"
)

// LogBuffer keeps the most recent entries in memory.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.List()
}

// ListAtLeast returns buffered entries whose level is minLevel or higher.
func (b *LogBuffer) ListAtLeast(minLevel Level) []LogEntry {
	entries := b.List()
	filtered := entries[:0]
	for _, entry := range entries {
		if LevelAtLeast(entry.Level, minLevel) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

func (b *LogBuffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Cap()
}
