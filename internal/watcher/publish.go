package watcher

import (
	"treewatch/internal/event"
)

// Publish returns a callback that forwards every change to bus.
func Publish(bus *event.Bus[event.ChangeEvent]) Callback {
	return func(path string, change FileChangeType) {
		if bus == nil {
			return
		}
		bus.Publish(event.NewChangeEvent(path, change.String()))
	}
}

// Tee fans one event out to several callbacks in order.
func Tee(callbacks ...Callback) Callback {
	return func(path string, change FileChangeType) {
		for _, callback := range callbacks {
			if callback != nil {
				callback(path, change)
			}
		}
	}
}
