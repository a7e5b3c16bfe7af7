package watcher

import (
	"context"
	"testing"
	"time"

	"treewatch/internal/event"
	"treewatch/internal/metrics"
)

func TestPublishForwardsToBus(t *testing.T) {
	bus := event.NewBus[event.ChangeEvent](context.Background(), event.BusOptions{
		Name:     "watch_events",
		Registry: &metrics.Registry{},
	})
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()

	var calls int
	callback := Tee(Publish(bus), nil, func(string, FileChangeType) { calls++ })
	callback("/r/a.txt", Deleted)

	select {
	case got := <-events:
		if got.Path != "/r/a.txt" || got.Change != "deleted" || got.Type() != event.EventTypeFileChanged {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
	if calls != 1 {
		t.Fatalf("expected tee to reach every callback, got %d", calls)
	}

	Publish(nil)("/r/b.txt", Created)
}
