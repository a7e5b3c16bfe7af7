package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectRaw() (func(RawEvent, error), <-chan RawEvent) {
	events := make(chan RawEvent, 64)
	return func(raw RawEvent, err error) {
		if err != nil {
			return
		}
		select {
		case events <- raw:
		default:
		}
	}, events
}

func waitForRaw(t *testing.T, events <-chan RawEvent, name string, rename bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-events:
			if raw.Name == name && raw.Rename == rename {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for raw event %q", name)
		}
	}
}

func sharedWatcherOpen(source *fsnotifySource) bool {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.native != nil
}

func TestFSNotifySourceDispatchesToContainingHandle(t *testing.T) {
	root := tempRoot(t)
	sub := mkdirAll(t, root, "sub")
	source := NewFSNotifySource().(*fsnotifySource)

	onRoot, rootEvents := collectRaw()
	onSub, subEvents := collectRaw()
	rootHandle, err := source.Start(root, onRoot)
	if err != nil {
		t.Fatalf("start root: %v", err)
	}
	defer rootHandle.Stop()
	subHandle, err := source.Start(sub, onSub)
	if err != nil {
		t.Fatalf("start sub: %v", err)
	}
	defer subHandle.Stop()

	touch(t, sub, "a.txt")
	waitForRaw(t, subEvents, "a.txt", true)
	touch(t, root, "b.txt")
	waitForRaw(t, rootEvents, "b.txt", true)

	if err := os.Remove(sub); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitForRaw(t, rootEvents, "sub", true)
	waitForRaw(t, subEvents, "", true)
}

func TestFSNotifySourceClosesWithLastHandle(t *testing.T) {
	root := tempRoot(t)
	sub := mkdirAll(t, root, "sub")
	source := NewFSNotifySource().(*fsnotifySource)

	onEvent, _ := collectRaw()
	rootHandle, err := source.Start(root, onEvent)
	if err != nil {
		t.Fatalf("start root: %v", err)
	}
	subHandle, err := source.Start(sub, onEvent)
	if err != nil {
		t.Fatalf("start sub: %v", err)
	}

	if err := subHandle.Stop(); err != nil {
		t.Fatalf("stop sub: %v", err)
	}
	if err := subHandle.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !sharedWatcherOpen(source) {
		t.Fatal("expected the shared watcher to stay open for root")
	}
	if err := rootHandle.Stop(); err != nil {
		t.Fatalf("stop root: %v", err)
	}
	if sharedWatcherOpen(source) {
		t.Fatal("expected the shared watcher to close with the last handle")
	}

	again, err := source.Start(root, onEvent)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := again.Stop(); err != nil {
		t.Fatalf("stop restarted: %v", err)
	}
}

func TestFSNotifySourceStoppingReplacedHandleKeepsWatch(t *testing.T) {
	root := tempRoot(t)
	source := NewFSNotifySource().(*fsnotifySource)

	onOld, _ := collectRaw()
	onNew, newEvents := collectRaw()
	old, err := source.Start(root, onOld)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	replacement, err := source.Start(root, onNew)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer replacement.Stop()

	if err := old.Stop(); err != nil {
		t.Fatalf("stop old: %v", err)
	}
	touch(t, root, "a.txt")
	waitForRaw(t, newEvents, "a.txt", true)
}

func TestFSNotifySourceStartFailure(t *testing.T) {
	root := tempRoot(t)
	source := NewFSNotifySource().(*fsnotifySource)
	onEvent, _ := collectRaw()

	if _, err := source.Start(filepath.Join(root, "missing"), onEvent); err == nil {
		t.Fatal("expected start on a missing path to fail")
	}
	if sharedWatcherOpen(source) {
		t.Fatal("expected no shared watcher without handles")
	}
}
