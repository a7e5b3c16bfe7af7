package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"treewatch/internal/metrics"
	"treewatch/internal/pathmatch"
)

func TestWatchClassifiesRawEvents(t *testing.T) {
	root := tempRoot(t)
	path := touch(t, root, "a.txt")
	source := newFakeSource()
	callback, events := recorder()

	watcher := Watch(root, Options{Source: source, Metrics: &metrics.Registry{}}, callback)
	defer watcher.Cancel()
	if watcher.Path() != root {
		t.Fatalf("expected path %q, got %q", root, watcher.Path())
	}

	source.emit(t, root, RawEvent{Name: "a.txt", Change: true})
	if event := waitForEvent(t, events); event != (observed{path: path, change: Changed}) {
		t.Fatalf("unexpected event %+v", event)
	}

	source.emit(t, root, RawEvent{Name: "a.txt", Rename: true})
	if event := waitForEvent(t, events); event != (observed{path: path, change: Created}) {
		t.Fatalf("unexpected event %+v", event)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	source.emit(t, root, RawEvent{Name: "a.txt", Rename: true})
	if event := waitForEvent(t, events); event != (observed{path: path, change: Deleted}) {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestWatchReportsEveryChangeEvent(t *testing.T) {
	root := tempRoot(t)
	path := touch(t, root, "log.txt")
	source := newFakeSource()
	callback, events := recorder()

	watcher := Watch(root, Options{Source: source, Debounce: time.Hour}, callback)
	defer watcher.Cancel()

	for i := 0; i < 3; i++ {
		source.emit(t, root, RawEvent{Name: "log.txt", Change: true})
	}
	for i := 0; i < 3; i++ {
		if event := waitForEvent(t, events); event != (observed{path: path, change: Changed}) {
			t.Fatalf("unexpected event %+v", event)
		}
	}
}

func TestWatchSkipsFilteredPaths(t *testing.T) {
	root := tempRoot(t)
	touch(t, root, "keep.txt")
	registry := &metrics.Registry{}
	source := newFakeSource()
	callback, events := recorder()

	watcher := Watch(root, Options{
		Source:  source,
		Metrics: registry,
		Exclude: pathmatch.MustGlob("**/*.tmp"),
	}, callback)
	defer watcher.Cancel()

	source.emit(t, root, RawEvent{Name: "scratch.tmp", Change: true})
	source.emit(t, root, RawEvent{Name: "keep.txt", Change: true})

	event := waitForEvent(t, events)
	if event.path != filepath.Join(root, "keep.txt") {
		t.Fatalf("unexpected event %+v", event)
	}
	expectNoEvent(t, events, 30*time.Millisecond)

	snapshot := registry.Snapshot()
	if snapshot.RawEvents != 2 || snapshot.FilteredEvents != 1 {
		t.Fatalf("unexpected metrics %+v", snapshot)
	}
	if snapshot.Emitted["changed"] != 1 {
		t.Fatalf("expected one changed event, got %v", snapshot.Emitted)
	}
}

func TestWatchStartFailureReturnsNoopWatcher(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "not-yet")
	notifier := &recordingNotifier{}
	registry := &metrics.Registry{}

	watcher := Watch(missing, Options{Notifier: notifier, Metrics: registry}, func(string, FileChangeType) {
		t.Fatal("callback must not run")
	})
	watcher.Cancel()
	watcher.Cancel()

	messages := notifier.list()
	if len(messages) != 1 || !strings.Contains(messages[0], missing) || !strings.HasPrefix(messages[0], "warning: ") {
		t.Fatalf("unexpected notifications %v", messages)
	}
	if got := registry.Snapshot().StartFailures; got != 1 {
		t.Fatalf("expected 1 start failure, got %d", got)
	}
	if registry.Snapshot().ActiveWatches != 0 {
		t.Fatalf("expected no active watches")
	}
}

func TestWatchNativeErrorIsFatal(t *testing.T) {
	root := tempRoot(t)
	source := newFakeSource()
	registry := &metrics.Registry{}
	fatal := make(chan error, 1)
	callback, events := recorder()

	watcher := Watch(root, Options{
		Source:  source,
		Metrics: registry,
		OnFatal: func(err error) { fatal <- err },
	}, callback)
	defer watcher.Cancel()

	boom := errors.New("queue overflow")
	source.emitError(t, root, boom)

	select {
	case err := <-fatal:
		if !errors.Is(err, boom) {
			t.Fatalf("unexpected fatal error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal error")
	}
	if !source.handle(root).Closing() {
		t.Fatal("expected handle to be stopped")
	}
	source.emit(t, root, RawEvent{Change: true})
	expectNoEvent(t, events, 30*time.Millisecond)

	snapshot := registry.Snapshot()
	if snapshot.FatalErrors != 1 || snapshot.ActiveWatches != 0 {
		t.Fatalf("unexpected metrics %+v", snapshot)
	}
}

func TestWatchCancelReleasesHandleOnce(t *testing.T) {
	root := tempRoot(t)
	source := newFakeSource()
	callback, events := recorder()

	watcher := Watch(root, Options{Source: source}, callback)
	watcher.Cancel()
	watcher.Cancel()

	handle := source.handle(root)
	if !handle.Closing() || handle.stops.Load() != 1 {
		t.Fatalf("expected exactly one stop, got %d", handle.stops.Load())
	}
	source.emit(t, root, RawEvent{Change: true})
	expectNoEvent(t, events, 30*time.Millisecond)
}

func TestWatchFileWithNativeSource(t *testing.T) {
	root := tempRoot(t)
	path := touch(t, root, "watched.txt")
	callback, events := recorder()

	watcher := Watch(path, Options{}, callback)
	defer watcher.Cancel()

	if err := os.WriteFile(path, []byte("update"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	waitForMatch(t, events, path, Changed)
}

func TestWatchDirectoryWithNativeSource(t *testing.T) {
	root := tempRoot(t)
	callback, events := recorder()

	watcher := Watch(root, Options{}, callback)
	defer watcher.Cancel()

	path := touch(t, root, "new.txt")
	waitForMatch(t, events, path, Created)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitForMatch(t, events, path, Deleted)
}
