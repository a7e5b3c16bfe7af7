package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type observed struct {
	path   string
	change FileChangeType
}

func recorder() (Callback, <-chan observed) {
	events := make(chan observed, 64)
	return func(path string, change FileChangeType) {
		events <- observed{path: path, change: change}
	}, events
}

func waitForEvent(t *testing.T, events <-chan observed) observed {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return observed{}
	}
}

// waitForMatch skips unrelated events until path is reported with change.
func waitForMatch(t *testing.T, events <-chan observed, path string, change FileChangeType) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			if event.path == path && event.change == change {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", change, path)
		}
	}
}

func expectNoEvent(t *testing.T, events <-chan observed, wait time.Duration) {
	t.Helper()
	select {
	case event := <-events:
		t.Fatalf("unexpected event %s %s", event.change, event.path)
	case <-time.After(wait):
	}
}

func waitForCondition(t *testing.T, message string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}

// fakeSource hands out handles whose events are injected by the test.
type fakeSource struct {
	mutex   sync.Mutex
	handles map[string]*fakeHandle
	started []string
	fail    map[string]error
}

type fakeHandle struct {
	path    string
	onEvent func(RawEvent, error)
	closing atomic.Bool
	stops   atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		handles: make(map[string]*fakeHandle),
		fail:    make(map[string]error),
	}
}

func (source *fakeSource) Start(path string, onEvent func(RawEvent, error)) (NativeHandle, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	if err := source.fail[path]; err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	handle := &fakeHandle{path: path, onEvent: onEvent}
	source.handles[path] = handle
	source.started = append(source.started, path)
	return handle, nil
}

func (source *fakeSource) handle(path string) *fakeHandle {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.handles[path]
}

func (source *fakeSource) startedPaths() []string {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	paths := append([]string(nil), source.started...)
	sort.Strings(paths)
	return paths
}

// emit delivers raw even to closing handles so that stale-event filtering is
// exercised.
func (source *fakeSource) emit(t *testing.T, dir string, raw RawEvent) {
	t.Helper()
	handle := source.handle(dir)
	if handle == nil {
		t.Fatalf("no handle for %s", dir)
	}
	handle.onEvent(raw, nil)
}

func (source *fakeSource) emitError(t *testing.T, dir string, err error) {
	t.Helper()
	handle := source.handle(dir)
	if handle == nil {
		t.Fatalf("no handle for %s", dir)
	}
	handle.onEvent(RawEvent{}, err)
}

func (handle *fakeHandle) Stop() error {
	handle.stops.Add(1)
	if !handle.closing.CompareAndSwap(false, true) {
		return errors.New("already stopped")
	}
	return nil
}

func (handle *fakeHandle) Closing() bool {
	return handle.closing.Load()
}

type recordingNotifier struct {
	mutex    sync.Mutex
	messages []string
}

func (notifier *recordingNotifier) NotifyOnce(message, severity string) {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.messages = append(notifier.messages, severity+": "+message)
}

func (notifier *recordingNotifier) list() []string {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return append([]string(nil), notifier.messages...)
}

func mkdirAll(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(parts...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	return path
}

func touch(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(parts...)
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
	return path
}

// tempRoot resolves symlinks so that paths reported by the OS match.
func tempRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	return root
}
