package watcher

import (
	"treewatch/internal/fsutil"
)

// FileWatcher watches exactly one path without recursion or debouncing.
type FileWatcher struct {
	*eventLoop
	path string
}

// Watch starts a native watch on path and reports every raw event under it.
// A start failure is reported through the notifier and yields a watcher that
// never fires.
func Watch(path string, options Options, callback Callback) *FileWatcher {
	watcher := &FileWatcher{
		eventLoop: newEventLoop(options, callback),
		path:      fsutil.Normalize(path),
	}
	if !watcher.attach(watcher.path, nil) {
		watcher.disable()
		return watcher
	}
	watcher.options.Logger.Info("watch started", map[string]string{
		"path": watcher.path,
	})
	watcher.start(watcher)
	return watcher
}

// Cancel releases every native handle. It is idempotent and safe to call
// from inside the callback; no callback starts after it returns.
func (watcher *FileWatcher) Cancel() {
	if watcher == nil || watcher.eventLoop == nil {
		return
	}
	watcher.cancel()
}

// Path returns the watched path.
func (watcher *FileWatcher) Path() string {
	if watcher == nil {
		return ""
	}
	return watcher.path
}

func (watcher *FileWatcher) process(msg message) {
	if !watcher.current(msg) {
		return
	}
	if msg.err != nil {
		watcher.fail(msg.err)
		return
	}
	watcher.options.Metrics.IncRawEvent()
	path := fsutil.Join(msg.entry.path, msg.raw.Name)
	if watcher.filter.skip(path) {
		watcher.options.Metrics.IncFiltered()
		return
	}
	change, err := classifyRaw(msg.raw, path)
	if err != nil {
		watcher.fail(err)
		return
	}
	watcher.deliver(path, change)
}

// flush is unused: FileWatcher has no timer.
func (watcher *FileWatcher) flush() {}
