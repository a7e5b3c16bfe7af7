package watcher

import (
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"time"

	"treewatch/internal/fsutil"
)

// DirWatcher keeps one native handle per directory under a root and reports
// debounced, re-stated changes for everything beneath it.
type DirWatcher struct {
	*eventLoop
	root string
	// pending is only touched on the loop goroutine, or before it starts.
	pending map[string]bool
}

// WatchDirs watches root and every directory under it. The initial handle
// set is built before WatchDirs returns. A start failure on root is reported
// through the notifier and yields a watcher that never fires.
func WatchDirs(root string, options Options, callback Callback) *DirWatcher {
	watcher := &DirWatcher{
		eventLoop: newEventLoop(options, callback),
		root:      fsutil.Normalize(root),
		pending:   make(map[string]bool),
	}

	info, err := statPath(watcher.root)
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("%s: %w", watcher.root, ErrNotDirectory)
	}
	if err != nil {
		watcher.startFailed(watcher.root, err)
		watcher.disable()
		return watcher
	}
	if !watcher.attach(watcher.root, info) {
		watcher.disable()
		return watcher
	}

	err = fsutil.Walk(watcher.root, fsutil.WalkOptions{
		MaxDepth: watcher.options.MaxDepth,
		Skip:     watcher.filter.skip,
	}, func(entry fsutil.Entry) error {
		if entry.Kind == fsutil.KindDir {
			watcher.attach(entry.Path, nil)
		}
		return nil
	})
	if err != nil {
		watcher.options.Logger.Warn("initial enumeration incomplete", map[string]string{
			"path":  watcher.root,
			"error": err.Error(),
		})
	}

	watcher.timer = newStoppedTimer()
	watcher.options.Logger.Info("watch started", map[string]string{
		"path":           watcher.root,
		"active_watches": strconv.Itoa(len(watcher.watched())),
		"debounce":       watcher.options.Debounce.String(),
	})
	watcher.start(watcher)
	return watcher
}

// Cancel releases every native handle. It is idempotent and safe to call
// from inside the callback; no callback starts after it returns.
func (watcher *DirWatcher) Cancel() {
	if watcher == nil || watcher.eventLoop == nil {
		return
	}
	watcher.cancel()
}

// Root returns the watched root.
func (watcher *DirWatcher) Root() string {
	if watcher == nil {
		return ""
	}
	return watcher.root
}

// Watched returns the sorted paths that currently hold a native handle.
func (watcher *DirWatcher) Watched() []string {
	if watcher == nil {
		return nil
	}
	return watcher.watched()
}

// Watching reports whether path currently holds a native handle.
func (watcher *DirWatcher) Watching(path string) bool {
	if watcher == nil {
		return false
	}
	return watcher.watching(path)
}

func (watcher *DirWatcher) process(msg message) {
	if !watcher.current(msg) {
		return
	}
	if msg.err != nil {
		watcher.fail(msg.err)
		return
	}
	watcher.options.Metrics.IncRawEvent()
	if msg.raw.Name == "" && msg.raw.Rename {
		msg.entry.stale = true
	}
	path := fsutil.Join(msg.entry.path, msg.raw.Name)
	if watcher.filter.skip(path) {
		watcher.options.Metrics.IncFiltered()
		return
	}
	watcher.pending[path] = watcher.pending[path] || msg.raw.Change
	watcher.timer.Reset(watcher.options.Debounce)
}

// flush reconciles every pending path against the filesystem. Events that
// arrive meanwhile are queued and start the next window.
func (watcher *DirWatcher) flush() {
	batch := watcher.pending
	watcher.pending = make(map[string]bool)
	if len(batch) == 0 {
		return
	}
	watcher.options.Metrics.IncReconciliation()

	paths := make([]string, 0, len(batch))
	for path := range batch {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	delivered := 0
	for _, path := range paths {
		if !watcher.reconcile(path, batch[path]) {
			return
		}
		delivered++
	}
	watcher.options.Logger.Debug("reconciled", map[string]string{
		"events":         strconv.Itoa(delivered),
		"active_watches": strconv.Itoa(len(watcher.watched())),
	})
	if len(watcher.pending) > 0 {
		watcher.timer.Reset(watcher.options.Debounce)
	}
}

// reconcile resolves one path. It returns false once the watcher has
// stopped.
func (watcher *DirWatcher) reconcile(path string, changed bool) bool {
	change, info, err := resolvePending(path, changed)
	if err != nil {
		watcher.fail(err)
		return false
	}
	if change == Deleted {
		watcher.release(path)
	} else if info.IsDir() {
		watcher.track(path, info)
	}
	return watcher.deliver(path, change)
}

// track makes sure a live handle sits on the directory now at path. One that
// was removed and recreated within a window keeps its path but not its
// handle, so the old handle and everything nested under it is released and
// the directory attached again.
func (watcher *DirWatcher) track(path string, info fs.FileInfo) {
	if entry := watcher.entry(path); entry != nil {
		if !entry.stale && sameDirectory(entry.info, info) {
			return
		}
		watcher.options.Logger.Debug("watch replaced", map[string]string{"path": path})
		watcher.release(path)
	}
	if watcher.attach(path, info) && !watcher.options.DisableCatchUp {
		watcher.catchUp(path)
	}
}

// catchUp queues the children of a freshly attached directory, since they
// may have appeared before its handle existed.
func (watcher *DirWatcher) catchUp(dir string) {
	err := fsutil.Walk(dir, fsutil.WalkOptions{
		MaxDepth: 1,
		Skip:     watcher.filter.skip,
	}, func(entry fsutil.Entry) error {
		if _, ok := watcher.pending[entry.Path]; !ok {
			watcher.pending[entry.Path] = false
		}
		return nil
	})
	if err != nil {
		watcher.options.Logger.Warn("catch-up scan failed", map[string]string{
			"path":  dir,
			"error": err.Error(),
		})
	}
}

func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}
