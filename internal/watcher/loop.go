package watcher

import (
	"bytes"
	"fmt"
	"io/fs"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"treewatch/internal/fsutil"
	"treewatch/internal/notification"
)

// watchEntry ties a native handle to the directory it was started on. Events
// carry their entry so that ones from a replaced or released handle can be
// recognized and dropped.
type watchEntry struct {
	path   string
	handle NativeHandle
	// info identifies the directory the handle was started on.
	info fs.FileInfo
	// stale is set on the loop goroutine when the handle reports a
	// rename-class event for its own path.
	stale bool
}

type message struct {
	entry *watchEntry
	raw   RawEvent
	err   error
}

type processor interface {
	process(msg message)
	flush()
}

// eventLoop is the state shared by both watcher kinds. Native handle
// goroutines only append to queue; everything else runs on the loop
// goroutine, except Cancel which may be called from anywhere.
type eventLoop struct {
	options  Options
	filter   pathFilter
	callback Callback

	mutex   sync.Mutex
	queue   []message
	handles map[string]*watchEntry
	closed  bool

	// owner is the id of the loop goroutine, zero until it runs.
	owner     atomic.Uint64
	wake      chan struct{}
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	timer     *time.Timer
}

func newEventLoop(options Options, callback Callback) *eventLoop {
	options = options.withDefaults()
	return &eventLoop{
		options:  options,
		filter:   newPathFilter(options.Include, options.Exclude),
		callback: callback,
		handles:  make(map[string]*watchEntry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (loop *eventLoop) start(p processor) {
	go loop.run(p)
}

// disable turns the loop into a no-op after a start failure.
func (loop *eventLoop) disable() {
	loop.mutex.Lock()
	loop.closed = true
	loop.mutex.Unlock()
	loop.closeOnce.Do(func() { close(loop.done) })
	close(loop.loopDone)
}

func (loop *eventLoop) run(p processor) {
	defer close(loop.loopDone)
	loop.owner.Store(goroutineID())
	for {
		select {
		case <-loop.done:
			return
		case <-loop.wake:
			for _, msg := range loop.drain() {
				if loop.isClosed() {
					return
				}
				p.process(msg)
			}
		case <-loop.timerC():
			if loop.isClosed() {
				return
			}
			p.flush()
		}
	}
}

func (loop *eventLoop) timerC() <-chan time.Time {
	if loop.timer == nil {
		return nil
	}
	return loop.timer.C
}

func (loop *eventLoop) drain() []message {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	queued := loop.queue
	loop.queue = nil
	return queued
}

func (loop *eventLoop) isClosed() bool {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	return loop.closed
}

// enqueueFor returns the native callback for one entry. It never blocks.
func (loop *eventLoop) enqueueFor(entry *watchEntry) func(RawEvent, error) {
	return func(raw RawEvent, err error) {
		loop.mutex.Lock()
		if loop.closed {
			loop.mutex.Unlock()
			return
		}
		loop.queue = append(loop.queue, message{entry: entry, raw: raw, err: err})
		loop.mutex.Unlock()
		select {
		case loop.wake <- struct{}{}:
		default:
		}
	}
}

// current reports whether msg came from the handle registered for its path.
func (loop *eventLoop) current(msg message) bool {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	if loop.closed {
		return false
	}
	return loop.handles[msg.entry.path] == msg.entry
}

// attach starts a native handle on path and registers it. info identifies
// the directory and is looked up when nil. A failure is reported and
// otherwise ignored.
func (loop *eventLoop) attach(path string, info fs.FileInfo) bool {
	if info == nil {
		info, _ = statPath(path)
	}
	entry := &watchEntry{path: path, info: info}
	handle, err := loop.options.Source.Start(path, loop.enqueueFor(entry))
	if err != nil {
		loop.startFailed(path, err)
		return false
	}
	entry.handle = handle

	loop.mutex.Lock()
	if loop.closed {
		loop.mutex.Unlock()
		_ = handle.Stop()
		return false
	}
	previous := loop.handles[path]
	loop.handles[path] = entry
	active := len(loop.handles)
	loop.mutex.Unlock()

	if previous != nil {
		loop.stopHandle(previous)
	} else {
		loop.options.Metrics.AddActiveWatches(1)
	}
	loop.options.Logger.Debug("watch attached", map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(active),
	})
	return true
}

// release stops the handle for path and every handle beneath it.
func (loop *eventLoop) release(path string) {
	loop.mutex.Lock()
	released := make([]*watchEntry, 0, 1)
	for key, entry := range loop.handles {
		if fsutil.IsWithinPath(path, key) {
			released = append(released, entry)
			delete(loop.handles, key)
		}
	}
	active := len(loop.handles)
	loop.mutex.Unlock()

	for _, entry := range released {
		loop.stopHandle(entry)
		loop.options.Logger.Debug("watch released", map[string]string{
			"path":           entry.path,
			"active_watches": strconv.Itoa(active),
		})
	}
	loop.options.Metrics.AddActiveWatches(-int64(len(released)))
}

func (loop *eventLoop) stopHandle(entry *watchEntry) {
	if entry == nil || entry.handle == nil || entry.handle.Closing() {
		return
	}
	if err := entry.handle.Stop(); err != nil {
		loop.options.Logger.Warn("watch stop failed", map[string]string{
			"path":  entry.path,
			"error": err.Error(),
		})
	}
}

func (loop *eventLoop) watched() []string {
	loop.mutex.Lock()
	paths := make([]string, 0, len(loop.handles))
	for path := range loop.handles {
		paths = append(paths, path)
	}
	loop.mutex.Unlock()
	sort.Strings(paths)
	return paths
}

// entry returns the registered entry for path.
func (loop *eventLoop) entry(path string) *watchEntry {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	return loop.handles[path]
}

func (loop *eventLoop) watching(path string) bool {
	path = fsutil.Normalize(path)
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	_, ok := loop.handles[path]
	return ok
}

// deliver runs the callback unless the watcher has been cancelled.
func (loop *eventLoop) deliver(path string, change FileChangeType) bool {
	if loop.isClosed() {
		return false
	}
	loop.options.Metrics.IncEmitted(change.String())
	if loop.callback != nil {
		loop.callback(path, change)
	}
	return true
}

// shutdown marks the loop closed and stops every handle.
func (loop *eventLoop) shutdown() {
	loop.mutex.Lock()
	if loop.closed {
		loop.mutex.Unlock()
		return
	}
	loop.closed = true
	entries := make([]*watchEntry, 0, len(loop.handles))
	for _, entry := range loop.handles {
		entries = append(entries, entry)
	}
	loop.handles = make(map[string]*watchEntry)
	loop.queue = nil
	loop.mutex.Unlock()

	loop.closeOnce.Do(func() { close(loop.done) })
	if loop.timer != nil {
		loop.timer.Stop()
	}
	for _, entry := range entries {
		loop.stopHandle(entry)
	}
	loop.options.Metrics.AddActiveWatches(-int64(len(entries)))
	if len(entries) > 0 {
		loop.options.Logger.Debug("watcher stopped", map[string]string{
			"released": strconv.Itoa(len(entries)),
		})
	}
}

// cancel stops every handle and waits for the loop to exit, including any
// callback still running. On the loop goroutine itself, from a callback or
// OnFatal, it returns without waiting; the loop exits once that returns.
func (loop *eventLoop) cancel() {
	loop.shutdown()
	if loop.onLoop() {
		return
	}
	<-loop.loopDone
}

func (loop *eventLoop) onLoop() bool {
	owner := loop.owner.Load()
	return owner != 0 && owner == goroutineID()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID reads the calling goroutine's id from its stack header, which
// starts with "goroutine N [".
func goroutineID() uint64 {
	var buf [64]byte
	header := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], goroutinePrefix)
	if i := bytes.IndexByte(header, ' '); i >= 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// fail stops the watcher after an unrecoverable error. It runs on the loop
// goroutine.
func (loop *eventLoop) fail(err error) {
	loop.options.Metrics.IncFatal()
	loop.options.Logger.Error("watcher failed", map[string]string{
		"error": err.Error(),
	})
	loop.shutdown()
	if loop.options.OnFatal != nil {
		loop.options.OnFatal(err)
	}
}

func (loop *eventLoop) startFailed(path string, err error) {
	loop.options.Metrics.IncStartFailure()
	loop.options.Logger.Warn("watch start failed", map[string]string{
		"path":  path,
		"error": err.Error(),
	})
	loop.options.Notifier.NotifyOnce(fmt.Sprintf("Unable to watch %s: %v", path, err), notification.SeverityWarning)
}
