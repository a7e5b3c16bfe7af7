package watcher

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// RawEvent is one notification from a native handle. Name is relative to the
// watched path and empty when the event concerns the path itself.
type RawEvent struct {
	Name   string
	Rename bool
	Change bool
}

// Source starts native handles. onEvent is called from a goroutine owned by
// the source and must not block; it receives either an event or an error.
type Source interface {
	Start(path string, onEvent func(RawEvent, error)) (NativeHandle, error)
}

// NativeHandle is a live binding to one watched path.
type NativeHandle interface {
	// Stop releases the handle. Calling it on a closing handle is a no-op.
	Stop() error
	Closing() bool
}

// fsnotifySource multiplexes its handles onto one fsnotify.Watcher, so a
// whole tree costs a single inotify instance. The watcher is created by the
// first Start and closed when the last handle stops.
type fsnotifySource struct {
	mutex   sync.Mutex
	native  *fsnotify.Watcher
	done    chan struct{}
	handles map[string]*fsnotifyHandle
}

// NewFSNotifySource returns a Source backed by one shared fsnotify.Watcher.
// Paths started on the same source must be distinct.
func NewFSNotifySource() Source {
	return &fsnotifySource{handles: make(map[string]*fsnotifyHandle)}
}

func (source *fsnotifySource) Start(path string, onEvent func(RawEvent, error)) (NativeHandle, error) {
	path = filepath.Clean(path)
	source.mutex.Lock()
	if source.native == nil {
		native, err := fsnotify.NewWatcher()
		if err != nil {
			source.mutex.Unlock()
			return nil, err
		}
		source.native = native
		source.done = make(chan struct{})
		go source.forward(native, source.done)
	}
	if err := source.native.Add(path); err != nil {
		native, done := source.retireLocked()
		source.mutex.Unlock()
		closeNative(native, done)
		return nil, err
	}
	handle := &fsnotifyHandle{source: source, path: path, onEvent: onEvent}
	source.handles[path] = handle
	source.mutex.Unlock()
	return handle, nil
}

// remove unregisters handle. A handle already replaced by a newer one on the
// same path leaves the OS watch alone.
func (source *fsnotifySource) remove(handle *fsnotifyHandle) error {
	source.mutex.Lock()
	if source.handles[handle.path] != handle {
		source.mutex.Unlock()
		return nil
	}
	delete(source.handles, handle.path)
	err := source.native.Remove(handle.path)
	if errors.Is(err, fsnotify.ErrNonExistentWatch) || errors.Is(err, syscall.EINVAL) {
		// The kernel drops the watch itself once the directory is gone.
		err = nil
	}
	native, done := source.retireLocked()
	source.mutex.Unlock()

	if closeErr := closeNative(native, done); err == nil {
		err = closeErr
	}
	return err
}

// retireLocked detaches the shared watcher once no handle uses it. The
// caller closes it after unlocking, since forward may be waiting on mutex.
func (source *fsnotifySource) retireLocked() (*fsnotify.Watcher, chan struct{}) {
	if len(source.handles) > 0 || source.native == nil {
		return nil, nil
	}
	native, done := source.native, source.done
	source.native = nil
	source.done = nil
	return native, done
}

func closeNative(native *fsnotify.Watcher, done chan struct{}) error {
	if native == nil {
		return nil
	}
	err := native.Close()
	<-done
	return err
}

func (source *fsnotifySource) forward(native *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-native.Events:
			if !ok {
				return
			}
			source.dispatch(event)
		case err, ok := <-native.Errors:
			if !ok {
				return
			}
			for _, handle := range source.live() {
				handle.deliver(RawEvent{}, err)
			}
		}
	}
}

// dispatch hands an event to the handle on the directory containing it and
// to the handle on the path itself. inotify reports both under one name, so
// a removed subdirectory reaches its parent as a child event and its own
// handle as a self event.
func (source *fsnotifySource) dispatch(event fsnotify.Event) {
	raw, ok := translate(event)
	if !ok {
		return
	}
	name := filepath.Clean(event.Name)
	source.mutex.Lock()
	self := source.handles[name]
	parent := source.handles[filepath.Dir(name)]
	source.mutex.Unlock()

	if parent != nil && parent != self {
		child := raw
		child.Name = filepath.Base(name)
		parent.deliver(child, nil)
	}
	if self != nil {
		self.deliver(raw, nil)
	}
}

func (source *fsnotifySource) live() []*fsnotifyHandle {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	handles := make([]*fsnotifyHandle, 0, len(source.handles))
	for _, handle := range source.handles {
		handles = append(handles, handle)
	}
	return handles
}

type fsnotifyHandle struct {
	source  *fsnotifySource
	path    string
	onEvent func(RawEvent, error)
	closing atomic.Bool
}

func (handle *fsnotifyHandle) Stop() error {
	if !handle.closing.CompareAndSwap(false, true) {
		return nil
	}
	return handle.source.remove(handle)
}

func (handle *fsnotifyHandle) Closing() bool {
	return handle.closing.Load()
}

func (handle *fsnotifyHandle) deliver(raw RawEvent, err error) {
	if handle.Closing() {
		return
	}
	handle.onEvent(raw, err)
}

// translate maps fsnotify ops onto the two raw classes. Name is left empty;
// dispatch fills it in per receiving handle.
func translate(event fsnotify.Event) (RawEvent, bool) {
	raw := RawEvent{
		Rename: event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename),
		Change: event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod),
	}
	if !raw.Rename && !raw.Change {
		return RawEvent{}, false
	}
	return raw, true
}
