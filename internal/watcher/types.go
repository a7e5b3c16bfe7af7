package watcher

import (
	"errors"
	"time"

	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/notification"
	"treewatch/internal/pathmatch"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	categoryWatcher = "watcher"
)

var ErrNotDirectory = errors.New("not a directory")

// FileChangeType is the classification reported for a path.
type FileChangeType int

const (
	Created FileChangeType = iota + 1
	Changed
	Deleted
)

func (change FileChangeType) String() string {
	switch change {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseChangeType is the inverse of FileChangeType.String.
func ParseChangeType(value string) (FileChangeType, bool) {
	switch value {
	case "created":
		return Created, true
	case "changed":
		return Changed, true
	case "deleted":
		return Deleted, true
	default:
		return 0, false
	}
}

// Callback receives one classified event.
type Callback func(path string, change FileChangeType)

// Canceler stops a watcher. Cancel is idempotent.
type Canceler interface {
	Cancel()
}

// Options controls both watch kinds.
type Options struct {
	// Debounce is the trailing quiet period before WatchDirs reconciles.
	// Watch ignores it.
	Debounce time.Duration
	// Include, when set, must match a path for it to be reported.
	Include pathmatch.Matcher
	// Exclude, when set, suppresses every path it matches.
	Exclude pathmatch.Matcher
	// MaxDepth bounds initial enumeration. Zero means fsutil.DefaultMaxDepth.
	MaxDepth int
	// DisableCatchUp turns off the rescan of directories attached during
	// reconciliation.
	DisableCatchUp bool

	Logger   *logging.Logger
	Notifier notification.Notifier
	Metrics  *metrics.Registry
	// Source defaults to a fresh NewFSNotifySource per watcher.
	Source Source
	// OnFatal is called once when a watcher stops itself after an
	// unrecoverable error. It runs on the watcher goroutine.
	OnFatal func(error)
}

func (options Options) withDefaults() Options {
	if options.Debounce <= 0 {
		options.Debounce = DefaultDebounce
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	options.Logger = options.Logger.Named(categoryWatcher)
	if options.Notifier == nil {
		options.Notifier = notification.Default()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.Default
	}
	if options.Source == nil {
		options.Source = NewFSNotifySource()
	}
	return options
}
