package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// DefaultMaxDepth bounds enumeration against link cycles and pathological trees.
const DefaultMaxDepth = 64

// EntryKind distinguishes directories from everything else.
type EntryKind int

const (
	KindOther EntryKind = iota
	KindDir
)

func (kind EntryKind) String() string {
	if kind == KindDir {
		return "dir"
	}
	return "other"
}

// Entry is a single enumerated filesystem entry.
type Entry struct {
	Path string
	Kind EntryKind
}

// WalkOptions controls Walk.
type WalkOptions struct {
	// MaxDepth limits how far below the root entries are reported. Zero means
	// DefaultMaxDepth.
	MaxDepth int
	// Skip prunes a path. Skipped directories are not descended into.
	Skip func(path string) bool
	// Workers overrides the fastwalk worker count.
	Workers int
}

// Walk enumerates the tree under root and calls fn once per entry, excluding
// the root itself. Calls to fn are serialized even though the underlying walk
// is parallel, so callers need no locking of their own. Unreadable entries are
// skipped rather than aborting the walk. Returning an error from fn stops the
// walk and Walk returns that error.
func Walk(root string, options WalkOptions, fn func(Entry) error) error {
	if fn == nil {
		return errors.New("walk callback is required")
	}
	root = Normalize(root)
	maxDepth := options.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	conf := &fastwalk.Config{
		Follow:     false,
		NumWorkers: options.Workers,
	}

	var mutex sync.Mutex
	var stopErr error
	walkErr := fastwalk.Walk(conf, root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry != nil && entry.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		path = filepath.Clean(path)
		if path == root {
			return nil
		}
		isDir := entry.IsDir()
		if options.Skip != nil && options.Skip(path) {
			if isDir {
				return fs.SkipDir
			}
			return nil
		}
		depth := Depth(root, path)
		if depth > maxDepth {
			if isDir {
				return fs.SkipDir
			}
			return nil
		}

		kind := KindOther
		if isDir {
			kind = KindDir
		}

		mutex.Lock()
		defer mutex.Unlock()
		if stopErr != nil {
			return stopErr
		}
		if err := fn(Entry{Path: path, Kind: kind}); err != nil {
			stopErr = err
			return err
		}
		if isDir && depth == maxDepth {
			return fs.SkipDir
		}
		return nil
	})
	if stopErr != nil {
		return stopErr
	}
	if walkErr != nil && !IsNotExist(walkErr) {
		return walkErr
	}
	return nil
}

// Collect is a convenience wrapper returning every entry Walk reports.
func Collect(root string, options WalkOptions) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := Walk(root, options, func(entry Entry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
