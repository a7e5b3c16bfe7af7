package watcher

import (
	"fmt"
	"io/fs"
	"os"

	"treewatch/internal/fsutil"
	"treewatch/internal/pathmatch"
)

var statPath = os.Stat

// classifyRaw resolves a raw event the moment it arrives. Only rename-class
// events touch the filesystem.
func classifyRaw(raw RawEvent, path string) (FileChangeType, error) {
	if !raw.Rename {
		return Changed, nil
	}
	if _, err := statPath(path); err != nil {
		if fsutil.IsNotExist(err) {
			return Deleted, nil
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return Created, nil
}

// resolvePending re-stats a path after the debounce window. The returned info
// is nil for Deleted.
func resolvePending(path string, changed bool) (FileChangeType, fs.FileInfo, error) {
	info, err := statPath(path)
	if err != nil {
		if fsutil.IsNotExist(err) {
			return Deleted, nil, nil
		}
		return 0, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if changed {
		return Changed, info, nil
	}
	return Created, info, nil
}

// sameDirectory reports whether two stats describe the same directory. Stats
// that carry no OS identity are taken to match.
func sameDirectory(previous, current fs.FileInfo) bool {
	if previous == nil || current == nil || previous.Sys() == nil || current.Sys() == nil {
		return true
	}
	return os.SameFile(previous, current)
}

type pathFilter struct {
	include pathmatch.Matcher
	exclude pathmatch.Matcher
}

type emptyMatcher interface {
	Empty() bool
}

func newPathFilter(include, exclude pathmatch.Matcher) pathFilter {
	return pathFilter{include: activeMatcher(include), exclude: activeMatcher(exclude)}
}

// activeMatcher treats an empty pattern set the same as no matcher.
func activeMatcher(matcher pathmatch.Matcher) pathmatch.Matcher {
	if matcher == nil {
		return nil
	}
	if empty, ok := matcher.(emptyMatcher); ok && empty.Empty() {
		return nil
	}
	return matcher
}

func (filter pathFilter) skip(path string) bool {
	if filter.include != nil && !filter.include.Match(path) {
		return true
	}
	return filter.exclude != nil && filter.exclude.Match(path)
}
