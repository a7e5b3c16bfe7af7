// Package watcher turns raw native filesystem notifications into classified
// created, changed and deleted events.
//
// Watch binds one native handle to a single path and classifies every raw
// event as it arrives. WatchDirs keeps one handle per directory under a root,
// coalesces raw events behind a trailing debounce timer and re-stats every
// pending path before reporting it, growing and shrinking its handle set to
// follow the tree.
//
// Each watcher runs its callbacks on a single goroutine. Callbacks for one
// path arrive in the order they were resolved; there is no ordering between
// different paths. After Cancel returns no further callback starts.
package watcher
