// Package pathmatch provides the path predicates used for include and exclude
// filtering of watch events.
package pathmatch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher is an opaque predicate over normalized paths.
type Matcher interface {
	Match(path string) bool
}

// Func adapts a plain function to Matcher.
type Func func(path string) bool

func (fn Func) Match(path string) bool {
	if fn == nil {
		return false
	}
	return fn(path)
}

// Glob matches paths against doublestar patterns such as "**/*.go". A path
// matches when any pattern matches all of it, so a bare "*.go" never matches
// an absolute path. Paths are compared in slash form.
type Glob struct {
	patterns []string
}

// NewGlob validates patterns and returns a Glob. Blank patterns are ignored.
func NewGlob(patterns ...string) (*Glob, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		pattern = filepath.ToSlash(pattern)
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern %q", pattern)
		}
		cleaned = append(cleaned, pattern)
	}
	return &Glob{patterns: cleaned}, nil
}

// MustGlob is NewGlob for patterns known to be valid.
func MustGlob(patterns ...string) *Glob {
	glob, err := NewGlob(patterns...)
	if err != nil {
		panic(err)
	}
	return glob
}

func (glob *Glob) Match(path string) bool {
	if glob == nil || len(glob.patterns) == 0 {
		return false
	}
	normalized := filepath.ToSlash(path)
	for _, pattern := range glob.patterns {
		if matched, err := doublestar.Match(pattern, normalized); err == nil && matched {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns.
func (glob *Glob) Patterns() []string {
	if glob == nil {
		return nil
	}
	out := make([]string, len(glob.patterns))
	copy(out, glob.patterns)
	return out
}

// Empty reports whether the glob has no patterns.
func (glob *Glob) Empty() bool {
	return glob == nil || len(glob.patterns) == 0
}
