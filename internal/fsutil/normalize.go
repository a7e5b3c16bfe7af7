package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Normalize cleans a filesystem path without touching the filesystem.
func Normalize(pathValue string) string {
	if pathValue == "" {
		return ""
	}
	return filepath.Clean(pathValue)
}

// Join joins a directory and an entry name reported relative to it. An empty
// name refers to the directory itself.
func Join(dir, name string) string {
	if name == "" {
		return Normalize(dir)
	}
	return filepath.Join(dir, name)
}

// IsNotExist reports whether err means the path is absent. ENOTDIR counts as
// absent because a path component was replaced by a non-directory.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// IsWithinPath reports whether child equals parent or lives beneath it.
func IsWithinPath(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}

// Depth returns the number of path elements between root and target. The root
// itself has depth zero; a direct child has depth one.
func Depth(root, target string) int {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}
