package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"treewatch/internal/config"
	"treewatch/internal/event"
	"treewatch/internal/watcher"
)

// newPrinter writes one line per change: "<change> <path>" or a JSON object.
func newPrinter(out io.Writer, format string) watcher.Callback {
	var mutex sync.Mutex
	encoder := json.NewEncoder(out)
	return func(path string, change watcher.FileChangeType) {
		mutex.Lock()
		defer mutex.Unlock()
		if format == config.FormatJSON {
			_ = encoder.Encode(event.NewChangeEvent(path, change.String()))
			return
		}
		fmt.Fprintf(out, "%s %s\n", change, path)
	}
}
