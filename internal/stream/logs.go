package stream

import (
	"encoding/json"
	"net/http"
	"sync"

	"treewatch/internal/logging"

	"github.com/gorilla/websocket"
)

// LogsHandler streams Logger entries, starting with what is still in its
// buffer. The level query parameter or a {"level": ...} message sets the
// minimum level; an unknown level clears it.
type LogsHandler struct {
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

type logFilterMessage struct {
	Level string `json:"level"`
}

type levelFilter struct {
	mutex sync.RWMutex
	level logging.Level
}

func (filter *levelFilter) Allows(entry logging.LogEntry) bool {
	filter.mutex.RLock()
	defer filter.mutex.RUnlock()
	return filter.level == "" || logging.LevelAtLeast(entry.Level, filter.level)
}

func (filter *levelFilter) Set(level logging.Level) {
	filter.mutex.Lock()
	filter.level = level
	filter.mutex.Unlock()
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.AuthToken) {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusUnauthorized,
			Message: "unauthorized",
		})
		return
	}
	if h.Logger == nil {
		writeWSError(w, r, nil, nil, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "log stream unavailable",
		})
		return
	}

	filter := &levelFilter{}
	if level, ok := logging.ParseLevel(r.URL.Query().Get("level")); ok {
		filter.Set(level)
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:    http.StatusBadRequest,
			CloseCode: websocket.CloseProtocolError,
			Message:   "websocket upgrade failed",
			Err:       err,
		})
		return
	}
	defer conn.Close()

	entries, cancel := h.Logger.Subscribe(filter.Allows)
	defer cancel()

	var backlog []logging.LogEntry
	for _, entry := range h.Logger.Buffer().List() {
		if filter.Allows(entry) {
			backlog = append(backlog, entry)
		}
	}

	writer := startWSWriteLoop(conn, backlog, entries, func(entry logging.LogEntry) (any, bool) {
		return entry, true
	})
	defer writer.Stop()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var message logFilterMessage
		if err := json.Unmarshal(msg, &message); err != nil {
			continue
		}
		level, ok := logging.ParseLevel(message.Level)
		if !ok {
			filter.Set("")
			continue
		}
		filter.Set(level)
	}
}
