package stream

import (
	"net/http"
	"time"

	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/notification"

	"github.com/gorilla/websocket"
)

// NotificationsHandler streams toasts from Bus, starting with the ones the
// bus still retains so that a client connecting after a start failure still
// sees it.
type NotificationsHandler struct {
	Bus            *event.Bus[notification.Event]
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

type notificationPayload struct {
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *NotificationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.AuthToken) {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusUnauthorized,
			Message: "unauthorized",
		})
		return
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

	history, output, cancel, ok := h.Bus.SubscribeWithHistory(nil)
	if !ok {
		writeWSError(w, r, conn, h.Logger, wsError{
			Status:       http.StatusServiceUnavailable,
			Message:      "notification stream unavailable",
			SendEnvelope: true,
		})
		return
	}
	defer cancel()

	writer := startWSWriteLoop(conn, history, output, notificationPayloadFrom)
	defer writer.Stop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func notificationPayloadFrom(value notification.Event) (any, bool) {
	payload := notificationPayload{
		Type:      value.EventType,
		Level:     value.Level,
		Message:   value.Message,
		Timestamp: value.OccurredAt,
	}
	if payload.Type == "" {
		payload.Type = notification.EventTypeToast
	}
	if payload.Level == "" {
		payload.Level = notification.SeverityInfo
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	return payload, true
}
