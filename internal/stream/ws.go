package stream

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"treewatch/internal/logging"

	"github.com/gorilla/websocket"
)

const wsReadBufferSize = 1024
const wsWriteBufferSize = 1024
const wsWriteTimeout = 10 * time.Second

type wsError struct {
	Status       int
	CloseCode    int
	Message      string
	Err          error
	SendEnvelope bool
}

type wsErrorPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	CloseCode int    `json:"close_code,omitempty"`
}

// wsWriteLoop writes backlog and then drains output into conn until output
// closes, a write fails or Stop is called.
type wsWriteLoop[T any] struct {
	conn         *websocket.Conn
	backlog      []T
	output       <-chan T
	buildPayload func(T) (any, bool)
	stopOnce     sync.Once
	done         chan struct{}
	exited       chan struct{}
}

func startWSWriteLoop[T any](conn *websocket.Conn, backlog []T, output <-chan T, buildPayload func(T) (any, bool)) *wsWriteLoop[T] {
	loop := &wsWriteLoop[T]{
		conn:         conn,
		backlog:      backlog,
		output:       output,
		buildPayload: buildPayload,
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
	go loop.run()
	return loop
}

func (loop *wsWriteLoop[T]) run() {
	defer close(loop.exited)
	for _, value := range loop.backlog {
		select {
		case <-loop.done:
			return
		default:
		}
		if !loop.write(value) {
			return
		}
	}
	loop.backlog = nil
	for {
		select {
		case value, ok := <-loop.output:
			if !ok {
				deadline := time.Now().Add(wsWriteTimeout)
				_ = loop.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"), deadline)
				return
			}
			if !loop.write(value) {
				return
			}
		case <-loop.done:
			return
		}
	}
}

// write reports whether the connection is still usable.
func (loop *wsWriteLoop[T]) write(value T) bool {
	payload, ok := loop.buildPayload(value)
	if !ok {
		return true
	}
	if err := loop.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return false
	}
	return loop.conn.WriteJSON(payload) == nil
}

// Stop ends the loop and waits for it to exit.
func (loop *wsWriteLoop[T]) Stop() {
	if loop == nil {
		return
	}
	loop.stopOnce.Do(func() {
		close(loop.done)
	})
	<-loop.exited
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		return queryToken == token
	}
	return false
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(originHost, hostOnly(r.Host))
}

func hostOnly(hostport string) string {
	host := hostport
	if parsedHost, _, err := net.SplitHostPort(hostport); err == nil {
		host = parsedHost
	}
	return strings.Trim(host, "[]")
}

// writeWSError sends a close frame when a websocket is available, falling back to HTTP errors otherwise.
func writeWSError(w http.ResponseWriter, r *http.Request, conn *websocket.Conn, logger *logging.Logger, wsErr wsError) {
	status := wsErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	reason := strings.TrimSpace(wsErr.Message)
	if reason == "" {
		reason = http.StatusText(status)
	}
	closeCode := wsErr.CloseCode
	if closeCode == 0 {
		closeCode = closeCodeForStatus(status)
	}
	wsErr.Status = status
	wsErr.CloseCode = closeCode
	wsErr.Message = reason
	logWSError(logger, r, wsErr)

	if conn == nil {
		http.Error(w, reason, status)
		return
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if wsErr.SendEnvelope {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteJSON(wsErrorPayload{
			Type:      "error",
			Message:   reason,
			Status:    status,
			CloseCode: closeCode,
		})
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, truncateCloseReason(reason)), deadline)
	_ = conn.Close()
}

func logWSError(logger *logging.Logger, r *http.Request, wsErr wsError) {
	if logger == nil || r == nil {
		return
	}
	fields := map[string]string{
		"path":       r.URL.Path,
		"status":     strconv.Itoa(wsErr.Status),
		"close_code": strconv.Itoa(wsErr.CloseCode),
		"message":    wsErr.Message,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if wsErr.Err != nil {
		fields["error"] = wsErr.Err.Error()
	}
	if wsErr.Status >= http.StatusInternalServerError {
		logger.Error("websocket error", fields)
	} else {
		logger.Warn("websocket error", fields)
	}
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func truncateCloseReason(reason string) string {
	const maxReasonBytes = 123
	if len(reason) <= maxReasonBytes {
		return reason
	}
	return reason[:maxReasonBytes]
}
