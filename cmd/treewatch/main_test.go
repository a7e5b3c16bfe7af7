package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"treewatch/internal/config"
	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/notification"
	"treewatch/internal/version"
	"treewatch/internal/watcher"

	"github.com/gorilla/websocket"
)

type syncBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

func emptyEnv(string) string { return "" }

func tempRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	return root
}

func waitForOutput(t *testing.T, buffer *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buffer.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, got %q", want, buffer.String())
}

type runResult struct {
	code   int
	out    *syncBuffer
	errOut *syncBuffer
	done   chan struct{}
}

func startRun(t *testing.T, args []string, signalCh chan os.Signal) *runResult {
	t.Helper()
	result := &runResult{out: &syncBuffer{}, errOut: &syncBuffer{}, done: make(chan struct{})}
	go func() {
		defer close(result.done)
		result.code = run(args, result.out, result.errOut, signalCh, emptyEnv)
	}()
	return result
}

func (r *runResult) wait(t *testing.T) int {
	t.Helper()
	select {
	case <-r.done:
		return r.code
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
		return -1
	}
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"-version"}, &out, &errOut, nil, emptyEnv)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d", code)
	}
	if strings.TrimSpace(out.String()) != "treewatch dev" {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"--help"}, &out, &errOut, nil, emptyEnv)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d", code)
	}
	if !strings.Contains(errOut.String(), "Usage: treewatch") {
		t.Fatalf("expected usage, got %q", errOut.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	root := tempRoot(t)
	cases := map[string][]string{
		"unknown flag":   {"-nope"},
		"two paths":      {root, root},
		"zero debounce":  {"-debounce", "0s", root},
		"bad format":     {"-format", "xml", root},
		"bad glob":       {"-exclude", "[", root},
		"missing config": {"-config", filepath.Join(root, "missing.toml"), root},
	}
	for name, args := range cases {
		var out, errOut bytes.Buffer
		if code := run(args, &out, &errOut, nil, emptyEnv); code != exitCodeUsage {
			t.Fatalf("%s: expected usage exit, got %d (%s)", name, code, errOut.String())
		}
	}
}

func TestRunFailsForUnwatchableRoot(t *testing.T) {
	root := tempRoot(t)
	file := filepath.Join(root, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := run([]string{filepath.Join(root, "missing")}, &out, &errOut, nil, emptyEnv); code != exitCodeFailure {
		t.Fatalf("expected failure for missing root, got %d", code)
	}
	errOut.Reset()
	if code := run([]string{file}, &out, &errOut, nil, emptyEnv); code != exitCodeFailure {
		t.Fatalf("expected failure for recursive file root, got %d", code)
	}
	if !strings.Contains(errOut.String(), "not a directory") {
		t.Fatalf("expected not a directory error, got %q", errOut.String())
	}
}

func TestRunReportsChangesUntilSignal(t *testing.T) {
	root := tempRoot(t)
	signalCh := make(chan os.Signal, 1)
	result := startRun(t, []string{"-debounce", "20ms", root}, signalCh)
	waitForOutput(t, result.errOut, `msg="watching"`)

	dir := filepath.Join(root, "made")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitForOutput(t, result.out, "created "+dir)

	signalCh <- os.Interrupt
	if code := result.wait(t); code != exitCodeSuccess {
		t.Fatalf("expected success after signal, got %d (%s)", code, result.errOut.String())
	}
	waitForOutput(t, result.errOut, "shutdown signal received")
}

func TestRunWatchesSingleFile(t *testing.T) {
	root := tempRoot(t)
	file := filepath.Join(root, "settings.toml")
	if err := os.WriteFile(file, []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	signalCh := make(chan os.Signal, 1)
	result := startRun(t, []string{"-recursive=false", "-format", "json", file}, signalCh)
	waitForOutput(t, result.errOut, `"message":"watching"`)

	if err := os.WriteFile(file, []byte("a = 2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitForOutput(t, result.out, `"change":"changed"`)
	if !strings.Contains(result.out.String(), `"path":"`+file+`"`) {
		t.Fatalf("expected file path in %q", result.out.String())
	}

	signalCh <- os.Interrupt
	if code := result.wait(t); code != exitCodeSuccess {
		t.Fatalf("expected success after signal, got %d", code)
	}
}

func TestPrinterTextFormat(t *testing.T) {
	var out bytes.Buffer
	printChange := newPrinter(&out, config.FormatText)
	printChange("/tmp/a", watcher.Created)
	printChange("/tmp/b", watcher.Deleted)
	if out.String() != "created /tmp/a\ndeleted /tmp/b\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestServeExposesMetrics(t *testing.T) {
	registry := &metrics.Registry{}
	registry.IncEmitted("created")
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"

	addr, stop, err := serve(cfg, event.NewBus[event.ChangeEvent](context.Background(), event.BusOptions{}), nil, registry, logging.Discard(), emptyEnv)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer stop()

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `treewatch_events_emitted_total{change="created"} 1`) {
		t.Fatalf("expected emitted counter, got %q", body)
	}

	versionResp, err := http.Get("http://" + addr.String() + "/version")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	defer versionResp.Body.Close()
	var info version.VersionInfo
	if err := json.NewDecoder(versionResp.Body).Decode(&info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info.Version != version.Version {
		t.Fatalf("expected version %q, got %q", version.Version, info.Version)
	}
}

func TestServeStreamsNotifications(t *testing.T) {
	notifications := event.NewBus[notification.Event](context.Background(), event.BusOptions{
		Name:        "notification_events",
		HistorySize: notificationHistorySize,
		Registry:    &metrics.Registry{},
	})
	defer notifications.Close()
	center := notification.NewCenter(notifications, nil)
	center.NotifyOnce("Unable to watch /r/locked: permission denied", notification.SeverityWarning)

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	getenv := func(key string) string {
		if key == "TREEWATCH_TOKEN" {
			return "secret"
		}
		return ""
	}
	addr, stop, err := serve(cfg, nil, notifications, &metrics.Registry{}, logging.Discard(), getenv)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/notifications?token=secret", nil)
	if err != nil {
		t.Fatalf("dial notifications: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var toast notification.Event
	if err := conn.ReadJSON(&toast); err != nil {
		t.Fatalf("read toast: %v", err)
	}
	if toast.Type() != notification.EventTypeToast || toast.Level != notification.SeverityWarning || !strings.Contains(toast.Message, "/r/locked") {
		t.Fatalf("unexpected toast %+v", toast)
	}
}
