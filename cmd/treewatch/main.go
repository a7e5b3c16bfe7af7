package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"treewatch/internal/config"
	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/notification"
	"treewatch/internal/otel"
	"treewatch/internal/stream"
	"treewatch/internal/version"
	"treewatch/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

const (
	changeHistorySize       = 256
	notificationHistorySize = 32
	maxStreamSubscribers    = 64
)

func main() {
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, signalCh, os.Getenv))
}

func run(args []string, out, errOut io.Writer, signalCh <-chan os.Signal, getenv func(string) string) int {
	options, err := parseArgs(args, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitCodeSuccess
		}
		return exitCodeUsage
	}
	if options.ShowVersion {
		fmt.Fprintln(out, version.Banner("treewatch"))
		return exitCodeSuccess
	}

	cfg, err := config.Load(options.ConfigPath, getenv)
	if err != nil {
		fmt.Fprintf(errOut, "treewatch: %v\n", err)
		return exitCodeUsage
	}
	options.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(errOut, "treewatch: %v\n", err)
		return exitCodeUsage
	}
	watchOptions, err := cfg.WatchOptions()
	if err != nil {
		fmt.Fprintf(errOut, "treewatch: %v\n", err)
		return exitCodeUsage
	}
	if err := checkRoot(cfg); err != nil {
		fmt.Fprintf(errOut, "treewatch: %v\n", err)
		return exitCodeFailure
	}

	logger := logging.NewLoggerWithOptions(logging.Options{
		Level:  cfg.Level(),
		Output: errOut,
		JSON:   cfg.Format == config.FormatJSON,
	})
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := watchShutdownSignals(logger, cancel, signalCh)
	defer stopSignals()

	registry := &metrics.Registry{}
	notificationBus := event.NewBus[notification.Event](ctx, event.BusOptions{
		Name:           "notification_events",
		MaxSubscribers: maxStreamSubscribers,
		HistorySize:    notificationHistorySize,
		Registry:       registry,
		Logger:         logger,
	})
	defer notificationBus.Close()
	changeBus := event.NewBus[event.ChangeEvent](ctx, event.BusOptions{
		Name:                 "change_events",
		SubscriberBufferSize: 1024,
		MaxSubscribers:       maxStreamSubscribers,
		HistorySize:          changeHistorySize,
		Registry:             registry,
		Logger:               logger,
	})
	defer changeBus.Close()

	otelOptions := otel.SDKOptionsFromEnv(getenv)
	otelOptions.ServiceVersion = version.Version
	shutdownMetrics, err := otel.SetupMetrics(ctx, otelOptions, registry)
	if err != nil {
		logger.Warn("otel metrics export disabled", map[string]string{"error": err.Error()})
		shutdownMetrics = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("otel metrics shutdown failed", map[string]string{"error": err.Error()})
		}
	}()

	fatal := make(chan error, 1)
	watchOptions.Logger = logger
	watchOptions.Notifier = notification.NewCenter(notificationBus, logger.Named("notification"))
	watchOptions.Metrics = registry
	watchOptions.OnFatal = func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}
	callback := watcher.Tee(newPrinter(out, cfg.Format), watcher.Publish(changeBus))

	var handle watcher.Canceler
	if cfg.Recursive {
		dirs := watcher.WatchDirs(cfg.Root, watchOptions, callback)
		if len(dirs.Watched()) == 0 {
			dirs.Cancel()
			fmt.Fprintf(errOut, "treewatch: unable to watch %s\n", cfg.Root)
			return exitCodeFailure
		}
		handle = dirs
	} else {
		handle = watcher.Watch(cfg.Root, watchOptions, callback)
	}
	defer handle.Cancel()
	logger.Info("watching", map[string]string{
		"root":      cfg.Root,
		"recursive": fmt.Sprint(cfg.Recursive),
	})

	if cfg.Listen != "" {
		_, stopServer, err := serve(cfg, changeBus, notificationBus, registry, logger, getenv)
		if err != nil {
			fmt.Fprintf(errOut, "treewatch: %v\n", err)
			return exitCodeFailure
		}
		defer stopServer()
	}

	select {
	case <-ctx.Done():
		return exitCodeSuccess
	case err := <-fatal:
		logger.Error("watch failed", map[string]string{"error": err.Error()})
		return exitCodeFailure
	}
}

func checkRoot(cfg config.Config) error {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return err
	}
	if cfg.Recursive && !info.IsDir() {
		return fmt.Errorf("%s: %w", cfg.Root, watcher.ErrNotDirectory)
	}
	return nil
}

func serve(cfg config.Config, changes *event.Bus[event.ChangeEvent], notifications *event.Bus[notification.Event], registry *metrics.Registry, logger *logging.Logger, getenv func(string) string) (net.Addr, func(), error) {
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	token := getenv("TREEWATCH_TOKEN")
	mux := http.NewServeMux()
	mux.Handle("/events", &stream.EventsHandler{
		Bus:       changes,
		Logger:    logger.Named("stream"),
		AuthToken: token,
	})
	mux.Handle("/notifications", &stream.NotificationsHandler{
		Bus:       notifications,
		Logger:    logger.Named("stream"),
		AuthToken: token,
	})
	mux.Handle("/logs", &stream.LogsHandler{
		Logger:    logger,
		AuthToken: token,
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if err := registry.WritePrometheus(w); err != nil {
			logger.Warn("metrics write failed", map[string]string{"error": err.Error()})
		}
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.GetVersionInfo())
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", map[string]string{"error": err.Error()})
		}
	}()
	logger.Info("treewatch listening", map[string]string{"addr": listener.Addr().String()})

	return listener.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			_ = server.Close()
		}
		<-served
	}, nil
}
