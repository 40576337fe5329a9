// Command toolza-receive is the informational CLI surface over the
// receiver engine (§6): a thin flag-parsing wrapper, not where any
// protocol logic lives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LordixDemon/toolza-sender/internal/metrics"
	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/receiver"
	"github.com/LordixDemon/toolza-sender/internal/transport"
)

var (
	listenAddr  string
	driverName  string
	saveDir     string
	extract     bool
	metricsAddr string
	logLevel    string
)

func main() {
	flag.StringVar(&listenAddr, "addr", ":9527", "address to listen on")
	flag.StringVar(&driverName, "transport", "tcp", "transport driver: tcp, udp, quic, kcp")
	flag.StringVar(&saveDir, "save-dir", defaultSaveDir(), "directory incoming entries are placed under")
	flag.BoolVar(&extract, "extract", false, "extract recognized archive suffixes (.tar.lz4/.tar.zst as they arrive, other archives after they are saved)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "optional address to serve Prometheus metrics on (e.g. :9529)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)})))

	if saveDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: toolza-receive -save-dir <dir> [options]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "toolza-receive: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return fmt.Errorf("prepare save dir: %w", err)
	}

	drv, err := transport.Open(driverName, transport.Options{})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	lst, err := drv.Listen(ctx, listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer lst.Close()
	slog.Info("listening", "addr", lst.Addr(), "transport", drv.Name(), "save_dir", saveDir)

	bus := progress.NewBus()
	defer bus.Close()

	if metricsAddr != "" {
		collector := metrics.NewCollector()
		prometheus.MustRegister(collector)
		events, unsubscribe := bus.Subscribe()
		defer unsubscribe()
		go collector.Run(events)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("metrics server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	logEvents, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go logProgress(logEvents)

	listener := receiver.NewListener(lst, drv.Reliable(), receiver.Config{SaveDir: saveDir, Extract: extract}, bus)
	if err := listener.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func logProgress(events <-chan progress.Event) {
	for e := range events {
		switch e.Kind {
		case progress.Started:
			slog.Debug("entry started", "session", e.SessionID, "path", e.EntryPath, "size", e.TotalBytes)
		case progress.Finished:
			slog.Info("entry finished", "session", e.SessionID, "path", e.EntryPath)
		case progress.Failed:
			slog.Warn("entry failed", "session", e.SessionID, "path", e.EntryPath, "err", e.Err)
		}
	}
}

// defaultSaveDir is the OS Downloads folder (§3), falling back to the
// current directory when the home directory can't be resolved.
func defaultSaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
