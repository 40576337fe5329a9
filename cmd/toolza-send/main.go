// Command toolza-send is the informational CLI surface over the
// sender engine (§6): a thin flag-parsing wrapper, not where any
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
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LordixDemon/toolza-sender/internal/metrics"
	"github.com/LordixDemon/toolza-sender/internal/plan"
	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/sender"
	"github.com/LordixDemon/toolza-sender/internal/transport"
)

var (
	targets     string
	driverName  string
	flat        bool
	compress    bool
	syncMode    bool
	metricsAddr string
	logLevel    string
)

func main() {
	flag.StringVar(&targets, "targets", "", "comma-separated list of host:port targets")
	flag.StringVar(&driverName, "transport", "tcp", "transport driver: tcp, udp, quic, kcp")
	flag.BoolVar(&flat, "flat", false, "collapse directory structure to basenames")
	flag.BoolVar(&compress, "compress", false, "enable per-chunk LZ4 compression")
	flag.BoolVar(&syncMode, "sync", false, "skip entries unchanged on the receiving side")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "optional address to serve Prometheus metrics on (e.g. :9528)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)})))

	paths := flag.Args()
	if targets == "" || len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: toolza-send -targets host:port[,host:port...] [options] path [path...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(paths); err != nil {
		fmt.Fprintf(os.Stderr, "toolza-send: %v\n", err)
		os.Exit(1)
	}
}

func run(paths []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entries, err := plan.Build(paths, plan.Options{Flat: flat})
	if err != nil {
		return fmt.Errorf("build transfer plan: %w", err)
	}
	slog.Info("transfer plan built", "entries", len(entries))

	drv, err := transport.Open(driverName, transport.Options{})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

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

	engine := &sender.Engine{
		Transport: drv,
		Targets:   splitTargets(targets),
		Entries:   entries,
		Config:    sender.Config{Flat: flat, Compress: compress, Sync: syncMode},
		Bus:       bus,
	}

	results := engine.Run(ctx)
	var failed []string
	for _, r := range results {
		if r.Err != nil {
			slog.Error("target failed", "target", r.Target, "err", r.Err)
			failed = append(failed, r.Target)
		} else {
			slog.Info("target complete", "target", r.Target)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d targets failed: %s", len(failed), len(results), strings.Join(failed, ", "))
	}
	return nil
}

func logProgress(events <-chan progress.Event) {
	for e := range events {
		switch e.Kind {
		case progress.Started:
			slog.Debug("entry started", "session", e.SessionID, "path", e.EntryPath, "size", e.TotalBytes)
		case progress.Skipped:
			slog.Info("entry skipped", "session", e.SessionID, "path", e.EntryPath)
		case progress.Finished:
			slog.Info("entry finished", "session", e.SessionID, "path", e.EntryPath)
		case progress.Failed:
			slog.Warn("entry failed", "session", e.SessionID, "path", e.EntryPath, "err", e.Err)
		}
	}
}

func splitTargets(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
