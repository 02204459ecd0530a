package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/obsidianstack/obsidianrum/agent/internal/config"
	"github.com/obsidianstack/obsidianrum/agent/internal/monitor"
	"github.com/obsidianstack/obsidianrum/agent/internal/security"
	"github.com/obsidianstack/obsidianrum/agent/internal/state"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to config file (.yaml, .json or .jsonc)")
	inputPath := pflag.StringP("input", "i", "", "NDJSON input file, - for stdin (overrides agent.input)")
	pflag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("obsidianrum-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if lvl, err := config.ParseLevel(cfg.Agent.LogLevel); err == nil {
		level.Set(lvl)
	}
	if *inputPath != "" {
		cfg.Agent.Input = *inputPath
	}
	slog.Info("config loaded",
		"report_url", cfg.Report.URL,
		"transport", cfg.Report.Transport.Type,
		"window", cfg.Report.Aggregator.Window,
		"retry", cfg.Report.Retry.Enabled,
		"replay", cfg.Replay.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cs := security.Check(ctx, cfg.Report); cs != nil {
		attrs := []any{"endpoint", cs.Endpoint, "status", cs.Status, "auth", cs.AuthType}
		if cs.Err != nil {
			slog.Warn("report endpoint unreachable", append(attrs, "err", cs.Err)...)
		} else {
			slog.Info("report endpoint certificate", append(attrs, "issuer", cs.Issuer, "days_left", cs.DaysLeft)...)
		}
	}

	opts := []monitor.Option{}
	if cfg.Agent.StatePath != "" {
		store, err := state.OpenFile(cfg.Agent.StatePath)
		if err != nil {
			slog.Error("failed to open state file", "path", cfg.Agent.StatePath, "err", err)
			os.Exit(1)
		}
		opts = append(opts, monitor.WithStore(store))
	}
	st := stats.New()
	opts = append(opts, monitor.WithStats(st))

	m, err := monitor.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to start monitor", "err", err)
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.Agent.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
			if err := st.WriteText(w); err != nil {
				slog.Warn("metrics write failed", "err", err)
			}
		})
		metricsSrv = &http.Server{Addr: cfg.Agent.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("metrics listening", "addr", cfg.Agent.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
	}

	// Hot-reload applies the log level only; the pipeline keeps the
	// configuration it was built with.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			lvl, err := config.ParseLevel(updated.Agent.LogLevel)
			if err != nil {
				slog.Warn("config hot-reload: keeping log level", "err", err)
				return
			}
			level.Set(lvl)
			slog.Info("config hot-reloaded", "log_level", lvl.String())
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	in, err := openInput(cfg.Agent.Input)
	if err != nil {
		slog.Error("failed to open input", "err", err)
		os.Exit(1)
	}
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		defer in.Close()
		n, err := consume(ctx, in, m)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("input stopped", "records", n, "err", err)
			return
		}
		slog.Info("input finished", "records", n)
	}()

	select {
	case <-ctx.Done():
	case <-inputDone:
	}
	slog.Info("obsidianrum-agent shutting down", "grace", cfg.Agent.ShutdownGrace)

	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownGrace)
	defer graceCancel()

	res := m.Unload(graceCtx)
	slog.Info("unload flush", "result", res.String())
	if err := m.WaitIdle(graceCtx); err != nil {
		slog.Warn("sends still in flight at exit", "err", err)
	}
	m.Destroy()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(graceCtx); err != nil {
			slog.Warn("metrics server shutdown", "err", err)
		}
	}

	snap := st.Snapshot()
	slog.Info("obsidianrum-agent stopped",
		"delivered", snap.Delivered,
		"deduplicated", snap.Deduplicated,
		"queued", snap.Queued,
		"dropped", snap.Dropped,
	)
}
