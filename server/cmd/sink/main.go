package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"

	"github.com/obsidianstack/obsidianrum/server/internal/api"
	"github.com/obsidianstack/obsidianrum/server/internal/auth"
	"github.com/obsidianstack/obsidianrum/server/internal/config"
	"github.com/obsidianstack/obsidianrum/server/internal/receiver"
	"github.com/obsidianstack/obsidianrum/server/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file; defaults apply when empty")
	port := pflag.IntP("port", "p", 0, "listen port (overrides sink.http_port)")
	debug := pflag.Bool("debug", false, "log every stored record")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("obsidianrum-sink starting", "config", *configPath)

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Sink.HTTPPort = *port
	}

	slog.Info("config loaded",
		"http_port", cfg.Sink.HTTPPort,
		"auth_mode", cfg.Sink.Auth.Mode,
		"record_ttl", cfg.Sink.Records.TTL,
		"max_records", cfg.Sink.Records.Max,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Record store with background TTL eviction.
	st := store.New(cfg.Sink.Records.TTL, cfg.Sink.Records.Max)
	go st.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName:               "obsidianrum-sink",
		BodyLimit:             cfg.Sink.BodyLimit,
		DisableStartupMessage: true,
	})

	// Reads are open; only ingestion requires the API key.
	api.Register(app, st)
	ingest := app.Group("", auth.APIKey(cfg.Sink.Auth.Mode, cfg.Sink.Auth.EffectiveHeader(), cfg.Sink.Auth.Key()))
	receiver.New(st).Register(ingest)

	go func() {
		slog.Info("HTTP server listening", "port", cfg.Sink.HTTPPort)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Sink.HTTPPort)); err != nil {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("obsidianrum-sink shutting down")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		slog.Warn("shutdown", "err", err)
	}
}
