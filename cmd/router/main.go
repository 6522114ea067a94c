package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/events"
	"github.com/yansir/cc-router/internal/server"
	"github.com/yansir/cc-router/internal/store"
)

var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config.json")
	flag.Parse()

	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		slog.Error("state dir init failed", "error", err)
		os.Exit(1)
	}

	cfgm, err := config.NewManager(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := cfgm.Current()

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("cc-router starting", "version", version, "config", *configPath)

	s, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	bus := events.NewBus(200)

	srv := server.New(cfgm, s, bus, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
