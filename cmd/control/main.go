// Command control runs the snops control plane: the operator HTTP
// surface, the /agent WebSocket upgrade, and every in-memory
// subsystem (registry, event bus, reconcile engine, environment and
// cannon tables) backing them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/snopsgo/snops/pkg/api"
	"github.com/snopsgo/snops/pkg/config"
	"github.com/snopsgo/snops/pkg/control"
	"github.com/snopsgo/snops/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("SNOPS_CONTROL_CONFIG", ""), "Path to a YAML control-plane config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.LoadControl(*configPath)
	if err != nil {
		slog.Error("failed to load control configuration", "error", err)
		os.Exit(1)
	}

	level := parseLogLevel(cfg.LogLevel)
	if override := config.LogLevelFilter("SNOPS_CONTROL_LOG"); override != "" {
		level = parseLogLevel(override)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Error("failed to open store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	ctrl, err := control.New(cfg, s, log)
	if err != nil {
		log.Error("failed to initialize control plane", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.Error("failed to close control plane", "error", err)
		}
	}()

	server := api.NewServer(ctrl, log)
	if err := server.ValidateWiring(); err != nil {
		log.Error("server wiring invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("control plane listening", "addr", cfg.ListenAddr)
		serveErr <- server.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	}
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
