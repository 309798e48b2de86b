package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/joho/godotenv"

	"github.com/asterv/marketbot/internal/bot"
	"github.com/asterv/marketbot/internal/buildinfo"
	"github.com/asterv/marketbot/internal/config"
	"github.com/asterv/marketbot/internal/httpapi"
	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run() error {
	// Optional .env for local development; a missing file is fine.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	st := store.New(cfg.Store.Path)
	if _, err := st.Read(); err != nil {
		return fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	led := ledger.New(st, cfg.Store.CacheTTL)

	app, err := bot.New(cfg, st, led)
	if err != nil {
		return fmt.Errorf("build bot: %w", err)
	}

	api := httpapi.New(cfg.HTTP, led, app.Approval(), st)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startedAt := time.Now()
	errCh := make(chan error, 2)

	go func() { errCh <- runHTTP(ctx, api) }()

	logger.L.With("component", "app").Info("app ready",
		slog.String("event", "ready"),
		slog.String("version", buildinfo.Version),
		slog.String("commit", buildinfo.Commit),
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)

	go func() { errCh <- app.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancel()
			return err
		}
	}

	logger.L.With("component", "app").Info("shutting down...",
		slog.String("event", "shutdown"),
	)
	return nil
}

func runHTTP(ctx context.Context, api *httpapi.Server) error {
	if err := api.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
