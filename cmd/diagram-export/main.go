package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"diagram-export/internal/config"
	"diagram-export/internal/http/server"
	"diagram-export/internal/infra/auth"
	"diagram-export/internal/infra/logging"
)

func main() {
	cfg := config.Load()

	if err := ensureLogDir(cfg.Logger.File); err != nil {
		logging.Error("Failed to create log directory", "error", err)
	}
	logging.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := setupAuth(ctx, cfg)

	app := server.New(server.Deps{Config: cfg, Tokens: tokens})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	idleConnsClosed := make(chan struct{})
	startServer(app, cfg.Server.Addr(), sig, idleConnsClosed)
	<-idleConnsClosed
}

// setupAuth loads API tokens from Postgres when auth is enabled. A nil store
// turns key checks off.
func setupAuth(ctx context.Context, cfg config.Config) *auth.Store {
	if !cfg.Auth.Enabled {
		return nil
	}

	tokens := auth.NewStore()
	db, err := auth.OpenPostgres(ctx, cfg.Auth.Postgres)
	if err != nil {
		logging.Error("Failed to connect to token database", "error", err)
		return tokens
	}

	repo := auth.NewRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		logging.Error("Failed to ensure token schema", "error", err)
	}
	if err := auth.LoadOnce(ctx, repo, tokens); err != nil {
		logging.Error("Failed to load API tokens", "error", err)
	}
	go auth.RefreshPeriodically(ctx, repo, tokens, cfg.Auth.RefreshInterval)

	return tokens
}

// startServer starts the Fiber app and blocks until a shutdown signal arrives
func startServer(app *fiber.App, addr string, sig <-chan os.Signal, idleConnsClosed chan struct{}) {
	go func() {
		logging.Info("Server listening", "addr", addr)
		if err := app.Listen(addr); err != nil {
			logging.Error("Server error", "error", err)
		}
	}()

	<-sig

	logging.Warn("Shutdown signal received, closing server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	logging.Info("Server stopped cleanly")
}

func ensureLogDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
