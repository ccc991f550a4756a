package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"diagram-export/internal/config"
	"diagram-export/internal/domain"
	"diagram-export/internal/export"
	"diagram-export/internal/http/handlers"
	"diagram-export/internal/http/middleware"
	"diagram-export/internal/infra/auth"
	"diagram-export/internal/infra/chrome"
	"diagram-export/internal/infra/logging"
)

// Deps are the collaborators of the HTTP app.
type Deps struct {
	Config config.Config
	// Engine overrides the Chrome engine selected from Config.Render.
	Engine export.Engine
	// Tokens enables API key checks when non-nil.
	Tokens *auth.Store
	// Storage backs the rate limiters; nil selects one from Config.RateLimiter.
	Storage fiber.Storage
}

// New creates and configures the Fiber app.
func New(deps Deps) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		BodyLimit:             cfg.Server.BodyLimitBytes,
		ErrorHandler:          errorHandler,
	})

	store := deps.Storage
	if store == nil {
		store = middleware.NewRateLimitStore(cfg.RateLimiter)
	}
	middleware.Register(app, cfg, deps.Tokens, store)

	var launcher *chrome.Launcher
	var pool *chrome.Pool
	engine := deps.Engine
	if engine == nil {
		engine, launcher, pool = newEngine(cfg.Render)
	}
	if pool != nil {
		app.Hooks().OnShutdown(func() error {
			pool.Close()
			return nil
		})
	}

	exporter := export.New(engine, export.Options{
		Viewport: domain.Viewport{
			Width:  cfg.Render.ViewportWidth,
			Height: cfg.Render.ViewportHeight,
			Scale:  cfg.Render.DeviceScaleFactor,
		},
		TargetSelector: cfg.Render.TargetSelector,
		Timeout:        cfg.Render.Timeout,
		MaxConcurrent:  cfg.Render.MaxConcurrent,
		QueueTimeout:   cfg.Render.QueueTimeout,
	})

	app.Post("/export", handlers.NewExportService(exporter).HandleExport)
	app.Get("/chrome/stats", handlers.ChromeStats(launcher, pool))
	app.Get("/ops/monitor", monitor.New(monitor.Config{Title: "Diagram export"}))

	if cfg.Server.PublicDir != "" {
		app.Static("/", cfg.Server.PublicDir)
	}

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// newEngine picks a warm pool when pool_size > 0 and a per-request launcher otherwise.
func newEngine(cfg config.RenderConfig) (export.Engine, *chrome.Launcher, *chrome.Pool) {
	if cfg.PoolSize > 0 {
		pool, err := chrome.NewPool(cfg)
		if err == nil {
			logging.Info("Using warm Chrome pool", "size", cfg.PoolSize)
			return export.EngineFunc(func(ctx context.Context) (export.Session, error) {
				s, err := pool.Open(ctx)
				if err != nil {
					return nil, err
				}
				return s, nil
			}), nil, pool
		}
		logging.Error("Chrome pool init failed, falling back to one browser per request", "error", err)
	}

	launcher := chrome.NewLauncher(cfg)
	return export.EngineFunc(func(ctx context.Context) (export.Session, error) {
		s, err := launcher.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}), launcher, nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		msg = e.Message
	}

	logging.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

	return c.Status(code).JSON(fiber.Map{"error": msg})
}
