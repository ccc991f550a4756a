package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/xid"

	"diagram-export/internal/config"
	"diagram-export/internal/infra/auth"
	"diagram-export/internal/infra/logging"
)

const apiKeyLocal = "api_key"

// Register attaches global middleware to the app. tokens may be nil, in which
// case API keys are not checked and only the per-client limiter applies.
func Register(app *fiber.App, cfg config.Config, tokens *auth.Store, store fiber.Storage) {
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New(healthcheck.Config{
		LivenessEndpoint:  "/ops/health",
		ReadinessEndpoint: "/ops/ready",
		ReadinessProbe: func(c *fiber.Ctx) bool {
			return tokens == nil || tokens.Ready()
		},
	}))

	if tokens != nil {
		app.Use(apiKeyAuth(tokens))
		app.Use(TokenRateLimit(cfg.RateLimiter, tokens, store))
	}

	if cfg.RateLimiter.UserLimit > 0 {
		app.Use(UserRateLimit(cfg.RateLimiter, store))
	}

	app.Use(func(c *fiber.Ctx) error {
		requestID := c.GetRespHeader(fiber.HeaderXRequestID)
		logging.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", requestID)
		return c.Next()
	})
}

// apiKeyAuth validates X-API-Key when it is sent. Anonymous requests pass
// through to the per-client limiter.
func apiKeyAuth(tokens *auth.Store) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: apiKeyLocal,
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if !tokens.Ready() {
				return false, auth.ErrTokenStoreNotReady
			}
			if !tokens.Validate(key) {
				return false, auth.ErrInvalidAPIKey
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get("X-API-Key") == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Keyauth can call ErrorHandler with a nil error.
			status := fiber.StatusUnauthorized
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			if errors.Is(err, auth.ErrTokenStoreNotReady) {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{"error": err.Error()})
		},
	})
}

func clientKey(c *fiber.Ctx) string {
	sum := sha256.Sum256([]byte(c.IP() + c.Get(fiber.HeaderUserAgent)))
	return hex.EncodeToString(sum[:])
}

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too Many Requests"})
}
