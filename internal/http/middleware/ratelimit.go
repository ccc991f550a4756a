package middleware

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"

	"diagram-export/internal/config"
	"diagram-export/internal/infra/logging"
)

// TokenRater resolves the rate limit of an API token; 0 disables limiting.
type TokenRater interface {
	RateLimit(token string) int
}

// NewRateLimitStore returns a Redis-backed limiter store when redis_host is
// configured and reachable, and an in-process store otherwise.
func NewRateLimitStore(cfg config.RateLimiterConfig) (store fiber.Storage) {
	store = memoryStorage.New() // safe default
	if cfg.RedisHost == "" {
		return store
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
		}
	}()
	store = redisStorage.New(redisStorage.Config{
		Addrs:    []string{cfg.RedisHost},
		Database: cfg.RedisDB,
	})
	logging.Info("Using Redis for rate limiting", "addr", cfg.RedisHost, "db", cfg.RedisDB)
	return store
}

// TokenRateLimit applies each token's own limit. Limiters are built lazily,
// one per distinct limit value.
func TokenRateLimit(cfg config.RateLimiterConfig, rater TokenRater, store fiber.Storage) fiber.Handler {
	var mu sync.RWMutex
	handlers := make(map[int]fiber.Handler)

	get := func(limit int) fiber.Handler {
		mu.RLock()
		h, ok := handlers[limit]
		mu.RUnlock()
		if ok {
			return h
		}

		mu.Lock()
		defer mu.Unlock()
		if h, ok := handlers[limit]; ok {
			return h
		}
		h = limiter.New(limiter.Config{
			Max:               limit,
			Expiration:        cfg.Interval,
			LimiterMiddleware: limiter.SlidingWindow{},
			Storage:           store,
			KeyGenerator: func(c *fiber.Ctx) string {
				token, _ := c.Locals(apiKeyLocal).(string)
				return "token:" + token
			},
			LimitReached: func(c *fiber.Ctx) error {
				logging.Warn("Rate limit exceeded", "token", c.Locals(apiKeyLocal), "path", c.Path())
				return tooManyRequests(c)
			},
		})
		handlers[limit] = h
		return h
	}

	return func(c *fiber.Ctx) error {
		token, ok := c.Locals(apiKeyLocal).(string)
		if !ok || token == "" {
			return c.Next()
		}
		limit := rater.RateLimit(token)
		if limit <= 0 {
			return c.Next()
		}
		return get(limit)(c)
	}
}

// UserRateLimit limits anonymous clients by IP and user agent. Requests
// authenticated with an API key skip it; their token limit applies instead.
func UserRateLimit(cfg config.RateLimiterConfig, store fiber.Storage) fiber.Handler {
	userLimiter := limiter.New(limiter.Config{
		Max:               cfg.UserLimit,
		Expiration:        cfg.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           store,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "user:" + clientKey(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			logging.Warn("Rate limit exceeded", "user", clientKey(c), "path", c.Path())
			return tooManyRequests(c)
		},
	})
	return func(c *fiber.Ctx) error {
		if token, ok := c.Locals(apiKeyLocal).(string); ok && token != "" {
			return c.Next()
		}
		return userLimiter(c)
	}
}
