package handlers

import (
	"github.com/gofiber/fiber/v2"

	"diagram-export/internal/infra/chrome"
)

// ChromeStats exposes basic observability for the render engine: process
// launch/release counters in ephemeral mode, tab capacity in pool mode.
func ChromeStats(launcher *chrome.Launcher, pool *chrome.Pool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if pool != nil {
			s := pool.Stats()
			return c.JSON(fiber.Map{
				"mode":         "pool",
				"enabled":      s.Enabled,
				"capacity":     s.Capacity,
				"idle":         s.Idle,
				"in_use":       s.InUse,
				"profile_dir":  s.ProfileDir,
				"restarts":     s.Restarts,
				"last_restart": s.LastRestart,
			})
		}
		if launcher != nil {
			s := launcher.Stats()
			return c.JSON(fiber.Map{
				"mode":     "ephemeral",
				"launched": s.Launched,
				"released": s.Released,
				"active":   s.Active,
			})
		}
		return c.JSON(fiber.Map{"mode": "external"})
	}
}
