package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chromedp/chromedp"

	"diagram-export/internal/config"
	"diagram-export/internal/infra/logging"
)

// allocatorOptions builds the flags for one headless Chrome process.
func allocatorOptions(cfg config.RenderConfig, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.ChromeNoSandbox {
		// Restricted container platforms forbid the setuid sandbox.
		opts = append(opts,
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

// contextOptions routes chromedp protocol errors into the service log.
func contextOptions() []chromedp.ContextOption {
	return []chromedp.ContextOption{
		chromedp.WithErrorf(func(format string, args ...any) {
			logging.Warn("Chrome protocol error", "detail", fmt.Sprintf(format, args...))
		}),
	}
}

// createProfileDir makes a throwaway user data dir under base (or the OS temp dir).
func createProfileDir(base string) (string, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o700); err != nil {
			return "", fmt.Errorf("cannot create profile base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "chromedata-*")
	if err != nil {
		return "", fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	return dir, nil
}

// IsSessionInterrupted reports whether err means the browser or tab went away
// (timeout, cancellation, closed target, broken devtools connection).
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, chromedp.ErrInvalidContext) || errors.Is(err, chromedp.ErrChannelClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"target closed",
		"session closed",
		"websocket",
		"connection reset",
		"broken pipe",
		"chrome failed to start",
		"executable file not found",
		"no such file or directory",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// browserGone is like IsSessionInterrupted but ignores plain request timeouts,
// which do not mean the shared browser needs a restart.
func browserGone(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsSessionInterrupted(err)
}
