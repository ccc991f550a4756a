package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/chromedp/chromedp"

	"diagram-export/internal/config"
)

// Launcher starts one disposable Chrome process per session.
type Launcher struct {
	cfg  config.RenderConfig
	idle IdleOptions

	launched atomic.Int64
	released atomic.Int64
}

// LauncherStats counts processes started and torn down since startup.
type LauncherStats struct {
	Launched int64
	Released int64
	Active   int64
}

func NewLauncher(cfg config.RenderConfig) *Launcher {
	return &Launcher{
		cfg:  cfg,
		idle: IdleOptions{Quiet: cfg.NetworkIdleQuiet, MaxInflight: cfg.NetworkIdleMaxInflight},
	}
}

// Open launches a browser bound to ctx and opens its first tab. The process
// is killed when the returned session is closed or ctx is done.
func (l *Launcher) Open(ctx context.Context) (*Session, error) {
	profileDir, err := createProfileDir(l.cfg.UserDataDir)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(l.cfg, profileDir)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, contextOptions()...)
	l.launched.Add(1)

	release := func(error) error {
		err := closeBrowser(tabCtx, tabCancel)
		allocCancel()
		_ = os.RemoveAll(profileDir)
		l.released.Add(1)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}

	// An empty Run starts the process so launch failures surface here.
	if err := chromedp.Run(tabCtx); err != nil {
		_ = release(err)
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	return newSession(tabCtx, l.idle, release), nil
}

// closeBrowser shuts down the browser owned by tabCtx. A graceful Cancel is
// only possible once a browser was allocated; before that, chromedp's cancel
// func alone releases the context and Cancel followed by it would block.
func closeBrowser(tabCtx context.Context, tabCancel context.CancelFunc) error {
	if c := chromedp.FromContext(tabCtx); c == nil || c.Browser == nil {
		tabCancel()
		return nil
	}
	err := chromedp.Cancel(tabCtx)
	tabCancel()
	return err
}

func (l *Launcher) Stats() LauncherStats {
	launched, released := l.launched.Load(), l.released.Load()
	return LauncherStats{Launched: launched, Released: released, Active: launched - released}
}
