package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"diagram-export/internal/config"
	"diagram-export/internal/infra/logging"
)

var (
	errPoolDisabled = errors.New("chrome pool disabled: pool_size must be > 0")
	errPoolClosed   = errors.New("chrome pool closed")
)

// Pool keeps one warm Chrome process and hands out at most PoolSize tabs at a
// time. Every tab lives in its own browser context, so no cookies, storage or
// page state cross from one export to the next.
type Pool struct {
	cfg  config.RenderConfig
	idle IdleOptions

	sem chan struct{}

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	started       bool
	profileDir    string
	closed        bool
	restarts      int
	lastRestart   time.Time

	// generation identifies the current browser; it changes on every reset.
	generation uint64
}

// Tab is one acquired slot of the pool.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc

	generation uint64
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Enabled     bool      `json:"enabled"`
	Capacity    int       `json:"capacity"`
	Idle        int       `json:"idle"`
	InUse       int       `json:"in_use"`
	ProfileDir  string    `json:"profile_dir"`
	Restarts    int       `json:"restarts"`
	LastRestart time.Time `json:"last_restart"`
}

// NewPool prepares the pool. The browser itself starts on first use.
func NewPool(cfg config.RenderConfig) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, errPoolDisabled
	}
	p := &Pool{
		cfg:  cfg,
		idle: IdleOptions{Quiet: cfg.NetworkIdleQuiet, MaxInflight: cfg.NetworkIdleMaxInflight},
		sem:  make(chan struct{}, cfg.PoolSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		p.sem <- struct{}{}
	}
	if err := p.reset(); err != nil {
		return nil, err
	}
	return p, nil
}

// reset creates a fresh profile dir and allocator. Callers hold p.mu or own p exclusively.
func (p *Pool) reset() error {
	dir, err := createProfileDir(p.cfg.UserDataDir)
	if err != nil {
		return err
	}
	p.profileDir = dir
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(p.cfg, dir)...)
	p.browserCtx, p.browserCancel = chromedp.NewContext(p.allocCtx, contextOptions()...)
	p.started = false
	p.generation++
	return nil
}

func (p *Pool) teardown() {
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
	}
	p.browserCtx, p.browserCancel = nil, nil
	p.allocCtx, p.allocCancel = nil, nil
	p.started = false
}

// browser returns the running browser context, starting the process if needed.
func (p *Pool) browser() (context.Context, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.browserCtx == nil {
		return nil, 0, errPoolClosed
	}
	if !p.started {
		if err := chromedp.Run(p.browserCtx); err != nil {
			// A context that failed to allocate cannot be retried.
			p.teardown()
			if rerr := p.reset(); rerr != nil {
				logging.Error("Chrome pool reset failed", "error", rerr)
			}
			return nil, 0, fmt.Errorf("start pooled chrome: %w", err)
		}
		p.started = true
	}
	return p.browserCtx, p.generation, nil
}

// Acquire waits for a free slot and opens a new isolated tab.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errPoolClosed
	}

	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	browserCtx, generation, err := p.browser()
	if err != nil {
		p.sem <- struct{}{}
		return nil, err
	}

	opts := append(contextOptions(), chromedp.WithNewBrowserContext())
	tabCtx, cancel := chromedp.NewContext(browserCtx, opts...)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		p.sem <- struct{}{}
		return nil, fmt.Errorf("open pooled tab: %w", err)
	}
	return &Tab{Ctx: tabCtx, cancel: cancel, generation: generation}, nil
}

// Release closes the tab and returns its slot. A renderErr showing that the
// browser itself went away restarts the browser the tab was opened on. Tabs
// of an already replaced browser never restart the new one.
func (p *Pool) Release(tab *Tab, renderErr error) {
	var generation uint64
	if tab != nil {
		generation = tab.generation
		if tab.cancel != nil {
			tab.cancel()
		}
	}
	p.sem <- struct{}{}

	if !browserGone(renderErr) {
		return
	}
	restarted, err := p.restartGeneration(generation)
	switch {
	case err != nil:
		logging.Error("Chrome pool restart failed", "error", err)
	case restarted:
		logging.Warn("Chrome session interrupted; restarted pool", "error", renderErr)
	default:
		logging.Debug("Chrome session interrupted on a replaced browser", "error", renderErr)
	}
}

// Open acquires a tab bound to ctx and wraps it as a Session.
func (p *Pool) Open(ctx context.Context) (*Session, error) {
	tab, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// The tab outlives nothing but the request.
	stop := context.AfterFunc(ctx, tab.cancel)
	release := func(lastErr error) error {
		stop()
		p.Release(tab, lastErr)
		return nil
	}
	return newSession(tab.Ctx, p.idle, release), nil
}

// Restart tears the browser down and prepares a new one.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartLocked()
}

// restartGeneration restarts only while generation is still the current browser.
func (p *Pool) restartGeneration(generation uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if generation != p.generation {
		return false, nil
	}
	if err := p.restartLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pool) restartLocked() error {
	if p.closed {
		return errPoolClosed
	}
	p.teardown()
	if err := p.reset(); err != nil {
		return err
	}
	p.restarts++
	p.lastRestart = time.Now()
	return nil
}

// Close stops the browser. It is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.teardown()
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return PoolStats{Restarts: p.restarts, LastRestart: p.lastRestart}
	}
	idle := len(p.sem)
	return PoolStats{
		Enabled:     true,
		Capacity:    cap(p.sem),
		Idle:        idle,
		InUse:       cap(p.sem) - idle,
		ProfileDir:  p.profileDir,
		Restarts:    p.restarts,
		LastRestart: p.lastRestart,
	}
}
