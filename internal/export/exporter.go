package export

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"diagram-export/internal/domain"
	"diagram-export/internal/infra/logging"
)

// Session is one exclusively owned page inside a browser. Its lifetime is
// bound to the context it was opened with.
type Session interface {
	SetViewport(vp domain.Viewport) error
	LoadContent(html string) error
	// BoundingBox returns nil and no error when selector matches nothing.
	BoundingBox(selector string) (*domain.BoundingBox, error)
	Screenshot(clip domain.BoundingBox) ([]byte, error)
	Close() error
}

// Engine hands out fresh sessions.
type Engine interface {
	Open(ctx context.Context) (Session, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context) (Session, error)

func (f EngineFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

// Options tunes the export pipeline.
type Options struct {
	Viewport       domain.Viewport
	TargetSelector string
	Timeout        time.Duration

	// MaxConcurrent > 0 caps sessions alive at the same time.
	MaxConcurrent int
	QueueTimeout  time.Duration
}

// Exporter turns HTML into a clipped PNG screenshot of the render target.
type Exporter struct {
	engine Engine
	opts   Options
	slots  *semaphore.Weighted
}

// New creates an Exporter. Zero-valued options fall back to the service defaults.
func New(engine Engine, opts Options) *Exporter {
	if opts.Viewport.Width <= 0 {
		opts.Viewport.Width = 2400
	}
	if opts.Viewport.Height <= 0 {
		opts.Viewport.Height = 1600
	}
	if opts.Viewport.Scale <= 0 {
		opts.Viewport.Scale = 2
	}
	if opts.TargetSelector == "" {
		opts.TargetSelector = "#diagram-wrapper"
	}

	e := &Exporter{engine: engine, opts: opts}
	if opts.MaxConcurrent > 0 {
		e.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return e
}

// TargetSelector returns the selector whose element is captured.
func (e *Exporter) TargetSelector() string { return e.opts.TargetSelector }

// Export renders html and captures the render target. Every session opened
// here is closed before Export returns.
func (e *Exporter) Export(ctx context.Context, html string) (*domain.Result, error) {
	if html == "" {
		return nil, fmt.Errorf("%w: htmlContent is required", domain.ErrInvalidInput)
	}

	if e.slots != nil {
		if err := e.acquireSlot(ctx); err != nil {
			return nil, err
		}
		defer e.slots.Release(1)
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	session, err := e.engine.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %w", domain.ErrRenderEngineFailure, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logging.Warn("Render session release failed", "error", cerr)
		}
	}()

	if err := session.SetViewport(e.opts.Viewport); err != nil {
		return nil, classify(ctx, "set viewport", err)
	}
	if err := session.LoadContent(html); err != nil {
		return nil, classify(ctx, "load content", err)
	}

	box, err := session.BoundingBox(e.opts.TargetSelector)
	if err != nil {
		return nil, classify(ctx, "locate render target", err)
	}
	if box == nil {
		return nil, fmt.Errorf("%w: no element matches %s in the submitted HTML", domain.ErrMissingRenderTarget, e.opts.TargetSelector)
	}
	if box.Empty() {
		return nil, fmt.Errorf("%w: element %s has no visible area", domain.ErrMissingRenderTarget, e.opts.TargetSelector)
	}

	png, err := session.Screenshot(*box)
	if err != nil {
		return nil, classify(ctx, "capture screenshot", err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("%w: capture screenshot: empty image", domain.ErrInternal)
	}

	return &domain.Result{
		Image: base64.StdEncoding.EncodeToString(png),
		Clip:  *box,
	}, nil
}

func (e *Exporter) acquireSlot(ctx context.Context) error {
	waitCtx := ctx
	if e.opts.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.opts.QueueTimeout)
		defer cancel()
	}
	if err := e.slots.Acquire(waitCtx, 1); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBusy, err)
	}
	return nil
}

// classify keeps an already classified error and otherwise decides between
// an engine failure (the request ran out of time) and an internal error.
func classify(ctx context.Context, step string, err error) error {
	switch {
	case errors.Is(err, domain.ErrRenderEngineFailure),
		errors.Is(err, domain.ErrMissingRenderTarget),
		errors.Is(err, domain.ErrInternal):
		return fmt.Errorf("%s: %w", step, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %w", domain.ErrRenderEngineFailure, step, err)
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrInternal, step, err)
	}
}
