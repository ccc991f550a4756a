package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"diagram-export/internal/domain"
)

// IdleOptions defines when a loaded page counts as settled.
type IdleOptions struct {
	Quiet       time.Duration
	MaxInflight int
}

// Session is one page owned by a single export. All methods run on the tab
// context, which is cancelled when the request context is done.
type Session struct {
	ctx  context.Context
	idle IdleOptions

	release func(lastErr error) error
	once    sync.Once
	mu      sync.Mutex
	lastErr error
}

func newSession(ctx context.Context, idle IdleOptions, release func(error) error) *Session {
	return &Session{ctx: ctx, idle: idle, release: release}
}

// SetViewport sets the layout size and device pixel ratio.
func (s *Session) SetViewport(vp domain.Viewport) error {
	return s.run(chromedp.EmulateViewport(vp.Width, vp.Height, chromedp.EmulateScale(vp.Scale)))
}

// LoadContent replaces the document with html and waits for network idle.
func (s *Session) LoadContent(html string) error {
	tracker := newIdleTracker(s.idle.MaxInflight)
	chromedp.ListenTarget(s.ctx, tracker.handle)

	return s.run(
		network.Enable(),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frame, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			tracker.reset()
			return page.SetDocumentContent(frame.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return tracker.wait(ctx, s.idle.Quiet)
		}),
	)
}

type boxResult struct {
	Found bool `json:"found"`
	domain.BoundingBox
}

const boundingBoxScript = `(() => {
	const el = document.querySelector(%s);
	if (!el) return {found: false};
	const r = el.getBoundingClientRect();
	return {found: true, x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
})()`

// BoundingBox returns the page-coordinate box of the first element matching
// selector, or nil when nothing matches.
func (s *Session) BoundingBox(selector string) (*domain.BoundingBox, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	var res boxResult
	if err := s.run(chromedp.Evaluate(fmt.Sprintf(boundingBoxScript, quoted), &res)); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, nil
	}
	box := res.BoundingBox
	return &box, nil
}

// Screenshot captures clip as PNG with a transparent page background.
func (s *Session) Screenshot(clip domain.BoundingBox) ([]byte, error) {
	var buf []byte
	err := s.run(
		emulation.SetDefaultBackgroundColorOverride().WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithClip(&page.Viewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}).
				WithCaptureBeyondViewport(true).
				WithFromSurface(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Close releases the tab (and, for ephemeral sessions, the browser process).
// It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		lastErr := s.lastErr
		s.mu.Unlock()
		err = s.release(lastErr)
	})
	return err
}

func (s *Session) run(actions ...chromedp.Action) error {
	err := chromedp.Run(s.ctx, actions...)
	if err == nil {
		return nil
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if IsSessionInterrupted(err) {
		return fmt.Errorf("%w: %w", domain.ErrRenderEngineFailure, err)
	}
	return err
}
