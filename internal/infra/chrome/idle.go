package chrome

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// idleTracker counts in-flight network requests of one tab. The page is idle
// once at most maxInflight requests stay open for a full quiet window.
type idleTracker struct {
	maxInflight int

	mu         sync.Mutex
	inflight   map[network.RequestID]struct{}
	lastChange time.Time
	changed    chan struct{}
}

func newIdleTracker(maxInflight int) *idleTracker {
	return &idleTracker{
		maxInflight: maxInflight,
		inflight:    make(map[network.RequestID]struct{}),
		lastChange:  time.Now(),
		changed:     make(chan struct{}),
	}
}

// handle is registered with chromedp.ListenTarget and must not block.
func (t *idleTracker) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.update(func() { t.inflight[e.RequestID] = struct{}{} })
	case *network.EventLoadingFinished:
		t.update(func() { delete(t.inflight, e.RequestID) })
	case *network.EventLoadingFailed:
		t.update(func() { delete(t.inflight, e.RequestID) })
	}
}

// reset restarts the quiet window, e.g. right before new content is set.
func (t *idleTracker) reset() {
	t.update(func() {})
}

func (t *idleTracker) update(fn func()) {
	t.mu.Lock()
	fn()
	t.lastChange = time.Now()
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *idleTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// wait blocks until the tab is idle for quiet or ctx is done.
func (t *idleTracker) wait(ctx context.Context, quiet time.Duration) error {
	for {
		t.mu.Lock()
		idle := len(t.inflight) <= t.maxInflight
		remaining := quiet - time.Since(t.lastChange)
		changed := t.changed
		t.mu.Unlock()

		if idle && remaining <= 0 {
			return nil
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if idle {
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-changed:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
