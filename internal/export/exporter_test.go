package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagram-export/internal/domain"
)

// fakeEngine counts opened and closed sessions so tests can check that no
// session leaks on any exit path.
type fakeEngine struct {
	opened atomic.Int32
	closed atomic.Int32

	openErr       error
	viewportErr   error
	loadErr       error
	box           *domain.BoundingBox
	boxErr        error
	screenshotErr error
	block         chan struct{}

	mu         sync.Mutex
	viewports  []domain.Viewport
	selectors  []string
	clips      []domain.BoundingBox
	loadedHTML []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{box: &domain.BoundingBox{X: 8, Y: 8, Width: 30, Height: 20}}
}

func (f *fakeEngine) Open(ctx context.Context) (Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened.Add(1)
	return &fakeSession{engine: f, ctx: ctx}, nil
}

type fakeSession struct {
	engine *fakeEngine
	ctx    context.Context
	once   sync.Once
}

func (s *fakeSession) SetViewport(vp domain.Viewport) error {
	s.engine.mu.Lock()
	s.engine.viewports = append(s.engine.viewports, vp)
	s.engine.mu.Unlock()
	return s.engine.viewportErr
}

func (s *fakeSession) LoadContent(html string) error {
	if s.engine.block != nil {
		select {
		case <-s.engine.block:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	s.engine.mu.Lock()
	s.engine.loadedHTML = append(s.engine.loadedHTML, html)
	s.engine.mu.Unlock()
	return s.engine.loadErr
}

func (s *fakeSession) BoundingBox(selector string) (*domain.BoundingBox, error) {
	s.engine.mu.Lock()
	s.engine.selectors = append(s.engine.selectors, selector)
	s.engine.mu.Unlock()
	return s.engine.box, s.engine.boxErr
}

func (s *fakeSession) Screenshot(clip domain.BoundingBox) ([]byte, error) {
	if s.engine.screenshotErr != nil {
		return nil, s.engine.screenshotErr
	}
	s.engine.mu.Lock()
	s.engine.clips = append(s.engine.clips, clip)
	s.engine.mu.Unlock()
	return encodePNG(int(clip.Width*2), int(clip.Height*2)), nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { s.engine.closed.Add(1) })
	return nil
}

func encodePNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func TestExport_Success(t *testing.T) {
	eng := newFakeEngine()
	exp := New(eng, Options{Timeout: time.Second})

	res, err := exp.Export(context.Background(), "<div id='diagram-wrapper'><p>hi</p></div>")
	require.NoError(t, err)
	require.NotEmpty(t, res.Image)

	raw, err := base64.StdEncoding.DecodeString(res.Image)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Width)
	assert.Equal(t, 40, cfg.Height)

	assert.Equal(t, []domain.Viewport{{Width: 2400, Height: 1600, Scale: 2}}, eng.viewports)
	assert.Equal(t, []string{"#diagram-wrapper"}, eng.selectors)
	assert.Equal(t, []domain.BoundingBox{*eng.box}, eng.clips)
	assert.Equal(t, int32(1), eng.opened.Load())
	assert.Equal(t, int32(1), eng.closed.Load())
}

func TestExport_EmptyHTMLCreatesNoSession(t *testing.T) {
	eng := newFakeEngine()
	exp := New(eng, Options{})

	_, err := exp.Export(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, int32(0), eng.opened.Load())
}

func TestExport_MissingTarget(t *testing.T) {
	eng := newFakeEngine()
	eng.box = nil
	exp := New(eng, Options{})

	res, err := exp.Export(context.Background(), "<div>no wrapper</div>")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrMissingRenderTarget)
	assert.Contains(t, err.Error(), "diagram-wrapper")
	assert.Equal(t, int32(1), eng.closed.Load())
}

func TestExport_ZeroAreaTarget(t *testing.T) {
	eng := newFakeEngine()
	eng.box = &domain.BoundingBox{X: 0, Y: 0, Width: 0, Height: 10}
	exp := New(eng, Options{})

	_, err := exp.Export(context.Background(), "<div id='diagram-wrapper'></div>")
	assert.ErrorIs(t, err, domain.ErrMissingRenderTarget)
	assert.Equal(t, int32(1), eng.closed.Load())
}

func TestExport_ReleasesSessionOnEveryFailure(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(*fakeEngine)
		want  error
	}{
		{"viewport", func(f *fakeEngine) { f.viewportErr = boom }, domain.ErrInternal},
		{"load", func(f *fakeEngine) { f.loadErr = boom }, domain.ErrInternal},
		{"load engine failure", func(f *fakeEngine) {
			f.loadErr = errors.Join(domain.ErrRenderEngineFailure, boom)
		}, domain.ErrRenderEngineFailure},
		{"bounding box", func(f *fakeEngine) { f.boxErr = boom }, domain.ErrInternal},
		{"screenshot", func(f *fakeEngine) { f.screenshotErr = boom }, domain.ErrInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := newFakeEngine()
			tc.setup(eng)
			exp := New(eng, Options{})

			_, err := exp.Export(context.Background(), "<div id='diagram-wrapper'>x</div>")
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, eng.opened.Load(), eng.closed.Load())
			assert.Equal(t, int32(1), eng.closed.Load())
		})
	}
}

func TestExport_OpenFailureIsEngineFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.openErr = errors.New("exec: chrome not found")
	exp := New(eng, Options{})

	_, err := exp.Export(context.Background(), "<div id='diagram-wrapper'>x</div>")
	assert.ErrorIs(t, err, domain.ErrRenderEngineFailure)
	assert.Equal(t, int32(0), eng.closed.Load())
}

func TestExport_TimeoutIsEngineFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	exp := New(eng, Options{Timeout: 20 * time.Millisecond})

	_, err := exp.Export(context.Background(), "<div id='diagram-wrapper'>x</div>")
	assert.ErrorIs(t, err, domain.ErrRenderEngineFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), eng.closed.Load())
}

func TestExport_IdenticalInputsProduceIndependentResults(t *testing.T) {
	eng := newFakeEngine()
	exp := New(eng, Options{})
	html := "<div id='diagram-wrapper'><p>hi</p></div>"

	first, err := exp.Export(context.Background(), html)
	require.NoError(t, err)
	second, err := exp.Export(context.Background(), html)
	require.NoError(t, err)

	assert.NotEmpty(t, first.Image)
	assert.NotEmpty(t, second.Image)
	assert.Equal(t, int32(2), eng.opened.Load())
	assert.Equal(t, int32(2), eng.closed.Load())
}

func TestExport_MaxConcurrentRejectsWhenSaturated(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	exp := New(eng, Options{MaxConcurrent: 1, QueueTimeout: 20 * time.Millisecond, Timeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := exp.Export(context.Background(), "<div id='diagram-wrapper'>x</div>")
		done <- err
	}()

	require.Eventually(t, func() bool { return eng.opened.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := exp.Export(context.Background(), "<div id='diagram-wrapper'>y</div>")
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, int32(1), eng.opened.Load(), "rejected request must not open a session")

	close(eng.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), eng.closed.Load())
}

func TestEngineFunc(t *testing.T) {
	called := false
	var eng Engine = EngineFunc(func(ctx context.Context) (Session, error) {
		called = true
		return nil, errors.New("nope")
	})
	_, err := eng.Open(context.Background())
	assert.Error(t, err)
	assert.True(t, called)
}
