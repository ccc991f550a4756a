package domain

import "errors"

var (
	// ErrInvalidInput signals a missing or malformed export payload.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMissingRenderTarget signals that the submitted markup lacks the
	// element whose bounding box defines the screenshot.
	ErrMissingRenderTarget = errors.New("render target not found")
	// ErrRenderEngineFailure signals that the browser could not be started,
	// crashed or timed out.
	ErrRenderEngineFailure = errors.New("render engine failure")
	// ErrInternal is the catch-all for anything else during a session.
	ErrInternal = errors.New("internal error")
	// ErrBusy signals that no render slot became free in time.
	ErrBusy = errors.New("render capacity exhausted")
)
