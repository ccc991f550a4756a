package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainErrors_AreDistinctAndWrappable(t *testing.T) {
	all := []error{ErrInvalidInput, ErrMissingRenderTarget, ErrRenderEngineFailure, ErrInternal, ErrBusy}

	for i, a := range all {
		if a == nil || a.Error() == "" {
			t.Fatalf("error %d must be non-nil with a message", i)
		}
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Fatalf("%v must not match %v", a, b)
			}
		}

		wrapped := fmt.Errorf("%w: step failed: %w", a, errors.New("cause"))
		if !errors.Is(wrapped, a) {
			t.Fatalf("expected errors.Is to match %v through wrapping", a)
		}
	}
}
