package snapshot

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewHolderStartsWithNoID(t *testing.T) {
	h := New(nil, zerolog.Nop())
	if h.ID() != "" {
		t.Errorf("ID() = %q before Open, want empty", h.ID())
	}
}

func TestReleaseWithoutOpenIsNoop(t *testing.T) {
	h := New(nil, zerolog.Nop())
	if err := h.Release(context.Background()); err != nil {
		t.Errorf("Release() before Open returned error: %v", err)
	}
}
