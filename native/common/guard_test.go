package common

import (
	"errors"
	"testing"
)

func TestGuard(t *testing.T) {
	if err := Guard(nil, "cdp"); err != nil {
		t.Fatalf("nil view must not pause: %v", err)
	}
	pauses := StaticPauses{"cdp": true}
	if err := Guard(pauses, "cdp"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "other"); err != nil {
		t.Fatalf("unexpected pause for other module: %v", err)
	}
}
