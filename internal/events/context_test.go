package events

import (
	"context"
	"testing"
)

func TestRunIDRoundTrip(t *testing.T) {
	ctx := ContextWithRunID(context.Background(), "run_abc")
	if got := RunIDFromContext(ctx); got != "run_abc" {
		t.Errorf("RunIDFromContext = %q, want %q", got, "run_abc")
	}
}

func TestRunIDFromEmptyContext(t *testing.T) {
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Errorf("RunIDFromContext = %q, want empty", got)
	}
}

func TestRunIDEmptyStringNoOp(t *testing.T) {
	parent := context.Background()
	if ctx := ContextWithRunID(parent, ""); ctx != parent {
		t.Error("empty run ID should return the parent context")
	}
}
