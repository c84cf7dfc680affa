package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestScopeAndActor_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if Scope(ctx) != "" || Actor(ctx) != "" {
		t.Fatal("expected empty scope and actor")
	}
	ctx = WithActor(WithScope(ctx, "100"), "42")
	if got := Scope(ctx); got != "100" {
		t.Fatalf("expected 100, got %q", got)
	}
	if got := Actor(ctx); got != "42" {
		t.Fatalf("expected 42, got %q", got)
	}
}
