package embed

import (
	"context"
	"errors"
	"testing"
)

// countingEmbedder counts how many times Embed is actually invoked, to
// verify the cache short-circuits repeat calls.
type countingEmbedder struct {
	calls int
	inner Embedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string, cfg Config) (Result, error) {
	c.calls++
	return c.inner.Embed(ctx, text, cfg)
}

func TestCachedEmbedderHitsCacheOnRepeat(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(16, 1)}
	cached, err := NewCachedEmbedder(inner, 8)
	if err != nil {
		t.Fatalf("new cached embedder: %v", err)
	}

	cfg := DefaultConfig()
	if _, err := cached.Embed(context.Background(), "hello world", cfg); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if _, err := cached.Embed(context.Background(), "hello world", cfg); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 underlying embed call, got %d", inner.calls)
	}
}

func TestCachedEmbedderDistinctTextMisses(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(16, 1)}
	cached, err := NewCachedEmbedder(inner, 8)
	if err != nil {
		t.Fatalf("new cached embedder: %v", err)
	}
	cfg := DefaultConfig()
	if _, err := cached.Embed(context.Background(), "a", cfg); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if _, err := cached.Embed(context.Background(), "b", cfg); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 underlying embed calls for distinct text, got %d", inner.calls)
	}
}

func TestCachedEmbedderPropagatesError(t *testing.T) {
	failing := errEmbedder{err: errors.New("boom")}
	cached, err := NewCachedEmbedder(failing, 8)
	if err != nil {
		t.Fatalf("new cached embedder: %v", err)
	}
	if _, err := cached.Embed(context.Background(), "x", DefaultConfig()); err == nil {
		t.Fatal("expected error to propagate")
	}
}

type errEmbedder struct{ err error }

func (e errEmbedder) Embed(ctx context.Context, text string, cfg Config) (Result, error) {
	return Result{}, e.err
}
