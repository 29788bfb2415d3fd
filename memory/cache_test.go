package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quillmind/mnemo/memory"
)

// countingEmbedder wraps the mock embedder and counts Embed calls.
type countingEmbedder struct {
	inner memory.Embedder
	mu    sync.Mutex
	calls int
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.inner.Embed(ctx, text)
}

func (e *countingEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *countingEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestCachedEmbedder_AvoidsRepeatWork(t *testing.T) {
	ctx := context.Background()
	counter := &countingEmbedder{inner: newTestEmbedder()}

	cached, err := memory.NewCachedEmbedder(counter, 128)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	defer cached.Close()

	first, err := cached.Embed(ctx, "the user prefers Go")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if counter.callCount() != 1 {
		t.Fatalf("expected 1 inner call, got %d", counter.callCount())
	}

	// Ristretto admits entries asynchronously; give the set a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		before := counter.callCount()
		second, err := cached.Embed(ctx, "the user prefers Go")
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if len(second) != len(first) {
			t.Fatalf("dimension mismatch: %d vs %d", len(second), len(first))
		}
		if counter.callCount() == before {
			return // served from cache
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never admitted the entry, %d inner calls", counter.callCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCachedEmbedder_DistinctTextsMiss(t *testing.T) {
	ctx := context.Background()
	counter := &countingEmbedder{inner: newTestEmbedder()}

	cached, err := memory.NewCachedEmbedder(counter, 128)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	defer cached.Close()

	if _, err := cached.Embed(ctx, "first text"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if _, err := cached.Embed(ctx, "second text"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if counter.callCount() != 2 {
		t.Fatalf("distinct texts must embed separately, got %d calls", counter.callCount())
	}
	if cached.Dimensions() != 384 {
		t.Fatalf("dimensions passthrough broken: %d", cached.Dimensions())
	}
}
