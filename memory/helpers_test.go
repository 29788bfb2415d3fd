package memory_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/quillmind/mnemo/memory"
	"github.com/quillmind/mnemo/memory/embedder/mock"
	chromemindex "github.com/quillmind/mnemo/memory/index/chromem"
)

// scriptedGenerator answers prompts by kind: extraction prompts get the
// configured JSON, everything else gets the configured summary text.
type scriptedGenerator struct {
	mu         sync.Mutex
	summary    string
	extraction string
	calls      int
	failFirst  int // fail this many calls before answering
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.failFirst {
		return "", fmt.Errorf("simulated model outage")
	}
	if strings.Contains(prompt, "JSON array") {
		return g.extraction, nil
	}
	return g.summary, nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// failingGenerator fails every call.
type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "", fmt.Errorf("simulated model outage")
}

// blockingGenerator parks every call until released. started signals once per
// call as it begins waiting.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (g *blockingGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if strings.Contains(prompt, "JSON array") {
		return "[]", nil
	}
	return "A summary of the conversation.", nil
}

// failingIndex fails every operation, for atomicity tests.
type failingIndex struct{}

func (failingIndex) Upsert(ctx context.Context, namespace, id string, vector []float32, metadata map[string]string) error {
	return fmt.Errorf("simulated index outage")
}

func (failingIndex) Search(ctx context.Context, namespace string, vector []float32, topK int) ([]memory.Hit, error) {
	return nil, fmt.Errorf("simulated index outage")
}

func newTestIndex(t *testing.T) *chromemindex.Index {
	t.Helper()
	idx, err := chromemindex.New()
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	return idx
}

func newTestEmbedder() *mock.Embedder {
	return mock.New()
}
