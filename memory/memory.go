package memory

import (
	"context"
	"fmt"
	"time"
)

// Generator produces text from a prompt. It is the injected LLM capability
// the consolidation pipeline uses for compression, extraction, merging, and
// contradiction resolution.
//
// Implementations:
//   - anthropic.Generator: Claude-backed (production)
//   - scripted generators in tests
//
// A Generator is assumed safe for concurrent use across agents.
type Generator interface {
	// Generate returns the model's text output for the prompt.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Embedder converts text to vector embeddings.
//
// Implementations:
//   - mock.Embedder: deterministic hash-based vectors (testing, local dev)
//   - onnx.Embedder: all-MiniLM-L6-v2 via ONNX Runtime (local, offline)
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Hit is a single vector search result.
type Hit struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Index is the vector storage backend. Every call is scoped to a namespace;
// stores derive namespaces from the owning agent ID so one agent's vectors
// are never visible to another agent's searches.
//
// Implementations: chromem.Index (embedded, local), pgvector (production).
type Index interface {
	// Upsert stores a vector under the given namespace and id.
	Upsert(ctx context.Context, namespace, id string, vector []float32, metadata map[string]string) error

	// Search returns the topK nearest neighbors in the namespace,
	// ordered by similarity (highest first).
	Search(ctx context.Context, namespace string, vector []float32, topK int) ([]Hit, error)
}

// GenerationError reports a Generator call that failed, timed out, or
// returned unusable output.
type GenerationError struct {
	Stage string // pipeline stage that issued the call
	Err   error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generation failed during %s: empty output", e.Stage)
	}
	return fmt.Sprintf("generation failed during %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IndexError reports a failed embed or vector index operation. Store writes
// guarded by an IndexError do not partially commit: either a record and its
// embedding are both stored, or neither is.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s failed: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// ParseError reports extraction output that could not be parsed into
// structured facts. It is non-fatal: the pipeline skips extraction for the
// cycle and continues.
type ParseError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable %s output: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrConsolidationRunning is returned by ForceConsolidate when a background
// run for the same agent is already in flight.
var ErrConsolidationRunning = fmt.Errorf("consolidation already running for agent")

// Config holds tuning knobs for the memory system. The stated numbers are
// defaults subject to tuning; zero fields fall back to DefaultConfig values.
type Config struct {
	// MaxWorkingRecords triggers consolidation when the working buffer
	// reaches this many records.
	MaxWorkingRecords int

	// MaxInteractions triggers consolidation after this many interactions
	// since the last successful run, regardless of buffer size.
	MaxInteractions int

	// Interval triggers consolidation when this much time has passed since
	// the last successful run.
	Interval time.Duration

	// CompressionBatch is how many of the oldest records one cycle
	// compresses into a single episodic summary.
	CompressionBatch int

	// KeepRecent is the number of newest records never compressed away,
	// kept for conversational continuity.
	KeepRecent int

	// DuplicateThreshold is the cosine similarity above which two episodic
	// summaries are merge candidates.
	DuplicateThreshold float32

	// TriggerSimilarity is the cosine similarity above which two procedural
	// trigger descriptions are considered the same trigger.
	TriggerSimilarity float32

	// PatternStaleAfter marks procedural patterns inactive when they have
	// not been reinforced for this long.
	PatternStaleAfter time.Duration

	// GeneratorTimeout bounds every individual Generator call.
	GeneratorTimeout time.Duration

	// GeneratorMaxTokens caps the output of every Generator call.
	GeneratorMaxTokens int

	// RetrieveFacts and RetrieveEpisodes are the top-k limits used when
	// assembling a context bundle.
	RetrieveFacts    int
	RetrieveEpisodes int

	// ContextBudget is the default character budget for RetrieveContext
	// when the caller passes no budget.
	ContextBudget int
}

// DefaultConfig returns sensible defaults for local use.
var DefaultConfig = &Config{
	MaxWorkingRecords:  50,
	MaxInteractions:    100,
	Interval:           24 * time.Hour,
	CompressionBatch:   10,
	KeepRecent:         5,
	DuplicateThreshold: 0.92,
	TriggerSimilarity:  0.85,
	PatternStaleAfter:  30 * 24 * time.Hour,
	GeneratorTimeout:   30 * time.Second,
	GeneratorMaxTokens: 2000,
	RetrieveFacts:      5,
	RetrieveEpisodes:   3,
	ContextBudget:      4000,
}

// withDefaults returns a copy of c with zero fields filled from DefaultConfig.
func (c *Config) withDefaults() *Config {
	out := *DefaultConfig
	if c == nil {
		return &out
	}
	if c.MaxWorkingRecords > 0 {
		out.MaxWorkingRecords = c.MaxWorkingRecords
	}
	if c.MaxInteractions > 0 {
		out.MaxInteractions = c.MaxInteractions
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.CompressionBatch > 0 {
		out.CompressionBatch = c.CompressionBatch
	}
	if c.KeepRecent > 0 {
		out.KeepRecent = c.KeepRecent
	}
	if c.DuplicateThreshold > 0 {
		out.DuplicateThreshold = c.DuplicateThreshold
	}
	if c.TriggerSimilarity > 0 {
		out.TriggerSimilarity = c.TriggerSimilarity
	}
	if c.PatternStaleAfter > 0 {
		out.PatternStaleAfter = c.PatternStaleAfter
	}
	if c.GeneratorTimeout > 0 {
		out.GeneratorTimeout = c.GeneratorTimeout
	}
	if c.GeneratorMaxTokens > 0 {
		out.GeneratorMaxTokens = c.GeneratorMaxTokens
	}
	if c.RetrieveFacts > 0 {
		out.RetrieveFacts = c.RetrieveFacts
	}
	if c.RetrieveEpisodes > 0 {
		out.RetrieveEpisodes = c.RetrieveEpisodes
	}
	if c.ContextBudget > 0 {
		out.ContextBudget = c.ContextBudget
	}
	return &out
}
