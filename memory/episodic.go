package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EpisodicSummary is a compressed representation of a contiguous run of
// interaction records. Active summaries never overlap in sequence range;
// merged summaries retire their sources rather than deleting them.
type EpisodicSummary struct {
	ID        string
	StartSeq  uint64
	EndSeq    uint64
	Summary   string
	CreatedAt time.Time
	Retired   bool
	MergedInto string // id of the summary a retired one was merged into
	Embedding []float32
}

// ScoredSummary pairs a summary with its similarity score to a query.
type ScoredSummary struct {
	Summary EpisodicSummary
	Score   float32
}

// EpisodicStore holds compressed interaction-batch summaries and supports
// retrieval by id, by time range, and by semantic similarity. Embedding and
// nearest-neighbor search are delegated to the injected Embedder and Index.
type EpisodicStore struct {
	embedder  Embedder
	index     Index
	namespace string

	mu        sync.RWMutex
	summaries map[string]*EpisodicSummary
	order     []string // insertion order
}

// NewEpisodicStore creates a store that keys its vectors under the given
// namespace (derived from the owning agent's id).
func NewEpisodicStore(embedder Embedder, index Index, namespace string) *EpisodicStore {
	return &EpisodicStore{
		embedder:  embedder,
		index:     index,
		namespace: namespace,
		summaries: make(map[string]*EpisodicSummary),
	}
}

// Add stores a summary and upserts its embedding into the index. The write is
// atomic: on embed or index failure nothing is committed. Active summaries
// with overlapping sequence ranges are rejected.
func (s *EpisodicStore) Add(ctx context.Context, summary *EpisodicSummary) error {
	if summary.ID == "" {
		summary.ID = uuid.New().String()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	if summary.StartSeq == 0 || summary.EndSeq < summary.StartSeq {
		return fmt.Errorf("invalid summary range [%d, %d]", summary.StartSeq, summary.EndSeq)
	}

	s.mu.RLock()
	for _, existing := range s.summaries {
		if existing.Retired {
			continue
		}
		if summary.StartSeq <= existing.EndSeq && existing.StartSeq <= summary.EndSeq {
			s.mu.RUnlock()
			return fmt.Errorf("summary range [%d, %d] overlaps active summary %s [%d, %d]",
				summary.StartSeq, summary.EndSeq, existing.ID, existing.StartSeq, existing.EndSeq)
		}
	}
	s.mu.RUnlock()

	if len(summary.Embedding) == 0 {
		emb, err := s.embedder.Embed(ctx, summary.Summary)
		if err != nil {
			return &IndexError{Op: "embed", Err: err}
		}
		summary.Embedding = emb
	}

	meta := map[string]string{
		"kind":       "episodic",
		"start_seq":  strconv.FormatUint(summary.StartSeq, 10),
		"end_seq":    strconv.FormatUint(summary.EndSeq, 10),
		"created_at": summary.CreatedAt.Format(time.RFC3339),
		"text":       summary.Summary,
	}
	if err := s.index.Upsert(ctx, s.namespace, summary.ID, summary.Embedding, meta); err != nil {
		return &IndexError{Op: "upsert", Err: err}
	}

	s.mu.Lock()
	cp := *summary
	s.summaries[summary.ID] = &cp
	s.order = append(s.order, summary.ID)
	s.mu.Unlock()
	return nil
}

// Get returns the summary with the given id.
func (s *EpisodicStore) Get(id string) (EpisodicSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[id]
	if !ok {
		return EpisodicSummary{}, false
	}
	return *sum, true
}

// FindNearDuplicates returns active summaries whose embeddings score at or
// above threshold against the given summary, ordered by similarity. The
// summary itself is excluded.
func (s *EpisodicStore) FindNearDuplicates(ctx context.Context, summary EpisodicSummary, threshold float32) ([]ScoredSummary, error) {
	emb := summary.Embedding
	if len(emb) == 0 {
		var err error
		emb, err = s.embedder.Embed(ctx, summary.Summary)
		if err != nil {
			return nil, &IndexError{Op: "embed", Err: err}
		}
	}

	hits, err := s.index.Search(ctx, s.namespace, emb, 5+s.RetiredCount())
	if err != nil {
		return nil, &IndexError{Op: "search", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScoredSummary
	for _, hit := range hits {
		if hit.ID == summary.ID || hit.Score < threshold {
			continue
		}
		existing, ok := s.summaries[hit.ID]
		if !ok || existing.Retired {
			continue
		}
		out = append(out, ScoredSummary{Summary: *existing, Score: hit.Score})
	}
	return out, nil
}

// Merge produces one summary covering the union of both source ranges. The
// ranges must be compatible (overlapping or adjacent). The merged text is
// produced by the Generator; the two originals are retired, not deleted.
func (s *EpisodicStore) Merge(ctx context.Context, gen Generator, maxTokens int, aID, bID string) (*EpisodicSummary, error) {
	s.mu.RLock()
	a, okA := s.summaries[aID]
	b, okB := s.summaries[bID]
	s.mu.RUnlock()
	if !okA || !okB {
		return nil, fmt.Errorf("merge: unknown summary id")
	}
	if a.Retired || b.Retired {
		return nil, fmt.Errorf("merge: summary already retired")
	}

	lo, hi := a, b
	if b.StartSeq < a.StartSeq {
		lo, hi = b, a
	}
	// Compatible means the ranges overlap or touch; merging disjoint runs
	// would fabricate coverage of interactions neither summary saw.
	if hi.StartSeq > lo.EndSeq+1 {
		return nil, fmt.Errorf("merge: ranges [%d, %d] and [%d, %d] are not adjacent",
			lo.StartSeq, lo.EndSeq, hi.StartSeq, hi.EndSeq)
	}

	text, err := gen.Generate(ctx, buildMergePrompt(a.Summary, b.Summary), maxTokens)
	if err != nil {
		return nil, &GenerationError{Stage: "merge", Err: err}
	}
	text = normalizeOutput(text)
	if text == "" {
		return nil, &GenerationError{Stage: "merge"}
	}

	endSeq := lo.EndSeq
	if hi.EndSeq > endSeq {
		endSeq = hi.EndSeq
	}
	merged := &EpisodicSummary{
		ID:        uuid.New().String(),
		StartSeq:  lo.StartSeq,
		EndSeq:    endSeq,
		Summary:   text,
		CreatedAt: time.Now().UTC(),
	}

	emb, err := s.embedder.Embed(ctx, merged.Summary)
	if err != nil {
		return nil, &IndexError{Op: "embed", Err: err}
	}
	merged.Embedding = emb

	meta := map[string]string{
		"kind":       "episodic",
		"start_seq":  strconv.FormatUint(merged.StartSeq, 10),
		"end_seq":    strconv.FormatUint(merged.EndSeq, 10),
		"created_at": merged.CreatedAt.Format(time.RFC3339),
		"text":       merged.Summary,
	}
	if err := s.index.Upsert(ctx, s.namespace, merged.ID, merged.Embedding, meta); err != nil {
		return nil, &IndexError{Op: "upsert", Err: err}
	}

	s.mu.Lock()
	a.Retired = true
	a.MergedInto = merged.ID
	b.Retired = true
	b.MergedInto = merged.ID
	cp := *merged
	s.summaries[merged.ID] = &cp
	s.order = append(s.order, merged.ID)
	s.mu.Unlock()

	log.Printf("[EPISODIC] Merged summaries %s + %s into %s covering [%d, %d]",
		aID, bID, merged.ID, merged.StartSeq, merged.EndSeq)
	return merged, nil
}

// Search embeds the query and returns the topK most similar active summaries.
func (s *EpisodicStore) Search(ctx context.Context, query string, topK int) ([]ScoredSummary, error) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &IndexError{Op: "embed", Err: err}
	}
	// Retired summaries keep their vectors (the index has no delete), so
	// the fetch widens with the retired population to still yield topK
	// actives when they exist.
	hits, err := s.index.Search(ctx, s.namespace, emb, topK+s.RetiredCount())
	if err != nil {
		return nil, &IndexError{Op: "search", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScoredSummary
	for _, hit := range hits {
		existing, ok := s.summaries[hit.ID]
		if !ok || existing.Retired {
			continue
		}
		out = append(out, ScoredSummary{Summary: *existing, Score: hit.Score})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// ByTimeRange returns active summaries created within [from, to], oldest
// first.
func (s *EpisodicStore) ByTimeRange(from, to time.Time) []EpisodicSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EpisodicSummary
	for _, id := range s.order {
		sum := s.summaries[id]
		if sum.Retired {
			continue
		}
		if sum.CreatedAt.Before(from) || sum.CreatedAt.After(to) {
			continue
		}
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MaxCoveredSeq returns the highest sequence number covered by any active
// summary, or 0 when none exist. Used on recovery: records at or below this
// sequence already have a committed summary and only need trimming.
func (s *EpisodicStore) MaxCoveredSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max uint64
	for _, sum := range s.summaries {
		if sum.Retired {
			continue
		}
		if sum.EndSeq > max {
			max = sum.EndSeq
		}
	}
	return max
}

// Restore re-inserts a previously persisted summary without touching the
// index, used when rebuilding from an archive backed by a persistent index.
func (s *EpisodicStore) Restore(summary EpisodicSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := summary
	s.summaries[summary.ID] = &cp
	s.order = append(s.order, summary.ID)
}

// ActiveCount returns the number of non-retired summaries.
func (s *EpisodicStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sum := range s.summaries {
		if !sum.Retired {
			n++
		}
	}
	return n
}

// RetiredCount returns the number of retired summaries.
func (s *EpisodicStore) RetiredCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sum := range s.summaries {
		if sum.Retired {
			n++
		}
	}
	return n
}
