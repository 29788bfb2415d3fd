package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProceduralPattern is a learned "trigger leads to action sequence"
// workflow. Support only increases; patterns are retired when stale, never
// deleted.
type ProceduralPattern struct {
	ID             string
	Trigger        string
	Actions        []string
	Support        int
	Active         bool
	CreatedAt      time.Time
	LastReinforced time.Time
	Embedding      []float32 // trigger embedding, used for fuzzy matching
}

// ProceduralStore detects and reinforces recurring action sequences.
//
// Matching is exact on the action sequence and fuzzy on the trigger (cosine
// similarity of trigger embeddings at or above the configured threshold).
// True semantic equivalence of action sequences is future work.
type ProceduralStore struct {
	embedder  Embedder
	threshold float32

	mu       sync.RWMutex
	patterns []*ProceduralPattern
}

// NewProceduralStore creates a store using the given trigger-similarity
// threshold.
func NewProceduralStore(embedder Embedder, triggerSimilarity float32) *ProceduralStore {
	return &ProceduralStore{embedder: embedder, threshold: triggerSimilarity}
}

// Observe records one occurrence of an action sequence under a trigger.
// A matching active pattern is reinforced (support incremented); otherwise a
// new pattern is inserted with support 1. The second return reports whether
// an existing pattern was reinforced.
func (s *ProceduralStore) Observe(ctx context.Context, trigger string, actions []string) (ProceduralPattern, bool, error) {
	if len(actions) == 0 {
		return ProceduralPattern{}, false, nil
	}

	emb, err := s.embedder.Embed(ctx, trigger)
	if err != nil {
		return ProceduralPattern{}, false, &IndexError{Op: "embed", Err: err}
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.patterns {
		if !p.Active || !sameActions(p.Actions, actions) {
			continue
		}
		if cosineSimilarity(p.Embedding, emb) < s.threshold {
			continue
		}
		p.Support++
		p.LastReinforced = now
		return *p, true, nil
	}

	p := &ProceduralPattern{
		ID:             uuid.New().String(),
		Trigger:        trigger,
		Actions:        append([]string(nil), actions...),
		Support:        1,
		Active:         true,
		CreatedAt:      now,
		LastReinforced: now,
		Embedding:      emb,
	}
	s.patterns = append(s.patterns, p)
	return *p, false, nil
}

// RetireStale marks patterns inactive when they have not been reinforced
// within staleAfter of now. Retired patterns stay on record for audit.
// Returns the number retired.
func (s *ProceduralStore) RetireStale(now time.Time, staleAfter time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	retired := 0
	for _, p := range s.patterns {
		if p.Active && now.Sub(p.LastReinforced) > staleAfter {
			p.Active = false
			retired++
		}
	}
	return retired
}

// Patterns returns a copy of stored patterns, optionally restricted to
// active ones, ordered by support (highest first is not guaranteed; callers
// sort as needed).
func (s *ProceduralStore) Patterns(activeOnly bool) []ProceduralPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ProceduralPattern
	for _, p := range s.patterns {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Restore re-inserts a previously persisted pattern.
func (s *ProceduralStore) Restore(p ProceduralPattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.patterns = append(s.patterns, &cp)
}

// ActiveCount returns the number of active patterns.
func (s *ProceduralStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.patterns {
		if p.Active {
			n++
		}
	}
	return n
}

func sameActions(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
