package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SemanticFact is an atomic piece of extracted knowledge: an entity
// attribute, a preference, or a stated fact. At most one fact per
// (subject, predicate) pair is active at any time; superseded facts are
// archived with a pointer to the fact that replaced them.
type SemanticFact struct {
	ID           string
	Subject      string
	Predicate    string
	Object       string
	Confidence   float64
	SourceIDs    []string // episodic summary ids the fact was derived from
	Active       bool
	SupersededBy string
	UpdatedAt    time.Time
	Embedding    []float32
}

// Key returns the normalized (subject, predicate) identity of the fact.
func (f SemanticFact) Key() string {
	return normalizeKey(f.Subject) + "\x00" + normalizeKey(f.Predicate)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (f SemanticFact) embedText() string {
	return fmt.Sprintf("%s %s %s", f.Subject, f.Predicate, f.Object)
}

// ScoredFact pairs a fact with its similarity score to a query.
type ScoredFact struct {
	Fact  SemanticFact
	Score float32
}

// Decision is the outcome of comparing two conflicting facts.
type Decision int

const (
	// DecisionInconclusive means the resolver could not decide.
	DecisionInconclusive Decision = iota

	// DecisionKeepExisting keeps the currently active fact and archives the
	// candidate.
	DecisionKeepExisting

	// DecisionKeepCandidate activates the candidate and archives the
	// existing fact.
	DecisionKeepCandidate

	// DecisionMerge combines both facts into a new active fact and archives
	// the originals.
	DecisionMerge
)

// Resolver decides between two conflicting facts about the same
// (subject, predicate). Implementations may consult an LLM; the
// confidence-then-recency default policy is the unconditional fallback, so
// resolution always terminates.
type Resolver interface {
	Resolve(ctx context.Context, existing, candidate SemanticFact) (Decision, error)
}

// UpsertOutcome describes what UpsertFact did.
type UpsertOutcome int

const (
	// OutcomeInserted means no fact existed for the key and the candidate
	// was stored as active.
	OutcomeInserted UpsertOutcome = iota

	// OutcomeReinforced means the candidate matched the active fact's value;
	// confidence was increased.
	OutcomeReinforced

	// OutcomeSuperseded means the candidate won the conflict; the previous
	// fact was archived.
	OutcomeSuperseded

	// OutcomeKeptExisting means the existing fact won; the candidate was
	// archived.
	OutcomeKeptExisting

	// OutcomeMerged means both facts were archived in favor of a merged one.
	OutcomeMerged

	// OutcomeFlagged means the conflict was an ambiguous tie; the candidate
	// is parked until the resolving pass.
	OutcomeFlagged
)

// UpsertResult reports the effect of an upsert.
type UpsertResult struct {
	Outcome  UpsertOutcome
	Fact     SemanticFact  // the active fact for the key after the operation
	Archived *SemanticFact // the archived loser, when one was produced
}

type flaggedConflict struct {
	existingID string
	candidate  SemanticFact
}

// SemanticStore maintains the deduplicated, contradiction-resolved knowledge
// mapping. Vector retrieval is restricted to active facts.
type SemanticStore struct {
	embedder  Embedder
	index     Index
	namespace string

	mu          sync.RWMutex
	facts       map[string]*SemanticFact
	activeByKey map[string]string // fact key -> active fact id
	flagged     []flaggedConflict
}

// NewSemanticStore creates a store that keys its vectors under the given
// namespace.
func NewSemanticStore(embedder Embedder, index Index, namespace string) *SemanticStore {
	return &SemanticStore{
		embedder:    embedder,
		index:       index,
		namespace:   namespace,
		facts:       make(map[string]*SemanticFact),
		activeByKey: make(map[string]string),
	}
}

// UpsertFact inserts, reinforces, or resolves the candidate against the
// active fact for its (subject, predicate) key.
//
// Conflicts go through the resolver when one is supplied; otherwise the
// default policy applies: higher confidence wins, and on a confidence tie
// the more recent fact wins. A tie with indistinguishable recency is flagged
// and settled by ResolveFlagged during the resolving stage.
//
// The write is a single logical transaction: on embed or index failure
// nothing is committed.
func (s *SemanticStore) UpsertFact(ctx context.Context, candidate SemanticFact, resolver Resolver) (UpsertResult, error) {
	if candidate.Subject == "" || candidate.Predicate == "" {
		return UpsertResult{}, fmt.Errorf("fact requires subject and predicate")
	}
	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	if candidate.UpdatedAt.IsZero() {
		candidate.UpdatedAt = time.Now().UTC()
	}
	if candidate.Confidence <= 0 {
		candidate.Confidence = 0.5
	}

	s.mu.RLock()
	existingID, exists := s.activeByKey[candidate.Key()]
	var existing SemanticFact
	if exists {
		existing = *s.facts[existingID]
	}
	s.mu.RUnlock()

	if !exists {
		if err := s.activate(ctx, &candidate); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Outcome: OutcomeInserted, Fact: candidate}, nil
	}

	// Same value: reinforcement, not duplication.
	if strings.EqualFold(strings.TrimSpace(existing.Object), strings.TrimSpace(candidate.Object)) {
		s.mu.Lock()
		f := s.facts[existingID]
		f.Confidence = f.Confidence + (1-f.Confidence)*0.15
		f.UpdatedAt = candidate.UpdatedAt
		f.SourceIDs = appendUnique(f.SourceIDs, candidate.SourceIDs...)
		reinforced := *f
		s.mu.Unlock()
		return UpsertResult{Outcome: OutcomeReinforced, Fact: reinforced}, nil
	}

	decision := DecisionInconclusive
	if resolver != nil {
		d, err := resolver.Resolve(ctx, existing, candidate)
		if err != nil {
			log.Printf("[SEMANTIC] Resolver failed for %q/%q, falling back to default policy: %v",
				candidate.Subject, candidate.Predicate, err)
		} else {
			decision = d
		}
	}
	if decision == DecisionInconclusive {
		decision = defaultResolve(existing, candidate)
	}
	if decision == DecisionInconclusive {
		s.mu.Lock()
		s.flagged = append(s.flagged, flaggedConflict{existingID: existingID, candidate: candidate})
		s.mu.Unlock()
		return UpsertResult{Outcome: OutcomeFlagged, Fact: existing}, nil
	}

	return s.apply(ctx, decision, existingID, candidate)
}

// defaultResolve is the heuristic fallback policy: prefer higher confidence,
// then prefer the more recent fact. Indistinguishable facts are left
// inconclusive for the resolving pass.
func defaultResolve(existing, candidate SemanticFact) Decision {
	switch {
	case candidate.Confidence > existing.Confidence:
		return DecisionKeepCandidate
	case candidate.Confidence < existing.Confidence:
		return DecisionKeepExisting
	case candidate.UpdatedAt.After(existing.UpdatedAt):
		return DecisionKeepCandidate
	case candidate.UpdatedAt.Before(existing.UpdatedAt):
		return DecisionKeepExisting
	default:
		return DecisionInconclusive
	}
}

// apply commits a resolution decision.
func (s *SemanticStore) apply(ctx context.Context, decision Decision, existingID string, candidate SemanticFact) (UpsertResult, error) {
	switch decision {
	case DecisionKeepExisting:
		candidate.Active = false
		candidate.SupersededBy = existingID
		s.mu.Lock()
		cp := candidate
		s.facts[candidate.ID] = &cp
		winner := *s.facts[existingID]
		s.mu.Unlock()
		return UpsertResult{Outcome: OutcomeKeptExisting, Fact: winner, Archived: &cp}, nil

	case DecisionKeepCandidate:
		if err := s.activate(ctx, &candidate); err != nil {
			return UpsertResult{}, err
		}
		s.mu.Lock()
		loser := s.facts[existingID]
		loser.Active = false
		loser.SupersededBy = candidate.ID
		archived := *loser
		s.mu.Unlock()
		return UpsertResult{Outcome: OutcomeSuperseded, Fact: candidate, Archived: &archived}, nil

	case DecisionMerge:
		s.mu.RLock()
		existing := *s.facts[existingID]
		s.mu.RUnlock()
		merged := SemanticFact{
			ID:         uuid.New().String(),
			Subject:    existing.Subject,
			Predicate:  existing.Predicate,
			Object:     existing.Object + "; " + candidate.Object,
			Confidence: maxFloat(existing.Confidence, candidate.Confidence),
			SourceIDs:  appendUnique(existing.SourceIDs, candidate.SourceIDs...),
			UpdatedAt:  candidate.UpdatedAt,
		}
		if err := s.activate(ctx, &merged); err != nil {
			return UpsertResult{}, err
		}
		candidate.Active = false
		candidate.SupersededBy = merged.ID
		s.mu.Lock()
		loser := s.facts[existingID]
		loser.Active = false
		loser.SupersededBy = merged.ID
		archived := *loser
		cp := candidate
		s.facts[candidate.ID] = &cp
		s.mu.Unlock()
		return UpsertResult{Outcome: OutcomeMerged, Fact: merged, Archived: &archived}, nil

	default:
		return UpsertResult{}, fmt.Errorf("unhandled decision %d", decision)
	}
}

// activate embeds the fact, upserts its vector, and commits it as the active
// fact for its key. Embed and upsert happen before any state change.
func (s *SemanticStore) activate(ctx context.Context, f *SemanticFact) error {
	emb, err := s.embedder.Embed(ctx, f.embedText())
	if err != nil {
		return &IndexError{Op: "embed", Err: err}
	}
	f.Embedding = emb

	meta := map[string]string{
		"kind":      "semantic",
		"subject":   f.Subject,
		"predicate": f.Predicate,
		"text":      f.embedText(),
	}
	if err := s.index.Upsert(ctx, s.namespace, f.ID, emb, meta); err != nil {
		return &IndexError{Op: "upsert", Err: err}
	}

	f.Active = true
	s.mu.Lock()
	cp := *f
	s.facts[f.ID] = &cp
	s.activeByKey[f.Key()] = f.ID
	s.mu.Unlock()
	return nil
}

// ResolveFlagged settles conflicts parked during upsert. The resolver is
// consulted when configured; an inconclusive or failed resolution falls back
// to keeping the candidate, which is by construction the newer fact.
// Returns the number of conflicts settled.
func (s *SemanticStore) ResolveFlagged(ctx context.Context, resolver Resolver) int {
	s.mu.Lock()
	pending := s.flagged
	s.flagged = nil
	s.mu.Unlock()

	resolved := 0
	for _, conflict := range pending {
		s.mu.RLock()
		existingFact, ok := s.facts[conflict.existingID]
		var existing SemanticFact
		if ok {
			existing = *existingFact
		}
		s.mu.RUnlock()
		if !ok || !existing.Active {
			// The key moved on while the conflict was parked; the parked
			// candidate is stale.
			continue
		}

		decision := DecisionInconclusive
		if resolver != nil {
			d, err := resolver.Resolve(ctx, existing, conflict.candidate)
			if err != nil {
				log.Printf("[SEMANTIC] Flagged-conflict resolver failed: %v", err)
			} else {
				decision = d
			}
		}
		if decision == DecisionInconclusive {
			decision = DecisionKeepCandidate
		}

		if _, err := s.apply(ctx, decision, conflict.existingID, conflict.candidate); err != nil {
			log.Printf("[SEMANTIC] Failed to apply flagged resolution: %v", err)
			continue
		}
		resolved++
	}
	return resolved
}

// FindActive returns the active fact for (subject, predicate), if any.
func (s *SemanticStore) FindActive(subject, predicate string) (SemanticFact, bool) {
	key := normalizeKey(subject) + "\x00" + normalizeKey(predicate)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeByKey[key]
	if !ok {
		return SemanticFact{}, false
	}
	f := s.facts[id]
	if !f.Active {
		return SemanticFact{}, false
	}
	return *f, true
}

// Get returns the fact with the given id, archived facts included.
func (s *SemanticStore) Get(id string) (SemanticFact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[id]
	if !ok {
		return SemanticFact{}, false
	}
	return *f, true
}

// Query embeds the text and returns the topK most similar active facts.
func (s *SemanticStore) Query(ctx context.Context, text string, topK int) ([]ScoredFact, error) {
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &IndexError{Op: "embed", Err: err}
	}
	// Archived facts keep their vectors (the index has no delete), so the
	// fetch widens with the archived population to still yield topK actives
	// when they exist.
	hits, err := s.index.Search(ctx, s.namespace, emb, topK+s.ArchivedCount())
	if err != nil {
		return nil, &IndexError{Op: "search", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScoredFact
	for _, hit := range hits {
		f, ok := s.facts[hit.ID]
		if !ok || !f.Active {
			continue
		}
		out = append(out, ScoredFact{Fact: *f, Score: hit.Score})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Restore re-inserts a previously persisted fact without touching the index.
func (s *SemanticStore) Restore(f SemanticFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f
	s.facts[f.ID] = &cp
	if f.Active {
		s.activeByKey[f.Key()] = f.ID
	}
}

// ActiveCount returns the number of active facts.
func (s *SemanticStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, f := range s.facts {
		if f.Active {
			n++
		}
	}
	return n
}

// ArchivedCount returns the number of superseded facts kept for audit.
func (s *SemanticStore) ArchivedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, f := range s.facts {
		if !f.Active {
			n++
		}
	}
	return n
}

// FlaggedCount returns the number of conflicts awaiting the resolving pass.
func (s *SemanticStore) FlaggedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flagged)
}

func appendUnique(dst []string, src ...string) []string {
	for _, v := range src {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
