package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// State is the consolidation pipeline's current stage.
type State int32

const (
	StateIdle State = iota
	StateCompressing
	StateDeduplicating
	StateExtracting
	StateLearning
	StateResolving
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCompressing:
		return "compressing"
	case StateDeduplicating:
		return "deduplicating"
	case StateExtracting:
		return "extracting"
	case StateLearning:
		return "learning"
	case StateResolving:
		return "resolving"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CycleStats reports what one consolidation cycle did, with per-tier sizes
// before and after.
type CycleStats struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Succeeded  bool          `json:"succeeded"`
	Err        string        `json:"error,omitempty"`

	WorkingBefore    int `json:"l1_before"`
	WorkingAfter     int `json:"l1_after"`
	EpisodicBefore   int `json:"l2_before"`
	EpisodicAfter    int `json:"l2_after"`
	SemanticBefore   int `json:"l3_before"`
	SemanticAfter    int `json:"l3_after"`
	ProceduralBefore int `json:"l4_before"`
	ProceduralAfter  int `json:"l4_after"`

	RecordsCompressed      int `json:"records_compressed"`
	SummariesMerged        int `json:"summaries_merged"`
	FactsInserted          int `json:"facts_inserted"`
	FactsReinforced        int `json:"facts_reinforced"`
	FactsSuperseded        int `json:"facts_superseded"`
	FactsFlagged           int `json:"facts_flagged"`
	ContradictionsResolved int `json:"contradictions_resolved"`
	PatternsObserved       int `json:"patterns_observed"`
	PatternsReinforced     int `json:"patterns_reinforced"`
	PatternsRetired        int `json:"patterns_retired"`
}

// Consolidator drives the compression pipeline for one agent: compress the
// oldest working records into an episodic summary, deduplicate summaries,
// extract semantic facts, learn procedural patterns, resolve contradictions,
// then commit and trim.
//
// A Consolidator is not self-scheduling and does not enforce mutual
// exclusion; the Manager owns the per-agent run lock and decides when Run is
// called. Failures never propagate out of Run: the cycle ends in the failed
// state, the buffer keeps its records, and the next trigger retries from
// intact working memory.
type Consolidator struct {
	// Resolver, when set, is consulted for contradictions parked during the
	// learning stage. Optional.
	Resolver Resolver

	// Archive, when set, receives durable copies of everything the cycle
	// commits. The summary write gates buffer trimming. Optional.
	Archive Archive

	cfg        *Config
	agentID    string
	gen        Generator
	buffer     *WorkingMemoryBuffer
	episodic   *EpisodicStore
	semantic   *SemanticStore
	procedural *ProceduralStore

	state atomic.Int32
}

// NewConsolidator wires a pipeline over one agent's stores.
func NewConsolidator(agentID string, cfg *Config, gen Generator, buffer *WorkingMemoryBuffer,
	episodic *EpisodicStore, semantic *SemanticStore, procedural *ProceduralStore) *Consolidator {
	return &Consolidator{
		cfg:        cfg.withDefaults(),
		agentID:    agentID,
		gen:        gen,
		buffer:     buffer,
		episodic:   episodic,
		semantic:   semantic,
		procedural: procedural,
	}
}

// State returns the pipeline's current stage.
func (c *Consolidator) State() State {
	return State(c.state.Load())
}

func (c *Consolidator) setState(s State) {
	c.state.Store(int32(s))
}

// Run executes one full consolidation cycle and reports its statistics.
// An empty buffer is a no-op that returns to idle without creating
// summaries or facts.
func (c *Consolidator) Run(ctx context.Context) CycleStats {
	now := time.Now().UTC()
	stats := CycleStats{
		StartedAt:        now,
		WorkingBefore:    c.buffer.Len(),
		EpisodicBefore:   c.episodic.ActiveCount(),
		SemanticBefore:   c.semantic.ActiveCount(),
		ProceduralBefore: c.procedural.ActiveCount(),
	}
	retried := false

	finish := func(err error) CycleStats {
		stats.FinishedAt = time.Now().UTC()
		stats.Duration = stats.FinishedAt.Sub(stats.StartedAt)
		stats.WorkingAfter = c.buffer.Len()
		stats.EpisodicAfter = c.episodic.ActiveCount()
		stats.SemanticAfter = c.semantic.ActiveCount()
		stats.ProceduralAfter = c.procedural.ActiveCount()
		if err != nil {
			stats.Err = err.Error()
			c.setState(StateFailed)
			log.Printf("[CONSOLIDATE] agent=%s cycle failed in %s: %v", c.agentID, c.State(), err)
		} else {
			stats.Succeeded = true
			c.setState(StateIdle)
		}
		return stats
	}

	// Records already covered by a committed summary (a crash between commit
	// and trim, or an earlier failed cycle) only need trimming, not a second
	// compression.
	covered := c.episodic.MaxCoveredSeq()

	batch := c.cfg.CompressionBatch
	if spare := c.buffer.Len() - c.cfg.KeepRecent; spare < batch {
		batch = spare
	}

	snapshot := c.buffer.SnapshotForCompression(batch)
	var pending []InteractionRecord
	for _, rec := range snapshot {
		if rec.Seq > covered {
			pending = append(pending, rec)
		}
	}

	if len(pending) == 0 {
		if covered > 0 {
			if n := c.buffer.RemoveCompressed(covered); n > 0 {
				log.Printf("[CONSOLIDATE] agent=%s trimmed %d records already covered through seq %d",
					c.agentID, n, covered)
				stats.RecordsCompressed = n
			}
		}
		return finish(nil)
	}

	// COMPRESSING
	c.setState(StateCompressing)
	summaryText, err := c.generate(ctx, "compression", buildSummaryPrompt(pending), &retried)
	if err != nil {
		return finish(err)
	}
	summary := &EpisodicSummary{
		StartSeq: pending[0].Seq,
		EndSeq:   pending[len(pending)-1].Seq,
		Summary:  summaryText,
	}

	// DEDUPLICATING
	c.setState(StateDeduplicating)
	if err := c.episodic.Add(ctx, summary); err != nil {
		return finish(fmt.Errorf("commit summary: %w", err))
	}
	effective := *summary
	var retiredIDs []string

	dups, err := c.episodic.FindNearDuplicates(ctx, effective, c.cfg.DuplicateThreshold)
	if err != nil {
		// Search failure costs a missed merge opportunity, nothing more.
		log.Printf("[CONSOLIDATE] agent=%s duplicate search failed: %v", c.agentID, err)
	}
	if len(dups) > 0 {
		merged, err := c.episodic.Merge(ctx, c.gen, c.cfg.GeneratorMaxTokens, effective.ID, dups[0].Summary.ID)
		if err != nil {
			log.Printf("[CONSOLIDATE] agent=%s merge skipped: %v", c.agentID, err)
		} else {
			retiredIDs = append(retiredIDs, effective.ID, dups[0].Summary.ID)
			effective = *merged
			stats.SummariesMerged++
		}
	}

	// EXTRACTING
	c.setState(StateExtracting)
	var factCandidates []SemanticFact
	extractionOut, err := c.generate(ctx, "extraction", buildExtractionPrompt(effective.Summary), &retried)
	if err != nil {
		return finish(err)
	}
	factCandidates, perr := parseExtraction(extractionOut)
	if perr != nil {
		// Malformed model output skips extraction for this cycle only.
		log.Printf("[CONSOLIDATE] agent=%s %v", c.agentID, perr)
		factCandidates = nil
	}

	// LEARNING
	c.setState(StateLearning)
	var touched []SemanticFact
	for _, candidate := range factCandidates {
		candidate.SourceIDs = []string{effective.ID}
		res, err := c.semantic.UpsertFact(ctx, candidate, nil)
		if err != nil {
			log.Printf("[CONSOLIDATE] agent=%s fact upsert failed for %q/%q: %v",
				c.agentID, candidate.Subject, candidate.Predicate, err)
			continue
		}
		switch res.Outcome {
		case OutcomeInserted:
			stats.FactsInserted++
		case OutcomeReinforced:
			stats.FactsReinforced++
		case OutcomeSuperseded, OutcomeKeptExisting, OutcomeMerged:
			stats.FactsSuperseded++
		case OutcomeFlagged:
			stats.FactsFlagged++
		}
		touched = append(touched, res.Fact)
		if res.Archived != nil {
			touched = append(touched, *res.Archived)
		}
	}

	observed, reinforced := c.learnPatterns(ctx, pending)
	stats.PatternsObserved = observed
	stats.PatternsReinforced = reinforced

	// RESOLVING
	c.setState(StateResolving)
	stats.ContradictionsResolved = c.semantic.ResolveFlagged(ctx, c.Resolver)
	stats.PatternsRetired = c.procedural.RetireStale(time.Now().UTC(), c.cfg.PatternStaleAfter)

	// COMMITTING: the summary must be durable before any trimming.
	c.setState(StateCommitting)
	if c.Archive != nil {
		if err := c.Archive.SaveSummary(ctx, c.agentID, effective); err != nil {
			return finish(fmt.Errorf("archive summary: %w", err))
		}
		for _, id := range retiredIDs {
			if retired, ok := c.episodic.Get(id); ok {
				if err := c.Archive.SaveSummary(ctx, c.agentID, retired); err != nil {
					return finish(fmt.Errorf("archive retired summary: %w", err))
				}
			}
		}
		for _, f := range touched {
			if err := c.Archive.SaveFact(ctx, c.agentID, f); err != nil {
				log.Printf("[CONSOLIDATE] agent=%s archive fact failed: %v", c.agentID, err)
			}
		}
		for _, p := range c.procedural.Patterns(false) {
			if err := c.Archive.SavePattern(ctx, c.agentID, p); err != nil {
				log.Printf("[CONSOLIDATE] agent=%s archive pattern failed: %v", c.agentID, err)
			}
		}
		if err := c.Archive.MarkCompressed(ctx, c.agentID, effective.EndSeq); err != nil {
			log.Printf("[CONSOLIDATE] agent=%s archive mark-compressed failed: %v", c.agentID, err)
		}
	}

	trimTo := effective.EndSeq
	if covered > trimTo {
		trimTo = covered
	}
	stats.RecordsCompressed = c.buffer.RemoveCompressed(trimTo)

	result := finish(nil)
	log.Printf("[CONSOLIDATE] agent=%s cycle done: %d compressed, %d facts, %d patterns, %s",
		c.agentID, result.RecordsCompressed,
		result.FactsInserted+result.FactsReinforced+result.FactsSuperseded,
		result.PatternsObserved+result.PatternsReinforced, result.Duration)
	return result
}

// generate runs one Generator call under the configured timeout, with at
// most one retry across the whole cycle.
func (c *Consolidator) generate(ctx context.Context, stage, prompt string, retried *bool) (string, error) {
	out, err := c.generateOnce(ctx, stage, prompt)
	if err == nil {
		return out, nil
	}
	if *retried {
		return "", err
	}
	*retried = true
	log.Printf("[CONSOLIDATE] agent=%s retrying %s after: %v", c.agentID, stage, err)
	return c.generateOnce(ctx, stage, prompt)
}

func (c *Consolidator) generateOnce(ctx context.Context, stage, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.GeneratorTimeout)
	defer cancel()

	out, err := c.gen.Generate(callCtx, prompt, c.cfg.GeneratorMaxTokens)
	if err != nil {
		return "", &GenerationError{Stage: stage, Err: err}
	}
	out = normalizeOutput(out)
	if out == "" {
		return "", &GenerationError{Stage: stage}
	}
	return out, nil
}

// learnPatterns detects action sequences repeated within the batch and
// records them as procedural observations. A sequence must recur in at
// least two records of the batch to count as a pattern.
func (c *Consolidator) learnPatterns(ctx context.Context, batch []InteractionRecord) (observed, reinforced int) {
	type group struct {
		actions []string
		records []InteractionRecord
	}
	groups := make(map[string]*group)
	for _, rec := range batch {
		if rec.Metadata == nil || len(rec.Metadata.ToolCalls) == 0 {
			continue
		}
		key := strings.Join(rec.Metadata.ToolCalls, "\x00")
		g, ok := groups[key]
		if !ok {
			g = &group{actions: rec.Metadata.ToolCalls}
			groups[key] = g
		}
		g.records = append(g.records, rec)
	}

	for _, g := range groups {
		if len(g.records) < 2 {
			continue
		}
		trigger := truncate(g.records[0].Input, 120)
		_, existed, err := c.procedural.Observe(ctx, trigger, g.actions)
		if err != nil {
			log.Printf("[CONSOLIDATE] agent=%s pattern observation failed: %v", c.agentID, err)
			continue
		}
		if existed {
			reinforced++
		} else {
			observed++
		}
	}
	return observed, reinforced
}
