package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Manager is the single entry point an agent-turn loop calls. It owns the
// per-agent working buffers, tier stores, and consolidation scheduling, and
// composes retrieval across all tiers.
//
// Consolidation never blocks the turn that triggered it: RecordInteraction
// returns immediately after scheduling a background run. Exactly one run per
// agent is active at a time; a trigger firing during a run is dropped, not
// queued. The next append re-evaluates the trigger, so work is deferred,
// never lost.
type Manager struct {
	cfg      *Config
	embedder Embedder
	index    Index
	gen      Generator
	resolver Resolver
	archive  Archive
	now      func() time.Time

	mu     sync.RWMutex
	agents map[string]*agentState
}

// agentState bundles one agent's tiers and its consolidation run token.
type agentState struct {
	id         string
	buffer     *WorkingMemoryBuffer
	episodic   *EpisodicStore
	semantic   *SemanticStore
	procedural *ProceduralStore
	engine     *Consolidator

	running atomic.Bool // per-agent consolidation lock

	statsMu           sync.Mutex
	lastConsolidated  time.Time
	lastCycle         *CycleStats
	interactionsSince int
}

// Option configures the manager.
type Option func(*Manager)

// WithResolver sets the contradiction resolver used during the resolving
// stage (e.g. NewLLMResolver around the same Generator).
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithArchive sets the durable archive. Agents are rebuilt from it on first
// use, and every consolidation cycle journals its results into it.
func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithClock overrides the time source used for the elapsed-time trigger.
// Tests use it to fire interval consolidations without waiting.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over the injected capabilities.
// A nil config uses DefaultConfig.
func NewManager(embedder Embedder, index Index, gen Generator, cfg *Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		embedder: embedder,
		index:    index,
		gen:      gen,
		now:      time.Now,
		agents:   make(map[string]*agentState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// agent returns the state for agentID, creating and (when an archive is
// configured) recovering it on first use.
func (m *Manager) agent(ctx context.Context, agentID string) (*agentState, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	m.mu.RLock()
	a, ok := m.agents[agentID]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if a, ok := m.agents[agentID]; ok {
		return a, nil
	}

	a = &agentState{
		id:         agentID,
		buffer:     NewWorkingMemoryBuffer(),
		episodic:   NewEpisodicStore(m.embedder, m.index, agentID+"/episodic"),
		semantic:   NewSemanticStore(m.embedder, m.index, agentID+"/semantic"),
		procedural: NewProceduralStore(m.embedder, m.cfg.TriggerSimilarity),
	}
	a.engine = NewConsolidator(agentID, m.cfg, m.gen, a.buffer, a.episodic, a.semantic, a.procedural)
	a.engine.Resolver = m.resolver
	a.engine.Archive = m.archive
	a.lastConsolidated = m.now().UTC()

	if m.archive != nil {
		if err := m.recover(ctx, a); err != nil {
			return nil, fmt.Errorf("recover agent %s: %w", agentID, err)
		}
	}

	m.agents[agentID] = a
	return a, nil
}

// recover rebuilds an agent's in-memory state from the archive.
func (m *Manager) recover(ctx context.Context, a *agentState) error {
	summaries, err := m.archive.LoadSummaries(ctx, a.id)
	if err != nil {
		return fmt.Errorf("load summaries: %w", err)
	}
	for _, s := range summaries {
		a.episodic.Restore(s)
	}

	facts, err := m.archive.LoadFacts(ctx, a.id)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}
	for _, f := range facts {
		a.semantic.Restore(f)
	}

	patterns, err := m.archive.LoadPatterns(ctx, a.id)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	for _, p := range patterns {
		a.procedural.Restore(p)
	}

	records, err := m.archive.LoadUncompressed(ctx, a.id)
	if err != nil {
		return fmt.Errorf("load interactions: %w", err)
	}
	for _, rec := range records {
		a.buffer.Restore(rec)
	}

	if len(summaries) > 0 || len(records) > 0 {
		log.Printf("[MEMORY] Recovered agent %s: %d interactions, %d summaries, %d facts, %d patterns",
			a.id, len(records), len(summaries), len(facts), len(patterns))
	}
	return nil
}

// DropAgent tears down an agent's in-memory state. Archived data is
// untouched; the agent is rebuilt from the archive on next use.
func (m *Manager) DropAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// RecordInteraction appends one exchange to the agent's working memory and,
// when a consolidation trigger fires and no run is in flight, schedules a
// background consolidation. It never blocks on, nor surfaces errors from,
// consolidation itself.
func (m *Manager) RecordInteraction(ctx context.Context, agentID, input, output string, meta *InteractionMetadata) (InteractionRecord, error) {
	a, err := m.agent(ctx, agentID)
	if err != nil {
		return InteractionRecord{}, err
	}

	rec := a.buffer.Append(input, output, meta)

	if m.archive != nil {
		if err := m.archive.AppendInteraction(ctx, agentID, rec); err != nil {
			log.Printf("[MEMORY] Archive append failed for agent %s: %v", agentID, err)
		}
	}

	a.statsMu.Lock()
	a.interactionsSince++
	fired := a.buffer.Len() >= m.cfg.MaxWorkingRecords ||
		a.interactionsSince >= m.cfg.MaxInteractions ||
		m.now().Sub(a.lastConsolidated) >= m.cfg.Interval
	a.statsMu.Unlock()

	if fired {
		m.startConsolidation(a)
	}
	return rec, nil
}

// startConsolidation launches a background run if none is in flight.
// Returns false when the trigger was dropped because a run is active.
func (m *Manager) startConsolidation(a *agentState) bool {
	if !a.running.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer a.running.Store(false)
		m.runCycle(context.Background(), a)
	}()
	return true
}

// runCycle executes one cycle and records its outcome. Caller holds the
// agent's run token.
func (m *Manager) runCycle(ctx context.Context, a *agentState) CycleStats {
	stats := a.engine.Run(ctx)

	a.statsMu.Lock()
	a.lastCycle = &stats
	if stats.Succeeded {
		a.lastConsolidated = stats.FinishedAt
		a.interactionsSince = 0
	}
	a.statsMu.Unlock()

	if m.archive != nil {
		if err := m.archive.SaveCycle(ctx, a.id, stats); err != nil {
			log.Printf("[MEMORY] Archive cycle save failed for agent %s: %v", a.id, err)
		}
	}
	return stats
}

// ForceConsolidate runs a full cycle synchronously, for administration and
// tests. It returns ErrConsolidationRunning when a background run is in
// flight, and a non-nil error with the cycle's failure reason when the
// cycle ends failed.
func (m *Manager) ForceConsolidate(ctx context.Context, agentID string) (CycleStats, error) {
	a, err := m.agent(ctx, agentID)
	if err != nil {
		return CycleStats{}, err
	}
	if !a.running.CompareAndSwap(false, true) {
		return CycleStats{}, ErrConsolidationRunning
	}
	defer a.running.Store(false)

	stats := m.runCycle(ctx, a)
	if !stats.Succeeded {
		return stats, fmt.Errorf("consolidation failed: %s", stats.Err)
	}
	return stats, nil
}

// Sweep evaluates the elapsed-time trigger for every known agent and starts
// background runs where due. The Scheduler calls this periodically so
// consolidation happens even for agents that stopped receiving interactions.
func (m *Manager) Sweep() {
	m.mu.RLock()
	agents := make([]*agentState, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	for _, a := range agents {
		a.statsMu.Lock()
		due := m.now().Sub(a.lastConsolidated) >= m.cfg.Interval
		a.statsMu.Unlock()
		if due && a.buffer.Len() > m.cfg.KeepRecent {
			if m.startConsolidation(a) {
				log.Printf("[MEMORY] Scheduled sweep consolidation for agent %s", a.id)
			}
		}
	}
}

// RetrieveContext assembles a context bundle for the query within a
// character budget, prioritized as: most recent working memory first, then
// semantically relevant facts, then relevant episodic summaries. Lower
// priority sections are truncated first when over budget.
func (m *Manager) RetrieveContext(ctx context.Context, agentID, query string, budget int) (string, error) {
	a, err := m.agent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if budget <= 0 {
		budget = m.cfg.ContextBudget
	}

	var sections []string

	recent := a.buffer.Recent(m.cfg.KeepRecent)
	if len(recent) > 0 {
		var lines []string
		for _, rec := range recent {
			lines = append(lines, rec.Format())
		}
		sections = appendSection(sections, &budget, "=== RECENT INTERACTIONS ===", lines)
	}

	facts, err := a.semantic.Query(ctx, query, m.cfg.RetrieveFacts)
	if err != nil {
		log.Printf("[MEMORY] Fact retrieval failed for agent %s: %v", agentID, err)
	} else if len(facts) > 0 {
		var lines []string
		for _, sf := range facts {
			lines = append(lines, fmt.Sprintf("%s %s %s (confidence %.2f)",
				sf.Fact.Subject, sf.Fact.Predicate, sf.Fact.Object, sf.Fact.Confidence))
		}
		sections = appendSection(sections, &budget, "=== KNOWN FACTS ===", lines)
	}

	episodes, err := a.episodic.Search(ctx, query, m.cfg.RetrieveEpisodes)
	if err != nil {
		log.Printf("[MEMORY] Episode retrieval failed for agent %s: %v", agentID, err)
	} else if len(episodes) > 0 {
		var lines []string
		for _, se := range episodes {
			lines = append(lines, se.Summary.Summary)
		}
		sections = appendSection(sections, &budget, "=== PAST EPISODES ===", lines)
	}

	return strings.Join(sections, "\n\n"), nil
}

// appendSection adds header plus as many lines as the remaining budget
// allows, charging the budget for what it takes, including the blank-line
// separator that joins it to an earlier section.
func appendSection(sections []string, budget *int, header string, lines []string) []string {
	sep := 0
	if len(sections) > 0 {
		sep = len("\n\n")
	}
	if *budget <= sep+len(header) {
		return sections
	}
	var sb strings.Builder
	sb.WriteString(header)
	used := sep + len(header)
	added := 0
	for _, line := range lines {
		cost := len(line) + 1
		if used+cost > *budget {
			break
		}
		sb.WriteString("\n")
		sb.WriteString(line)
		used += cost
		added++
	}
	if added == 0 {
		return sections
	}
	*budget -= used
	return append(sections, sb.String())
}

// AgentStats is a read-only snapshot of one agent's memory system.
type AgentStats struct {
	AgentID            string      `json:"agent_id"`
	WorkingRecords     int         `json:"working_records"`
	EpisodicActive     int         `json:"episodic_active"`
	EpisodicRetired    int         `json:"episodic_retired"`
	SemanticActive     int         `json:"semantic_active"`
	SemanticArchived   int         `json:"semantic_archived"`
	ProceduralActive   int         `json:"procedural_active"`
	InteractionsSince  int         `json:"interactions_since_consolidation"`
	LastConsolidated   time.Time   `json:"last_consolidated"`
	ConsolidationState string      `json:"consolidation_state"`
	RunInFlight        bool        `json:"run_in_flight"`
	LastCycle          *CycleStats `json:"last_cycle,omitempty"`
}

// Stats reports the agent's store sizes, trigger counters, and the outcome
// of the last consolidation cycle.
func (m *Manager) Stats(ctx context.Context, agentID string) (AgentStats, error) {
	a, err := m.agent(ctx, agentID)
	if err != nil {
		return AgentStats{}, err
	}

	a.statsMu.Lock()
	last := a.lastConsolidated
	var cycle *CycleStats
	if a.lastCycle != nil {
		cp := *a.lastCycle
		cycle = &cp
	}
	since := a.interactionsSince
	a.statsMu.Unlock()

	return AgentStats{
		AgentID:            agentID,
		WorkingRecords:     a.buffer.Len(),
		EpisodicActive:     a.episodic.ActiveCount(),
		EpisodicRetired:    a.episodic.RetiredCount(),
		SemanticActive:     a.semantic.ActiveCount(),
		SemanticArchived:   a.semantic.ArchivedCount(),
		ProceduralActive:   a.procedural.ActiveCount(),
		InteractionsSince:  since,
		LastConsolidated:   last,
		ConsolidationState: a.engine.State().String(),
		RunInFlight:        a.running.Load(),
		LastCycle:          cycle,
	}, nil
}

// Patterns returns the agent's procedural patterns, optionally restricted to
// active ones.
func (m *Manager) Patterns(ctx context.Context, agentID string, activeOnly bool) ([]ProceduralPattern, error) {
	a, err := m.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return a.procedural.Patterns(activeOnly), nil
}

// truncate shortens s to maxLen, appending "..." when truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
