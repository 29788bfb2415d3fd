package memory

import "context"

// Archive is the optional durable backend for audit and crash recovery.
// Each tier's records are journaled as they change; on startup the manager
// rebuilds an agent's in-memory state from the archive.
//
// The archive is best-effort for most writes (a failed journal entry is
// logged, not fatal), with one exception: the consolidation pipeline
// persists a new episodic summary before trimming the working buffer, and a
// failure there fails the cycle. Commit summary, then trim, never the
// reverse.
//
// Implementation: sqlite.Store (embedded, WAL).
type Archive interface {
	// AppendInteraction journals a new working-memory record.
	AppendInteraction(ctx context.Context, agentID string, rec InteractionRecord) error

	// MarkCompressed records that all interactions with sequence <= upToSeq
	// are covered by a committed summary.
	MarkCompressed(ctx context.Context, agentID string, upToSeq uint64) error

	// LoadUncompressed returns interactions not yet covered by a summary,
	// in ascending sequence order.
	LoadUncompressed(ctx context.Context, agentID string) ([]InteractionRecord, error)

	// SaveSummary inserts or updates an episodic summary.
	SaveSummary(ctx context.Context, agentID string, s EpisodicSummary) error

	// LoadSummaries returns all summaries, retired ones included.
	LoadSummaries(ctx context.Context, agentID string) ([]EpisodicSummary, error)

	// SaveFact inserts or updates a semantic fact, archived ones included.
	SaveFact(ctx context.Context, agentID string, f SemanticFact) error

	// LoadFacts returns all facts, archived ones included.
	LoadFacts(ctx context.Context, agentID string) ([]SemanticFact, error)

	// SavePattern inserts or updates a procedural pattern.
	SavePattern(ctx context.Context, agentID string, p ProceduralPattern) error

	// LoadPatterns returns all patterns, inactive ones included.
	LoadPatterns(ctx context.Context, agentID string) ([]ProceduralPattern, error)

	// SaveCycle records the statistics of one consolidation cycle.
	SaveCycle(ctx context.Context, agentID string, stats CycleStats) error

	// Close releases resources.
	Close() error
}
