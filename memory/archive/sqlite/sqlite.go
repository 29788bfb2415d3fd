// Package sqlite implements the memory.Archive interface on an embedded
// SQLite database in WAL mode. One database holds every agent's journal,
// keyed by agent ID.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/quillmind/mnemo/memory"
)

// Store is a SQLite-backed archive. It is safe for concurrent use: writes
// come from the turn path and from per-agent consolidation goroutines at
// the same time.
type Store struct {
	db *sql.DB
}

// New opens or creates a SQLite database at the given path. The busy
// timeout covers concurrent writers; WAL keeps readers unblocked.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// newID returns a ULID from the package's locked entropy source.
func (s *Store) newID() string {
	return ulid.Make().String()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		agent         TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		id            TEXT NOT NULL,
		input         TEXT NOT NULL,
		output        TEXT NOT NULL,
		tool_calls    TEXT,
		context_ids   TEXT,
		created_at    TEXT NOT NULL,
		compressed_at TEXT,
		PRIMARY KEY (agent, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_open ON interactions(agent, compressed_at);

	CREATE TABLE IF NOT EXISTS summaries (
		agent       TEXT NOT NULL,
		id          TEXT NOT NULL,
		start_seq   INTEGER NOT NULL,
		end_seq     INTEGER NOT NULL,
		summary     TEXT NOT NULL,
		retired     INTEGER NOT NULL DEFAULT 0,
		merged_into TEXT,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (agent, id)
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_range ON summaries(agent, start_seq);

	CREATE TABLE IF NOT EXISTS facts (
		agent         TEXT NOT NULL,
		id            TEXT NOT NULL,
		subject       TEXT NOT NULL,
		predicate     TEXT NOT NULL,
		object        TEXT NOT NULL,
		confidence    REAL NOT NULL,
		source_ids    TEXT,
		active        INTEGER NOT NULL DEFAULT 1,
		superseded_by TEXT,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (agent, id)
	);
	CREATE INDEX IF NOT EXISTS idx_facts_key ON facts(agent, subject, predicate);

	CREATE TABLE IF NOT EXISTS patterns (
		agent           TEXT NOT NULL,
		id              TEXT NOT NULL,
		trigger_text    TEXT NOT NULL,
		actions         TEXT NOT NULL,
		support         INTEGER NOT NULL DEFAULT 1,
		active          INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL,
		last_reinforced TEXT NOT NULL,
		PRIMARY KEY (agent, id)
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id         TEXT PRIMARY KEY,
		agent      TEXT NOT NULL,
		stats      TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_agent ON cycles(agent, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendInteraction journals a working-memory record.
func (s *Store) AppendInteraction(ctx context.Context, agentID string, rec memory.InteractionRecord) error {
	var toolCalls, contextIDs string
	if rec.Metadata != nil {
		toolCalls = marshalStrings(rec.Metadata.ToolCalls)
		contextIDs = marshalStrings(rec.Metadata.ContextIDs)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (agent, seq, id, input, output, tool_calls, context_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent, seq) DO NOTHING`,
		agentID, rec.Seq, rec.ID, rec.Input, rec.Output,
		toolCalls, contextIDs, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

// MarkCompressed stamps every uncompressed interaction up to upToSeq.
func (s *Store) MarkCompressed(ctx context.Context, agentID string, upToSeq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET compressed_at = ?
		WHERE agent = ? AND seq <= ? AND compressed_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), agentID, upToSeq)
	if err != nil {
		return fmt.Errorf("mark compressed: %w", err)
	}
	return nil
}

// LoadUncompressed returns interactions not yet covered by a summary.
func (s *Store) LoadUncompressed(ctx context.Context, agentID string) ([]memory.InteractionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, input, output, tool_calls, context_ids, created_at
		FROM interactions
		WHERE agent = ? AND compressed_at IS NULL
		ORDER BY seq ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load uncompressed: %w", err)
	}
	defer rows.Close()

	var records []memory.InteractionRecord
	for rows.Next() {
		var rec memory.InteractionRecord
		var toolCalls, contextIDs sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Input, &rec.Output, &toolCalls, &contextIDs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		rec.CreatedAt = parseTime(createdAt)
		tc := unmarshalStrings(toolCalls.String)
		ci := unmarshalStrings(contextIDs.String)
		if len(tc) > 0 || len(ci) > 0 {
			rec.Metadata = &memory.InteractionMetadata{ToolCalls: tc, ContextIDs: ci}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveSummary inserts or updates an episodic summary.
func (s *Store) SaveSummary(ctx context.Context, agentID string, sum memory.EpisodicSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (agent, id, start_seq, end_seq, summary, retired, merged_into, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent, id) DO UPDATE SET
			summary = excluded.summary,
			retired = excluded.retired,
			merged_into = excluded.merged_into`,
		agentID, sum.ID, sum.StartSeq, sum.EndSeq, sum.Summary,
		boolInt(sum.Retired), sum.MergedInto,
		sum.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// LoadSummaries returns all summaries in creation order, retired ones
// included.
func (s *Store) LoadSummaries(ctx context.Context, agentID string) ([]memory.EpisodicSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_seq, end_seq, summary, retired, merged_into, created_at
		FROM summaries WHERE agent = ? ORDER BY start_seq ASC, created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	var summaries []memory.EpisodicSummary
	for rows.Next() {
		var sum memory.EpisodicSummary
		var retired int
		var mergedInto sql.NullString
		var createdAt string
		if err := rows.Scan(&sum.ID, &sum.StartSeq, &sum.EndSeq, &sum.Summary, &retired, &mergedInto, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Retired = retired != 0
		sum.MergedInto = mergedInto.String
		sum.CreatedAt = parseTime(createdAt)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// SaveFact inserts or updates a semantic fact.
func (s *Store) SaveFact(ctx context.Context, agentID string, f memory.SemanticFact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (agent, id, subject, predicate, object, confidence, source_ids, active, superseded_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent, id) DO UPDATE SET
			object = excluded.object,
			confidence = excluded.confidence,
			source_ids = excluded.source_ids,
			active = excluded.active,
			superseded_by = excluded.superseded_by,
			updated_at = excluded.updated_at`,
		agentID, f.ID, f.Subject, f.Predicate, f.Object, f.Confidence,
		marshalStrings(f.SourceIDs), boolInt(f.Active), f.SupersededBy,
		f.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save fact: %w", err)
	}
	return nil
}

// LoadFacts returns all facts, archived ones included.
func (s *Store) LoadFacts(ctx context.Context, agentID string) ([]memory.SemanticFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, predicate, object, confidence, source_ids, active, superseded_by, updated_at
		FROM facts WHERE agent = ? ORDER BY updated_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	defer rows.Close()

	var facts []memory.SemanticFact
	for rows.Next() {
		var f memory.SemanticFact
		var sourceIDs, supersededBy sql.NullString
		var active int
		var updatedAt string
		if err := rows.Scan(&f.ID, &f.Subject, &f.Predicate, &f.Object, &f.Confidence, &sourceIDs, &active, &supersededBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.SourceIDs = unmarshalStrings(sourceIDs.String)
		f.Active = active != 0
		f.SupersededBy = supersededBy.String
		f.UpdatedAt = parseTime(updatedAt)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// SavePattern inserts or updates a procedural pattern.
func (s *Store) SavePattern(ctx context.Context, agentID string, p memory.ProceduralPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (agent, id, trigger_text, actions, support, active, created_at, last_reinforced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent, id) DO UPDATE SET
			support = excluded.support,
			active = excluded.active,
			last_reinforced = excluded.last_reinforced`,
		agentID, p.ID, p.Trigger, marshalStrings(p.Actions), p.Support,
		boolInt(p.Active),
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.LastReinforced.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// LoadPatterns returns all patterns, inactive ones included.
func (s *Store) LoadPatterns(ctx context.Context, agentID string) ([]memory.ProceduralPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_text, actions, support, active, created_at, last_reinforced
		FROM patterns WHERE agent = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	defer rows.Close()

	var patterns []memory.ProceduralPattern
	for rows.Next() {
		var p memory.ProceduralPattern
		var actions sql.NullString
		var active int
		var createdAt, lastReinforced string
		if err := rows.Scan(&p.ID, &p.Trigger, &actions, &p.Support, &active, &createdAt, &lastReinforced); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Actions = unmarshalStrings(actions.String)
		p.Active = active != 0
		p.CreatedAt = parseTime(createdAt)
		p.LastReinforced = parseTime(lastReinforced)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// SaveCycle records one consolidation cycle's statistics.
func (s *Store) SaveCycle(ctx context.Context, agentID string, stats memory.CycleStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal cycle stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, agent, stats, created_at) VALUES (?, ?, ?, ?)`,
		s.newID(), agentID, string(data),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	return nil
}

// Cycles returns the most recent cycle stats for an agent, newest first.
func (s *Store) Cycles(ctx context.Context, agentID string, limit int) ([]memory.CycleStats, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stats FROM cycles WHERE agent = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("load cycles: %w", err)
	}
	defer rows.Close()

	var all []memory.CycleStats
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		var stats memory.CycleStats
		if err := json.Unmarshal([]byte(raw), &stats); err != nil {
			continue
		}
		all = append(all, stats)
	}
	return all, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func marshalStrings(in []string) string {
	if len(in) == 0 {
		return ""
	}
	data, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
