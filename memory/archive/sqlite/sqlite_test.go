package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quillmind/mnemo/memory"
	"github.com/quillmind/mnemo/memory/archive/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "mnemo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InteractionJournal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for seq := uint64(1); seq <= 3; seq++ {
		rec := memory.InteractionRecord{
			ID:        fmt.Sprintf("id%d", seq),
			Seq:       seq,
			Input:     "question",
			Output:    "answer",
			CreatedAt: time.Now().UTC(),
		}
		if seq == 2 {
			rec.Metadata = &memory.InteractionMetadata{
				ToolCalls:  []string{"build", "deploy"},
				ContextIDs: []string{"sum-1"},
			}
		}
		if err := s.AppendInteraction(ctx, "agent1", rec); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	records, err := s.LoadUncompressed(ctx, "agent1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Seq != 1 || records[2].Seq != 3 {
		t.Fatalf("records out of order: %d..%d", records[0].Seq, records[2].Seq)
	}
	if records[1].Metadata == nil || records[1].Metadata.ToolCalls[1] != "deploy" {
		t.Fatalf("metadata not round-tripped: %+v", records[1].Metadata)
	}
	if records[0].Metadata != nil {
		t.Fatal("record without metadata should load with nil metadata")
	}

	if err := s.MarkCompressed(ctx, "agent1", 2); err != nil {
		t.Fatalf("mark compressed: %v", err)
	}
	records, err = s.LoadUncompressed(ctx, "agent1")
	if err != nil {
		t.Fatalf("load after mark: %v", err)
	}
	if len(records) != 1 || records[0].Seq != 3 {
		t.Fatalf("expected only seq 3 uncompressed, got %+v", records)
	}

	// Another agent's journal is untouched.
	other, err := s.LoadUncompressed(ctx, "agent2")
	if err != nil {
		t.Fatalf("load other agent: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("agent2 should have no records, got %d", len(other))
	}
}

func TestStore_SummaryUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sum := memory.EpisodicSummary{
		ID:        "s1",
		StartSeq:  1,
		EndSeq:    10,
		Summary:   "User set up the project.",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveSummary(ctx, "agent1", sum); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Retiring the summary is an update, not a second row.
	sum.Retired = true
	sum.MergedInto = "s2"
	if err := s.SaveSummary(ctx, "agent1", sum); err != nil {
		t.Fatalf("update: %v", err)
	}

	summaries, err := s.LoadSummaries(ctx, "agent1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	got := summaries[0]
	if !got.Retired || got.MergedInto != "s2" {
		t.Fatalf("retirement not persisted: %+v", got)
	}
	if got.StartSeq != 1 || got.EndSeq != 10 || got.Summary != sum.Summary {
		t.Fatalf("summary fields lost: %+v", got)
	}
}

func TestStore_FactRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fact := memory.SemanticFact{
		ID:         "f1",
		Subject:    "user",
		Predicate:  "prefers_language",
		Object:     "Python",
		Confidence: 0.8,
		SourceIDs:  []string{"s1"},
		Active:     true,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.SaveFact(ctx, "agent1", fact); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Supersede it.
	fact.Active = false
	fact.SupersededBy = "f2"
	if err := s.SaveFact(ctx, "agent1", fact); err != nil {
		t.Fatalf("update: %v", err)
	}

	facts, err := s.LoadFacts(ctx, "agent1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	got := facts[0]
	if got.Active || got.SupersededBy != "f2" {
		t.Fatalf("supersession not persisted: %+v", got)
	}
	if got.Object != "Python" || got.Confidence != 0.8 || len(got.SourceIDs) != 1 {
		t.Fatalf("fact fields lost: %+v", got)
	}
}

func TestStore_PatternRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	p := memory.ProceduralPattern{
		ID:             "p1",
		Trigger:        "deploy the api",
		Actions:        []string{"build", "test", "deploy"},
		Support:        3,
		Active:         true,
		CreatedAt:      now,
		LastReinforced: now,
	}
	if err := s.SavePattern(ctx, "agent1", p); err != nil {
		t.Fatalf("save: %v", err)
	}

	patterns, err := s.LoadPatterns(ctx, "agent1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(patterns))
	}
	got := patterns[0]
	if got.Trigger != p.Trigger || got.Support != 3 || len(got.Actions) != 3 {
		t.Fatalf("pattern fields lost: %+v", got)
	}
}

func TestStore_CycleHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		stats := memory.CycleStats{
			StartedAt:         time.Now().UTC(),
			Succeeded:         true,
			RecordsCompressed: 10 + i,
		}
		if err := s.SaveCycle(ctx, "agent1", stats); err != nil {
			t.Fatalf("save cycle %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}

	cycles, err := s.Cycles(ctx, "agent1", 2)
	if err != nil {
		t.Fatalf("load cycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles with limit, got %d", len(cycles))
	}
	if cycles[0].RecordsCompressed != 12 {
		t.Fatalf("expected newest cycle first, got %d", cycles[0].RecordsCompressed)
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// One writer per agent mirrors production: the turn path journals
	// interactions while consolidation goroutines save cycles.
	const perAgent = 50
	agents := []string{"agent1", "agent2"}

	var wg sync.WaitGroup
	errs := make(chan error, len(agents)*2)
	for _, agent := range agents {
		wg.Add(2)
		go func(agent string) {
			defer wg.Done()
			for i := 0; i < perAgent; i++ {
				if err := s.SaveCycle(ctx, agent, memory.CycleStats{
					StartedAt: time.Now().UTC(),
					Succeeded: true,
				}); err != nil {
					errs <- fmt.Errorf("%s cycle %d: %w", agent, i, err)
					return
				}
			}
		}(agent)
		go func(agent string) {
			defer wg.Done()
			for i := 0; i < perAgent; i++ {
				rec := memory.InteractionRecord{
					ID:        fmt.Sprintf("%s-%d", agent, i),
					Seq:       uint64(i + 1),
					Input:     "question",
					Output:    "answer",
					CreatedAt: time.Now().UTC(),
				}
				if err := s.AppendInteraction(ctx, agent, rec); err != nil {
					errs <- fmt.Errorf("%s append %d: %w", agent, i, err)
					return
				}
			}
		}(agent)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}

	for _, agent := range agents {
		cycles, err := s.Cycles(ctx, agent, perAgent+1)
		if err != nil {
			t.Fatalf("load cycles: %v", err)
		}
		if len(cycles) != perAgent {
			t.Fatalf("%s: expected %d cycles, got %d", agent, perAgent, len(cycles))
		}
		records, err := s.LoadUncompressed(ctx, agent)
		if err != nil {
			t.Fatalf("load interactions: %v", err)
		}
		if len(records) != perAgent {
			t.Fatalf("%s: expected %d records, got %d", agent, perAgent, len(records))
		}
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mnemo.db")

	s, err := sqlite.New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveSummary(ctx, "agent1", memory.EpisodicSummary{
		ID: "s1", StartSeq: 1, EndSeq: 5, Summary: "persisted", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := sqlite.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	summaries, err := s2.LoadSummaries(ctx, "agent1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Summary != "persisted" {
		t.Fatalf("data lost across reopen: %+v", summaries)
	}
}
