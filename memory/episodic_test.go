package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/quillmind/mnemo/memory"
)

func TestEpisodicStore_AddAndGet(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), newTestIndex(t), "agent1/episodic")

	sum := &memory.EpisodicSummary{
		StartSeq: 1,
		EndSeq:   10,
		Summary:  "User set up a Go project and configured the linter.",
	}
	if err := store.Add(ctx, sum); err != nil {
		t.Fatalf("add: %v", err)
	}
	if sum.ID == "" {
		t.Fatal("expected a generated id")
	}

	got, ok := store.Get(sum.ID)
	if !ok {
		t.Fatal("summary not found after add")
	}
	if got.Summary != sum.Summary || got.StartSeq != 1 || got.EndSeq != 10 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if store.MaxCoveredSeq() != 10 {
		t.Fatalf("expected MaxCoveredSeq 10, got %d", store.MaxCoveredSeq())
	}
}

func TestEpisodicStore_RejectsOverlappingRanges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), newTestIndex(t), "agent1/episodic")

	if err := store.Add(ctx, &memory.EpisodicSummary{StartSeq: 1, EndSeq: 10, Summary: "first batch"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := store.Add(ctx, &memory.EpisodicSummary{StartSeq: 5, EndSeq: 15, Summary: "overlapping batch"})
	if err == nil {
		t.Fatal("expected overlap rejection")
	}

	// Adjacent, non-overlapping range is fine.
	if err := store.Add(ctx, &memory.EpisodicSummary{StartSeq: 11, EndSeq: 20, Summary: "second batch"}); err != nil {
		t.Fatalf("adjacent add: %v", err)
	}
}

func TestEpisodicStore_AddFailedIndexCommitsNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), failingIndex{}, "agent1/episodic")

	err := store.Add(ctx, &memory.EpisodicSummary{StartSeq: 1, EndSeq: 10, Summary: "doomed"})
	if err == nil {
		t.Fatal("expected index failure")
	}
	var idxErr *memory.IndexError
	if !errors.As(err, &idxErr) {
		t.Fatalf("expected IndexError, got %T: %v", err, err)
	}
	if store.ActiveCount() != 0 {
		t.Fatal("failed add must not commit the summary")
	}
	if store.MaxCoveredSeq() != 0 {
		t.Fatal("failed add must not extend coverage")
	}
}

func TestEpisodicStore_FindNearDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), newTestIndex(t), "agent1/episodic")

	a := &memory.EpisodicSummary{StartSeq: 1, EndSeq: 10, Summary: "User configured the database connection pool for the billing service."}
	b := &memory.EpisodicSummary{StartSeq: 11, EndSeq: 20, Summary: "User configured the database connection pool for the billing service."}
	if err := store.Add(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := store.Add(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}

	dups, err := store.FindNearDuplicates(ctx, *b, 0.95)
	if err != nil {
		t.Fatalf("find duplicates: %v", err)
	}
	if len(dups) != 1 {
		t.Fatalf("expected 1 duplicate, got %d", len(dups))
	}
	if dups[0].Summary.ID != a.ID {
		t.Fatalf("expected %s as duplicate, got %s", a.ID, dups[0].Summary.ID)
	}
	if dups[0].Score < 0.95 {
		t.Fatalf("identical text should score near 1.0, got %f", dups[0].Score)
	}
}

func TestEpisodicStore_MergeRetiresOriginals(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), newTestIndex(t), "agent1/episodic")

	a := &memory.EpisodicSummary{StartSeq: 1, EndSeq: 10, Summary: "User debugged the payment webhook."}
	b := &memory.EpisodicSummary{StartSeq: 11, EndSeq: 20, Summary: "User debugged the payment webhook retry logic."}
	if err := store.Add(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := store.Add(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}

	gen := &scriptedGenerator{summary: "User debugged the payment webhook and its retry logic."}
	merged, err := store.Merge(ctx, gen, 500, a.ID, b.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if merged.StartSeq != 1 || merged.EndSeq != 20 {
		t.Fatalf("merged range should cover both sources, got [%d, %d]", merged.StartSeq, merged.EndSeq)
	}
	if store.ActiveCount() != 1 {
		t.Fatalf("expected 1 active summary after merge, got %d", store.ActiveCount())
	}
	if store.RetiredCount() != 2 {
		t.Fatalf("expected 2 retired summaries, got %d", store.RetiredCount())
	}

	gotA, _ := store.Get(a.ID)
	if !gotA.Retired || gotA.MergedInto != merged.ID {
		t.Fatalf("source a should be retired into %s, got %+v", merged.ID, gotA)
	}

	// A retired summary cannot be merged again.
	if _, err := store.Merge(ctx, gen, 500, a.ID, merged.ID); err == nil {
		t.Fatal("expected merge of retired summary to fail")
	}
}

func TestEpisodicStore_MergeRejectsDisjointRanges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), newTestIndex(t), "agent1/episodic")

	a := &memory.EpisodicSummary{StartSeq: 1, EndSeq: 10, Summary: "early work"}
	b := &memory.EpisodicSummary{StartSeq: 30, EndSeq: 40, Summary: "much later work"}
	if err := store.Add(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := store.Add(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}

	gen := &scriptedGenerator{summary: "should never be used"}
	if _, err := store.Merge(ctx, gen, 500, a.ID, b.ID); err == nil {
		t.Fatal("expected disjoint merge to fail")
	}
	if gen.callCount() != 0 {
		t.Fatal("range check must come before the generator call")
	}
	if store.ActiveCount() != 2 || store.RetiredCount() != 0 {
		t.Fatal("failed merge must not retire anything")
	}
}

func TestEpisodicStore_SearchSkipsRetired(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), newTestIndex(t), "agent1/episodic")

	a := &memory.EpisodicSummary{StartSeq: 1, EndSeq: 10, Summary: "User renamed the staging cluster."}
	b := &memory.EpisodicSummary{StartSeq: 11, EndSeq: 20, Summary: "User renamed the staging cluster again."}
	if err := store.Add(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := store.Add(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}

	gen := &scriptedGenerator{summary: "User renamed the staging cluster twice."}
	merged, err := store.Merge(ctx, gen, 500, a.ID, b.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	results, err := store.Search(ctx, "staging cluster rename", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Summary.ID != merged.ID {
			t.Fatalf("search returned retired summary %s", r.Summary.ID)
		}
	}
	if len(results) != 1 {
		t.Fatalf("expected only the merged summary, got %d results", len(results))
	}
	if !strings.Contains(results[0].Summary.Summary, "twice") {
		t.Fatalf("unexpected summary text: %s", results[0].Summary.Summary)
	}
}

func TestEpisodicStore_SearchFindsActivesBehindRetired(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEpisodicStore(newTestEmbedder(), newTestIndex(t), "agent1/episodic")

	// Six summaries close to the query, merged pairwise so all six retire
	// but keep their vectors. The merged replacements share no query words,
	// so every retired vector outranks every active one.
	var ids []string
	for i := 0; i < 6; i++ {
		sum := &memory.EpisodicSummary{
			StartSeq: uint64(i*2 + 1),
			EndSeq:   uint64(i*2 + 2),
			Summary:  fmt.Sprintf("deployment pipeline rollout step %d", i),
		}
		if err := store.Add(ctx, sum); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		ids = append(ids, sum.ID)
	}

	gen := &scriptedGenerator{summary: "quarterly infrastructure archive notes"}
	for i := 0; i < 6; i += 2 {
		if _, err := store.Merge(ctx, gen, 500, ids[i], ids[i+1]); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}

	results, err := store.Search(ctx, "deployment pipeline rollout", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 active summaries despite retired neighbors, got %d", len(results))
	}
	for _, r := range results {
		if r.Summary.Retired {
			t.Fatalf("search returned retired summary %s", r.Summary.ID)
		}
	}
}
