package memory_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/quillmind/mnemo/memory"
)

func TestWorkingMemoryBuffer_AppendAssignsSequence(t *testing.T) {
	buf := memory.NewWorkingMemoryBuffer()

	for i := 1; i <= 3; i++ {
		rec := buf.Append(fmt.Sprintf("question %d", i), "answer", nil)
		if rec.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, rec.Seq)
		}
		if rec.ID == "" {
			t.Fatal("expected a generated id")
		}
		if rec.CreatedAt.IsZero() {
			t.Fatal("expected a timestamp")
		}
	}
	if buf.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", buf.Len())
	}
}

func TestWorkingMemoryBuffer_SnapshotDoesNotRemove(t *testing.T) {
	buf := memory.NewWorkingMemoryBuffer()
	for i := 0; i < 5; i++ {
		buf.Append("input", "output", nil)
	}

	snap := buf.SnapshotForCompression(3)
	if len(snap) != 3 {
		t.Fatalf("expected 3 records in snapshot, got %d", len(snap))
	}
	if snap[0].Seq != 1 || snap[2].Seq != 3 {
		t.Fatalf("expected oldest records first, got seqs %d..%d", snap[0].Seq, snap[2].Seq)
	}
	if buf.Len() != 5 {
		t.Fatalf("snapshot must not remove records, have %d", buf.Len())
	}

	if snap := buf.SnapshotForCompression(100); len(snap) != 5 {
		t.Fatalf("oversized snapshot should clamp to buffer length, got %d", len(snap))
	}
}

func TestWorkingMemoryBuffer_RemoveCompressed(t *testing.T) {
	buf := memory.NewWorkingMemoryBuffer()
	for i := 0; i < 5; i++ {
		buf.Append("input", "output", nil)
	}

	if n := buf.RemoveCompressed(3); n != 3 {
		t.Fatalf("expected 3 removed, got %d", n)
	}
	if buf.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", buf.Len())
	}

	remaining := buf.Snapshot()
	if remaining[0].Seq != 4 {
		t.Fatalf("expected record 4 to survive, got %d", remaining[0].Seq)
	}

	// New appends continue the original sequence, no reuse.
	rec := buf.Append("later", "output", nil)
	if rec.Seq != 6 {
		t.Fatalf("expected seq 6 after trim, got %d", rec.Seq)
	}

	if n := buf.RemoveCompressed(0); n != 0 {
		t.Fatalf("trimming below the oldest seq should remove nothing, got %d", n)
	}
}

func TestWorkingMemoryBuffer_Recent(t *testing.T) {
	buf := memory.NewWorkingMemoryBuffer()
	for i := 1; i <= 4; i++ {
		buf.Append(fmt.Sprintf("input %d", i), "output", nil)
	}

	recent := buf.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Seq != 3 || recent[1].Seq != 4 {
		t.Fatalf("expected newest records in order, got %d, %d", recent[0].Seq, recent[1].Seq)
	}
}

func TestWorkingMemoryBuffer_RestoreContinuesSequence(t *testing.T) {
	buf := memory.NewWorkingMemoryBuffer()
	buf.Restore(memory.InteractionRecord{ID: "a", Seq: 7, Input: "restored", Output: "ok"})

	rec := buf.Append("fresh", "output", nil)
	if rec.Seq != 8 {
		t.Fatalf("expected appends to continue after restored seq, got %d", rec.Seq)
	}
}

func TestInteractionRecord_Format(t *testing.T) {
	rec := memory.InteractionRecord{
		Input:  "deploy the service",
		Output: "done",
		Metadata: &memory.InteractionMetadata{
			ToolCalls: []string{"build", "deploy"},
		},
	}
	got := rec.Format()
	for _, want := range []string{"User: deploy the service", "Assistant: done", "Tools: build, deploy"} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatted record missing %q:\n%s", want, got)
		}
	}
}
