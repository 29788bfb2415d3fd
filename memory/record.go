package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InteractionRecord is one user/agent exchange. Records are immutable once
// created; they live in the working buffer until a consolidation cycle
// compresses them into an episodic summary.
type InteractionRecord struct {
	ID        string
	Seq       uint64
	Input     string
	Output    string
	CreatedAt time.Time
	Metadata  *InteractionMetadata
}

// InteractionMetadata carries optional structured context about a turn.
type InteractionMetadata struct {
	// ToolCalls lists tool names in invocation order.
	ToolCalls []string

	// ContextIDs lists the ids of retrieved memories injected into the turn.
	ContextIDs []string
}

// Format renders the record for prompt injection or context assembly.
func (r InteractionRecord) Format() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("User: %s", r.Input))
	parts = append(parts, fmt.Sprintf("Assistant: %s", r.Output))
	if r.Metadata != nil && len(r.Metadata.ToolCalls) > 0 {
		parts = append(parts, fmt.Sprintf("Tools: %s", strings.Join(r.Metadata.ToolCalls, ", ")))
	}
	return strings.Join(parts, "\n")
}

// WorkingMemoryBuffer holds the most recent uncompressed InteractionRecords
// in strict append order. Sequence numbers are monotonic and gap-free for
// records that have not been compressed away.
//
// The buffer never trims itself: removal happens only through
// RemoveCompressed, called by the consolidation pipeline after the covering
// summary is durably committed. A failed consolidation therefore never
// silently drops data.
type WorkingMemoryBuffer struct {
	mu      sync.Mutex
	records []InteractionRecord
	nextSeq uint64
}

// NewWorkingMemoryBuffer creates an empty buffer. Sequence numbers start at 1.
func NewWorkingMemoryBuffer() *WorkingMemoryBuffer {
	return &WorkingMemoryBuffer{nextSeq: 1}
}

// Append creates a record from the exchange and adds it to the tail.
// The returned record is a copy safe to retain.
func (b *WorkingMemoryBuffer) Append(input, output string, meta *InteractionMetadata) InteractionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := InteractionRecord{
		ID:        uuid.New().String(),
		Seq:       b.nextSeq,
		Input:     input,
		Output:    output,
		CreatedAt: time.Now().UTC(),
		Metadata:  meta,
	}
	b.nextSeq++
	b.records = append(b.records, rec)
	return rec
}

// Restore re-inserts a previously persisted record, used when rebuilding the
// buffer from an archive after a restart. Records must be restored in
// ascending sequence order before any Append.
func (b *WorkingMemoryBuffer) Restore(rec InteractionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, rec)
	if rec.Seq >= b.nextSeq {
		b.nextSeq = rec.Seq + 1
	}
}

// Len returns the number of uncompressed records.
func (b *WorkingMemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// SnapshotForCompression returns a copy of the oldest batchSize records
// without removing them. Safe to call while appends continue concurrently.
func (b *WorkingMemoryBuffer) SnapshotForCompression(batchSize int) []InteractionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if batchSize <= 0 || len(b.records) == 0 {
		return nil
	}
	if batchSize > len(b.records) {
		batchSize = len(b.records)
	}
	out := make([]InteractionRecord, batchSize)
	copy(out, b.records[:batchSize])
	return out
}

// RemoveCompressed drops all records with sequence number <= upToSeq and
// returns how many were removed. Call only after the covering episodic
// summary is durably committed; the ordering is commit summary, then trim,
// never the reverse.
func (b *WorkingMemoryBuffer) RemoveCompressed(upToSeq uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.records) && b.records[i].Seq <= upToSeq {
		i++
	}
	if i == 0 {
		return 0
	}
	b.records = append([]InteractionRecord(nil), b.records[i:]...)
	return i
}

// Recent returns a copy of the newest n records in chronological order.
func (b *WorkingMemoryBuffer) Recent(n int) []InteractionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.records) == 0 {
		return nil
	}
	if n > len(b.records) {
		n = len(b.records)
	}
	out := make([]InteractionRecord, n)
	copy(out, b.records[len(b.records)-n:])
	return out
}

// Snapshot returns a copy of all uncompressed records in order.
func (b *WorkingMemoryBuffer) Snapshot() []InteractionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]InteractionRecord, len(b.records))
	copy(out, b.records)
	return out
}
