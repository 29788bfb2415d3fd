// Package chromem implements the memory.Index interface on chromem-go,
// a pure Go embedded vector database.
package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/quillmind/mnemo/memory"
)

// Index stores vectors in one chromem collection per namespace. Namespace
// isolation is structural: a search can only ever see its own collection, so
// one agent's memories are never reachable from another agent's queries.
type Index struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// New creates an in-memory index.
func New() (*Index, error) {
	return &Index{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// NewPersistent creates an index backed by a directory on disk, so vectors
// survive restarts.
func NewPersistent(path string) (*Index, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent index: %w", err)
	}
	return &Index{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// getOrCreateCollection returns the collection for a namespace.
func (x *Index) getOrCreateCollection(namespace string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, exists := x.collections[namespace]
	x.mu.RUnlock()
	if exists {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// Double-check after acquiring write lock.
	if col, exists := x.collections[namespace]; exists {
		return col, nil
	}

	col, err := x.db.GetOrCreateCollection(collectionName(namespace), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[namespace] = col
	return col, nil
}

// collectionName maps a namespace to a name chromem accepts.
func collectionName(namespace string) string {
	if namespace == "" {
		return "global"
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, namespace)
	return "ns_" + sanitized
}

// Upsert stores a vector with its metadata.
func (x *Index) Upsert(ctx context.Context, namespace, id string, vector []float32, metadata map[string]string) error {
	col, err := x.getOrCreateCollection(namespace)
	if err != nil {
		return err
	}

	content := metadata["text"]
	if content == "" {
		content = id
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: vector,
		Metadata:  metadata,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search returns the topK nearest neighbors in the namespace, highest
// similarity first.
func (x *Index) Search(ctx context.Context, namespace string, vector []float32, topK int) ([]memory.Hit, error) {
	col, err := x.getOrCreateCollection(namespace)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= collection size; back off until it fits.
	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, vector, limit, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil // collection is empty
			}
			continue
		}
		return nil, fmt.Errorf("query: %w", err)
	}

	hits := make([]memory.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.Hit{
			ID:       r.ID,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return hits, nil
}

// isInsufficientDocsError checks if the error is chromem complaining that
// nResults exceeds the number of stored documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
