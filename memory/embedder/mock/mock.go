// Package mock provides a deterministic embedder for tests and local
// development, with no model files required.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder generates deterministic embeddings from text. Each word maps to
// a pseudo-random unit direction and the text embedding is the normalized
// sum, so texts sharing words produce similar vectors. This gives retrieval
// tests overlap-based similarity without a real model; it is not semantic.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with all-MiniLM-L6-v2's dimensionality.
func New() *Embedder {
	return &Embedder{dimensions: 384}
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *Embedder {
	return &Embedder{dimensions: dims}
}

// Embed converts text to a deterministic embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)

	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{""}
	}
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'")
		h := fnv.New64a()
		h.Write([]byte(word))
		seed := h.Sum64()
		for i := 0; i < e.dimensions; i++ {
			// LCG stream seeded by the word hash.
			seed = seed*6364136223846793005 + 1442695040888963407
			embedding[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// normalize converts the vector to unit length.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
