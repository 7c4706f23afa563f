package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// MockEmbedder generates deterministic embeddings from text hashes.
// Useful for testing and development without external API dependencies.
type MockEmbedder struct {
	dimensions int
	model      string
}

// NewMock creates a new mock embedder with the specified dimensions.
func NewMock(dimensions int) *MockEmbedder {
	return &MockEmbedder{
		dimensions: dimensions,
		model:      fmt.Sprintf("mock-%d", dimensions),
	}
}

// Embed generates a deterministic embedding from the text hash, plus a
// sparse term-frequency map so hybrid paths are exercised in tests.
func (m *MockEmbedder) Embed(ctx context.Context, text string) (*Embedding, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	return &Embedding{
		Text:   text,
		Dense:  m.generateVector(text),
		Sparse: termFrequencies(text),
		Model:  m.model,
	}, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]*Embedding, error) {
	embeddings := make([]*Embedding, len(texts))
	for i, text := range texts {
		emb, err := m.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text at index %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the vector dimensionality.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// Model returns the model identifier.
func (m *MockEmbedder) Model() string {
	return m.model
}

// generateVector creates a deterministic normalized vector from text.
// Word-level hashes are accumulated so texts sharing words land near
// each other, which keeps similarity search meaningful in tests.
func (m *MockEmbedder) generateVector(text string) Vector {
	vector := make(Vector, m.dimensions)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{text}
	}
	for _, word := range words {
		hash := sha256.Sum256([]byte(word))
		for i := 0; i < m.dimensions; i++ {
			offset := (i * 4) % (len(hash) - 4)
			seed := binary.BigEndian.Uint32(hash[offset:])
			vector[i] += float32(seed)/float32(math.MaxUint32)*2 - 1
		}
	}

	// Normalize to unit length.
	var mag float32
	for _, v := range vector {
		mag += v * v
	}
	if mag > 0 {
		norm := float32(math.Sqrt(float64(mag)))
		for i := range vector {
			vector[i] /= norm
		}
	}
	return vector
}

// termFrequencies builds a simple sparse representation.
func termFrequencies(text string) SparseVector {
	sparse := make(SparseVector)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if word != "" {
			sparse[word]++
		}
	}
	return sparse
}
