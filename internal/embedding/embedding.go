// Package embedding provides pluggable text embedding generation with
// dense, sparse, and hybrid provider abstractions.
package embedding

import (
	"context"
)

// Vector is a dense embedding vector.
type Vector []float32

// SparseVector maps terms to weights.
type SparseVector map[string]float32

// Embedding is the result of embedding one text.
type Embedding struct {
	Text   string       // Original text that was embedded
	Dense  Vector       // Dense vector (nil for sparse-only embedders)
	Sparse SparseVector // Sparse term weights (nil for dense-only embedders)
	Model  string       // Model identifier
}

// Embedder generates embeddings for text inputs. Implementations may be
// dense-only, sparse-only, or hybrid; the populated fields of the
// returned Embedding declare which.
type Embedder interface {
	// Embed generates an embedding for a single text input.
	Embed(ctx context.Context, text string) (*Embedding, error)

	// EmbedBatch generates embeddings for multiple texts efficiently.
	EmbedBatch(ctx context.Context, texts []string) ([]*Embedding, error)

	// Dimensions returns the dense dimensionality, or 0 for sparse-only.
	Dimensions() int

	// Model returns the identifier of the embedding model.
	Model() string
}

// Composite combines one dense and one sparse embedder into a hybrid.
type Composite struct {
	DenseSide  Embedder
	SparseSide Embedder
}

// NewComposite builds a hybrid embedder from a dense and a sparse
// implementation.
func NewComposite(dense, sparse Embedder) *Composite {
	return &Composite{DenseSide: dense, SparseSide: sparse}
}

// Embed runs both underlying embedders and merges their outputs.
func (c *Composite) Embed(ctx context.Context, text string) (*Embedding, error) {
	d, err := c.DenseSide.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s, err := c.SparseSide.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return &Embedding{
		Text:   text,
		Dense:  d.Dense,
		Sparse: s.Sparse,
		Model:  d.Model + "+" + s.Model,
	}, nil
}

// EmbedBatch embeds each text through both embedders.
func (c *Composite) EmbedBatch(ctx context.Context, texts []string) ([]*Embedding, error) {
	out := make([]*Embedding, len(texts))
	for i, text := range texts {
		emb, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

// Dimensions returns the dense dimensionality.
func (c *Composite) Dimensions() int { return c.DenseSide.Dimensions() }

// Model returns the combined model identifier.
func (c *Composite) Model() string { return c.DenseSide.Model() + "+" + c.SparseSide.Model() }
