// Package vectordb provides the collection-based vector index: schema-
// typed records keyed by URI hash, with dense and optional sparse
// vectors, filtered similarity search, and count aggregation.
package vectordb

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
)

// User identifies the owning principal of a record.
type User struct {
	AccountID string `json:"account_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// Record is one entry in a collection. Dense vectors must match the
// collection dimension; Sparse is optional term-weight data.
type Record struct {
	ID          uint64             `json:"id"`
	URI         string             `json:"uri"`
	Dense       []float32          `json:"dense_vector,omitempty"`
	Sparse      map[string]float32 `json:"sparse_vector,omitempty"`
	Fields      map[string]any     `json:"fields,omitempty"`
	CreatedAt   int64              `json:"created_at"` // epoch millis
	ContextType string             `json:"context_type"`
	User        User               `json:"user"`
	SessionID   string             `json:"session_id,omitempty"`
	Abstract    string             `json:"abstract"`
}

// ScoredRecord is a search hit with its similarity score. Scores are
// comparable only within a single search call.
type ScoredRecord struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// FetchResult reports found records and the ids that were absent.
type FetchResult struct {
	Items      []Record `json:"items"`
	MissingIDs []uint64 `json:"missing_ids"`
}

// SearchOptions configures a vector search.
type SearchOptions struct {
	Limit          int
	ScoreThreshold float32
	Filter         *Filter
	Sparse         map[string]float32 // optional sparse query terms
}

// Collection is the vector index contract. Writes are serialized per-id;
// reads observe a consistent snapshot. A record may become visible to
// Fetch one scheduling tick after Upsert returns.
type Collection interface {
	// Upsert inserts or replaces records, idempotent by ID.
	Upsert(ctx context.Context, records []Record) error

	// Fetch returns records by id along with the ids not found.
	Fetch(ctx context.Context, ids []uint64) (FetchResult, error)

	// Delete removes records by id.
	Delete(ctx context.Context, ids []uint64) error

	// DeleteByFilter removes every record matching the filter.
	DeleteByFilter(ctx context.Context, filter *Filter) error

	// Search returns the top-k records by similarity to queryVector,
	// restricted by the filter.
	Search(ctx context.Context, queryVector []float32, opts SearchOptions) ([]ScoredRecord, error)

	// AggregateCount counts records matching the filter, optionally
	// grouped by a field. Without groupBy the result is {"_total": N}.
	AggregateCount(ctx context.Context, filter *Filter, groupBy string) (map[string]int64, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)

	// Dimension returns the declared dense vector dimension.
	Dimension() int

	// Close flips the shutdown latch and releases resources. Upserts
	// arriving after Close fail UNAVAILABLE.
	Close() error
}

// RecordID derives the primary key for a URI: xxhash64 of its
// normalized string form.
func RecordID(uri string) uint64 {
	return xxhash.Sum64String(uri)
}

// NowMillis returns the current UTC time in epoch milliseconds, the
// collection's timestamp unit.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
