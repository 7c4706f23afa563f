package vectordb

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/openviking/openviking/internal/errs"
)

// MemoryCollection is an in-memory Collection for local deployments and
// tests. Thread-safe with RWMutex for concurrent access.
type MemoryCollection struct {
	mu        sync.RWMutex
	records   map[uint64]Record
	index     []uint64 // insertion order, for deterministic iteration
	dimension int
	closing   atomic.Bool
}

// NewMemoryCollection creates an empty collection with the declared
// dense dimension.
func NewMemoryCollection(dimension int) *MemoryCollection {
	return &MemoryCollection{
		records:   make(map[uint64]Record),
		dimension: dimension,
	}
}

// Dimension returns the declared dense vector dimension.
func (c *MemoryCollection) Dimension() int { return c.dimension }

// Upsert inserts or replaces records, idempotent by ID.
func (c *MemoryCollection) Upsert(ctx context.Context, records []Record) error {
	if c.closing.Load() {
		return errs.Ef(errs.CodeUnavailable, "collection is closing")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		if r.ID == 0 {
			r.ID = RecordID(r.URI)
		}
		if len(r.Dense) > 0 && len(r.Dense) != c.dimension {
			return errs.Ef(errs.CodeInvalidArgument,
				"vector dimension %d does not match collection dimension %d for %s",
				len(r.Dense), c.dimension, r.URI)
		}
		if r.CreatedAt == 0 {
			r.CreatedAt = NowMillis()
		}
		if _, exists := c.records[r.ID]; !exists {
			c.index = append(c.index, r.ID)
		}
		c.records[r.ID] = r
	}
	return nil
}

// Fetch returns records by id along with the ids not found.
func (c *MemoryCollection) Fetch(ctx context.Context, ids []uint64) (FetchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result FetchResult
	for _, id := range ids {
		if r, ok := c.records[id]; ok {
			result.Items = append(result.Items, r)
		} else {
			result.MissingIDs = append(result.MissingIDs, id)
		}
	}
	return result, nil
}

// Delete removes records by id. Missing ids are ignored.
func (c *MemoryCollection) Delete(ctx context.Context, ids []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.records[id]; !ok {
			continue
		}
		delete(c.records, id)
		for i, indexed := range c.index {
			if indexed == id {
				c.index = append(c.index[:i], c.index[i+1:]...)
				break
			}
		}
	}
	return nil
}

// DeleteByFilter removes every record matching the filter.
func (c *MemoryCollection) DeleteByFilter(ctx context.Context, filter *Filter) error {
	if err := filter.Validate(); err != nil {
		return errs.E(errs.CodeInvalidArgument, "invalid filter", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.index[:0]
	for _, id := range c.index {
		r := c.records[id]
		if filter.Matches(&r) {
			delete(c.records, id)
			continue
		}
		kept = append(kept, id)
	}
	c.index = kept
	return nil
}

// Search returns the top-k records by cosine similarity, restricted by
// the filter. A record without a dense vector scores 0 against a dense
// query; an empty query with no sparse terms scores every match 1.0.
func (c *MemoryCollection) Search(ctx context.Context, queryVector []float32, opts SearchOptions) ([]ScoredRecord, error) {
	if err := opts.Filter.Validate(); err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, "invalid filter", err)
	}
	if len(queryVector) > 0 && len(queryVector) != c.dimension {
		return nil, errs.Ef(errs.CodeInvalidArgument,
			"query dimension %d does not match collection dimension %d", len(queryVector), c.dimension)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var results []ScoredRecord
	for _, id := range c.index {
		r := c.records[id]
		if !opts.Filter.Matches(&r) {
			continue
		}
		var score float32
		switch {
		case len(queryVector) == 0 && len(opts.Sparse) == 0:
			score = 1.0 // metadata-only query
		case len(queryVector) == 0:
			score = sparseDot(opts.Sparse, r.Sparse)
		default:
			score = cosineSimilarity(queryVector, r.Dense)
			if len(opts.Sparse) > 0 {
				score += sparseDot(opts.Sparse, r.Sparse)
			}
		}
		if opts.ScoreThreshold > 0 && score < opts.ScoreThreshold {
			continue
		}
		results = append(results, ScoredRecord{Record: r, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// AggregateCount counts records matching the filter, optionally grouped
// by a field.
func (c *MemoryCollection) AggregateCount(ctx context.Context, filter *Filter, groupBy string) (map[string]int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, "invalid filter", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int64)
	for _, id := range c.index {
		r := c.records[id]
		if !filter.Matches(&r) {
			continue
		}
		if groupBy == "" {
			counts["_total"]++
			continue
		}
		key := "<nil>"
		if v := fieldValue(&r, groupBy); v != nil {
			key = toString(v)
		}
		counts[key]++
	}
	if groupBy == "" && len(counts) == 0 {
		counts["_total"] = 0
	}
	return counts, nil
}

// Count returns the total number of records.
func (c *MemoryCollection) Count(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.records)), nil
}

// Close flips the shutdown latch. In-flight reads drain naturally;
// subsequent upserts fail UNAVAILABLE.
func (c *MemoryCollection) Close() error {
	c.closing.Store(true)
	return nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float32
	for i := 0; i < len(a); i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(magA))) * float32(math.Sqrt(float64(magB))))
}

// sparseDot computes the dot product of two sparse term-weight maps.
func sparseDot(a, b map[string]float32) float32 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float32
	for term, wa := range a {
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	return dot
}
