package vectordb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(uri string, vec []float32) Record {
	return Record{
		ID:          RecordID(uri),
		URI:         uri,
		Dense:       vec,
		ContextType: "resource",
		Abstract:    "abstract for " + uri,
	}
}

func TestMemoryUpsertFetch(t *testing.T) {
	c := NewMemoryCollection(3)
	ctx := context.Background()

	r := record("viking://resources/a", []float32{1, 0, 0})
	require.NoError(t, c.Upsert(ctx, []Record{r}))

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	result, err := c.Fetch(ctx, []uint64{r.ID, 12345})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, r.URI, result.Items[0].URI)
	assert.Equal(t, []uint64{12345}, result.MissingIDs)
}

func TestMemoryUpsertIdempotent(t *testing.T) {
	c := NewMemoryCollection(3)
	ctx := context.Background()

	r := record("viking://resources/a", []float32{1, 0, 0})
	require.NoError(t, c.Upsert(ctx, []Record{r}))
	r.Abstract = "updated"
	require.NoError(t, c.Upsert(ctx, []Record{r}))

	count, _ := c.Count(ctx)
	assert.Equal(t, int64(1), count)
	result, _ := c.Fetch(ctx, []uint64{r.ID})
	assert.Equal(t, "updated", result.Items[0].Abstract)
}

func TestMemoryDimensionCheck(t *testing.T) {
	c := NewMemoryCollection(3)
	err := c.Upsert(context.Background(), []Record{record("viking://resources/a", []float32{1, 0})})
	assert.Error(t, err)
}

func TestMemorySearchRanksByCosine(t *testing.T) {
	c := NewMemoryCollection(2)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []Record{
		record("viking://resources/x", []float32{1, 0}),
		record("viking://resources/y", []float32{0, 1}),
		record("viking://resources/xy", []float32{0.7, 0.7}),
	}))

	hits, err := c.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "viking://resources/x", hits[0].Record.URI)
	assert.Equal(t, "viking://resources/xy", hits[1].Record.URI)
}

func TestMemorySearchPrefixFilter(t *testing.T) {
	c := NewMemoryCollection(2)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []Record{
		record("viking://resources/docs/a", []float32{1, 0}),
		record("viking://user/memories/profile/b", []float32{1, 0}),
	}))

	hits, err := c.Search(ctx, []float32{1, 0}, SearchOptions{
		Limit:  10,
		Filter: Prefix("uri", "viking://resources/"),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "viking://resources/docs/a", hits[0].Record.URI)
}

func TestMemorySearchThreshold(t *testing.T) {
	c := NewMemoryCollection(2)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []Record{
		record("viking://resources/x", []float32{1, 0}),
		record("viking://resources/y", []float32{0, 1}),
	}))

	hits, err := c.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 10, ScoreThreshold: 0.5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestMemoryDeleteByFilter(t *testing.T) {
	c := NewMemoryCollection(2)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []Record{
		record("viking://resources/doc/a", []float32{1, 0}),
		record("viking://resources/doc/b", []float32{0, 1}),
		record("viking://resources/other", []float32{0, 1}),
	}))

	require.NoError(t, c.DeleteByFilter(ctx, Prefix("uri", "viking://resources/doc")))
	count, _ := c.Count(ctx)
	assert.Equal(t, int64(1), count)
}

func TestMemoryAggregateCount(t *testing.T) {
	c := NewMemoryCollection(2)
	ctx := context.Background()
	a := record("viking://resources/a", []float32{1, 0})
	b := record("viking://user/memories/profile/b", []float32{0, 1})
	b.ContextType = "memory"
	require.NoError(t, c.Upsert(ctx, []Record{a, b}))

	total, err := c.AggregateCount(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total["_total"])

	byType, err := c.AggregateCount(ctx, nil, "context_type")
	require.NoError(t, err)
	assert.Equal(t, int64(1), byType["resource"])
	assert.Equal(t, int64(1), byType["memory"])
}

func TestMemoryCloseLatch(t *testing.T) {
	c := NewMemoryCollection(2)
	require.NoError(t, c.Close())
	err := c.Upsert(context.Background(), []Record{record("viking://resources/a", []float32{1, 0})})
	assert.Error(t, err)
}

func TestRecordIDStable(t *testing.T) {
	a := RecordID("viking://resources/doc")
	b := RecordID("viking://resources/doc")
	other := RecordID("viking://resources/doc_1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
}
