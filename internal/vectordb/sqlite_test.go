package vectordb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteCollection {
	t.Helper()
	c, err := NewSQLiteCollection(":memory:", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSQLiteUpsertFetchRoundTrip(t *testing.T) {
	c := newSQLite(t)
	ctx := context.Background()

	r := Record{
		URI:         "viking://resources/a",
		Dense:       []float32{1, 0, 0},
		Sparse:      map[string]float32{"alpha": 1.5},
		Fields:      map[string]any{"category": "patterns"},
		ContextType: "resource",
		SessionID:   "s1",
		User:        User{AccountID: "acct"},
		Abstract:    "doc a",
	}
	require.NoError(t, c.Upsert(ctx, []Record{r}))

	result, err := c.Fetch(ctx, []uint64{RecordID(r.URI)})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	got := result.Items[0]
	assert.Equal(t, r.URI, got.URI)
	assert.Equal(t, []float32{1, 0, 0}, got.Dense)
	assert.Equal(t, float32(1.5), got.Sparse["alpha"])
	assert.Equal(t, "patterns", got.Fields["category"])
	assert.Equal(t, "acct", got.User.AccountID)
	assert.NotZero(t, got.CreatedAt)
}

func TestSQLiteSearchWithFilter(t *testing.T) {
	c := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []Record{
		{URI: "viking://resources/x", Dense: []float32{1, 0, 0}, ContextType: "resource"},
		{URI: "viking://resources/y", Dense: []float32{0, 1, 0}, ContextType: "resource"},
		{URI: "viking://agent/skills/z", Dense: []float32{1, 0, 0}, ContextType: "skill"},
	}))

	hits, err := c.Search(ctx, []float32{1, 0, 0}, SearchOptions{
		Limit:  10,
		Filter: Prefix("uri", "viking://resources/"),
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "viking://resources/x", hits[0].Record.URI)
}

func TestSQLiteDelete(t *testing.T) {
	c := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []Record{
		{URI: "viking://resources/x", Dense: []float32{1, 0, 0}, ContextType: "resource"},
		{URI: "viking://resources/y", Dense: []float32{0, 1, 0}, ContextType: "resource"},
	}))

	require.NoError(t, c.Delete(ctx, []uint64{RecordID("viking://resources/x")}))
	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, c.DeleteByFilter(ctx, Prefix("uri", "viking://resources/")))
	count, _ = c.Count(ctx)
	assert.Equal(t, int64(0), count)
}

func TestSQLiteAggregateCount(t *testing.T) {
	c := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, []Record{
		{URI: "viking://resources/x", Dense: []float32{1, 0, 0}, ContextType: "resource"},
		{URI: "viking://agent/skills/z", Dense: []float32{1, 0, 0}, ContextType: "skill"},
	}))

	byType, err := c.AggregateCount(ctx, nil, "context_type")
	require.NoError(t, err)
	assert.Equal(t, int64(1), byType["resource"])
	assert.Equal(t, int64(1), byType["skill"])

	total, err := c.AggregateCount(ctx, Eq("context_type", "skill"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total["_total"])
}

func TestSQLiteCloseLatch(t *testing.T) {
	c, err := NewSQLiteCollection(":memory:", 3)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	err = c.Upsert(context.Background(), []Record{{URI: "viking://resources/a", Dense: []float32{1, 0, 0}}})
	assert.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c`, escapeLike("a%b_c"))
}
