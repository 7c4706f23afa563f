package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking/internal/embedding"
	"github.com/openviking/openviking/internal/vectordb"
	"github.com/openviking/openviking/internal/vlm"
)

func newRetriever(t *testing.T) (*Retriever, *vectordb.MemoryCollection) {
	t.Helper()
	collection := vectordb.NewMemoryCollection(64)
	r := NewRetriever(embedding.NewMock(64), collection, vlm.NewMock(), nil, nil, nil, nil)
	return r, collection
}

func seed(t *testing.T, c *vectordb.MemoryCollection, embedder embedding.Embedder, uri, text, contextType string) {
	t.Helper()
	emb, err := embedder.Embed(context.Background(), text)
	require.NoError(t, err)
	require.NoError(t, c.Upsert(context.Background(), []vectordb.Record{{
		URI:         uri,
		Dense:       emb.Dense,
		ContextType: contextType,
		Abstract:    text,
	}}))
}

func TestFindGroupsByContextType(t *testing.T) {
	r, c := newRetriever(t)
	embedder := embedding.NewMock(64)
	seed(t, c, embedder, "viking://resources/doc", "sample document text", "resource")
	seed(t, c, embedder, "viking://user/memories/profile/m", "user profile memory", "memory")
	seed(t, c, embedder, "viking://agent/skills/s", "searching skill", "skill")

	result, err := r.Find(context.Background(), "sample document", Options{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Len(t, result.Resources, 1)
	assert.Len(t, result.Memories, 1)
	assert.Len(t, result.Skills, 1)
	assert.Equal(t, "viking://resources/doc", result.Resources[0].URI)
}

func TestFindTargetPrefix(t *testing.T) {
	r, c := newRetriever(t)
	embedder := embedding.NewMock(64)
	seed(t, c, embedder, "viking://resources/a/doc", "alpha document", "resource")
	seed(t, c, embedder, "viking://resources/b/doc", "alpha document", "resource")

	result, err := r.Find(context.Background(), "alpha document", Options{TargetURI: "viking://resources/a"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, "viking://resources/a/doc", result.Resources[0].URI)
}

func TestFindRejectsEmptyQuery(t *testing.T) {
	r, _ := newRetriever(t)
	_, err := r.Find(context.Background(), "   ", Options{})
	assert.Error(t, err)
}

func TestSearchFallsBackWithoutSession(t *testing.T) {
	r, c := newRetriever(t)
	embedder := embedding.NewMock(64)
	seed(t, c, embedder, "viking://resources/doc", "fallback search target", "resource")

	result, err := r.Search(context.Background(), "fallback search target", Options{Limit: 5})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Total, 1)
}

func TestSearchFallbackReturnsRecordOnce(t *testing.T) {
	r, c := newRetriever(t)
	embedder := embedding.NewMock(64)
	seed(t, c, embedder, "viking://resources/doc", "merged result document", "resource")

	// Without a session the analyzer falls back to the original query,
	// so the single record appears exactly once.
	result, err := r.Search(context.Background(), "merged result document", Options{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}
