package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestProcessesItems(t *testing.T) {
	var processed atomic.Int64
	q := NewQueue("test", 10, 2, 1, func(ctx context.Context, item Item) error {
		processed.Add(1)
		return nil
	}, nil, nil)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitComplete(waitCtx))
	assert.Equal(t, int64(5), processed.Load())

	snap := q.Snapshot()
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, int64(5), snap.ProcessedTotal)
}

func TestRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int64
	q := NewQueue("retry", 10, 1, 3, func(ctx context.Context, item Item) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil, nil)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "x"))
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, q.WaitComplete(waitCtx))

	assert.Equal(t, int64(2), attempts.Load())
	snap := q.Snapshot()
	assert.Equal(t, int64(1), snap.ProcessedTotal)
	assert.Equal(t, int64(0), snap.ErrorCount)
}

func TestDropsAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int64
	q := NewQueue("drop", 10, 1, 2, func(ctx context.Context, item Item) error {
		attempts.Add(1)
		return errors.New("permanent")
	}, nil, nil)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "x"))
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, q.WaitComplete(waitCtx))

	assert.Equal(t, int64(2), attempts.Load())
	snap := q.Snapshot()
	assert.Equal(t, int64(1), snap.ErrorCount)
	require.Len(t, snap.RecentErrors, 1)
	assert.Equal(t, "permanent", snap.RecentErrors[0].Error)
	assert.Equal(t, 2, snap.RecentErrors[0].Attempts)
}

func TestEnqueueBackpressure(t *testing.T) {
	release := make(chan struct{})
	q := NewQueue("full", 1, 1, 1, func(ctx context.Context, item Item) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, nil, nil)
	defer q.Close()
	defer close(release)

	ctx := context.Background()
	// First item occupies the worker, second fills the buffer.
	require.NoError(t, q.Enqueue(ctx, 1))
	require.NoError(t, q.Enqueue(ctx, 2))

	// Give the worker a moment to pull item 1 so the channel state is
	// deterministic, then one more item fits the freed slot.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, 3))

	full, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := q.Enqueue(full, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
}

func TestWaitCompleteTimesOut(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	q := NewQueue("slow", 10, 1, 1, func(ctx context.Context, item Item) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, nil, nil)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "x"))
	<-started

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.Error(t, q.WaitComplete(waitCtx))
	close(release)

	drainCtx, cancelDrain := context.WithTimeout(ctx, 5*time.Second)
	defer cancelDrain()
	require.NoError(t, q.WaitComplete(drainCtx))
}

func TestWaitCompleteImmediateWhenIdle(t *testing.T) {
	q := NewQueue("idle", 10, 1, 1, func(ctx context.Context, item Item) error { return nil }, nil, nil)
	defer q.Close()

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.WaitComplete(waitCtx))
}

func TestManagerWaitCoversSemanticFanout(t *testing.T) {
	var mu sync.Mutex
	var embedded []string

	var manager *Manager
	manager = NewManager(Config{Capacity: 100, EmbeddingWorkers: 2, SemanticWorkers: 1, MaxAttempts: 1},
		func(ctx context.Context, item Item) error {
			msg := item.Payload.(EmbeddingMessage)
			mu.Lock()
			embedded = append(embedded, msg.URI)
			mu.Unlock()
			return nil
		},
		func(ctx context.Context, item Item) error {
			msg := item.Payload.(SemanticMessage)
			// Semantic work fans out into a follow-up embedding.
			return manager.EnqueueEmbedding(ctx, EmbeddingMessage{URI: msg.URI, VectorizeText: "overview"})
		}, nil, nil)
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.EnqueueSemantic(ctx, SemanticMessage{URI: "viking://resources/a", Target: TargetBoth}))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	statuses, err := manager.WaitComplete(waitCtx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"viking://resources/a"}, embedded)
	assert.Equal(t, int64(1), statuses[EmbeddingQueue].Processed)
	assert.Equal(t, int64(1), statuses[SemanticQueue].Processed)
}
