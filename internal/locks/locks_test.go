package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadersShareWritersExclude(t *testing.T) {
	m := NewPathLockManager()
	ctx := context.Background()

	r1, err := m.AcquireRead(ctx, "viking://resources/a")
	require.NoError(t, err)
	r2, err := m.AcquireRead(ctx, "viking://resources/a")
	require.NoError(t, err)

	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = m.AcquireWrite(writeCtx, "viking://resources/a")
	assert.Error(t, err, "writer must block while readers hold the lock")

	r1.Release()
	r2.Release()

	w, err := m.AcquireWrite(ctx, "viking://resources/a")
	require.NoError(t, err)
	w.Release()
}

func TestWriterExcludesReader(t *testing.T) {
	m := NewPathLockManager()
	ctx := context.Background()

	w, err := m.AcquireWrite(ctx, "viking://resources/a")
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = m.AcquireRead(readCtx, "viking://resources/a")
	assert.Error(t, err)

	w.Release()
}

func TestAcquireSortsAndDeduplicates(t *testing.T) {
	m := NewPathLockManager()
	lease, err := m.AcquireWrite(context.Background(), "b", "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lease.Paths())
	lease.Release()
	assert.Equal(t, 0, m.ActiveCount())
}

func TestOverlappingAcquisitionsDoNotDeadlock(t *testing.T) {
	m := NewPathLockManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths := []string{"a", "b", "c"}
			if i%2 == 0 {
				paths = []string{"c", "b", "a"} // reverse order on purpose
			}
			lease, err := m.AcquireWrite(ctx, paths...)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			lease.Release()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.ActiveCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewPathLockManager()
	lease, err := m.AcquireWrite(context.Background(), "x")
	require.NoError(t, err)
	lease.Release()
	lease.Release() // must not panic or double-release

	again, err := m.AcquireWrite(context.Background(), "x")
	require.NoError(t, err)
	again.Release()
}

func TestCancelledAcquireUndoesPartial(t *testing.T) {
	m := NewPathLockManager()
	ctx := context.Background()

	blocker, err := m.AcquireWrite(ctx, "b")
	require.NoError(t, err)

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = m.AcquireWrite(cancelCtx, "a", "b")
	require.Error(t, err)

	blocker.Release()
	// "a" must have been released by the failed acquisition.
	lease, err := m.AcquireWrite(ctx, "a")
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 0, m.ActiveCount())
}
