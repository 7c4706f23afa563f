package locks

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking/internal/backend"
)

func newTxnManager(t *testing.T) (*TxnManager, backend.Backend) {
	t.Helper()
	b := backend.NewLocalFs(afero.NewMemMapFs())
	return NewTxnManager(b, NewPathLockManager(), "queue/txn"), b
}

func TestTxnCommitLifecycle(t *testing.T) {
	m, b := newTxnManager(t)
	ctx := context.Background()

	txn, err := m.Begin(ctx, []string{"viking://resources/a"}, "test")
	require.NoError(t, err)
	assert.Len(t, m.Snapshot(), 1)

	require.NoError(t, b.WriteBytes(ctx, "resources/a/file", []byte("x")))
	require.NoError(t, txn.RecordMove(ctx, "temp/a/file", "resources/a/file"))
	require.NoError(t, txn.Commit(ctx))

	assert.Empty(t, m.Snapshot())
	// Journal tombstone is removed after release.
	entries, err := b.List(ctx, "queue/txn")
	if err == nil {
		assert.Empty(t, entries)
	}

	// Locks must be free again.
	lease, err := m.locks.AcquireWrite(ctx, "viking://resources/a")
	require.NoError(t, err)
	lease.Release()
}

func TestTxnFailRollsBackMoves(t *testing.T) {
	m, b := newTxnManager(t)
	ctx := context.Background()

	require.NoError(t, b.WriteBytes(ctx, "temp/stage/file.md", []byte("content")))

	txn, err := m.Begin(ctx, []string{"viking://resources/doc"}, "finalize")
	require.NoError(t, err)

	require.NoError(t, b.Move(ctx, "temp/stage/file.md", "resources/doc/file.md"))
	require.NoError(t, txn.RecordMove(ctx, "temp/stage/file.md", "resources/doc/file.md"))

	require.NoError(t, txn.Fail(ctx, assert.AnError))

	// The move was reverted.
	data, err := b.ReadBytes(ctx, "temp/stage/file.md")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
	_, err = b.ReadBytes(ctx, "resources/doc/file.md")
	assert.Error(t, err)
}

func TestTxnFailDeletesTempPaths(t *testing.T) {
	m, b := newTxnManager(t)
	ctx := context.Background()

	require.NoError(t, b.WriteBytes(ctx, "temp/stage/junk", []byte("x")))
	txn, err := m.Begin(ctx, nil, "cleanup")
	require.NoError(t, err)
	require.NoError(t, txn.AddTempPath(ctx, "temp/stage"))
	require.NoError(t, txn.Fail(ctx, assert.AnError))

	_, err = b.Stat(ctx, "temp/stage")
	assert.Error(t, err)
}

func TestRecoverRollsBackUnreleased(t *testing.T) {
	b := backend.NewLocalFs(afero.NewMemMapFs())
	ctx := context.Background()

	// Simulate a crash: a journal entry in EXEC with one completed move.
	require.NoError(t, b.WriteBytes(ctx, "resources/doc/file.md", []byte("moved")))
	journal := []byte(`{
		"id": "crashed",
		"locks": ["viking://resources/doc"],
		"status": "EXEC",
		"rollback_info": {
			"moves": [{"src": "temp/stage/file.md", "dst": "resources/doc/file.md"}],
			"temp_paths": []
		}
	}`)
	require.NoError(t, b.WriteBytes(ctx, "queue/txn/crashed.json", journal))

	m := NewTxnManager(b, NewPathLockManager(), "queue/txn")
	recovered, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	data, err := b.ReadBytes(ctx, "temp/stage/file.md")
	require.NoError(t, err)
	assert.Equal(t, "moved", string(data))
}

func TestRecoverSkipsReleased(t *testing.T) {
	b := backend.NewLocalFs(afero.NewMemMapFs())
	ctx := context.Background()
	require.NoError(t, b.WriteBytes(ctx, "queue/txn/done.json",
		[]byte(`{"id": "done", "status": "RELEASED", "rollback_info": {}}`)))

	m := NewTxnManager(b, NewPathLockManager(), "queue/txn")
	recovered, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}
