package pack

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking/internal/backend"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/locks"
	"github.com/openviking/openviking/internal/queue"
	"github.com/openviking/openviking/internal/uri"
)

func newPackService(t *testing.T) (*Service, *fs.VikingFS) {
	t.Helper()
	b := backend.NewLocalFs(afero.NewMemMapFs())
	v := fs.New(b, locks.NewPathLockManager(), nil)
	require.NoError(t, v.EnsureScopeRoots(context.Background()))
	queues := queue.NewManager(queue.DefaultConfig(),
		func(ctx context.Context, item queue.Item) error { return nil },
		func(ctx context.Context, item queue.Item) error { return nil },
		nil, nil)
	t.Cleanup(queues.Close)
	return NewService(v, queues, nil), v
}

func TestExportImportRoundTrip(t *testing.T) {
	s, v := newPackService(t)
	ctx := context.Background()

	root := uri.MustParse("viking://resources/bundle")
	require.NoError(t, v.WriteContext(ctx, root, nil, "bundle", "", "", false))
	require.NoError(t, v.WriteContext(ctx, root.Join("a"), []byte("alpha"), "doc a", "", "", true))
	require.NoError(t, v.WriteContext(ctx, root.Join("b"), []byte("beta"), "doc b", "", "", true))

	dest := filepath.Join(t.TempDir(), "bundle.ovpack")
	manifest, err := s.Export(ctx, root, dest)
	require.NoError(t, err)
	assert.Equal(t, root.String(), manifest.RootURI)
	assert.Len(t, manifest.Nodes, 3)
	assert.False(t, manifest.ExportedAt.IsZero())

	result, err := s.Import(ctx, dest, uri.Root(uri.ScopeResources), false, false)
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/bundle_1", result.RootURI)
	assert.Equal(t, 3, result.Nodes)

	imported := uri.MustParse(result.RootURI)
	data, err := v.Read(ctx, imported.Join("a"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	meta, err := v.Meta(ctx, imported.Join("a"))
	require.NoError(t, err)
	assert.Equal(t, result.RootURI+"/a", meta.URI)
}

func TestImportVectorizeEnqueues(t *testing.T) {
	b := backend.NewLocalFs(afero.NewMemMapFs())
	v := fs.New(b, locks.NewPathLockManager(), nil)
	require.NoError(t, v.EnsureScopeRoots(context.Background()))

	var enqueued []string
	queues := queue.NewManager(queue.DefaultConfig(),
		func(ctx context.Context, item queue.Item) error {
			enqueued = append(enqueued, item.Payload.(queue.EmbeddingMessage).URI)
			return nil
		},
		func(ctx context.Context, item queue.Item) error { return nil },
		nil, nil)
	t.Cleanup(queues.Close)
	s := NewService(v, queues, nil)
	ctx := context.Background()

	root := uri.MustParse("viking://resources/docs")
	require.NoError(t, v.WriteContext(ctx, root, nil, "", "", "", false))
	require.NoError(t, v.WriteContext(ctx, root.Join("leaf"), []byte("x"), "leaf abstract", "", "", true))

	dest := filepath.Join(t.TempDir(), "docs.ovpack")
	_, err := s.Export(ctx, root, dest)
	require.NoError(t, err)

	result, err := s.Import(ctx, dest, uri.Root(uri.ScopeResources), false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enqueued)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = queues.WaitComplete(waitCtx)
	require.NoError(t, err)
	require.Len(t, enqueued, 1)
	assert.Equal(t, result.RootURI+"/leaf", enqueued[0])
}

func TestImportRejectsMissingFile(t *testing.T) {
	s, _ := newPackService(t)
	_, err := s.Import(context.Background(),
		filepath.Join(t.TempDir(), "missing.ovpack"), uri.Root(uri.ScopeResources), false, false)
	assert.Error(t, err)
}

func TestUnsafePackEntry(t *testing.T) {
	assert.Equal(t, "absolute path", unsafePackEntry("/etc/passwd"))
	assert.Equal(t, "path traversal", unsafePackEntry("a/../b"))
	assert.Equal(t, "drive letter", unsafePackEntry("C:boot"))
	assert.Equal(t, "", unsafePackEntry("fine/entry.md"))
}
