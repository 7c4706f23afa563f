package fs

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking/internal/backend"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/locks"
	"github.com/openviking/openviking/internal/uri"
)

func newFS(t *testing.T) *VikingFS {
	t.Helper()
	b := backend.NewLocalFs(afero.NewMemMapFs())
	v := New(b, locks.NewPathLockManager(), nil)
	require.NoError(t, v.EnsureScopeRoots(context.Background()))
	return v
}

func TestWriteContextAndReadBack(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	u := uri.MustParse("viking://resources/doc")

	require.NoError(t, v.WriteContext(ctx, u, []byte("full content"), "short abstract", "longer overview", "", true))

	data, err := v.Read(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "full content", string(data))

	abstract, err := v.Abstract(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "short abstract", abstract)

	overview, err := v.Overview(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "longer overview", overview)

	meta, err := v.Meta(ctx, u)
	require.NoError(t, err)
	assert.True(t, meta.IsLeaf)
	assert.Equal(t, u.String(), meta.URI)
	assert.Equal(t, "viking://resources", meta.ParentURI)
	assert.Equal(t, "resource", meta.ContextType)
	assert.False(t, meta.UpdatedAt.Before(meta.CreatedAt))
}

func TestStat(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	u := uri.MustParse("viking://resources/doc")
	require.NoError(t, v.WriteContext(ctx, u, []byte("body"), "abs", "", "", true))

	info, err := v.Stat(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "doc", info.Name)
	assert.False(t, info.IsDir)
	assert.True(t, info.HasAbstract)
	assert.False(t, info.HasOverview)
	assert.Equal(t, int64(4), info.Size)

	_, err = v.Stat(ctx, uri.MustParse("viking://resources/missing"))
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestAbstractMissingIsEmpty(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	require.NoError(t, v.Mkdir(ctx, uri.MustParse("viking://resources/plain"), true))

	abstract, err := v.Abstract(ctx, uri.MustParse("viking://resources/plain"))
	require.NoError(t, err)
	assert.Equal(t, "", abstract)
}

func TestLsHidesSidecars(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	root := uri.MustParse("viking://resources/tree")
	require.NoError(t, v.WriteContext(ctx, root, nil, "root abstract", "", "", false))
	require.NoError(t, v.WriteContext(ctx, root.Join("child1"), []byte("a"), "child one", "", "", true))
	require.NoError(t, v.WriteContext(ctx, root.Join("child2"), []byte("b"), "child two", "", "", true))

	entries, err := v.Ls(ctx, root, DefaultLsOptions())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "child1", entries[0].Name)
	assert.Equal(t, "child one", entries[0].Abstract)
	assert.False(t, entries[0].IsDir, "leaf nodes are reported as files")

	hidden, err := v.Ls(ctx, root, LsOptions{ShowHidden: true, Output: OutputOriginal, NodeLimit: 100, AbsLimit: 10})
	require.NoError(t, err)
	assert.Greater(t, len(hidden), 2)
}

func TestTreeRecursionAndNodeLimit(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	root := uri.MustParse("viking://resources/deep")
	require.NoError(t, v.WriteContext(ctx, root, nil, "", "", "", false))
	for _, name := range []string{"a", "b", "c"} {
		child := root.Join(name)
		require.NoError(t, v.WriteContext(ctx, child, nil, "", "", "", false))
		require.NoError(t, v.WriteContext(ctx, child.Join("leaf"), []byte("x"), "", "", "", true))
	}

	all, err := v.Tree(ctx, root, DefaultLsOptions())
	require.NoError(t, err)
	assert.Len(t, all, 6)

	limited, err := v.Tree(ctx, root, LsOptions{NodeLimit: 2, Output: OutputOriginal, AbsLimit: 10})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRmRequiresRecursive(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	root := uri.MustParse("viking://resources/full")
	require.NoError(t, v.WriteContext(ctx, root, nil, "", "", "", false))
	require.NoError(t, v.WriteContext(ctx, root.Join("child"), []byte("x"), "", "", "", true))

	err := v.Rm(ctx, root, false)
	assert.Equal(t, errs.CodeFailedPrecondition, errs.CodeOf(err))

	require.NoError(t, v.Rm(ctx, root, true))
	_, err = v.Stat(ctx, root)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRmLeafWithoutRecursive(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	leaf := uri.MustParse("viking://resources/single")
	require.NoError(t, v.WriteContext(ctx, leaf, []byte("x"), "abs", "", "", true))
	assert.NoError(t, v.Rm(ctx, leaf, false))
}

func TestMv(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	src := uri.MustParse("viking://resources/old")
	require.NoError(t, v.WriteContext(ctx, src, nil, "", "", "", false))
	require.NoError(t, v.WriteContext(ctx, src.Join("leaf"), []byte("body"), "abs", "", "", true))

	dst := uri.MustParse("viking://resources/new")
	require.NoError(t, v.Mv(ctx, src, dst))

	_, err := v.Stat(ctx, src)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	data, err := v.Read(ctx, dst.Join("leaf"))
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	meta, err := v.Meta(ctx, dst.Join("leaf"))
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/new/leaf", meta.URI)
	assert.Equal(t, "viking://resources/new", meta.ParentURI)
}

func TestMvRefusesExistingDestination(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	a := uri.MustParse("viking://resources/a")
	b := uri.MustParse("viking://resources/b")
	require.NoError(t, v.WriteContext(ctx, a, []byte("1"), "", "", "", true))
	require.NoError(t, v.WriteContext(ctx, b, []byte("2"), "", "", "", true))

	assert.Equal(t, errs.CodeAlreadyExists, errs.CodeOf(v.Mv(ctx, a, b)))
}

func TestIncrementActive(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	u := uri.MustParse("viking://resources/used")
	require.NoError(t, v.WriteContext(ctx, u, []byte("x"), "", "", "", true))

	require.NoError(t, v.IncrementActive(ctx, u))
	require.NoError(t, v.IncrementActive(ctx, u))
	meta, err := v.Meta(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.ActiveCount)
}

func TestResolveUniqueURI(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	base := uri.MustParse("viking://resources/doc")

	got, err := v.ResolveUniqueURI(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, base.String(), got.String())

	require.NoError(t, v.WriteContext(ctx, base, []byte("x"), "", "", "", true))
	got, err = v.ResolveUniqueURI(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/doc_1", got.String())

	require.NoError(t, v.WriteContext(ctx, got, []byte("y"), "", "", "", true))
	got, err = v.ResolveUniqueURI(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/doc_2", got.String())
}

func TestFinalizeFromTemp(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()

	temp, err := v.NewTempDir(ctx)
	require.NoError(t, err)
	require.NoError(t, v.WriteContext(ctx, temp, nil, "root", "", "", false))
	require.NoError(t, v.WriteContext(ctx, temp.Join("section"), []byte("text"), "sec", "", "", true))

	target := uri.MustParse("viking://resources/final")
	result, err := v.FinalizeFromTemp(ctx, temp, target)
	require.NoError(t, err)
	assert.Equal(t, target.String(), result.RootURI.String())
	assert.Greater(t, result.Moved, 0)

	// Temp is gone, target is complete.
	_, err = v.Stat(ctx, temp)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	data, err := v.Read(ctx, target.Join("section"))
	require.NoError(t, err)
	assert.Equal(t, "text", string(data))

	meta, err := v.Meta(ctx, target.Join("section"))
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/final/section", meta.URI)
}

func TestFinalizeResolvesCollision(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	target := uri.MustParse("viking://resources/doc")
	require.NoError(t, v.WriteContext(ctx, target, []byte("existing"), "", "", "", true))

	temp, err := v.NewTempDir(ctx)
	require.NoError(t, err)
	require.NoError(t, v.WriteContext(ctx, temp, []byte("new"), "", "", "", true))

	result, err := v.FinalizeFromTemp(ctx, temp, target)
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/doc_1", result.RootURI.String())

	// The original is untouched.
	data, err := v.Read(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))
}

func TestFinalizeRejectsNonTempSource(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	_, err := v.FinalizeFromTemp(ctx, uri.MustParse("viking://resources/x"), uri.MustParse("viking://resources/y"))
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestDeleteTemp(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	temp, err := v.NewTempDir(ctx)
	require.NoError(t, err)

	require.NoError(t, v.DeleteTemp(ctx, temp))
	require.NoError(t, v.DeleteTemp(ctx, temp), "deleting twice is fine")

	err = v.DeleteTemp(ctx, uri.MustParse("viking://resources/x"))
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}
