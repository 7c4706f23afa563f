package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking/internal/uri"
)

func seedSearchTree(t *testing.T, v *VikingFS) uri.URI {
	t.Helper()
	ctx := context.Background()
	root := uri.MustParse("viking://resources/corpus")
	require.NoError(t, v.WriteContext(ctx, root, nil, "corpus", "", "", false))
	require.NoError(t, v.WriteContext(ctx, root.Join("intro"),
		[]byte("# Sample Document\nThis is a sample markdown document for testing.\n"), "intro", "", "", true))
	require.NoError(t, v.WriteContext(ctx, root.Join("guide"),
		[]byte("line one\nline two mentions Sample twice: Sample\nline three\n"), "guide", "", "", true))
	require.NoError(t, v.WriteContext(ctx, root.Join("sub"), nil, "", "", "", false))
	require.NoError(t, v.WriteContext(ctx, root.Join("sub", "notes"),
		[]byte("nothing interesting here\n"), "notes", "", "", true))
	return root
}

func TestGrepLiteral(t *testing.T) {
	v := newFS(t)
	root := seedSearchTree(t, v)

	result, err := v.Grep(context.Background(), root, "Sample", GrepOptions{})
	require.NoError(t, err)
	// One match per line: the intro heading and guide line two.
	assert.Equal(t, 2, result.Count)
	for _, match := range result.Matches {
		assert.Contains(t, match.Text, "Sample")
		assert.NotZero(t, match.Line)
	}
}

func TestGrepCaseInsensitive(t *testing.T) {
	v := newFS(t)
	root := seedSearchTree(t, v)

	result, err := v.Grep(context.Background(), root, "SAMPLE", GrepOptions{CaseInsensitive: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Count, 1)
	assert.Contains(t, result.Matches[0].Text, "Sample")
}

func TestGrepRegex(t *testing.T) {
	v := newFS(t)
	root := seedSearchTree(t, v)

	result, err := v.Grep(context.Background(), root, `line (one|three)`, GrepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count)
}

func TestGrepInvalidRegexFallsBackToLiteral(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	root := uri.MustParse("viking://resources/lit")
	require.NoError(t, v.WriteContext(ctx, root, []byte("a weird [pattern here\n"), "", "", "", true))

	result, err := v.Grep(ctx, root, "[pattern", GrepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
}

func TestGrepRequiresPattern(t *testing.T) {
	v := newFS(t)
	_, err := v.Grep(context.Background(), uri.MustParse("viking://resources"), "", GrepOptions{})
	assert.Error(t, err)
}

func TestGlob(t *testing.T) {
	v := newFS(t)
	root := seedSearchTree(t, v)
	ctx := context.Background()

	result, err := v.Glob(ctx, root, "*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"viking://resources/corpus/intro",
		"viking://resources/corpus/guide",
		"viking://resources/corpus/sub",
	}, withoutContentFiles(result.Matches))

	deep, err := v.Glob(ctx, root, "**/notes")
	require.NoError(t, err)
	assert.Contains(t, deep.Matches, "viking://resources/corpus/sub/notes")

	question, err := v.Glob(ctx, root, "gu?de")
	require.NoError(t, err)
	assert.Equal(t, []string{"viking://resources/corpus/guide"}, question.Matches)
}

// withoutContentFiles drops content.md hits so assertions focus on node
// URIs.
func withoutContentFiles(matches []string) []string {
	var out []string
	for _, m := range matches {
		if len(m) < 11 || m[len(m)-10:] != "content.md" {
			out = append(out, m)
		}
	}
	return out
}

func TestRelationsLifecycle(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	a := uri.MustParse("viking://resources/a")
	b := uri.MustParse("viking://resources/b")
	c := uri.MustParse("viking://resources/c")
	for _, u := range []uri.URI{a, b, c} {
		require.NoError(t, v.WriteContext(ctx, u, []byte("x"), "", "", "", true))
	}

	require.NoError(t, v.Link(ctx, a, []uri.URI{b, c}, "references"))
	relations, err := v.Relations(ctx, a)
	require.NoError(t, err)
	require.Len(t, relations, 2)
	assert.Equal(t, b.String(), relations[0].URI)
	assert.Equal(t, "references", relations[0].Reason)

	// Re-linking updates the reason instead of duplicating the edge.
	require.NoError(t, v.Link(ctx, a, []uri.URI{b}, "updated"))
	relations, _ = v.Relations(ctx, a)
	require.Len(t, relations, 2)
	assert.Equal(t, "updated", relations[0].Reason)

	require.NoError(t, v.Unlink(ctx, a, b))
	relations, _ = v.Relations(ctx, a)
	require.Len(t, relations, 1)
	assert.Equal(t, c.String(), relations[0].URI)

	// Unlinking an absent edge is a no-op.
	require.NoError(t, v.Unlink(ctx, a, b))
}

func TestLinkValidatesTargets(t *testing.T) {
	v := newFS(t)
	ctx := context.Background()
	a := uri.MustParse("viking://resources/a")
	require.NoError(t, v.WriteContext(ctx, a, []byte("x"), "", "", "", true))

	err := v.Link(ctx, a, []uri.URI{uri.MustParse("viking://resources/ghost")}, "nope")
	assert.Error(t, err)
}
