package parser

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking/internal/backend"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/locks"
	"github.com/openviking/openviking/internal/uri"
)

func newTestFS(t *testing.T) *fs.VikingFS {
	t.Helper()
	b := backend.NewLocalFs(afero.NewMemMapFs())
	v := fs.New(b, locks.NewPathLockManager(), nil)
	require.NoError(t, v.EnsureScopeRoots(context.Background()))
	return v
}

func TestMarkdownSingleSection(t *testing.T) {
	v := newTestFS(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.md")
	require.NoError(t, os.WriteFile(path, []byte("just a paragraph without headings\n"), 0o644))

	result, err := NewMarkdownParser(v).Parse(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, NodeLeaf, result.Root.Type)
	assert.Equal(t, "plain", result.Root.Title)
	assert.Equal(t, "markdown", result.SourceFormat)
	assert.Equal(t, uri.ScopeTemp, result.TempDirURI.Scope())
}

func TestMarkdownSectionSplit(t *testing.T) {
	v := newTestFS(t)
	dir := t.TempDir()
	doc := `# Sample Document

intro paragraph

## Introduction
This is a sample markdown document for testing.

## Usage
Run it.
`
	path := filepath.Join(dir, "sample.md")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	result, err := NewMarkdownParser(v).Parse(context.Background(), path, "")
	require.NoError(t, err)
	root := result.Root
	assert.Equal(t, NodeRoot, root.Type)
	assert.Equal(t, "Sample Document", root.Title)
	require.Len(t, root.Children, 3)
	assert.Equal(t, "Sample Document", root.Children[0].Title)
	assert.Equal(t, "Introduction", root.Children[1].Title)
	assert.Equal(t, "Usage", root.Children[2].Title)
	assert.Contains(t, root.Children[1].Body, "sample markdown document")

	// The staged tree is readable through the filesystem.
	entries, err := v.Ls(context.Background(), result.TempDirURI, fs.DefaultLsOptions())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestDirectoryParserSkipsBinaries(t *testing.T) {
	v := newTestFS(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.md"), []byte("# Good\ntext\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.exe"), []byte{0x4D, 0x5A, 0x00, 0x01}, 0o644))

	registry := NewRegistry(v)
	result, err := registry.dir.Parse(context.Background(), dir, "")
	require.NoError(t, err)
	require.Len(t, result.Root.Children, 1)
	assert.Equal(t, "good.md", result.Root.Children[0].Title)
	assert.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings, "skipped: bad.exe")
}

func TestDirectoryParserFailsOnEmpty(t *testing.T) {
	v := newTestFS(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "only.exe"), []byte{0, 1}, 0o644))

	registry := NewRegistry(v)
	_, err := registry.dir.Parse(context.Background(), dir, "")
	assert.Error(t, err)
}

func TestDispatchRawString(t *testing.T) {
	v := newTestFS(t)
	registry := NewRegistry(v)

	result, err := registry.Dispatch(context.Background(), "some inline content to ingest", "")
	require.NoError(t, err)
	assert.Equal(t, NodeLeaf, result.Root.Type)
	assert.Equal(t, "inline", result.Root.Title)
}

func TestDispatchByExtension(t *testing.T) {
	v := newTestFS(t)
	registry := NewRegistry(v)
	assert.Equal(t, "markdown", registry.ForExtension(".md").Name())
	assert.Equal(t, "markdown", registry.ForExtension(".MD").Name())
	assert.Equal(t, "raw", registry.ForExtension(".txt").Name())
	assert.Equal(t, "archive", registry.ForExtension(".zip").Name())
	assert.Equal(t, "raw", registry.ForExtension(".unknown").Name())
}

func TestZipSlipRejection(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.zip")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("evil"))
	w, err = zw.Create("ok.md")
	require.NoError(t, err)
	_, _ = w.Write([]byte("# fine\ncontent\n"))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	v := newTestFS(t)
	registry := NewRegistry(v)
	result, err := registry.ForExtension(".zip").Parse(context.Background(), archivePath, "")
	require.NoError(t, err)

	assert.Contains(t, result.Warnings, "rejected ../escape.txt: path traversal")
	// Nothing escaped the extraction directory.
	_, statErr := os.Stat(filepath.Join(dir, "..", "escape.txt"))
	assert.Error(t, statErr)
}

func TestUnsafeZipEntryRules(t *testing.T) {
	cases := map[string]string{
		"/abs":         "absolute path",
		`C:\win`:       "drive letter",
		"a/../b":       "path traversal",
		"fine/ok.txt":  "",
		`back\..\slip`: "path traversal",
	}
	for name, want := range cases {
		file := &zip.File{FileHeader: zip.FileHeader{Name: name}}
		assert.Equal(t, want, unsafeZipEntry(file), "entry %q", name)
	}
}

func TestDecodeText(t *testing.T) {
	text, enc := DecodeText([]byte("plain utf-8"))
	assert.Equal(t, "plain utf-8", text)
	assert.Equal(t, "utf-8", enc)

	withBOM := append([]byte{0xEF, 0xBB, 0xBF}, []byte("bom text")...)
	text, enc = DecodeText(withBOM)
	assert.Equal(t, "bom text", text)
	assert.Equal(t, "utf-8-bom", enc)

	// GBK-encoded 中文 (0xD6 0xD0 0xCE 0xC4).
	gbk := []byte{0xD6, 0xD0, 0xCE, 0xC4}
	text, _ = DecodeText(gbk)
	assert.Equal(t, "中文", text)
}

func TestLooksBinary(t *testing.T) {
	assert.True(t, LooksBinary([]byte{0x00, 0x01, 0x02}))
	assert.False(t, LooksBinary([]byte("ordinary text")))
}

func TestRewriteBlobURL(t *testing.T) {
	assert.Equal(t,
		"https://raw.githubusercontent.com/o/r/main/README.md",
		rewriteBlobURL("https://github.com/o/r/blob/main/README.md"))
	assert.Equal(t,
		"https://gitlab.com/o/r/-/raw/main/README.md",
		rewriteBlobURL("https://gitlab.com/o/r/-/blob/main/README.md"))
	assert.Equal(t,
		"https://example.com/page",
		rewriteBlobURL("https://example.com/page"))
}

func TestSplitGitHubBlobURL(t *testing.T) {
	owner, repo, ref, path, ok := splitGitHubBlobURL("/octo/hello/blob/main/docs/a.md")
	require.True(t, ok)
	assert.Equal(t, "octo", owner)
	assert.Equal(t, "hello", repo)
	assert.Equal(t, "main", ref)
	assert.Equal(t, "docs/a.md", path)

	_, _, _, _, ok = splitGitHubBlobURL("/octo/hello")
	assert.False(t, ok)
}

func TestHTMLToText(t *testing.T) {
	html := `<html><head><title>t</title><style>x{}</style></head>
<body><h1>Heading</h1><script>bad()</script><p>paragraph text</p></body></html>`
	text := htmlToText(html)
	assert.Contains(t, text, "Heading")
	assert.Contains(t, text, "paragraph text")
	assert.NotContains(t, text, "bad()")
	assert.NotContains(t, text, "x{}")
}
