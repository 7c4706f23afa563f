package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking/internal/backend"
	"github.com/openviking/openviking/internal/config"
	"github.com/openviking/openviking/internal/embedding"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/processor"
	"github.com/openviking/openviking/internal/retrieve"
	"github.com/openviking/openviking/internal/session"
	"github.com/openviking/openviking/internal/vectordb"
	"github.com/openviking/openviking/internal/vlm"

	"github.com/prometheus/client_golang/prometheus"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.VectorDB.Backend = "memory"
	cfg.Storage.AGFS.Root = "unused"
	cfg.LogLevel = "error"
	return cfg
}

func newTestService(t *testing.T) (*Service, *vlm.MockVLM) {
	t.Helper()
	model := vlm.NewMock()
	svc := New(testConfig(), Options{
		Backend:    backend.NewLocalFs(afero.NewMemMapFs()),
		Collection: vectordb.NewMemoryCollection(128),
		Embedder:   embedding.NewMock(128),
		VLM:        model,
		Logger:     observability.NewNopLogger(),
		Metrics:    observability.NewMetricsCollectorWithRegistry("openviking", prometheus.NewRegistry()),
	})
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, model
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.md")
	content := "# Sample Document\n\n## Introduction\nThis is a sample markdown document for testing.\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNotInitialized(t *testing.T) {
	svc := New(testConfig(), Options{})
	_, err := svc.Status(context.Background())
	assert.Equal(t, errs.CodeNotInitialized, errs.CodeOf(err))
}

func TestIngestAndFind(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.AddResource(ctx, AddResourceRequest{
		Path: writeSample(t),
		Wait: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.True(t, strings.HasPrefix(result.RootURI, "viking://resources/"), result.RootURI)

	found, err := svc.Find(ctx, "sample document", retrieve.Options{Limit: 10})
	require.NoError(t, err)
	require.GreaterOrEqual(t, found.Total, 1)
	require.NotEmpty(t, found.Resources)
	assert.True(t, strings.HasPrefix(found.Resources[0].URI, result.RootURI))
	assert.Greater(t, found.Resources[0].Score, float32(0))
}

func TestIngestCollisionGetsSuffix(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	path := writeSample(t)

	first, err := svc.AddResource(ctx, AddResourceRequest{Path: path, Wait: true})
	require.NoError(t, err)
	second, err := svc.AddResource(ctx, AddResourceRequest{Path: path, Wait: true})
	require.NoError(t, err)

	assert.NotEqual(t, first.RootURI, second.RootURI)
	assert.True(t, strings.HasSuffix(second.RootURI, "_1"), second.RootURI)
}

func TestIngestDirectoryPartialFailure(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "valid.md"), []byte("# Valid\ncontent here\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tool.exe"), []byte{0x00, 0x01}, 0o644))

	result, err := svc.AddResource(ctx, AddResourceRequest{Path: dir, Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "tool.exe")

	entries, err := svc.Ls(ctx, result.RootURI, fs.DefaultLsOptions())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "valid.md", entries[0].Name)
}

func TestGrepScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)

	grep, err := svc.Grep(ctx, result.RootURI, "SAMPLE", true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, grep.Count, 1)
	// Sections are walked in name order, so the "Introduction" line
	// ("sample", lowercase) may come before the "# Sample Document" one.
	texts := make([]string, 0, len(grep.Matches))
	for _, m := range grep.Matches {
		texts = append(texts, m.Text)
	}
	assert.Contains(t, texts, "# Sample Document")
}

func TestRmRemovesFromIndex(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)

	require.NoError(t, svc.Rm(ctx, result.RootURI, true))

	_, err = svc.Stat(ctx, result.RootURI)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	found, err := svc.Find(ctx, "sample document", retrieve.Options{TargetURI: result.RootURI})
	require.NoError(t, err)
	assert.Equal(t, 0, found.Total)
}

func TestMvKeepsContentFindable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)

	dst := "viking://resources/renamed"
	require.NoError(t, svc.Mv(ctx, result.RootURI, dst))
	_, err = svc.WaitProcessed(ctx, 30*time.Second)
	require.NoError(t, err)

	_, err = svc.Stat(ctx, result.RootURI)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	_, err = svc.Stat(ctx, dst)
	require.NoError(t, err)

	found, err := svc.Find(ctx, "sample document", retrieve.Options{TargetURI: dst})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, found.Total, 1)
}

func TestWaitProcessedIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)

	start := time.Now()
	statuses, err := svc.WaitProcessed(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "drained queues must return immediately")
	for name, status := range statuses {
		assert.Zero(t, status.ErrorCount, "queue %s had errors: %v", name, status.Errors)
	}
}

func TestSkillLifecycle(t *testing.T) {
	svc, model := newTestService(t)
	ctx := context.Background()
	model.Respond("Summarize the following agent skill", "Searches the web and cites sources.")

	doc := "---\nname: web-search\ndescription: search the web\ntags:\n  - research\n---\n\n# Web Search\nUse this to search.\n"
	result, err := svc.AddSkill(ctx, processor.SkillInput{Raw: doc}, true, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "viking://agent/skills/web-search", result.SkillURI)

	overview, err := svc.Overview(ctx, result.SkillURI)
	require.NoError(t, err)
	assert.Equal(t, "Searches the web and cites sources.", overview)

	found, err := svc.Find(ctx, "search the web", retrieve.Options{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, found.Skills)
	assert.Equal(t, result.SkillURI, found.Skills[0].URI)
}

func TestSessionCommitScenario(t *testing.T) {
	svc, model := newTestService(t)
	ctx := context.Background()
	model.Respond("Summarize this conversation segment", "talked about sample documents")
	model.Respond("Extract long-term memories", `{"memories": []}`)

	sessionID, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = svc.AddMessage(ctx, sessionID, session.RoleUser,
		[]session.Part{{Type: session.PartText, Text: "hello"}})
	require.NoError(t, err)
	_, err = svc.AddMessage(ctx, sessionID, session.RoleAssistant,
		[]session.Part{{Type: session.PartText, Text: "hi there"}})
	require.NoError(t, err)

	result, err := svc.CommitSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "committed", result.Status)
	assert.True(t, result.Archived)
	assert.GreaterOrEqual(t, result.MemoriesExtracted, 0)

	_, messages, err := svc.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	sessions, err := svc.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSearchUsesIntentAnalyzer(t *testing.T) {
	svc, model := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)

	sessionID, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	_, err = svc.AddMessage(ctx, sessionID, session.RoleUser,
		[]session.Part{{Type: session.PartText, Text: "I need the sample docs"}})
	require.NoError(t, err)

	model.Respond("Analyze the user's information need",
		`{"queries": [{"query": "sample markdown document", "context_type": "resource", "intent": "lookup", "priority": 5}], "reasoning": "doc lookup"}`)

	found, err := svc.Search(ctx, "sample document", retrieve.Options{SessionID: sessionID, Limit: 5})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, found.Total, 1)
}

func TestStatusAndObservers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)
	assert.Contains(t, status.Queues, "embedding")
	assert.Contains(t, status.Queues, "semantic")

	db, err := svc.ObserveVectorDB(ctx)
	require.NoError(t, err)
	assert.Equal(t, 128, db.Dimension)

	health := svc.DebugHealth(ctx)
	assert.True(t, health.Initialized)
	assert.True(t, health.Collection)
}

func TestRelationsRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)
	b, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)

	require.NoError(t, svc.Link(ctx, a.RootURI, []string{b.RootURI}, "same source"))
	relations, err := svc.Relations(ctx, a.RootURI)
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, b.RootURI, relations[0].URI)

	require.NoError(t, svc.Unlink(ctx, a.RootURI, b.RootURI))
	relations, err = svc.Relations(ctx, a.RootURI)
	require.NoError(t, err)
	assert.Empty(t, relations)
}

func TestPackRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	src, err := svc.AddResource(ctx, AddResourceRequest{Path: writeSample(t), Wait: true})
	require.NoError(t, err)

	packPath := filepath.Join(t.TempDir(), "export.ovpack")
	manifest, err := svc.ExportPack(ctx, src.RootURI, packPath)
	require.NoError(t, err)
	assert.Equal(t, src.RootURI, manifest.RootURI)
	assert.NotEmpty(t, manifest.Nodes)

	imported, err := svc.ImportPack(ctx, packPath, "viking://resources", false, false)
	require.NoError(t, err)
	assert.NotEqual(t, src.RootURI, imported.RootURI)

	// Same node set by relative path, byte-equal content.
	srcTree, err := svc.Tree(ctx, src.RootURI, fs.LsOptions{Output: fs.OutputOriginal, NodeLimit: 1000})
	require.NoError(t, err)
	dstTree, err := svc.Tree(ctx, imported.RootURI, fs.LsOptions{Output: fs.OutputOriginal, NodeLimit: 1000})
	require.NoError(t, err)
	require.Equal(t, len(srcTree), len(dstTree))
	for i := range srcTree {
		assert.Equal(t, srcTree[i].Name, dstTree[i].Name)
		srcData, err := svc.Read(ctx, srcTree[i].URI)
		if err != nil {
			continue // directories have no content
		}
		dstData, err := svc.Read(ctx, dstTree[i].URI)
		require.NoError(t, err)
		assert.Equal(t, srcData, dstData)
	}
}

func TestInvalidURIRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Stat(ctx, "not-a-viking-uri")
	assert.Equal(t, errs.CodeInvalidURI, errs.CodeOf(err))

	_, err = svc.Ls(ctx, "viking://bogus/scope", fs.DefaultLsOptions())
	assert.Equal(t, errs.CodeInvalidURI, errs.CodeOf(err))
}

func TestRmNonEmptyWithoutRecursive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# A\nbody\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("# B\nbody\n"), 0o644))
	result, err := svc.AddResource(ctx, AddResourceRequest{Path: dir, Wait: true})
	require.NoError(t, err)

	err = svc.Rm(ctx, result.RootURI, false)
	assert.Equal(t, errs.CodeFailedPrecondition, errs.CodeOf(err))
}
