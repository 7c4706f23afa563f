// Package retrieve implements semantic retrieval over the vector
// collection: the shallow find path and the session-aware search path
// with VLM query expansion.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openviking/openviking/internal/embedding"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/session"
	"github.com/openviking/openviking/internal/uri"
	"github.com/openviking/openviking/internal/vectordb"
	"github.com/openviking/openviking/internal/vlm"
)

// Item is one retrieval hit. Scores are comparable only within one
// call.
type Item struct {
	URI         string         `json:"uri"`
	Score       float32        `json:"score"`
	Abstract    string         `json:"abstract"`
	ContextType string         `json:"context_type"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// FindResult groups hits by context type.
type FindResult struct {
	Resources []Item `json:"resources"`
	Memories  []Item `json:"memories"`
	Skills    []Item `json:"skills"`
	Total     int    `json:"total"`
}

// Options tunes a retrieval call.
type Options struct {
	TargetURI      string
	Limit          int
	ScoreThreshold float32
	Filter         *vectordb.Filter
	SessionID      string
	// CurrentMessage is the in-flight user message for intent analysis.
	CurrentMessage string
}

// Reranker optionally re-scores candidates; wired through dependency
// injection when a rerank provider is configured.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []Item) ([]Item, error)
}

// Retriever resolves queries against the collection.
type Retriever struct {
	embedder   embedding.Embedder
	collection vectordb.Collection
	model      vlm.VLM
	sessions   *session.Service
	reranker   Reranker
	logger     *observability.Logger
	metrics    *observability.MetricsCollector
}

// NewRetriever wires the retriever. reranker may be nil.
func NewRetriever(embedder embedding.Embedder, collection vectordb.Collection, model vlm.VLM,
	sessions *session.Service, reranker Reranker,
	logger *observability.Logger, metrics *observability.MetricsCollector) *Retriever {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Retriever{
		embedder: embedder, collection: collection, model: model,
		sessions: sessions, reranker: reranker, logger: logger, metrics: metrics,
	}
}

const defaultLimit = 10

// Find is the shallow path: embed the query, filter by URI prefix, and
// group the hits.
func (r *Retriever) Find(ctx context.Context, query string, opts Options) (FindResult, error) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.SearchDuration.WithLabelValues("find").Observe(time.Since(start).Seconds())
			r.metrics.SearchRequests.WithLabelValues("find").Inc()
		}
	}()

	if strings.TrimSpace(query) == "" {
		return FindResult{}, errs.Ef(errs.CodeInvalidArgument, "find requires a query")
	}
	hits, err := r.searchOnce(ctx, query, opts)
	if err != nil {
		return FindResult{}, err
	}
	return groupItems(hits), nil
}

func (r *Retriever) searchOnce(ctx context.Context, query string, opts Options) ([]Item, error) {
	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errs.E(errs.CodeEmbeddingFailed, "embed query", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	filter := opts.Filter
	if opts.TargetURI != "" {
		target, err := uri.Parse(opts.TargetURI)
		if err != nil {
			return nil, err
		}
		filter = vectordb.And(vectordb.Prefix("uri", target.String()), filter)
	}
	scored, err := r.collection.Search(ctx, emb.Dense, vectordb.SearchOptions{
		Limit:          limit,
		ScoreThreshold: opts.ScoreThreshold,
		Filter:         filter,
		Sparse:         emb.Sparse,
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(scored))
	for _, hit := range scored {
		items = append(items, Item{
			URI:         hit.Record.URI,
			Score:       hit.Score,
			Abstract:    hit.Record.Abstract,
			ContextType: hit.Record.ContextType,
			Meta:        hit.Record.Fields,
		})
	}
	if r.metrics != nil {
		r.metrics.SearchResults.Observe(float64(len(items)))
	}
	return items, nil
}

func groupItems(items []Item) FindResult {
	var result FindResult
	for _, item := range items {
		switch item.ContextType {
		case string(uri.TypeMemory):
			result.Memories = append(result.Memories, item)
		case string(uri.TypeSkill):
			result.Skills = append(result.Skills, item)
		default:
			result.Resources = append(result.Resources, item)
		}
		result.Total++
	}
	return result
}

// intentQuery is one expanded sub-query from the analyzer.
type intentQuery struct {
	Query       string `json:"query"`
	ContextType string `json:"context_type"`
	Intent      string `json:"intent"`
	Priority    int    `json:"priority"`
}

const maxExpandedQueries = 5

const intentPrompt = `Analyze the user's information need and expand it
into targeted retrieval queries. Respond with JSON only:
{"queries": [{"query": "...", "context_type": "resource|memory|skill", "intent": "...", "priority": 1}], "reasoning": "..."}

Session summary:
%s

Recent messages:
%s

Current message:
%s`

// Search is the session-aware path: the intent analyzer expands the
// query using session context, each generated query runs against the
// collection, and results merge by max score.
func (r *Retriever) Search(ctx context.Context, query string, opts Options) (FindResult, error) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.SearchDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
			r.metrics.SearchRequests.WithLabelValues("search").Inc()
		}
	}()

	if strings.TrimSpace(query) == "" {
		return FindResult{}, errs.Ef(errs.CodeInvalidArgument, "search requires a query")
	}

	queries := r.expandQueries(ctx, query, opts)

	merged := make(map[string]Item)
	for _, q := range queries {
		sub := opts
		if q.ContextType != "" {
			sub.Filter = vectordb.And(opts.Filter, vectordb.Eq("context_type", q.ContextType))
		}
		items, err := r.searchOnce(ctx, q.Query, sub)
		if err != nil {
			r.logger.Warn("expanded query failed", "query", q.Query, "error", err)
			continue
		}
		for _, item := range items {
			if existing, ok := merged[item.URI]; !ok || item.Score > existing.Score {
				merged[item.URI] = item
			}
		}
	}

	items := make([]Item, 0, len(merged))
	for _, item := range merged {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(items) > limit {
		items = items[:limit]
	}

	if r.reranker != nil {
		reranked, err := r.reranker.Rerank(ctx, query, items)
		if err != nil {
			r.logger.Warn("rerank failed", "error", err)
		} else {
			items = reranked
		}
	}
	return groupItems(items), nil
}

// expandQueries runs the intent analyzer; on any failure the original
// query is used alone.
func (r *Retriever) expandQueries(ctx context.Context, query string, opts Options) []intentQuery {
	fallback := []intentQuery{{Query: query, Priority: 1}}
	if opts.SessionID == "" || r.sessions == nil {
		return fallback
	}

	summary, _ := r.sessions.ArchiveSummary(ctx, opts.SessionID)
	messages, err := r.sessions.Load(ctx, opts.SessionID)
	if err != nil {
		return fallback
	}
	if len(messages) > 5 {
		messages = messages[len(messages)-5:]
	}
	recent := renderMessages(messages)
	current := opts.CurrentMessage
	if current == "" {
		current = query
	}

	var response struct {
		Queries   []intentQuery `json:"queries"`
		Reasoning string        `json:"reasoning"`
	}
	if err := vlm.CompleteJSON(ctx, r.model,
		fmt.Sprintf(intentPrompt, summary, recent, current),
		vlm.Options{MaxTokens: 1024}, &response); err != nil {
		r.logger.Warn("intent analysis failed", "error", err)
		return fallback
	}
	queries := make([]intentQuery, 0, len(response.Queries))
	for _, q := range response.Queries {
		if strings.TrimSpace(q.Query) == "" {
			continue
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return fallback
	}
	sort.SliceStable(queries, func(i, j int) bool { return queries[i].Priority > queries[j].Priority })
	if len(queries) > maxExpandedQueries {
		queries = queries[:maxExpandedQueries]
	}
	return queries
}

func renderMessages(messages []session.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		for _, part := range msg.Parts {
			if part.Type == session.PartText {
				sb.WriteString(part.Text)
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
