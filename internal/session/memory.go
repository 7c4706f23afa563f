package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/openviking/openviking/internal/embedding"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/queue"
	"github.com/openviking/openviking/internal/uri"
	"github.com/openviking/openviking/internal/vectordb"
	"github.com/openviking/openviking/internal/vlm"
)

// MemoryCategory is the closed set of long-term memory kinds.
type MemoryCategory string

const (
	CategoryPatterns    MemoryCategory = "patterns"
	CategoryCases       MemoryCategory = "cases"
	CategoryProfile     MemoryCategory = "profile"
	CategoryPreferences MemoryCategory = "preferences"
	CategoryEntities    MemoryCategory = "entities"
	CategoryEvents      MemoryCategory = "events"
)

// agentCategories land under viking://agent/memories; everything else
// goes to viking://user/memories.
var agentCategories = map[MemoryCategory]bool{
	CategoryPatterns: true,
	CategoryCases:    true,
}

var validCategories = map[MemoryCategory]bool{
	CategoryPatterns: true, CategoryCases: true, CategoryProfile: true,
	CategoryPreferences: true, CategoryEntities: true, CategoryEvents: true,
}

// MemoryCandidate is one extracted memory proposal.
type MemoryCandidate struct {
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// ExtractorConfig tunes memory extraction.
type ExtractorConfig struct {
	// DedupThreshold is the cosine similarity above which a candidate
	// merges into an existing memory of the same category.
	DedupThreshold float64
	// ConfidenceThreshold gates candidates.
	ConfidenceThreshold float64
	// LanguageFallback is used when script detection is inconclusive.
	LanguageFallback string
}

// MemoryExtractor turns archived conversation into long-term memories.
type MemoryExtractor struct {
	vfs        *fs.VikingFS
	model      vlm.VLM
	embedder   embedding.Embedder
	collection vectordb.Collection
	queues     *queue.Manager
	cfg        ExtractorConfig
	logger     *observability.Logger
}

// NewMemoryExtractor wires the extractor.
func NewMemoryExtractor(vfs *fs.VikingFS, model vlm.VLM, embedder embedding.Embedder,
	collection vectordb.Collection, queues *queue.Manager, cfg ExtractorConfig,
	logger *observability.Logger) *MemoryExtractor {
	if cfg.DedupThreshold == 0 {
		cfg.DedupThreshold = 0.90
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	if cfg.LanguageFallback == "" {
		cfg.LanguageFallback = "en"
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &MemoryExtractor{
		vfs: vfs, model: model, embedder: embedder,
		collection: collection, queues: queues, cfg: cfg, logger: logger,
	}
}

// DetectLanguage picks the output language from the dominant script of
// the messages: any Kana means Japanese, Han without Kana means
// Chinese, otherwise the configured fallback.
func (e *MemoryExtractor) DetectLanguage(messages []Message) string {
	var hasKana, hasHan bool
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.Type != PartText {
				continue
			}
			for _, r := range part.Text {
				switch {
				case unicode.In(r, unicode.Hiragana, unicode.Katakana):
					hasKana = true
				case unicode.In(r, unicode.Han):
					hasHan = true
				}
			}
		}
	}
	switch {
	case hasKana:
		return "ja"
	case hasHan:
		return "zh-CN"
	default:
		return e.cfg.LanguageFallback
	}
}

const extractPrompt = `Extract long-term memories from this conversation.
Respond in %s with JSON only:
{"memories": [{"text": "...", "category": "patterns|cases|profile|preferences|entities|events", "confidence": 0.0}]}

Conversation:
%s`

const mergePrompt = `Merge these two memory statements into one concise
statement that preserves all information. Respond with the merged text only.

Existing: %s
New: %s`

// Extract runs the extraction pipeline over archived messages and
// returns how many memories were created or merged.
func (e *MemoryExtractor) Extract(ctx context.Context, sessionID string, messages []Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	language := e.DetectLanguage(messages)
	transcript := renderTranscript(messages)

	var response struct {
		Memories []MemoryCandidate `json:"memories"`
	}
	if err := vlm.CompleteJSON(ctx, e.model,
		fmt.Sprintf(extractPrompt, language, transcript),
		vlm.Options{MaxTokens: 2048}, &response); err != nil {
		return 0, err
	}

	stored := 0
	for _, candidate := range response.Memories {
		if candidate.Confidence < e.cfg.ConfidenceThreshold {
			continue
		}
		category := MemoryCategory(candidate.Category)
		if !validCategories[category] {
			e.logger.Warn("dropping memory with unknown category",
				"category", candidate.Category, "session", sessionID)
			continue
		}
		if strings.TrimSpace(candidate.Text) == "" {
			continue
		}
		if err := e.store(ctx, sessionID, category, candidate.Text); err != nil {
			e.logger.Warn("store memory", "session", sessionID, "error", err)
			continue
		}
		stored++
	}
	return stored, nil
}

// store creates a new memory node, or merges the candidate into its
// nearest neighbor of the same category above the dedup threshold.
func (e *MemoryExtractor) store(ctx context.Context, sessionID string, category MemoryCategory, text string) error {
	emb, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return errs.E(errs.CodeEmbeddingFailed, "embed memory candidate", err)
	}

	neighbors, err := e.collection.Search(ctx, emb.Dense, vectordb.SearchOptions{
		Limit: 1,
		Filter: vectordb.And(
			vectordb.Eq("context_type", string(uri.TypeMemory)),
			vectordb.Eq("category", string(category)),
		),
	})
	if err != nil {
		return err
	}

	if len(neighbors) > 0 && float64(neighbors[0].Score) >= e.cfg.DedupThreshold {
		return e.merge(ctx, neighbors[0].Record, text)
	}
	return e.create(ctx, sessionID, category, text)
}

func memoryScopeRoot(category MemoryCategory) uri.URI {
	if agentCategories[category] {
		return uri.Root(uri.ScopeAgent).Join("memories", string(category))
	}
	return uri.Root(uri.ScopeUser).Join("memories", string(category))
}

func (e *MemoryExtractor) create(ctx context.Context, sessionID string, category MemoryCategory, text string) error {
	base := memoryScopeRoot(category).Join(uri.SanitizeName(text))
	target, err := e.vfs.ResolveUniqueURI(ctx, base)
	if err != nil {
		return err
	}
	if err := e.vfs.WriteContext(ctx, target, []byte(text), text, "", "", true); err != nil {
		return err
	}
	if meta, err := e.vfs.Meta(ctx, target); err == nil {
		meta.SessionID = sessionID
		if data, err := meta.Encode(); err == nil {
			_ = e.vfs.Backend().WriteBytes(ctx, fs.Path(target)+"/"+fs.MetaFile, data)
		}
	}
	return e.queues.EnqueueEmbedding(ctx, queue.EmbeddingMessage{
		URI:           target.String(),
		VectorizeText: text,
	})
}

// merge rewrites an existing memory's abstract with a VLM-merged
// version and re-enqueues its embedding.
func (e *MemoryExtractor) merge(ctx context.Context, existing vectordb.Record, text string) error {
	merged, err := e.model.Complete(ctx,
		fmt.Sprintf(mergePrompt, existing.Abstract, text), vlm.Options{MaxTokens: 512})
	if err != nil {
		return errs.E(errs.CodeVLMFailed, "merge memories", err)
	}
	merged = strings.TrimSpace(merged)
	if merged == "" {
		merged = existing.Abstract + "\n" + text
	}
	u, err := uri.Parse(existing.URI)
	if err != nil {
		return err
	}
	if err := e.vfs.WriteAbstract(ctx, u, merged); err != nil {
		return err
	}
	return e.queues.EnqueueEmbedding(ctx, queue.EmbeddingMessage{
		URI:           existing.URI,
		VectorizeText: merged,
	})
}

// CommitResult reports a session commit.
type CommitResult struct {
	Status             string `json:"status"`
	SessionID          string `json:"session_id"`
	Archived           bool   `json:"archived"`
	MemoriesExtracted  int    `json:"memories_extracted"`
	ActiveCountUpdated int    `json:"active_count_updated"`
}

const compressPrompt = `Summarize this conversation segment for long-term
archival. Keep decisions, facts, and open questions. Respond with the
summary only.

%s`

// Commit compresses the live log into an archive entry, extracts
// long-term memories, and truncates the log.
func (s *Service) Commit(ctx context.Context, sessionID string) (CommitResult, error) {
	messages, err := s.Load(ctx, sessionID)
	if err != nil {
		return CommitResult{}, err
	}
	result := CommitResult{Status: "committed", SessionID: sessionID}
	if len(messages) == 0 {
		return result, nil
	}
	if s.extractor == nil {
		return CommitResult{}, errs.Ef(errs.CodeFailedPrecondition, "session commit requires a memory extractor")
	}

	summary, err := s.extractor.model.Complete(ctx,
		fmt.Sprintf(compressPrompt, renderTranscript(messages)), vlm.Options{MaxTokens: 1024})
	if err != nil {
		return CommitResult{}, errs.E(errs.CodeVLMFailed, "compress session", err)
	}

	archiveDir := sessionRoot(sessionID).Join("archive")
	if err := s.vfs.Mkdir(ctx, archiveDir, true); err != nil {
		return CommitResult{}, err
	}
	entries, _ := s.vfs.Ls(ctx, archiveDir, fs.LsOptions{Output: fs.OutputOriginal, NodeLimit: 10000})
	archiveURI := archiveDir.Join(strconv.Itoa(len(entries)) + ".md")
	if err := s.vfs.WriteFile(ctx, archiveURI, summary); err != nil {
		return CommitResult{}, err
	}
	result.Archived = true

	extracted, err := s.extractor.Extract(ctx, sessionID, messages)
	if err != nil {
		s.logger.Warn("memory extraction failed", "session", sessionID, "error", err)
	}
	result.MemoriesExtracted = extracted

	// Truncate the live log last so a failed commit leaves it intact.
	if err := s.vfs.WriteFile(ctx, messagesURI(sessionID), ""); err != nil {
		return CommitResult{}, err
	}
	return result, nil
}

// Extract runs memory extraction over the current log without
// truncating it.
func (s *Service) Extract(ctx context.Context, sessionID string) (int, error) {
	if s.extractor == nil {
		return 0, errs.Ef(errs.CodeFailedPrecondition, "memory extraction is not configured")
	}
	messages, err := s.Load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return s.extractor.Extract(ctx, sessionID, messages)
}

// ArchiveSummary reads the latest archive entry, for the intent
// analyzer's session context.
func (s *Service) ArchiveSummary(ctx context.Context, sessionID string) (string, error) {
	archiveDir := sessionRoot(sessionID).Join("archive")
	entries, err := s.vfs.Ls(ctx, archiveDir, fs.LsOptions{Output: fs.OutputOriginal, NodeLimit: 10000})
	if err != nil || len(entries) == 0 {
		return "", nil
	}
	// Entries are named <n>.md and listed by name, so 10.md sorts before
	// 9.md; pick the highest n.
	latest := entries[len(entries)-1]
	best := -1
	for _, entry := range entries {
		if n, err := strconv.Atoi(strings.TrimSuffix(entry.Name, ".md")); err == nil && n > best {
			best, latest = n, entry
		}
	}
	u, err := uri.Parse(latest.URI)
	if err != nil {
		return "", nil
	}
	data, err := s.vfs.Read(ctx, u)
	if err != nil {
		return "", nil
	}
	return string(data), nil
}
