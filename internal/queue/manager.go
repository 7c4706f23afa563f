package queue

import (
	"context"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/observability"
)

// Queue names.
const (
	EmbeddingQueue = "embedding"
	SemanticQueue  = "semantic"
)

// SemanticTarget selects which sidecars a semantic-processing item
// generates.
type SemanticTarget string

const (
	TargetAbstract SemanticTarget = "abstract"
	TargetOverview SemanticTarget = "overview"
	TargetBoth     SemanticTarget = "both"
)

// EmbeddingMessage instructs a worker to embed VectorizeText and upsert
// a record for URI.
type EmbeddingMessage struct {
	URI           string         `json:"uri"`
	VectorizeText string         `json:"vectorize_text"`
	Snapshot      map[string]any `json:"context_snapshot,omitempty"`
}

// SemanticMessage instructs a worker to generate L0/L1 text for URI
// through the VLM and write the sidecars.
type SemanticMessage struct {
	URI     string         `json:"uri"`
	Content string         `json:"content"`
	Target  SemanticTarget `json:"target"`
}

// Config tunes the manager's two queues.
type Config struct {
	Capacity         int
	EmbeddingWorkers int
	SemanticWorkers  int
	MaxAttempts      int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:         10000,
		EmbeddingWorkers: 4,
		SemanticWorkers:  2,
		MaxAttempts:      3,
	}
}

// Manager owns the embedding and semantic-processing queues.
type Manager struct {
	embedding *Queue
	semantic  *Queue
}

// NewManager creates both queues with their handlers and starts the
// worker pools.
func NewManager(cfg Config, embeddingHandler, semanticHandler Handler,
	logger *observability.Logger, metrics *observability.MetricsCollector) *Manager {
	if cfg.Capacity <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		embedding: NewQueue(EmbeddingQueue, cfg.Capacity, cfg.EmbeddingWorkers, cfg.MaxAttempts,
			embeddingHandler, logger, metrics),
		semantic: NewQueue(SemanticQueue, cfg.Capacity, cfg.SemanticWorkers, cfg.MaxAttempts,
			semanticHandler, logger, metrics),
	}
}

// EnqueueEmbedding queues an embedding message.
func (m *Manager) EnqueueEmbedding(ctx context.Context, msg EmbeddingMessage) error {
	return m.embedding.Enqueue(ctx, msg)
}

// EnqueueSemantic queues a semantic-processing message.
func (m *Manager) EnqueueSemantic(ctx context.Context, msg SemanticMessage) error {
	return m.semantic.Enqueue(ctx, msg)
}

// QueueStatus is the per-queue aggregate returned by WaitComplete.
type QueueStatus struct {
	Processed  int64       `json:"processed"`
	ErrorCount int64       `json:"error_count"`
	Errors     []ItemError `json:"errors"`
}

// WaitComplete blocks until every queue has an empty pending set and
// zero in-flight items, or ctx expires (DEADLINE_EXCEEDED). The
// embedding queue is waited last because semantic processing enqueues
// follow-up embeddings.
func (m *Manager) WaitComplete(ctx context.Context) (map[string]QueueStatus, error) {
	// Semantic items fan out into embedding items, so a single pass per
	// queue in that order can still race a late enqueue; loop until both
	// are simultaneously idle.
	for {
		if err := m.semantic.WaitComplete(ctx); err != nil {
			return m.statuses(), err
		}
		if err := m.embedding.WaitComplete(ctx); err != nil {
			return m.statuses(), err
		}
		s, e := m.semantic.Snapshot(), m.embedding.Snapshot()
		if s.Pending == 0 && s.InFlight == 0 && e.Pending == 0 && e.InFlight == 0 {
			return m.statuses(), nil
		}
		select {
		case <-ctx.Done():
			return m.statuses(), errs.Ef(errs.CodeDeadlineExceeded, "queues did not drain in time")
		default:
		}
	}
}

func (m *Manager) statuses() map[string]QueueStatus {
	out := make(map[string]QueueStatus, 2)
	for _, q := range []*Queue{m.embedding, m.semantic} {
		snap := q.Snapshot()
		out[snap.Name] = QueueStatus{
			Processed:  snap.ProcessedTotal,
			ErrorCount: snap.ErrorCount,
			Errors:     snap.RecentErrors,
		}
	}
	return out
}

// Snapshots returns both queues' observable state.
func (m *Manager) Snapshots() map[string]Snapshot {
	return map[string]Snapshot{
		EmbeddingQueue: m.embedding.Snapshot(),
		SemanticQueue:  m.semantic.Snapshot(),
	}
}

// Close stops both worker pools.
func (m *Manager) Close() {
	m.semantic.Close()
	m.embedding.Close()
}
