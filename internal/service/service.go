// Package service is the in-process API surface of OpenViking: it owns
// every component handle and stitches filesystem, vector collection,
// queues, processors, sessions, and retrieval into one facade consumed
// by the transport adapters.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/openviking/openviking/internal/backend"
	"github.com/openviking/openviking/internal/config"
	"github.com/openviking/openviking/internal/embedding"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/locks"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/pack"
	"github.com/openviking/openviking/internal/parser"
	"github.com/openviking/openviking/internal/processor"
	"github.com/openviking/openviking/internal/queue"
	"github.com/openviking/openviking/internal/retrieve"
	"github.com/openviking/openviking/internal/session"
	"github.com/openviking/openviking/internal/uri"
	"github.com/openviking/openviking/internal/vectordb"
	"github.com/openviking/openviking/internal/vlm"
)

// Default operation deadlines.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultWaitTimeout = 10 * time.Minute
)

// Options allows tests and embedders to substitute components before
// Initialize wires the rest.
type Options struct {
	Backend    backend.Backend
	Collection vectordb.Collection
	Embedder   embedding.Embedder
	VLM        vlm.VLM
	Reranker   retrieve.Reranker
	Logger     *observability.Logger
	Metrics    *observability.MetricsCollector
}

// Service is the facade. Construct with New, call Initialize before
// use, Close on shutdown.
type Service struct {
	cfg  *config.Config
	opts Options

	logger  *observability.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider

	backend    backend.Backend
	vfs        *fs.VikingFS
	collection vectordb.Collection
	embedder   embedding.Embedder
	model      vlm.VLM

	queues    *queue.Manager
	registry  *parser.Registry
	resources *processor.Resource
	skills    *processor.Skill
	sessions  *session.Service
	retriever *retrieve.Retriever
	packs     *pack.Service

	startedAt time.Time

	mu          sync.RWMutex
	initialized bool
}

// New creates an unconfigured service.
func New(cfg *config.Config, opts Options) *Service {
	return &Service{cfg: cfg, opts: opts}
}

// Initialize constructs and wires every component, recovers interrupted
// transactions, and starts the queue workers.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.LoggerConfig{
			Level:         s.cfg.LogLevel,
			Format:        s.cfg.LogFormat,
			SentryEnabled: s.cfg.Sentry.Enabled,
		})
	}
	s.metrics = s.opts.Metrics
	if s.metrics == nil {
		s.metrics = observability.NewMetricsCollector("openviking")
	}
	if s.cfg.Sentry.Enabled && s.cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         s.cfg.Sentry.DSN,
			Environment: s.cfg.Sentry.Environment,
		}); err != nil {
			s.logger.Warn("sentry init failed", "error", err)
		}
	}
	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		ServiceName:  "openviking",
		OTLPEndpoint: s.cfg.Tracing.Endpoint,
		SamplingRate: s.cfg.Tracing.SampleRate,
		Enabled:      s.cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer

	if err := s.initStorage(ctx); err != nil {
		return err
	}
	if err := s.initModels(); err != nil {
		return err
	}

	lockManager := locks.NewPathLockManager()
	s.vfs = fs.New(s.backend, lockManager, s.logger)
	if err := s.vfs.EnsureScopeRoots(ctx); err != nil {
		return err
	}
	if recovered, err := s.vfs.Txns().Recover(ctx); err != nil {
		return fmt.Errorf("recover transactions: %w", err)
	} else if recovered > 0 {
		s.logger.Warn("rolled back interrupted transactions", "count", recovered)
	}

	s.queues = queue.NewManager(queue.Config{
		Capacity:         s.cfg.Queue.Capacity,
		EmbeddingWorkers: s.cfg.Queue.EmbeddingWorkers,
		SemanticWorkers:  s.cfg.Queue.SemanticWorkers,
		MaxAttempts:      s.cfg.Queue.MaxAttempts,
	}, s.embeddingHandler, s.semanticHandler, s.logger, s.metrics)

	s.registry = parser.NewRegistry(s.vfs)
	s.resources = processor.NewResource(s.vfs, s.registry, s.queues, s.logger, s.metrics)
	s.skills = processor.NewSkill(s.vfs, s.queues, s.model, s.logger)

	extractor := session.NewMemoryExtractor(s.vfs, s.model, s.embedder, s.collection, s.queues,
		session.ExtractorConfig{
			DedupThreshold:      s.cfg.Memory.DedupThreshold,
			ConfidenceThreshold: s.cfg.Memory.ConfidenceThreshold,
			LanguageFallback:    s.cfg.LanguageFallback,
		}, s.logger)
	s.sessions = session.NewService(s.vfs, extractor, s.logger)
	s.retriever = retrieve.NewRetriever(s.embedder, s.collection, s.model, s.sessions,
		s.opts.Reranker, s.logger, s.metrics)
	s.packs = pack.NewService(s.vfs, s.queues, s.logger)

	s.startedAt = time.Now().UTC()
	s.metrics.SystemStartTime.Set(float64(s.startedAt.Unix()))
	s.initialized = true
	s.logger.Info("service initialized",
		"agfs_backend", s.cfg.Storage.AGFS.Backend,
		"vectordb_backend", s.cfg.Storage.VectorDB.Backend,
		"embedder", s.embedder.Model(),
		"vlm", s.model.Model())
	return nil
}

func (s *Service) initStorage(ctx context.Context) error {
	if s.opts.Backend != nil {
		s.backend = s.opts.Backend
	} else {
		switch s.cfg.Storage.AGFS.Backend {
		case "s3":
			b, err := backend.NewS3(ctx, s.cfg.Storage.AGFS.S3)
			if err != nil {
				return err
			}
			s.backend = b
		default:
			b, err := backend.NewLocal(s.cfg.Storage.AGFS.Root)
			if err != nil {
				return err
			}
			s.backend = b
		}
	}

	if s.opts.Collection != nil {
		s.collection = s.opts.Collection
		return nil
	}
	switch s.cfg.Storage.VectorDB.Backend {
	case "memory":
		s.collection = vectordb.NewMemoryCollection(s.cfg.Storage.VectorDB.Dimension)
	default:
		c, err := vectordb.NewSQLiteCollection(s.cfg.Storage.VectorDB.Path, s.cfg.Storage.VectorDB.Dimension)
		if err != nil {
			return err
		}
		s.collection = c
	}
	return nil
}

func (s *Service) initModels() error {
	if s.opts.Embedder != nil {
		s.embedder = s.opts.Embedder
	} else {
		switch s.cfg.Embedding.Provider {
		case "mock":
			s.embedder = embedding.NewMock(s.cfg.Storage.VectorDB.Dimension)
		default:
			return errs.Ef(errs.CodeInvalidArgument,
				"unknown embedding provider %q (inject one through service options)", s.cfg.Embedding.Provider)
		}
	}
	if s.embedder.Dimensions() != 0 && s.embedder.Dimensions() != s.collection.Dimension() {
		return errs.Ef(errs.CodeInvalidArgument,
			"embedder dimension %d does not match collection dimension %d",
			s.embedder.Dimensions(), s.collection.Dimension())
	}

	if s.opts.VLM != nil {
		s.model = s.opts.VLM
		return nil
	}
	switch s.cfg.VLM.Provider {
	case "mock":
		s.model = vlm.NewMock()
	default:
		return errs.Ef(errs.CodeInvalidArgument,
			"unknown vlm provider %q (inject one through service options)", s.cfg.VLM.Provider)
	}
	return nil
}

// Close drains workers and releases every owned handle. Safe to call
// more than once.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.queues.Close()
	err := s.collection.Close()
	if s.tracer != nil {
		_ = s.tracer.Shutdown(ctx)
	}
	if s.cfg.Sentry.Enabled {
		sentry.Flush(2 * time.Second)
	}
	s.initialized = false
	return err
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return errs.Ef(errs.CodeNotInitialized, "service is not initialized")
	}
	return nil
}

// Logger exposes the service logger for the transport layer.
func (s *Service) Logger() *observability.Logger { return s.logger }

// Config exposes the loaded configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// embeddingHandler processes embedding queue items: embed the text,
// build a record, upsert into the collection.
func (s *Service) embeddingHandler(ctx context.Context, item queue.Item) error {
	msg, ok := item.Payload.(queue.EmbeddingMessage)
	if !ok {
		return errs.Ef(errs.CodeInternal, "unexpected embedding payload %T", item.Payload)
	}
	u, err := uri.Parse(msg.URI)
	if err != nil {
		return err
	}

	start := time.Now()
	emb, err := s.embedder.Embed(ctx, msg.VectorizeText)
	if s.metrics != nil {
		s.metrics.EmbeddingDuration.WithLabelValues(s.embedder.Model()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.EmbeddingErrorsTotal.WithLabelValues(s.embedder.Model()).Inc()
		}
		return errs.E(errs.CodeEmbeddingFailed, "embed "+msg.URI, err)
	}
	if s.metrics != nil {
		s.metrics.EmbeddingRequests.WithLabelValues(s.embedder.Model(), "ok").Inc()
	}

	record := vectordb.Record{
		ID:          vectordb.RecordID(u.String()),
		URI:         u.String(),
		Dense:       emb.Dense,
		Sparse:      emb.Sparse,
		ContextType: string(u.ContextType()),
		Abstract:    msg.VectorizeText,
		Fields:      map[string]any{},
	}
	if category := u.Category(); category != "" {
		record.Fields["category"] = category
	}
	if meta, err := s.vfs.Meta(ctx, u); err == nil {
		record.CreatedAt = meta.CreatedAt.UnixMilli()
		record.SessionID = meta.SessionID
		if abstract, err := s.vfs.Abstract(ctx, u); err == nil && abstract != "" {
			record.Abstract = abstract
		}
		if meta.User != nil {
			record.User = *meta.User
		}
	}
	for k, v := range msg.Snapshot {
		record.Fields[k] = v
	}

	if err := s.collection.Upsert(ctx, []vectordb.Record{record}); err != nil {
		if s.metrics != nil {
			s.metrics.UpsertErrorsTotal.Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.UpsertRequestsTotal.Inc()
		if count, err := s.collection.Count(ctx); err == nil {
			s.metrics.CollectionRecords.Set(float64(count))
		}
	}
	return nil
}

const abstractPrompt = `Write a one-sentence abstract (at most 256
characters) of the following content. Respond with the abstract only.

%s`

const overviewPrompt = `Write a short overview (one or two paragraphs)
of the following content, covering its structure and main points.
Respond with the overview only.

%s`

// semanticHandler processes semantic queue items: generate L0/L1 text
// through the VLM, write the sidecars, then enqueue an embedding for
// the fresh abstract.
func (s *Service) semanticHandler(ctx context.Context, item queue.Item) error {
	msg, ok := item.Payload.(queue.SemanticMessage)
	if !ok {
		return errs.Ef(errs.CodeInternal, "unexpected semantic payload %T", item.Payload)
	}
	u, err := uri.Parse(msg.URI)
	if err != nil {
		return err
	}

	var abstract string
	if msg.Target == queue.TargetAbstract || msg.Target == queue.TargetBoth {
		abstract, err = s.complete(ctx, fmt.Sprintf(abstractPrompt, msg.Content))
		if err != nil {
			return err
		}
		abstract = clampAbstract(abstract)
		if err := s.vfs.WriteAbstract(ctx, u, abstract); err != nil {
			return err
		}
	}
	if msg.Target == queue.TargetOverview || msg.Target == queue.TargetBoth {
		overview, err := s.complete(ctx, fmt.Sprintf(overviewPrompt, msg.Content))
		if err != nil {
			return err
		}
		if err := s.vfs.WriteOverview(ctx, u, overview); err != nil {
			return err
		}
	}

	if abstract == "" {
		if existing, err := s.vfs.Abstract(ctx, u); err == nil {
			abstract = existing
		}
	}
	if abstract == "" {
		return nil
	}
	return s.queues.EnqueueEmbedding(ctx, queue.EmbeddingMessage{
		URI:           msg.URI,
		VectorizeText: abstract,
	})
}

func (s *Service) complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	out, err := s.model.Complete(ctx, prompt, vlm.Options{MaxTokens: 1024})
	if s.metrics != nil {
		s.metrics.VLMDuration.WithLabelValues(s.model.Model()).Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
			s.metrics.VLMErrorsTotal.WithLabelValues(s.model.Model()).Inc()
		}
		s.metrics.VLMRequests.WithLabelValues(s.model.Model(), status).Inc()
	}
	if err != nil {
		return "", errs.E(errs.CodeVLMFailed, "vlm completion", err)
	}
	return strings.TrimSpace(out), nil
}

func clampAbstract(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > 256 {
		return string(runes[:256])
	}
	return string(runes)
}
