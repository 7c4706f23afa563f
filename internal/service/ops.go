package service

import (
	"context"
	"time"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/pack"
	"github.com/openviking/openviking/internal/processor"
	"github.com/openviking/openviking/internal/queue"
	"github.com/openviking/openviking/internal/retrieve"
	"github.com/openviking/openviking/internal/session"
	"github.com/openviking/openviking/internal/uri"
	"github.com/openviking/openviking/internal/vectordb"
)

// AddResourceRequest is the transport-level ingest request.
type AddResourceRequest struct {
	Path        string `json:"path"`
	Target      string `json:"target,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Wait        bool   `json:"wait,omitempty"`
	Timeout     int    `json:"timeout,omitempty"` // seconds
}

// AddResourceResult extends the processor result with queue status when
// the caller waited.
type AddResourceResult struct {
	processor.ResourceResult
	Queues map[string]queue.QueueStatus `json:"queues,omitempty"`
}

// AddResource ingests a resource, optionally blocking until its queue
// work completes.
func (s *Service) AddResource(ctx context.Context, req AddResourceRequest) (AddResourceResult, error) {
	if err := s.ready(); err != nil {
		return AddResourceResult{}, err
	}
	result, err := s.resources.Process(ctx, processor.ResourceRequest{
		Path:        req.Path,
		Target:      req.Target,
		Reason:      req.Reason,
		Instruction: req.Instruction,
		Scope:       req.Scope,
	})
	out := AddResourceResult{ResourceResult: result}
	if err != nil {
		return out, err
	}
	if req.Wait {
		statuses, waitErr := s.WaitProcessed(ctx, time.Duration(req.Timeout)*time.Second)
		out.Queues = statuses
		if waitErr != nil {
			return out, waitErr
		}
	}
	return out, nil
}

// AddSkill ingests a skill, optionally waiting for its embedding.
func (s *Service) AddSkill(ctx context.Context, input processor.SkillInput, wait bool, timeout time.Duration) (processor.SkillResult, error) {
	if err := s.ready(); err != nil {
		return processor.SkillResult{}, err
	}
	result, err := s.skills.Process(ctx, input)
	if err != nil {
		return result, err
	}
	if wait {
		if _, err := s.WaitProcessed(ctx, timeout); err != nil {
			return result, err
		}
	}
	return result, nil
}

// WaitProcessed blocks until both queues drain or timeout elapses.
func (s *Service) WaitProcessed(ctx context.Context, timeout time.Duration) (map[string]queue.QueueStatus, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.queues.WaitComplete(waitCtx)
}

// Find runs the shallow retrieval path.
func (s *Service) Find(ctx context.Context, query string, opts retrieve.Options) (retrieve.FindResult, error) {
	if err := s.ready(); err != nil {
		return retrieve.FindResult{}, err
	}
	return s.retriever.Find(ctx, query, opts)
}

// Search runs the session-aware retrieval path.
func (s *Service) Search(ctx context.Context, query string, opts retrieve.Options) (retrieve.FindResult, error) {
	if err := s.ready(); err != nil {
		return retrieve.FindResult{}, err
	}
	return s.retriever.Search(ctx, query, opts)
}

// Grep scans L2 content under a subtree.
func (s *Service) Grep(ctx context.Context, target string, pattern string, caseInsensitive bool) (fs.GrepResult, error) {
	if err := s.ready(); err != nil {
		return fs.GrepResult{}, err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return fs.GrepResult{}, err
	}
	return s.vfs.Grep(ctx, u, pattern, fs.GrepOptions{CaseInsensitive: caseInsensitive})
}

// Glob matches URI names under a root.
func (s *Service) Glob(ctx context.Context, root string, pattern string) (fs.GlobResult, error) {
	if err := s.ready(); err != nil {
		return fs.GlobResult{}, err
	}
	base := uri.Root(uri.ScopeResources)
	if root != "" {
		parsed, err := uri.Parse(root)
		if err != nil {
			return fs.GlobResult{}, err
		}
		base = parsed
	}
	return s.vfs.Glob(ctx, base, pattern)
}

// Ls lists a directory.
func (s *Service) Ls(ctx context.Context, target string, opts fs.LsOptions) ([]fs.LsEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return nil, err
	}
	return s.vfs.Ls(ctx, u, opts)
}

// Tree lists a subtree recursively.
func (s *Service) Tree(ctx context.Context, target string, opts fs.LsOptions) ([]fs.LsEntry, error) {
	opts.Recursive = true
	return s.Ls(ctx, target, opts)
}

// Stat describes a node.
func (s *Service) Stat(ctx context.Context, target string) (fs.StatInfo, error) {
	if err := s.ready(); err != nil {
		return fs.StatInfo{}, err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return fs.StatInfo{}, err
	}
	return s.vfs.Stat(ctx, u)
}

// Read returns L2 content.
func (s *Service) Read(ctx context.Context, target string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return nil, err
	}
	return s.vfs.Read(ctx, u)
}

// Abstract returns L0 content ("" when absent).
func (s *Service) Abstract(ctx context.Context, target string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return "", err
	}
	return s.vfs.Abstract(ctx, u)
}

// Overview returns L1 content ("" when absent).
func (s *Service) Overview(ctx context.Context, target string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return "", err
	}
	return s.vfs.Overview(ctx, u)
}

// Mkdir ensures a directory exists.
func (s *Service) Mkdir(ctx context.Context, target string) error {
	if err := s.ready(); err != nil {
		return err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return err
	}
	return s.vfs.Mkdir(ctx, u, true)
}

// Rm deletes a subtree and evicts its records from the collection.
func (s *Service) Rm(ctx context.Context, target string, recursive bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return err
	}
	if err := s.vfs.Rm(ctx, u, recursive); err != nil {
		return err
	}
	return s.collection.DeleteByFilter(ctx, vectordb.Prefix("uri", u.String()))
}

// Mv renames a subtree. Collection records under the old prefix are
// dropped and the moved leaves re-enqueued for embedding under their
// new URIs.
func (s *Service) Mv(ctx context.Context, from, to string) error {
	if err := s.ready(); err != nil {
		return err
	}
	src, err := uri.Parse(from)
	if err != nil {
		return err
	}
	dst, err := uri.Parse(to)
	if err != nil {
		return err
	}
	if err := s.vfs.Mv(ctx, src, dst); err != nil {
		return err
	}
	if err := s.collection.DeleteByFilter(ctx, vectordb.Prefix("uri", src.String())); err != nil {
		s.logger.Warn("evict moved records", "uri", src.String(), "error", err)
	}
	s.reenqueueSubtree(ctx, dst)
	return nil
}

func (s *Service) reenqueueSubtree(ctx context.Context, root uri.URI) {
	meta, err := s.vfs.Meta(ctx, root)
	if err == nil && meta.IsLeaf {
		text := meta.VectorizeText
		if text == "" {
			if abstract, err := s.vfs.Abstract(ctx, root); err == nil {
				text = abstract
			}
		}
		if text != "" {
			if err := s.queues.EnqueueEmbedding(ctx, queue.EmbeddingMessage{
				URI: root.String(), VectorizeText: text,
			}); err != nil {
				s.logger.Warn("re-enqueue moved node", "uri", root.String(), "error", err)
			}
		}
		return
	}
	entries, err := s.vfs.Ls(ctx, root, fs.LsOptions{Output: fs.OutputOriginal, NodeLimit: 10000})
	if err != nil {
		return
	}
	for _, entry := range entries {
		if child, err := uri.Parse(entry.URI); err == nil {
			s.reenqueueSubtree(ctx, child)
		}
	}
}

// Relations returns a node's relation edges.
func (s *Service) Relations(ctx context.Context, target string) ([]fs.Relation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return nil, err
	}
	return s.vfs.Relations(ctx, u)
}

// Link adds relation edges.
func (s *Service) Link(ctx context.Context, from string, to []string, reason string) error {
	if err := s.ready(); err != nil {
		return err
	}
	src, err := uri.Parse(from)
	if err != nil {
		return err
	}
	targets := make([]uri.URI, 0, len(to))
	for _, t := range to {
		u, err := uri.Parse(t)
		if err != nil {
			return err
		}
		targets = append(targets, u)
	}
	return s.vfs.Link(ctx, src, targets, reason)
}

// Unlink removes a relation edge.
func (s *Service) Unlink(ctx context.Context, from, to string) error {
	if err := s.ready(); err != nil {
		return err
	}
	src, err := uri.Parse(from)
	if err != nil {
		return err
	}
	dst, err := uri.Parse(to)
	if err != nil {
		return err
	}
	return s.vfs.Unlink(ctx, src, dst)
}

// CreateSession allocates a session.
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.sessions.Create(ctx)
}

// ListSessions enumerates sessions.
func (s *Service) ListSessions(ctx context.Context) ([]session.Info, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.sessions.List(ctx)
}

// GetSession returns session info plus the live message log.
func (s *Service) GetSession(ctx context.Context, sessionID string) (session.Info, []session.Message, error) {
	if err := s.ready(); err != nil {
		return session.Info{}, nil, err
	}
	info, err := s.sessions.Describe(ctx, sessionID)
	if err != nil {
		return session.Info{}, nil, err
	}
	messages, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return session.Info{}, nil, err
	}
	return info, messages, nil
}

// DeleteSession removes a session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.sessions.Delete(ctx, sessionID)
}

// AddMessage appends a message to a session.
func (s *Service) AddMessage(ctx context.Context, sessionID string, role session.Role, parts []session.Part) (session.Message, error) {
	if err := s.ready(); err != nil {
		return session.Message{}, err
	}
	return s.sessions.AddMessage(ctx, sessionID, role, parts)
}

// UpdateToolPart mutates a tool part in place.
func (s *Service) UpdateToolPart(ctx context.Context, sessionID, messageID, toolID, output string, status session.ToolStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.sessions.UpdateToolPart(ctx, sessionID, messageID, toolID, output, status)
}

// SessionUsed records context/skill usage for a session.
func (s *Service) SessionUsed(ctx context.Context, sessionID string, contexts []string, skill string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.sessions.Used(ctx, sessionID, contexts, skill)
}

// CommitSession compresses, extracts memories, and truncates the log.
func (s *Service) CommitSession(ctx context.Context, sessionID string) (session.CommitResult, error) {
	if err := s.ready(); err != nil {
		return session.CommitResult{}, err
	}
	return s.sessions.Commit(ctx, sessionID)
}

// ExtractSession runs memory extraction without truncation.
func (s *Service) ExtractSession(ctx context.Context, sessionID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.sessions.Extract(ctx, sessionID)
}

// ExportPack writes a subtree to an .ovpack file.
func (s *Service) ExportPack(ctx context.Context, target, destPath string) (pack.Manifest, error) {
	if err := s.ready(); err != nil {
		return pack.Manifest{}, err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return pack.Manifest{}, err
	}
	return s.packs.Export(ctx, u, destPath)
}

// ImportPack extracts an .ovpack under a parent URI.
func (s *Service) ImportPack(ctx context.Context, packPath, parent string, force, vectorize bool) (pack.ImportResult, error) {
	if err := s.ready(); err != nil {
		return pack.ImportResult{}, err
	}
	parentURI, err := uri.Parse(parent)
	if err != nil {
		return pack.ImportResult{}, err
	}
	return s.packs.Import(ctx, packPath, parentURI, force, vectorize)
}

// SystemStatus is the /system/status and /observer/system payload.
type SystemStatus struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Queues        map[string]queue.Snapshot `json:"queues"`
	Records       int64                     `json:"records"`
	ActiveLocks   int                       `json:"active_locks"`
	Transactions  int                       `json:"transactions"`
	Embedder      string                    `json:"embedder"`
	VLM           string                    `json:"vlm"`
}

// Status reports overall system state.
func (s *Service) Status(ctx context.Context) (SystemStatus, error) {
	if err := s.ready(); err != nil {
		return SystemStatus{}, err
	}
	count, err := s.collection.Count(ctx)
	if err != nil {
		count = -1
	}
	return SystemStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Queues:        s.queues.Snapshots(),
		Records:       count,
		ActiveLocks:   s.vfs.Locks().ActiveCount(),
		Transactions:  len(s.vfs.Txns().Snapshot()),
		Embedder:      s.embedder.Model(),
		VLM:           s.model.Model(),
	}, nil
}

// ObserveQueues returns queue snapshots.
func (s *Service) ObserveQueues(ctx context.Context) (map[string]queue.Snapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queues.Snapshots(), nil
}

// VectorDBStatus is the /observer/vikingdb payload.
type VectorDBStatus struct {
	Records   int64            `json:"records"`
	Dimension int              `json:"dimension"`
	ByType    map[string]int64 `json:"by_type"`
}

// ObserveVectorDB reports collection statistics.
func (s *Service) ObserveVectorDB(ctx context.Context) (VectorDBStatus, error) {
	if err := s.ready(); err != nil {
		return VectorDBStatus{}, err
	}
	count, err := s.collection.Count(ctx)
	if err != nil {
		return VectorDBStatus{}, err
	}
	byType, err := s.collection.AggregateCount(ctx, nil, "context_type")
	if err != nil {
		return VectorDBStatus{}, err
	}
	return VectorDBStatus{
		Records:   count,
		Dimension: s.collection.Dimension(),
		ByType:    byType,
	}, nil
}

// VLMStatus is the /observer/vlm payload.
type VLMStatus struct {
	Model    string `json:"model"`
	Embedder string `json:"embedder"`
}

// ObserveVLM reports the configured model identifiers.
func (s *Service) ObserveVLM(ctx context.Context) (VLMStatus, error) {
	if err := s.ready(); err != nil {
		return VLMStatus{}, err
	}
	return VLMStatus{Model: s.model.Model(), Embedder: s.embedder.Model()}, nil
}

// ObserveTransactions lists in-flight transactions.
func (s *Service) ObserveTransactions(ctx context.Context) (any, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.vfs.Txns().Snapshot(), nil
}

// ComponentHealth is the /debug/health payload.
type ComponentHealth struct {
	Initialized bool `json:"initialized"`
	Backend     bool `json:"backend"`
	Collection  bool `json:"collection"`
	Queues      bool `json:"queues"`
}

// DebugHealth probes each component.
func (s *Service) DebugHealth(ctx context.Context) ComponentHealth {
	health := ComponentHealth{}
	s.mu.RLock()
	health.Initialized = s.initialized
	s.mu.RUnlock()
	if !health.Initialized {
		return health
	}
	if _, err := s.backend.Stat(ctx, string(uri.ScopeResources)); err == nil || !errs.IsNotFound(err) {
		health.Backend = err == nil
	}
	if _, err := s.collection.Count(ctx); err == nil {
		health.Collection = true
	}
	health.Queues = true
	return health
}
