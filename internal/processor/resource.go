// Package processor orchestrates ingestion: parse → finalize → enqueue
// embedding and overview generation.
package processor

import (
	"context"
	"strings"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/parser"
	"github.com/openviking/openviking/internal/queue"
	"github.com/openviking/openviking/internal/uri"
)

// ResourceRequest describes one ingest call.
type ResourceRequest struct {
	// Path is a file path, directory path, URL, or raw string content.
	Path string
	// Target optionally fixes the destination URI.
	Target string
	// Reason and Instruction are recorded in the root node's metadata;
	// Instruction is also passed to parsers.
	Reason      string
	Instruction string
	// Scope selects the destination scope (default resources).
	Scope string
}

// ResourceResult reports an ingest outcome.
type ResourceResult struct {
	Status  string   `json:"status"`
	RootURI string   `json:"root_uri,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Resource is the ingest orchestrator.
type Resource struct {
	vfs      *fs.VikingFS
	registry *parser.Registry
	queues   *queue.Manager
	logger   *observability.Logger
	metrics  *observability.MetricsCollector
}

// NewResource wires the ingest orchestrator.
func NewResource(vfs *fs.VikingFS, registry *parser.Registry, queues *queue.Manager,
	logger *observability.Logger, metrics *observability.MetricsCollector) *Resource {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Resource{vfs: vfs, registry: registry, queues: queues, logger: logger, metrics: metrics}
}

// Process ingests one resource end to end: dispatch to a parser,
// finalize the staged temp tree under a non-colliding URI, then enqueue
// embedding and overview work for every finalized node.
func (r *Resource) Process(ctx context.Context, req ResourceRequest) (ResourceResult, error) {
	result, err := r.registry.Dispatch(ctx, req.Path, req.Instruction)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ResourceErrors.Inc()
		}
		return ResourceResult{Status: "error", Errors: []string{err.Error()}}, err
	}

	target, err := r.targetURI(req, result)
	if err != nil {
		_ = r.vfs.DeleteTemp(ctx, result.TempDirURI)
		return ResourceResult{Status: "error", Errors: []string{err.Error()}}, err
	}

	finalized, err := r.vfs.FinalizeFromTemp(ctx, result.TempDirURI, target)
	if err != nil {
		_ = r.vfs.DeleteTemp(ctx, result.TempDirURI)
		if r.metrics != nil {
			r.metrics.ResourceErrors.Inc()
		}
		return ResourceResult{Status: "error", Errors: []string{err.Error()}}, err
	}

	r.annotateRoot(ctx, finalized.RootURI, req, result)

	warnings := append([]string{}, result.Warnings...)
	if err := r.enqueueSubtree(ctx, finalized.RootURI); err != nil {
		warnings = append(warnings, "enqueue: "+err.Error())
	}

	if r.metrics != nil {
		r.metrics.ResourcesIngested.Inc()
	}
	r.logger.InfoContext(ctx, "resource ingested",
		"root_uri", finalized.RootURI.String(),
		"source", result.SourcePath,
		"format", result.SourceFormat,
		"warnings", len(warnings))

	return ResourceResult{
		Status:  "success",
		RootURI: finalized.RootURI.String(),
		Errors:  warnings,
		Meta: map[string]any{
			"source_path":   result.SourcePath,
			"source_format": result.SourceFormat,
			"moved_files":   finalized.Moved,
		},
	}, nil
}

func (r *Resource) targetURI(req ResourceRequest, parsed *parser.ParseResult) (uri.URI, error) {
	if req.Target != "" {
		return uri.Parse(req.Target)
	}
	scope := uri.ScopeResources
	if req.Scope != "" {
		parsedScope := uri.Scope(req.Scope)
		found := false
		for _, s := range uri.Scopes {
			if s == parsedScope {
				found = true
			}
		}
		if !found {
			return uri.URI{}, errs.Ef(errs.CodeInvalidArgument, "unknown scope %q", req.Scope)
		}
		scope = parsedScope
	}
	name := parsed.SourceName
	if name == "" {
		name = "unnamed"
	}
	return uri.Root(scope).Join(name), nil
}

// annotateRoot records source provenance on the finalized root node.
func (r *Resource) annotateRoot(ctx context.Context, root uri.URI, req ResourceRequest, parsed *parser.ParseResult) {
	meta, err := r.vfs.Meta(ctx, root)
	if err != nil {
		return
	}
	if meta.Meta == nil {
		meta.Meta = make(map[string]any)
	}
	meta.Meta["source_path"] = parsed.SourcePath
	meta.Meta["source_format"] = parsed.SourceFormat
	if req.Reason != "" {
		meta.Meta["reason"] = req.Reason
	}
	if req.Instruction != "" {
		meta.Meta["instruction"] = req.Instruction
	}
	// Best-effort: provenance must not fail the ingest.
	data, err := meta.Encode()
	if err == nil {
		_ = r.vfs.Backend().WriteBytes(ctx, fs.Path(root)+"/"+fs.MetaFile, data)
	}
}

// enqueueSubtree walks the finalized tree: leaves get embedding
// messages (vectorize text = abstract), non-leaves with content get a
// semantic-processing message for their overview.
func (r *Resource) enqueueSubtree(ctx context.Context, root uri.URI) error {
	meta, err := r.vfs.Meta(ctx, root)
	if err != nil {
		return err
	}

	abstract, _ := r.vfs.Abstract(ctx, root)
	if meta.IsLeaf {
		text := meta.VectorizeText
		if text == "" {
			text = abstract
		}
		if text == "" {
			if content, err := r.vfs.Read(ctx, root); err == nil {
				text = parserAbstract(string(content))
			}
		}
		if text == "" {
			return nil
		}
		return r.queues.EnqueueEmbedding(ctx, queue.EmbeddingMessage{
			URI:           root.String(),
			VectorizeText: text,
		})
	}

	entries, err := r.vfs.Ls(ctx, root, fs.LsOptions{Output: fs.OutputAgent, AbsLimit: 200, NodeLimit: 10000})
	if err != nil {
		return err
	}
	var parts []string
	for _, entry := range entries {
		line := entry.Name
		if entry.Abstract != "" {
			line += ": " + entry.Abstract
		}
		parts = append(parts, line)
	}
	if len(parts) > 0 {
		if err := r.queues.EnqueueSemantic(ctx, queue.SemanticMessage{
			URI:     root.String(),
			Content: strings.Join(parts, "\n"),
			Target:  queue.TargetBoth,
		}); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		child, err := uri.Parse(entry.URI)
		if err != nil {
			continue
		}
		if err := r.enqueueSubtree(ctx, child); err != nil {
			r.logger.Warn("enqueue child", "uri", entry.URI, "error", err)
		}
	}
	return nil
}

// parserAbstract trims content to an abstract-sized seed.
func parserAbstract(content string) string {
	content = strings.TrimSpace(content)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			runes := []rune(line)
			if len(runes) > 256 {
				return string(runes[:256])
			}
			return line
		}
	}
	return ""
}
