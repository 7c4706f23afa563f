// Package pack implements .ovpack subtree export and import: a zip
// archive of the subtree plus a manifest describing its nodes.
package pack

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"strings"
	"time"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/queue"
	"github.com/openviking/openviking/internal/uri"
)

// ManifestNode describes one node in the exported subtree.
type ManifestNode struct {
	URI     string `json:"uri"`
	RelPath string `json:"rel_path"`
	IsLeaf  bool   `json:"is_leaf"`
}

// Manifest is the top-level manifest.json of an .ovpack archive.
type Manifest struct {
	RootURI    string         `json:"root_uri"`
	ExportedAt time.Time      `json:"exported_at"`
	Nodes      []ManifestNode `json:"nodes"`
}

const manifestName = "manifest.json"

// Service implements pack export/import over VikingFS.
type Service struct {
	vfs    *fs.VikingFS
	queues *queue.Manager
	logger *observability.Logger
}

// NewService wires the pack service.
func NewService(vfs *fs.VikingFS, queues *queue.Manager, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{vfs: vfs, queues: queues, logger: logger}
}

// Export writes the subtree rooted at root into an .ovpack file at
// destPath on the local filesystem.
func (s *Service) Export(ctx context.Context, root uri.URI, destPath string) (Manifest, error) {
	if _, err := s.vfs.Stat(ctx, root); err != nil {
		return Manifest{}, err
	}
	manifest := Manifest{
		RootURI:    root.String(),
		ExportedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	backend := s.vfs.Backend()
	var walk func(u uri.URI, rel string) error
	walk = func(u uri.URI, rel string) error {
		entries, err := backend.List(ctx, fs.Path(u))
		if err != nil {
			return err
		}
		isNode := false
		isLeaf := false
		for _, entry := range entries {
			if entry.Name == fs.MetaFile {
				isNode = true
				if meta, err := s.vfs.Meta(ctx, u); err == nil {
					isLeaf = meta.IsLeaf
				}
			}
		}
		if isNode || rel == "" {
			manifest.Nodes = append(manifest.Nodes, ManifestNode{
				URI:     u.String(),
				RelPath: rel,
				IsLeaf:  isLeaf,
			})
		}
		for _, entry := range entries {
			childRel := entry.Name
			if rel != "" {
				childRel = rel + "/" + entry.Name
			}
			if entry.IsDir {
				if err := walk(u.Join(entry.Name), childRel); err != nil {
					return err
				}
				continue
			}
			data, err := backend.ReadBytes(ctx, path.Join(fs.Path(u), entry.Name))
			if err != nil {
				return err
			}
			w, err := zw.Create(childRel)
			if err != nil {
				return errs.E(errs.CodeInternal, "create zip entry", err)
			}
			if _, err := w.Write(data); err != nil {
				return errs.E(errs.CodeInternal, "write zip entry", err)
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return Manifest{}, err
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, errs.E(errs.CodeInternal, "encode manifest", err)
	}
	w, err := zw.Create(manifestName)
	if err != nil {
		return Manifest{}, errs.E(errs.CodeInternal, "create manifest entry", err)
	}
	if _, err := w.Write(manifestData); err != nil {
		return Manifest{}, errs.E(errs.CodeInternal, "write manifest", err)
	}
	if err := zw.Close(); err != nil {
		return Manifest{}, errs.E(errs.CodeInternal, "finish archive", err)
	}

	if err := os.WriteFile(destPath, buf.Bytes(), 0o644); err != nil {
		return Manifest{}, errs.E(errs.CodeInternal, "write pack file", err)
	}
	return manifest, nil
}

// ImportResult reports an import outcome.
type ImportResult struct {
	RootURI   string `json:"root_uri"`
	Nodes     int    `json:"nodes"`
	Files     int    `json:"files"`
	Enqueued int `json:"enqueued"`
	Manifest Manifest `json:"-"`
}

// Import extracts an .ovpack into a child of parent. The child name
// comes from the manifest root; unless force is set the unique-name
// resolver avoids collisions. With vectorize, every imported leaf is
// re-enqueued for embedding.
func (s *Service) Import(ctx context.Context, packPath string, parent uri.URI, force, vectorize bool) (ImportResult, error) {
	reader, err := zip.OpenReader(packPath)
	if err != nil {
		return ImportResult{}, errs.E(errs.CodeInvalidArgument, "open pack file", err)
	}
	defer reader.Close()

	var manifest Manifest
	manifestFound := false
	for _, file := range reader.File {
		if file.Name != manifestName {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return ImportResult{}, errs.E(errs.CodeInternal, "open manifest", err)
		}
		err = json.NewDecoder(rc).Decode(&manifest)
		rc.Close()
		if err != nil {
			return ImportResult{}, errs.E(errs.CodeInvalidArgument, "decode manifest", err)
		}
		manifestFound = true
		break
	}
	if !manifestFound {
		return ImportResult{}, errs.Ef(errs.CodeInvalidArgument, "%s is not an .ovpack: missing manifest.json", packPath)
	}
	rootURI, err := uri.Parse(manifest.RootURI)
	if err != nil {
		return ImportResult{}, err
	}

	target := parent.Join(rootURI.Name())
	if !force {
		resolved, err := s.vfs.ResolveUniqueURI(ctx, target)
		if err != nil {
			return ImportResult{}, err
		}
		target = resolved
	}

	backend := s.vfs.Backend()
	result := ImportResult{RootURI: target.String(), Manifest: manifest}
	for _, file := range reader.File {
		if file.Name == manifestName || file.FileInfo().IsDir() {
			continue
		}
		if reason := unsafePackEntry(file.Name); reason != "" {
			return ImportResult{}, errs.Ef(errs.CodeInvalidArgument, "unsafe pack entry %s: %s", file.Name, reason)
		}
		rc, err := file.Open()
		if err != nil {
			return ImportResult{}, errs.E(errs.CodeInternal, "open pack entry", err)
		}
		var data bytes.Buffer
		_, err = data.ReadFrom(rc)
		rc.Close()
		if err != nil {
			return ImportResult{}, errs.E(errs.CodeInternal, "read pack entry", err)
		}
		if err := backend.WriteBytes(ctx, path.Join(fs.Path(target), file.Name), data.Bytes()); err != nil {
			return ImportResult{}, err
		}
		result.Files++
	}
	result.Nodes = len(manifest.Nodes)

	// Rewrite node metadata for the new location.
	for _, node := range manifest.Nodes {
		nodeURI := target
		if node.RelPath != "" {
			nodeURI = target.Join(strings.Split(node.RelPath, "/")...)
		}
		meta, err := s.vfs.Meta(ctx, nodeURI)
		if err != nil {
			continue
		}
		meta.URI = nodeURI.String()
		if p, ok := nodeURI.Parent(); ok {
			meta.ParentURI = p.String()
		}
		meta.ContextType = string(nodeURI.ContextType())
		meta.Touch()
		if data, err := meta.Encode(); err == nil {
			_ = backend.WriteBytes(ctx, path.Join(fs.Path(nodeURI), fs.MetaFile), data)
		}

		if vectorize && meta.IsLeaf {
			text := meta.VectorizeText
			if text == "" {
				if abstract, err := s.vfs.Abstract(ctx, nodeURI); err == nil {
					text = abstract
				}
			}
			if text == "" {
				continue
			}
			if err := s.queues.EnqueueEmbedding(ctx, queue.EmbeddingMessage{
				URI:           nodeURI.String(),
				VectorizeText: text,
			}); err == nil {
				result.Enqueued++
			}
		}
	}
	return result, nil
}

func unsafePackEntry(name string) string {
	if strings.HasPrefix(name, "/") {
		return "absolute path"
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "path traversal"
		}
	}
	if len(name) >= 2 && name[1] == ':' {
		return "drive letter"
	}
	return ""
}
