package parser

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	vfspkg "github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/uri"
)

// maxParseFileSize caps individual files during a directory walk.
const maxParseFileSize = 10 << 20 // 10 MiB

// ignoredDirs are skipped entirely during traversal.
var ignoredDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	".idea":         true,
	".vscode":       true,
	"node_modules":  true,
	"vendor":        true,
	"dist":          true,
	"build":         true,
	"target":        true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".cache":        true,
}

// ignoredExtensions are binary and media formats never ingested.
var ignoredExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true,
	".o": true, ".bin": true, ".dat": true, ".db": true, ".sqlite": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".svg": true, ".webp": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".mkv": true,
	".wav": true, ".flac": true, ".ogg": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".xz": true,
	".7z": true, ".rar": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true,
	".pyc": true, ".class": true, ".jar": true, ".war": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// DirectoryParser walks a directory tree and stages every readable text
// file as a leaf, preserving the directory structure as sections.
// Per-file failures become warnings and never abort the walk.
type DirectoryParser struct {
	vfs      *vfspkg.VikingFS
	registry *Registry
}

// NewDirectoryParser creates the directory parser.
func NewDirectoryParser(vfs *vfspkg.VikingFS, registry *Registry) *DirectoryParser {
	return &DirectoryParser{vfs: vfs, registry: registry}
}

// Name identifies the parser.
func (p *DirectoryParser) Name() string { return "directory" }

// Extensions is empty: the parser is selected by source shape.
func (p *DirectoryParser) Extensions() []string { return nil }

// Parse walks root with the deterministic ignore list and stages one
// leaf per surviving file.
func (p *DirectoryParser) Parse(ctx context.Context, source, instruction string) (*ParseResult, error) {
	root, err := filepath.Abs(source)
	if err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, "resolve directory path", err)
	}

	tree := &Node{
		Type:  NodeRoot,
		Title: filepath.Base(root),
	}
	dirNodes := map[string]*Node{".": tree}
	var warnings []string
	fileCount := 0

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if walkErr != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", path, walkErr))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if ignoredDirs[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			node := &Node{Type: NodeSection, Title: name}
			parent := dirNodes[parentKey(rel)]
			parent.Children = append(parent.Children, node)
			dirNodes[rel] = node
			return nil
		}

		ext := strings.ToLower(filepath.Ext(name))
		if ignoredExtensions[ext] || strings.HasPrefix(name, ".") {
			warnings = append(warnings, "skipped: "+rel)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		if info.Size() > maxParseFileSize {
			warnings = append(warnings, fmt.Sprintf("skipped (too large): %s", rel))
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		if LooksBinary(data) {
			warnings = append(warnings, "skipped (binary): "+rel)
			return nil
		}
		text, _ := DecodeText(data)
		parent := dirNodes[parentKey(rel)]
		parent.Children = append(parent.Children, &Node{
			Type:         NodeLeaf,
			Title:        name,
			AbstractSeed: firstLine(text, 256),
			Body:         text,
			Meta:         map[string]any{"rel_path": rel},
		})
		fileCount++
		return nil
	})
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "walk directory", err)
	}
	if fileCount == 0 {
		return nil, errs.Ef(errs.CodeProcessingError, "no ingestable files under %s", source).
			WithDetails(map[string]any{"warnings": warnings})
	}
	pruneEmptySections(tree)

	tempRoot, err := p.vfs.NewTempDir(ctx)
	if err != nil {
		return nil, err
	}
	if err := stageTree(ctx, p.vfs, tempRoot, tree); err != nil {
		_ = p.vfs.DeleteTemp(ctx, tempRoot)
		return nil, err
	}
	return &ParseResult{
		Root:         tree,
		TempDirURI:   tempRoot,
		SourcePath:   root,
		SourceFormat: "directory",
		SourceName:   uri.SanitizeName(filepath.Base(root)),
		Warnings:     warnings,
		Meta:         map[string]any{"file_count": fileCount},
	}, nil
}

func parentKey(rel string) string {
	dir := filepath.ToSlash(filepath.Dir(rel))
	if dir == "" {
		return "."
	}
	return dir
}

// pruneEmptySections drops section nodes that ended up with no leaves
// anywhere beneath them.
func pruneEmptySections(n *Node) bool {
	kept := n.Children[:0]
	hasLeaf := n.Type == NodeLeaf
	for _, child := range n.Children {
		if pruneEmptySections(child) {
			kept = append(kept, child)
			hasLeaf = true
		}
	}
	n.Children = kept
	return hasLeaf
}
