// Package parser turns heterogeneous sources (files, directories, URLs,
// raw strings, archives) into staged context trees under viking://temp,
// ready for VikingFS finalize.
package parser

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/uri"
)

// NodeType discriminates the staged tree variants.
type NodeType string

const (
	NodeRoot    NodeType = "root"
	NodeSection NodeType = "section"
	NodeLeaf    NodeType = "leaf"
)

// Node is one element of a parsed tree. Body carries the L2 content for
// leaves; AbstractSeed is the parser's best guess at an L0.
type Node struct {
	Type         NodeType
	Title        string
	AbstractSeed string
	Body         string
	Children     []*Node
	Meta         map[string]any
}

// ParseResult is a parser's output: a staged tree already written under
// a fresh temp subtree.
type ParseResult struct {
	Root         *Node
	TempDirURI   uri.URI
	SourcePath   string
	SourceFormat string
	// SourceName is the sanitized name the resource takes when the
	// caller supplies no target.
	SourceName string
	Warnings   []string
	Meta       map[string]any
}

// Parser converts one source kind into a staged tree.
type Parser interface {
	// Name identifies the parser in logs and result metadata.
	Name() string

	// Extensions lists the file extensions this parser handles, lower-
	// case with dot. Empty for parsers selected by source shape.
	Extensions() []string

	// Parse stages the source under a fresh temp subtree.
	Parse(ctx context.Context, source, instruction string) (*ParseResult, error)
}

// Registry dispatches sources to parsers: URLs to the URL parser,
// directories to the directory parser, files by extension, and
// everything else to the raw-content parser.
type Registry struct {
	byExt map[string]Parser
	url   *URLParser
	dir   *DirectoryParser
	raw   *RawParser
}

// NewRegistry wires the default parser family over vfs.
func NewRegistry(vfs *fs.VikingFS) *Registry {
	r := &Registry{byExt: make(map[string]Parser)}
	r.raw = NewRawParser(vfs)
	r.dir = NewDirectoryParser(vfs, r)
	r.url = NewURLParser(vfs, r)
	r.Register(NewMarkdownParser(vfs))
	r.Register(NewArchiveParser(vfs, r))
	r.Register(r.raw)
	return r
}

// Register adds a parser for each of its extensions.
func (r *Registry) Register(p Parser) {
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// ForExtension returns the parser registered for ext, or the raw parser.
func (r *Registry) ForExtension(ext string) Parser {
	if p, ok := r.byExt[strings.ToLower(ext)]; ok {
		return p
	}
	return r.raw
}

// IsURL reports whether source looks like a fetchable URL.
func IsURL(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// Dispatch parses source with the appropriate parser. Non-existent
// local paths are treated as raw string content.
func (r *Registry) Dispatch(ctx context.Context, source, instruction string) (*ParseResult, error) {
	if source == "" {
		return nil, errs.Ef(errs.CodeInvalidArgument, "empty source")
	}
	if IsURL(source) {
		return r.url.Parse(ctx, source, instruction)
	}
	info, err := os.Stat(source)
	if err != nil {
		// Not a path: ingest the string itself.
		return r.raw.ParseContent(ctx, source, "inline", instruction)
	}
	if info.IsDir() {
		return r.dir.Parse(ctx, source, instruction)
	}
	return r.ForExtension(filepath.Ext(source)).Parse(ctx, source, instruction)
}

// stageTree writes a parsed tree into tempRoot as the four-file node
// bundles FinalizeFromTemp expects. The root node's sidecars land in
// tempRoot itself; children become subdirectories.
func stageTree(ctx context.Context, vfs *fs.VikingFS, tempRoot uri.URI, root *Node) error {
	var write func(u uri.URI, n *Node) error
	write = func(u uri.URI, n *Node) error {
		isLeaf := n.Type == NodeLeaf
		var content []byte
		if isLeaf {
			content = []byte(n.Body)
		}
		contentName := ""
		if name, ok := n.Meta["content_filename"].(string); ok {
			contentName = name
		}
		if err := vfs.WriteContext(ctx, u, content, n.AbstractSeed, "", contentName, isLeaf); err != nil {
			return err
		}
		used := make(map[string]int)
		for _, child := range n.Children {
			name := uri.SanitizeFileName(child.Title)
			if count := used[name]; count > 0 {
				name = name + "_" + strconv.Itoa(count)
			}
			used[name]++
			if err := write(u.Join(name), child); err != nil {
				return err
			}
		}
		return nil
	}
	return write(tempRoot, root)
}

// firstLine extracts a short abstract seed from body text.
func firstLine(body string, limit int) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			runes := []rune(line)
			if len(runes) > limit {
				return string(runes[:limit])
			}
			return line
		}
	}
	return ""
}
