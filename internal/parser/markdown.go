package parser

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/uri"
)

// MarkdownParser splits a markdown document into a section tree: the
// document is the root, top-level headings become child leaves carrying
// their section bodies.
type MarkdownParser struct {
	vfs *fs.VikingFS
	md  goldmark.Markdown
}

// NewMarkdownParser creates the markdown parser.
func NewMarkdownParser(vfs *fs.VikingFS) *MarkdownParser {
	return &MarkdownParser{vfs: vfs, md: goldmark.New()}
}

// Name identifies the parser.
func (p *MarkdownParser) Name() string { return "markdown" }

// Extensions lists the markdown formats.
func (p *MarkdownParser) Extensions() []string {
	return []string{".md", ".markdown", ".mdx"}
}

// section is one heading-delimited slice of the document.
type section struct {
	title string
	level int
	start int
	end   int
}

// Parse stages the document as a root node with one leaf per section.
// Documents without headings become a single leaf.
func (p *MarkdownParser) Parse(ctx context.Context, source, instruction string) (*ParseResult, error) {
	raw, err := os.ReadFile(source)
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "read markdown file", err)
	}
	content, encodingName := DecodeText(raw)
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))

	root, warnings := p.buildTree([]byte(content), name)

	tempRoot, err := p.vfs.NewTempDir(ctx)
	if err != nil {
		return nil, err
	}
	if err := stageTree(ctx, p.vfs, tempRoot, root); err != nil {
		_ = p.vfs.DeleteTemp(ctx, tempRoot)
		return nil, err
	}
	return &ParseResult{
		Root:         root,
		TempDirURI:   tempRoot,
		SourcePath:   source,
		SourceFormat: "markdown",
		SourceName:   uri.SanitizeName(name),
		Warnings:     warnings,
		Meta:         map[string]any{"encoding": encodingName},
	}, nil
}

// buildTree splits src on level-1/2 headings.
func (p *MarkdownParser) buildTree(src []byte, fallbackTitle string) (*Node, []string) {
	doc := p.md.Parser().Parse(text.NewReader(src))

	var sections []section
	docTitle := fallbackTitle
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level > 2 {
			continue
		}
		title := string(heading.Text(src))
		lines := heading.Lines()
		if lines.Len() == 0 {
			continue
		}
		start := lines.At(0).Start
		// Back up to the "#" markers at the start of the heading line.
		for start > 0 && src[start-1] != '\n' {
			start--
		}
		if heading.Level == 1 && docTitle == fallbackTitle {
			docTitle = title
		}
		sections = append(sections, section{title: title, level: heading.Level, start: start})
	}
	for i := range sections {
		if i+1 < len(sections) {
			sections[i].end = sections[i+1].start
		} else {
			sections[i].end = len(src)
		}
	}

	full := string(src)
	if len(sections) <= 1 {
		return &Node{
			Type:         NodeLeaf,
			Title:        docTitle,
			AbstractSeed: firstLine(full, 256),
			Body:         full,
			Meta:         map[string]any{"content_filename": "content.md"},
		}, nil
	}

	root := &Node{
		Type:         NodeRoot,
		Title:        docTitle,
		AbstractSeed: firstLine(full, 256),
	}
	var warnings []string
	// Preamble before the first heading stays with the root as a leaf.
	if preamble := strings.TrimSpace(full[:sections[0].start]); preamble != "" {
		root.Children = append(root.Children, &Node{
			Type:         NodeLeaf,
			Title:        "preamble",
			AbstractSeed: firstLine(preamble, 256),
			Body:         preamble,
			Meta:         map[string]any{"content_filename": "content.md"},
		})
	}
	for _, s := range sections {
		body := strings.TrimSpace(full[s.start:s.end])
		if body == "" {
			warnings = append(warnings, "empty section: "+s.title)
			continue
		}
		root.Children = append(root.Children, &Node{
			Type:         NodeLeaf,
			Title:        s.title,
			AbstractSeed: firstLine(body, 256),
			Body:         body,
			Meta:         map[string]any{"content_filename": "content.md", "heading_level": s.level},
		})
	}
	return root, warnings
}
