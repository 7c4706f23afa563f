package parser

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/uri"
)

// RawParser ingests any text file (or inline string) as a single leaf
// node. It is the fallback when no extension-specific parser matches.
type RawParser struct {
	vfs *fs.VikingFS
}

// NewRawParser creates the fallback parser.
func NewRawParser(vfs *fs.VikingFS) *RawParser {
	return &RawParser{vfs: vfs}
}

// Name identifies the parser.
func (p *RawParser) Name() string { return "raw" }

// Extensions lists the text formats handled directly.
func (p *RawParser) Extensions() []string {
	return []string{".txt", ".log", ".json", ".yaml", ".yml", ".toml", ".csv"}
}

// Parse stages a file as one leaf node.
func (p *RawParser) Parse(ctx context.Context, source, instruction string) (*ParseResult, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "read source file", err)
	}
	if LooksBinary(data) {
		return nil, errs.Ef(errs.CodeProcessingError, "%s looks like binary content", source)
	}
	text, encodingName := DecodeText(data)
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return p.stage(ctx, text, name, source, strings.TrimPrefix(filepath.Ext(source), "."), encodingName)
}

// ParseContent stages an inline string as one leaf node.
func (p *RawParser) ParseContent(ctx context.Context, content, name, instruction string) (*ParseResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errs.Ef(errs.CodeProcessingError, "empty content")
	}
	return p.stage(ctx, content, name, "", "text", "utf-8")
}

func (p *RawParser) stage(ctx context.Context, text, name, sourcePath, format, encodingName string) (*ParseResult, error) {
	tempRoot, err := p.vfs.NewTempDir(ctx)
	if err != nil {
		return nil, err
	}
	root := &Node{
		Type:         NodeLeaf,
		Title:        name,
		AbstractSeed: firstLine(text, 256),
		Body:         text,
		Meta: map[string]any{
			"source_format": format,
			"encoding":      encodingName,
		},
	}
	if err := stageTree(ctx, p.vfs, tempRoot, root); err != nil {
		_ = p.vfs.DeleteTemp(ctx, tempRoot)
		return nil, err
	}
	return &ParseResult{
		Root:         root,
		TempDirURI:   tempRoot,
		SourcePath:   sourcePath,
		SourceFormat: format,
		SourceName:   uri.SanitizeName(name),
	}, nil
}
