package parser

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openviking/openviking/internal/errs"
	vfspkg "github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/uri"
)

var driveLetter = regexp.MustCompile(`^[A-Za-z]:`)

// ArchiveParser extracts zip archives to a scratch directory and hands
// the result to the directory parser. Extraction applies Zip-Slip
// protection: entries with traversal segments, absolute paths, drive
// letters, or symlink mode bits are rejected.
type ArchiveParser struct {
	vfs      *vfspkg.VikingFS
	registry *Registry
}

// NewArchiveParser creates the zip parser.
func NewArchiveParser(vfs *vfspkg.VikingFS, registry *Registry) *ArchiveParser {
	return &ArchiveParser{vfs: vfs, registry: registry}
}

// Name identifies the parser.
func (p *ArchiveParser) Name() string { return "archive" }

// Extensions lists the archive formats handled.
func (p *ArchiveParser) Extensions() []string { return []string{".zip"} }

// Parse extracts the archive and stages its contents as a directory.
func (p *ArchiveParser) Parse(ctx context.Context, source, instruction string) (*ParseResult, error) {
	scratch, err := os.MkdirTemp("", "openviking-zip-")
	if err != nil {
		return nil, errs.E(errs.CodeInternal, "create extraction directory", err)
	}
	defer os.RemoveAll(scratch)

	warnings, err := extractZip(source, scratch)
	if err != nil {
		return nil, err
	}

	result, err := p.registry.dir.Parse(ctx, scratch, instruction)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	result.SourcePath = source
	result.SourceFormat = "zip"
	// The directory parser derived its name from the scratch dir; use
	// the archive's own basename instead.
	result.SourceName = uri.SanitizeName(name)
	result.Root.Title = name
	result.Warnings = append(warnings, result.Warnings...)
	return result, nil
}

// extractZip unpacks archive into dest, skipping unsafe entries.
func extractZip(archive, dest string) ([]string, error) {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "open zip archive", err)
	}
	defer reader.Close()

	var warnings []string
	for _, file := range reader.File {
		if reason := unsafeZipEntry(file); reason != "" {
			warnings = append(warnings, fmt.Sprintf("rejected %s: %s", file.Name, reason))
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(file.Name))
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return warnings, errs.E(errs.CodeInternal, "extract directory", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return warnings, errs.E(errs.CodeInternal, "extract directory", err)
		}
		if err := extractZipFile(file, target); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", file.Name, err))
		}
	}
	return warnings, nil
}

func unsafeZipEntry(file *zip.File) string {
	name := file.Name
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "absolute path"
	}
	if driveLetter.MatchString(name) {
		return "drive letter"
	}
	for _, seg := range strings.Split(strings.ReplaceAll(name, `\`, "/"), "/") {
		if seg == ".." {
			return "path traversal"
		}
	}
	if file.Mode()&os.ModeSymlink != 0 {
		return "symlink"
	}
	return ""
}

func extractZipFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()
	// Cap decompressed size to the directory parser's per-file limit.
	_, err = io.Copy(dst, io.LimitReader(src, maxParseFileSize+1))
	return err
}
