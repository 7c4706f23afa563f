// Package backend provides the raw object-store adapters underneath
// VikingFS. Adapters expose a small blocking capability set; callers
// above are responsible for locking and concurrency.
package backend

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/openviking/openviking/internal/errs"
)

// Entry describes one child of a directory listing.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Info describes a single path.
type Info struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Backend is the raw object-store capability set. All methods are
// blocking; WriteBytes is atomic (complete or absent, never partial).
type Backend interface {
	// ReadBytes returns the full content at path.
	ReadBytes(ctx context.Context, path string) ([]byte, error)

	// WriteBytes atomically replaces the content at path.
	WriteBytes(ctx context.Context, path string, data []byte) error

	// Delete removes a file or an entire directory subtree.
	Delete(ctx context.Context, path string) error

	// List returns the direct children of a directory, non-recursive.
	List(ctx context.Context, path string) ([]Entry, error)

	// Stat describes path; fails NOT_FOUND when absent.
	Stat(ctx context.Context, path string) (Info, error)

	// Mkdir creates a directory and its parents. With existOK=false it
	// fails ALREADY_EXISTS when the directory is already present.
	Mkdir(ctx context.Context, path string, existOK bool) error

	// Move renames src to dst within the same backend.
	Move(ctx context.Context, src, dst string) error
}

var drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)

// ValidateRelPath rejects path traversal, absolute paths, and drive
// prefixes. Inputs are expected to be pre-sanitized by the filesystem
// layer; this is the adapter's single additional defence.
func ValidateRelPath(path string) error {
	if path == "" {
		return nil
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return errs.Ef(errs.CodeInvalidArgument, "absolute path not allowed: %q", path)
	}
	if drivePrefix.MatchString(path) {
		return errs.Ef(errs.CodeInvalidArgument, "drive prefix not allowed: %q", path)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(path, `\`, "/"), "/") {
		if seg == ".." {
			return errs.Ef(errs.CodeInvalidArgument, "path traversal not allowed: %q", path)
		}
	}
	return nil
}
