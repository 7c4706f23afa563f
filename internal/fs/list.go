package fs

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/uri"
)

// OutputMode selects the listing shape.
type OutputMode string

const (
	// OutputAgent includes truncated abstracts for agent consumption.
	OutputAgent OutputMode = "agent"
	// OutputOriginal returns plain filesystem entries.
	OutputOriginal OutputMode = "original"
)

// LsOptions configures Ls and Tree.
type LsOptions struct {
	Recursive  bool
	Output     OutputMode
	AbsLimit   int
	ShowHidden bool
	NodeLimit  int
	// Simple keeps only URI, IsDir and Depth of each entry; the other
	// fields are zeroed.
	Simple bool
}

// DefaultLsOptions mirror the HTTP defaults.
func DefaultLsOptions() LsOptions {
	return LsOptions{
		Output:    OutputAgent,
		AbsLimit:  120,
		NodeLimit: 500,
	}
}

// LsEntry is one row of a listing.
type LsEntry struct {
	Name     string    `json:"name"`
	URI      string    `json:"uri"`
	IsDir    bool      `json:"is_dir"`
	Abstract string    `json:"abstract,omitempty"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Depth    int       `json:"depth,omitempty"`
}

// Ls lists the children of u. With Recursive it traverses pre-order up
// to NodeLimit total entries.
func (v *VikingFS) Ls(ctx context.Context, u uri.URI, opts LsOptions) ([]LsEntry, error) {
	if opts.NodeLimit <= 0 {
		opts.NodeLimit = DefaultLsOptions().NodeLimit
	}
	if opts.AbsLimit <= 0 {
		opts.AbsLimit = DefaultLsOptions().AbsLimit
	}

	lease, err := v.locks.AcquireRead(ctx, u.String())
	if err != nil {
		return nil, errs.E(errs.CodeDeadlineExceeded, "acquire read lock", err)
	}
	defer lease.Release()

	info, err := v.backend.Stat(ctx, Path(u))
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		return nil, errs.Ef(errs.CodeFailedPrecondition, "%s is not a directory", u)
	}

	var entries []LsEntry
	if err := v.list(ctx, u, opts, 0, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Tree is Ls with recursion forced on.
func (v *VikingFS) Tree(ctx context.Context, u uri.URI, opts LsOptions) ([]LsEntry, error) {
	opts.Recursive = true
	return v.Ls(ctx, u, opts)
}

func (v *VikingFS) list(ctx context.Context, u uri.URI, opts LsOptions, depth int, out *[]LsEntry) error {
	if len(*out) >= opts.NodeLimit {
		return nil
	}
	raw, err := v.backend.List(ctx, Path(u))
	if err != nil {
		return err
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Name < raw[j].Name })

	for _, entry := range raw {
		if len(*out) >= opts.NodeLimit {
			return nil
		}
		hidden := len(entry.Name) > 0 && entry.Name[0] == '.'
		if hidden && !opts.ShowHidden {
			continue
		}
		child := u.Join(entry.Name)
		row := LsEntry{
			Name:    entry.Name,
			URI:     child.String(),
			IsDir:   entry.IsDir,
			Size:    entry.Size,
			ModTime: entry.ModTime,
			Depth:   depth,
		}
		isLeafNode := false
		if entry.IsDir {
			if meta, err := v.readMeta(ctx, child); err == nil && meta != nil {
				isLeafNode = meta.IsLeaf
				row.IsDir = !meta.IsLeaf
				if meta.IsLeaf {
					if info, err := v.backend.Stat(ctx, path.Join(Path(child), meta.ContentFile())); err == nil {
						row.Size = info.Size
					}
				}
			}
			if opts.Output == OutputAgent && !opts.Simple {
				if abstract, err := v.Abstract(ctx, child); err == nil {
					row.Abstract = truncate(abstract, opts.AbsLimit)
				}
			}
		}
		if opts.Simple {
			row = LsEntry{URI: row.URI, IsDir: row.IsDir, Depth: depth}
		}
		*out = append(*out, row)

		// Leaf node directories hold only the content file and sidecars;
		// recursion stops at the node.
		if opts.Recursive && entry.IsDir && !isLeafNode {
			if err := v.list(ctx, child, opts, depth+1, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
