package fs

import (
	"bufio"
	"bytes"
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/uri"
)

// grepFileSizeCap bounds how much of a single content file is scanned.
const grepFileSizeCap = 10 << 20 // 10 MiB

// GrepMatch is one matching line.
type GrepMatch struct {
	URI  string `json:"uri"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// GrepResult aggregates pattern matches over a subtree.
type GrepResult struct {
	Matches []GrepMatch `json:"matches"`
	Count   int         `json:"count"`
}

// GrepOptions configures Grep.
type GrepOptions struct {
	CaseInsensitive bool
	NodeLimit       int
	MaxMatches      int
}

// Grep scans the L2 content of u and its descendants for pattern.
// Pattern is treated as a regular expression; an invalid expression
// falls back to a literal search.
func (v *VikingFS) Grep(ctx context.Context, u uri.URI, pattern string, opts GrepOptions) (GrepResult, error) {
	if pattern == "" {
		return GrepResult{}, errs.Ef(errs.CodeInvalidArgument, "grep requires a pattern")
	}
	if opts.NodeLimit <= 0 {
		opts.NodeLimit = 500
	}
	if opts.MaxMatches <= 0 {
		opts.MaxMatches = 1000
	}

	expr := pattern
	if opts.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		expr = regexp.QuoteMeta(pattern)
		if opts.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re = regexp.MustCompile(expr)
	}

	lease, err := v.locks.AcquireRead(ctx, u.String())
	if err != nil {
		return GrepResult{}, errs.E(errs.CodeDeadlineExceeded, "acquire read lock", err)
	}
	defer lease.Release()

	result := GrepResult{}
	visited := 0
	err = v.walkContent(ctx, u, &visited, opts.NodeLimit, func(node uri.URI, content []byte) error {
		scanner := bufio.NewScanner(bytes.NewReader(content))
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if re.MatchString(text) {
				result.Matches = append(result.Matches, GrepMatch{
					URI:  node.String(),
					Line: line,
					Text: text,
				})
				result.Count++
				if result.Count >= opts.MaxMatches {
					return errStopWalk
				}
			}
		}
		return nil
	})
	if err != nil && err != errStopWalk {
		return GrepResult{}, err
	}
	return result, nil
}

var errStopWalk = errs.Ef(errs.CodeOK, "walk stopped")

// walkContent visits the content bytes of u (when it is a leaf or plain
// file) and of each descendant, bounded by nodeLimit nodes.
func (v *VikingFS) walkContent(ctx context.Context, u uri.URI, visited *int, nodeLimit int, fn func(uri.URI, []byte) error) error {
	if *visited >= nodeLimit {
		return nil
	}
	*visited++

	info, err := v.backend.Stat(ctx, Path(u))
	if err != nil {
		return err
	}
	if !info.IsDir {
		if info.Size > grepFileSizeCap {
			return nil
		}
		data, err := v.backend.ReadBytes(ctx, Path(u))
		if err != nil {
			return err
		}
		return fn(u, data)
	}

	meta, err := v.readMeta(ctx, u)
	if err != nil {
		return err
	}
	if meta != nil && meta.IsLeaf {
		contentPath := path.Join(Path(u), meta.ContentFile())
		if cinfo, err := v.backend.Stat(ctx, contentPath); err == nil && cinfo.Size <= grepFileSizeCap {
			data, err := v.backend.ReadBytes(ctx, contentPath)
			if err != nil {
				return err
			}
			if err := fn(u, data); err != nil {
				return err
			}
		}
	}
	entries, err := v.backend.List(ctx, Path(u))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir || strings.HasPrefix(entry.Name, ".") {
			continue
		}
		if err := v.walkContent(ctx, u.Join(entry.Name), visited, nodeLimit, fn); err != nil {
			return err
		}
	}
	return nil
}

// GlobResult lists URIs matched by a shell glob.
type GlobResult struct {
	Matches []string `json:"matches"`
	Count   int      `json:"count"`
}

// Glob matches pattern (*, ?, **) against node paths under root.
func (v *VikingFS) Glob(ctx context.Context, root uri.URI, pattern string) (GlobResult, error) {
	if pattern == "" {
		return GlobResult{}, errs.Ef(errs.CodeInvalidArgument, "glob requires a pattern")
	}
	if !doublestar.ValidatePattern(pattern) {
		return GlobResult{}, errs.Ef(errs.CodeInvalidArgument, "invalid glob pattern %q", pattern)
	}

	lease, err := v.locks.AcquireRead(ctx, root.String())
	if err != nil {
		return GlobResult{}, errs.E(errs.CodeDeadlineExceeded, "acquire read lock", err)
	}
	defer lease.Release()

	result := GlobResult{}
	var walk func(u uri.URI, rel string) error
	walk = func(u uri.URI, rel string) error {
		entries, err := v.backend.List(ctx, Path(u))
		if err != nil {
			if errs.IsNotFound(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name, ".") {
				continue
			}
			childRel := entry.Name
			if rel != "" {
				childRel = rel + "/" + entry.Name
			}
			child := u.Join(entry.Name)
			if ok, _ := doublestar.Match(pattern, childRel); ok {
				result.Matches = append(result.Matches, child.String())
				result.Count++
			}
			if entry.IsDir {
				if err := walk(child, childRel); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return GlobResult{}, err
	}
	return result, nil
}
