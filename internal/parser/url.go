package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/google/go-github/v45/github"
	"golang.org/x/net/html"
	"golang.org/x/oauth2"

	"github.com/openviking/openviking/internal/errs"
	vfspkg "github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/uri"
)

const (
	urlFetchTimeout = 30 * time.Second
	maxRedirects    = 10
	maxFetchSize    = 20 << 20 // 20 MiB
)

// URLParser ingests web resources: git repositories are cloned and
// walked as directories, GitHub file URLs are fetched through the API,
// and plain pages are fetched and reduced to text.
type URLParser struct {
	vfs      *vfspkg.VikingFS
	registry *Registry
	client   *http.Client
	github   *github.Client
}

// NewURLParser creates the URL parser. GITHUB_TOKEN, when present,
// authenticates API fetches.
func NewURLParser(vfs *vfspkg.VikingFS, registry *Registry) *URLParser {
	client := &http.Client{
		Timeout: urlFetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	gh := github.NewClient(nil)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		gh = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return &URLParser{vfs: vfs, registry: registry, client: client, github: gh}
}

// Name identifies the parser.
func (p *URLParser) Name() string { return "url" }

// Extensions is empty: the parser is selected by source shape.
func (p *URLParser) Extensions() []string { return nil }

// Parse dispatches by URL shape.
func (p *URLParser) Parse(ctx context.Context, source, instruction string) (*ParseResult, error) {
	parsed, err := url.Parse(source)
	if err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, "parse url", err)
	}
	if strings.HasSuffix(parsed.Path, ".git") {
		return p.parseGitRepo(ctx, source, instruction)
	}
	if parsed.Host == "github.com" {
		if owner, repo, ref, filePath, ok := splitGitHubBlobURL(parsed.Path); ok {
			return p.parseGitHubFile(ctx, owner, repo, ref, filePath, instruction)
		}
	}
	return p.parsePage(ctx, source, instruction)
}

// parseGitRepo clones the repository to a scratch directory and reuses
// the directory parser.
func (p *URLParser) parseGitRepo(ctx context.Context, source, instruction string) (*ParseResult, error) {
	scratch, err := os.MkdirTemp("", "openviking-git-")
	if err != nil {
		return nil, errs.E(errs.CodeInternal, "create clone directory", err)
	}
	defer os.RemoveAll(scratch)

	_, err = git.PlainCloneContext(ctx, scratch, false, &git.CloneOptions{
		URL:   source,
		Depth: 1,
	})
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "clone repository", err)
	}
	result, err := p.registry.dir.Parse(ctx, scratch, instruction)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(path.Base(source), ".git")
	result.SourcePath = source
	result.SourceFormat = "git"
	result.SourceName = uri.SanitizeName(name)
	result.Root.Title = name
	return result, nil
}

// splitGitHubBlobURL recognizes /owner/repo/blob/ref/path... URLs.
func splitGitHubBlobURL(urlPath string) (owner, repo, ref, filePath string, ok bool) {
	parts := strings.Split(strings.Trim(urlPath, "/"), "/")
	if len(parts) < 5 || (parts[2] != "blob" && parts[2] != "raw") {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[3], strings.Join(parts[4:], "/"), true
}

// parseGitHubFile fetches one file's content through the GitHub API.
func (p *URLParser) parseGitHubFile(ctx context.Context, owner, repo, ref, filePath, instruction string) (*ParseResult, error) {
	file, _, _, err := p.github.Repositories.GetContents(ctx, owner, repo, filePath,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "fetch github content", err)
	}
	if file == nil {
		return nil, errs.Ef(errs.CodeProcessingError, "%s/%s/%s is a directory; ingest the repository instead", owner, repo, filePath)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "decode github content", err)
	}
	name := strings.TrimSuffix(path.Base(filePath), path.Ext(filePath))
	result, err := p.registry.raw.ParseContent(ctx, content, name, instruction)
	if err != nil {
		return nil, err
	}
	result.SourcePath = fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", owner, repo, ref, filePath)
	result.SourceFormat = strings.TrimPrefix(path.Ext(filePath), ".")
	return result, nil
}

// parsePage fetches a URL and stages its text content. Known source-
// control hosts get their blob URLs rewritten to raw form first.
func (p *URLParser) parsePage(ctx context.Context, source, instruction string) (*ParseResult, error) {
	fetchURL := rewriteBlobURL(source)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, "build request", err)
	}
	req.Header.Set("User-Agent", "openviking/0.1")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "fetch url", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Ef(errs.CodeProcessingError, "fetch %s: status %d", fetchURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, errs.E(errs.CodeProcessingError, "read response", err)
	}

	contentType := resp.Header.Get("Content-Type")
	text, _ := DecodeText(body)
	format := "text"
	if strings.Contains(contentType, "text/html") || looksLikeHTML(text) {
		text = htmlToText(text)
		format = "html"
	}

	parsed, _ := url.Parse(source)
	name := path.Base(parsed.Path)
	if name == "" || name == "/" || name == "." {
		name = parsed.Host
	}
	name = strings.TrimSuffix(name, path.Ext(name))

	result, err := p.registry.raw.ParseContent(ctx, text, name, instruction)
	if err != nil {
		return nil, err
	}
	result.SourcePath = source
	result.SourceFormat = format
	return result, nil
}

// rewriteBlobURL converts source-control blob URLs to their raw file
// form so the fetch returns content instead of a viewer page.
func rewriteBlobURL(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return source
	}
	switch u.Host {
	case "github.com":
		if strings.Contains(u.Path, "/blob/") {
			u.Host = "raw.githubusercontent.com"
			u.Path = strings.Replace(u.Path, "/blob/", "/", 1)
			return u.String()
		}
	case "gitlab.com":
		if strings.Contains(u.Path, "/-/blob/") {
			u.Path = strings.Replace(u.Path, "/-/blob/", "/-/raw/", 1)
			return u.String()
		}
	}
	return source
}

func looksLikeHTML(text string) bool {
	head := strings.ToLower(text)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// htmlToText extracts visible text from an HTML document.
func htmlToText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return sb.String()
}
