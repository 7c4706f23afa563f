// Package client is the HTTP client for an OpenViking server, consumed
// by the CLI and by embedding programs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is a server-side failure decoded from the response envelope.
type APIError struct {
	Code    string
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ConnectionError wraps transport-level failures (refused, timeout).
type ConnectionError struct {
	cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("CONNECTION_ERROR: %v", e.cause)
}

// Unwrap exposes the cause.
func (e *ConnectionError) Unwrap() error { return e.cause }

// Client talks to one OpenViking server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client. apiKey may be empty for local-dev servers.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 11 * time.Minute // outlive server-side wait deadlines
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// do performs one request and decodes the envelope into out (which may
// be nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{cause: err}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &ConnectionError{cause: fmt.Errorf("invalid response: %w", err)}
	}
	if env.Status != "ok" {
		apiErr := &APIError{Code: "INTERNAL", Message: "unknown error"}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Health checks the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// Status fetches /api/v1/system/status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/system/status", nil, nil, &out)
	return out, err
}

// Wait blocks until the server queues drain.
func (c *Client) Wait(ctx context.Context, timeoutSecs int) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/system/wait", nil,
		map[string]any{"timeout": timeoutSecs}, &out)
	return out, err
}

// AddResourceRequest mirrors the server's ingest body.
type AddResourceRequest struct {
	Path        string `json:"path"`
	Target      string `json:"target,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Wait        bool   `json:"wait,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
}

// AddResource ingests a resource.
func (c *Client) AddResource(ctx context.Context, req AddResourceRequest) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/resources", nil, req, &out)
	return out, err
}

// AddSkill ingests a skill from a path, raw document, or object.
func (c *Client) AddSkill(ctx context.Context, data any, wait bool) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/skills", nil,
		map[string]any{"data": data, "wait": wait}, &out)
	return out, err
}

// Ls lists a directory.
func (c *Client) Ls(ctx context.Context, target string, recursive bool) (map[string]any, error) {
	q := url.Values{"uri": {target}}
	if recursive {
		q.Set("recursive", "true")
	}
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/fs/ls", q, nil, &out)
	return out, err
}

// Tree lists a subtree.
func (c *Client) Tree(ctx context.Context, target string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/fs/tree", url.Values{"uri": {target}}, nil, &out)
	return out, err
}

// Stat describes a node.
func (c *Client) Stat(ctx context.Context, target string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/fs/stat", url.Values{"uri": {target}}, nil, &out)
	return out, err
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, target string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/fs/mkdir", nil, map[string]any{"uri": target}, nil)
}

// Rm deletes a node.
func (c *Client) Rm(ctx context.Context, target string, recursive bool) error {
	q := url.Values{"uri": {target}, "recursive": {strconv.FormatBool(recursive)}}
	return c.do(ctx, http.MethodDelete, "/api/v1/fs", q, nil, nil)
}

// Mv renames a node.
func (c *Client) Mv(ctx context.Context, from, to string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/fs/mv", nil,
		map[string]any{"from_uri": from, "to_uri": to}, nil)
}

// Read fetches L2 content.
func (c *Client) Read(ctx context.Context, target string) (string, error) {
	return c.content(ctx, "read", target)
}

// Abstract fetches L0 content.
func (c *Client) Abstract(ctx context.Context, target string) (string, error) {
	return c.content(ctx, "abstract", target)
}

// Overview fetches L1 content.
func (c *Client) Overview(ctx context.Context, target string) (string, error) {
	return c.content(ctx, "overview", target)
}

func (c *Client) content(ctx context.Context, kind, target string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/content/"+kind, url.Values{"uri": {target}}, nil, &out)
	return out.Content, err
}

// Find runs the shallow retrieval path.
func (c *Client) Find(ctx context.Context, query, target string, limit int) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/search/find", nil, map[string]any{
		"query": query, "target_uri": target, "limit": limit,
	}, &out)
	return out, err
}

// Search runs the session-aware retrieval path.
func (c *Client) Search(ctx context.Context, query, target, sessionID string, limit int) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/search/search", nil, map[string]any{
		"query": query, "target_uri": target, "session": sessionID, "limit": limit,
	}, &out)
	return out, err
}

// Grep scans content under a subtree.
func (c *Client) Grep(ctx context.Context, target, pattern string, caseInsensitive bool) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/search/grep", nil, map[string]any{
		"uri": target, "pattern": pattern, "case_insensitive": caseInsensitive,
	}, &out)
	return out, err
}

// Glob matches URI names.
func (c *Client) Glob(ctx context.Context, root, pattern string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/search/glob", nil, map[string]any{
		"uri": root, "pattern": pattern,
	}, &out)
	return out, err
}

// Relations fetches relation edges.
func (c *Client) Relations(ctx context.Context, target string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/relations", url.Values{"uri": {target}}, nil, &out)
	return out, err
}

// Link adds relation edges.
func (c *Client) Link(ctx context.Context, from string, to []string, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/relations/link", nil, map[string]any{
		"from_uri": from, "to_uris": to, "reason": reason,
	}, nil)
}

// Unlink removes a relation edge.
func (c *Client) Unlink(ctx context.Context, from, to string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/relations/link", nil, map[string]any{
		"from_uri": from, "to_uri": to,
	}, nil)
}

// CreateSession allocates a session.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", nil, map[string]any{}, &out)
	return out.SessionID, err
}

// ListSessions enumerates sessions.
func (c *Client) ListSessions(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &out)
	return out, err
}

// GetSession fetches one session with its messages.
func (c *Client) GetSession(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID, nil, nil, &out)
	return out, err
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, nil, nil)
}

// AddMessage appends a text message to a session.
func (c *Client) AddMessage(ctx context.Context, sessionID, role, content string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages", nil,
		map[string]any{"role": role, "content": content}, &out)
	return out, err
}

// CommitSession compresses and archives a session.
func (c *Client) CommitSession(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/commit", nil, map[string]any{}, &out)
	return out, err
}

// ExtractSession runs memory extraction without truncation.
func (c *Client) ExtractSession(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/extract", nil, map[string]any{}, &out)
	return out, err
}

// ExportPack writes a subtree to an .ovpack file on the server host.
func (c *Client) ExportPack(ctx context.Context, target, to string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/pack/export", nil,
		map[string]any{"uri": target, "to": to}, &out)
	return out, err
}

// ImportPack extracts an .ovpack on the server host.
func (c *Client) ImportPack(ctx context.Context, filePath, parent string, force, vectorize bool) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/pack/import", nil, map[string]any{
		"file_path": filePath, "parent": parent, "force": force, "vectorize": vectorize,
	}, &out)
	return out, err
}

// Observe fetches one observer endpoint (queue, vikingdb, vlm,
// transaction, system).
func (c *Client) Observe(ctx context.Context, what string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/observer/"+what, nil, nil, &out)
	return out, err
}

// DebugHealth fetches component-level health.
func (c *Client) DebugHealth(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/debug/health", nil, nil, &out)
	return out, err
}
