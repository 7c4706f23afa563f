// Package server is the HTTP transport: a thin request-to-service
// adapter rendering every response as the standard JSON envelope.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/processor"
	"github.com/openviking/openviking/internal/retrieve"
	"github.com/openviking/openviking/internal/service"
	"github.com/openviking/openviking/internal/session"
	"github.com/openviking/openviking/internal/vectordb"
)

// Envelope is the uniform response shape.
type Envelope struct {
	Status string         `json:"status"`
	Result any            `json:"result,omitempty"`
	Error  *EnvelopeError `json:"error,omitempty"`
	Time   string         `json:"time"`
	Usage  any            `json:"usage,omitempty"`
}

// EnvelopeError is the error payload of an envelope.
type EnvelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	env.Time = time.Now().UTC().Format(time.RFC3339Nano)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, Envelope{Status: "ok", Result: result})
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	writeJSON(w, errs.HTTPStatus(code), Envelope{
		Status: "error",
		Error: &EnvelopeError{
			Code:    string(code),
			Message: errs.MessageOf(err),
			Details: errs.DetailsOf(err),
		},
	})
}

// Server is the HTTP adapter over the service facade.
type Server struct {
	svc  *service.Service
	auth *authenticator
	mux  *http.ServeMux
}

// New builds the route table.
func New(svc *service.Service) *Server {
	s := &Server{
		svc:  svc,
		auth: newAuthenticator(svc.Config()),
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	cfg := s.svc.Config()
	if cfg.RateLimit.Enabled {
		handler = newRateLimiter(cfg.RateLimit, s.svc.Logger()).middleware(handler)
	}
	handler = corsMiddleware(handler)
	handler = securityHeaders(handler)
	handler = recoverMiddleware(s.svc.Logger(), handler)
	return handler
}

// guard wraps an API handler with authentication and the request
// deadline.
func (s *Server) guard(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.authenticate(r); err != nil {
			writeError(w, err)
			return
		}
		ctx, cancel := contextWithRequestDeadline(r)
		defer cancel()
		fn(w, r.WithContext(ctx))
	}
}

func contextWithRequestDeadline(r *http.Request) (context.Context, context.CancelFunc) {
	// GET and DELETE get the short default; POST calls may carry queue
	// waits and get the long one.
	timeout := service.DefaultTimeout
	if r.Method == http.MethodPost {
		timeout = service.DefaultWaitTimeout
	}
	if v := r.URL.Query().Get("timeout"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (s *Server) routes() {
	mux := s.mux

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Envelope{Status: "ok"})
	})
	if s.svc.Config().Server.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	mux.HandleFunc("GET /api/v1/system/status", s.guard(s.handleStatus))
	mux.HandleFunc("POST /api/v1/system/wait", s.guard(s.handleWait))

	mux.HandleFunc("POST /api/v1/resources", s.guard(s.handleAddResource))
	mux.HandleFunc("POST /api/v1/skills", s.guard(s.handleAddSkill))

	mux.HandleFunc("GET /api/v1/fs/ls", s.guard(s.handleLs(false)))
	mux.HandleFunc("GET /api/v1/fs/tree", s.guard(s.handleLs(true)))
	mux.HandleFunc("GET /api/v1/fs/stat", s.guard(s.handleStat))
	mux.HandleFunc("POST /api/v1/fs/mkdir", s.guard(s.handleMkdir))
	mux.HandleFunc("DELETE /api/v1/fs", s.guard(s.handleRm))
	mux.HandleFunc("POST /api/v1/fs/mv", s.guard(s.handleMv))

	mux.HandleFunc("GET /api/v1/content/read", s.guard(s.handleContent(contentRead)))
	mux.HandleFunc("GET /api/v1/content/abstract", s.guard(s.handleContent(contentAbstract)))
	mux.HandleFunc("GET /api/v1/content/overview", s.guard(s.handleContent(contentOverview)))

	mux.HandleFunc("POST /api/v1/search/find", s.guard(s.handleFind))
	mux.HandleFunc("POST /api/v1/search/search", s.guard(s.handleSearch))
	mux.HandleFunc("POST /api/v1/search/grep", s.guard(s.handleGrep))
	mux.HandleFunc("POST /api/v1/search/glob", s.guard(s.handleGlob))

	mux.HandleFunc("GET /api/v1/relations", s.guard(s.handleRelations))
	mux.HandleFunc("POST /api/v1/relations/link", s.guard(s.handleLink))
	mux.HandleFunc("DELETE /api/v1/relations/link", s.guard(s.handleUnlink))

	mux.HandleFunc("POST /api/v1/sessions", s.guard(s.handleCreateSession))
	mux.HandleFunc("GET /api/v1/sessions", s.guard(s.handleListSessions))
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.guard(s.handleGetSession))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.guard(s.handleDeleteSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/commit", s.guard(s.handleCommitSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/extract", s.guard(s.handleExtractSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.guard(s.handleAddMessage))
	mux.HandleFunc("POST /api/v1/sessions/{id}/used", s.guard(s.handleSessionUsed))

	mux.HandleFunc("POST /api/v1/pack/export", s.guard(s.handlePackExport))
	mux.HandleFunc("POST /api/v1/pack/import", s.guard(s.handlePackImport))

	mux.HandleFunc("GET /api/v1/observer/queue", s.guard(s.handleObserveQueue))
	mux.HandleFunc("GET /api/v1/observer/vikingdb", s.guard(s.handleObserveVectorDB))
	mux.HandleFunc("GET /api/v1/observer/vlm", s.guard(s.handleObserveVLM))
	mux.HandleFunc("GET /api/v1/observer/transaction", s.guard(s.handleObserveTxn))
	mux.HandleFunc("GET /api/v1/observer/system", s.guard(s.handleStatus))
	mux.HandleFunc("GET /api/v1/debug/health", s.guard(s.handleDebugHealth))
}

func decodeBody[T any](r *http.Request) (T, error) {
	var body T
	if r.Body == nil {
		return body, errs.Ef(errs.CodeInvalidArgument, "request body required")
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, errs.E(errs.CodeInvalidArgument, "decode request body", err)
	}
	return body, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, status)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	body, _ := decodeBody[struct {
		Timeout int `json:"timeout"`
	}](r)
	statuses, err := s.svc.WaitProcessed(r.Context(), time.Duration(body.Timeout)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, statuses)
}

func (s *Server) handleAddResource(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[service.AddResourceRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	if req.Wait && req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}
	result, err := s.svc.AddResource(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleAddSkill(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		Data    any  `json:"data"`
		Wait    bool `json:"wait"`
		Timeout int  `json:"timeout"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	input := processor.SkillInput{}
	switch data := body.Data.(type) {
	case string:
		if _, statErr := os.Stat(data); statErr == nil {
			input.Path = data
		} else {
			input.Raw = data
		}
	case map[string]any:
		input.Data = data
	default:
		writeError(w, errs.Ef(errs.CodeInvalidArgument, "skill data must be a string or object"))
		return
	}
	result, err := s.svc.AddSkill(r.Context(), input, body.Wait, time.Duration(body.Timeout)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleLs(recursive bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := fs.DefaultLsOptions()
		opts.Recursive = recursive || q.Get("recursive") == "true"
		opts.Simple = q.Get("simple") == "true"
		opts.ShowHidden = q.Get("show_all_hidden") == "true"
		if v := q.Get("output"); v != "" {
			opts.Output = fs.OutputMode(v)
		}
		if v, err := strconv.Atoi(q.Get("abs_limit")); err == nil && v > 0 {
			opts.AbsLimit = v
		}
		if v, err := strconv.Atoi(q.Get("node_limit")); err == nil && v > 0 {
			opts.NodeLimit = v
		}
		entries, err := s.svc.Ls(r.Context(), q.Get("uri"), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, map[string]any{"entries": entries, "count": len(entries)})
	}
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Stat(r.Context(), r.URL.Query().Get("uri"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, info)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		URI string `json:"uri"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Mkdir(r.Context(), body.URI); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"uri": body.URI})
}

func (s *Server) handleRm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.svc.Rm(r.Context(), q.Get("uri"), q.Get("recursive") == "true"); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"removed": q.Get("uri")})
}

func (s *Server) handleMv(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		FromURI string `json:"from_uri"`
		ToURI   string `json:"to_uri"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Mv(r.Context(), body.FromURI, body.ToURI); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"from_uri": body.FromURI, "to_uri": body.ToURI})
}

type contentKind int

const (
	contentRead contentKind = iota
	contentAbstract
	contentOverview
)

func (s *Server) handleContent(kind contentKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("uri")
		var (
			text string
			err  error
		)
		switch kind {
		case contentRead:
			var data []byte
			data, err = s.svc.Read(r.Context(), target)
			text = string(data)
		case contentAbstract:
			text, err = s.svc.Abstract(r.Context(), target)
		case contentOverview:
			text, err = s.svc.Overview(r.Context(), target)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, map[string]any{"uri": target, "content": text})
	}
}

type searchBody struct {
	Query          string           `json:"query"`
	TargetURI      string           `json:"target_uri,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	ScoreThreshold float32          `json:"score_threshold,omitempty"`
	Filter         *vectordb.Filter `json:"filter,omitempty"`
	Session        string           `json:"session,omitempty"`
	Message        string           `json:"message,omitempty"`
}

func (b searchBody) options() retrieve.Options {
	return retrieve.Options{
		TargetURI:      b.TargetURI,
		Limit:          b.Limit,
		ScoreThreshold: b.ScoreThreshold,
		Filter:         b.Filter,
		SessionID:      b.Session,
		CurrentMessage: b.Message,
	}
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[searchBody](r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.Find(r.Context(), body.Query, body.options())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[searchBody](r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.Search(r.Context(), body.Query, body.options())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleGrep(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		URI             string `json:"uri"`
		Pattern         string `json:"pattern"`
		CaseInsensitive bool   `json:"case_insensitive"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.Grep(r.Context(), body.URI, body.Pattern, body.CaseInsensitive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleGlob(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		Pattern string `json:"pattern"`
		URI     string `json:"uri"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.Glob(r.Context(), body.URI, body.Pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleRelations(w http.ResponseWriter, r *http.Request) {
	relations, err := s.svc.Relations(r.Context(), r.URL.Query().Get("uri"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"relations": relations})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		FromURI string   `json:"from_uri"`
		ToURIs  []string `json:"to_uris"`
		Reason  string   `json:"reason"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Link(r.Context(), body.FromURI, body.ToURIs, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"linked": len(body.ToURIs)})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		FromURI string `json:"from_uri"`
		ToURI   string `json:"to_uri"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Unlink(r.Context(), body.FromURI, body.ToURI); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"unlinked": body.ToURI})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.svc.CreateSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"session_id": sessionID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, messages, err := s.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"session": info, "messages": messages})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"deleted": r.PathValue("id")})
}

func (s *Server) handleCommitSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.CommitSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleExtractSession(w http.ResponseWriter, r *http.Request) {
	extracted, err := s.svc.ExtractSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"memories_extracted": extracted})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		Role    string         `json:"role"`
		Content string         `json:"content"`
		Parts   []session.Part `json:"parts"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	parts := body.Parts
	if len(parts) == 0 && body.Content != "" {
		parts = []session.Part{{Type: session.PartText, Text: body.Content}}
	}
	msg, err := s.svc.AddMessage(r.Context(), r.PathValue("id"), session.Role(body.Role), parts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, msg)
}

func (s *Server) handleSessionUsed(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		Contexts []string `json:"contexts"`
		Skill    string   `json:"skill"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.svc.SessionUsed(r.Context(), r.PathValue("id"), body.Contexts, body.Skill)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"active_count_updated": updated})
}

func (s *Server) handlePackExport(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		URI string `json:"uri"`
		To  string `json:"to"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	manifest, err := s.svc.ExportPack(r.Context(), body.URI, body.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, manifest)
}

func (s *Server) handlePackImport(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[struct {
		FilePath  string `json:"file_path"`
		Parent    string `json:"parent"`
		Force     bool   `json:"force"`
		Vectorize bool   `json:"vectorize"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.ImportPack(r.Context(), body.FilePath, body.Parent, body.Force, body.Vectorize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleObserveQueue(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.svc.ObserveQueues(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, snapshots)
}

func (s *Server) handleObserveVectorDB(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.ObserveVectorDB(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, status)
}

func (s *Server) handleObserveVLM(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.ObserveVLM(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, status)
}

func (s *Server) handleObserveTxn(w http.ResponseWriter, r *http.Request) {
	txns, err := s.svc.ObserveTransactions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]any{"transactions": txns})
}

func (s *Server) handleDebugHealth(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.svc.DebugHealth(r.Context()))
}

// ListenAndServe runs the server until it stops; a closed server
// returns nil, any other failure an error.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute, // wait_processed can block long
	}
	s.svc.Logger().Info("http server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
