// Package session implements the append-only session message log,
// archive compression, and long-term memory extraction.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/uri"
)

// Role is a message author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates message part variants.
type PartType string

const (
	PartText       PartType = "text"
	PartContextRef PartType = "context_ref"
	PartTool       PartType = "tool"
)

// ToolStatus tracks a tool part's lifecycle.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Part is one tagged message fragment. Exactly the fields of its Type
// are meaningful; the decoder tolerates missing optional fields.
type Part struct {
	Type PartType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// context_ref
	URI         string `json:"uri,omitempty"`
	ContextType string `json:"context_type,omitempty"`
	Abstract    string `json:"abstract,omitempty"`

	// tool
	ToolID     string     `json:"tool_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolURI    string     `json:"tool_uri,omitempty"`
	SkillURI   string     `json:"skill_uri,omitempty"`
	ToolInput  any        `json:"tool_input,omitempty"`
	ToolOutput string     `json:"tool_output,omitempty"`
	ToolStatus ToolStatus `json:"tool_status,omitempty"`
}

// Message is one entry of the session log.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Info summarizes a session for listings.
type Info struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	ArchiveCount int       `json:"archive_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Service manages session logs under viking://session/<id>/.
type Service struct {
	vfs       *fs.VikingFS
	logger    *observability.Logger
	extractor *MemoryExtractor
}

// NewService wires the session service. extractor may be nil, which
// disables memory extraction on commit.
func NewService(vfs *fs.VikingFS, extractor *MemoryExtractor, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{vfs: vfs, logger: logger, extractor: extractor}
}

func sessionRoot(sessionID string) uri.URI {
	return uri.Root(uri.ScopeSession).Join(sessionID)
}

func messagesURI(sessionID string) uri.URI {
	return sessionRoot(sessionID).Join("messages.jsonl")
}

func usageURI(sessionID string) uri.URI {
	return sessionRoot(sessionID).Join(".usage.jsonl")
}

// Create allocates a new session and returns its id.
func (s *Service) Create(ctx context.Context) (string, error) {
	sessionID := uuid.NewString()
	if err := s.vfs.Mkdir(ctx, sessionRoot(sessionID), false); err != nil {
		return "", err
	}
	if err := s.vfs.WriteFile(ctx, messagesURI(sessionID), ""); err != nil {
		return "", err
	}
	return sessionID, nil
}

// List enumerates existing sessions.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	entries, err := s.vfs.Ls(ctx, uri.Root(uri.ScopeSession), fs.LsOptions{
		Output: fs.OutputOriginal, NodeLimit: 10000,
	})
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		info, err := s.Describe(ctx, entry.Name)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Describe summarizes one session; fails NOT_FOUND for unknown ids.
func (s *Service) Describe(ctx context.Context, sessionID string) (Info, error) {
	stat, err := s.vfs.Stat(ctx, sessionRoot(sessionID))
	if err != nil {
		return Info{}, err
	}
	messages, err := s.Load(ctx, sessionID)
	if err != nil {
		return Info{}, err
	}
	archives, _ := s.vfs.Ls(ctx, sessionRoot(sessionID).Join("archive"), fs.LsOptions{
		Output: fs.OutputOriginal, NodeLimit: 1000,
	})
	return Info{
		SessionID:    sessionID,
		MessageCount: len(messages),
		ArchiveCount: len(archives),
		CreatedAt:    stat.CreatedAt,
		UpdatedAt:    stat.UpdatedAt,
	}, nil
}

// Delete removes a session and everything under it.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	return s.vfs.Rm(ctx, sessionRoot(sessionID), true)
}

// AddMessage appends a message to the session log and returns it.
// Message order is the order of successful returns.
func (s *Service) AddMessage(ctx context.Context, sessionID string, role Role, parts []Part) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, errs.Ef(errs.CodeInvalidArgument, "unknown role %q", role)
	}
	if len(parts) == 0 {
		return Message{}, errs.Ef(errs.CodeInvalidArgument, "message requires at least one part")
	}
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, errs.E(errs.CodeInternal, "encode message", err)
	}

	lease, err := s.vfs.Locks().AcquireWrite(ctx, sessionRoot(sessionID).String())
	if err != nil {
		return Message{}, errs.E(errs.CodeDeadlineExceeded, "acquire session lock", err)
	}
	defer lease.Release()

	logPath := fs.Path(messagesURI(sessionID))
	existing, err := s.vfs.Backend().ReadBytes(ctx, logPath)
	if err != nil {
		if !errs.IsNotFound(err) {
			return Message{}, err
		}
		// Appending to an unknown session is a client error, not an
		// implicit create.
		if _, statErr := s.vfs.Stat(ctx, sessionRoot(sessionID)); statErr != nil {
			return Message{}, errs.Ef(errs.CodeNotFound, "session %s not found", sessionID)
		}
	}
	var buf bytes.Buffer
	buf.Write(existing)
	buf.Write(line)
	buf.WriteByte('\n')
	if err := s.vfs.Backend().WriteBytes(ctx, logPath, buf.Bytes()); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Load reads the full message log in append order. Undecodable lines
// are skipped.
func (s *Service) Load(ctx context.Context, sessionID string) ([]Message, error) {
	data, err := s.vfs.Backend().ReadBytes(ctx, fs.Path(messagesURI(sessionID)))
	if err != nil {
		if errs.IsNotFound(err) {
			if _, statErr := s.vfs.Stat(ctx, sessionRoot(sessionID)); statErr != nil {
				return nil, errs.Ef(errs.CodeNotFound, "session %s not found", sessionID)
			}
			return nil, nil
		}
		return nil, err
	}
	return decodeMessages(data), nil
}

func decodeMessages(data []byte) []Message {
	var messages []Message
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// UpdateToolPart mutates the matching tool part of a message and
// rewrites the log atomically.
func (s *Service) UpdateToolPart(ctx context.Context, sessionID, messageID, toolID, output string, status ToolStatus) error {
	lease, err := s.vfs.Locks().AcquireWrite(ctx, sessionRoot(sessionID).String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire session lock", err)
	}
	defer lease.Release()

	logPath := fs.Path(messagesURI(sessionID))
	data, err := s.vfs.Backend().ReadBytes(ctx, logPath)
	if err != nil {
		return err
	}
	messages := decodeMessages(data)

	found := false
	for mi := range messages {
		if messages[mi].ID != messageID {
			continue
		}
		for pi := range messages[mi].Parts {
			part := &messages[mi].Parts[pi]
			if part.Type == PartTool && part.ToolID == toolID {
				part.ToolOutput = output
				part.ToolStatus = status
				found = true
			}
		}
	}
	if !found {
		return errs.Ef(errs.CodeNotFound, "tool part %s not found in message %s", toolID, messageID)
	}
	return s.vfs.Backend().WriteBytes(ctx, logPath, encodeMessages(messages))
}

func encodeMessages(messages []Message) []byte {
	var buf bytes.Buffer
	for _, msg := range messages {
		line, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// UsageRecord is one line of the sibling .usage.jsonl file.
type UsageRecord struct {
	Contexts []string  `json:"contexts,omitempty"`
	Skill    string    `json:"skill,omitempty"`
	At       time.Time `json:"at"`
}

// Used appends a usage record and bumps active_count on every
// referenced node.
func (s *Service) Used(ctx context.Context, sessionID string, contexts []string, skill string) (int, error) {
	record := UsageRecord{
		Contexts: contexts,
		Skill:    skill,
		At:       time.Now().UTC(),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return 0, errs.E(errs.CodeInternal, "encode usage record", err)
	}

	lease, err := s.vfs.Locks().AcquireWrite(ctx, sessionRoot(sessionID).String())
	if err != nil {
		return 0, errs.E(errs.CodeDeadlineExceeded, "acquire session lock", err)
	}
	usagePath := fs.Path(usageURI(sessionID))
	existing, readErr := s.vfs.Backend().ReadBytes(ctx, usagePath)
	if readErr != nil && !errs.IsNotFound(readErr) {
		lease.Release()
		return 0, readErr
	}
	var buf bytes.Buffer
	buf.Write(existing)
	buf.Write(line)
	buf.WriteByte('\n')
	writeErr := s.vfs.Backend().WriteBytes(ctx, usagePath, buf.Bytes())
	lease.Release()
	if writeErr != nil {
		return 0, writeErr
	}

	updated := 0
	targets := append([]string{}, contexts...)
	if skill != "" {
		targets = append(targets, skill)
	}
	for _, target := range targets {
		u, err := uri.Parse(target)
		if err != nil {
			continue
		}
		if err := s.vfs.IncrementActive(ctx, u); err == nil {
			updated++
		}
	}
	return updated, nil
}

// renderTranscript flattens messages into prompt-sized text.
func renderTranscript(messages []Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText:
				sb.WriteString(part.Text)
			case PartContextRef:
				fmt.Fprintf(&sb, "[context %s]", part.URI)
			case PartTool:
				fmt.Fprintf(&sb, "[tool %s -> %s]", part.ToolName, part.ToolStatus)
			}
			sb.WriteString(" ")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
