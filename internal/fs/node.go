// Package fs implements VikingFS, the URI-addressed hierarchical
// filesystem over a pluggable object backend. Every context node is a
// backend directory carrying its L2 content file plus the L0/L1/meta
// sidecars; plain files (logs, journals) map directly to backend files.
package fs

import (
	"encoding/json"
	"time"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/uri"
	"github.com/openviking/openviking/internal/vectordb"
)

// Sidecar file names inside a node directory.
const (
	AbstractFile = ".abstract.md"
	OverviewFile = ".overview.md"
	MetaFile     = ".meta.json"

	// DefaultContentFile is used when a leaf does not declare its own
	// content filename.
	DefaultContentFile = "content.md"
)

// Relation is one edge in a node's related_uri list.
type Relation struct {
	URI    string `json:"uri"`
	Reason string `json:"reason,omitempty"`
}

// NodeMeta is the persisted .meta.json document: everything about a
// node that is not one of the three content levels.
type NodeMeta struct {
	URI             string         `json:"uri"`
	ParentURI       string         `json:"parent_uri,omitempty"`
	IsLeaf          bool           `json:"is_leaf"`
	ContextType     string         `json:"context_type"`
	Category        string         `json:"category,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ActiveCount     int64          `json:"active_count"`
	RelatedURI      []Relation     `json:"related_uri,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	User            *vectordb.User `json:"user,omitempty"`
	ContentFilename string         `json:"content_filename,omitempty"`
	VectorizeText   string         `json:"vectorize_text,omitempty"`
}

// NewNodeMeta builds the meta document for a fresh node at u.
func NewNodeMeta(u uri.URI, isLeaf bool) *NodeMeta {
	now := time.Now().UTC().Truncate(time.Millisecond)
	meta := &NodeMeta{
		URI:         u.String(),
		IsLeaf:      isLeaf,
		ContextType: string(u.ContextType()),
		Category:    u.Category(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parent, ok := u.Parent(); ok {
		meta.ParentURI = parent.String()
	}
	return meta
}

// Touch bumps updated_at, preserving the created_at ≤ updated_at
// invariant.
func (m *NodeMeta) Touch() {
	m.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
}

// Encode renders the meta document as stable, indented JSON.
func (m *NodeMeta) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errs.E(errs.CodeInternal, "encode node meta", err)
	}
	return data, nil
}

// DecodeNodeMeta parses a .meta.json document, tolerating missing
// optional fields.
func DecodeNodeMeta(data []byte) (*NodeMeta, error) {
	var m NodeMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.E(errs.CodeInternal, "decode node meta", err)
	}
	return &m, nil
}

// ContentFile returns the node's content filename.
func (m *NodeMeta) ContentFile() string {
	if m.ContentFilename != "" {
		return m.ContentFilename
	}
	return DefaultContentFile
}

// IsSidecar reports whether name is one of the node sidecar files.
func IsSidecar(name string) bool {
	return name == AbstractFile || name == OverviewFile || name == MetaFile
}
