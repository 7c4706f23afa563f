// Package uri implements the viking:// addressing scheme for contexts.
package uri

import (
	"regexp"
	"strings"

	"github.com/openviking/openviking/internal/errs"
)

// Scheme is the fixed URI scheme.
const Scheme = "viking"

// Scope is the top-level partition of the context tree.
type Scope string

const (
	ScopeResources Scope = "resources"
	ScopeUser      Scope = "user"
	ScopeAgent     Scope = "agent"
	ScopeSession   Scope = "session"
	ScopeQueue     Scope = "queue"
	ScopeTemp      Scope = "temp"
)

// Scopes lists every valid scope.
var Scopes = []Scope{ScopeResources, ScopeUser, ScopeAgent, ScopeSession, ScopeQueue, ScopeTemp}

// ContextType classifies a node by its URI prefix.
type ContextType string

const (
	TypeResource ContextType = "resource"
	TypeMemory   ContextType = "memory"
	TypeSkill    ContextType = "skill"
)

// URI is a parsed viking:// address. The zero value is invalid; use
// Parse or Join to construct one.
type URI struct {
	scope    Scope
	segments []string
}

var validScope = map[Scope]bool{
	ScopeResources: true,
	ScopeUser:      true,
	ScopeAgent:     true,
	ScopeSession:   true,
	ScopeQueue:     true,
	ScopeTemp:      true,
}

// Parse validates and normalizes a viking:// URI string.
func Parse(raw string) (URI, error) {
	const prefix = Scheme + "://"
	if !strings.HasPrefix(raw, prefix) {
		return URI{}, errs.Ef(errs.CodeInvalidURI, "uri must start with %s: %q", prefix, raw)
	}
	rest := strings.Trim(strings.TrimPrefix(raw, prefix), "/")
	if rest == "" {
		return URI{}, errs.Ef(errs.CodeInvalidURI, "uri has no scope: %q", raw)
	}
	parts := strings.Split(rest, "/")
	scope := Scope(parts[0])
	if !validScope[scope] {
		return URI{}, errs.Ef(errs.CodeInvalidURI, "unknown scope %q in %q", parts[0], raw)
	}
	segments := make([]string, 0, len(parts)-1)
	for _, seg := range parts[1:] {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return URI{}, errs.Ef(errs.CodeInvalidURI, "uri contains relative segment: %q", raw)
		}
		segments = append(segments, seg)
	}
	return URI{scope: scope, segments: segments}, nil
}

// MustParse parses raw and panics on error. For constants and tests.
func MustParse(raw string) URI {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Root returns the root URI of a scope.
func Root(scope Scope) URI {
	return URI{scope: scope}
}

// String renders the normalized form. Two URIs are equal iff their
// String results are byte-equal.
func (u URI) String() string {
	if len(u.segments) == 0 {
		return Scheme + "://" + string(u.scope)
	}
	return Scheme + "://" + string(u.scope) + "/" + strings.Join(u.segments, "/")
}

// Scope returns the top-level partition.
func (u URI) Scope() Scope { return u.scope }

// IsZero reports whether u is the invalid zero value.
func (u URI) IsZero() bool { return u.scope == "" }

// Path returns the slash-joined path below the scope (may be empty).
func (u URI) Path() string { return strings.Join(u.segments, "/") }

// Segments returns a copy of the path segments.
func (u URI) Segments() []string {
	out := make([]string, len(u.segments))
	copy(out, u.segments)
	return out
}

// Name returns the last path segment, or the scope for a root.
func (u URI) Name() string {
	if len(u.segments) == 0 {
		return string(u.scope)
	}
	return u.segments[len(u.segments)-1]
}

// IsRoot reports whether u addresses a scope root.
func (u URI) IsRoot() bool { return len(u.segments) == 0 }

// Parent returns the parent URI and false for a scope root.
func (u URI) Parent() (URI, bool) {
	if len(u.segments) == 0 {
		return URI{}, false
	}
	parent := URI{scope: u.scope, segments: u.segments[:len(u.segments)-1]}
	return parent, true
}

// Join appends path segments, sanitizing none of them. Segments must
// already be clean; use SanitizeName for user-supplied names.
func (u URI) Join(segments ...string) URI {
	joined := make([]string, 0, len(u.segments)+len(segments))
	joined = append(joined, u.segments...)
	for _, seg := range segments {
		for _, part := range strings.Split(seg, "/") {
			if part != "" {
				joined = append(joined, part)
			}
		}
	}
	return URI{scope: u.scope, segments: joined}
}

// Equal reports byte equality of the normalized forms.
func (u URI) Equal(other URI) bool { return u.String() == other.String() }

// HasPrefix reports whether u is other or a descendant of other.
func (u URI) HasPrefix(other URI) bool {
	if u.scope != other.scope {
		return false
	}
	if len(other.segments) > len(u.segments) {
		return false
	}
	for i, seg := range other.segments {
		if u.segments[i] != seg {
			return false
		}
	}
	return true
}

// Rebase rewrites u from the oldBase subtree into newBase. Fails if u is
// not under oldBase.
func (u URI) Rebase(oldBase, newBase URI) (URI, error) {
	if !u.HasPrefix(oldBase) {
		return URI{}, errs.Ef(errs.CodeInvalidURI, "%s is not under %s", u, oldBase)
	}
	rel := u.segments[len(oldBase.segments):]
	return newBase.Join(rel...), nil
}

// ContextType derives the node classification from the URI prefix.
// Memories live under <scope>/memories/; skills under agent/skills/;
// everything else is a resource.
func (u URI) ContextType() ContextType {
	if len(u.segments) > 0 && u.segments[0] == "memories" {
		return TypeMemory
	}
	if u.scope == ScopeAgent && len(u.segments) > 0 && u.segments[0] == "skills" {
		return TypeSkill
	}
	return TypeResource
}

// Category returns the free-form tag derived from the URI substructure:
// the segment after "memories" or "skills" when present, else "".
func (u URI) Category() string {
	for i, seg := range u.segments {
		if (seg == "memories" || seg == "skills") && i+1 < len(u.segments) {
			return u.segments[i+1]
		}
	}
	return ""
}

var (
	unsafeChars     = regexp.MustCompile(`[^\w\x{4e00}-\x{9fff}-]+`)
	unsafeFileChars = regexp.MustCompile(`[^\w.\x{4e00}-\x{9fff}-]+`)
	underscoreRun   = regexp.MustCompile(`_+`)
)

// SanitizeName converts a user-supplied name into a safe URI segment:
// any char outside [\w\x{4e00}-\x{9fff}-] becomes _, runs collapse,
// leading/trailing underscores are trimmed, and the result is capped at
// 50 chars. Empty results become "unnamed".
func SanitizeName(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if runes := []rune(s); len(runes) > 50 {
		s = strings.TrimRight(string(runes[:50]), "_")
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// SanitizeFileName is SanitizeName but keeps dots, so staged file names
// like README.md survive as URI segments. Leading dots are trimmed to
// keep the segment out of the hidden/sidecar namespace.
func SanitizeFileName(name string) string {
	s := unsafeFileChars.ReplaceAllString(name, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	s = strings.TrimLeft(s, ".")
	if runes := []rune(s); len(runes) > 50 {
		s = strings.TrimRight(string(runes[:50]), "_.")
	}
	if s == "" {
		return "unnamed"
	}
	return s
}
