package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/fs"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/queue"
	"github.com/openviking/openviking/internal/uri"
	"github.com/openviking/openviking/internal/vlm"
)

// SkillFrontmatter is the YAML header of a SKILL.md document.
type SkillFrontmatter struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	AllowedTools []string `yaml:"allowed-tools,omitempty" json:"allowed_tools,omitempty"`
	Tags         []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// SkillInput is the union of accepted skill sources: exactly one of
// Path (file or directory), Raw (SKILL.md text), or Data (structured
// skill or MCP tool schema) is set.
type SkillInput struct {
	Path string
	Raw  string
	Data map[string]any
}

// SkillResult reports where a skill landed.
type SkillResult struct {
	Status   string `json:"status"`
	SkillURI string `json:"skill_uri,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Skill ingests skills: parse frontmatter+body, generate the L1
// overview through the VLM, write the canonical files, and enqueue an
// embedding.
type Skill struct {
	vfs    *fs.VikingFS
	queues *queue.Manager
	model  vlm.VLM
	logger *observability.Logger
}

// NewSkill wires the skill processor.
func NewSkill(vfs *fs.VikingFS, queues *queue.Manager, model vlm.VLM, logger *observability.Logger) *Skill {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Skill{vfs: vfs, queues: queues, model: model, logger: logger}
}

const skillOverviewPrompt = `Summarize the following agent skill as a short
overview paragraph covering what it does, when to use it, and its inputs.

%s`

// Process ingests one skill.
func (s *Skill) Process(ctx context.Context, input SkillInput) (SkillResult, error) {
	doc, aux, err := s.load(input)
	if err != nil {
		return SkillResult{Status: "error"}, err
	}

	front, body, err := splitFrontmatter(doc)
	if err != nil {
		return SkillResult{Status: "error"}, err
	}
	if front.Name == "" {
		return SkillResult{Status: "error"}, errs.Ef(errs.CodeInvalidArgument, "skill frontmatter requires a name")
	}

	overview, err := s.model.Complete(ctx, fmt.Sprintf(skillOverviewPrompt, doc), vlm.Options{MaxTokens: 512})
	if err != nil {
		return SkillResult{Status: "error"}, errs.E(errs.CodeVLMFailed, "generate skill overview", err)
	}

	skillURI := uri.Root(uri.ScopeAgent).Join("skills", uri.SanitizeName(front.Name))
	abstract := front.Description
	if abstract == "" {
		abstract = parserAbstract(body)
	}
	if err := s.vfs.WriteContext(ctx, skillURI, []byte(doc), abstract, overview, "SKILL.md", true); err != nil {
		return SkillResult{Status: "error"}, err
	}

	meta, err := s.vfs.Meta(ctx, skillURI)
	if err == nil {
		if meta.Meta == nil {
			meta.Meta = make(map[string]any)
		}
		meta.Meta["name"] = front.Name
		meta.Meta["description"] = front.Description
		if len(front.AllowedTools) > 0 {
			meta.Meta["allowed_tools"] = front.AllowedTools
		}
		if len(front.Tags) > 0 {
			meta.Meta["tags"] = front.Tags
		}
		if data, err := meta.Encode(); err == nil {
			_ = s.vfs.Backend().WriteBytes(ctx, fs.Path(skillURI)+"/"+fs.MetaFile, data)
		}
	}

	// Copy auxiliary files preserving relative paths.
	for rel, data := range aux {
		if err := s.vfs.WriteFileBytes(ctx, skillURI.Join(rel), data); err != nil {
			s.logger.Warn("copy skill auxiliary file", "skill", front.Name, "file", rel, "error", err)
		}
	}

	if err := s.queues.EnqueueEmbedding(ctx, queue.EmbeddingMessage{
		URI:           skillURI.String(),
		VectorizeText: abstract,
	}); err != nil {
		return SkillResult{Status: "error"}, err
	}

	return SkillResult{Status: "success", SkillURI: skillURI.String(), Name: front.Name}, nil
}

// load resolves the input union into a SKILL.md document plus auxiliary
// files keyed by relative path.
func (s *Skill) load(input SkillInput) (string, map[string][]byte, error) {
	switch {
	case input.Raw != "":
		return input.Raw, nil, nil
	case input.Data != nil:
		doc, err := skillFromData(input.Data)
		return doc, nil, err
	case input.Path != "":
		info, err := os.Stat(input.Path)
		if err != nil {
			return "", nil, errs.E(errs.CodeInvalidArgument, "stat skill path", err)
		}
		if !info.IsDir() {
			data, err := os.ReadFile(input.Path)
			if err != nil {
				return "", nil, errs.E(errs.CodeProcessingError, "read skill file", err)
			}
			return string(data), nil, nil
		}
		skillPath := filepath.Join(input.Path, "SKILL.md")
		data, err := os.ReadFile(skillPath)
		if err != nil {
			return "", nil, errs.Ef(errs.CodeInvalidArgument, "skill directory %s has no SKILL.md", input.Path)
		}
		aux := make(map[string][]byte)
		_ = filepath.Walk(input.Path, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(input.Path, path)
			if relErr != nil || rel == "SKILL.md" || strings.HasPrefix(rel, ".") {
				return nil
			}
			if fi.Size() > maxSkillAuxSize {
				return nil
			}
			if content, readErr := os.ReadFile(path); readErr == nil {
				aux[filepath.ToSlash(rel)] = content
			}
			return nil
		})
		return string(data), aux, nil
	default:
		return "", nil, errs.Ef(errs.CodeInvalidArgument, "skill input requires a path, raw document, or data object")
	}
}

const maxSkillAuxSize = 5 << 20 // 5 MiB

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(doc string) (SkillFrontmatter, string, error) {
	var front SkillFrontmatter
	trimmed := strings.TrimLeft(doc, "\ufeff\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return front, doc, errs.Ef(errs.CodeInvalidArgument, "skill document has no YAML frontmatter")
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return front, doc, errs.Ef(errs.CodeInvalidArgument, "unterminated skill frontmatter")
	}
	header := rest[:end]
	body := strings.TrimPrefix(rest[end+4:], "\n")
	if err := yaml.Unmarshal([]byte(header), &front); err != nil {
		return front, doc, errs.E(errs.CodeInvalidArgument, "parse skill frontmatter", err)
	}
	return front, body, nil
}

// skillFromData renders a structured skill (or MCP tool schema) as a
// SKILL.md document. Dicts carrying inputSchema are treated as MCP
// tools and get a generated parameters section.
func skillFromData(data map[string]any) (string, error) {
	name, _ := data["name"].(string)
	if name == "" {
		return "", errs.Ef(errs.CodeInvalidArgument, "skill data requires a name")
	}
	description, _ := data["description"].(string)

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.WriteString("name: " + name + "\n")
	if description != "" {
		sb.WriteString("description: " + strings.ReplaceAll(description, "\n", " ") + "\n")
	}
	if tags, ok := data["tags"].([]any); ok && len(tags) > 0 {
		sb.WriteString("tags:\n")
		for _, tag := range tags {
			sb.WriteString(fmt.Sprintf("  - %v\n", tag))
		}
	}
	sb.WriteString("---\n\n")
	sb.WriteString("# " + name + "\n\n")
	if description != "" {
		sb.WriteString(description + "\n")
	}

	if schema, ok := data["inputSchema"].(map[string]any); ok {
		sb.WriteString("\n## Parameters\n\n")
		required := map[string]bool{}
		if reqs, ok := schema["required"].([]any); ok {
			for _, r := range reqs {
				if s, ok := r.(string); ok {
					required[s] = true
				}
			}
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			names := make([]string, 0, len(props))
			for prop := range props {
				names = append(names, prop)
			}
			sort.Strings(names)
			for _, prop := range names {
				detail, _ := props[prop].(map[string]any)
				typ, _ := detail["type"].(string)
				desc, _ := detail["description"].(string)
				marker := ""
				if required[prop] {
					marker = " (required)"
				}
				sb.WriteString(fmt.Sprintf("- `%s` (%s)%s: %s\n", prop, typ, marker, desc))
			}
		}
	} else if body, ok := data["body"].(string); ok {
		sb.WriteString("\n" + body + "\n")
	}
	return sb.String(), nil
}

