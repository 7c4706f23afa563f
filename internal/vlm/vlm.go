// Package vlm provides the pluggable language-completion interface used
// for overview generation, memory extraction, and intent analysis.
package vlm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/openviking/openviking/internal/errs"
)

// Options tunes a single completion request.
type Options struct {
	MaxTokens   int
	Temperature float64
	System      string
}

// VLM is the language-completion contract. Implementations own their
// retry and rate-limit behavior; callers see exceeded quotas as
// RESOURCE_EXHAUSTED and other failures as VLM_FAILED.
type VLM interface {
	// Complete returns the model's text completion for prompt.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)

	// Model returns the identifier of the completion model.
	Model() string
}

// CompleteJSON runs a completion and decodes the response into v,
// repairing common model formatting faults along the way. Returns
// VLM_FAILED when no repair stage yields valid JSON.
func CompleteJSON(ctx context.Context, model VLM, prompt string, opts Options, v any) error {
	raw, err := model.Complete(ctx, prompt, opts)
	if err != nil {
		return err
	}
	data, ok := RepairJSON(raw)
	if !ok {
		return errs.Ef(errs.CodeVLMFailed, "model response is not valid JSON")
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return errs.E(errs.CodeVLMFailed, "decode model response", err)
	}
	return nil
}

var (
	codeFence   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	firstObject = regexp.MustCompile(`(?s)[{\[].*[}\]]`)
	// Unquoted object keys: {key: → {"key":
	bareKey = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// RepairJSON attempts to recover a JSON document from a model response:
// direct parse, code-fence stripping, first-object extraction, then a
// quote-repair pass. Returns the recovered document and whether any
// stage succeeded.
func RepairJSON(raw string) (string, bool) {
	candidates := []string{strings.TrimSpace(raw)}

	if m := codeFence.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := firstObject.FindString(raw); m != "" {
		candidates = append(candidates, strings.TrimSpace(m))
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
		repaired := repairQuotes(candidate)
		if json.Valid([]byte(repaired)) {
			return repaired, true
		}
	}
	return "", false
}

// repairQuotes fixes the two most common faults: single-quoted strings
// and unquoted object keys.
func repairQuotes(s string) string {
	s = bareKey.ReplaceAllString(s, `$1"$2":`)
	if strings.Count(s, `'`)%2 == 0 && !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, `'`, `"`)
	}
	return s
}
