package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/dispatch/internal/registry"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// coerce converts a value toward the declared type when the conversion is
// unambiguous, e.g. "5" for an integer parameter. Returns the (possibly
// converted) value and whether a conversion happened.
func coerce(value any, t registry.ParamType) (any, bool, error) {
	switch t {
	case registry.TypeString:
		switch v := value.(type) {
		case string:
			return v, false, nil
		case float64, int, int64, bool:
			return fmt.Sprintf("%v", v), true, nil
		}
		return nil, false, fmt.Errorf("expected string, got %T", value)

	case registry.TypeInteger:
		switch v := value.(type) {
		case int:
			return v, false, nil
		case int64:
			return int(v), true, nil
		case float64:
			if v == float64(int(v)) {
				return int(v), true, nil
			}
			return nil, false, fmt.Errorf("expected integer, got %v", v)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true, nil
			}
			return nil, false, fmt.Errorf("expected integer, got %q", v)
		}
		return nil, false, fmt.Errorf("expected integer, got %T", value)

	case registry.TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, false, nil
		case int:
			return float64(v), true, nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true, nil
			}
			return nil, false, fmt.Errorf("expected number, got %q", v)
		}
		return nil, false, fmt.Errorf("expected number, got %T", value)

	case registry.TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, false, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, true, nil
			}
			return nil, false, fmt.Errorf("expected boolean, got %q", v)
		}
		return nil, false, fmt.Errorf("expected boolean, got %T", value)

	case registry.TypeArray:
		if _, ok := value.([]any); ok {
			return value, false, nil
		}
		// A scalar for an array parameter is wrapped, a common LLM slip.
		return []any{value}, true, nil

	case registry.TypeObject:
		if _, ok := value.(map[string]any); ok {
			return value, false, nil
		}
		return nil, false, fmt.Errorf("expected object, got %T", value)
	}
	return value, false, nil
}

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
	codeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n(.*?)```")
	quotedPattern    = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
)

// urlKeywordDefaults maps site mentions to a canonical URL when no literal
// URL appears anywhere in the context. Ordered so matching is deterministic.
var urlKeywordDefaults = []struct {
	keyword string
	url     string
}{
	{"google", "https://www.google.com/search"},
	{"github", "https://github.com/search"},
	{"wikipedia", "https://en.wikipedia.org/wiki/Special:Search"},
}

// ordinalWords maps ordinal mentions to zero-based indices.
var ordinalWords = []struct {
	word  string
	index int
}{
	{"first", 0},
	{"second", 1},
	{"third", 2},
	{"fourth", 3},
	{"fifth", 4},
}

// maxTextCompletion bounds the task-description fallback for text params.
const maxTextCompletion = 200

// autoComplete derives a missing required parameter from the call's thinking
// text or the task description. The heuristics are per-parameter-name; a
// parameter no heuristic covers stays missing.
func autoComplete(name string, spec registry.ParamSpec, call *models.ToolCall, task *models.Task) (any, bool) {
	thinking := strings.TrimSpace(call.Thinking)
	taskDesc := ""
	if task != nil {
		taskDesc = strings.TrimSpace(task.Description)
	}

	switch name {
	case "question", "query", "task_description":
		if thinking != "" {
			return thinking, true
		}
		if taskDesc != "" {
			return taskDesc, true
		}

	case "code", "script":
		if m := codeFencePattern.FindStringSubmatch(thinking); m != nil {
			return strings.TrimSpace(m[1]), true
		}
		// No fence anywhere: synthesize a stub carrying the task context
		// as a comment so the sandbox has something well-formed to run.
		if taskDesc != "" {
			return "# " + taskDesc, true
		}
		if thinking != "" {
			return "# " + thinking, true
		}

	case "url", "link":
		if m := urlPattern.FindString(thinking); m != "" {
			return m, true
		}
		if m := urlPattern.FindString(taskDesc); m != "" {
			return m, true
		}
		lower := strings.ToLower(thinking + " " + taskDesc)
		for _, kd := range urlKeywordDefaults {
			if strings.Contains(lower, kd.keyword) {
				return kd.url, true
			}
		}

	case "text":
		if q, ok := quotedSubstring(thinking); ok {
			return q, true
		}
		if q, ok := quotedSubstring(taskDesc); ok {
			return q, true
		}
		if thinking != "" {
			return thinking, true
		}
		if taskDesc != "" {
			return truncateText(taskDesc, maxTextCompletion), true
		}

	case "index":
		if spec.Type == registry.TypeInteger {
			if n, ok := ordinalIndex(thinking); ok {
				return n, true
			}
			if n, ok := ordinalIndex(taskDesc); ok {
				return n, true
			}
			return 0, true
		}
	}
	return nil, false
}

// quotedSubstring extracts the first single- or double-quoted run.
func quotedSubstring(s string) (string, bool) {
	m := quotedPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}

// ordinalIndex maps the earliest ordinal mention to its index.
func ordinalIndex(text string) (int, bool) {
	lower := strings.ToLower(text)
	best, bestPos := 0, -1
	for _, ow := range ordinalWords {
		if pos := strings.Index(lower, ow.word); pos >= 0 && (bestPos == -1 || pos < bestPos) {
			best, bestPos = ow.index, pos
		}
	}
	return best, bestPos >= 0
}

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
