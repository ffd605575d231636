package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/dispatch/pkg/models"
)

// ErrNoToolCall means no JSON object could be recovered from the text.
var ErrNoToolCall = errors.New("no tool call found in model output")

// rawCall tolerates the field-name variants models actually emit.
type rawCall struct {
	ToolID     string         `json:"tool_id"`
	Tool       string         `json:"tool"`
	ToolName   string         `json:"tool_name"`
	Action     string         `json:"action"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
	Params     map[string]any `json:"params"`
	Arguments  map[string]any `json:"arguments"`
	Thinking   string         `json:"thinking"`
}

// ExtractToolCall recovers a structured tool call from raw model output.
// It tries strict JSON first, then progressively repairs the common defects:
// markdown fences, prose around the object, trailing commas and single-quoted
// strings. Extraction never invents fields; a text with no recoverable
// object returns ErrNoToolCall.
func ExtractToolCall(text, taskID string) (models.ToolCall, error) {
	candidates := []string{strings.TrimSpace(text)}

	if fenced := extractFenced(text); fenced != "" {
		candidates = append([]string{fenced}, candidates...)
	}
	if obj := extractBalancedObject(text); obj != "" {
		candidates = append(candidates, obj)
	}

	for _, candidate := range candidates {
		if call, err := decodeCall(candidate, taskID); err == nil {
			return call, nil
		}
		repaired := repairJSON(candidate)
		if repaired != candidate {
			if call, err := decodeCall(repaired, taskID); err == nil {
				return call, nil
			}
		}
	}
	return models.ToolCall{}, ErrNoToolCall
}

func decodeCall(s, taskID string) (models.ToolCall, error) {
	var raw rawCall
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return models.ToolCall{}, err
	}

	call := models.ToolCall{
		ID:       uuid.NewString(),
		ToolID:   firstNonEmpty(raw.ToolID, raw.Tool, raw.ToolName),
		Action:   firstNonEmpty(raw.Action, raw.Operation),
		Thinking: raw.Thinking,
		TaskID:   taskID,
		IssuedAt: time.Now().UTC(),
	}
	switch {
	case raw.Parameters != nil:
		call.Parameters = raw.Parameters
	case raw.Params != nil:
		call.Parameters = raw.Params
	case raw.Arguments != nil:
		call.Parameters = raw.Arguments
	default:
		call.Parameters = map[string]any{}
	}

	if call.ToolID == "" || call.Action == "" {
		return models.ToolCall{}, fmt.Errorf("object is not a tool call")
	}
	return call, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ExtractJSONObject recovers a single JSON object from raw model output,
// applying the same repairs as ExtractToolCall but without interpreting the
// result as a tool call.
func ExtractJSONObject(text string) (map[string]any, error) {
	candidates := []string{strings.TrimSpace(text)}
	if fenced := extractFenced(text); fenced != "" {
		candidates = append([]string{fenced}, candidates...)
	}
	if obj := extractBalancedObject(text); obj != "" {
		candidates = append(candidates, obj)
	}

	for _, candidate := range candidates {
		for _, attempt := range []string{candidate, repairJSON(candidate)} {
			var out map[string]any
			if err := json.Unmarshal([]byte(attempt), &out); err == nil && out != nil {
				return out, nil
			}
		}
	}
	return nil, errors.New("no JSON object found in model output")
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)```")

func extractFenced(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// extractBalancedObject returns the first brace-balanced object in the text,
// respecting string literals and escapes.
func extractBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// repairJSON applies conservative fixes: trailing commas always, and
// single-quote conversion only when the text contains no double quotes at
// all, so quoted apostrophes are never corrupted.
func repairJSON(s string) string {
	out := trailingCommaPattern.ReplaceAllString(s, "$1")
	if !strings.ContainsRune(out, '"') && strings.ContainsRune(out, '\'') {
		out = strings.ReplaceAll(out, "'", `"`)
	}
	return out
}
