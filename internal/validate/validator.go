// Package validate enforces tool-call contracts before dispatch: alias
// normalization, tool and action resolution, required-parameter checks with
// auto-completion, type coercion and cross-parameter rules.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/dispatch/internal/alias"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Correction kinds recorded by the validator, on top of the alias kinds.
const (
	KindActionSuggestion = "action_suggestion"
	KindAutoCompleted    = "auto_completed_param"
	KindDefaultApplied   = "default_applied"
	KindDroppedParameter = "dropped_parameter"
	KindTypeCoerced      = "type_coerced"
	KindDeprecatedCombo  = "deprecated_combination"
)

// maxSuggestionDistance bounds the edit distance for action auto-correction.
const maxSuggestionDistance = 2

// ValidationResult is the outcome of validating one call.
type ValidationResult struct {
	IsValid            bool
	MissingRequired    []string
	InvalidParams      []string
	TypeErrors         []string
	CorrectionsApplied []models.Correction
	NormalizedCall     models.ToolCall
	ErrorMessage       string
}

// Catalog is the registry surface the validator needs.
type Catalog interface {
	Snapshot() *registry.Snapshot
	Refresh(ctx context.Context, force bool) error
}

// Validator runs the validation pipeline.
type Validator struct {
	mapper  *alias.Mapper
	catalog Catalog
	rules   config.ValidationRules
	log     *observability.Logger
	schemas *schemaCache
}

// NewValidator builds a validator over the alias mapper and registry.
func NewValidator(mapper *alias.Mapper, catalog Catalog, rules config.ValidationRules, log *observability.Logger) *Validator {
	scoped := log.Component("validate")
	return &Validator{
		mapper:  mapper,
		catalog: catalog,
		rules:   rules,
		log:     scoped,
		schemas: newSchemaCache(scoped),
	}
}

// Validate normalizes and checks a call. The returned NormalizedCall is
// always populated, even when invalid, so callers can report what was
// actually attempted.
func (v *Validator) Validate(ctx context.Context, call models.ToolCall, task *models.Task) ValidationResult {
	normalized, corrections := v.mapper.Normalize(ctx, call)
	res := ValidationResult{CorrectionsApplied: corrections}

	// Deprecated (tool, action) pairs retired by operator rules.
	for _, dep := range v.rules.DeprecatedCombinations {
		if normalized.ToolID == dep.ToolID && normalized.Action == dep.Action {
			res.CorrectionsApplied = append(res.CorrectionsApplied, models.Correction{
				Kind: KindDeprecatedCombo, Field: "action", From: dep.Action, To: dep.Replacement,
			})
			normalized.Action = dep.Replacement
			break
		}
	}

	schema, ok := v.resolveTool(ctx, normalized.ToolID)
	if !ok {
		res.NormalizedCall = normalized
		res.ErrorMessage = v.unknownToolMessage(normalized.ToolID)
		return res
	}

	action, actionName, corr, ok := v.resolveAction(schema, normalized.Action)
	if corr != nil {
		res.CorrectionsApplied = append(res.CorrectionsApplied, *corr)
	}
	if !ok {
		res.NormalizedCall = normalized
		res.ErrorMessage = fmt.Sprintf("unknown action %q for tool %s (known: %s)",
			normalized.Action, schema.ID, strings.Join(schema.ActionNames(), ", "))
		return res
	}
	normalized.Action = actionName

	v.checkParameters(ctx, &normalized, schema, action, task, &res)

	res.NormalizedCall = normalized
	res.IsValid = len(res.MissingRequired) == 0 && len(res.TypeErrors) == 0
	if !res.IsValid && res.ErrorMessage == "" {
		parts := make([]string, 0, 2)
		if len(res.MissingRequired) > 0 {
			parts = append(parts, "missing required: "+strings.Join(res.MissingRequired, ", "))
		}
		if len(res.TypeErrors) > 0 {
			parts = append(parts, strings.Join(res.TypeErrors, "; "))
		}
		res.ErrorMessage = strings.Join(parts, "; ")
	}
	return res
}

// resolveTool looks up a tool, forcing one discovery refresh when the id is
// absent from the current snapshot. A tool installed since the last refresh
// becomes callable without waiting out the refresh interval.
func (v *Validator) resolveTool(ctx context.Context, toolID string) (*registry.ToolSchema, bool) {
	snap := v.catalog.Snapshot()
	if schema, ok := snap.Lookup(toolID); ok {
		return schema, true
	}
	if err := v.catalog.Refresh(ctx, true); err != nil {
		v.log.Warn(ctx, "discovery refresh failed", "tool_id", toolID, "error", err)
		return nil, false
	}
	return v.catalog.Snapshot().Lookup(toolID)
}

func (v *Validator) unknownToolMessage(toolID string) string {
	ids := v.catalog.Snapshot().ToolIDs()
	if suggestion := closest(toolID, ids, maxSuggestionDistance); suggestion != "" {
		return fmt.Sprintf("tool not found: %s (did you mean %s?)", toolID, suggestion)
	}
	return "tool not found: " + toolID
}

// resolveAction matches the action exactly or by bounded edit distance.
func (v *Validator) resolveAction(schema *registry.ToolSchema, name string) (registry.ActionSpec, string, *models.Correction, bool) {
	if action, ok := schema.Actions[name]; ok {
		return action, name, nil, true
	}
	if suggestion := closest(name, schema.ActionNames(), maxSuggestionDistance); suggestion != "" {
		corr := &models.Correction{Kind: KindActionSuggestion, Field: "action", From: name, To: suggestion}
		return schema.Actions[suggestion], suggestion, corr, true
	}
	return registry.ActionSpec{}, "", nil, false
}

func (v *Validator) checkParameters(ctx context.Context, call *models.ToolCall, schema *registry.ToolSchema, action registry.ActionSpec, task *models.Task, res *ValidationResult) {
	if call.Parameters == nil {
		call.Parameters = map[string]any{}
	}

	// Drop parameters the action does not declare. They are usually
	// hallucinated and some tools reject unknown keys outright.
	for name := range call.Parameters {
		if _, ok := action.Parameters[name]; !ok {
			res.InvalidParams = append(res.InvalidParams, name)
			res.CorrectionsApplied = append(res.CorrectionsApplied, models.Correction{
				Kind: KindDroppedParameter, Field: "parameters." + name, From: name, To: "",
			})
			delete(call.Parameters, name)
		}
	}

	required := requiredSet(action, v.rules.RequiredCombinations, schema.ID, call.Action)

	for _, name := range sortedParamNames(action) {
		spec := action.Parameters[name]
		value, present := call.Parameters[name]

		if present && !emptyValue(value) {
			coerced, changed, err := coerce(value, spec.Type)
			if err != nil {
				res.TypeErrors = append(res.TypeErrors,
					fmt.Sprintf("parameter %s: %v", name, err))
				continue
			}
			if changed {
				call.Parameters[name] = coerced
				res.CorrectionsApplied = append(res.CorrectionsApplied, models.Correction{
					Kind: KindTypeCoerced, Field: "parameters." + name,
					From: fmt.Sprintf("%v", value), To: fmt.Sprintf("%v", coerced),
				})
			}
			continue
		}

		if !required[name] {
			if spec.Default != nil && !present {
				call.Parameters[name] = spec.Default
				res.CorrectionsApplied = append(res.CorrectionsApplied, models.Correction{
					Kind: KindDefaultApplied, Field: "parameters." + name,
					To: fmt.Sprintf("%v", spec.Default),
				})
			}
			continue
		}

		// Required and missing or empty: try auto-completion before
		// failing the call.
		if completed, ok := autoComplete(name, spec, call, task); ok {
			call.Parameters[name] = completed
			res.CorrectionsApplied = append(res.CorrectionsApplied, models.Correction{
				Kind: KindAutoCompleted, Field: "parameters." + name, To: preview(completed),
			})
			continue
		}
		res.MissingRequired = append(res.MissingRequired, name)
	}

	// Schema-level validation over the final parameter map catches nested
	// shape errors coercion cannot.
	if len(res.TypeErrors) == 0 && len(res.MissingRequired) == 0 {
		if err := v.schemas.validate(ctx, schema, call.Action, action, call.Parameters); err != nil {
			res.TypeErrors = append(res.TypeErrors, err.Error())
		}
	}
}

// requiredSet merges the action's declared required params with any operator
// rule pinning the combination.
func requiredSet(action registry.ActionSpec, combos []config.RequiredCombination, toolID, actionName string) map[string]bool {
	set := make(map[string]bool)
	for _, name := range action.RequiredParams() {
		set[name] = true
	}
	for _, combo := range combos {
		if combo.ToolID == toolID && combo.Action == actionName {
			for _, name := range combo.RequiredParams {
				set[name] = true
			}
		}
	}
	return set
}

func sortedParamNames(action registry.ActionSpec) []string {
	if len(action.ParamOrder) == len(action.Parameters) {
		return action.ParamOrder
	}
	out := make([]string, 0, len(action.Parameters))
	for name := range action.Parameters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// emptyValue treats empty strings and empty collections the same as absent:
// a required parameter holding one still needs completion.
func emptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// preview truncates long auto-completed values for correction records.
func preview(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

// closest returns the candidate within maxDist edits of target, preferring
// the smallest distance and breaking ties lexicographically. Empty when
// nothing qualifies.
func closest(target string, candidates []string, maxDist int) string {
	best := ""
	bestDist := maxDist + 1
	for _, c := range candidates {
		d := levenshtein(target, c)
		if d < bestDist || (d == bestDist && best != "" && c < best) {
			best = c
			bestDist = d
		}
	}
	if bestDist > maxDist {
		return ""
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
