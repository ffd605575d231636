// Package alias normalizes LLM-emitted tool ids, action names and parameter
// names to canonical form, insulating execution from stylistic drift.
package alias

import (
	"context"
	"sync"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Correction kinds recorded by the mapper.
const (
	KindToolIDAlias      = "tool_id_alias"
	KindActionAlias      = "action_alias"
	KindDeprecatedAction = "deprecated_action"
	KindParameterAlias   = "parameter_alias"
)

// Mapper applies the three alias tables. It is read-mostly and
// hot-reloadable under a reload lock.
type Mapper struct {
	mu  sync.RWMutex
	cfg config.AliasConfig
	log *observability.Logger

	// canonicalTools is the set of known canonical ids; an alias never
	// overrides an id that is already canonical.
	canonicalTools map[string]bool
}

// NewMapper builds a mapper from the alias configuration.
func NewMapper(cfg config.AliasConfig, log *observability.Logger) *Mapper {
	m := &Mapper{log: log.Component("alias")}
	m.Reload(cfg)
	return m
}

// Reload swaps in a new alias configuration. In-flight Normalize calls see
// either the old or the new tables, never a mix.
func (m *Mapper) Reload(cfg config.AliasConfig) {
	canonical := make(map[string]bool, len(cfg.CanonicalToolIDs))
	for _, id := range cfg.CanonicalToolIDs {
		canonical[id] = true
	}

	m.mu.Lock()
	m.cfg = cfg
	m.canonicalTools = canonical
	m.mu.Unlock()
}

// Normalize returns a copy of the call with tool id, action and parameter
// aliases resolved, plus the list of substitutions that fired. Normalize is
// idempotent: normalizing an already-canonical call is a no-op.
func (m *Mapper) Normalize(ctx context.Context, call models.ToolCall) (models.ToolCall, []models.Correction) {
	m.mu.RLock()
	cfg := m.cfg
	canonical := m.canonicalTools
	m.mu.RUnlock()

	out := call.Clone()
	var corrections []models.Correction

	// Tool id. Canonical ids win over aliases: a tool id that is already
	// canonical is never remapped even if it also appears as an alias.
	if !canonical[out.ToolID] {
		if target, ok := cfg.ToolIDAliases[out.ToolID]; ok {
			corrections = append(corrections, models.Correction{
				Kind: KindToolIDAlias, Field: "tool_id", From: out.ToolID, To: target,
			})
			out.ToolID = target
		}
	}

	// Action, against the canonical tool's table.
	if mapping, ok := cfg.ActionMappings[out.ToolID]; ok {
		canonicalActions := make(map[string]bool, len(mapping.CanonicalActions))
		for _, a := range mapping.CanonicalActions {
			canonicalActions[a] = true
		}

		if !canonicalActions[out.Action] {
			if target, ok := mapping.ActionAliases[out.Action]; ok {
				corrections = append(corrections, models.Correction{
					Kind: KindActionAlias, Field: "action", From: out.Action, To: target,
				})
				out.Action = target
			}
		}
		for _, dep := range mapping.DeprecatedCombinations {
			if out.Action == dep.Action {
				corrections = append(corrections, models.Correction{
					Kind: KindDeprecatedAction, Field: "action", From: dep.Action, To: dep.Replacement,
				})
				out.Action = dep.Replacement
				break
			}
		}
	}

	// Parameters: tool-specific aliases first, then the common table.
	// An alias whose target already exists in the map is dropped; the
	// existing canonical value wins.
	toolAliases := cfg.ParameterMappings.ToolSpecific[out.ToolID]
	if len(out.Parameters) > 0 {
		renamed := make(map[string]any, len(out.Parameters))
		for name, value := range out.Parameters {
			target := name
			if t, ok := toolAliases[name]; ok {
				target = t
			} else if t, ok := cfg.ParameterMappings.CommonAliases[name]; ok {
				target = t
			}
			if target == name {
				renamed[name] = value
				continue
			}
			if _, exists := out.Parameters[target]; exists {
				// Canonical already present; drop the alias.
				m.log.Debug(ctx, "dropped colliding parameter alias",
					"tool_id", out.ToolID, "alias", name, "canonical", target)
				continue
			}
			renamed[target] = value
			corrections = append(corrections, models.Correction{
				Kind: KindParameterAlias, Field: "parameters." + name, From: name, To: target,
			})
		}
		out.Parameters = renamed
	}

	if len(corrections) > 0 {
		m.log.Debug(ctx, "normalized call",
			"tool_id", out.ToolID, "action", out.Action, "corrections", len(corrections))
	}
	return out, corrections
}

// CanonicalToolIDs returns the configured canonical tool id set.
func (m *Mapper) CanonicalToolIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.cfg.CanonicalToolIDs))
	copy(out, m.cfg.CanonicalToolIDs)
	return out
}
