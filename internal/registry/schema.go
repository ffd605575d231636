// Package registry maintains the canonical catalog of tools, their actions
// and parameter contracts. The registry owns ToolSchema records; every other
// component reads through immutable snapshots.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ParamType is the semantic type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// knownParamTypes is the set of recognized semantic types.
var knownParamTypes = map[ParamType]bool{
	TypeString:  true,
	TypeInteger: true,
	TypeNumber:  true,
	TypeBoolean: true,
	TypeArray:   true,
	TypeObject:  true,
}

// IsKnown reports whether the type is one of the recognized semantic types.
func (t ParamType) IsKnown() bool { return knownParamTypes[t] }

// ParamSpec declares a single action parameter.
//
// Invariant: a required parameter carries no default.
type ParamSpec struct {
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Description string    `json:"description" yaml:"description"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// ActionSpec declares one action a tool exposes.
type ActionSpec struct {
	Description string               `json:"description" yaml:"description"`
	Parameters  map[string]ParamSpec `json:"parameters" yaml:"parameters"`

	// ParamOrder preserves declaration order for prompt rendering.
	ParamOrder []string `json:"param_order,omitempty" yaml:"param_order,omitempty"`

	// Example, if present, is a value satisfying the parameter's schema.
	Example map[string]any `json:"example,omitempty" yaml:"example,omitempty"`
}

// RequiredParams returns the names of required parameters, sorted.
func (a *ActionSpec) RequiredParams() []string {
	var out []string
	for name, spec := range a.Parameters {
		if spec.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ToolSchema is the canonical record for one tool.
//
// Invariants: ID is unique within the registry; Version increases
// monotonically across replacements; records are replaced whole, never
// mutated in place.
type ToolSchema struct {
	ID          string                `json:"tool_id" yaml:"tool_id"`
	Name        string                `json:"name" yaml:"name"`
	Category    string                `json:"category,omitempty" yaml:"category,omitempty"`
	Version     int64                 `json:"version" yaml:"version"`
	Description string                `json:"description" yaml:"description"`
	Actions     map[string]ActionSpec `json:"actions" yaml:"actions"`
}

// ActionNames returns the tool's action names, sorted.
func (s *ToolSchema) ActionNames() []string {
	out := make([]string, 0, len(s.Actions))
	for name := range s.Actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StructuralIssue describes one structural validation finding.
type StructuralIssue struct {
	ToolID  string
	Path    string
	Message string
	// Fixed marks issues repaired by the auto-fix pass rather than rejected.
	Fixed bool
}

func (i StructuralIssue) String() string {
	state := "rejected"
	if i.Fixed {
		state = "auto-fixed"
	}
	return fmt.Sprintf("%s %s: %s (%s)", i.ToolID, i.Path, i.Message, state)
}

// ValidateAndFix runs structural validation over the schema, applying minor
// auto-fixes (injecting a generic description, an empty action map) instead
// of rejecting where possible. It returns all findings; the schema is
// rejected only when a finding has Fixed=false.
func ValidateAndFix(s *ToolSchema) []StructuralIssue {
	var issues []StructuralIssue

	if strings.TrimSpace(s.ID) == "" {
		issues = append(issues, StructuralIssue{ToolID: s.ID, Path: "tool_id", Message: "empty tool id"})
		return issues
	}
	if strings.TrimSpace(s.Name) == "" {
		s.Name = s.ID
		issues = append(issues, StructuralIssue{ToolID: s.ID, Path: "name", Message: "empty name, defaulted to tool id", Fixed: true})
	}
	if strings.TrimSpace(s.Description) == "" {
		s.Description = "MCP tool " + s.ID
		issues = append(issues, StructuralIssue{ToolID: s.ID, Path: "description", Message: "empty description, injected generic one", Fixed: true})
	}
	if s.Actions == nil {
		s.Actions = map[string]ActionSpec{}
		issues = append(issues, StructuralIssue{ToolID: s.ID, Path: "actions", Message: "nil action map, injected empty map", Fixed: true})
	}
	if len(s.Actions) == 0 {
		issues = append(issues, StructuralIssue{ToolID: s.ID, Path: "actions", Message: "tool declares no actions"})
	}

	for name, action := range s.Actions {
		if strings.TrimSpace(action.Description) == "" {
			action.Description = fmt.Sprintf("action %s of %s", name, s.ID)
			issues = append(issues, StructuralIssue{
				ToolID: s.ID, Path: "actions." + name + ".description",
				Message: "empty action description, injected generic one", Fixed: true,
			})
		}
		if action.Parameters == nil {
			action.Parameters = map[string]ParamSpec{}
			issues = append(issues, StructuralIssue{
				ToolID: s.ID, Path: "actions." + name + ".parameters",
				Message: "nil parameter map, injected empty map", Fixed: true,
			})
		}
		for pname, param := range action.Parameters {
			path := fmt.Sprintf("actions.%s.parameters.%s", name, pname)
			if !param.Type.IsKnown() {
				issues = append(issues, StructuralIssue{
					ToolID: s.ID, Path: path + ".type",
					Message: fmt.Sprintf("unrecognized type %q", param.Type),
				})
			}
			if param.Required && param.Default != nil {
				param.Default = nil
				issues = append(issues, StructuralIssue{
					ToolID: s.ID, Path: path + ".default",
					Message: "required parameter carried a default, dropped it", Fixed: true,
				})
			}
			if param.Required && strings.TrimSpace(param.Description) == "" {
				param.Description = "required parameter " + pname
				issues = append(issues, StructuralIssue{
					ToolID: s.ID, Path: path + ".description",
					Message: "required parameter without description, injected generic one", Fixed: true,
				})
			}
			action.Parameters[pname] = param
		}
		s.Actions[name] = action
	}

	return issues
}

// Rejected reports whether any issue in the list is a hard rejection.
func Rejected(issues []StructuralIssue) bool {
	for _, i := range issues {
		if !i.Fixed {
			return true
		}
	}
	return false
}

// ActionRef identifies one (tool_id, action) pair in the whitelist.
type ActionRef struct {
	ToolID string `json:"tool_id"`
	Action string `json:"action"`
}

func (r ActionRef) String() string { return r.ToolID + "." + r.Action }

// Snapshot is an immutable point-in-time view of the registry. Readers hold
// snapshots freely; the registry swaps the current snapshot atomically.
type Snapshot struct {
	tools   map[string]*ToolSchema
	takenAt time.Time
	hash    string
}

// newSnapshot builds a snapshot over the given tool map. The map is owned by
// the snapshot after the call.
func newSnapshot(tools map[string]*ToolSchema) *Snapshot {
	s := &Snapshot{tools: tools, takenAt: time.Now()}
	s.hash = computeWhitelistHash(s.Whitelist())
	return s
}

// Lookup returns the schema for a tool id.
func (s *Snapshot) Lookup(toolID string) (*ToolSchema, bool) {
	t, ok := s.tools[toolID]
	return t, ok
}

// ToolIDs returns all tool ids, sorted.
func (s *Snapshot) ToolIDs() []string {
	out := make([]string, 0, len(s.tools))
	for id := range s.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int { return len(s.tools) }

// Age returns how long ago the snapshot was taken.
func (s *Snapshot) Age() time.Duration { return time.Since(s.takenAt) }

// TakenAt returns when the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Whitelist returns every (tool_id, action) pair, sorted for determinism.
func (s *Snapshot) Whitelist() []ActionRef {
	var refs []ActionRef
	for id, tool := range s.tools {
		for action := range tool.Actions {
			refs = append(refs, ActionRef{ToolID: id, Action: action})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ToolID != refs[j].ToolID {
			return refs[i].ToolID < refs[j].ToolID
		}
		return refs[i].Action < refs[j].Action
	})
	return refs
}

// WhitelistHash returns the stable short hash of the whitelist, used to
// detect catalog drift between prompt time and execute time.
func (s *Snapshot) WhitelistHash() string { return s.hash }

func computeWhitelistHash(refs []ActionRef) string {
	var b strings.Builder
	for _, r := range refs {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:12]
}
