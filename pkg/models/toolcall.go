// Package models defines the shared data model for the dispatch runtime:
// tool calls, results, error events, correction patches, tasks and
// trajectory records.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is the terminal state of a tool call attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Tier identifies a strategy's position in the fallback ordering.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierFallback  Tier = "fallback"
	TierEmergency Tier = "emergency"
)

// tierRank orders tiers for execution; lower runs first.
var tierRank = map[Tier]int{
	TierPrimary:   0,
	TierSecondary: 1,
	TierFallback:  2,
	TierEmergency: 3,
}

// Rank returns the execution order of the tier. Unknown tiers sort last.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return len(tierRank)
}

// IsLastLine reports whether the tier counts toward the last-line-of-defense
// invariant: at least one enabled fallback-or-emergency strategy must exist
// per capability.
func (t Tier) IsLastLine() bool {
	return t == TierFallback || t == TierEmergency
}

// ToolCall is a normalized tool invocation request. Instances entering the
// validator may still carry alias names; after validation the tool and action
// resolve against the current registry snapshot.
type ToolCall struct {
	// ID is the monotonically assigned call identifier.
	ID string `json:"call_id"`

	// ToolID is the (possibly aliased) tool identifier emitted by the LLM.
	ToolID string `json:"tool_id"`

	// Action is the action name within the tool.
	Action string `json:"action"`

	// Parameters maps parameter names to values.
	Parameters map[string]any `json:"parameters"`

	// Thinking is the originating LLM reasoning text, kept for trajectories.
	Thinking string `json:"thinking,omitempty"`

	// TaskID links the call to its originating task.
	TaskID string `json:"task_id,omitempty"`

	// IssuedAt is when the call was created.
	IssuedAt time.Time `json:"issued_at,omitempty"`
}

// Clone returns a deep copy of the call. Parameter values are copied at the
// top level; nested values are shared.
func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// Correction records a single substitution applied while normalizing or
// validating a call.
type Correction struct {
	// Kind labels the correction, e.g. "tool_id_alias", "parameter_alias",
	// "deprecated_action", "auto_completed_code", "type_coercion".
	Kind string `json:"kind"`

	// Field is the field path the correction touched.
	Field string `json:"field,omitempty"`

	// From is the original value.
	From string `json:"from,omitempty"`

	// To is the corrected value.
	To string `json:"to,omitempty"`
}

// AttemptRecord describes one strategy attempt made while executing a call.
type AttemptRecord struct {
	Strategy string        `json:"strategy"`
	Tier     Tier          `json:"tier"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ToolCallResult is the outcome of executing a validated tool call.
//
// Invariant: a success carries a non-nil payload; any non-success carries a
// non-empty error cause.
type ToolCallResult struct {
	CallID   string          `json:"call_id"`
	Outcome  Outcome         `json:"outcome"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`

	// Tier and StrategyUsed identify which strategy produced the result.
	Tier         Tier   `json:"tier,omitempty"`
	StrategyUsed string `json:"strategy_used,omitempty"`

	// Corrections lists every substitution applied before execution.
	Corrections []Correction `json:"corrections_applied,omitempty"`

	// Attempts is the execution log of all strategy attempts, including the
	// failed ones that preceded the final outcome.
	Attempts []AttemptRecord `json:"attempts,omitempty"`
}

// Validate checks the result invariant.
func (r *ToolCallResult) Validate() error {
	if r.Outcome == OutcomeSuccess && len(r.Payload) == 0 {
		return fmt.Errorf("success result for call %s has no payload", r.CallID)
	}
	if r.Outcome != OutcomeSuccess && r.Error == "" {
		return fmt.Errorf("%s result for call %s has no error cause", r.Outcome, r.CallID)
	}
	return nil
}

// HasCorrection reports whether a correction of the given kind was applied.
func (r *ToolCallResult) HasCorrection(kind string) bool {
	for _, c := range r.Corrections {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
