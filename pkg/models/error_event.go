package models

import (
	"fmt"
	"time"
)

// ErrorCategory buckets failures for recovery planning.
type ErrorCategory string

const (
	CategoryNetwork       ErrorCategory = "network"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryTool          ErrorCategory = "tool"
	CategoryResource      ErrorCategory = "resource"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryDependency    ErrorCategory = "dependency"
	CategoryData          ErrorCategory = "data"
	CategorySystem        ErrorCategory = "system"
)

// ErrorSeverity grades how urgent a failure is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

var severityRank = map[ErrorSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric ordering of the severity, low first.
func (s ErrorSeverity) Rank() int { return severityRank[s] }

// Bump steps the severity up one level, capped at critical.
func (s ErrorSeverity) Bump() ErrorSeverity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// AtLeast returns the higher of s and min.
func (s ErrorSeverity) AtLeast(min ErrorSeverity) ErrorSeverity {
	if s.Rank() < min.Rank() {
		return min
	}
	return s
}

// ErrorContext is the snapshot of the call state captured with an error.
type ErrorContext struct {
	ToolID     string         `json:"tool_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
}

// ErrorEvent is an immutable record of a classified failure. Events are
// appended to the health ledger and never mutated; eviction is by age for
// per-tool windows and by capacity for the global window.
type ErrorEvent struct {
	ID        string        `json:"error_id"`
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	ErrorType string        `json:"error_type"`
	Message   string        `json:"message"`
	Severity  ErrorSeverity `json:"severity"`
	Category  ErrorCategory `json:"category"`
	Context   ErrorContext  `json:"context"`
}

// Signature derives the deduplication key for repeated-failure detection.
func (e *ErrorEvent) Signature() FailureSignature {
	return FailureSignature{
		ToolID:    e.Context.ToolID,
		Action:    e.Context.Action,
		ErrorType: e.ErrorType,
	}
}

// FailureSignature is the (tool_id, action, error_type) triple used to count
// repeated failures. Events with equal signatures may be coalesced for
// trigger decisions but remain distinct ledger entries.
type FailureSignature struct {
	ToolID    string `json:"tool_id"`
	Action    string `json:"action"`
	ErrorType string `json:"error_type"`
}

// Key returns a stable string form usable as a map key.
func (s FailureSignature) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.ToolID, s.Action, s.ErrorType)
}

// String implements fmt.Stringer.
func (s FailureSignature) String() string {
	return fmt.Sprintf("%s.%s/%s", s.ToolID, s.Action, s.ErrorType)
}
