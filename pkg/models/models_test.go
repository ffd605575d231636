package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestToolCallResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		result  ToolCallResult
		wantErr bool
	}{
		{
			name: "success with payload",
			result: ToolCallResult{
				CallID:  "c1",
				Outcome: OutcomeSuccess,
				Payload: json.RawMessage(`{"ok":true}`),
			},
			wantErr: false,
		},
		{
			name: "success without payload",
			result: ToolCallResult{
				CallID:  "c2",
				Outcome: OutcomeSuccess,
			},
			wantErr: true,
		},
		{
			name: "failure with cause",
			result: ToolCallResult{
				CallID:  "c3",
				Outcome: OutcomeFailure,
				Error:   "connection refused",
			},
			wantErr: false,
		},
		{
			name: "timeout without cause",
			result: ToolCallResult{
				CallID:  "c4",
				Outcome: OutcomeTimeout,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestErrorEventSignature(t *testing.T) {
	e1 := ErrorEvent{
		ID:        "e1",
		Timestamp: time.Now(),
		ErrorType: "UnsupportedAction",
		Context:   ErrorContext{ToolID: "mcp-deepsearch", Action: "search"},
	}
	e2 := ErrorEvent{
		ID:        "e2",
		Timestamp: time.Now().Add(time.Second),
		ErrorType: "UnsupportedAction",
		Context:   ErrorContext{ToolID: "mcp-deepsearch", Action: "search"},
	}

	if e1.Signature() != e2.Signature() {
		t.Errorf("events with same (tool, action, type) should share a signature")
	}
	if e1.Signature().Key() == "" {
		t.Errorf("signature key should be non-empty")
	}

	e3 := e2
	e3.Context.Action = "research"
	if e1.Signature() == e3.Signature() {
		t.Errorf("different actions must produce different signatures")
	}
}

func TestSeverityBump(t *testing.T) {
	if got := SeverityLow.Bump(); got != SeverityMedium {
		t.Errorf("low bumps to %s, want medium", got)
	}
	if got := SeverityCritical.Bump(); got != SeverityCritical {
		t.Errorf("critical bump = %s, want critical (capped)", got)
	}
	if got := SeverityLow.AtLeast(SeverityMedium); got != SeverityMedium {
		t.Errorf("AtLeast(medium) = %s", got)
	}
	if got := SeverityHigh.AtLeast(SeverityMedium); got != SeverityHigh {
		t.Errorf("AtLeast should not lower severity, got %s", got)
	}
}

func TestPatchApply(t *testing.T) {
	call := ToolCall{
		ID:         "c1",
		ToolID:     "deepsearch",
		Action:     "search",
		Parameters: map[string]any{"question": "golang channels"},
	}

	tool := CorrectionPatch{
		Type:      PatchSubstituteTool,
		Original:  "deepsearch",
		Corrected: "mcp-deepsearch",
	}
	got := tool.Apply(call)
	if got.ToolID != "mcp-deepsearch" {
		t.Errorf("substitute_tool: ToolID = %q", got.ToolID)
	}
	if call.ToolID != "deepsearch" {
		t.Errorf("Apply must not mutate the original call")
	}

	action := CorrectionPatch{Type: PatchReplaceAction, Corrected: "research"}
	if got := action.Apply(call); got.Action != "research" {
		t.Errorf("replace_action: Action = %q", got.Action)
	}

	params := CorrectionPatch{
		Type:      PatchFixParameters,
		Corrected: map[string]any{"question": "go concurrency"},
	}
	got = params.Apply(call)
	if got.Parameters["question"] != "go concurrency" {
		t.Errorf("fix_parameters did not replace map")
	}

	advisory := CorrectionPatch{Type: PatchContextReframe, Advisory: true, Corrected: "simplify"}
	if got := advisory.Apply(call); got.ToolID != call.ToolID || got.Action != call.Action {
		t.Errorf("advisory patch must leave the call unchanged")
	}
}

func TestPatchIdentity(t *testing.T) {
	p := CorrectionPatch{Type: PatchReplaceAction, Original: "search", Corrected: "search"}
	if !p.IsIdentity() {
		t.Errorf("equal original/corrected should be identity")
	}
	call := ToolCall{Action: "search"}
	if got := p.Apply(call); got.Action != call.Action {
		t.Errorf("identity patch changed the call")
	}
}

func TestCriticAnalysisBest(t *testing.T) {
	a := CriticAnalysis{Patches: []CorrectionPatch{
		{Type: PatchContextReframe, Advisory: true, Confidence: 0.9},
		{Type: PatchReplaceAction, Confidence: 0.75},
		{Type: PatchSubstituteTool, Confidence: 0.8},
	}}
	best := a.Best()
	if best == nil || best.Type != PatchSubstituteTool {
		t.Fatalf("Best() = %+v, want substitute_tool", best)
	}
}
