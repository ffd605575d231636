package models

// PatchType identifies what a correction patch rewrites.
type PatchType string

const (
	// PatchReplaceAction swaps the call's action for a supported one.
	PatchReplaceAction PatchType = "replace_action"

	// PatchFixParameters remaps or repairs the parameter map.
	PatchFixParameters PatchType = "fix_parameters"

	// PatchSubstituteTool points the call at a different tool.
	PatchSubstituteTool PatchType = "substitute_tool"

	// PatchInstallTools requests installation of a missing tool class.
	PatchInstallTools PatchType = "install_tools"

	// PatchContextReframe advises restarting reasoning with a simplified
	// task statement. Always advisory; callers may drop it.
	PatchContextReframe PatchType = "context_reframe"
)

// CorrectionPatch is an executable correction proposal emitted by the critic.
//
// Invariant for non-advisory patches: applying the patch to the original
// ToolCall yields a call the validator accepts.
type CorrectionPatch struct {
	PatchID string    `json:"patch_id"`
	Type    PatchType `json:"type"`

	// TargetPath is the field the patch rewrites, e.g. "tool_id", "action",
	// "parameters.query".
	TargetPath string `json:"target_path"`

	// Original and Corrected are the before/after values. For
	// fix_parameters patches Corrected holds the full repaired map.
	Original  any `json:"original,omitempty"`
	Corrected any `json:"corrected,omitempty"`

	// ValidationSteps documents how the patch was verified.
	ValidationSteps []string `json:"validation_steps,omitempty"`

	// Rollback describes how to undo the patch, when applicable.
	Rollback string `json:"rollback,omitempty"`

	// Confidence is the critic's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// AutoApply marks patches safe to apply without operator review.
	AutoApply bool `json:"auto_apply"`

	// Advisory patches carry guidance rather than an executable rewrite.
	Advisory bool `json:"advisory,omitempty"`

	// Strategy names the critic strategy that produced the patch, used to
	// feed outcome observations back into strategy ranking.
	Strategy string `json:"strategy,omitempty"`
}

// Apply returns a copy of the call with the patch applied. Advisory patches
// and unknown target paths leave the call unchanged.
func (p *CorrectionPatch) Apply(call ToolCall) ToolCall {
	if p.Advisory {
		return call
	}
	out := call.Clone()
	switch p.Type {
	case PatchSubstituteTool:
		if id, ok := p.Corrected.(string); ok && id != "" {
			out.ToolID = id
		}
	case PatchReplaceAction:
		if action, ok := p.Corrected.(string); ok && action != "" {
			out.Action = action
		}
	case PatchFixParameters:
		if params, ok := p.Corrected.(map[string]any); ok {
			out.Parameters = make(map[string]any, len(params))
			for k, v := range params {
				out.Parameters[k] = v
			}
		}
	}
	return out
}

// IsIdentity reports whether the corrected value equals the original, in
// which case applying the patch leaves the call unchanged.
func (p *CorrectionPatch) IsIdentity() bool {
	if p.Original == nil && p.Corrected == nil {
		return true
	}
	orig, ok1 := p.Original.(string)
	corr, ok2 := p.Corrected.(string)
	return ok1 && ok2 && orig == corr
}

// CriticAnalysis is the critic's full output for a failure episode.
type CriticAnalysis struct {
	RootCause  string            `json:"root_cause"`
	Patches    []CorrectionPatch `json:"patches"`
	Confidence float64           `json:"confidence"`
}

// Best returns the highest-confidence non-advisory patch, or nil.
func (a *CriticAnalysis) Best() *CorrectionPatch {
	var best *CorrectionPatch
	for i := range a.Patches {
		p := &a.Patches[i]
		if p.Advisory {
			continue
		}
		if best == nil || p.Confidence > best.Confidence {
			best = p
		}
	}
	return best
}
