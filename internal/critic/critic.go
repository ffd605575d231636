// Package critic analyzes repeated same-signature failures and produces
// executable correction patches: tool substitutions, action corrections,
// LLM-backed parameter repairs, alternative tools and install requests.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/llm"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
	"github.com/haasonsaas/dispatch/internal/validate"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Strategy names, reported back with outcome observations.
const (
	StrategyToolMismatch        = "tool_mismatch"
	StrategyActionCorrection    = "action_correction"
	StrategyParameterCorrection = "parameter_correction"
	StrategyAlternativeApproach = "alternative_approach"
	StrategyContextReframe      = "context_reframe"
	StrategySkillGap            = "skill_gap"
)

// Base confidences per strategy.
var baseConfidence = map[string]float64{
	StrategyToolMismatch:        0.8,
	StrategyActionCorrection:    0.75,
	StrategyParameterCorrection: 0.7,
	StrategyAlternativeApproach: 0.6,
	StrategyContextReframe:      0.5,
	StrategySkillGap:            0.7,
}

// triggerWindow bounds how far back same-signature counting looks.
const triggerWindow = time.Hour

// editDistanceBound limits tool/action substitution candidates.
const editDistanceBound = 3

// Learned-rate adjustment, matching the rest of the runtime.
const (
	failureDecay    = 0.9
	successRecovery = 0.01
)

// Catalog is the registry surface the critic reads.
type Catalog interface {
	Snapshot() *registry.Snapshot
}

// Critic produces correction patches for failure episodes.
type Critic struct {
	cfg         config.CriticConfig
	corrections config.ErrorCorrections
	ledger      *health.Ledger
	validator   *validate.Validator
	catalog     Catalog
	provider    llm.Provider // nil disables parameter correction
	log         *observability.Logger
	metrics     *observability.Metrics

	mu sync.Mutex
	// rates holds the learned success rate per strategy.
	rates map[string]float64
}

// New builds a critic. provider may be nil; the parameter-correction
// strategy is skipped without it.
func New(cfg config.CriticConfig, corrections config.ErrorCorrections, ledger *health.Ledger, validator *validate.Validator, catalog Catalog, provider llm.Provider, log *observability.Logger, metrics *observability.Metrics) *Critic {
	return &Critic{
		cfg:         cfg,
		corrections: corrections,
		ledger:      ledger,
		validator:   validator,
		catalog:     catalog,
		provider:    provider,
		log:         log.Component("critic"),
		metrics:     metrics,
		rates:       make(map[string]float64),
	}
}

// ShouldAnalyze reports whether a signature's recent recurrence crosses the
// trigger threshold.
func (c *Critic) ShouldAnalyze(sig models.FailureSignature) bool {
	return c.ledger.CountBySignature(sig, triggerWindow) >= c.cfg.TriggerCount
}

// Analyze runs the correction pipeline for the latest failure of a call.
// The returned analysis holds only patches that survive validation; it may
// be empty when nothing applicable was found.
func (c *Critic) Analyze(ctx context.Context, ev models.ErrorEvent, call models.ToolCall, task *models.Task) (*models.CriticAnalysis, error) {
	recent := c.ledger.RecentEvents(c.cfg.RecentEvents)
	rootCause := c.rootCause(ev, recent)

	var candidates []models.CorrectionPatch
	candidates = append(candidates, c.toolMismatch(ev, call)...)
	candidates = append(candidates, c.actionCorrection(ev, call)...)
	candidates = append(candidates, c.parameterCorrection(ctx, ev, call)...)
	candidates = append(candidates, c.alternativeApproach(call)...)
	candidates = append(candidates, c.skillGap(ev, task)...)

	var surviving []models.CorrectionPatch
	for _, patch := range candidates {
		if patch.IsIdentity() {
			continue
		}
		if c.validatePatch(ctx, patch, call, task) {
			surviving = append(surviving, patch)
			c.countPatch(patch.Strategy, true)
		} else {
			c.countPatch(patch.Strategy, false)
		}
	}

	// Context reframe is the strategy of last resort: only when nothing
	// structural fits and the signature keeps recurring.
	if len(surviving) == 0 && c.sharedSignatureCount(ev, recent) >= 2 {
		surviving = append(surviving, c.contextReframe(ev, task))
		c.countPatch(StrategyContextReframe, true)
	}

	c.rankPatches(surviving)

	analysis := &models.CriticAnalysis{
		RootCause:  rootCause,
		Patches:    surviving,
		Confidence: meanConfidence(surviving),
	}
	c.log.Info(ctx, "analysis complete",
		"signature", ev.Signature().String(),
		"patches", len(surviving),
		"confidence", analysis.Confidence)
	return analysis, nil
}

// ReportOutcome feeds an applied patch's observed outcome back into the
// strategy ranking.
func (c *Critic) ReportOutcome(strategy string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate, ok := c.rates[strategy]
	if !ok {
		rate = 1.0
	}
	if success {
		rate = min(1.0, rate+successRecovery)
	} else {
		rate *= failureDecay
	}
	c.rates[strategy] = rate
}

// Rates returns the learned per-strategy success rates for persistence.
func (c *Critic) Rates() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.rates))
	for k, v := range c.rates {
		out[k] = v
	}
	return out
}

// RestoreRates seeds learned strategy rates from persisted state.
func (c *Critic) RestoreRates(rates map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range rates {
		if v > 0 && v <= 1 {
			c.rates[k] = v
		}
	}
}

func (c *Critic) learnedRate(strategy string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rates[strategy]; ok {
		return r
	}
	return 1.0
}

// rankPatches orders patches by confidence scaled by the strategy's learned
// success rate, best first.
func (c *Critic) rankPatches(patches []models.CorrectionPatch) {
	sort.SliceStable(patches, func(i, j int) bool {
		a := patches[i].Confidence * c.learnedRate(patches[i].Strategy)
		b := patches[j].Confidence * c.learnedRate(patches[j].Strategy)
		return a > b
	})
}

// rootCause summarizes the dominant failure signature in the recent window.
func (c *Critic) rootCause(ev models.ErrorEvent, recent []models.ErrorEvent) string {
	counts := map[models.FailureSignature]int{}
	for _, e := range recent {
		counts[e.Signature()]++
	}
	top := ev.Signature()
	best := counts[top]
	for sig, n := range counts {
		if n > best {
			top, best = sig, n
		}
	}
	if best <= 1 {
		return fmt.Sprintf("isolated failure: %s", ev.Signature())
	}
	return fmt.Sprintf("repeated failure (%d recent): %s", best, top)
}

func (c *Critic) sharedSignatureCount(ev models.ErrorEvent, recent []models.ErrorEvent) int {
	n := 0
	for _, e := range recent {
		if e.Signature() == ev.Signature() {
			n++
		}
	}
	return n
}

// toolMismatch substitutes an unknown or wrong tool id with a live one: an
// unknown id resolves by edit distance against the whitelist; a known tool
// that does not support the requested action yields the nearest live tool
// that does.
func (c *Critic) toolMismatch(ev models.ErrorEvent, call models.ToolCall) []models.CorrectionPatch {
	snap := c.catalog.Snapshot()
	schema, known := snap.Lookup(call.ToolID)

	var corrected string
	var step string
	switch {
	case !known:
		corrected = nearestString(call.ToolID, snap.ToolIDs(), editDistanceBound)
		step = fmt.Sprintf("nearest live tool id to %q on the whitelist", call.ToolID)

	default:
		if _, supported := schema.Actions[call.Action]; supported {
			return nil
		}
		corrected = c.nearestSupporting(snap, call)
		step = fmt.Sprintf("action %q unsupported on %s but live on %s", call.Action, call.ToolID, corrected)
	}
	if corrected == "" {
		return nil
	}
	return []models.CorrectionPatch{{
		PatchID:         uuid.NewString(),
		Type:            models.PatchSubstituteTool,
		TargetPath:      "tool_id",
		Original:        call.ToolID,
		Corrected:       corrected,
		ValidationSteps: []string{step},
		Rollback:        "restore original tool_id",
		Confidence:      baseConfidence[StrategyToolMismatch],
		AutoApply:       true,
		Strategy:        StrategyToolMismatch,
	}}
}

// nearestSupporting picks the live tool supporting the call's action with
// the smallest edit distance to the original id, ties lexicographic.
func (c *Critic) nearestSupporting(snap *registry.Snapshot, call models.ToolCall) string {
	var supporting []string
	bound := len(call.ToolID)
	for _, id := range snap.ToolIDs() {
		if id == call.ToolID || !c.ledger.IsAvailable(id) {
			continue
		}
		other, ok := snap.Lookup(id)
		if !ok {
			continue
		}
		if _, has := other.Actions[call.Action]; has {
			supporting = append(supporting, id)
			if len(id) > bound {
				bound = len(id)
			}
		}
	}
	return nearestString(call.ToolID, supporting, bound)
}

// actionCorrection substitutes an unsupported action with the nearest
// supported one, or a keyword-selected default.
func (c *Critic) actionCorrection(ev models.ErrorEvent, call models.ToolCall) []models.CorrectionPatch {
	snap := c.catalog.Snapshot()
	schema, known := snap.Lookup(call.ToolID)
	if !known {
		return nil
	}
	if _, supported := schema.Actions[call.Action]; supported {
		return nil
	}

	corrected := nearestString(call.Action, schema.ActionNames(), editDistanceBound)
	if corrected == "" {
		// Keyword defaults from the configured correction tables.
		lower := strings.ToLower(call.Action + " " + ev.Message)
		for keyword, action := range c.corrections.ActionErrors {
			if strings.Contains(lower, keyword) {
				if _, ok := schema.Actions[action]; ok {
					corrected = action
					break
				}
			}
		}
	}
	if corrected == "" {
		return nil
	}
	return []models.CorrectionPatch{{
		PatchID:    uuid.NewString(),
		Type:       models.PatchReplaceAction,
		TargetPath: "action",
		Original:   call.Action,
		Corrected:  corrected,
		ValidationSteps: []string{
			fmt.Sprintf("action %q resolved against %s's supported set", call.Action, call.ToolID),
		},
		Rollback:   "restore original action",
		Confidence: baseConfidence[StrategyActionCorrection],
		AutoApply:  true,
		Strategy:   StrategyActionCorrection,
	}}
}

// parameterCorrection asks the LLM for a repaired parameter map bounded by
// a strict JSON response contract.
func (c *Critic) parameterCorrection(ctx context.Context, ev models.ErrorEvent, call models.ToolCall) []models.CorrectionPatch {
	if c.provider == nil {
		return nil
	}
	snap := c.catalog.Snapshot()
	schema, known := snap.Lookup(call.ToolID)
	if !known {
		return nil
	}
	action, ok := schema.Actions[call.Action]
	if !ok {
		return nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	raw, err := c.provider.Generate(llmCtx, llm.Request{
		System: "You repair tool call parameters. Respond with a single JSON object " +
			"containing only the repaired parameter map. No prose, no markdown.",
		Prompt:    parameterRepairPrompt(call, action, ev.Message),
		MaxTokens: 512,
	})
	if err != nil {
		c.log.Warn(ctx, "parameter repair call failed", "error", err)
		return nil
	}

	repaired, err := validate.ExtractJSONObject(raw)
	if err != nil {
		c.log.Warn(ctx, "parameter repair returned no object", "error", err)
		return nil
	}
	return []models.CorrectionPatch{{
		PatchID:    uuid.NewString(),
		Type:       models.PatchFixParameters,
		TargetPath: "parameters",
		Original:   call.Parameters,
		Corrected:  repaired,
		ValidationSteps: []string{
			"LLM-proposed parameter map, accepted only after schema validation",
		},
		Rollback:   "restore original parameters",
		Confidence: baseConfidence[StrategyParameterCorrection],
		AutoApply:  true,
		Strategy:   StrategyParameterCorrection,
	}}
}

func parameterRepairPrompt(call models.ToolCall, action registry.ActionSpec, errMsg string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool: %s\nAction: %s\nError: %s\n\nParameter contract:\n", call.ToolID, call.Action, errMsg)
	for _, name := range sortedKeys(action.Parameters) {
		spec := action.Parameters[name]
		req := "optional"
		if spec.Required {
			req = "required"
		}
		fmt.Fprintf(&sb, "- %s (%s, %s): %s\n", name, spec.Type, req, spec.Description)
	}
	current, _ := json.Marshal(call.Parameters)
	fmt.Fprintf(&sb, "\nCurrent parameters:\n%s\n\nReturn the repaired parameter map as JSON.", current)
	return sb.String()
}

// alternativeApproach maps the failing (tool, action) pair to a
// preconfigured alternative tool for the same capability.
func (c *Critic) alternativeApproach(call models.ToolCall) []models.CorrectionPatch {
	key := call.ToolID + "." + call.Action
	alternative, ok := c.corrections.AlternativeTools[key]
	if !ok || alternative == call.ToolID {
		return nil
	}
	return []models.CorrectionPatch{{
		PatchID:    uuid.NewString(),
		Type:       models.PatchSubstituteTool,
		TargetPath: "tool_id",
		Original:   call.ToolID,
		Corrected:  alternative,
		ValidationSteps: []string{
			fmt.Sprintf("preconfigured alternative for %s", key),
		},
		Rollback:   "restore original tool_id",
		Confidence: baseConfidence[StrategyAlternativeApproach],
		AutoApply:  true,
		Strategy:   StrategyAlternativeApproach,
	}}
}

// skillGap detects keywords mapping to a missing tool class and emits an
// install_tools patch.
func (c *Critic) skillGap(ev models.ErrorEvent, task *models.Task) []models.CorrectionPatch {
	haystack := strings.ToLower(ev.Message)
	if task != nil {
		haystack += " " + strings.ToLower(task.Description)
	}
	for keyword, class := range c.corrections.SkillGaps {
		if !strings.Contains(haystack, keyword) {
			continue
		}
		return []models.CorrectionPatch{{
			PatchID:    uuid.NewString(),
			Type:       models.PatchInstallTools,
			TargetPath: "tool_id",
			Original:   ev.Context.ToolID,
			Corrected:  class,
			ValidationSteps: []string{
				fmt.Sprintf("error mentions %q, mapping to missing tool class %q", keyword, class),
			},
			Confidence: baseConfidence[StrategySkillGap],
			Strategy:   StrategySkillGap,
		}}
	}
	return nil
}

func (c *Critic) contextReframe(ev models.ErrorEvent, task *models.Task) models.CorrectionPatch {
	desc := "the current task"
	if task != nil && task.Description != "" {
		desc = fmt.Sprintf("%q", task.Description)
	}
	return models.CorrectionPatch{
		PatchID:    uuid.NewString(),
		Type:       models.PatchContextReframe,
		TargetPath: "task",
		Corrected: fmt.Sprintf("restart reasoning on %s with a simplified statement; "+
			"repeated failures of %s suggest the current framing cannot succeed", desc, ev.Signature()),
		Confidence: baseConfidence[StrategyContextReframe],
		Advisory:   true,
		Strategy:   StrategyContextReframe,
	}
}

// validatePatch checks that applying the patch yields a call the validator
// accepts. Install patches validate the synthesized discovery call instead.
func (c *Critic) validatePatch(ctx context.Context, patch models.CorrectionPatch, call models.ToolCall, task *models.Task) bool {
	if patch.Advisory {
		return true
	}

	hypothetical := patch.Apply(call)
	if patch.Type == models.PatchInstallTools {
		class, _ := patch.Corrected.(string)
		hypothetical = models.ToolCall{
			ID:     call.ID,
			ToolID: "mcp-search-tool",
			Action: "search_and_install_tools",
			Parameters: map[string]any{
				"task_description": "install tools for " + class,
			},
			TaskID: call.TaskID,
		}
	}

	res := c.validator.Validate(ctx, hypothetical, task)
	return res.IsValid
}

func (c *Critic) countPatch(strategy string, validated bool) {
	if c.metrics != nil {
		c.metrics.CriticPatches.WithLabelValues(strategy, fmt.Sprintf("%t", validated)).Inc()
	}
}

func meanConfidence(patches []models.CorrectionPatch) float64 {
	if len(patches) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range patches {
		sum += p.Confidence
	}
	return sum / float64(len(patches))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// nearestString returns the candidate within bound edits of target, smallest
// distance first, ties broken lexicographically.
func nearestString(target string, candidates []string, bound int) string {
	best := ""
	bestDist := bound + 1
	for _, cand := range candidates {
		d := editDistance(target, cand)
		if d < bestDist || (d == bestDist && best != "" && cand < best) {
			best, bestDist = cand, d
		}
	}
	if bestDist > bound {
		return ""
	}
	return best
}

func editDistance(a, b string) int {
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
