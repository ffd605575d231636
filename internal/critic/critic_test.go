package critic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/dispatch/internal/alias"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/llm"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
	"github.com/haasonsaas/dispatch/internal/validate"
	"github.com/haasonsaas/dispatch/pkg/models"
)

type fakeSource struct{ tools map[string]*registry.ToolSchema }

func (s *fakeSource) Fingerprints(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for id := range s.tools {
		out[id] = "v1-" + id
	}
	return out, nil
}

func (s *fakeSource) FetchSchema(ctx context.Context, toolID string) (*registry.ToolSchema, error) {
	t := *s.tools[toolID]
	return &t, nil
}

type fakeProvider struct {
	response string
	err      error
	prompts  []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	p.prompts = append(p.prompts, req.Prompt)
	return p.response, p.err
}

func fleet() map[string]*registry.ToolSchema {
	return map[string]*registry.ToolSchema{
		"mcp-deepsearch": {
			ID: "mcp-deepsearch", Name: "DeepSearch", Version: 1, Description: "d",
			Actions: map[string]registry.ActionSpec{
				"research": {Description: "r", Parameters: map[string]registry.ParamSpec{
					"question": {Type: registry.TypeString, Required: true, Description: "q"},
				}},
				"quick_search": {Description: "q", Parameters: map[string]registry.ParamSpec{
					"question": {Type: registry.TypeString, Required: true, Description: "q"},
				}},
			},
		},
		"mcp-search-tool": {
			ID: "mcp-search-tool", Name: "SearchTool", Version: 1, Description: "s",
			Actions: map[string]registry.ActionSpec{
				"search_and_install_tools": {Description: "i", Parameters: map[string]registry.ParamSpec{
					"task_description": {Type: registry.TypeString, Required: true, Description: "t"},
				}},
				"list_tools": {Description: "l"},
			},
		},
	}
}

type fixture struct {
	critic   *Critic
	ledger   *health.Ledger
	provider *fakeProvider
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	log := observability.NewNopLogger()
	cfg := config.Default()

	reg := registry.New(&fakeSource{tools: fleet()}, registry.Config{RefreshInterval: time.Hour}, log, nil)
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	mapper := alias.NewMapper(config.DefaultAliases(), log)
	validator := validate.NewValidator(mapper, reg, cfg.Validation, log)
	ledger := health.NewLedger(cfg.Health, log)

	var p llm.Provider
	if provider != nil {
		p = provider
	}
	c := New(cfg.Critic, config.DefaultCorrections(), ledger, validator, reg, p, log, nil)
	return &fixture{critic: c, ledger: ledger, provider: provider}
}

func failureEvent(id, toolID, action, errType, msg string) models.ErrorEvent {
	return models.ErrorEvent{
		ID: id, Timestamp: time.Now(), Component: "mcp",
		ErrorType: errType, Message: msg,
		Severity: models.SeverityMedium, Category: models.CategoryTool,
		Context: models.ErrorContext{ToolID: toolID, Action: action},
	}
}

func TestShouldAnalyzeThreshold(t *testing.T) {
	f := newFixture(t, nil)
	sig := models.FailureSignature{ToolID: "mcp-deepsearch", Action: "research", ErrorType: "timeout"}

	for i := 0; i < 2; i++ {
		f.ledger.RecordFailure(failureEvent(fmt.Sprintf("e%d", i), "mcp-deepsearch", "research", "timeout", "timed out"))
	}
	if f.critic.ShouldAnalyze(sig) {
		t.Error("two occurrences should not trigger with default threshold 3")
	}
	f.ledger.RecordFailure(failureEvent("e3", "mcp-deepsearch", "research", "timeout", "timed out"))
	if !f.critic.ShouldAnalyze(sig) {
		t.Error("third occurrence should trigger")
	}
}

func TestToolMismatchPatch(t *testing.T) {
	f := newFixture(t, nil)
	call := models.ToolCall{
		ID: "c1", ToolID: "mcp-deepsearh", Action: "research",
		Parameters: map[string]any{"question": "what is raft"},
	}
	ev := failureEvent("e1", call.ToolID, call.Action, "unknown_tool", "tool not found: mcp-deepsearh")

	analysis, err := f.critic.Analyze(context.Background(), ev, call, nil)
	if err != nil {
		t.Fatal(err)
	}
	best := analysis.Best()
	if best == nil || best.Type != models.PatchSubstituteTool {
		t.Fatalf("best = %+v", best)
	}
	if best.Corrected != "mcp-deepsearch" || best.Confidence != 0.8 {
		t.Errorf("patch = %+v", best)
	}
	// The patched call must pass validation by construction.
	patched := best.Apply(call)
	if patched.ToolID != "mcp-deepsearch" {
		t.Errorf("apply gave %s", patched.ToolID)
	}
}

func TestWrongToolSubstitutedForUnsupportedAction(t *testing.T) {
	f := newFixture(t, nil)
	task := &models.Task{ID: "t", Description: "grow the toolbox for new data sources"}
	call := models.ToolCall{
		ID: "c7", ToolID: "mcp-deepsearch", Action: "search_and_install_tools",
		Parameters: map[string]any{},
	}
	// The same rejection three times over triggers analysis.
	for i := 0; i < 3; i++ {
		f.ledger.RecordFailure(failureEvent(fmt.Sprintf("u%d", i), call.ToolID, call.Action,
			"unknown_action", "unknown action search_and_install_tools"))
	}
	ev := failureEvent("u9", call.ToolID, call.Action,
		"unknown_action", "unknown action search_and_install_tools")
	if !f.critic.ShouldAnalyze(ev.Signature()) {
		t.Fatal("three rejections should trigger analysis")
	}

	analysis, err := f.critic.Analyze(context.Background(), ev, call, task)
	if err != nil {
		t.Fatal(err)
	}
	best := analysis.Best()
	if best == nil || best.Type != models.PatchSubstituteTool || best.Strategy != StrategyToolMismatch {
		t.Fatalf("best = %+v", best)
	}
	if best.Corrected != "mcp-search-tool" {
		t.Errorf("corrected = %v, want mcp-search-tool", best.Corrected)
	}
	if best.Confidence < 0.7 {
		t.Errorf("confidence = %v, want >= 0.7", best.Confidence)
	}
	patched := best.Apply(call)
	if patched.ToolID != "mcp-search-tool" || patched.Action != "search_and_install_tools" {
		t.Errorf("apply gave %s.%s", patched.ToolID, patched.Action)
	}
}

func TestWrongToolNeedsASupportingAlternative(t *testing.T) {
	f := newFixture(t, nil)
	call := models.ToolCall{
		ID: "c8", ToolID: "mcp-search-tool", Action: "do_a_dance",
		Parameters: map[string]any{},
	}
	ev := failureEvent("e1", call.ToolID, call.Action, "unknown_action", "unknown action do_a_dance")

	analysis, err := f.critic.Analyze(context.Background(), ev, call, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range analysis.Patches {
		if p.Strategy == StrategyToolMismatch {
			t.Errorf("no tool supports %q, got substitution to %v", call.Action, p.Corrected)
		}
	}
}

func TestActionCorrectionKeywordDefault(t *testing.T) {
	f := newFixture(t, nil)
	task := &models.Task{ID: "t", Description: "look into distributed consensus"}
	call := models.ToolCall{
		ID: "c2", ToolID: "mcp-deepsearch", Action: "do_a_search",
		Parameters: map[string]any{"question": "raft vs paxos"},
	}
	ev := failureEvent("e1", call.ToolID, call.Action, "unknown_action", "unknown action do_a_search")

	analysis, err := f.critic.Analyze(context.Background(), ev, call, task)
	if err != nil {
		t.Fatal(err)
	}
	var found *models.CorrectionPatch
	for i := range analysis.Patches {
		if analysis.Patches[i].Strategy == StrategyActionCorrection {
			found = &analysis.Patches[i]
		}
	}
	if found == nil {
		t.Fatalf("no action correction in %+v", analysis.Patches)
	}
	if found.Corrected != "research" || found.Confidence != 0.75 {
		t.Errorf("patch = %+v", found)
	}
}

func TestParameterCorrectionBoundedByValidation(t *testing.T) {
	provider := &fakeProvider{response: "```json\n{\"question\": \"repaired question\"}\n```"}
	f := newFixture(t, provider)
	call := models.ToolCall{
		ID: "c3", ToolID: "mcp-deepsearch", Action: "research",
		Parameters: map[string]any{"question": ""},
	}
	ev := failureEvent("e1", call.ToolID, call.Action, "missing_required_param", "missing required: question")

	analysis, err := f.critic.Analyze(context.Background(), ev, call, nil)
	if err != nil {
		t.Fatal(err)
	}
	var found *models.CorrectionPatch
	for i := range analysis.Patches {
		if analysis.Patches[i].Strategy == StrategyParameterCorrection {
			found = &analysis.Patches[i]
		}
	}
	if found == nil {
		t.Fatalf("no parameter correction in %+v", analysis.Patches)
	}
	repaired, _ := found.Corrected.(map[string]any)
	if repaired["question"] != "repaired question" {
		t.Errorf("corrected = %v", found.Corrected)
	}
	if len(provider.prompts) != 1 {
		t.Errorf("provider called %d times", len(provider.prompts))
	}
}

func TestParameterCorrectionProviderFailureIsSilent(t *testing.T) {
	provider := &fakeProvider{err: errors.New("rate limited")}
	f := newFixture(t, provider)
	call := models.ToolCall{
		ID: "c4", ToolID: "mcp-deepsearch", Action: "research",
		Parameters: map[string]any{"question": ""},
	}
	ev := failureEvent("e1", call.ToolID, call.Action, "missing_required_param", "missing required: question")

	if _, err := f.critic.Analyze(context.Background(), ev, call, nil); err != nil {
		t.Errorf("provider failure must not fail analysis: %v", err)
	}
}

func TestSkillGapEmitsInstallPatch(t *testing.T) {
	f := newFixture(t, nil)
	call := models.ToolCall{
		ID: "c5", ToolID: "mcp-deepsearch", Action: "research",
		Parameters: map[string]any{"question": "extract tables"},
	}
	ev := failureEvent("e1", call.ToolID, call.Action, "tool", "cannot process pdf attachments")

	analysis, err := f.critic.Analyze(context.Background(), ev, call, nil)
	if err != nil {
		t.Fatal(err)
	}
	var found *models.CorrectionPatch
	for i := range analysis.Patches {
		if analysis.Patches[i].Type == models.PatchInstallTools {
			found = &analysis.Patches[i]
		}
	}
	if found == nil {
		t.Fatalf("no install patch in %+v", analysis.Patches)
	}
	if found.Corrected != "document-processing" || found.Confidence != 0.7 {
		t.Errorf("patch = %+v", found)
	}
}

func TestContextReframeWhenNothingStructuralFits(t *testing.T) {
	f := newFixture(t, nil)
	// Valid call, no keyword matches, no provider: no structural fix.
	call := models.ToolCall{
		ID: "c6", ToolID: "mcp-deepsearch", Action: "research",
		Parameters: map[string]any{"question": "x"},
	}
	for i := 0; i < 3; i++ {
		f.ledger.RecordFailure(failureEvent(fmt.Sprintf("r%d", i), call.ToolID, call.Action, "opaque", "inexplicable internal condition"))
	}
	ev := failureEvent("r9", call.ToolID, call.Action, "opaque", "inexplicable internal condition")

	analysis, err := f.critic.Analyze(context.Background(), ev, call, &models.Task{Description: "hard task"})
	if err != nil {
		t.Fatal(err)
	}
	if len(analysis.Patches) != 1 || !analysis.Patches[0].Advisory {
		t.Fatalf("patches = %+v, want single advisory", analysis.Patches)
	}
	if analysis.Patches[0].Type != models.PatchContextReframe {
		t.Errorf("type = %s", analysis.Patches[0].Type)
	}
	if analysis.Best() != nil {
		t.Error("advisory patch must not be Best()")
	}
}

func TestOutcomeFeedbackShiftsRanking(t *testing.T) {
	f := newFixture(t, nil)
	patches := []models.CorrectionPatch{
		{Strategy: StrategyToolMismatch, Confidence: 0.8},
		{Strategy: StrategyAlternativeApproach, Confidence: 0.75},
	}
	// Heavy failure history for tool_mismatch flips the order.
	for i := 0; i < 10; i++ {
		f.critic.ReportOutcome(StrategyToolMismatch, false)
	}
	f.critic.rankPatches(patches)
	if patches[0].Strategy != StrategyAlternativeApproach {
		t.Errorf("ranking = %v, want alternative first", patches[0].Strategy)
	}
}

func TestRatesRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.critic.ReportOutcome(StrategySkillGap, false)
	rates := f.critic.Rates()

	f2 := newFixture(t, nil)
	f2.critic.RestoreRates(rates)
	if got := f2.critic.Rates()[StrategySkillGap]; got != rates[StrategySkillGap] {
		t.Errorf("restored = %v, want %v", got, rates[StrategySkillGap])
	}
}
