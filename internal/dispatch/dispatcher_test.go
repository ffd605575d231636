package dispatch

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
	"github.com/haasonsaas/dispatch/pkg/models"
)

type staticSource struct{ tools map[string]*registry.ToolSchema }

func (s *staticSource) Fingerprints(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for id := range s.tools {
		out[id] = "v1-" + id
	}
	return out, nil
}

func (s *staticSource) FetchSchema(ctx context.Context, toolID string) (*registry.ToolSchema, error) {
	t := *s.tools[toolID]
	return &t, nil
}

func seededRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	src := &staticSource{tools: map[string]*registry.ToolSchema{
		"mcp-deepsearch": {
			ID: "mcp-deepsearch", Name: "DeepSearch", Version: 1, Description: "d",
			Actions: map[string]registry.ActionSpec{
				"research":     {Description: "r"},
				"quick_search": {Description: "q"},
			},
		},
		"microsandbox": {
			ID: "microsandbox", Name: "Sandbox", Version: 1, Description: "s",
			Actions: map[string]registry.ActionSpec{
				"microsandbox_execute": {Description: "e"},
			},
		},
	}}
	reg := registry.New(src, registry.Config{RefreshInterval: time.Hour}, observability.NewNopLogger(), nil)
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}
	return reg
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *health.Ledger) {
	t.Helper()
	log := observability.NewNopLogger()
	ledger := health.NewLedger(config.Default().Health, log)
	d := New(config.Default().Dispatcher, config.DefaultCapabilities(), ledger, seededRegistry(t), nil, log)
	return d, ledger
}

func failure(id, toolID string) models.ErrorEvent {
	return models.ErrorEvent{
		ID: id, Timestamp: time.Now(), Component: "mcp", ErrorType: "timeout",
		Category: models.CategoryTimeout, Severity: models.SeverityLow,
		Context: models.ErrorContext{ToolID: toolID, Action: "research"},
	}
}

func TestSelectRanksAndFiltersUnavailable(t *testing.T) {
	d, ledger := newTestDispatcher(t)
	task := &models.Task{ID: "t1", Type: models.TaskResearch, Description: "research raft consensus"}

	candidates, err := d.Select(context.Background(), "web_search", task)
	if err != nil {
		t.Fatal(err)
	}
	// Both tool strategies resolve in the registry and are healthy.
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	for i := 1; i < len(candidates); i++ {
		if candidates[i-1].Score < candidates[i].Score {
			t.Error("candidates not sorted by score descending")
		}
	}

	// Knock deepsearch out and it disappears from the ranking.
	for i := 0; i < 3; i++ {
		ledger.RecordFailure(failure(string(rune('a'+i)), "mcp-deepsearch"))
	}
	candidates, err = d.Select(context.Background(), "web_search", task)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range candidates {
		if c.ToolID == "mcp-deepsearch" {
			t.Error("unavailable tool still ranked")
		}
	}
}

func TestSelectUnknownCapability(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if _, err := d.Select(context.Background(), "quantum_teleport", nil); err == nil {
		t.Error("unknown capability should error")
	}
}

func TestSelectSkipsToolsMissingFromSnapshot(t *testing.T) {
	d, _ := newTestDispatcher(t)
	// browser_automation's primary tool browser_use is not in the seeded
	// registry; only microsandbox remains.
	candidates, err := d.Select(context.Background(), "browser_automation", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range candidates {
		if c.ToolID == "browser_use" {
			t.Error("tool absent from snapshot should be skipped")
		}
	}
}

func TestContextHashStableAndDiscriminating(t *testing.T) {
	d, _ := newTestDispatcher(t)
	research := &models.Task{Type: models.TaskResearch, Description: "research raft"}
	execute := &models.Task{Type: models.TaskExecute, Description: "run this script"}

	if d.ContextHash(research) != d.ContextHash(research) {
		t.Error("hash not stable")
	}
	if d.ContextHash(research) == d.ContextHash(execute) {
		t.Error("distinct contexts should hash differently")
	}
}

func TestHistoricalSuccessInfluencesRanking(t *testing.T) {
	d, _ := newTestDispatcher(t)
	task := &models.Task{Type: models.TaskSearch, Description: "find the capital of peru"}
	hash := d.ContextHash(task)

	// Teach the dispatcher that microsandbox keeps failing for this
	// context while deepsearch succeeds.
	sandbox := Candidate{ToolID: "microsandbox", Action: "microsandbox_execute"}
	deep := Candidate{ToolID: "mcp-deepsearch", Action: "quick_search"}
	for i := 0; i < 20; i++ {
		d.RecordOutcome(sandbox, hash, false, time.Second)
		d.RecordOutcome(deep, hash, true, time.Second)
	}

	candidates, err := d.Select(context.Background(), "web_search", task)
	if err != nil {
		t.Fatal(err)
	}
	if candidates[0].ToolID != "mcp-deepsearch" {
		t.Errorf("top candidate = %s, want mcp-deepsearch", candidates[0].ToolID)
	}
}

func TestWeightAdaptationGatedByConfidence(t *testing.T) {
	d, _ := newTestDispatcher(t)
	before := d.Weights()

	lowConfidence := Candidate{
		ToolID: "mcp-deepsearch", Action: "research",
		Terms:      map[string]float64{FactorHistorical: 0.4},
		Confidence: 0.2,
	}
	d.RecordOutcome(lowConfidence, "h", true, time.Second)
	if !weightsEqual(before, d.Weights()) {
		t.Error("low-confidence outcome must not move weights")
	}

	highConfidence := lowConfidence
	highConfidence.Confidence = 0.9
	d.RecordOutcome(highConfidence, "h", true, time.Second)
	after := d.Weights()
	if weightsEqual(before, after) {
		t.Error("confident success should nudge weights")
	}
	if after[FactorHistorical] <= after[FactorPerformance]*before[FactorHistorical]/before[FactorPerformance] {
		t.Error("dominant factor should gain relative weight")
	}
	sum := 0.0
	for _, w := range after {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("weights not renormalized: sum = %v", sum)
	}
}

func TestStateRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c := Candidate{ToolID: "mcp-deepsearch", Action: "research"}
	d.RecordOutcome(c, "ctx", true, 2*time.Second)
	d.RecordOutcome(c, "ctx", false, time.Second)

	weights, stats := d.ExportState()

	d2, _ := newTestDispatcher(t)
	d2.RestoreState(weights, stats)
	_, restored := d2.ExportState()
	key := "mcp-deepsearch.research|ctx"
	if restored[key].Attempts != 2 || restored[key].Successes != 1 {
		t.Errorf("restored stats = %+v", restored[key])
	}
}

func weightsEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if math.Abs(b[k]-v) > 1e-12 {
			return false
		}
	}
	return true
}
