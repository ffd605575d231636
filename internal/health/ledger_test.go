package health

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		GlobalWindow:            1000,
		PerToolWindow:           100,
		FailureWindow:           24 * time.Hour,
		ConsecutiveFailureLimit: 3,
	}
}

func failureEvent(id, toolID string, at time.Time) models.ErrorEvent {
	return models.ErrorEvent{
		ID:        id,
		Timestamp: at,
		Component: "mcp",
		ErrorType: "timeout",
		Category:  models.CategoryTimeout,
		Severity:  models.SeverityLow,
		Context:   models.ErrorContext{ToolID: toolID, Action: "research"},
	}
}

func TestReliabilityDecayAndRecovery(t *testing.T) {
	l := NewLedger(testConfig(), observability.NewNopLogger())

	l.RecordFailure(failureEvent("e1", "mcp-deepsearch", time.Now()))
	got := l.Health("mcp-deepsearch").Reliability
	if math.Abs(got-0.9) > 1e-9 {
		t.Errorf("reliability after one failure = %v, want 0.9", got)
	}

	l.RecordSuccess("mcp-deepsearch", time.Second)
	got = l.Health("mcp-deepsearch").Reliability
	if math.Abs(got-0.91) > 1e-9 {
		t.Errorf("reliability after recovery = %v, want 0.91", got)
	}

	// Recovery is capped at 1.0.
	for i := 0; i < 20; i++ {
		l.RecordSuccess("fresh-tool", time.Second)
	}
	if got := l.Health("fresh-tool").Reliability; got > 1.0 {
		t.Errorf("reliability exceeded 1.0: %v", got)
	}
}

func TestRecordFailureIdempotentByID(t *testing.T) {
	l := NewLedger(testConfig(), observability.NewNopLogger())
	ev := failureEvent("dup", "browser_use", time.Now())

	if !l.RecordFailure(ev) {
		t.Fatal("first record should apply")
	}
	if l.RecordFailure(ev) {
		t.Error("replayed event should be a no-op")
	}
	if got := l.Health("browser_use").TotalFailures; got != 1 {
		t.Errorf("total failures = %d, want 1", got)
	}
}

func TestAvailabilityTripsOnConsecutiveFailures(t *testing.T) {
	l := NewLedger(testConfig(), observability.NewNopLogger())
	tool := "microsandbox"

	for i := 0; i < 2; i++ {
		l.RecordFailure(failureEvent(fmt.Sprintf("e%d", i), tool, time.Now()))
	}
	if !l.IsAvailable(tool) {
		t.Fatal("two consecutive failures should not trip availability")
	}
	l.RecordFailure(failureEvent("e3", tool, time.Now()))
	if l.IsAvailable(tool) {
		t.Error("three consecutive failures within the hour should trip")
	}

	// A success resets the streak.
	l.RecordSuccess(tool, time.Second)
	if !l.IsAvailable(tool) {
		t.Error("success should restore availability")
	}
}

func TestConsecutiveFailuresOutsideHourDoNotTrip(t *testing.T) {
	l := NewLedger(testConfig(), observability.NewNopLogger())
	base := time.Now().Add(-2 * time.Hour)
	clock := base
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		l.RecordFailure(failureEvent(fmt.Sprintf("e%d", i), "stale-tool", base))
	}
	clock = time.Now()
	if !l.IsAvailable("stale-tool") {
		t.Error("failures older than an hour should not suppress availability")
	}
}

func TestOfflineLifecycle(t *testing.T) {
	l := NewLedger(testConfig(), observability.NewNopLogger())
	l.RecordFailure(failureEvent("e1", "mcp-deepsearch", time.Now()))
	before := l.Health("mcp-deepsearch").Reliability

	l.MarkOffline("mcp-deepsearch", 5*time.Minute)
	if l.IsAvailable("mcp-deepsearch") {
		t.Error("offline tool reported available")
	}

	l.ClearOffline("mcp-deepsearch")
	h := l.Health("mcp-deepsearch")
	if !h.Online || !l.IsAvailable("mcp-deepsearch") {
		t.Error("clear should restore availability")
	}
	if h.Reliability != before {
		t.Errorf("clearing offline changed reliability %v -> %v", before, h.Reliability)
	}
	if h.ConsecutiveFailures != 0 {
		t.Error("clear should reset the failure streak")
	}
}

func TestGlobalWindowEviction(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalWindow = 10
	l := NewLedger(cfg, observability.NewNopLogger())

	for i := 0; i < 15; i++ {
		l.RecordFailure(failureEvent(fmt.Sprintf("e%d", i), "t", time.Now()))
	}
	events := l.RecentEvents(100)
	if len(events) != 10 {
		t.Errorf("global window holds %d, want 10", len(events))
	}
	if events[0].ID != "e14" {
		t.Errorf("newest event = %s, want e14", events[0].ID)
	}
	// Evicted ids may be recorded again without tripping dedup.
	if !l.RecordFailure(failureEvent("e0", "t", time.Now())) {
		t.Error("evicted id should be recordable again")
	}
}

func TestSignatureCounting(t *testing.T) {
	l := NewLedger(testConfig(), observability.NewNopLogger())
	now := time.Now()
	for i := 0; i < 3; i++ {
		l.RecordFailure(failureEvent(fmt.Sprintf("s%d", i), "browser_use", now))
	}
	other := failureEvent("other", "browser_use", now)
	other.ErrorType = "unknown_action"
	l.RecordFailure(other)

	sig := models.FailureSignature{ToolID: "browser_use", Action: "research", ErrorType: "timeout"}
	if got := l.CountBySignature(sig, time.Hour); got != 3 {
		t.Errorf("CountBySignature = %d, want 3", got)
	}
	if got := len(l.RecentForSignature(sig, 2)); got != 2 {
		t.Errorf("RecentForSignature cap = %d, want 2", got)
	}
}

func TestRestoreSeedsState(t *testing.T) {
	l := NewLedger(testConfig(), observability.NewNopLogger())
	l.Restore([]ToolHealth{{
		ToolID:      "mcp-deepsearch",
		Online:      true,
		Reliability: 0.72,
		TotalCalls:  50,
		AvgDuration: 2 * time.Second,
	}})
	h := l.Health("mcp-deepsearch")
	if h.Reliability != 0.72 || h.TotalCalls != 50 {
		t.Errorf("restored health = %+v", h)
	}
	// Averages keep accumulating from the restored baseline.
	l.RecordSuccess("mcp-deepsearch", 2*time.Second)
	if got := l.Health("mcp-deepsearch").AvgDuration; got != 2*time.Second {
		t.Errorf("avg duration after success = %v", got)
	}
}
