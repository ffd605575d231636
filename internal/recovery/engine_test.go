package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

func event(category models.ErrorCategory, severity models.ErrorSeverity) models.ErrorEvent {
	return models.ErrorEvent{
		ID: "e1", Timestamp: time.Now(), Component: "mcp",
		ErrorType: "connection_refused", Category: category, Severity: severity,
		Context: models.ErrorContext{ToolID: "mcp-deepsearch", Action: "research"},
	}
}

func nopHandler(err error) Handler {
	return func(ctx context.Context, ev models.ErrorEvent) error { return err }
}

func TestPlanFiltersByCategoryAndHandlers(t *testing.T) {
	e := NewEngine(observability.NewNopLogger(), nil)
	e.Register(ActionRetry, nopHandler(nil))
	e.Register(ActionIsolate, nopHandler(nil))

	plan := e.Plan(event(models.CategoryNetwork, models.SeverityMedium))
	if len(plan) != 1 || plan[0].Action != ActionRetry {
		t.Errorf("plan = %+v, want only retry (no transport handler registered)", plan)
	}

	plan = e.Plan(event(models.CategoryTool, models.SeverityMedium))
	if len(plan) != 1 || plan[0].Action != ActionIsolate {
		t.Errorf("tool plan = %+v", plan)
	}
}

func TestPlanSortsByLearnedRate(t *testing.T) {
	e := NewEngine(observability.NewNopLogger(), nil)
	e.Register(ActionRetry, nopHandler(nil))
	e.Register(ActionFallbackTransport, nopHandler(nil))

	// Teach the engine that retry keeps failing.
	for i := 0; i < 5; i++ {
		e.updateRate(ActionRetry, false)
	}

	plan := e.Plan(event(models.CategoryNetwork, models.SeverityMedium))
	if plan[0].Action != ActionFallbackTransport {
		t.Errorf("plan order = %+v, want fallback_transport first", plan)
	}
}

func TestCriticalPrependsEmergencyAction(t *testing.T) {
	e := NewEngine(observability.NewNopLogger(), nil)
	e.Register(ActionRestart, nopHandler(nil))
	e.Register(ActionEmergencyRestart, nopHandler(nil))
	e.Register(ActionEmergencyCleanup, nopHandler(nil))
	e.Register(ActionCleanup, nopHandler(nil))

	plan := e.Plan(event(models.CategoryDependency, models.SeverityCritical))
	if plan[0].Action != ActionEmergencyRestart {
		t.Errorf("plan = %+v, want emergency_restart first", plan)
	}

	plan = e.Plan(event(models.CategoryResource, models.SeverityCritical))
	if plan[0].Action != ActionEmergencyCleanup {
		t.Errorf("resource plan = %+v, want emergency_cleanup first", plan)
	}
}

func TestRecoverStopsAtFirstSuccess(t *testing.T) {
	e := NewEngine(observability.NewNopLogger(), nil)
	executed := []string{}
	e.Register(ActionRetry, func(ctx context.Context, ev models.ErrorEvent) error {
		executed = append(executed, ActionRetry)
		return errors.New("still down")
	})
	e.Register(ActionFallbackTransport, func(ctx context.Context, ev models.ErrorEvent) error {
		executed = append(executed, ActionFallbackTransport)
		return nil
	})

	res, err := e.Recover(context.Background(), event(models.CategoryNetwork, models.SeverityMedium))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded {
		t.Error("plan should succeed")
	}
	// retry ran its two bounded attempts, then the transport swap won.
	if len(executed) != 3 {
		t.Errorf("execution trace = %v", executed)
	}
	last := res.Executed[len(res.Executed)-1]
	if last.Action != ActionFallbackTransport || !last.Success {
		t.Errorf("last outcome = %+v", last)
	}
}

func TestRecoverAllFail(t *testing.T) {
	e := NewEngine(observability.NewNopLogger(), nil)
	e.Register(ActionRetry, nopHandler(errors.New("no")))
	e.Register(ActionFallbackTransport, nopHandler(errors.New("no")))

	res, err := e.Recover(context.Background(), event(models.CategoryNetwork, models.SeverityMedium))
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Succeeded || len(res.Executed) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRecoverNoApplicableAction(t *testing.T) {
	e := NewEngine(observability.NewNopLogger(), nil)
	if _, err := e.Recover(context.Background(), event(models.CategoryNetwork, models.SeverityMedium)); err == nil {
		t.Error("empty plan should error")
	}
}

func TestRatesRoundTrip(t *testing.T) {
	e := NewEngine(observability.NewNopLogger(), nil)
	e.Register(ActionRetry, nopHandler(nil))
	e.updateRate(ActionRetry, false)

	rates := e.Rates()

	e2 := NewEngine(observability.NewNopLogger(), nil)
	e2.Register(ActionRetry, nopHandler(nil))
	e2.RestoreRates(rates)
	if got := e2.Rates()[ActionRetry]; got != rates[ActionRetry] {
		t.Errorf("restored rate = %v, want %v", got, rates[ActionRetry])
	}

	// Malformed values are rejected.
	e2.RestoreRates(map[string]float64{ActionRetry: -3})
	if got := e2.Rates()[ActionRetry]; got != rates[ActionRetry] {
		t.Errorf("invalid rate accepted: %v", got)
	}
}
