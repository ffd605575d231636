// Package heal runs the background self-healing loop: a fixed rule list
// evaluated on a cadence, acting only through the recovery engine.
package heal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/recovery"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// LoadFn reports coarse system load in [0,1]. Nil disables the load rule.
type LoadFn func() float64

// Rules is the self-healing rule evaluator.
type Rules struct {
	cfg    config.HealConfig
	ledger *health.Ledger
	engine *recovery.Engine
	loadFn LoadFn
	log    *observability.Logger
}

// NewRules builds the evaluator.
func NewRules(cfg config.HealConfig, ledger *health.Ledger, engine *recovery.Engine, loadFn LoadFn, log *observability.Logger) *Rules {
	return &Rules{
		cfg:    cfg,
		ledger: ledger,
		engine: engine,
		loadFn: loadFn,
		log:    log.Component("heal"),
	}
}

// Run evaluates the rules on the configured interval until ctx is done.
func (r *Rules) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass over the rule list.
func (r *Rules) Evaluate(ctx context.Context) {
	for toolID, h := range r.ledger.Snapshot() {
		if !h.Online {
			continue
		}

		if failures := r.ledger.FailuresWithin(toolID, time.Hour); failures > r.cfg.FailuresPerHour {
			r.act(ctx, recovery.ActionIsolate, toolID,
				"failure_rate_exceeded", models.SeverityHigh)
			continue
		}

		if h.ConsecutiveFailures >= r.cfg.ConsecutiveRestarts {
			r.act(ctx, recovery.ActionRestart, toolID,
				"consecutive_failures", models.SeverityHigh)
		}
	}

	if r.loadFn != nil && r.cfg.LoadThreshold > 0 && r.loadFn() > r.cfg.LoadThreshold {
		r.act(ctx, recovery.ActionOptimize, "", "load_exceeded", models.SeverityMedium)
	}
}

// act invokes one recovery action through the engine so its bookkeeping and
// learned rates stay authoritative.
func (r *Rules) act(ctx context.Context, action, toolID, errorType string, severity models.ErrorSeverity) {
	ev := models.ErrorEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Component: "heal",
		ErrorType: errorType,
		Message:   "self-healing rule triggered: " + errorType,
		Severity:  severity,
		Category:  models.CategoryTool,
		Context:   models.ErrorContext{ToolID: toolID},
	}
	if err := r.engine.Execute(ctx, action, ev); err != nil {
		r.log.Warn(ctx, "self-healing action failed",
			"action", action, "tool_id", toolID, "error", err)
		return
	}
	r.log.Info(ctx, "self-healing action applied",
		"action", action, "tool_id", toolID, "rule", errorType)
}
