// Package recovery assembles and executes recovery plans for classified
// error events: ordered action lists chosen by category and ranked by
// learned success rate.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Recovery action names.
const (
	ActionRetry             = "retry"
	ActionFallbackTransport = "fallback_transport"
	ActionRestart           = "restart"
	ActionFallback          = "fallback"
	ActionIsolate           = "isolate"
	ActionRetryExtended     = "retry_extended_timeout"
	ActionCompensate        = "compensate"
	ActionCleanup           = "cleanup"
	ActionOptimize          = "optimize"
	ActionResetDefaults     = "reset_defaults"
	ActionRepair            = "repair"
	ActionEmergencyRestart  = "emergency_restart"
	ActionEmergencyCleanup  = "emergency_cleanup"
)

// categoryActions maps each error category to its eligible action pool.
var categoryActions = map[models.ErrorCategory][]string{
	models.CategoryNetwork:       {ActionRetry, ActionFallbackTransport},
	models.CategoryTool:          {ActionRestart, ActionFallback, ActionIsolate},
	models.CategoryTimeout:       {ActionRetryExtended, ActionCompensate},
	models.CategoryResource:      {ActionCleanup, ActionOptimize},
	models.CategoryConfiguration: {ActionResetDefaults, ActionRepair},
	models.CategoryDependency:    {ActionRestart, ActionFallback},
	models.CategoryData:          {ActionRetry, ActionCompensate},
	models.CategorySystem:        {ActionCleanup, ActionRestart},
}

// Success-rate adjustment, matching the ledger's reliability scheme.
const (
	failureDecay    = 0.9
	successRecovery = 0.01
)

// Defaults bounding each action execution.
const (
	defaultActionTimeout = 30 * time.Second
	defaultMaxAttempts   = 2
)

// Handler performs one recovery action for an event.
type Handler func(ctx context.Context, ev models.ErrorEvent) error

// PlanStep is one entry of an assembled recovery plan.
type PlanStep struct {
	Action      string
	SuccessRate float64
	Timeout     time.Duration
	MaxAttempts int
}

// ActionOutcome records one executed plan step.
type ActionOutcome struct {
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of running a recovery plan.
type Result struct {
	Succeeded bool            `json:"succeeded"`
	Executed  []ActionOutcome `json:"executed"`
}

// Engine owns recovery action handlers and their learned success rates.
type Engine struct {
	log     *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	handlers map[string]Handler
	rates    map[string]float64
}

// NewEngine builds an engine with no handlers registered. Actions without a
// handler are skipped at plan time.
func NewEngine(log *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		log:      log.Component("recovery"),
		metrics:  metrics,
		handlers: make(map[string]Handler),
		rates:    make(map[string]float64),
	}
}

// Register binds an action name to its handler.
func (e *Engine) Register(action string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[action] = h
	if _, ok := e.rates[action]; !ok {
		e.rates[action] = 1.0
	}
}

// Plan assembles the ordered action list for an event: the category's pool
// filtered to registered handlers, sorted by learned success rate
// descending; critical severity prepends an emergency action.
func (e *Engine) Plan(ev models.ErrorEvent) []PlanStep {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool := categoryActions[ev.Category]
	steps := make([]PlanStep, 0, len(pool)+1)
	for _, action := range pool {
		if _, ok := e.handlers[action]; !ok {
			continue
		}
		steps = append(steps, PlanStep{
			Action:      action,
			SuccessRate: e.rateLocked(action),
			Timeout:     defaultActionTimeout,
			MaxAttempts: defaultMaxAttempts,
		})
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SuccessRate > steps[j].SuccessRate
	})

	if ev.Severity == models.SeverityCritical {
		emergency := ActionEmergencyRestart
		if ev.Category == models.CategoryResource {
			emergency = ActionEmergencyCleanup
		}
		if _, ok := e.handlers[emergency]; ok {
			steps = append([]PlanStep{{
				Action:      emergency,
				SuccessRate: e.rateLocked(emergency),
				Timeout:     defaultActionTimeout,
				MaxAttempts: 1,
			}}, steps...)
		}
	}
	return steps
}

func (e *Engine) rateLocked(action string) float64 {
	if r, ok := e.rates[action]; ok {
		return r
	}
	return 1.0
}

// Recover executes the plan for an event sequentially. The first successful
// action ends the plan. Returns the result and an error when no action
// succeeded.
func (e *Engine) Recover(ctx context.Context, ev models.ErrorEvent) (Result, error) {
	plan := e.Plan(ev)
	result := Result{}

	for _, step := range plan {
		outcome := e.runStep(ctx, step, ev)
		result.Executed = append(result.Executed, outcome)
		e.updateRate(step.Action, outcome.Success)
		e.countAction(step.Action, outcome.Success)

		if outcome.Success {
			result.Succeeded = true
			e.log.Info(ctx, "recovery succeeded",
				"action", step.Action, "category", string(ev.Category), "error_id", ev.ID)
			return result, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	if len(plan) == 0 {
		return result, fmt.Errorf("recovery: no applicable action for category %s", ev.Category)
	}
	return result, fmt.Errorf("recovery: all %d actions failed for category %s", len(result.Executed), ev.Category)
}

func (e *Engine) runStep(ctx context.Context, step PlanStep, ev models.ErrorEvent) ActionOutcome {
	e.mu.Lock()
	handler := e.handlers[step.Action]
	e.mu.Unlock()

	outcome := ActionOutcome{Action: step.Action}
	started := time.Now()

	for attempt := 1; attempt <= step.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		err := handler(stepCtx, ev)
		cancel()

		if err == nil {
			outcome.Success = true
			break
		}
		outcome.Error = err.Error()
		if ctx.Err() != nil {
			break
		}
	}
	outcome.Duration = time.Since(started)
	return outcome
}

func (e *Engine) updateRate(action string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rate := e.rateLocked(action)
	if success {
		rate = min(1.0, rate+successRecovery)
	} else {
		rate *= failureDecay
	}
	e.rates[action] = rate
}

func (e *Engine) countAction(action string, success bool) {
	if e.metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	e.metrics.RecoveryActions.WithLabelValues(action, outcome).Inc()
}

// Execute runs a single named action with the engine's usual bookkeeping.
// Used by the self-healing rules, which map conditions to specific actions
// but must not bypass rate tracking.
func (e *Engine) Execute(ctx context.Context, action string, ev models.ErrorEvent) error {
	e.mu.Lock()
	_, ok := e.handlers[action]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("recovery: no handler for action %s", action)
	}

	outcome := e.runStep(ctx, PlanStep{
		Action:      action,
		Timeout:     defaultActionTimeout,
		MaxAttempts: 1,
	}, ev)
	e.updateRate(action, outcome.Success)
	e.countAction(action, outcome.Success)

	if !outcome.Success {
		return fmt.Errorf("recovery: action %s failed: %s", action, outcome.Error)
	}
	return nil
}

// Rates returns a copy of the learned action success rates.
func (e *Engine) Rates() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.rates))
	for k, v := range e.rates {
		out[k] = v
	}
	return out
}

// RestoreRates seeds learned rates from persisted state. Values outside
// (0, 1] are dropped.
func (e *Engine) RestoreRates(rates map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for action, rate := range rates {
		if rate > 0 && rate <= 1 {
			e.rates[action] = rate
		}
	}
}
