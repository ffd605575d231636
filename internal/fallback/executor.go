// Package fallback runs capability strategies in tier order with per-attempt
// timeouts, strategy health tracking and auto-disable, while keeping at
// least one fallback-or-emergency strategy enabled per capability.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

const (
	// autoDisableThreshold is the consecutive-failure count that takes a
	// strategy out of rotation.
	autoDisableThreshold = 5

	// defaultCooldown is how long a disabled strategy stays out.
	defaultCooldown = 5 * time.Minute

	// successRateFloor keeps a last-line strategy's rate positive when a
	// disable request is refused.
	successRateFloor = 0.05

	// Success-rate adjustment mirrors the ledger's reliability scheme.
	failureDecay    = 0.9
	successRecovery = 0.01
)

// Runner executes one strategy attempt. Implementations exist per strategy
// kind: MCP tool calls, cached synthesis, assistance requests.
type Runner interface {
	Run(ctx context.Context, strategy config.StrategyConfig, task *models.Task, call models.ToolCall) (json.RawMessage, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, strategy config.StrategyConfig, task *models.Task, call models.ToolCall) (json.RawMessage, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, strategy config.StrategyConfig, task *models.Task, call models.ToolCall) (json.RawMessage, error) {
	return f(ctx, strategy, task, call)
}

// ErrNoEnabledStrategy means every strategy for the capability was disabled
// or missing a runner. The last-line invariant makes this unreachable for
// properly configured capabilities.
var ErrNoEnabledStrategy = errors.New("fallback: no enabled strategy for capability")

// StrategyStatus is the externally visible state of one strategy.
type StrategyStatus struct {
	Name                string        `json:"name"`
	Tier                models.Tier   `json:"tier"`
	Enabled             bool          `json:"enabled"`
	DisabledUntil       time.Time     `json:"disabled_until,omitempty"`
	SuccessRate         float64       `json:"success_rate"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Attempts            int64         `json:"attempts"`
}

type strategyState struct {
	cfg config.StrategyConfig
	StrategyStatus
}

// Executor owns the per-capability strategy lists.
type Executor struct {
	log      *observability.Logger
	metrics  *observability.Metrics
	cooldown time.Duration

	mu           sync.Mutex
	capabilities map[string][]*strategyState
	runners      map[string]Runner

	now func() time.Time
}

// NewExecutor builds an executor from the configured capability lists.
// Runners are registered per strategy kind with RegisterRunner.
func NewExecutor(capabilities map[string][]config.StrategyConfig, log *observability.Logger, metrics *observability.Metrics) *Executor {
	e := &Executor{
		log:          log.Component("fallback"),
		metrics:      metrics,
		cooldown:     defaultCooldown,
		capabilities: make(map[string][]*strategyState, len(capabilities)),
		runners:      make(map[string]Runner),
		now:          time.Now,
	}
	for capability, strategies := range capabilities {
		list := make([]*strategyState, 0, len(strategies))
		for _, s := range strategies {
			list = append(list, &strategyState{
				cfg: s,
				StrategyStatus: StrategyStatus{
					Name:        s.Name,
					Tier:        models.Tier(s.Tier),
					Enabled:     true,
					SuccessRate: 1.0,
				},
			})
		}
		e.capabilities[capability] = list
	}
	return e
}

// RegisterRunner binds a strategy kind ("tool", "cached", "assist") to its
// runner.
func (e *Executor) RegisterRunner(kind string, r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[kind] = r
}

// Execute runs the capability's strategies in tier order until one succeeds.
// The result records the winning strategy and the full attempt log; when
// everything fails the outcome is the last attempt's.
func (e *Executor) Execute(ctx context.Context, capability string, task *models.Task, call models.ToolCall) (models.ToolCallResult, error) {
	started := e.now()
	result := models.ToolCallResult{CallID: call.ID}

	for {
		state, runner, ok := e.nextStrategy(capability, attemptedNames(result.Attempts))
		if !ok {
			break
		}

		attempt, payload := e.runStrategy(ctx, state, runner, task, call)
		result.Attempts = append(result.Attempts, attempt)
		e.recordAttempt(capability, state.Name, attempt.Outcome)
		e.countMetric(capability, attempt.Tier, attempt.Outcome)

		if attempt.Outcome == models.OutcomeSuccess {
			result.Outcome = models.OutcomeSuccess
			result.Payload = payload
			result.Tier = attempt.Tier
			result.StrategyUsed = attempt.Strategy
			result.Duration = e.now().Sub(started)
			return result, nil
		}

		if ctx.Err() != nil {
			break
		}
	}

	result.Duration = e.now().Sub(started)
	if len(result.Attempts) == 0 {
		result.Outcome = models.OutcomeError
		result.Error = ErrNoEnabledStrategy.Error()
		return result, ErrNoEnabledStrategy
	}

	last := result.Attempts[len(result.Attempts)-1]
	result.Outcome = last.Outcome
	result.Error = last.Error
	result.Tier = last.Tier
	result.StrategyUsed = last.Strategy
	return result, fmt.Errorf("fallback: all %d strategies failed for %s: %s",
		len(result.Attempts), capability, last.Error)
}

func attemptedNames(attempts []models.AttemptRecord) map[string]bool {
	out := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		out[a.Strategy] = true
	}
	return out
}

// nextStrategy picks the best not-yet-attempted enabled strategy: tier order
// first, then success rate descending, then consecutive failures ascending.
// Disabled strategies whose cooldown lapsed are re-enabled here.
func (e *Executor) nextStrategy(capability string, attempted map[string]bool) (*strategyState, Runner, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.capabilities[capability]
	now := e.now()

	candidates := make([]*strategyState, 0, len(list))
	for _, s := range list {
		if attempted[s.Name] {
			continue
		}
		if !s.Enabled {
			if !s.DisabledUntil.IsZero() && now.After(s.DisabledUntil) {
				s.Enabled = true
				s.DisabledUntil = time.Time{}
				s.ConsecutiveFailures = 0
			} else {
				continue
			}
		}
		if _, ok := e.runners[s.cfg.Kind]; !ok {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() < b.Tier.Rank()
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	})

	best := candidates[0]
	return best, e.runners[best.cfg.Kind], true
}

// runStrategy executes one bounded attempt, returning the record and, on
// success, the payload.
func (e *Executor) runStrategy(ctx context.Context, state *strategyState, runner Runner, task *models.Task, call models.ToolCall) (models.AttemptRecord, json.RawMessage) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if state.cfg.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, state.cfg.Timeout)
	}
	defer cancel()

	started := e.now()
	payload, err := runner.Run(attemptCtx, state.cfg, task, call)
	elapsed := e.now().Sub(started)

	record := models.AttemptRecord{
		Strategy: state.Name,
		Tier:     state.Tier,
		Duration: elapsed,
	}
	switch {
	case err == nil:
		record.Outcome = models.OutcomeSuccess
		return record, payload
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		record.Outcome = models.OutcomeTimeout
		record.Error = fmt.Sprintf("strategy %s timed out after %s", state.Name, state.cfg.Timeout)
	default:
		record.Outcome = models.OutcomeFailure
		record.Error = err.Error()
	}
	return record, nil
}

// recordAttempt updates strategy health and enforces the auto-disable and
// last-line rules.
func (e *Executor) recordAttempt(capability, name string, outcome models.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.findStrategy(capability, name)
	if state == nil {
		return
	}
	state.Attempts++

	if outcome == models.OutcomeSuccess {
		state.ConsecutiveFailures = 0
		state.SuccessRate = min(1.0, state.SuccessRate+successRecovery)
		return
	}

	state.ConsecutiveFailures++
	state.SuccessRate *= failureDecay

	if state.ConsecutiveFailures < autoDisableThreshold {
		return
	}
	if state.Tier.IsLastLine() && e.isLastEnabledLastLine(capability, name) {
		// Refuse to disable the last line of defense; floor its rate so
		// ordering still deprioritizes it within the tier.
		if state.SuccessRate < successRateFloor {
			state.SuccessRate = successRateFloor
		}
		e.log.Warn(nil, "refused to disable last-line strategy",
			"capability", capability, "strategy", name)
		return
	}
	state.Enabled = false
	state.DisabledUntil = e.now().Add(e.cooldown)
	e.log.Warn(nil, "strategy auto-disabled",
		"capability", capability, "strategy", name,
		"until", state.DisabledUntil.Format(time.RFC3339))
}

func (e *Executor) findStrategy(capability, name string) *strategyState {
	for _, s := range e.capabilities[capability] {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// isLastEnabledLastLine reports whether the named strategy is the only
// enabled fallback-or-emergency strategy of the capability.
func (e *Executor) isLastEnabledLastLine(capability, name string) bool {
	for _, s := range e.capabilities[capability] {
		if s.Name == name || !s.Enabled || !s.Tier.IsLastLine() {
			continue
		}
		return false
	}
	return true
}

// Status returns a copy of every strategy's state for one capability.
func (e *Executor) Status(capability string) []StrategyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.capabilities[capability]
	out := make([]StrategyStatus, 0, len(list))
	for _, s := range list {
		out = append(out, s.StrategyStatus)
	}
	return out
}

// Capabilities returns the configured capability tags, sorted.
func (e *Executor) Capabilities() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.capabilities))
	for c := range e.capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) countMetric(capability string, tier models.Tier, outcome models.Outcome) {
	if e.metrics != nil {
		e.metrics.StrategyAttempts.WithLabelValues(capability, string(tier), string(outcome)).Inc()
	}
}
