// Package runtime wires the full dispatch pipeline: schema registry over
// MCP, alias normalization, validation, adaptive dispatch, tier fallback,
// error classification, recovery, self-healing, the critic loop and
// persistence. One Runtime owns every background loop.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/alias"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/critic"
	"github.com/haasonsaas/dispatch/internal/dispatch"
	"github.com/haasonsaas/dispatch/internal/errclass"
	"github.com/haasonsaas/dispatch/internal/fallback"
	"github.com/haasonsaas/dispatch/internal/heal"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/llm"
	"github.com/haasonsaas/dispatch/internal/mcp"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/probe"
	"github.com/haasonsaas/dispatch/internal/recovery"
	"github.com/haasonsaas/dispatch/internal/registry"
	"github.com/haasonsaas/dispatch/internal/retry"
	"github.com/haasonsaas/dispatch/internal/server"
	"github.com/haasonsaas/dispatch/internal/store"
	"github.com/haasonsaas/dispatch/internal/toolwatch"
	"github.com/haasonsaas/dispatch/internal/validate"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// flushInterval paces learned-state persistence.
const flushInterval = 30 * time.Second

// Invoker executes one tool action. Satisfied by mcp.Client.
type Invoker interface {
	Call(ctx context.Context, toolID, action string, params map[string]any) (json.RawMessage, error)
}

// Runtime owns every component and background loop of the dispatch engine.
type Runtime struct {
	cfg     *config.Config
	log     *observability.Logger
	metrics *observability.Metrics

	invoker    Invoker
	source     registry.Source
	registry   *registry.Registry
	mapper     *alias.Mapper
	validator  *validate.Validator
	ledger     *health.Ledger
	classifier *errclass.Classifier
	dispatcher *dispatch.Dispatcher
	executor   *fallback.Executor
	engine     *recovery.Engine
	rules      *heal.Rules
	critic     *critic.Critic
	prober     *probe.Prober
	watcher    *toolwatch.Watcher
	store      *store.Store
	server     *server.Server
	provider   llm.Provider

	mu  sync.Mutex
	seq map[string]int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the production runtime: MCP transport, SQLite persistence and
// the configured LLM provider. A missing API key disables parameter repair
// and cached synthesis rather than refusing to boot.
func New(cfg *config.Config, log *observability.Logger) (*Runtime, error) {
	client := mcp.NewClient(cfg.Servers, log)

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		log.Warn(nil, "llm provider unavailable, parameter repair and cached synthesis disabled",
			"error", err)
		provider = nil
	}

	return assemble(cfg, log, client, client, st, provider), nil
}

// assemble wires the components over explicit transport, source, store and
// provider. Tests swap in fakes here.
func assemble(cfg *config.Config, log *observability.Logger, invoker Invoker, source registry.Source, st *store.Store, provider llm.Provider) *Runtime {
	metrics := observability.NewMetrics()

	reg := registry.New(source, registry.Config{
		RefreshInterval: cfg.Registry.RefreshInterval,
		ManifestRoots:   cfg.Registry.ManifestRoots,
	}, log, metrics)

	mapper := alias.NewMapper(cfg.Aliases, log)
	validator := validate.NewValidator(mapper, reg, cfg.Validation, log)
	ledger := health.NewLedger(cfg.Health, log)
	classifier := errclass.NewClassifier(errclass.WithRateFn(ledger.ComponentFailuresLastHour))

	r := &Runtime{
		cfg:        cfg,
		log:        log.Component("runtime"),
		metrics:    metrics,
		invoker:    invoker,
		source:     source,
		registry:   reg,
		mapper:     mapper,
		validator:  validator,
		ledger:     ledger,
		classifier: classifier,
		store:      st,
		provider:   provider,
		seq:        make(map[string]int),
	}

	r.dispatcher = dispatch.New(cfg.Dispatcher, cfg.Capabilities, ledger, reg, goroutineLoad, log)

	r.executor = fallback.NewExecutor(cfg.Capabilities, log, metrics)
	r.executor.RegisterRunner("tool", r.toolRunner())
	r.executor.RegisterRunner("cached", r.cachedRunner())
	r.executor.RegisterRunner("assist", r.assistRunner())

	r.engine = recovery.NewEngine(log, metrics)
	r.registerRecoveryHandlers()

	r.rules = heal.NewRules(cfg.Heal, ledger, r.engine, goroutineLoad, log)
	r.critic = critic.New(cfg.Critic, cfg.Corrections, ledger, validator, reg, provider, log, metrics)
	r.prober = probe.NewProber(cfg.Probe, cfg.Servers, ledger, classifier, log, metrics)
	r.watcher = toolwatch.NewWatcher(cfg.Watch, reg, ledger, log)
	r.server = server.New(cfg.Server, reg, ledger, metrics, log)

	return r
}

// goroutineLoad is the coarse load signal for dispatch bucketing and the
// self-healing load rule.
func goroutineLoad() float64 {
	return math.Min(1.0, float64(goruntime.NumGoroutine())/1000.0)
}

// Start restores learned state, takes the first registry snapshot and
// launches every background loop.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.restoreState(ctx)

	if err := r.registry.Refresh(ctx, true); err != nil {
		// Degraded start: the registry serves an empty snapshot until a
		// refresh succeeds, and validation rejects unknown tools.
		r.log.Warn(ctx, "initial registry refresh failed", "error", err)
	}

	loops := []func(context.Context){
		r.prober.Run,
		r.watcher.Run,
		r.rules.Run,
		r.refreshLoop,
		r.flushLoop,
	}
	for _, loop := range loops {
		r.wg.Add(1)
		go func(run func(context.Context)) {
			defer r.wg.Done()
			run(ctx)
		}(loop)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Start(); err != nil {
			r.log.Error(ctx, "http server failed", "error", err)
		}
	}()

	r.log.Info(ctx, "runtime started",
		"tools", r.registry.Snapshot().Len(),
		"capabilities", len(r.cfg.Capabilities))
	return nil
}

// Shutdown stops the loops, drains the server and flushes learned state.
func (r *Runtime) Shutdown() error {
	grace := r.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if r.cancel != nil {
		r.cancel()
	}
	if err := r.server.Shutdown(ctx); err != nil {
		r.log.Warn(ctx, "server shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn(ctx, "background loops did not stop within grace period")
	}

	r.flushState(context.Background())
	return r.store.Close()
}

// refreshLoop keeps the registry snapshot fresh and its age gauge current.
func (r *Runtime) refreshLoop(ctx context.Context) {
	interval := r.cfg.Registry.RefreshInterval
	if interval <= 0 {
		interval = registry.DefaultConfig().RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.registry.Refresh(ctx, false); err != nil && err != registry.ErrRefreshTooSoon {
				r.log.Warn(ctx, "periodic refresh failed", "error", err)
			}
			r.metrics.RegistrySnapshotAge.Set(r.registry.Snapshot().Age().Seconds())
		}
	}
}

func (r *Runtime) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushState(ctx)
		}
	}
}

// HandleModelOutput recovers a tool call from raw model output and executes
// it. Unrecoverable output yields an error result without touching the
// per-tool health state.
func (r *Runtime) HandleModelOutput(ctx context.Context, task *models.Task, raw string) (models.ToolCallResult, error) {
	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	call, err := validate.ExtractToolCall(raw, taskID)
	if err != nil {
		r.log.Warn(ctx, "no tool call in model output", "task_id", taskID)
		return models.ToolCallResult{
			Outcome: models.OutcomeError,
			Error:   err.Error(),
		}, err
	}
	return r.ExecuteCall(ctx, task, call)
}

// ExecuteCall runs the full pipeline for one call: normalization and
// validation, adaptive dispatch of the best candidate, tier fallback when
// the direct attempt fails, and trajectory recording.
func (r *Runtime) ExecuteCall(ctx context.Context, task *models.Task, call models.ToolCall) (models.ToolCallResult, error) {
	vres := r.validator.Validate(ctx, call, task)
	r.countCorrections(vres.CorrectionsApplied)
	if !vres.IsValid {
		return r.handleInvalid(ctx, task, vres)
	}
	call = vres.NormalizedCall

	capability := r.capabilityFor(call, task)
	hash := r.dispatcher.ContextHash(task)

	candidates, err := r.dispatcher.Select(ctx, capability, task)
	if err != nil {
		r.log.Warn(ctx, "dispatch selection failed", "capability", capability, "error", err)
	}

	// Direct dispatch when the best-ranked candidate is the requested pair.
	if len(candidates) > 0 && candidates[0].ToolID == call.ToolID && candidates[0].Action == call.Action {
		if result, ok := r.attemptDirect(ctx, capability, candidates[0], hash, task, call); ok {
			result.Corrections = append(vres.CorrectionsApplied, result.Corrections...)
			r.appendTrajectory(ctx, task, call, result, nil)
			return result, nil
		}
	}

	// Tier walk over the capability's strategy list.
	result, execErr := r.executor.Execute(ctx, capability, task, call)
	result.Corrections = append(vres.CorrectionsApplied, result.Corrections...)
	if execErr != nil {
		r.afterExhaustion(ctx, task, call, &result)
	}
	r.appendTrajectory(ctx, task, call, result, nil)
	return result, execErr
}

// handleInvalid classifies a validation failure and gives the critic one
// chance to produce an applicable patch before giving up.
func (r *Runtime) handleInvalid(ctx context.Context, task *models.Task, vres validate.ValidationResult) (models.ToolCallResult, error) {
	call := vres.NormalizedCall
	ev := r.classifier.Classify(fmt.Errorf("%s", vres.ErrorMessage), "validate", &call)
	r.recordError(ev)

	if result, ok := r.criticRetry(ctx, ev, call, task); ok {
		return result, nil
	}

	err := fmt.Errorf("validation failed: %s", vres.ErrorMessage)
	return models.ToolCallResult{
		CallID:      call.ID,
		Outcome:     models.OutcomeError,
		Error:       err.Error(),
		Corrections: vres.CorrectionsApplied,
	}, err
}

// attemptDirect runs the dispatcher-selected candidate with the strategy's
// timeout and retry budget, feeding the outcome back into the adaptive
// weights. The false return sends the caller into the tier walk.
func (r *Runtime) attemptDirect(ctx context.Context, capability string, cand dispatch.Candidate, hash string, task *models.Task, call models.ToolCall) (models.ToolCallResult, bool) {
	strategy := r.strategyFor(capability, cand.ToolID, cand.Action)

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if strategy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, strategy.Timeout)
	}
	defer cancel()

	started := time.Now()
	var payload json.RawMessage
	res := retry.Do(attemptCtx, retryConfigFor(strategy), func() error {
		var err error
		payload, err = r.invoker.Call(attemptCtx, call.ToolID, call.Action, call.Parameters)
		return err
	})
	duration := time.Since(started)
	r.metrics.ToolCallDuration.WithLabelValues(call.ToolID, call.Action).Observe(duration.Seconds())

	tier := models.TierPrimary
	if strategy.Tier != "" {
		tier = models.Tier(strategy.Tier)
	}

	if res.Err == nil {
		r.dispatcher.RecordOutcome(cand, hash, true, duration)
		r.ledger.RecordSuccess(call.ToolID, duration)
		r.metrics.ToolCallCounter.WithLabelValues(call.ToolID, call.Action, string(models.OutcomeSuccess)).Inc()
		return models.ToolCallResult{
			CallID:       call.ID,
			Outcome:      models.OutcomeSuccess,
			Payload:      payload,
			Duration:     duration,
			Tier:         tier,
			StrategyUsed: strategy.Name,
			Attempts: []models.AttemptRecord{{
				Strategy: strategy.Name,
				Tier:     tier,
				Outcome:  models.OutcomeSuccess,
				Duration: duration,
			}},
		}, true
	}

	r.metrics.ToolCallCounter.WithLabelValues(call.ToolID, call.Action, string(models.OutcomeFailure)).Inc()
	ev := r.classifier.Classify(res.Err, "mcp", &call)
	r.recordError(ev)
	r.dispatcher.RecordOutcome(cand, hash, false, duration)
	r.maybeRecover(ctx, ev)

	if result, ok := r.criticRetry(ctx, ev, call, task); ok {
		return result, true
	}
	return models.ToolCallResult{}, false
}

// criticRetry asks the critic for a patch when the failure signature keeps
// recurring, applies the best auto-applicable one and retries once.
func (r *Runtime) criticRetry(ctx context.Context, ev models.ErrorEvent, call models.ToolCall, task *models.Task) (models.ToolCallResult, bool) {
	if !r.critic.ShouldAnalyze(ev.Signature()) {
		return models.ToolCallResult{}, false
	}
	analysis, err := r.critic.Analyze(ctx, ev, call, task)
	if err != nil || analysis == nil {
		return models.ToolCallResult{}, false
	}
	best := analysis.Best()
	if best == nil || !best.AutoApply {
		return models.ToolCallResult{}, false
	}

	patched := best.Apply(call)
	vres := r.validator.Validate(ctx, patched, task)
	if !vres.IsValid {
		r.critic.ReportOutcome(best.Strategy, false)
		return models.ToolCallResult{}, false
	}
	patched = vres.NormalizedCall

	started := time.Now()
	payload, callErr := r.invoker.Call(ctx, patched.ToolID, patched.Action, patched.Parameters)
	duration := time.Since(started)

	if callErr != nil {
		r.critic.ReportOutcome(best.Strategy, false)
		r.recordError(r.classifier.Classify(callErr, "mcp", &patched))
		return models.ToolCallResult{}, false
	}

	r.critic.ReportOutcome(best.Strategy, true)
	r.ledger.RecordSuccess(patched.ToolID, duration)
	r.metrics.ToolCallCounter.WithLabelValues(patched.ToolID, patched.Action, string(models.OutcomeSuccess)).Inc()
	result := models.ToolCallResult{
		CallID:       patched.ID,
		Outcome:      models.OutcomeSuccess,
		Payload:      payload,
		Duration:     duration,
		Tier:         models.TierPrimary,
		StrategyUsed: "critic:" + best.Strategy,
		Corrections: []models.Correction{{
			Kind:  best.Strategy,
			Field: best.TargetPath,
			From:  fmt.Sprintf("%v", best.Original),
			To:    fmt.Sprintf("%v", best.Corrected),
		}},
	}
	r.appendTrajectory(ctx, task, patched, result, nil)
	return result, true
}

// afterExhaustion runs once every strategy failed: recovery for the final
// classified error and a critic analysis for the recurring signature.
func (r *Runtime) afterExhaustion(ctx context.Context, task *models.Task, call models.ToolCall, result *models.ToolCallResult) {
	if result.Error == "" {
		return
	}
	ev := r.classifier.Classify(fmt.Errorf("%s", result.Error), "fallback", &call)
	r.recordError(ev)
	r.maybeRecover(ctx, ev)
}

// capabilityFor resolves which capability a call belongs to: an exact
// (tool, action) strategy match first, then a tool match, then the task
// type's default.
func (r *Runtime) capabilityFor(call models.ToolCall, task *models.Task) string {
	var toolMatch string
	for capability, strategies := range r.cfg.Capabilities {
		for _, s := range strategies {
			if s.Kind != "tool" || s.ToolID != call.ToolID {
				continue
			}
			if s.Action == call.Action {
				return capability
			}
			if toolMatch == "" {
				toolMatch = capability
			}
		}
	}
	if toolMatch != "" {
		return toolMatch
	}

	taskType := models.TaskGeneral
	if task != nil {
		taskType = task.Type
	}
	switch taskType {
	case models.TaskSearch:
		return "web_search"
	case models.TaskExecute:
		return "code_execution"
	case models.TaskInstall:
		return "tool_discovery"
	default:
		return "deep_research"
	}
}

func (r *Runtime) strategyFor(capability, toolID, action string) config.StrategyConfig {
	for _, s := range r.cfg.Capabilities[capability] {
		if s.Kind == "tool" && s.ToolID == toolID && s.Action == action {
			return s
		}
	}
	return config.StrategyConfig{Name: toolID + "-direct", Tier: string(models.TierPrimary)}
}

func retryConfigFor(s config.StrategyConfig) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = s.MaxRetries + 1
	return cfg
}

// recordError feeds a classified event into the ledger and metrics.
func (r *Runtime) recordError(ev models.ErrorEvent) {
	r.ledger.RecordFailure(ev)
	r.metrics.ErrorEvents.WithLabelValues(string(ev.Category), string(ev.Severity)).Inc()
}

// maybeRecover runs the recovery engine asynchronously for events worth
// acting on. Low-severity noise stays out of the engine.
func (r *Runtime) maybeRecover(ctx context.Context, ev models.ErrorEvent) {
	if ev.Severity == models.SeverityLow {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		recoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if _, err := r.engine.Recover(recoverCtx, ev); err != nil {
			r.log.Warn(recoverCtx, "recovery failed",
				"category", string(ev.Category), "error", err)
		}
	}()
}

func (r *Runtime) countCorrections(corrections []models.Correction) {
	for _, c := range corrections {
		r.metrics.CorrectionsApplied.WithLabelValues(c.Kind).Inc()
	}
}

// appendTrajectory persists one step of the task's trajectory.
func (r *Runtime) appendTrajectory(ctx context.Context, task *models.Task, call models.ToolCall, result models.ToolCallResult, errs []models.ErrorEvent) {
	taskID := call.TaskID
	if taskID == "" && task != nil {
		taskID = task.ID
	}
	if taskID == "" || r.store == nil {
		return
	}

	r.mu.Lock()
	seq := r.seq[taskID]
	r.seq[taskID] = seq + 1
	r.mu.Unlock()

	step := models.TrajectoryStep{
		TaskID:      taskID,
		Seq:         seq,
		Call:        call,
		Result:      result,
		Errors:      errs,
		Corrections: result.Corrections,
		RecordedAt:  time.Now().UTC(),
	}
	if err := r.store.AppendStep(ctx, step); err != nil {
		r.log.Warn(ctx, "append trajectory failed", "task_id", taskID, "error", err)
	}
}
