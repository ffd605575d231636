package runtime

import (
	"context"
	"errors"
	goruntime "runtime"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/dispatch"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/recovery"
	"github.com/haasonsaas/dispatch/internal/store"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// registerRecoveryHandlers binds every recovery action to its effect on the
// runtime. Handlers stay small; the engine owns ordering, attempt bounds and
// learned success rates.
func (r *Runtime) registerRecoveryHandlers() {
	r.engine.Register(recovery.ActionRetry, r.verifyReachable(0))
	r.engine.Register(recovery.ActionRetryExtended, r.verifyReachable(2*time.Minute))

	r.engine.Register(recovery.ActionFallbackTransport, func(ctx context.Context, ev models.ErrorEvent) error {
		return r.registry.Refresh(ctx, true)
	})

	r.engine.Register(recovery.ActionRestart, func(ctx context.Context, ev models.ErrorEvent) error {
		toolID := ev.Context.ToolID
		if toolID == "" {
			return nil
		}
		// Re-fetching the schema re-establishes the server session; a tool
		// that answers is put back in rotation with its streak cleared.
		if err := r.registry.ApplyEvent(ctx, "tool_updated", toolID); err != nil {
			return err
		}
		r.ledger.ClearOffline(toolID)
		return nil
	})

	r.engine.Register(recovery.ActionFallback, func(ctx context.Context, ev models.ErrorEvent) error {
		// The tier walk is the fallback; this action just acknowledges that
		// the capability will route around the failing tool.
		r.log.Info(ctx, "routing around failing tool", "tool_id", ev.Context.ToolID)
		return nil
	})

	r.engine.Register(recovery.ActionIsolate, func(ctx context.Context, ev models.ErrorEvent) error {
		if ev.Context.ToolID == "" {
			return nil
		}
		r.ledger.MarkOffline(ev.Context.ToolID, r.cfg.Heal.OfflineDuration)
		return nil
	})

	r.engine.Register(recovery.ActionCompensate, func(ctx context.Context, ev models.ErrorEvent) error {
		// Compensation is served by the cached-synthesis tier on the next
		// attempt; nothing to mutate here.
		return nil
	})

	r.engine.Register(recovery.ActionCleanup, r.pruneTrajectory)

	r.engine.Register(recovery.ActionOptimize, func(ctx context.Context, ev models.ErrorEvent) error {
		goruntime.GC()
		return nil
	})

	r.engine.Register(recovery.ActionResetDefaults, func(ctx context.Context, ev models.ErrorEvent) error {
		r.mapper.Reload(config.DefaultAliases())
		r.log.Warn(ctx, "alias tables reset to defaults")
		return nil
	})

	r.engine.Register(recovery.ActionRepair, func(ctx context.Context, ev models.ErrorEvent) error {
		return r.registry.Refresh(ctx, true)
	})

	r.engine.Register(recovery.ActionEmergencyRestart, func(ctx context.Context, ev models.ErrorEvent) error {
		if err := r.registry.Refresh(ctx, true); err != nil {
			return err
		}
		if ev.Context.ToolID != "" {
			r.ledger.ClearOffline(ev.Context.ToolID)
		}
		return nil
	})

	r.engine.Register(recovery.ActionEmergencyCleanup, func(ctx context.Context, ev models.ErrorEvent) error {
		goruntime.GC()
		return r.pruneTrajectory(ctx, ev)
	})
}

// verifyReachable confirms the failing tool's server answers a schema fetch.
// A zero extension uses the caller's deadline.
func (r *Runtime) verifyReachable(extension time.Duration) recovery.Handler {
	return func(ctx context.Context, ev models.ErrorEvent) error {
		toolID := ev.Context.ToolID
		if toolID == "" {
			return nil
		}
		if extension > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), extension)
			defer cancel()
		}
		_, err := r.source.FetchSchema(ctx, toolID)
		return err
	}
}

func (r *Runtime) pruneTrajectory(ctx context.Context, ev models.ErrorEvent) error {
	if r.store == nil {
		return nil
	}
	cutoff := time.Now().Add(-r.cfg.Health.FailureWindow)
	n, err := r.store.PruneTrajectory(ctx, cutoff)
	if err != nil {
		return err
	}
	r.log.Info(ctx, "trajectory pruned", "rows", n)
	return nil
}

// flushState persists every component's learned state. Failures are logged;
// the next flush retries.
func (r *Runtime) flushState(ctx context.Context) {
	if r.store == nil {
		return
	}
	weights, stats := r.dispatcher.ExportState()
	entries := []struct {
		key   string
		value any
	}{
		{store.KeyDispatcherWeights, weights},
		{store.KeyDispatcherStats, stats},
		{store.KeyRecoveryRates, r.engine.Rates()},
		{store.KeyCriticRates, r.critic.Rates()},
		{store.KeyToolHealth, healthList(r.ledger.Snapshot())},
	}
	for _, e := range entries {
		if err := r.store.SaveState(ctx, e.key, e.value); err != nil {
			r.log.Warn(ctx, "persist learned state failed", "key", e.key, "error", err)
		}
	}
}

// restoreState seeds the adaptive components from persisted state. Missing
// or corrupt records mean a cold start for that component only.
func (r *Runtime) restoreState(ctx context.Context) {
	if r.store == nil {
		return
	}

	var weights map[string]float64
	var stats map[string]dispatch.StrategyStats
	if r.loadState(ctx, store.KeyDispatcherWeights, &weights) &&
		r.loadState(ctx, store.KeyDispatcherStats, &stats) {
		r.dispatcher.RestoreState(weights, stats)
	}

	var recoveryRates map[string]float64
	if r.loadState(ctx, store.KeyRecoveryRates, &recoveryRates) {
		r.engine.RestoreRates(recoveryRates)
	}

	var criticRates map[string]float64
	if r.loadState(ctx, store.KeyCriticRates, &criticRates) {
		r.critic.RestoreRates(criticRates)
	}

	var states []health.ToolHealth
	if r.loadState(ctx, store.KeyToolHealth, &states) {
		r.ledger.Restore(states)
	}
}

func (r *Runtime) loadState(ctx context.Context, key string, out any) bool {
	err := r.store.LoadState(ctx, key, out)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNoState):
		return false
	default:
		r.log.Warn(ctx, "learned state unreadable, cold start", "key", key, "error", err)
		return false
	}
}

func healthList(snapshot map[string]health.ToolHealth) []health.ToolHealth {
	out := make([]health.ToolHealth, 0, len(snapshot))
	for _, h := range snapshot {
		out = append(out, h)
	}
	return out
}
