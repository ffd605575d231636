package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime metrics for the dispatch engine.
//
// Tracked series:
//   - tool call volume and latency by tool, action and outcome
//   - strategy attempts by capability and tier
//   - validation corrections by kind
//   - registry refreshes and snapshot age
//   - error events by category and severity
//   - recovery action outcomes
type Metrics struct {
	// ToolCallCounter counts executed tool calls.
	// Labels: tool_id, action, outcome (success|failure|timeout|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: tool_id, action
	ToolCallDuration *prometheus.HistogramVec

	// StrategyAttempts counts fallback executor attempts.
	// Labels: capability, tier, outcome
	StrategyAttempts *prometheus.CounterVec

	// CorrectionsApplied counts validator and alias corrections.
	// Labels: kind (tool_id_alias|parameter_alias|deprecated_action|...)
	CorrectionsApplied *prometheus.CounterVec

	// RegistryRefreshes counts refresh attempts.
	// Labels: result (ok|failed|skipped)
	RegistryRefreshes *prometheus.CounterVec

	// RegistrySnapshotAge is the age of the current snapshot in seconds.
	RegistrySnapshotAge prometheus.Gauge

	// ErrorEvents counts classified errors.
	// Labels: category, severity
	ErrorEvents *prometheus.CounterVec

	// RecoveryActions counts executed recovery actions.
	// Labels: action, outcome (success|failure)
	RecoveryActions *prometheus.CounterVec

	// CriticPatches counts patches emitted by the critic.
	// Labels: strategy, validated (true|false)
	CriticPatches *prometheus.CounterVec

	// ToolsOffline is the number of tools currently marked offline.
	ToolsOffline prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all metric series on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ToolCallCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tool_calls_total",
			Help: "Tool calls executed, by tool, action and outcome.",
		}, []string{"tool_id", "action", "outcome"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_tool_call_duration_seconds",
			Help:    "Tool call latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_id", "action"}),

		StrategyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_strategy_attempts_total",
			Help: "Fallback executor attempts, by capability and tier.",
		}, []string{"capability", "tier", "outcome"}),

		CorrectionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_corrections_total",
			Help: "Corrections applied during normalization and validation.",
		}, []string{"kind"}),

		RegistryRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_registry_refreshes_total",
			Help: "Registry refresh attempts by result.",
		}, []string{"result"}),

		RegistrySnapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_registry_snapshot_age_seconds",
			Help: "Age of the current registry snapshot.",
		}),

		ErrorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_error_events_total",
			Help: "Classified error events by category and severity.",
		}, []string{"category", "severity"}),

		RecoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_recovery_actions_total",
			Help: "Recovery actions executed by outcome.",
		}, []string{"action", "outcome"}),

		CriticPatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_critic_patches_total",
			Help: "Correction patches emitted by the critic.",
		}, []string{"strategy", "validated"}),

		ToolsOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_tools_offline",
			Help: "Tools currently marked offline by the health ledger.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.ToolCallCounter,
		m.ToolCallDuration,
		m.StrategyAttempts,
		m.CorrectionsApplied,
		m.RegistryRefreshes,
		m.RegistrySnapshotAge,
		m.ErrorEvents,
		m.RecoveryActions,
		m.CriticPatches,
		m.ToolsOffline,
	)

	return m
}

// Registry returns the prometheus registry holding all series, for exposure
// via promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
