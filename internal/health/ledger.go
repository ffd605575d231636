// Package health maintains the per-tool failure ledger: rolling error
// windows, reliability scores and availability state consumed by the
// dispatcher, fallback executor, self-healing rules and critic.
package health

import (
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Reliability adjustment factors. Failures cut the score multiplicatively;
// successes recover it slowly, so a flaky tool climbs back over many calls
// rather than one lucky success.
const (
	failureDecay    = 0.9
	successRecovery = 0.01
)

// ToolHealth is the externally visible state of one tool.
type ToolHealth struct {
	ToolID              string        `json:"tool_id"`
	Online              bool          `json:"online"`
	OfflineUntil        time.Time     `json:"offline_until,omitempty"`
	Reliability         float64       `json:"reliability"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalCalls          int64         `json:"total_calls"`
	TotalFailures       int64         `json:"total_failures"`
	AvgDuration         time.Duration `json:"avg_duration"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
}

// SuccessRate is successes over total calls, 1.0 for an unused tool.
func (h ToolHealth) SuccessRate() float64 {
	if h.TotalCalls == 0 {
		return 1.0
	}
	return float64(h.TotalCalls-h.TotalFailures) / float64(h.TotalCalls)
}

type toolRecord struct {
	health ToolHealth
	// events is the per-tool rolling window, newest last.
	events        []models.ErrorEvent
	totalDuration time.Duration
}

// Ledger is the concurrent failure ledger. All writes are idempotent by
// error id: replaying an event already recorded is a no-op.
type Ledger struct {
	mu  sync.RWMutex
	cfg config.HealthConfig
	log *observability.Logger

	tools map[string]*toolRecord

	// global rolling window, newest last, capacity-bounded.
	global []models.ErrorEvent

	// seen deduplicates by error id; entries fall out with the global
	// window so the set stays bounded.
	seen map[string]bool

	now func() time.Time
}

// NewLedger builds an empty ledger.
func NewLedger(cfg config.HealthConfig, log *observability.Logger) *Ledger {
	return &Ledger{
		cfg:   cfg,
		log:   log.Component("health"),
		tools: make(map[string]*toolRecord),
		seen:  make(map[string]bool),
		now:   time.Now,
	}
}

func (l *Ledger) record(toolID string) *toolRecord {
	rec, ok := l.tools[toolID]
	if !ok {
		rec = &toolRecord{health: ToolHealth{ToolID: toolID, Online: true, Reliability: 1.0}}
		l.tools[toolID] = rec
	}
	return rec
}

// RecordSuccess notes a successful call against a tool.
func (l *Ledger) RecordSuccess(toolID string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(toolID)
	h := &rec.health
	h.TotalCalls++
	h.ConsecutiveFailures = 0
	h.LastSuccess = l.now().UTC()
	h.Reliability = min(1.0, h.Reliability+successRecovery)
	rec.totalDuration += duration
	h.AvgDuration = rec.totalDuration / time.Duration(h.TotalCalls)
}

// RecordFailure appends a classified error event. Returns false when the
// event id was already recorded.
func (l *Ledger) RecordFailure(ev models.ErrorEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID != "" && l.seen[ev.ID] {
		return false
	}
	if ev.ID != "" {
		l.seen[ev.ID] = true
	}

	if len(l.global) >= l.cfg.GlobalWindow {
		evicted := l.global[0]
		l.global = l.global[1:]
		delete(l.seen, evicted.ID)
	}
	l.global = append(l.global, ev)

	toolID := ev.Context.ToolID
	if toolID == "" {
		return true
	}
	rec := l.record(toolID)
	h := &rec.health
	h.TotalCalls++
	h.TotalFailures++
	h.ConsecutiveFailures++
	h.LastFailure = ev.Timestamp
	h.Reliability *= failureDecay

	if len(rec.events) >= l.cfg.PerToolWindow {
		rec.events = rec.events[1:]
	}
	rec.events = append(rec.events, ev)
	return true
}

// MarkOffline takes a tool out of rotation. A zero duration means offline
// until explicitly cleared; reliability is untouched either way.
func (l *Ledger) MarkOffline(toolID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(toolID)
	rec.health.Online = false
	if d > 0 {
		rec.health.OfflineUntil = l.now().Add(d)
	} else {
		rec.health.OfflineUntil = time.Time{}
	}
	l.log.Warn(nil, "tool marked offline", "tool_id", toolID, "duration", d.String())
}

// ClearOffline restores a tool to rotation. The reliability score is left
// where the failures put it; recovery is earned through successes.
func (l *Ledger) ClearOffline(toolID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(toolID)
	rec.health.Online = true
	rec.health.OfflineUntil = time.Time{}
	rec.health.ConsecutiveFailures = 0
}

// IsAvailable reports whether the dispatcher may route to a tool. A tool is
// unavailable while offline, or after too many consecutive failures within
// the last hour.
func (l *Ledger) IsAvailable(toolID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.tools[toolID]
	if !ok {
		return true
	}
	h := rec.health
	if !h.Online {
		// A lapsed offline deadline does not restore availability by
		// itself; the prober confirms reachability first.
		return false
	}
	if h.ConsecutiveFailures >= l.cfg.ConsecutiveFailureLimit &&
		l.now().Sub(h.LastFailure) < time.Hour {
		return false
	}
	return true
}

// Health returns a copy of one tool's state.
func (l *Ledger) Health(toolID string) ToolHealth {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.tools[toolID]; ok {
		return rec.health
	}
	return ToolHealth{ToolID: toolID, Online: true, Reliability: 1.0}
}

// Snapshot returns a copy of every tool's state, keyed by tool id.
func (l *Ledger) Snapshot() map[string]ToolHealth {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]ToolHealth, len(l.tools))
	for id, rec := range l.tools {
		out[id] = rec.health
	}
	return out
}

// FailuresWithin counts a tool's failures inside the window, capped by the
// configured eviction horizon.
func (l *Ledger) FailuresWithin(toolID string, window time.Duration) int {
	if window > l.cfg.FailureWindow {
		window = l.cfg.FailureWindow
	}
	cutoff := l.now().Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.tools[toolID]
	if !ok {
		return 0
	}
	n := 0
	for i := len(rec.events) - 1; i >= 0; i-- {
		if rec.events[i].Timestamp.Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// ComponentFailuresLastHour counts failures attributed to a component across
// the global window. Feeds the classifier's frequency bump.
func (l *Ledger) ComponentFailuresLastHour(component string) int {
	cutoff := l.now().Add(-time.Hour)
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for i := len(l.global) - 1; i >= 0; i-- {
		if l.global[i].Timestamp.Before(cutoff) {
			break
		}
		if l.global[i].Component == component {
			n++
		}
	}
	return n
}

// CountBySignature counts window-recent events matching a failure signature.
func (l *Ledger) CountBySignature(sig models.FailureSignature, window time.Duration) int {
	cutoff := l.now().Add(-window)
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for i := len(l.global) - 1; i >= 0; i-- {
		ev := l.global[i]
		if ev.Timestamp.Before(cutoff) {
			break
		}
		if ev.Signature() == sig {
			n++
		}
	}
	return n
}

// RecentEvents returns up to n newest global events, newest first.
func (l *Ledger) RecentEvents(n int) []models.ErrorEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.global) {
		n = len(l.global)
	}
	out := make([]models.ErrorEvent, 0, n)
	for i := len(l.global) - 1; i >= len(l.global)-n; i-- {
		out = append(out, l.global[i])
	}
	return out
}

// RecentForSignature returns up to n newest events with the signature.
func (l *Ledger) RecentForSignature(sig models.FailureSignature, n int) []models.ErrorEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ErrorEvent, 0, n)
	for i := len(l.global) - 1; i >= 0 && len(out) < n; i-- {
		if l.global[i].Signature() == sig {
			out = append(out, l.global[i])
		}
	}
	return out
}

// ErrorRate is global failures per minute over the last hour.
func (l *Ledger) ErrorRate() float64 {
	cutoff := l.now().Add(-time.Hour)
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for i := len(l.global) - 1; i >= 0; i-- {
		if l.global[i].Timestamp.Before(cutoff) {
			break
		}
		n++
	}
	return float64(n) / 60.0
}

// Restore seeds the ledger from persisted health state at startup.
func (l *Ledger) Restore(states []ToolHealth) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range states {
		if h.ToolID == "" {
			continue
		}
		rec := l.record(h.ToolID)
		rec.health = h
		if h.TotalCalls > 0 {
			rec.totalDuration = h.AvgDuration * time.Duration(h.TotalCalls)
		}
	}
}
