// Package dispatch ranks candidate (tool, action) pairs for a capability by
// a learned weighted score and adapts the weights from outcomes.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// adaptConfidence gates weight nudges: only outcomes from selections this
// confident move the weights.
const adaptConfidence = 0.8

// nudge factors applied to the dominant weight after a confident outcome.
const (
	nudgeUp   = 1.01
	nudgeDown = 0.99
)

// Candidate is one ranked (tool, action) pair with its score breakdown.
type Candidate struct {
	ToolID string
	Action string
	Score  float64

	// Terms records each weighted term, keyed by factor name. The largest
	// term identifies which weight an outcome nudges.
	Terms map[string]float64

	Reliability float64
	AvgDuration time.Duration
	Confidence  float64
}

// DominantTerm returns the factor whose weighted term contributed most.
func (c Candidate) DominantTerm() string {
	best, bestVal := "", -1.0
	for name, v := range c.Terms {
		if v > bestVal || (v == bestVal && name < best) {
			best, bestVal = name, v
		}
	}
	return best
}

// Catalog is the registry surface the dispatcher reads.
type Catalog interface {
	Snapshot() *registry.Snapshot
}

// LoadFn reports coarse system load in [0,1]. Nil means unknown.
type LoadFn func() float64

// StrategyStats accumulates per (candidate, context-hash) history.
type StrategyStats struct {
	Attempts      int64         `json:"attempts"`
	Successes     int64         `json:"successes"`
	TotalDuration time.Duration `json:"total_duration"`
}

func (s *StrategyStats) successRate() float64 {
	if s.Attempts == 0 {
		return 0.5 // uninformative prior
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Dispatcher ranks candidates and learns from outcomes.
type Dispatcher struct {
	ledger  *health.Ledger
	catalog Catalog
	loadFn  LoadFn
	log     *observability.Logger

	mu sync.RWMutex
	// weights keyed by factor name; kept normalized to sum 1.
	weights map[string]float64
	// capabilities maps capability tag to its candidate pairs.
	capabilities map[string][]config.StrategyConfig
	// stats keyed by "toolID.action|contextHash".
	stats map[string]*StrategyStats
}

// Factor names for the weighted score terms.
const (
	FactorHistorical  = "historical"
	FactorPerformance = "performance"
	FactorContext     = "context"
	FactorReliability = "reliability"
)

// New builds a dispatcher from the configured weights and capability lists.
func New(cfg config.DispatcherConfig, capabilities map[string][]config.StrategyConfig, ledger *health.Ledger, catalog Catalog, loadFn LoadFn, log *observability.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:  ledger,
		catalog: catalog,
		loadFn:  loadFn,
		log:     log.Component("dispatcher"),
		weights: map[string]float64{
			FactorHistorical:  cfg.HistoricalWeight,
			FactorPerformance: cfg.PerformanceWeight,
			FactorContext:     cfg.ContextWeight,
			FactorReliability: cfg.ReliabilityWeight,
		},
		capabilities: capabilities,
		stats:        make(map[string]*StrategyStats),
	}
}

// Select returns candidates for a capability ranked by score, best first.
// Unavailable tools and tools absent from the registry snapshot are
// filtered out. An empty result means every candidate is down; the caller
// falls through to non-tool strategies.
func (d *Dispatcher) Select(ctx context.Context, capability string, task *models.Task) ([]Candidate, error) {
	strategies, ok := d.lookupCapability(capability)
	if !ok {
		return nil, fmt.Errorf("unknown capability %q", capability)
	}

	hash := d.ContextHash(task)
	snap := d.catalog.Snapshot()

	d.mu.RLock()
	weights := copyWeights(d.weights)
	d.mu.RUnlock()

	var out []Candidate
	for _, s := range strategies {
		if s.Kind != "tool" {
			continue
		}
		schema, present := snap.Lookup(s.ToolID)
		if !present {
			continue
		}
		if _, hasAction := schema.Actions[s.Action]; !hasAction {
			continue
		}
		if !d.ledger.IsAvailable(s.ToolID) {
			continue
		}
		out = append(out, d.score(s, task, hash, weights))
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Reliability != b.Reliability {
			return a.Reliability > b.Reliability
		}
		if a.AvgDuration != b.AvgDuration {
			return a.AvgDuration < b.AvgDuration
		}
		return a.ToolID < b.ToolID
	})

	d.log.Debug(ctx, "ranked candidates",
		"capability", capability, "context_hash", hash, "candidates", len(out))
	return out, nil
}

func (d *Dispatcher) lookupCapability(capability string) ([]config.StrategyConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.capabilities[capability]
	return s, ok
}

func (d *Dispatcher) score(s config.StrategyConfig, task *models.Task, contextHash string, weights map[string]float64) Candidate {
	h := d.ledger.Health(s.ToolID)

	key := statKey(s.ToolID, s.Action, contextHash)
	d.mu.RLock()
	stat, hasStats := d.stats[key]
	historical := 0.5
	attempts := int64(0)
	if hasStats {
		historical = stat.successRate()
		attempts = stat.Attempts
	}
	d.mu.RUnlock()

	terms := map[string]float64{
		FactorHistorical:  weights[FactorHistorical] * historical,
		FactorPerformance: weights[FactorPerformance] * performanceScore(h.AvgDuration),
		FactorContext:     weights[FactorContext] * contextMatch(s, task),
		FactorReliability: weights[FactorReliability] * h.Reliability,
	}
	score := 0.0
	for _, v := range terms {
		score += v
	}

	// Confidence grows with observed history for this context.
	confidence := float64(attempts) / float64(attempts+3)

	return Candidate{
		ToolID:      s.ToolID,
		Action:      s.Action,
		Score:       score,
		Terms:       terms,
		Reliability: h.Reliability,
		AvgDuration: h.AvgDuration,
		Confidence:  confidence,
	}
}

// performanceScore maps average duration into (0,1], faster is better.
func performanceScore(avg time.Duration) float64 {
	if avg <= 0 {
		return 1.0
	}
	return 1.0 / (1.0 + avg.Seconds()/10.0)
}

// taskKeywords is the fixed keyword-to-intent table used both for context
// hashing and for context matching.
var taskKeywords = map[string][]string{
	"search":   {"search", "find", "look up", "lookup", "what is"},
	"research": {"research", "investigate", "compare", "analyze sources", "survey"},
	"execute":  {"run", "execute", "compute", "calculate", "script"},
	"install":  {"install", "set up", "setup", "add tool", "missing tool"},
	"analyze":  {"analyze", "parse", "extract", "summarize"},
}

// toolIntents maps tools to the intents they serve well.
var toolIntents = map[string][]string{
	"mcp-deepsearch":  {"search", "research"},
	"microsandbox":    {"execute", "analyze"},
	"browser_use":     {"search", "analyze"},
	"mcp-search-tool": {"install"},
}

func detectIntents(task *models.Task) []string {
	if task == nil {
		return nil
	}
	desc := strings.ToLower(task.Description)
	var out []string
	for intent, words := range taskKeywords {
		for _, w := range words {
			if strings.Contains(desc, w) {
				out = append(out, intent)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func contextMatch(s config.StrategyConfig, task *models.Task) float64 {
	intents := detectIntents(task)
	if len(intents) == 0 {
		return 0.5
	}
	serves := toolIntents[s.ToolID]
	matched := 0
	for _, intent := range intents {
		for _, served := range serves {
			if intent == served {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(intents))
}

// complexityBucket estimates task complexity from description length.
func complexityBucket(task *models.Task) string {
	if task == nil {
		return "none"
	}
	switch n := len(task.Description); {
	case n < 80:
		return "simple"
	case n < 400:
		return "moderate"
	default:
		return "complex"
	}
}

func (d *Dispatcher) loadBucket() string {
	if d.loadFn == nil {
		return "unknown"
	}
	switch load := d.loadFn(); {
	case load < 0.3:
		return "low"
	case load < 0.7:
		return "medium"
	default:
		return "high"
	}
}

// ContextHash derives the stable bucket key historical success rates are
// grouped under: task type, detected intent keywords, complexity estimate
// and coarse load.
func (d *Dispatcher) ContextHash(task *models.Task) string {
	taskType := "general"
	if task != nil && task.Type != "" {
		taskType = string(task.Type)
	}
	tuple := strings.Join([]string{
		taskType,
		strings.Join(detectIntents(task), ","),
		complexityBucket(task),
		d.loadBucket(),
	}, "|")
	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:])[:12]
}

// RecordOutcome feeds a dispatch result back: per-context statistics always
// update; the dominant weight is nudged only when the selection was made
// with enough history behind it.
func (d *Dispatcher) RecordOutcome(selected Candidate, contextHash string, success bool, duration time.Duration) {
	key := statKey(selected.ToolID, selected.Action, contextHash)

	d.mu.Lock()
	defer d.mu.Unlock()

	stat, ok := d.stats[key]
	if !ok {
		stat = &StrategyStats{}
		d.stats[key] = stat
	}
	stat.Attempts++
	if success {
		stat.Successes++
	}
	stat.TotalDuration += duration

	if selected.Confidence <= adaptConfidence {
		return
	}
	factor := selected.DominantTerm()
	if factor == "" {
		return
	}
	if success {
		d.weights[factor] *= nudgeUp
	} else {
		d.weights[factor] *= nudgeDown
	}
	normalizeWeights(d.weights)
}

// Weights returns a copy of the current normalized weights.
func (d *Dispatcher) Weights() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyWeights(d.weights)
}

// ExportState returns the learned weights and statistics for persistence.
func (d *Dispatcher) ExportState() (map[string]float64, map[string]StrategyStats) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]StrategyStats, len(d.stats))
	for k, v := range d.stats {
		stats[k] = *v
	}
	return copyWeights(d.weights), stats
}

// RestoreState seeds weights and statistics from persisted learning state.
// Weights are renormalized; malformed entries are dropped.
func (d *Dispatcher) RestoreState(weights map[string]float64, stats map[string]StrategyStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for factor := range d.weights {
		if w, ok := weights[factor]; ok && w > 0 {
			d.weights[factor] = w
		}
	}
	normalizeWeights(d.weights)
	for k, v := range stats {
		if v.Attempts < v.Successes || v.Attempts < 0 {
			continue
		}
		stat := v
		d.stats[k] = &stat
	}
}

func statKey(toolID, action, contextHash string) string {
	return toolID + "." + action + "|" + contextHash
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func normalizeWeights(w map[string]float64) {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		return
	}
	for k := range w {
		w[k] /= sum
	}
}
