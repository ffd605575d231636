// Package errclass turns raw errors into classified, severity-ranked error
// events that the health ledger, recovery engine and critic consume.
package errclass

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/dispatch/pkg/models"
)

// patternRule maps message substrings to a category. Rules are evaluated in
// order; the first match wins, so the more specific patterns come first.
type patternRule struct {
	category models.ErrorCategory
	patterns []string
}

var defaultRules = []patternRule{
	{models.CategoryTimeout, []string{
		"timeout", "timed out", "deadline exceeded", "context deadline",
	}},
	{models.CategoryNetwork, []string{
		"connection refused", "connection reset", "no such host", "dns",
		"network is unreachable", "broken pipe", "tls handshake", "eof",
	}},
	{models.CategoryResource, []string{
		"out of memory", "no space left", "too many open files",
		"resource exhausted", "quota exceeded", "rate limit", "429",
	}},
	{models.CategoryConfiguration, []string{
		"invalid config", "missing config", "unknown flag", "bad value",
		"invalid api key", "unauthorized", "401", "403",
	}},
	{models.CategoryDependency, []string{
		"service unavailable", "503", "502", "bad gateway", "upstream",
		"dependency", "provider error",
	}},
	{models.CategoryData, []string{
		"invalid json", "unmarshal", "parse error", "malformed",
		"unexpected token", "schema validation",
	}},
	{models.CategoryTool, []string{
		"tool not found", "unknown action", "unknown tool", "invalid parameter",
		"missing required", "execution failed", "non-zero exit",
	}},
}

// severityBaseline is the floor severity per category before bumps.
var severityBaseline = map[models.ErrorCategory]models.ErrorSeverity{
	models.CategoryNetwork:       models.SeverityMedium,
	models.CategoryTimeout:       models.SeverityLow,
	models.CategoryTool:          models.SeverityMedium,
	models.CategoryResource:      models.SeverityHigh,
	models.CategoryConfiguration: models.SeverityHigh,
	models.CategoryDependency:    models.SeverityCritical,
	models.CategoryData:          models.SeverityMedium,
	models.CategorySystem:        models.SeverityHigh,
}

// RateFn reports how many failures the named component accumulated in the
// last hour. A nil RateFn disables the frequency bump.
type RateFn func(component string) int

// Classifier assigns categories and severities to raw errors.
type Classifier struct {
	rules []patternRule
	// core components get a severity bump and a medium floor.
	core   map[string]bool
	rateFn RateFn

	// frequencyThreshold is the failures-per-hour count above which
	// severity is bumped one level.
	frequencyThreshold int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRateFn wires a failure-rate source used for the frequency bump.
func WithRateFn(fn RateFn) Option {
	return func(c *Classifier) { c.rateFn = fn }
}

// WithCoreComponents overrides the default core-component set.
func WithCoreComponents(names ...string) Option {
	return func(c *Classifier) {
		c.core = make(map[string]bool, len(names))
		for _, n := range names {
			c.core[n] = true
		}
	}
}

// NewClassifier builds a classifier with the default pattern tables.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		rules: defaultRules,
		core: map[string]bool{
			"dispatcher": true,
			"fallback":   true,
			"registry":   true,
			"mcp":        true,
		},
		frequencyThreshold: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Categorize returns the category for an error message, defaulting to
// system when no pattern matches.
func (c *Classifier) Categorize(msg string) models.ErrorCategory {
	lower := strings.ToLower(msg)
	for _, rule := range c.rules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.category
			}
		}
	}
	return models.CategorySystem
}

// Severity computes the severity for a category observed in a component.
func (c *Classifier) Severity(category models.ErrorCategory, component string) models.ErrorSeverity {
	sev, ok := severityBaseline[category]
	if !ok {
		sev = models.SeverityMedium
	}
	if c.core[component] {
		sev = sev.Bump()
		// Core components never report below medium.
		sev = sev.AtLeast(models.SeverityMedium)
	}
	if c.rateFn != nil && c.rateFn(component) > c.frequencyThreshold {
		sev = sev.Bump()
	}
	return sev
}

// Classify builds a complete error event from a raw error. call may be nil
// for errors outside a tool invocation.
func (c *Classifier) Classify(err error, component string, call *models.ToolCall) models.ErrorEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	category := c.Categorize(msg)

	ev := models.ErrorEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Component: component,
		ErrorType: errorType(category, msg),
		Message:   msg,
		Category:  category,
		Severity:  c.Severity(category, component),
	}
	if call != nil {
		ev.Context = models.ErrorContext{
			ToolID:     call.ToolID,
			Action:     call.Action,
			Parameters: call.Parameters,
			TaskID:     call.TaskID,
		}
	}
	return ev
}

// errorType derives a short stable type token used in failure signatures.
// Signatures must not vary with message specifics like addresses or ids,
// otherwise repeated-failure detection never fires.
func errorType(category models.ErrorCategory, msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "missing required"):
		return "missing_required_param"
	case strings.Contains(lower, "unknown action"):
		return "unknown_action"
	case strings.Contains(lower, "tool not found"), strings.Contains(lower, "unknown tool"):
		return "unknown_tool"
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"):
		return "rate_limited"
	case strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "connection refused"):
		return "connection_refused"
	default:
		return string(category)
	}
}
