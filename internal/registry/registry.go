package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/observability"
)

// Source fetches tool catalogs from the tool host.
type Source interface {
	// Fingerprints returns a version fingerprint per tool id. A changed
	// fingerprint means the schema must be re-fetched.
	Fingerprints(ctx context.Context) (map[string]string, error)

	// FetchSchema fetches the full schema for one tool.
	FetchSchema(ctx context.Context, toolID string) (*ToolSchema, error)
}

// Config configures the registry.
type Config struct {
	// RefreshInterval gates unforced refreshes. Default 60s.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// ManifestRoots are directories scanned for service.json descriptors
	// used as a cross-source consistency check.
	ManifestRoots []string `yaml:"manifest_roots"`
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{RefreshInterval: 60 * time.Second}
}

// ErrRefreshTooSoon is returned when an unforced refresh arrives inside the
// configured interval.
var ErrRefreshTooSoon = errors.New("registry: refresh inside interval, skipped")

// Registry is the single source of truth for tool schemas. Refreshes are
// serialized by refreshMu; readers always observe a complete snapshot,
// either pre- or post-refresh, never a torn state.
type Registry struct {
	source  Source
	config  Config
	log     *observability.Logger
	metrics *observability.Metrics

	// refreshMu serializes refreshes. Never held across snapshot reads.
	refreshMu sync.Mutex

	// mu guards the fields below. Snapshot pointers are swapped whole.
	mu           sync.RWMutex
	current      *Snapshot
	lastGood     *Snapshot
	fingerprints map[string]string
	degraded     bool
	lastRefresh  time.Time
}

// New creates a registry with an empty initial snapshot.
func New(source Source, config Config, log *observability.Logger, metrics *observability.Metrics) *Registry {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultConfig().RefreshInterval
	}
	return &Registry{
		source:       source,
		config:       config,
		log:          log.Component("registry"),
		metrics:      metrics,
		current:      newSnapshot(map[string]*ToolSchema{}),
		fingerprints: map[string]string{},
	}
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Lookup resolves a tool id in the current snapshot.
func (r *Registry) Lookup(toolID string) (*ToolSchema, bool) {
	return r.Snapshot().Lookup(toolID)
}

// Whitelist returns the current (tool_id, action) pairs.
func (r *Registry) Whitelist() []ActionRef {
	return r.Snapshot().Whitelist()
}

// ActionWhitelistHash returns the current whitelist hash.
func (r *Registry) ActionWhitelistHash() string {
	return r.Snapshot().WhitelistHash()
}

// Degraded reports whether the last refresh failed and the registry is
// serving a stale snapshot.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Refresh fetches upstream fingerprints, re-fetches changed schemas,
// validates them, and atomically replaces the snapshot. Unforced refreshes
// inside the configured interval return ErrRefreshTooSoon.
//
// On any failure the previous snapshot stays in place and the registry is
// marked degraded; it never serves an empty snapshot while a prior good one
// exists.
func (r *Registry) Refresh(ctx context.Context, force bool) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.RLock()
	sinceLast := time.Since(r.lastRefresh)
	r.mu.RUnlock()

	if !force && sinceLast < r.config.RefreshInterval {
		r.countRefresh("skipped")
		return ErrRefreshTooSoon
	}

	next, changed, err := r.buildNextSnapshot(ctx)
	if err != nil {
		r.mu.Lock()
		r.degraded = true
		r.mu.Unlock()
		r.countRefresh("failed")
		r.log.Warn(ctx, "refresh failed, serving last-known-good snapshot", "error", err)
		return err
	}

	r.mu.Lock()
	r.current = next.snapshot
	r.lastGood = next.snapshot
	r.fingerprints = next.fingerprints
	r.degraded = false
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	r.countRefresh("ok")
	if r.metrics != nil {
		r.metrics.RegistrySnapshotAge.Set(0)
	}
	r.log.Info(ctx, "refresh complete",
		"tools", next.snapshot.Len(),
		"changed", changed,
		"whitelist_hash", next.snapshot.WhitelistHash())
	return nil
}

type refreshResult struct {
	snapshot     *Snapshot
	fingerprints map[string]string
}

// buildNextSnapshot computes the incremental changes against the current
// fingerprints and assembles a fully validated candidate snapshot. Nothing
// observable mutates until the caller swaps it in.
func (r *Registry) buildNextSnapshot(ctx context.Context) (*refreshResult, int, error) {
	prints, err := r.source.Fingerprints(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch fingerprints: %w", err)
	}

	r.mu.RLock()
	oldPrints := r.fingerprints
	oldSnap := r.current
	r.mu.RUnlock()

	tools := make(map[string]*ToolSchema, len(prints))
	changed := 0

	for id, fp := range prints {
		if old, ok := oldSnap.Lookup(id); ok && oldPrints[id] == fp {
			tools[id] = old
			continue
		}

		schema, err := r.source.FetchSchema(ctx, id)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch schema %s: %w", id, err)
		}

		issues := ValidateAndFix(schema)
		for _, issue := range issues {
			if issue.Fixed {
				r.log.Debug(ctx, "structural auto-fix", "issue", issue.String())
			}
		}
		if Rejected(issues) {
			return nil, 0, fmt.Errorf("schema %s failed structural validation: %v", id, issues)
		}

		if old, ok := oldSnap.Lookup(id); ok && schema.Version <= old.Version {
			// Version must advance on change; bump past the old record.
			schema.Version = old.Version + 1
		}

		if err := r.checkManifests(schema); err != nil {
			return nil, 0, err
		}

		tools[id] = schema
		changed++
	}

	return &refreshResult{snapshot: newSnapshot(tools), fingerprints: prints}, changed, nil
}

// checkManifests cross-checks a fetched schema against locally discovered
// service.json descriptors. A manifest that knows the tool but disagrees on
// its action set fails the refresh.
func (r *Registry) checkManifests(schema *ToolSchema) error {
	if len(r.config.ManifestRoots) == 0 {
		return nil
	}
	manifest, ok := FindManifest(r.config.ManifestRoots, schema.ID)
	if !ok {
		return nil
	}
	for _, cap := range manifest.Capabilities {
		if _, ok := schema.Actions[cap.Name]; !ok {
			return fmt.Errorf("manifest mismatch for %s: capability %q missing from fetched schema", schema.ID, cap.Name)
		}
	}
	return nil
}

// ApplyEvent reacts to a tool-host update event by forcing a refresh scoped
// to the affected tool. Uninstall removes the tool immediately; install and
// update fetch the new schema.
func (r *Registry) ApplyEvent(ctx context.Context, eventType, toolID string) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.RLock()
	oldSnap := r.current
	oldPrints := r.fingerprints
	r.mu.RUnlock()

	tools := make(map[string]*ToolSchema, oldSnap.Len()+1)
	for _, id := range oldSnap.ToolIDs() {
		if s, ok := oldSnap.Lookup(id); ok {
			tools[id] = s
		}
	}
	prints := make(map[string]string, len(oldPrints)+1)
	for k, v := range oldPrints {
		prints[k] = v
	}

	switch eventType {
	case "tool_uninstalled":
		delete(tools, toolID)
		delete(prints, toolID)
	case "tool_installed", "tool_updated":
		schema, err := r.source.FetchSchema(ctx, toolID)
		if err != nil {
			r.mu.Lock()
			r.degraded = true
			r.mu.Unlock()
			return fmt.Errorf("fetch schema %s on %s: %w", toolID, eventType, err)
		}
		issues := ValidateAndFix(schema)
		if Rejected(issues) {
			return fmt.Errorf("schema %s failed structural validation on %s: %v", toolID, eventType, issues)
		}
		if old, ok := oldSnap.Lookup(toolID); ok && schema.Version <= old.Version {
			schema.Version = old.Version + 1
		}
		tools[toolID] = schema
		prints[toolID] = fmt.Sprintf("event-%d", schema.Version)
	default:
		return fmt.Errorf("unknown tool-host event type %q", eventType)
	}

	next := newSnapshot(tools)

	r.mu.Lock()
	r.current = next
	r.lastGood = next
	r.fingerprints = prints
	r.degraded = false
	r.mu.Unlock()

	r.log.Info(ctx, "applied tool-host event",
		"event", eventType,
		"tool_id", toolID,
		"whitelist_hash", next.WhitelistHash())
	return nil
}

func (r *Registry) countRefresh(result string) {
	if r.metrics != nil {
		r.metrics.RegistryRefreshes.WithLabelValues(result).Inc()
	}
}
