package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
)

// schemaCache compiles a JSON schema per (tool, version, action) and reuses
// it across calls. Version participation in the key means a tool update
// invalidates stale compilations without explicit flushing.
type schemaCache struct {
	log      *observability.Logger
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
	failed   map[string]bool
}

func newSchemaCache(log *observability.Logger) *schemaCache {
	return &schemaCache{
		log:      log,
		compiled: make(map[string]*jsonschema.Schema),
		failed:   make(map[string]bool),
	}
}

func (c *schemaCache) validate(ctx context.Context, tool *registry.ToolSchema, actionName string, action registry.ActionSpec, params map[string]any) error {
	key := fmt.Sprintf("%s@%d/%s", tool.ID, tool.Version, actionName)

	c.mu.Lock()
	schema, ok := c.compiled[key]
	alreadyFailed := c.failed[key]
	c.mu.Unlock()

	if alreadyFailed {
		return nil
	}
	if !ok {
		var err error
		schema, err = compileActionSchema(key, action)
		if err != nil {
			// A declaration that cannot compile must not block the call,
			// but a malformed action spec has to be visible to operators.
			c.mu.Lock()
			c.failed[key] = true
			c.mu.Unlock()
			c.log.Warn(ctx, "action schema does not compile, deep validation skipped",
				"tool_id", tool.ID, "version", tool.Version, "action", actionName, "error", err)
			return nil
		}
		c.mu.Lock()
		c.compiled[key] = schema
		c.mu.Unlock()
	}

	// Round-trip through JSON so typed values (int vs float64) normalize
	// the way the schema library expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("schema validation: parameters not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// compileActionSchema renders an ActionSpec as a JSON schema document.
func compileActionSchema(name string, action registry.ActionSpec) (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(action.Parameters))
	for pname, spec := range action.Parameters {
		properties[pname] = map[string]any{"type": string(spec.Type)}
	}
	required := action.RequiredParams()
	if required == nil {
		required = []string{}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".json", string(raw))
}
