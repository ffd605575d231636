package config

import (
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchema guards the shape of the operator-supplied file before it is
// decoded into typed structs. Unknown keys are allowed; wrong shapes for the
// alias tables are not, since a silently dropped alias is hard to notice.
const configSchema = `{
	"type": "object",
	"properties": {
		"aliases": {
			"type": "object",
			"properties": {
				"canonical_tool_ids": {"type": "array", "items": {"type": "string"}},
				"tool_id_aliases": {
					"type": "object",
					"additionalProperties": {"type": "string"}
				},
				"action_mappings": {
					"type": "object",
					"additionalProperties": {
						"type": "object",
						"properties": {
							"canonical_actions": {"type": "array", "items": {"type": "string"}},
							"action_aliases": {"type": "object", "additionalProperties": {"type": "string"}},
							"deprecated_combinations": {
								"type": "array",
								"items": {
									"type": "object",
									"required": ["action", "replacement"],
									"properties": {
										"action": {"type": "string"},
										"replacement": {"type": "string"}
									}
								}
							}
						}
					}
				},
				"parameter_mappings": {
					"type": "object",
					"properties": {
						"common_aliases": {"type": "object", "additionalProperties": {"type": "string"}},
						"tool_specific": {
							"type": "object",
							"additionalProperties": {"type": "object", "additionalProperties": {"type": "string"}}
						}
					}
				}
			}
		},
		"capabilities": {
			"type": "object",
			"additionalProperties": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "tier", "kind"],
					"properties": {
						"name": {"type": "string"},
						"tier": {"enum": ["primary", "secondary", "fallback", "emergency"]},
						"kind": {"enum": ["tool", "cached", "assist"]}
					}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("dispatch-config.json", configSchema)

// Load reads the configuration file at path, validates its shape, and merges
// it over the built-in defaults. A missing file returns Default() with no
// error; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if doc != nil {
		if err := compiledSchema.Validate(doc); err != nil {
			return nil, fmt.Errorf("config %s failed schema validation: %w", path, err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Registry.RefreshInterval <= 0 {
		c.Registry.RefreshInterval = def.Registry.RefreshInterval
	}
	if c.Health.GlobalWindow <= 0 {
		c.Health.GlobalWindow = def.Health.GlobalWindow
	}
	if c.Health.PerToolWindow <= 0 {
		c.Health.PerToolWindow = def.Health.PerToolWindow
	}
	if c.Health.FailureWindow <= 0 {
		c.Health.FailureWindow = def.Health.FailureWindow
	}
	if c.Health.ConsecutiveFailureLimit <= 0 {
		c.Health.ConsecutiveFailureLimit = def.Health.ConsecutiveFailureLimit
	}
	if c.Heal.Interval <= 0 {
		c.Heal.Interval = def.Heal.Interval
	}
	if c.Heal.FailuresPerHour <= 0 {
		c.Heal.FailuresPerHour = def.Heal.FailuresPerHour
	}
	if c.Heal.OfflineDuration <= 0 {
		c.Heal.OfflineDuration = def.Heal.OfflineDuration
	}
	if c.Heal.ConsecutiveRestarts <= 0 {
		c.Heal.ConsecutiveRestarts = def.Heal.ConsecutiveRestarts
	}
	if c.Critic.TriggerCount <= 0 {
		c.Critic.TriggerCount = def.Critic.TriggerCount
	}
	if c.Critic.RecentEvents <= 0 {
		c.Critic.RecentEvents = def.Critic.RecentEvents
	}
	if c.Critic.LLMTimeout <= 0 {
		c.Critic.LLMTimeout = def.Critic.LLMTimeout
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = def.Probe.Interval
	}
	if c.Probe.DialTimeout <= 0 {
		c.Probe.DialTimeout = def.Probe.DialTimeout
	}
	if c.Watch.MaxAttempts <= 0 {
		c.Watch.MaxAttempts = def.Watch.MaxAttempts
	}
	if c.Dispatcher == (DispatcherConfig{}) {
		c.Dispatcher = def.Dispatcher
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = def.Capabilities
	}
	if len(c.Aliases.CanonicalToolIDs) == 0 && len(c.Aliases.ToolIDAliases) == 0 {
		c.Aliases = def.Aliases
	}
	if c.LLM.Provider == "" {
		c.LLM = def.LLM
	}
	if c.Store.Path == "" {
		c.Store = def.Store
	}
	if c.Server.Addr == "" {
		c.Server = def.Server
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
}
