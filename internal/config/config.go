// Package config loads and validates the runtime configuration: alias
// tables, capability strategies, dispatcher weights, health thresholds and
// component settings. A missing file yields built-in defaults covering a
// small set of well-known tool ids.
package config

import (
	"time"

	"github.com/haasonsaas/dispatch/internal/observability"
)

// Config is the root configuration for the dispatch runtime.
type Config struct {
	Log observability.LogConfig `yaml:"log"`

	Registry RegistryConfig `yaml:"registry"`
	Aliases  AliasConfig    `yaml:"aliases"`

	// Validation holds cross-parameter rules enforced by the validator.
	Validation ValidationRules `yaml:"validation_rules"`

	// Corrections holds error-pattern tables consumed by the critic.
	Corrections ErrorCorrections `yaml:"error_corrections"`

	Dispatcher   DispatcherConfig            `yaml:"dispatcher"`
	Capabilities map[string][]StrategyConfig `yaml:"capabilities"`
	Health       HealthConfig                `yaml:"health"`
	Heal         HealConfig                  `yaml:"self_healing"`
	Critic       CriticConfig                `yaml:"critic"`
	Probe        ProbeConfig                 `yaml:"probe"`
	Watch        WatchConfig                 `yaml:"tool_updates"`
	Servers      []ToolServerConfig          `yaml:"tool_servers"`
	LLM          LLMConfig                   `yaml:"llm"`
	Store        StoreConfig                 `yaml:"store"`
	Server       ServerConfig                `yaml:"server"`

	// ShutdownGrace bounds how long background loops get to exit.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RegistryConfig configures the schema registry.
type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ManifestRoots   []string      `yaml:"manifest_roots"`
}

// DispatcherConfig holds the adaptive scoring weights.
type DispatcherConfig struct {
	HistoricalWeight  float64 `yaml:"historical_weight"`
	PerformanceWeight float64 `yaml:"performance_weight"`
	ContextWeight     float64 `yaml:"context_weight"`
	ReliabilityWeight float64 `yaml:"reliability_weight"`
}

// StrategyConfig declares one strategy in a capability's tier list.
type StrategyConfig struct {
	Name       string        `yaml:"name"`
	Tier       string        `yaml:"tier"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// Kind selects the executor: "tool" calls ToolID.Action through MCP,
	// "cached" synthesizes from previously learned material, "assist"
	// returns a structured assistance-needed payload.
	Kind   string `yaml:"kind"`
	ToolID string `yaml:"tool_id,omitempty"`
	Action string `yaml:"action,omitempty"`
}

// HealthConfig configures the health/failure ledger.
type HealthConfig struct {
	// GlobalWindow caps the global rolling error window by count.
	GlobalWindow int `yaml:"global_window"`
	// PerToolWindow caps each per-tool error window by count.
	PerToolWindow int `yaml:"per_tool_window"`
	// FailureWindow is the time-based eviction horizon for per-tool
	// failure counts.
	FailureWindow time.Duration `yaml:"failure_window"`
	// ConsecutiveFailureLimit trips availability off.
	ConsecutiveFailureLimit int `yaml:"consecutive_failure_limit"`
}

// HealConfig configures the self-healing rules loop.
type HealConfig struct {
	Interval            time.Duration `yaml:"interval"`
	FailuresPerHour     int           `yaml:"failures_per_hour"`
	OfflineDuration     time.Duration `yaml:"offline_duration"`
	ConsecutiveRestarts int           `yaml:"consecutive_restarts"`
	LoadThreshold       float64       `yaml:"load_threshold"`
}

// CriticConfig configures the validation critic.
type CriticConfig struct {
	// TriggerCount is how many same-signature failures trigger analysis.
	TriggerCount int `yaml:"trigger_count"`
	// RecentEvents is how many ledger events the critic examines.
	RecentEvents int `yaml:"recent_events"`
	// LLMTimeout bounds the parameter-repair LLM call.
	LLMTimeout time.Duration `yaml:"llm_timeout"`
}

// ProbeConfig configures the connectivity prober.
type ProbeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// WatchConfig configures the WebSocket tool-update listener.
type WatchConfig struct {
	URL         string `yaml:"url"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// ToolServerConfig declares one MCP tool server.
type ToolServerConfig struct {
	ID         string `yaml:"id"`
	URL        string `yaml:"url"`
	HealthPath string `yaml:"health_path"`
}

// LLMConfig selects and configures the LLM provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the health/metrics HTTP endpoint.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log:      observability.LogConfig{Level: "info", Format: "json"},
		Registry: RegistryConfig{RefreshInterval: 60 * time.Second},
		Aliases:  DefaultAliases(),
		Validation: ValidationRules{
			RequiredCombinations: []RequiredCombination{
				{ToolID: "browser_use", Action: "input_text", RequiredParams: []string{"index", "text"}},
				{ToolID: "microsandbox", Action: "microsandbox_execute", RequiredParams: []string{"code"}},
			},
		},
		Corrections: DefaultCorrections(),
		Dispatcher: DispatcherConfig{
			HistoricalWeight:  0.4,
			PerformanceWeight: 0.3,
			ContextWeight:     0.2,
			ReliabilityWeight: 0.1,
		},
		Capabilities: DefaultCapabilities(),
		Health: HealthConfig{
			GlobalWindow:            1000,
			PerToolWindow:           100,
			FailureWindow:           24 * time.Hour,
			ConsecutiveFailureLimit: 3,
		},
		Heal: HealConfig{
			Interval:            60 * time.Second,
			FailuresPerHour:     10,
			OfflineDuration:     5 * time.Minute,
			ConsecutiveRestarts: 5,
			LoadThreshold:       0.9,
		},
		Critic: CriticConfig{
			TriggerCount: 3,
			RecentEvents: 5,
			LLMTimeout:   20 * time.Second,
		},
		Probe: ProbeConfig{
			Interval:    30 * time.Second,
			DialTimeout: 3 * time.Second,
		},
		Watch: WatchConfig{MaxAttempts: 20},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Timeout:   60 * time.Second,
		},
		Store:         StoreConfig{Path: "dispatch.db"},
		Server:        ServerConfig{Addr: ":8420"},
		ShutdownGrace: 5 * time.Second,
	}
}

// DefaultCapabilities returns the built-in capability strategy lists. Every
// capability carries at least one fallback-or-emergency strategy, which the
// executor refuses to disable.
func DefaultCapabilities() map[string][]StrategyConfig {
	return map[string][]StrategyConfig{
		"deep_research": {
			{Name: "deepsearch-research", Tier: "primary", Timeout: 120 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "mcp-deepsearch", Action: "research"},
			{Name: "sandbox-http-research", Tier: "secondary", Timeout: 60 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "microsandbox", Action: "microsandbox_execute"},
			{Name: "cached-synthesis", Tier: "fallback", Timeout: 10 * time.Second, MaxRetries: 0, Kind: "cached"},
			{Name: "assist-request", Tier: "emergency", Timeout: 5 * time.Second, MaxRetries: 0, Kind: "assist"},
		},
		"web_search": {
			{Name: "deepsearch-quick", Tier: "primary", Timeout: 30 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "mcp-deepsearch", Action: "quick_search"},
			{Name: "sandbox-http-fetch", Tier: "secondary", Timeout: 30 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "microsandbox", Action: "microsandbox_execute"},
			{Name: "cached-synthesis", Tier: "fallback", Timeout: 10 * time.Second, MaxRetries: 0, Kind: "cached"},
			{Name: "assist-request", Tier: "emergency", Timeout: 5 * time.Second, MaxRetries: 0, Kind: "assist"},
		},
		"code_execution": {
			{Name: "sandbox-execute", Tier: "primary", Timeout: 90 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "microsandbox", Action: "microsandbox_execute"},
			{Name: "skeleton-answer", Tier: "emergency", Timeout: 5 * time.Second, MaxRetries: 0, Kind: "assist"},
		},
		"browser_automation": {
			{Name: "browser-use", Tier: "primary", Timeout: 90 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "browser_use", Action: "navigate"},
			{Name: "sandbox-http-fetch", Tier: "secondary", Timeout: 30 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "microsandbox", Action: "microsandbox_execute"},
			{Name: "assist-request", Tier: "emergency", Timeout: 5 * time.Second, MaxRetries: 0, Kind: "assist"},
		},
		"tool_discovery": {
			{Name: "search-tool-install", Tier: "primary", Timeout: 120 * time.Second, MaxRetries: 1, Kind: "tool", ToolID: "mcp-search-tool", Action: "search_and_install_tools"},
			{Name: "assist-request", Tier: "emergency", Timeout: 5 * time.Second, MaxRetries: 0, Kind: "assist"},
		},
	}
}
