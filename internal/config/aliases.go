package config

// AliasConfig holds the three mapping tables insulating execution from LLM
// stylistic drift: tool id aliases, per-tool action aliases (including
// deprecated combinations), and parameter aliases.
type AliasConfig struct {
	// CanonicalToolIDs enumerates the known canonical tool ids.
	CanonicalToolIDs []string `yaml:"canonical_tool_ids"`

	// ToolIDAliases maps alias -> canonical tool id.
	ToolIDAliases map[string]string `yaml:"tool_id_aliases"`

	// ActionMappings holds per-canonical-tool action tables.
	ActionMappings map[string]ActionMapping `yaml:"action_mappings"`

	// ParameterMappings holds parameter alias tables.
	ParameterMappings ParameterMappings `yaml:"parameter_mappings"`
}

// ActionMapping is the per-tool action alias table.
type ActionMapping struct {
	CanonicalActions []string `yaml:"canonical_actions"`

	// ActionAliases maps alias action -> canonical action.
	ActionAliases map[string]string `yaml:"action_aliases"`

	// DeprecatedCombinations remap retired actions to replacements.
	DeprecatedCombinations []DeprecatedAction `yaml:"deprecated_combinations"`
}

// DeprecatedAction maps a retired action to its replacement.
type DeprecatedAction struct {
	Action      string `yaml:"action"`
	Replacement string `yaml:"replacement"`
}

// ParameterMappings holds the cross-tool and per-tool parameter alias tables.
type ParameterMappings struct {
	// CommonAliases apply to every tool, e.g. query -> question.
	CommonAliases map[string]string `yaml:"common_aliases"`

	// ToolSpecific maps tool id -> (alias -> canonical).
	ToolSpecific map[string]map[string]string `yaml:"tool_specific"`
}

// ValidationRules holds cross-parameter consistency rules.
type ValidationRules struct {
	RequiredCombinations   []RequiredCombination  `yaml:"required_combinations"`
	DeprecatedCombinations []DeprecatedToolAction `yaml:"deprecated_combinations"`
}

// RequiredCombination pins the required parameter set for one (tool, action).
type RequiredCombination struct {
	ToolID         string   `yaml:"tool_id"`
	Action         string   `yaml:"action"`
	RequiredParams []string `yaml:"required_params"`
}

// DeprecatedToolAction retires a (tool, action) pair with a replacement.
type DeprecatedToolAction struct {
	ToolID      string `yaml:"tool_id"`
	Action      string `yaml:"action"`
	Replacement string `yaml:"replacement"`
}

// ErrorCorrections holds keyword-pattern tables the critic consults when
// generating candidate corrections.
type ErrorCorrections struct {
	// ActionErrors maps a message keyword to the action it suggests.
	ActionErrors map[string]string `yaml:"action_errors"`

	// ParameterErrors maps a message keyword to the parameter it suggests.
	ParameterErrors map[string]string `yaml:"parameter_errors"`

	// AlternativeTools maps "tool.action" to a preconfigured alternative
	// tool for the same capability.
	AlternativeTools map[string]string `yaml:"alternative_tools"`

	// SkillGaps maps a message keyword to a missing tool class, driving
	// install_tools patches.
	SkillGaps map[string]string `yaml:"skill_gaps"`
}

// DefaultAliases returns the built-in alias tables covering the well-known
// tool fleet.
func DefaultAliases() AliasConfig {
	return AliasConfig{
		CanonicalToolIDs: []string{
			"mcp-deepsearch",
			"mcp-search-tool",
			"microsandbox",
			"browser_use",
		},
		ToolIDAliases: map[string]string{
			"deepsearch":     "mcp-deepsearch",
			"deep-search":    "mcp-deepsearch",
			"deep_search":    "mcp-deepsearch",
			"search-tool":    "mcp-search-tool",
			"search_tool":    "mcp-search-tool",
			"sandbox":        "microsandbox",
			"micro-sandbox":  "microsandbox",
			"code-sandbox":   "microsandbox",
			"browser":        "browser_use",
			"browser-use":    "browser_use",
			"headless":       "browser_use",
			"web-browser":    "browser_use",
		},
		ActionMappings: map[string]ActionMapping{
			"mcp-deepsearch": {
				CanonicalActions: []string{"research", "quick_search"},
				ActionAliases: map[string]string{
					"search":      "research",
					"deep_search": "research",
					"query":       "quick_search",
				},
				DeprecatedCombinations: []DeprecatedAction{
					{Action: "comprehensive_research", Replacement: "research"},
				},
			},
			"microsandbox": {
				CanonicalActions: []string{"microsandbox_execute", "microsandbox_install"},
				ActionAliases: map[string]string{
					"execute":  "microsandbox_execute",
					"run":      "microsandbox_execute",
					"run_code": "microsandbox_execute",
					"install":  "microsandbox_install",
				},
			},
			"browser_use": {
				CanonicalActions: []string{"navigate", "click", "input_text", "extract"},
				ActionAliases: map[string]string{
					"goto":       "navigate",
					"open":       "navigate",
					"type":       "input_text",
					"input-text": "input_text",
					"read":       "extract",
				},
			},
			"mcp-search-tool": {
				CanonicalActions: []string{"search_and_install_tools", "list_tools"},
				ActionAliases: map[string]string{
					"install_tools": "search_and_install_tools",
					"find_tools":    "search_and_install_tools",
				},
			},
		},
		ParameterMappings: ParameterMappings{
			CommonAliases: map[string]string{
				"query":    "question",
				"q":        "question",
				"prompt":   "question",
				"script":   "code",
				"source":   "code",
				"link":     "url",
				"address":  "url",
				"content":  "text",
				"value":    "text",
				"position": "index",
			},
			ToolSpecific: map[string]map[string]string{
				"mcp-search-tool": {
					"question": "task_description",
					"query":    "task_description",
				},
			},
		},
	}
}

// DefaultCorrections returns the built-in error-correction tables.
func DefaultCorrections() ErrorCorrections {
	return ErrorCorrections{
		ActionErrors: map[string]string{
			"search":  "research",
			"execute": "microsandbox_execute",
			"browse":  "navigate",
		},
		ParameterErrors: map[string]string{
			"question": "question",
			"query":    "question",
			"code":     "code",
		},
		AlternativeTools: map[string]string{
			"mcp-deepsearch.search_and_install_tools": "mcp-search-tool",
			"browser_use.research":                    "mcp-deepsearch",
		},
		SkillGaps: map[string]string{
			"pdf":   "document-processing",
			"sql":   "database",
			"image": "vision",
			"excel": "spreadsheet",
		},
	}
}
