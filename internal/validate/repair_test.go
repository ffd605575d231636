package validate

import (
	"errors"
	"testing"
)

func TestExtractToolCall(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		tool   string
		action string
	}{
		{
			name:   "clean json",
			text:   `{"tool_id": "mcp-deepsearch", "action": "research", "parameters": {"question": "x"}}`,
			tool:   "mcp-deepsearch",
			action: "research",
		},
		{
			name: "fenced json with prose",
			text: "I'll research this.\n```json\n{\"tool_id\": \"mcp-deepsearch\", \"action\": \"research\", \"parameters\": {\"question\": \"x\"}}\n```\nDone.",
			tool: "mcp-deepsearch", action: "research",
		},
		{
			name: "object embedded in prose",
			text: `Let me call {"tool": "browser_use", "action": "navigate", "params": {"url": "https://example.com"}} now`,
			tool: "browser_use", action: "navigate",
		},
		{
			name:   "trailing comma repaired",
			text:   `{"tool_id": "microsandbox", "action": "microsandbox_execute", "parameters": {"code": "print(1)",},}`,
			tool:   "microsandbox",
			action: "microsandbox_execute",
		},
		{
			name:   "single quoted repaired",
			text:   `{'tool_id': 'browser_use', 'action': 'click', 'parameters': {'index': 3}}`,
			tool:   "browser_use",
			action: "click",
		},
		{
			name:   "alternate field names",
			text:   `{"tool_name": "mcp-search-tool", "operation": "list_tools", "arguments": {}}`,
			tool:   "mcp-search-tool",
			action: "list_tools",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := ExtractToolCall(tt.text, "task-1")
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if call.ToolID != tt.tool || call.Action != tt.action {
				t.Errorf("got (%s, %s), want (%s, %s)", call.ToolID, call.Action, tt.tool, tt.action)
			}
			if call.ID == "" || call.TaskID != "task-1" {
				t.Errorf("call metadata incomplete: %+v", call)
			}
			if call.Parameters == nil {
				t.Error("parameters must never be nil")
			}
		})
	}
}

func TestExtractToolCallNoObject(t *testing.T) {
	for _, text := range []string{
		"",
		"I don't think any tool is needed here.",
		`{"color": "blue"}`,
		"{broken",
	} {
		if _, err := ExtractToolCall(text, "t"); !errors.Is(err, ErrNoToolCall) {
			t.Errorf("ExtractToolCall(%q) err = %v, want ErrNoToolCall", text, err)
		}
	}
}

func TestExtractBalancedObjectRespectsStrings(t *testing.T) {
	text := `prefix {"tool_id": "x", "action": "y", "parameters": {"note": "brace } in string"}} suffix`
	got := extractBalancedObject(text)
	want := `{"tool_id": "x", "action": "y", "parameters": {"note": "brace } in string"}}`
	if got != want {
		t.Errorf("got %q", got)
	}
}
