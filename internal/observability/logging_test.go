package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "provider error",
		"error", "request failed: api_key=abcdef0123456789abcdef rejected")

	out := buf.String()
	if strings.Contains(out, "abcdef0123456789abcdef") {
		t.Errorf("api key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker, got: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := WithTaskID(context.Background(), "task-42")
	ctx = WithCallID(ctx, "call-7")
	logger.Info(ctx, "dispatching")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["task_id"] != "task-42" {
		t.Errorf("task_id = %v, want task-42", record["task_id"])
	}
	if record["call_id"] != "call-7" {
		t.Errorf("call_id = %v, want call-7", record["call_id"])
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Component("registry").Info(context.Background(), "refresh complete")

	if !strings.Contains(buf.String(), `"component":"registry"`) {
		t.Errorf("missing component field: %s", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()
	if m.Registry() == nil {
		t.Fatal("nil registry")
	}

	// Exercising a few series must not panic on label cardinality.
	m.ToolCallCounter.WithLabelValues("mcp-deepsearch", "research", "success").Inc()
	m.StrategyAttempts.WithLabelValues("web_search", "secondary", "timeout").Inc()
	m.ErrorEvents.WithLabelValues("network", "medium").Inc()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}
