package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/fallback"
	"github.com/haasonsaas/dispatch/internal/llm"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// toolRunner executes a tool-kind strategy over MCP. When the strategy
// targets a different tool than the incoming call, the validator rebuilds
// the parameter map from the task context.
func (r *Runtime) toolRunner() fallback.Runner {
	return fallback.RunnerFunc(func(ctx context.Context, strategy config.StrategyConfig, task *models.Task, call models.ToolCall) (json.RawMessage, error) {
		if !r.ledger.IsAvailable(strategy.ToolID) {
			return nil, fmt.Errorf("tool %s is out of rotation", strategy.ToolID)
		}

		toolCall := call
		if strategy.ToolID != call.ToolID || strategy.Action != call.Action {
			toolCall = r.rewriteForStrategy(ctx, strategy, task, call)
		}

		started := time.Now()
		payload, err := r.invoker.Call(ctx, strategy.ToolID, strategy.Action, toolCall.Parameters)
		duration := time.Since(started)
		r.metrics.ToolCallDuration.WithLabelValues(strategy.ToolID, strategy.Action).Observe(duration.Seconds())

		if err != nil {
			r.metrics.ToolCallCounter.WithLabelValues(strategy.ToolID, strategy.Action, string(models.OutcomeFailure)).Inc()
			ev := r.classifier.Classify(err, "mcp", &toolCall)
			r.recordError(ev)
			r.maybeRecover(ctx, ev)
			return nil, err
		}

		r.metrics.ToolCallCounter.WithLabelValues(strategy.ToolID, strategy.Action, string(models.OutcomeSuccess)).Inc()
		r.ledger.RecordSuccess(strategy.ToolID, duration)
		return payload, nil
	})
}

// rewriteForStrategy retargets the call at the strategy's (tool, action)
// pair and lets the validator auto-complete the required parameters from
// the task and the model's reasoning.
func (r *Runtime) rewriteForStrategy(ctx context.Context, strategy config.StrategyConfig, task *models.Task, call models.ToolCall) models.ToolCall {
	skeleton := models.ToolCall{
		ID:         call.ID,
		ToolID:     strategy.ToolID,
		Action:     strategy.Action,
		Parameters: map[string]any{},
		Thinking:   call.Thinking,
		TaskID:     call.TaskID,
		IssuedAt:   call.IssuedAt,
	}
	vres := r.validator.Validate(ctx, skeleton, task)
	if !vres.IsValid {
		r.log.Debug(ctx, "strategy rewrite incomplete",
			"tool_id", strategy.ToolID, "action", strategy.Action,
			"missing", vres.MissingRequired)
	}
	return vres.NormalizedCall
}

// cachedPayload is the body of a cached-synthesis result. Consumers must be
// able to tell synthesized material from live tool output.
type cachedPayload struct {
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
	Content    string `json:"content"`
}

// cachedRunner synthesizes an answer from the model's own knowledge when no
// tool tier is left standing. The payload is labeled so downstream consumers
// never mistake it for live data.
func (r *Runtime) cachedRunner() fallback.Runner {
	return fallback.RunnerFunc(func(ctx context.Context, strategy config.StrategyConfig, task *models.Task, call models.ToolCall) (json.RawMessage, error) {
		if r.provider == nil {
			return nil, fmt.Errorf("cached synthesis unavailable: no llm provider")
		}

		desc := call.Thinking
		if task != nil && task.Description != "" {
			desc = task.Description
		}
		if desc == "" {
			return nil, fmt.Errorf("cached synthesis unavailable: no task context")
		}

		text, err := r.provider.Generate(ctx, llm.Request{
			System: "Live tools are unavailable. Answer from prior knowledge only. " +
				"State clearly when the answer may be outdated.",
			Prompt:    desc,
			MaxTokens: 1024,
		})
		if err != nil {
			return nil, fmt.Errorf("cached synthesis: %w", err)
		}

		payload, err := json.Marshal(cachedPayload{
			Source:     "cached_synthesis",
			Confidence: "low",
			Content:    text,
		})
		if err != nil {
			return nil, err
		}
		return payload, nil
	})
}

// assistPayload is the body of an assistance-needed result, the terminal
// fallback when every automated path is exhausted.
type assistPayload struct {
	AssistanceNeeded bool   `json:"assistance_needed"`
	TaskID           string `json:"task_id,omitempty"`
	Capability       string `json:"capability,omitempty"`
	Reason           string `json:"reason"`
}

func (r *Runtime) assistRunner() fallback.Runner {
	return fallback.RunnerFunc(func(ctx context.Context, strategy config.StrategyConfig, task *models.Task, call models.ToolCall) (json.RawMessage, error) {
		taskID := call.TaskID
		if taskID == "" && task != nil {
			taskID = task.ID
		}
		payload, err := json.Marshal(assistPayload{
			AssistanceNeeded: true,
			TaskID:           taskID,
			Reason: fmt.Sprintf("all automated strategies exhausted for %s.%s",
				call.ToolID, call.Action),
		})
		if err != nil {
			return nil, err
		}
		return payload, nil
	})
}
