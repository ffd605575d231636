package models

import "time"

// TaskType labels the broad intent of an ingested task.
type TaskType string

const (
	TaskResearch TaskType = "research"
	TaskSearch   TaskType = "search"
	TaskExecute  TaskType = "execute"
	TaskAnalyze  TaskType = "analyze"
	TaskInstall  TaskType = "install"
	TaskGeneral  TaskType = "general"
)

// Task is the unit of work driving the reasoning loop.
type Task struct {
	ID          string            `json:"task_id"`
	Description string            `json:"description"`
	Type        TaskType          `json:"type"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
}

// TrajectoryStep is one record in the append-only trajectory of a task:
// the normalized call, its result, and any errors or corrections involved.
// Downstream consumers rely on the structure but not on field ordering.
type TrajectoryStep struct {
	TaskID      string         `json:"task_id"`
	Seq         int            `json:"seq"`
	Call        ToolCall       `json:"call"`
	Result      ToolCallResult `json:"result"`
	Errors      []ErrorEvent   `json:"errors,omitempty"`
	Corrections []Correction   `json:"corrections,omitempty"`
	RecordedAt  time.Time      `json:"recorded_at"`
}
