// Package models contains the business domain types shared across the
// protocol, pipeline and session layers.
package models

// TaskStatus represents the lifecycle state of a solve-stage task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is a unit of solve-stage work produced by the planner.
// The ID is unique within a plan; it may arrive from the LLM as either an
// integer or a string, so the planner normalizes it to a string at
// coercion time.
type Task struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Objective  string      `json:"objective"`
	Notes      string      `json:"notes,omitempty"`
	Insights   []string    `json:"insights,omitempty"`
	DomainHint string      `json:"domain_hint,omitempty"`
	Status     TaskStatus  `json:"status,omitempty"`
	Attempt    int         `json:"attempt,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// TaskResult is the outcome of a successful solver run.
type TaskResult struct {
	Output     string        `json:"output"`
	Summary    string        `json:"summary,omitempty"`
	AgentName  string        `json:"agent_name,omitempty"`
	Statistics []LLMCallStat `json:"statistics,omitempty"`
}
