package protocol

import (
	"github.com/maestro-agent/maestro/pkg/models"
)

// Typed content payloads for structured events. Prose events (thinking,
// answers) carry a plain string content instead.

// TaskListContent is the content of plan.completed and the task source
// for user.solve_tasks.
type TaskListContent struct {
	Tasks []models.Task `json:"tasks"`
}

// TaskResultContent is the content of solver.completed.
type TaskResultContent struct {
	Task   models.Task        `json:"task"`
	Result *models.TaskResult `json:"result"`
}

// QuestionContent is the content of plan.start.
type QuestionContent struct {
	Question string `json:"question"`
}

// FinalResultContent is the content of aggregate.completed.
type FinalResultContent struct {
	FinalResult string `json:"final_result"`
}

// --- Constructor helpers for well-known outbound events ---

// NewPlanStart builds a plan.start event for the given question.
func NewPlanStart(question string) *Envelope {
	return New(EventPlanStart).WithContent(QuestionContent{Question: question})
}

// NewPlanCompleted builds a plan.completed event. The task_count metadata
// is derived from the task list so the two can never disagree.
func NewPlanCompleted(tasks []models.Task, planSummary string, planningTime int64, stats []models.LLMCallStat) *Envelope {
	return New(EventPlanCompleted).
		WithContent(TaskListContent{Tasks: tasks}).
		Meta("task_count", len(tasks)).
		Meta("plan_summary", planSummary).
		Meta("planning_time_ms", planningTime).
		Meta("statistics", stats)
}

// NewSolverCompleted builds a solver.completed event for one task.
func NewSolverCompleted(task models.Task, result *models.TaskResult) *Envelope {
	return New(EventSolverCompleted).
		WithContent(TaskResultContent{Task: task, Result: result}).
		Meta("task_id", task.ID)
}

// NewAggregateCompleted builds an aggregate.completed event.
func NewAggregateCompleted(finalResult string) *Envelope {
	return New(EventAggregateCompleted).
		WithContent(FinalResultContent{FinalResult: finalResult})
}

// NewError builds an error.* or system.error event with the mandatory
// error_code metadata.
func NewError(event, code, message string) *Envelope {
	return New(event).
		WithContent(message).
		Meta("error_code", code)
}

// NewNotice builds a system.notice acknowledging a control command.
func NewNotice(message string) *Envelope {
	return New(EventSystemNotice).WithContent(message)
}
