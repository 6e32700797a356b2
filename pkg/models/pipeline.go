package models

// PipelineState represents the plan-solve-aggregate state machine.
type PipelineState string

const (
	PipelineIdle                PipelineState = "idle"
	PipelinePlanning            PipelineState = "planning"
	PipelineAwaitingPlanConfirm PipelineState = "awaiting_plan_confirm"
	PipelineSolving             PipelineState = "solving"
	PipelineAggregating         PipelineState = "aggregating"
	PipelineCompleted           PipelineState = "completed"
	PipelineCancelled           PipelineState = "cancelled"
	PipelineError               PipelineState = "error"
)

// Terminal reports whether the pipeline has finished.
func (s PipelineState) Terminal() bool {
	switch s {
	case PipelineCompleted, PipelineCancelled, PipelineError:
		return true
	}
	return false
}

// PipelineStatus values reported in pipeline.completed metadata.
const (
	PipelineStatusSuccess   = "success"
	PipelineStatusCancelled = "cancelled"
	PipelineStatusError     = "error"
)
