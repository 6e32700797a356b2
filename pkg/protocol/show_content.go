package protocol

import "fmt"

// DeriveShowContent computes a short human label for well-known events.
// Returns "" when the event is unknown here or its content is already
// prose — in both cases the client renders the content directly. Labels
// are server-local; deployments may swap this table for a localized one.
func DeriveShowContent(env *Envelope) string {
	switch env.Event {
	case EventPlanStart:
		return "Planning started"
	case EventPlanCompleted:
		if n, ok := env.MetaInt("task_count"); ok {
			return fmt.Sprintf("Plan completed (%d tasks)", n)
		}
		return "Plan completed"
	case EventPlanCancelled:
		return "Plan cancelled"
	case EventSolverStart:
		if id := env.MetaString("task_id"); id != "" {
			return fmt.Sprintf("Solving task %s", id)
		}
		return "Solver started"
	case EventSolverCompleted:
		if id := env.MetaString("task_id"); id != "" {
			return fmt.Sprintf("Task %s completed", id)
		}
		return "Task completed"
	case EventSolverStepFailed:
		if id := env.MetaString("task_id"); id != "" {
			return fmt.Sprintf("Task %s failed", id)
		}
		return "Task failed"
	case EventSolverCancelled:
		if id := env.MetaString("task_id"); id != "" {
			return fmt.Sprintf("Task %s cancelled", id)
		}
		return "Task cancelled"
	case EventSolverRestarted:
		if id := env.MetaString("task_id"); id != "" {
			return fmt.Sprintf("Task %s restarted", id)
		}
		return "Task restarted"
	case EventAggregateStart:
		return "Aggregating results"
	case EventAggregateCompleted:
		return "Aggregation completed"
	case EventPipelineCompleted:
		if status := env.MetaString("status"); status != "" {
			return fmt.Sprintf("Pipeline finished (%s)", status)
		}
		return "Pipeline finished"
	case EventAgentUserConfirm:
		if env.MetaString("scope") == "plan" {
			return "Waiting for plan confirmation"
		}
		if tool := env.MetaString("tool_name"); tool != "" {
			return fmt.Sprintf("Waiting for confirmation: %s", tool)
		}
		return "Waiting for confirmation"
	case EventErrorRetry:
		attempt, _ := env.MetaInt("attempt")
		max, _ := env.MetaInt("max_attempts")
		return fmt.Sprintf("Retrying (attempt %d/%d)", attempt, max)
	case EventAgentInterrupted:
		return "Interrupted"
	}
	return ""
}
