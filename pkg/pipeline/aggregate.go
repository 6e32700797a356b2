package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
)

const aggregatorSystemPrompt = `You are an aggregation assistant. You receive the outputs of several completed sub-tasks. Combine them into one coherent final answer for the user's original request. Do not mention the sub-task structure.`

// aggregateStage combines successful task outputs into the final
// result. Failed and cancelled tasks are skipped; with no successes the
// final result states that plainly instead of failing.
func (o *Orchestrator) aggregateStage(ctx context.Context) (string, error) {
	o.mu.Lock()
	question := o.question
	var successes []models.Task
	for _, t := range o.tasks {
		if t.Status == models.TaskStatusSucceeded && t.Result != nil {
			successes = append(successes, t)
		}
	}
	total := len(o.tasks)
	o.mu.Unlock()

	o.emit(protocol.New(protocol.EventAggregateStart).
		Meta("task_count", total).
		Meta("succeeded", len(successes)))

	if len(successes) == 0 {
		final := "No tasks completed successfully."
		o.emit(protocol.NewAggregateCompleted(final))
		return final, nil
	}

	cfg := o.cfg.Agent
	cfg.ToolChoice = agent.ToolChoiceNone
	aggregator := agent.New("aggregator", o.deps.LLM, nil, o.deps.Emitter, o.deps.Confirmer, cfg)

	var out *agent.RunResult
	err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		r, err := aggregator.Run(ctx, agent.RunInput{
			SystemPrompt: aggregatorSystemPrompt,
			UserMessage:  aggregatePrompt(question, successes),
		})
		if err != nil {
			return err
		}
		out = r
		return nil
	}, o.retryObserver(""))
	if err != nil {
		return "", err
	}
	if out.Status == agent.StatusCancelled {
		return "", context.Canceled
	}
	o.addStats(out.Statistics)

	o.emit(protocol.NewAggregateCompleted(out.FinalText))
	return out.FinalText, nil
}

func aggregatePrompt(question string, tasks []models.Task) string {
	var b strings.Builder
	if question != "" {
		fmt.Fprintf(&b, "Original request: %s\n\n", question)
	}
	fmt.Fprintf(&b, "Completed sub-task outputs:\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "## %s: %s\n%s\n\n", t.ID, t.Title, t.Result.Output)
	}
	b.WriteString("Write the final combined answer.")
	return b.String()
}
