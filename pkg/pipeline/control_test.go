package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
)

func TestCancelPlanDuringPlanning(t *testing.T) {
	llm := newScriptedLLM()
	started := make(chan struct{})
	llm.route("planner", scriptEntry{Block: true, OnBlock: func() { close(started) }})

	o, rec := newTestOrchestrator(llm, approveAll, nil)
	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "question")
		close(done)
	}()
	<-started

	o.CancelPlan()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not terminate after cancel_plan")
	}

	assert.Equal(t, models.PipelineCancelled, o.State())
	assert.True(t, rec.has(protocol.EventPlanCancelled))
	assert.Equal(t, "cancelled", rec.first(protocol.EventPipelineCompleted).MetaString("status"))
	assert.False(t, rec.has(protocol.EventSolverStart))
}

func TestCancelPlanOutsidePlanning(t *testing.T) {
	llm := newScriptedLLM()
	o, rec := newTestOrchestrator(llm, approveAll, nil)

	o.CancelPlan()

	validation := rec.first(protocol.EventErrorValidation)
	require.NotNil(t, validation)
	assert.Contains(t, validation.ContentString(), "only valid during planning")
}

func TestReplanDuringConfirmation(t *testing.T) {
	llm := newScriptedLLM()
	llm.route("planner", scriptEntry{Text: planJSONTwoTasks})
	llm.route("solver", scriptEntry{Text: "answer"})
	llm.route("aggregator", scriptEntry{Text: "final"})

	confirmCalls := 0
	confirmer := confirmerFunc(func(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (models.ConfirmResult, error) {
		confirmCalls++
		if confirmCalls == 1 {
			// First confirmation is interrupted by the replan below.
			<-ctx.Done()
			return models.Denied, ctx.Err()
		}
		return models.ConfirmResult{Confirmed: true}, nil
	})

	o, rec := newTestOrchestrator(llm, confirmer, func(c *Config) {
		c.RequireConfirm = true
	})
	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "first question")
		close(done)
	}()
	waitState(t, o, models.PipelineAwaitingPlanConfirm)

	o.Replan("better question")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish after replan")
	}

	assert.Equal(t, models.PipelineCompleted, o.State())
	assert.Equal(t, 2, confirmCalls)
	assert.Len(t, rec.byType(protocol.EventPlanStart), 2)

	// The second planning round used the replacement question.
	inputs := llm.userInputs("planner")
	require.Len(t, inputs, 2)
	assert.Equal(t, "first question", inputs[0])
	assert.Equal(t, "better question", inputs[1])
}

func TestReplanRejectedAfterSolveStart(t *testing.T) {
	llm := newScriptedLLM()
	llm.route("planner", scriptEntry{Text: planJSONOneTask})
	llm.route("solver", scriptEntry{Text: "answer"})
	llm.route("aggregator", scriptEntry{Text: "final"})

	o, rec := newTestOrchestrator(llm, approveAll, nil)
	o.Run(context.Background(), "question")
	require.Equal(t, models.PipelineCompleted, o.State())

	o.Replan("too late")

	validation := rec.waitFor(t, protocol.EventErrorValidation, nil)
	assert.Equal(t, protocol.ErrCodeReplanAfterSolve, validation.MetaString("error_code"))
	assert.Contains(t, validation.ContentString(), "once solving has started")
}

func TestCancelDuringSolve(t *testing.T) {
	llm := newScriptedLLM()
	llm.route("planner", scriptEntry{Text: planJSONOneTask})
	llm.route("solver", scriptEntry{Block: true})

	o, rec := newTestOrchestrator(llm, approveAll, nil)
	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "question")
		close(done)
	}()
	rec.waitFor(t, protocol.EventSolverStart, nil)

	o.Cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not terminate after cancel")
	}

	assert.Equal(t, models.PipelineCancelled, o.State())
	assert.True(t, rec.has(protocol.EventAgentInterrupted))
	assert.Equal(t, "cancelled", rec.first(protocol.EventPipelineCompleted).MetaString("status"))
	assert.False(t, rec.has(protocol.EventAggregateStart))

	_, _, _, tasks := o.Snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCancelled, tasks[0].Status)

	// Cancel after terminal is a no-op.
	o.Cancel()
	assert.Equal(t, models.PipelineCancelled, o.State())
}

func TestCancelTask(t *testing.T) {
	llm := newScriptedLLM()
	llm.route("planner", scriptEntry{Text: planJSONTwoTasks})
	llm.route("solver:1", scriptEntry{Block: true})
	llm.route("solver:2", scriptEntry{Text: "answer two"})
	llm.route("aggregator", scriptEntry{Text: "final from task two"})

	o, rec := newTestOrchestrator(llm, approveAll, nil)
	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "question")
		close(done)
	}()
	rec.waitFor(t, protocol.EventSolverStart, taskIDIs("1"))

	o.CancelTask("1")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish after cancelling one task")
	}

	// One task cancelled, the other still solved; the pipeline aggregates
	// what succeeded.
	assert.Equal(t, models.PipelineCompleted, o.State())
	cancelled := rec.byType(protocol.EventSolverCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "1", cancelled[0].MetaString("task_id"))
	completed := rec.byType(protocol.EventSolverCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "2", completed[0].MetaString("task_id"))
	assert.Equal(t, "final from task two",
		rec.first(protocol.EventAgentFinalAnswer).ContentString())

	// Cancelling a task that is already terminal is a validation error.
	o.CancelTask("1")
	errs := rec.byType(protocol.EventErrorValidation)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1].ContentString(), "already")

	o.CancelTask("nope")
	errs = rec.byType(protocol.EventErrorValidation)
	assert.Contains(t, errs[len(errs)-1].ContentString(), "unknown task")
}

func TestRestartTask(t *testing.T) {
	llm := newScriptedLLM()
	release := make(chan struct{})
	llm.route("planner", scriptEntry{Text: planJSONTwoTasks})
	llm.route("solver:1",
		scriptEntry{Err: errors.New("flaky dependency")},
		scriptEntry{Text: "second time lucky"})
	llm.route("solver:2", scriptEntry{Block: true, Release: release})
	llm.route("aggregator", scriptEntry{Text: "final"})

	o, rec := newTestOrchestrator(llm, approveAll, func(c *Config) {
		c.Retry.MaxAttempts = 1 // fail fast so the restart is the retry
	})
	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "question")
		close(done)
	}()

	// Task 1 fails while task 2 keeps the solve stage open.
	rec.waitFor(t, protocol.EventSolverStepFailed, taskIDIs("1"))

	o.RestartTask("1")

	restarted := rec.waitFor(t, protocol.EventSolverRestarted, taskIDIs("1"))
	attempt, _ := restarted.MetaInt("attempt")
	assert.Equal(t, int64(2), attempt)

	rec.waitFor(t, protocol.EventSolverCompleted, taskIDIs("1"))
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish after restart")
	}

	assert.Equal(t, models.PipelineCompleted, o.State())
	_, _, _, tasks := o.Snapshot()
	require.Len(t, tasks, 2)
	assert.Equal(t, models.TaskStatusSucceeded, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].Attempt)
	assert.Empty(t, tasks[0].Error)

	// Succeeded tasks are not restartable.
	o.RestartTask("1")
	errs := rec.byType(protocol.EventErrorValidation)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1].ContentString(), "already succeeded")
}
