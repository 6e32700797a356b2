package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
	"github.com/maestro-agent/maestro/pkg/retry"
)

const solverSystemPrompt = `You are a solver agent. Complete the assigned task using the available tools when they help. When the task is done, call the terminate tool with the final output in its output argument, or reply with the final output directly.`

// runSolve executes the solve stage: tasks flow through a work channel
// to a bounded pool of workers, and the stage completes when every task
// reaches a terminal status. Restarted tasks re-enter the channel.
func (o *Orchestrator) runSolve(ctx context.Context) {
	o.mu.Lock()
	var ids []string
	for i := range o.tasks {
		if o.tasks[i].Status == models.TaskStatusPending {
			ids = append(ids, o.tasks[i].ID)
		}
	}
	o.active = len(ids)
	o.solveClosed = false
	o.solveDone = make(chan struct{})
	// Restarts can requeue entries, so the channel is padded beyond the
	// task count; enqueue falls back to a goroutine if it ever fills.
	o.workCh = make(chan string, len(ids)+64)
	done := o.solveDone
	if o.active == 0 {
		o.solveClosed = true
		close(done)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.enqueue(id)
	}

	var wg sync.WaitGroup
	for w := 0; w < o.cfg.SolverConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case id := <-o.workCh:
					o.runTask(ctx, id)
				}
			}
		}()
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Tasks that never started are retired without solver events;
		// their solver.start was never emitted.
		o.mu.Lock()
		for i := range o.tasks {
			if !o.tasks[i].Status.Terminal() {
				o.tasks[i].Status = models.TaskStatusCancelled
			}
		}
		o.mu.Unlock()
	}
}

// enqueue never blocks the caller; control commands must stay prompt
// even if the work channel is momentarily full.
func (o *Orchestrator) enqueue(id string) {
	select {
	case o.workCh <- id:
	default:
		go func() { o.workCh <- id }()
	}
}

func (o *Orchestrator) decActiveLocked() {
	if o.active > 0 {
		o.active--
	}
	if o.active == 0 && o.solveDone != nil && !o.solveClosed {
		o.solveClosed = true
		close(o.solveDone)
	}
}

// runTask executes one task end to end: solver.start, the retry-wrapped
// agent run, then exactly one terminal solver event.
func (o *Orchestrator) runTask(ctx context.Context, id string) {
	o.mu.Lock()
	task := o.findTaskLocked(id)
	if task == nil || task.Status != models.TaskStatusPending {
		// Stale queue entry; the task was cancelled or restarted away.
		o.mu.Unlock()
		return
	}
	task.Status = models.TaskStatusRunning
	taskCtx, cancel := context.WithCancel(ctx)
	o.taskCancels[id] = cancel
	snapshot := *task
	o.mu.Unlock()
	defer cancel()

	stepID := uuid.New().String()
	o.emit(protocol.New(protocol.EventSolverStart).
		WithStepID(stepID).
		Meta("task", snapshot).
		Meta("task_id", id).
		Meta("attempt", snapshot.Attempt))

	out, runErr := o.solveTask(taskCtx, snapshot)

	o.mu.Lock()
	task = o.findTaskLocked(id)
	delete(o.taskCancels, id)
	if task == nil {
		o.mu.Unlock()
		return
	}

	cancelled := runErr == nil && out.Status == agent.StatusCancelled
	if runErr != nil && taskCtx.Err() != nil {
		cancelled = true
		runErr = nil
	}

	switch {
	case cancelled && o.restartPending[id]:
		delete(o.restartPending, id)
		task.Status = models.TaskStatusPending
		task.Error = ""
		o.mu.Unlock()
		o.enqueue(id)

	case cancelled:
		task.Status = models.TaskStatusCancelled
		o.decActiveLocked()
		o.mu.Unlock()
		o.emit(protocol.New(protocol.EventSolverCancelled).
			WithStepID(stepID).
			WithContent("Task cancelled").
			Meta("task_id", id))

	case runErr != nil:
		task.Status = models.TaskStatusFailed
		task.Error = runErr.Error()
		code := retry.CodeFor(retry.Classify(runErr))
		o.decActiveLocked()
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorRecoveryFailed, code, runErr.Error()).
			Meta("task_id", id))
		o.emit(protocol.NewError(protocol.EventSolverStepFailed, code,
			fmt.Sprintf("task %s failed: %v", id, runErr)).
			WithStepID(stepID).
			Meta("task_id", id).
			Meta("attempt", task.Attempt))

	default:
		result := &models.TaskResult{
			Output:     out.FinalText,
			Summary:    summarize(out.FinalText),
			AgentName:  "solver",
			Statistics: out.Statistics,
		}
		task.Status = models.TaskStatusSucceeded
		task.Result = result
		task.Error = ""
		completed := *task
		o.decActiveLocked()
		o.mu.Unlock()
		o.addStats(out.Statistics)
		o.emit(protocol.NewSolverCompleted(completed, result).WithStepID(stepID))
	}
}

// solveTask runs the solver agent for one task under the retry policy.
func (o *Orchestrator) solveTask(ctx context.Context, task models.Task) (*agent.RunResult, error) {
	solver := agent.New("solver", o.deps.LLM, o.deps.Tools, o.deps.Emitter, o.deps.Confirmer, o.cfg.Agent)

	o.mu.Lock()
	question := o.question
	o.mu.Unlock()

	var out *agent.RunResult
	attempt := 0
	retried := false
	err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		o.emit(protocol.New(protocol.EventSolverProgress).
			WithContent("Solver running").
			Meta("task_id", task.ID).
			Meta("attempt", attempt))
		r, err := solver.Run(ctx, agent.RunInput{
			SystemPrompt: solverSystemPrompt,
			UserMessage:  taskPrompt(task, question),
			TaskID:       task.ID,
		})
		if err != nil {
			return err
		}
		out = r
		return nil
	}, func(a retry.Attempt) {
		retried = true
		o.onRetryAttempt(task.ID, a)
	})
	if err != nil {
		return nil, err
	}
	if retried && out.Status != agent.StatusCancelled {
		o.emit(protocol.New(protocol.EventErrorRecoverySuccess).
			WithContent("Recovered after retry").
			Meta("task_id", task.ID))
	}
	return out, nil
}

// retryObserver adapts onRetryAttempt for stages without a task scope.
func (o *Orchestrator) retryObserver(taskID string) retry.OnRetry {
	return func(a retry.Attempt) {
		o.onRetryAttempt(taskID, a)
	}
}

// onRetryAttempt emits the retry event contract for one backoff wait.
func (o *Orchestrator) onRetryAttempt(taskID string, a retry.Attempt) {
	if a.Attempt == 1 {
		env := protocol.New(protocol.EventErrorRecoveryStarted).
			WithContent("Recovering from failure")
		if taskID != "" {
			env.Meta("task_id", taskID)
		}
		o.emit(env)
	}

	env := protocol.NewError(protocol.EventErrorRetry,
		retry.CodeFor(retry.Classify(a.Err)), a.Err.Error()).
		Meta("attempt", a.Attempt).
		Meta("max_attempts", a.MaxAttempts).
		Meta("delay_ms", a.Delay.Milliseconds()).
		Meta("original_error", a.Err.Error())
	if taskID != "" {
		env.Meta("task_id", taskID)
	}
	o.emit(env)

	if taskID != "" {
		o.emit(protocol.New(protocol.EventSolverRetry).
			WithContent(fmt.Sprintf("Retrying (attempt %d/%d)", a.Attempt+1, a.MaxAttempts)).
			Meta("task_id", taskID).
			Meta("attempt", a.Attempt+1))
	}
}

// taskPrompt renders the solver's user message for one task.
func taskPrompt(task models.Task, question string) string {
	var b strings.Builder
	if question != "" {
		fmt.Fprintf(&b, "Overall request: %s\n\n", question)
	}
	fmt.Fprintf(&b, "Task %s: %s\nObjective: %s\n", task.ID, task.Title, task.Objective)
	if task.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", task.Notes)
	}
	if len(task.Insights) > 0 {
		fmt.Fprintf(&b, "Insights:\n")
		for _, ins := range task.Insights {
			fmt.Fprintf(&b, "- %s\n", ins)
		}
	}
	if task.DomainHint != "" {
		fmt.Fprintf(&b, "Domain: %s\n", task.DomainHint)
	}
	return b.String()
}

// summarize produces the short result summary carried alongside the
// full output.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return clip(s, 200)
}
