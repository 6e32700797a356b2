// Package pipeline implements the plan-solve-aggregate orchestrator.
// One Orchestrator instance serves one session and runs pipelines
// serially: plan a task list from the user question, optionally hold it
// for user confirmation, execute the tasks with bounded-concurrency
// solver agents, then aggregate the successful outputs into a final
// answer. Control commands (cancel, cancel_plan, replan, cancel_task,
// restart_task) arrive on the session's command channel and are applied
// without ever blocking behind agent work.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
	"github.com/maestro-agent/maestro/pkg/retry"
)

// Deps are the collaborators injected at session construction.
type Deps struct {
	LLM       agent.LLMClient
	Tools     []agent.Tool
	Emitter   agent.Emitter
	Confirmer agent.Confirmer
}

// Config bounds one orchestrator.
type Config struct {
	SolverConcurrency  int           // default 5
	RequireConfirm     bool          // plan confirmation gate
	PlanConfirmTimeout time.Duration // default 600s
	CoercionRetries    int           // corrective re-prompts after a parse failure, default 1
	Agent              agent.Config
	Retry              retry.Policy
}

func (c Config) withDefaults() Config {
	if c.SolverConcurrency <= 0 {
		c.SolverConcurrency = 5
	}
	if c.PlanConfirmTimeout <= 0 {
		c.PlanConfirmTimeout = 600 * time.Second
	}
	if c.CoercionRetries <= 0 {
		c.CoercionRetries = 1
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Standard
	}
	return c
}

// Stage outcomes threaded through Run. The events for each case are
// emitted where the condition is detected; the sentinel only steers the
// terminal sequence.
var (
	errPlanDenied    = errors.New("plan rejected by user")
	errPlanCancelled = errors.New("plan cancelled")
	errReplan        = errors.New("replan requested")
	errPlanFailed    = errors.New("planning failed")
)

// Orchestrator drives the three-stage pipeline for one session.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu          sync.Mutex
	state       models.PipelineState
	question    string
	planSummary string
	tasks       []models.Task
	stats       []models.LLMCallStat

	cancelRun  context.CancelFunc // whole pipeline
	planCancel context.CancelFunc // plan + confirm stage only

	planCancelled   bool
	replanRequested bool
	replanQuestion  string

	solveStarted   bool
	active         int // tasks not yet terminal during solve
	workCh         chan string
	solveDone      chan struct{}
	solveClosed    bool
	taskCancels    map[string]context.CancelFunc
	restartPending map[string]bool
}

// New creates an idle orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		deps:           deps,
		cfg:            cfg.withDefaults(),
		state:          models.PipelineIdle,
		taskCancels:    make(map[string]context.CancelFunc),
		restartPending: make(map[string]bool),
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() models.PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot captures the pipeline for state export.
func (o *Orchestrator) Snapshot() (models.PipelineState, string, string, []models.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tasks := make([]models.Task, len(o.tasks))
	copy(tasks, o.tasks)
	return o.state, o.question, o.planSummary, tasks
}

// Restore seeds a fresh orchestrator from an exported snapshot. Only
// valid before any pipeline has run.
func (o *Orchestrator) Restore(state models.PipelineState, question, planSummary string, tasks []models.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = state
	o.question = question
	o.planSummary = planSummary
	o.tasks = tasks
}

// Run executes one full pipeline for the user question. It blocks until
// a terminal state and always ends the event stream with a terminal
// sequence. Runs on its own goroutine so the session command loop stays
// responsive.
func (o *Orchestrator) Run(ctx context.Context, question string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.state != models.PipelineIdle && !o.state.Terminal() {
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"a pipeline is already running on this session"))
		return
	}
	o.resetLocked()
	o.cancelRun = cancel
	o.question = question
	o.mu.Unlock()

	start := time.Now()
	var planTime, solveTime, aggTime time.Duration

	// Plan stage, re-entered on replan.
	var tasks []models.Task
	for {
		planStart := time.Now()
		planned, err := o.planStage(runCtx, question)
		planTime = time.Since(planStart)

		if runCtx.Err() != nil {
			o.finishInterrupted(start, planTime, solveTime, aggTime)
			return
		}
		if errors.Is(err, errReplan) {
			o.mu.Lock()
			if o.replanQuestion != "" {
				question = o.replanQuestion
			}
			o.question = question
			o.tasks = nil
			o.mu.Unlock()
			continue
		}
		if errors.Is(err, errPlanCancelled) {
			o.emit(protocol.New(protocol.EventPlanCancelled).WithContent("Plan cancelled"))
			o.finishTerminal(models.PipelineCancelled, models.PipelineStatusCancelled,
				start, planTime, solveTime, aggTime)
			return
		}
		if errors.Is(err, errPlanDenied) {
			o.emit(protocol.New(protocol.EventPlanCancelled).WithContent("Plan rejected"))
			o.finishTerminal(models.PipelineCancelled, models.PipelineStatusCancelled,
				start, planTime, solveTime, aggTime)
			o.emit(protocol.New(protocol.EventAgentFinalAnswer).WithContent("Plan rejected"))
			return
		}
		if err != nil {
			// Coercion or validation failure; the specific plan.* error was
			// already emitted.
			o.finishTerminal(models.PipelineError, models.PipelineStatusError,
				start, planTime, solveTime, aggTime)
			return
		}
		tasks = planned
		break
	}

	// Solve stage.
	o.mu.Lock()
	o.state = models.PipelineSolving
	o.solveStarted = true
	o.tasks = tasks
	o.mu.Unlock()

	solveStart := time.Now()
	o.runSolve(runCtx)
	solveTime = time.Since(solveStart)

	if runCtx.Err() != nil {
		o.finishInterrupted(start, planTime, solveTime, aggTime)
		return
	}

	// Aggregate stage.
	o.setState(models.PipelineAggregating)
	aggStart := time.Now()
	final, err := o.aggregateStage(runCtx)
	aggTime = time.Since(aggStart)

	if runCtx.Err() != nil {
		o.finishInterrupted(start, planTime, solveTime, aggTime)
		return
	}
	if err != nil {
		o.emit(protocol.NewError(protocol.EventAgentError, retry.CodeFor(retry.Classify(err)),
			"aggregation failed: "+err.Error()))
		o.finishTerminal(models.PipelineError, models.PipelineStatusError,
			start, planTime, solveTime, aggTime)
		return
	}

	o.finishTerminal(models.PipelineCompleted, models.PipelineStatusSuccess,
		start, planTime, solveTime, aggTime)
	o.emit(protocol.New(protocol.EventAgentFinalAnswer).WithContent(final))
}

// RunTasks executes the solve stage directly with client-supplied tasks,
// bypassing plan and aggregate. No plan.*, aggregate.* or
// agent.final_answer events are emitted; the run still terminates with
// pipeline.completed.
func (o *Orchestrator) RunTasks(ctx context.Context, tasks []models.Task, question, planSummary string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	normalized, err := normalizeTasks(tasks)
	if err != nil {
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"invalid task list: "+err.Error()))
		return
	}

	o.mu.Lock()
	if o.state != models.PipelineIdle && !o.state.Terminal() {
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"a pipeline is already running on this session"))
		return
	}
	o.resetLocked()
	o.cancelRun = cancel
	o.question = question
	o.planSummary = planSummary
	o.state = models.PipelineSolving
	o.solveStarted = true
	o.tasks = normalized
	o.mu.Unlock()

	start := time.Now()
	o.runSolve(runCtx)
	solveTime := time.Since(start)

	if runCtx.Err() != nil {
		o.finishInterrupted(start, 0, solveTime, 0)
		return
	}
	o.finishTerminal(models.PipelineCompleted, models.PipelineStatusSuccess,
		start, 0, solveTime, 0)
}

// Cancel cancels the whole pipeline. A no-op once terminal.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	done := o.state == models.PipelineIdle || o.state.Terminal()
	o.mu.Unlock()
	if done || cancel == nil {
		return
	}
	cancel()
}

// CancelPlan aborts the plan stage. Valid only while planning or
// awaiting plan confirmation.
func (o *Orchestrator) CancelPlan() {
	o.mu.Lock()
	if o.state != models.PipelinePlanning && o.state != models.PipelineAwaitingPlanConfirm {
		state := o.state
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"cancel_plan is only valid during planning, pipeline is "+string(state)))
		return
	}
	o.planCancelled = true
	cancel := o.planCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Replan abandons the current plan and re-enters planning, optionally
// with a new question. Rejected once any solver has started.
func (o *Orchestrator) Replan(question string) {
	o.mu.Lock()
	if o.solveStarted {
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeReplanAfterSolve,
			"replan is not allowed once solving has started"))
		return
	}
	if o.state != models.PipelinePlanning && o.state != models.PipelineAwaitingPlanConfirm {
		state := o.state
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"replan is only valid during planning, pipeline is "+string(state)))
		return
	}
	o.replanRequested = true
	o.replanQuestion = question
	cancel := o.planCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelTask cancels exactly one task. Running tasks are interrupted,
// pending tasks are retired before they start; other tasks proceed.
func (o *Orchestrator) CancelTask(taskID string) {
	o.mu.Lock()
	task := o.findTaskLocked(taskID)
	if task == nil {
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"unknown task "+taskID).Meta("task_id", taskID))
		return
	}
	switch task.Status {
	case models.TaskStatusRunning:
		cancel := o.taskCancels[taskID]
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case models.TaskStatusPending:
		task.Status = models.TaskStatusCancelled
		o.decActiveLocked()
		o.mu.Unlock()
		o.emit(protocol.New(protocol.EventSolverCancelled).
			WithContent("Task cancelled before start").
			Meta("task_id", taskID))
	default:
		status := task.Status
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"task "+taskID+" is already "+string(status)).Meta("task_id", taskID))
	}
}

// RestartTask resets one task to pending and re-enters it into the
// scheduler, incrementing its attempt counter. Succeeded tasks are not
// restartable.
func (o *Orchestrator) RestartTask(taskID string) {
	o.mu.Lock()
	task := o.findTaskLocked(taskID)
	if task == nil {
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"unknown task "+taskID).Meta("task_id", taskID))
		return
	}
	if task.Status == models.TaskStatusSucceeded {
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"task "+taskID+" already succeeded").Meta("task_id", taskID))
		return
	}
	if o.state != models.PipelineSolving {
		state := o.state
		o.mu.Unlock()
		o.emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
			"restart_task is only valid while solving, pipeline is "+string(state)).
			Meta("task_id", taskID))
		return
	}

	task.Attempt++
	attempt := task.Attempt
	switch task.Status {
	case models.TaskStatusRunning:
		// The worker observes the restart flag when its run cancels and
		// re-enqueues instead of retiring the task.
		o.restartPending[taskID] = true
		cancel := o.taskCancels[taskID]
		o.mu.Unlock()
		o.emitRestarted(taskID, attempt)
		if cancel != nil {
			cancel()
		}
	case models.TaskStatusPending:
		o.mu.Unlock()
		o.emitRestarted(taskID, attempt)
	default: // failed, cancelled
		task.Status = models.TaskStatusPending
		task.Error = ""
		task.Result = nil
		o.active++
		o.mu.Unlock()
		o.emitRestarted(taskID, attempt)
		o.enqueue(taskID)
	}
}

func (o *Orchestrator) emitRestarted(taskID string, attempt int) {
	o.emit(protocol.New(protocol.EventSolverRestarted).
		WithContent("Task restarted").
		Meta("task_id", taskID).
		Meta("attempt", attempt))
}

// --- internal helpers ---

func (o *Orchestrator) resetLocked() {
	o.state = models.PipelineIdle
	o.tasks = nil
	o.stats = nil
	o.planSummary = ""
	o.planCancelled = false
	o.replanRequested = false
	o.replanQuestion = ""
	o.solveStarted = false
	o.solveClosed = false
	o.active = 0
	o.taskCancels = make(map[string]context.CancelFunc)
	o.restartPending = make(map[string]bool)
}

func (o *Orchestrator) setState(s models.PipelineState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) findTaskLocked(id string) *models.Task {
	for i := range o.tasks {
		if o.tasks[i].ID == id {
			return &o.tasks[i]
		}
	}
	return nil
}

func (o *Orchestrator) addStats(stats []models.LLMCallStat) {
	o.mu.Lock()
	o.stats = append(o.stats, stats...)
	o.mu.Unlock()
}

// finishTerminal records the terminal state and emits pipeline.completed
// with stage timings and accumulated token statistics.
func (o *Orchestrator) finishTerminal(state models.PipelineState, status string,
	start time.Time, planTime, solveTime, aggTime time.Duration) {
	o.mu.Lock()
	o.state = state
	stats := o.stats
	o.mu.Unlock()

	in, out := models.SumTokens(stats)
	o.emit(protocol.New(protocol.EventPipelineCompleted).
		Meta("status", status).
		Meta("total_time_ms", time.Since(start).Milliseconds()).
		Meta("plan_time_ms", planTime.Milliseconds()).
		Meta("solve_time_ms", solveTime.Milliseconds()).
		Meta("aggregate_time_ms", aggTime.Milliseconds()).
		Meta("statistics", stats).
		Meta("input_tokens", in).
		Meta("output_tokens", out))
}

// finishInterrupted emits the cancellation terminal sequence.
func (o *Orchestrator) finishInterrupted(start time.Time, planTime, solveTime, aggTime time.Duration) {
	o.emit(protocol.New(protocol.EventAgentInterrupted).
		WithContent("Pipeline cancelled"))
	o.finishTerminal(models.PipelineCancelled, models.PipelineStatusCancelled,
		start, planTime, solveTime, aggTime)
}

// emit delivers an event, logging delivery failures. Orchestrator
// progress never depends on the client keeping up.
func (o *Orchestrator) emit(env *protocol.Envelope) {
	if o.deps.Emitter == nil {
		return
	}
	if err := o.deps.Emitter.Emit(env); err != nil {
		slog.Warn("Failed to emit pipeline event", "event", env.Event, "error", err)
	}
}
