package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
	"github.com/maestro-agent/maestro/pkg/retry"
)

const plannerSystemPrompt = `You are a planning assistant. Break the user's request into a small list of independent sub-tasks.

Respond with a single JSON object and nothing else:
{
  "plan_summary": "<one sentence describing the plan>",
  "tasks": [
    {"id": "1", "title": "<short name>", "objective": "<what to produce>", "insights": [], "notes": "", "domain_hint": ""}
  ]
}

Rules: task ids must be unique; every task needs a title and an objective; keep the list as short as the request allows.`

const plannerCorrectivePrompt = `Your previous reply could not be parsed as a plan.

Request: %s

Previous reply:
%s

Parse error: %s

Respond again with ONLY the JSON object described in your instructions. No prose, no code fences.`

// planSchemaJSON is the shape contract for a coerced plan. Business
// rules the schema cannot express (unique ids, non-empty list) are
// checked in normalizeTasks.
const planSchemaJSON = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "plan_summary": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title"],
        "properties": {
          "id": {"type": ["string", "integer"]},
          "title": {"type": "string", "minLength": 1},
          "objective": {"type": "string"},
          "notes": {"type": "string"},
          "insights": {"type": "array", "items": {"type": "string"}},
          "domain_hint": {"type": "string"}
        }
      }
    }
  }
}`

var planSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	return c.MustCompile("plan.json")
}()

// planStage runs planning plus the optional confirmation gate. The
// stage context is cancelled by cancel_plan and replan; the reason is
// read back from the orchestrator flags after the stage unwinds.
func (o *Orchestrator) planStage(runCtx context.Context, question string) ([]models.Task, error) {
	stageCtx, stageCancel := context.WithCancel(runCtx)
	defer stageCancel()

	o.mu.Lock()
	o.state = models.PipelinePlanning
	o.planCancel = stageCancel
	o.planCancelled = false
	o.replanRequested = false
	o.replanQuestion = ""
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.planCancel = nil
		o.mu.Unlock()
	}()

	tasks, err := o.plan(stageCtx, question)
	if err == nil && o.cfg.RequireConfirm {
		o.setState(models.PipelineAwaitingPlanConfirm)
		tasks, err = o.confirmPlan(stageCtx, tasks)
	}

	// Interruption reasons outrank whatever error the aborted call
	// surfaced.
	o.mu.Lock()
	replan, cancelled := o.replanRequested, o.planCancelled
	o.mu.Unlock()
	switch {
	case runCtx.Err() != nil:
		return nil, runCtx.Err()
	case replan:
		return nil, errReplan
	case cancelled:
		return nil, errPlanCancelled
	case err != nil:
		return nil, err
	}
	return tasks, nil
}

// plan runs the planner agent and coerces its output into a validated
// task list, with up to CoercionRetries corrective re-prompts.
func (o *Orchestrator) plan(ctx context.Context, question string) ([]models.Task, error) {
	start := time.Now()
	o.emit(protocol.NewPlanStart(question))

	cfg := o.cfg.Agent
	cfg.ToolChoice = agent.ToolChoiceNone
	planner := agent.New("planner", o.deps.LLM, nil, o.deps.Emitter, o.deps.Confirmer, cfg)

	var stats []models.LLMCallStat
	userMsg := question
	var lastErr error
	for attempt := 1; attempt <= 1+o.cfg.CoercionRetries; attempt++ {
		var out *agent.RunResult
		err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			r, err := planner.Run(ctx, agent.RunInput{
				SystemPrompt: plannerSystemPrompt,
				UserMessage:  userMsg,
			})
			if err != nil {
				return err
			}
			out = r
			return nil
		}, o.retryObserver(""))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.emit(protocol.NewError(protocol.EventAgentError, retry.CodeFor(retry.Classify(err)),
				"planner failed: "+err.Error()))
			return nil, errPlanFailed
		}
		if out.Status == agent.StatusCancelled {
			return nil, context.Canceled
		}
		stats = append(stats, out.Statistics...)
		o.addStats(out.Statistics)

		tasks, summary, perr := coercePlan(out.FinalText)
		if perr != nil {
			lastErr = perr
			if attempt <= o.cfg.CoercionRetries {
				userMsg = fmt.Sprintf(plannerCorrectivePrompt, question, out.FinalText, perr)
				continue
			}
			o.emit(protocol.NewError(protocol.EventPlanCoercionError, protocol.ErrCodeValidation,
				"could not coerce plan: "+lastErr.Error()).
				Meta("attempts", attempt).
				Meta("raw_output", clip(out.FinalText, 500)))
			return nil, errPlanFailed
		}

		o.emit(protocol.New(protocol.EventPlanStepCompleted).
			WithContent("Plan parsed").
			Meta("attempt", attempt))

		normalized, verr := normalizeTasks(tasks)
		if verr != nil {
			o.emit(protocol.NewError(protocol.EventPlanValidationError, protocol.ErrCodeValidation,
				"invalid plan: "+verr.Error()))
			return nil, errPlanFailed
		}

		o.mu.Lock()
		o.planSummary = summary
		o.mu.Unlock()
		o.emit(protocol.NewPlanCompleted(normalized, summary, time.Since(start).Milliseconds(), stats))
		return normalized, nil
	}
	return nil, errPlanFailed
}

// confirmPlan runs the plan confirmation round-trip. The client may
// approve as-is, approve with an edited task list, or deny; timeout
// counts as denial.
func (o *Orchestrator) confirmPlan(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	stepID := uuid.New().String()
	env := protocol.New(protocol.EventAgentUserConfirm).
		WithStepID(stepID).
		WithContent(protocol.TaskListContent{Tasks: tasks}).
		Meta("scope", "plan").
		Meta("task_count", len(tasks)).
		Meta("timeout_ms", o.cfg.PlanConfirmTimeout.Milliseconds())

	res, err := o.deps.Confirmer.Confirm(ctx, env, o.cfg.PlanConfirmTimeout)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		o.emit(protocol.NewError(protocol.EventErrorTimeout, protocol.ErrCodeTimeout,
			"plan confirmation timed out").
			WithStepID(stepID).
			Meta("scope", "plan"))
		return nil, errPlanDenied
	}
	if !res.Confirmed {
		return nil, errPlanDenied
	}
	if len(res.Tasks) > 0 {
		edited, verr := normalizeTasks(res.Tasks)
		if verr != nil {
			o.emit(protocol.NewError(protocol.EventPlanValidationError, protocol.ErrCodeValidation,
				"edited plan invalid: "+verr.Error()))
			return nil, errPlanFailed
		}
		return edited, nil
	}
	return tasks, nil
}

// coercePlan forces free-form LLM output into the plan document shape.
// It tolerates code fences, surrounding prose and a bare task array.
func coercePlan(text string) ([]models.Task, string, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, "", err
	}

	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("not valid JSON: %w", err)
	}
	// A bare array is accepted as the task list itself.
	if arr, ok := instance.([]any); ok {
		instance = map[string]any{"tasks": arr}
		raw = `{"tasks":` + raw + `}`
	}
	if err := planSchema.Validate(instance); err != nil {
		return nil, "", fmt.Errorf("plan shape invalid: %w", err)
	}

	var doc struct {
		PlanSummary string `json:"plan_summary"`
		Tasks       []struct {
			ID         json.RawMessage `json:"id"`
			Title      string          `json:"title"`
			Objective  string          `json:"objective"`
			Notes      string          `json:"notes"`
			Insights   []string        `json:"insights"`
			DomainHint string          `json:"domain_hint"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, "", fmt.Errorf("decode plan: %w", err)
	}

	tasks := make([]models.Task, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		tasks = append(tasks, models.Task{
			ID:         normalizeID(t.ID),
			Title:      t.Title,
			Objective:  t.Objective,
			Notes:      t.Notes,
			Insights:   t.Insights,
			DomainHint: t.DomainHint,
		})
	}
	return tasks, doc.PlanSummary, nil
}

// extractJSON locates the JSON document inside possibly fenced or
// prose-wrapped LLM output.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in output")
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return "", fmt.Errorf("unterminated JSON in output")
	}
	return s[start : end+1], nil
}

// normalizeID accepts string or integer task ids and yields the string
// form used everywhere downstream.
func normalizeID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// normalizeTasks applies the business rules a schema cannot express and
// fills defaults. Used for planner output and client-edited task lists
// alike.
func normalizeTasks(tasks []models.Task) ([]models.Task, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}
	seen := make(map[string]bool, len(tasks))
	out := make([]models.Task, 0, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i+1)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Title == "" {
			return nil, fmt.Errorf("task %q has no title", t.ID)
		}
		if t.Objective == "" {
			t.Objective = t.Title
		}
		if t.Status == "" {
			t.Status = models.TaskStatusPending
		}
		if t.Attempt == 0 {
			t.Attempt = 1
		}
		out = append(out, t)
	}
	return out, nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
