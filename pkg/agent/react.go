package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
	"github.com/maestro-agent/maestro/pkg/retry"
)

// TerminateToolName is the distinguished tool call that ends a run. Its
// arguments may carry {"output": "..."} as the final answer.
const TerminateToolName = "terminate"

// deniedObservation is the synthetic tool result for a denied or
// timed-out confirmation.
const deniedObservation = "Tool execution cancelled by user"

// Agent runs the ReAct loop for one role (planner, solver, aggregator).
type Agent struct {
	Name string

	llm       LLMClient
	tools     map[string]Tool
	catalog   []ToolDefinition
	emitter   Emitter
	confirmer Confirmer
	cfg       Config
}

// New creates an agent. Tools may be nil for pure-LLM roles. The
// terminate tool is implicit: it is always present in the catalog sent
// to the LLM when any tool is offered.
func New(name string, llm LLMClient, tools []Tool, emitter Emitter, confirmer Confirmer, cfg Config) *Agent {
	a := &Agent{
		Name:      name,
		llm:       llm,
		tools:     make(map[string]Tool, len(tools)),
		emitter:   emitter,
		confirmer: confirmer,
		cfg:       cfg.withDefaults(),
	}
	for _, t := range tools {
		a.tools[t.Name()] = t
		a.catalog = append(a.catalog, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			ArgSchema:   t.ArgSchema(),
		})
	}
	if len(a.catalog) > 0 {
		a.catalog = append(a.catalog, ToolDefinition{
			Name:        TerminateToolName,
			Description: "Finish the task. Pass the final answer in the output argument.",
			ArgSchema:   `{"type":"object","properties":{"output":{"type":"string"}}}`,
		})
	}
	return a
}

// Run executes the think/act/observe loop until termination. The
// cancellation token is checked before each LLM call and each tool call;
// an in-flight call is aborted best-effort through its per-call context.
func (a *Agent) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	messages := []ConversationMessage{
		{Role: RoleSystem, Content: in.SystemPrompt},
		{Role: RoleUser, Content: in.UserMessage},
	}
	var stats []models.LLMCallStat
	var lastText string

	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return &RunResult{Status: StatusCancelled, Steps: step - 1, Statistics: stats, Memory: messages}, nil
		}

		resp, err := a.think(ctx, messages, in.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return &RunResult{Status: StatusCancelled, Steps: step, Statistics: stats, Memory: messages}, nil
			}
			return nil, err
		}
		stats = append(stats, resp.Usage)

		if resp.Text != "" {
			lastText = resp.Text
			event := protocol.EventAgentThinking
			if len(resp.ToolCalls) == 0 {
				event = protocol.EventAgentPartialAnswer
			}
			a.emit(protocol.New(event).
				WithContent(resp.Text).
				Meta("agent_name", a.Name).
				Meta("task_id", in.TaskID).
				Meta("step", step))
		}

		// No tool calls, or tools disallowed by policy: the text is the
		// final answer.
		if len(resp.ToolCalls) == 0 || a.cfg.ToolChoice == ToolChoiceNone {
			return &RunResult{
				FinalText:  resp.Text,
				Status:     StatusCompleted,
				Steps:      step,
				Statistics: stats,
				Memory:     append(messages, ConversationMessage{Role: RoleAssistant, Content: resp.Text}),
			}, nil
		}

		messages = append(messages, ConversationMessage{
			Role:      RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		// The terminate tool ends the run; its output argument wins over
		// accumulated text.
		if final, ok := terminateCall(resp.ToolCalls); ok {
			if final == "" {
				final = lastText
			}
			return &RunResult{
				FinalText:  final,
				Status:     StatusCompleted,
				Steps:      step,
				Statistics: stats,
				Memory:     messages,
			}, nil
		}

		observations := a.act(ctx, resp.ToolCalls, in.TaskID)
		if ctx.Err() != nil {
			// Cancellation during tool execution discards partial
			// observations.
			return &RunResult{Status: StatusCancelled, Steps: step, Statistics: stats, Memory: messages}, nil
		}
		messages = append(messages, observations...)
	}

	slog.Info("Agent reached step cap",
		"agent_name", a.Name, "max_steps", a.cfg.MaxSteps)
	return &RunResult{
		FinalText:  lastText,
		Status:     StatusMaxSteps,
		Steps:      a.cfg.MaxSteps,
		Statistics: stats,
		Memory:     messages,
	}, nil
}

// think performs one LLM call under the call timeout.
func (a *Agent) think(ctx context.Context, messages []ConversationMessage, taskID string) (*LLMResponse, error) {
	llmCtx, cancel := context.WithTimeout(ctx, a.cfg.LLMTimeout)
	defer cancel()

	var tools []ToolDefinition
	if a.cfg.ToolChoice != ToolChoiceNone {
		tools = a.catalog
	}

	resp, err := a.llm.Generate(llmCtx, &GenerateInput{
		Messages:   messages,
		Tools:      tools,
		ToolChoice: a.cfg.ToolChoice,
	})
	if err != nil {
		if llmCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, retry.New(retry.KindTimeout, fmt.Errorf("LLM call exceeded %v: %w", a.cfg.LLMTimeout, err))
		}
		return nil, retry.New(retry.Classify(err), fmt.Errorf("LLM call: %w", err))
	}

	a.emit(protocol.New(protocol.EventAgentLLMMessage).
		WithContent(resp.Text).
		Meta("agent_name", a.Name).
		Meta("task_id", taskID).
		Meta("model", resp.Usage.Model).
		Meta("input_tokens", resp.Usage.InputTokens).
		Meta("output_tokens", resp.Usage.OutputTokens).
		Meta("tool_call_count", len(resp.ToolCalls)))
	return resp, nil
}

// act executes the step's tool calls in parallel and returns their
// observations as tool messages, in call order.
func (a *Agent) act(ctx context.Context, calls []ToolCall, taskID string) []ConversationMessage {
	results := make([]ConversationMessage, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			obs := a.invokeTool(ctx, call, taskID)
			results[i] = ConversationMessage{
				Role:       RoleTool,
				Content:    obs,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
		}(i, call)
	}
	wg.Wait()
	return results
}

// invokeTool runs one tool call, including the confirmation round-trip
// for tools that require it, and returns the truncated observation.
func (a *Agent) invokeTool(ctx context.Context, call ToolCall, taskID string) string {
	tool, ok := a.tools[call.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}

	a.emit(protocol.New(protocol.EventAgentToolCall).
		WithContent(call.Arguments).
		Meta("agent_name", a.Name).
		Meta("task_id", taskID).
		Meta("tool_name", call.Name).
		Meta("call_id", call.ID))

	if tool.UserConfirm() {
		if !a.confirmTool(ctx, tool, call, taskID) {
			a.emitToolResult(call, taskID, deniedObservation)
			return deniedObservation
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout)
	result, err := tool.Execute(toolCtx, []byte(call.Arguments))
	cancel()

	var obs string
	switch {
	case err != nil:
		obs = "Error: " + err.Error()
	case result == nil:
		obs = ""
	default:
		obs = result.Observation()
	}
	obs = truncate(obs, a.cfg.MaxObserve)

	a.emitToolResult(call, taskID, obs)
	return obs
}

// confirmTool runs the interactive confirmation. The step_id is a fresh
// UUID so concurrent agents can never collide on correlation tokens.
func (a *Agent) confirmTool(ctx context.Context, tool Tool, call ToolCall, taskID string) bool {
	stepID := uuid.New().String()
	env := protocol.New(protocol.EventAgentUserConfirm).
		WithStepID(stepID).
		WithContent(fmt.Sprintf("Allow tool %q to run?", call.Name)).
		Meta("scope", "tool").
		Meta("tool_name", call.Name).
		Meta("tool_description", tool.Description()).
		Meta("arguments", call.Arguments).
		Meta("task_id", taskID).
		Meta("agent_name", a.Name)

	result, err := a.confirmer.Confirm(ctx, env, a.cfg.ToolConfirmTimeout)
	if err != nil {
		slog.Warn("Tool confirmation failed",
			"agent_name", a.Name, "tool_name", call.Name, "error", err)
		return false
	}
	if result.TimedOut {
		a.emit(protocol.NewError(protocol.EventErrorTimeout, protocol.ErrCodeTimeout,
			fmt.Sprintf("confirmation for tool %q timed out", call.Name)).
			WithStepID(stepID).
			Meta("scope", "tool").
			Meta("tool_name", call.Name))
		return false
	}
	return result.Confirmed
}

func (a *Agent) emitToolResult(call ToolCall, taskID, obs string) {
	a.emit(protocol.New(protocol.EventAgentToolResult).
		WithContent(obs).
		Meta("agent_name", a.Name).
		Meta("task_id", taskID).
		Meta("tool_name", call.Name).
		Meta("call_id", call.ID))
}

// emit delivers an event, logging instead of failing the run when the
// emitter rejects it. Event delivery must never abort agent progress.
func (a *Agent) emit(env *protocol.Envelope) {
	if a.emitter == nil {
		return
	}
	if err := a.emitter.Emit(env); err != nil {
		slog.Warn("Failed to emit agent event",
			"agent_name", a.Name, "event", env.Event, "error", err)
	}
}

// terminateCall extracts the terminate tool's output argument.
func terminateCall(calls []ToolCall) (string, bool) {
	for _, call := range calls {
		if call.Name != TerminateToolName {
			continue
		}
		var args struct {
			Output string `json:"output"`
		}
		// Malformed arguments still terminate; the answer falls back to
		// the last assistant text.
		_ = json.Unmarshal([]byte(call.Arguments), &args)
		return args.Output, true
	}
	return "", false
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n[... truncated]"
}
