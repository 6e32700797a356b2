// Package agent implements the tool-calling ReAct loop that powers the
// planner, solver and aggregator roles. One Agent instance runs one
// sub-task: it alternates LLM calls (think) with tool invocations (act),
// appends observations to its conversation memory, and terminates on the
// distinguished terminate tool, the step cap, or cancellation.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is one entry of the agent's memory.
type ConversationMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	ToolName   string     `json:"tool_name,omitempty"`    // tool result messages
}

// ToolCall is an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON
}

// ToolDefinition describes a tool in the catalog sent to the LLM.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ArgSchema   string `json:"arg_schema"` // JSON Schema
}

// ToolChoice is the tool-choice policy for LLM calls.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// GenerateInput is one LLM request.
type GenerateInput struct {
	SessionID  string
	Messages   []ConversationMessage
	Tools      []ToolDefinition // nil = no tools offered
	ToolChoice ToolChoice
}

// LLMResponse is the assistant's reply: text, optional tool calls, and
// token usage for accounting.
type LLMResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     models.LLMCallStat
}

// LLMClient is the async request/response boundary to the model. The
// concrete implementation (pkg/llm) is injected at session construction;
// tests use a scripted client.
type LLMClient interface {
	Generate(ctx context.Context, input *GenerateInput) (*LLMResponse, error)
}

// Tool is the capability interface implemented by every tool.
type Tool interface {
	Name() string
	Description() string
	// ArgSchema returns the JSON Schema for the tool's arguments.
	ArgSchema() string
	// UserConfirm reports whether execution requires an interactive
	// confirmation round-trip.
	UserConfirm() bool
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolResult is the variant outcome of a tool invocation: exactly one of
// Output, Error or ImageURL is meaningful.
type ToolResult struct {
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Observation renders the result as the text appended to memory.
func (r *ToolResult) Observation() string {
	switch {
	case r.Error != "":
		return "Error: " + r.Error
	case r.ImageURL != "":
		return "Image: " + r.ImageURL
	default:
		return r.Output
	}
}

// Emitter delivers outbound events. Implemented by the session; the
// interface lives here so agent and pipeline avoid importing the session
// package.
type Emitter interface {
	Emit(env *protocol.Envelope) error
}

// Confirmer runs one confirmation round-trip: it emits env (which must
// carry a fresh step_id), then blocks until the matching user.response
// arrives or the timeout expires. Timeout resolves as a denial with
// TimedOut set.
type Confirmer interface {
	Confirm(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (models.ConfirmResult, error)
}

// Status of a finished agent run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusMaxSteps  Status = "max_steps"
	StatusCancelled Status = "cancelled"
)

// Config bounds a single agent run.
type Config struct {
	MaxSteps           int           // default 10
	MaxObserve         int           // observation size cap, default 2000
	LLMTimeout         time.Duration // per LLM call, default 30s
	ToolTimeout        time.Duration // per tool call, default 30s
	ToolConfirmTimeout time.Duration // default 300s
	ToolChoice         ToolChoice
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.MaxObserve <= 0 {
		c.MaxObserve = 2000
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 30 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.ToolConfirmTimeout <= 0 {
		c.ToolConfirmTimeout = 300 * time.Second
	}
	if c.ToolChoice == "" {
		c.ToolChoice = ToolChoiceAuto
	}
	return c
}

// RunInput starts one agent run.
type RunInput struct {
	SystemPrompt string
	UserMessage  string
	// TaskID tags emitted events with the owning task, empty outside the
	// solve stage.
	TaskID string
}

// RunResult is the outcome of a finished run.
type RunResult struct {
	FinalText  string
	Status     Status
	Steps      int
	Statistics []models.LLMCallStat
	Memory     []ConversationMessage
}
