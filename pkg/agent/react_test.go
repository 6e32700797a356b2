package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
)

// seqLLM replays a fixed list of responses.
type seqLLM struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	idx       int
	inputs    []*GenerateInput
}

func (s *seqLLM) Generate(ctx context.Context, in *GenerateInput) (*LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.responses) {
		return nil, fmt.Errorf("script exhausted at call %d", s.idx+1)
	}
	i := s.idx
	s.idx++
	s.inputs = append(s.inputs, in)
	if s.errs != nil && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.responses[i], nil
}

func reply(text string, calls ...ToolCall) *LLMResponse {
	return &LLMResponse{
		Text:      text,
		ToolCalls: calls,
		Usage:     models.LLMCallStat{Model: "scripted-model", InputTokens: 10, OutputTokens: 5},
	}
}

type envSink struct {
	mu     sync.Mutex
	events []*protocol.Envelope
}

func (s *envSink) Emit(env *protocol.Envelope) error {
	s.mu.Lock()
	s.events = append(s.events, env)
	s.mu.Unlock()
	return nil
}

func (s *envSink) byType(event string) []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Envelope
	for _, e := range s.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type confirmStub struct {
	result models.ConfirmResult
	err    error
	envs   []*protocol.Envelope
}

func (c *confirmStub) Confirm(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (models.ConfirmResult, error) {
	c.envs = append(c.envs, env)
	return c.result, c.err
}

// echoTool returns its raw arguments as the observation.
func echoTool(confirm bool) Tool {
	return &FuncTool{
		ToolName:        "echo",
		ToolDescription: "Echo the input back.",
		Schema:          `{"type":"object","properties":{"text":{"type":"string"}}}`,
		Confirm:         confirm,
		Fn: func(_ context.Context, raw json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Output: "echo: " + string(raw)}, nil
		},
	}
}

func fastConfig() Config {
	return Config{
		MaxSteps:    5,
		LLMTimeout:  5 * time.Second,
		ToolTimeout: time.Second,
	}
}

func TestRunPlainAnswer(t *testing.T) {
	llm := &seqLLM{responses: []*LLMResponse{reply("the answer")}}
	sink := &envSink{}
	a := New("solver", llm, []Tool{echoTool(false)}, sink, nil, fastConfig())

	out, err := a.Run(context.Background(), RunInput{
		SystemPrompt: "system", UserMessage: "question", TaskID: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "the answer", out.FinalText)
	assert.Equal(t, 1, out.Steps)
	require.Len(t, out.Statistics, 1)

	// Text with no tool calls surfaces as a partial answer, not thinking.
	answers := sink.byType(protocol.EventAgentPartialAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "the answer", answers[0].ContentString())
	assert.Equal(t, "1", answers[0].MetaString("task_id"))
	assert.Empty(t, sink.byType(protocol.EventAgentThinking))

	// The catalog offered to the LLM includes the implicit terminate tool.
	require.Len(t, llm.inputs, 1)
	names := make([]string, 0, len(llm.inputs[0].Tools))
	for _, td := range llm.inputs[0].Tools {
		names = append(names, td.Name)
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, TerminateToolName)
}

func TestRunToolLoop(t *testing.T) {
	llm := &seqLLM{responses: []*LLMResponse{
		reply("let me check", ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`}),
		reply("done"),
	}}
	sink := &envSink{}
	a := New("solver", llm, []Tool{echoTool(false)}, sink, nil, fastConfig())

	out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "done", out.FinalText)
	assert.Equal(t, 2, out.Steps)

	// First reply carried tool calls, so its text is thinking.
	require.Len(t, sink.byType(protocol.EventAgentThinking), 1)
	calls := sink.byType(protocol.EventAgentToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].MetaString("tool_name"))
	results := sink.byType(protocol.EventAgentToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, `echo: {"text":"hi"}`, results[0].ContentString())

	// The observation was appended to memory for the second LLM call.
	second := llm.inputs[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, `echo: {"text":"hi"}`, last.Content)
}

func TestRunTerminateTool(t *testing.T) {
	t.Run("output argument wins", func(t *testing.T) {
		llm := &seqLLM{responses: []*LLMResponse{
			reply("wrapping up", ToolCall{ID: "c1", Name: TerminateToolName, Arguments: `{"output":"final output"}`}),
		}}
		a := New("solver", llm, []Tool{echoTool(false)}, &envSink{}, nil, fastConfig())

		out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, out.Status)
		assert.Equal(t, "final output", out.FinalText)
	})

	t.Run("empty output falls back to last text", func(t *testing.T) {
		llm := &seqLLM{responses: []*LLMResponse{
			reply("this is the answer", ToolCall{ID: "c1", Name: TerminateToolName, Arguments: `{}`}),
		}}
		a := New("solver", llm, []Tool{echoTool(false)}, &envSink{}, nil, fastConfig())

		out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
		require.NoError(t, err)
		assert.Equal(t, "this is the answer", out.FinalText)
	})
}

func TestRunStepCap(t *testing.T) {
	// Every reply asks for another tool call; the run must stop at the cap.
	loop := reply("again", ToolCall{ID: "c", Name: "echo", Arguments: `{}`})
	llm := &seqLLM{responses: []*LLMResponse{loop, loop, loop}}
	cfg := fastConfig()
	cfg.MaxSteps = 3
	a := New("solver", llm, []Tool{echoTool(false)}, &envSink{}, nil, cfg)

	out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
	require.NoError(t, err)
	assert.Equal(t, StatusMaxSteps, out.Status)
	assert.Equal(t, 3, out.Steps)
	assert.Equal(t, "again", out.FinalText)
}

func TestRunToolChoiceNone(t *testing.T) {
	llm := &seqLLM{responses: []*LLMResponse{reply("just text")}}
	cfg := fastConfig()
	cfg.ToolChoice = ToolChoiceNone
	a := New("planner", llm, []Tool{echoTool(false)}, &envSink{}, nil, cfg)

	out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
	require.NoError(t, err)
	assert.Equal(t, "just text", out.FinalText)
	// No tools are offered when the policy forbids them.
	assert.Nil(t, llm.inputs[0].Tools)
}

func TestRunToolConfirmation(t *testing.T) {
	t.Run("approved", func(t *testing.T) {
		llm := &seqLLM{responses: []*LLMResponse{
			reply("", ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
			reply("done"),
		}}
		sink := &envSink{}
		confirmer := &confirmStub{result: models.ConfirmResult{Confirmed: true}}
		a := New("solver", llm, []Tool{echoTool(true)}, sink, confirmer, fastConfig())

		out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u", TaskID: "7"})
		require.NoError(t, err)
		assert.Equal(t, "done", out.FinalText)

		require.Len(t, confirmer.envs, 1)
		env := confirmer.envs[0]
		assert.Equal(t, protocol.EventAgentUserConfirm, env.Event)
		assert.NotEmpty(t, env.StepID)
		assert.Equal(t, "tool", env.MetaString("scope"))
		assert.Equal(t, "echo", env.MetaString("tool_name"))
		assert.Equal(t, "7", env.MetaString("task_id"))

		results := sink.byType(protocol.EventAgentToolResult)
		require.Len(t, results, 1)
		assert.Contains(t, results[0].ContentString(), "echo:")
	})

	t.Run("denied yields the denial observation", func(t *testing.T) {
		llm := &seqLLM{responses: []*LLMResponse{
			reply("", ToolCall{ID: "c1", Name: "echo", Arguments: `{}`}),
			reply("done without the tool"),
		}}
		sink := &envSink{}
		confirmer := &confirmStub{result: models.Denied}
		a := New("solver", llm, []Tool{echoTool(true)}, sink, confirmer, fastConfig())

		out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
		require.NoError(t, err)
		assert.Equal(t, "done without the tool", out.FinalText)

		results := sink.byType(protocol.EventAgentToolResult)
		require.Len(t, results, 1)
		assert.Equal(t, "Tool execution cancelled by user", results[0].ContentString())

		// The denial reached the model as the tool observation.
		last := llm.inputs[1].Messages[len(llm.inputs[1].Messages)-1]
		assert.Equal(t, "Tool execution cancelled by user", last.Content)
	})

	t.Run("timeout emits error.timeout and denies", func(t *testing.T) {
		llm := &seqLLM{responses: []*LLMResponse{
			reply("", ToolCall{ID: "c1", Name: "echo", Arguments: `{}`}),
			reply("done"),
		}}
		sink := &envSink{}
		confirmer := &confirmStub{result: models.ConfirmResult{TimedOut: true}}
		a := New("solver", llm, []Tool{echoTool(true)}, sink, confirmer, fastConfig())

		_, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
		require.NoError(t, err)

		timeouts := sink.byType(protocol.EventErrorTimeout)
		require.Len(t, timeouts, 1)
		assert.Equal(t, "tool", timeouts[0].MetaString("scope"))
		results := sink.byType(protocol.EventAgentToolResult)
		require.Len(t, results, 1)
		assert.Equal(t, "Tool execution cancelled by user", results[0].ContentString())
	})
}

func TestRunParallelToolCalls(t *testing.T) {
	llm := &seqLLM{responses: []*LLMResponse{
		reply("",
			ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"first"}`},
			ToolCall{ID: "c2", Name: "echo", Arguments: `{"text":"second"}`}),
		reply("done"),
	}}
	a := New("solver", llm, []Tool{echoTool(false)}, &envSink{}, nil, fastConfig())

	_, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
	require.NoError(t, err)

	// Observations arrive in call order regardless of execution order.
	msgs := llm.inputs[1].Messages
	obs := msgs[len(msgs)-2:]
	assert.Equal(t, "c1", obs[0].ToolCallID)
	assert.Equal(t, "c2", obs[1].ToolCallID)
	assert.Contains(t, obs[0].Content, "first")
	assert.Contains(t, obs[1].Content, "second")
}

func TestRunUnknownTool(t *testing.T) {
	llm := &seqLLM{responses: []*LLMResponse{
		reply("", ToolCall{ID: "c1", Name: "no_such_tool", Arguments: `{}`}),
		reply("recovered"),
	}}
	a := New("solver", llm, []Tool{echoTool(false)}, &envSink{}, nil, fastConfig())

	out, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.FinalText)

	last := llm.inputs[1].Messages[len(llm.inputs[1].Messages)-1]
	assert.Contains(t, last.Content, `unknown tool "no_such_tool"`)
}

func TestRunObservationTruncation(t *testing.T) {
	big := &FuncTool{
		ToolName:        "big",
		ToolDescription: "Return a large blob.",
		Schema:          `{"type":"object"}`,
		Fn: func(_ context.Context, _ json.RawMessage) (*ToolResult, error) {
			out := make([]byte, 5000)
			for i := range out {
				out[i] = 'x'
			}
			return &ToolResult{Output: string(out)}, nil
		},
	}
	llm := &seqLLM{responses: []*LLMResponse{
		reply("", ToolCall{ID: "c1", Name: "big", Arguments: `{}`}),
		reply("done"),
	}}
	cfg := fastConfig()
	cfg.MaxObserve = 100
	a := New("solver", llm, []Tool{big}, &envSink{}, nil, cfg)

	_, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
	require.NoError(t, err)

	last := llm.inputs[1].Messages[len(llm.inputs[1].Messages)-1]
	assert.Len(t, last.Content, 100+len("\n[... truncated]"))
	assert.Contains(t, last.Content, "[... truncated]")
}

func TestRunCancellation(t *testing.T) {
	t.Run("before first call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		llm := &seqLLM{responses: []*LLMResponse{reply("never used")}}
		a := New("solver", llm, nil, &envSink{}, nil, fastConfig())

		out, err := a.Run(ctx, RunInput{SystemPrompt: "s", UserMessage: "u"})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, out.Status)
		assert.Empty(t, llm.inputs)
	})

	t.Run("during LLM call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		blockingLLM := llmFunc(func(callCtx context.Context, in *GenerateInput) (*LLMResponse, error) {
			cancel()
			<-callCtx.Done()
			return nil, callCtx.Err()
		})
		a := New("solver", blockingLLM, nil, &envSink{}, nil, fastConfig())

		out, err := a.Run(ctx, RunInput{SystemPrompt: "s", UserMessage: "u"})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, out.Status)
	})
}

func TestRunLLMErrorClassified(t *testing.T) {
	llm := &seqLLM{
		responses: []*LLMResponse{nil},
		errs:      []error{errors.New("upstream boom")},
	}
	a := New("solver", llm, nil, &envSink{}, nil, fastConfig())

	_, err := a.Run(context.Background(), RunInput{SystemPrompt: "s", UserMessage: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM call")
}

// llmFunc adapts a closure to LLMClient.
type llmFunc func(ctx context.Context, in *GenerateInput) (*LLMResponse, error)

func (f llmFunc) Generate(ctx context.Context, in *GenerateInput) (*LLMResponse, error) {
	return f(ctx, in)
}
