// Package llm provides the OpenAI-compatible implementation of
// agent.LLMClient. Any endpoint speaking the chat-completions API works
// through the base_url override.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/config"
	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/retry"
)

// Client implements agent.LLMClient over the chat-completions API.
type Client struct {
	api   *openai.Client
	model string
}

// NewClient builds a client from configuration. The API key is read from
// the configured environment variable so it never lives in the file.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("LLM API key environment variable %s is not set", cfg.APIKeyEnv)
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	slog.Info("LLM client configured", "model", cfg.Model, "base_url", clientCfg.BaseURL)
	return &Client{api: openai.NewClientWithConfig(clientCfg), model: cfg.Model}, nil
}

// Generate implements agent.LLMClient.
func (c *Client) Generate(ctx context.Context, input *agent.GenerateInput) (*agent.LLMResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(input.Messages),
		Tools:    toOpenAITools(input.Tools),
	}
	switch input.ToolChoice {
	case agent.ToolChoiceNone:
		req.Tools = nil
	case agent.ToolChoiceRequired:
		req.ToolChoice = "required"
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, retry.New(retry.KindExecution, fmt.Errorf("LLM returned no choices"))
	}

	choice := resp.Choices[0].Message
	out := &agent.LLMResponse{
		Text: choice.Content,
		Usage: models.LLMCallStat{
			Model:        resp.Model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func toOpenAIMessages(msgs []agent.ConversationMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(defs []agent.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  rawSchema(d.ArgSchema),
			},
		})
	}
	return out
}

// rawSchema passes the JSON Schema string through without re-encoding.
type rawSchema string

func (s rawSchema) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`{"type":"object"}`), nil
	}
	return []byte(s), nil
}

// classifyAPIError maps provider failures onto the retry taxonomy,
// extracting the retry-after hint for 429 responses when present.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			re := retry.New(retry.KindRateLimit, err)
			if h, ok := apiErr.HTTPHeader["Retry-After"]; ok && len(h) > 0 {
				if d, perr := time.ParseDuration(h[0] + "s"); perr == nil {
					re.RetryAfter = d
				}
			}
			return re
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return retry.NonRecoverable(err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return retry.New(retry.KindTimeout, err)
		}
		return retry.New(retry.KindExecution, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.New(retry.KindTimeout, err)
	}
	return retry.New(retry.KindExecution, err)
}
