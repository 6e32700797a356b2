package e2e

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/models"
)

// LLMScriptEntry is one scripted reply. Err makes the call fail; Block
// makes it hang until Release is closed or the call context ends.
type LLMScriptEntry struct {
	Text      string
	ToolCalls []agent.ToolCall
	Err       error
	Block     bool
	Release   chan struct{}
	OnBlock   func()
}

// ScriptedLLMClient replays scripted replies per agent role. The role is
// recognized from the system prompt; solver calls may additionally be
// routed per task with the "solver:<task_id>" key. A script past its end
// repeats its final entry.
type ScriptedLLMClient struct {
	mu     sync.Mutex
	routes map[string][]LLMScriptEntry
	counts map[string]int
	inputs map[string][]*agent.GenerateInput
}

func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{
		routes: make(map[string][]LLMScriptEntry),
		counts: make(map[string]int),
		inputs: make(map[string][]*agent.GenerateInput),
	}
}

// Script sets the entries for one routing key ("planner", "solver",
// "solver:<id>", "aggregator").
func (c *ScriptedLLMClient) Script(key string, entries ...LLMScriptEntry) {
	c.mu.Lock()
	c.routes[key] = entries
	c.mu.Unlock()
}

// Inputs returns the requests received on a routing key, in order.
func (c *ScriptedLLMClient) Inputs(key string) []*agent.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*agent.GenerateInput, len(c.inputs[key]))
	copy(out, c.inputs[key])
	return out
}

var solverTaskPattern = regexp.MustCompile(`(?m)^Task ([^:]+):`)

func (c *ScriptedLLMClient) routeKey(in *agent.GenerateInput) string {
	sys := ""
	if len(in.Messages) > 0 {
		sys = in.Messages[0].Content
	}
	role := "unknown"
	switch {
	case strings.Contains(sys, "planning assistant"):
		role = "planner"
	case strings.Contains(sys, "solver agent"):
		role = "solver"
	case strings.Contains(sys, "aggregation assistant"):
		role = "aggregator"
	}
	if role == "solver" {
		user := in.Messages[len(in.Messages)-1].Content
		if m := solverTaskPattern.FindStringSubmatch(user); m != nil {
			key := role + ":" + m[1]
			c.mu.Lock()
			_, ok := c.routes[key]
			c.mu.Unlock()
			if ok {
				return key
			}
		}
	}
	return role
}

// Generate implements agent.LLMClient.
func (c *ScriptedLLMClient) Generate(ctx context.Context, in *agent.GenerateInput) (*agent.LLMResponse, error) {
	key := c.routeKey(in)

	c.mu.Lock()
	entries := c.routes[key]
	if len(entries) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("no LLM script for %q", key)
	}
	i := c.counts[key]
	if i >= len(entries) {
		i = len(entries) - 1
	}
	entry := entries[i]
	c.counts[key]++
	c.inputs[key] = append(c.inputs[key], in)
	c.mu.Unlock()

	if entry.Block {
		if entry.OnBlock != nil {
			entry.OnBlock()
		}
		if entry.Release != nil {
			select {
			case <-entry.Release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	return &agent.LLMResponse{
		Text:      entry.Text,
		ToolCalls: entry.ToolCalls,
		Usage:     models.LLMCallStat{Model: "scripted-model", InputTokens: 12, OutputTokens: 7},
	}, nil
}
