package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// FuncTool adapts a plain function into a Tool. Used for the built-in
// demo tools and by tests; production tool catalogs are injected at
// session construction.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          string
	Confirm         bool
	Fn              func(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

func (t *FuncTool) Name() string        { return t.ToolName }
func (t *FuncTool) Description() string { return t.ToolDescription }
func (t *FuncTool) ArgSchema() string   { return t.Schema }
func (t *FuncTool) UserConfirm() bool   { return t.Confirm }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	return t.Fn(ctx, args)
}

// Calculator returns the built-in arithmetic tool. It exists to exercise
// the tool-calling contract end to end; real deployments register their
// own catalogs.
func Calculator() Tool {
	return &FuncTool{
		ToolName:        "calculator",
		ToolDescription: "Evaluate basic arithmetic: add, sub, mul, div on two operands.",
		Schema: `{"type":"object","required":["op","a","b"],"properties":{` +
			`"op":{"type":"string","enum":["add","sub","mul","div"]},` +
			`"a":{"type":"number"},"b":{"type":"number"}}}`,
		Fn: func(_ context.Context, raw json.RawMessage) (*ToolResult, error) {
			var full struct {
				Op string  `json:"op"`
				A  float64 `json:"a"`
				B  float64 `json:"b"`
			}
			if err := json.Unmarshal(raw, &full); err != nil {
				return &ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
			}
			var v float64
			switch full.Op {
			case "add":
				v = full.A + full.B
			case "sub":
				v = full.A - full.B
			case "mul":
				v = full.A * full.B
			case "div":
				if full.B == 0 {
					return &ToolResult{Error: "division by zero"}, nil
				}
				v = full.A / full.B
			default:
				return &ToolResult{Error: fmt.Sprintf("unknown op %q", full.Op)}, nil
			}
			return &ToolResult{Output: fmt.Sprintf("%g", v)}, nil
		},
	}
}
