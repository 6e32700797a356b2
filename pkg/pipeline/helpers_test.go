package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/protocol"
	"github.com/maestro-agent/maestro/pkg/retry"
)

// scriptEntry drives one scripted LLM reply. Block makes the call hang
// until Release is closed (or forever, leaving cancellation as the only
// way out).
type scriptEntry struct {
	Text    string
	Err     error
	Block   bool
	Release chan struct{}
	OnBlock func()
}

// scriptedLLM routes Generate calls to per-role scripts. Solver calls
// can be routed per task with the "solver:<task_id>" key; other roles
// use their plain name. A script past its end repeats its last entry.
type scriptedLLM struct {
	mu     sync.Mutex
	routes map[string][]scriptEntry
	counts map[string]int
	inputs map[string][]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		routes: make(map[string][]scriptEntry),
		counts: make(map[string]int),
		inputs: make(map[string][]string),
	}
}

func (s *scriptedLLM) route(key string, entries ...scriptEntry) {
	s.mu.Lock()
	s.routes[key] = entries
	s.mu.Unlock()
}

// userInputs returns the user messages received on a route, in order.
func (s *scriptedLLM) userInputs(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.inputs[key]))
	copy(out, s.inputs[key])
	return out
}

var solverTaskPattern = regexp.MustCompile(`(?m)^Task ([^:]+):`)

// scriptKey derives the routing key from the request's system prompt,
// falling back from "solver:<id>" to "solver" when no per-task script
// exists.
func (s *scriptedLLM) scriptKey(in *agent.GenerateInput) string {
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
			s.mu.Lock()
			_, ok := s.routes[key]
			s.mu.Unlock()
			if ok {
				return key
			}
		}
	}
	return role
}

func (s *scriptedLLM) Generate(ctx context.Context, in *agent.GenerateInput) (*agent.LLMResponse, error) {
	key := s.scriptKey(in)

	s.mu.Lock()
	entries := s.routes[key]
	if len(entries) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("no script for %q", key)
	}
	i := s.counts[key]
	if i >= len(entries) {
		i = len(entries) - 1
	}
	entry := entries[i]
	s.counts[key]++
	s.inputs[key] = append(s.inputs[key], in.Messages[len(in.Messages)-1].Content)
	s.mu.Unlock()

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
		Text:  entry.Text,
		Usage: models.LLMCallStat{Model: "scripted-model", InputTokens: 10, OutputTokens: 5},
	}, nil
}

// eventRecorder collects emitted envelopes for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []*protocol.Envelope
}

func (r *eventRecorder) Emit(env *protocol.Envelope) error {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) byType(event string) []*protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Envelope
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) first(event string) *protocol.Envelope {
	if evs := r.byType(event); len(evs) > 0 {
		return evs[0]
	}
	return nil
}

func (r *eventRecorder) has(event string) bool { return r.first(event) != nil }

// waitFor polls until an event matching the predicate appears. A nil
// match accepts any event of the type.
func (r *eventRecorder) waitFor(t *testing.T, event string, match func(*protocol.Envelope) bool) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range r.byType(event) {
			if match == nil || match(e) {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %s", event)
	return nil
}

// taskIDIs matches events tagged with the given task.
func taskIDIs(id string) func(*protocol.Envelope) bool {
	return func(e *protocol.Envelope) bool { return e.MetaString("task_id") == id }
}

// confirmerFunc adapts a closure to the Confirmer interface.
type confirmerFunc func(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (models.ConfirmResult, error)

func (f confirmerFunc) Confirm(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (models.ConfirmResult, error) {
	return f(ctx, env, timeout)
}

var approveAll = confirmerFunc(func(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (models.ConfirmResult, error) {
	return models.ConfirmResult{Confirmed: true}, nil
})

// newTestOrchestrator builds an orchestrator with fast retry timings.
func newTestOrchestrator(llm *scriptedLLM, confirmer agent.Confirmer, mutate func(*Config)) (*Orchestrator, *eventRecorder) {
	rec := &eventRecorder{}
	cfg := Config{
		SolverConcurrency:  2,
		PlanConfirmTimeout: 5 * time.Second,
		Agent: agent.Config{
			LLMTimeout:  5 * time.Second,
			ToolTimeout: time.Second,
		},
		Retry: retry.Policy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
			Jitter:       0,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o := New(Deps{LLM: llm, Emitter: rec, Confirmer: confirmer}, cfg)
	return o, rec
}

func waitState(t *testing.T, o *Orchestrator, want models.PipelineState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pipeline never reached state %s, still %s", want, o.State())
}

func waitTerminal(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.State().Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pipeline never reached a terminal state, still %s", o.State())
}

// Common plan fixtures.
const (
	planJSONTwoTasks = `{"plan_summary":"Two quick lookups","tasks":[` +
		`{"id":"1","title":"First","objective":"Answer part one"},` +
		`{"id":"2","title":"Second","objective":"Answer part two"}]}`
	planJSONOneTask = `{"plan_summary":"Single step","tasks":[` +
		`{"id":"1","title":"Only","objective":"Answer the question"}]}`
)
