// Package session implements the session registry and per-session event
// machine: connection binding, the command loop that keeps control
// events ahead of pipeline work, reliable outbound emission, the
// confirmation channel, and signed state export/restore.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/config"
	"github.com/maestro-agent/maestro/pkg/models"
	"github.com/maestro-agent/maestro/pkg/pipeline"
	"github.com/maestro-agent/maestro/pkg/protocol"
	"github.com/maestro-agent/maestro/pkg/retry"
	"github.com/maestro-agent/maestro/pkg/trace"
	"github.com/maestro-agent/maestro/pkg/transport"
)

// cmdBuffer bounds the session command channel. Control commands are
// cheap to handle, so the buffer only absorbs short bursts.
const cmdBuffer = 64

// Session is one stateful conversation scope. It owns the outbound log,
// the pending confirmations, and the orchestrator; the command loop is
// the only goroutine that mutates routing state, and pipeline work runs
// on separate goroutines so control events are never blocked behind it.
type Session struct {
	ID        string
	createdAt time.Time

	cfg      *config.Config
	log      *transport.OutboundLog
	sink     *trace.Sink
	orch     *pipeline.Orchestrator
	confirms *confirmRegistry
	secret   []byte
	onEnd    func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	cmdCh  chan *protocol.Envelope

	emitMu sync.Mutex // serializes seq assignment with log append and send

	mu           sync.Mutex
	conn         *transport.Conn
	lastActivity time.Time
	history      []agent.ConversationMessage
	ending       bool
}

func newSession(parent context.Context, id string, cfg *config.Config,
	llm agent.LLMClient, tools []agent.Tool, sink *trace.Sink,
	secret []byte, onEnd func(*Session)) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:           id,
		createdAt:    time.Now().UTC(),
		cfg:          cfg,
		log:          transport.NewOutboundLog(cfg.OutboundLogSize),
		sink:         sink,
		confirms:     newConfirmRegistry(),
		secret:       secret,
		onEnd:        onEnd,
		ctx:          ctx,
		cancel:       cancel,
		cmdCh:        make(chan *protocol.Envelope, cmdBuffer),
		lastActivity: time.Now(),
	}
	s.orch = pipeline.New(
		pipeline.Deps{LLM: llm, Tools: tools, Emitter: s, Confirmer: s},
		pipeline.Config{
			SolverConcurrency:  cfg.SolverConcurrency,
			RequireConfirm:     cfg.PlanConfirmRequired(),
			PlanConfirmTimeout: cfg.PlanConfirmTimeout(),
			Agent: agent.Config{
				MaxSteps:           cfg.MaxSteps,
				MaxObserve:         cfg.MaxObserve,
				LLMTimeout:         cfg.LLMTimeout(),
				ToolTimeout:        cfg.ToolTimeout(),
				ToolConfirmTimeout: cfg.ToolConfirmTimeout(),
			},
			Retry: retry.Policy{
				MaxAttempts:  cfg.Retry.MaxAttempts,
				InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
				MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
				Multiplier:   cfg.Retry.Multiplier,
				Jitter:       cfg.Retry.Jitter,
			},
		})
	go s.run()
	return s
}

// Emit implements agent.Emitter: it assigns event_id and seq, derives
// show_content, validates, appends to the outbound log, sends on the
// live connection if any, and offers the frame to the trace sink. A
// failed or absent connection is not an error — the frame stays in the
// log for replay.
func (s *Session) Emit(env *protocol.Envelope) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.emitLocked(env)
}

func (s *Session) emitLocked(env *protocol.Envelope) error {
	env.SessionID = s.ID
	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}
	// The log assigns the same value under emitMu; no other path appends.
	env.Seq = s.log.LastSeq() + 1
	if env.ShowContent == "" {
		env.ShowContent = protocol.DeriveShowContent(env)
	}

	if verr := protocol.ValidateOutbound(env); verr != nil {
		slog.Error("Egress validation failed",
			"session_id", s.ID, "event", env.Event, "error", verr)
		if env.Event != protocol.EventErrorExecution {
			_ = s.emitLocked(protocol.NewError(protocol.EventErrorExecution, protocol.ErrCodeExecution,
				"internal event failed validation: "+verr.Error()))
		}
		return verr
	}

	frame, err := env.Encode()
	if err != nil {
		return err
	}
	s.log.Append(env.EventID, frame)

	s.mu.Lock()
	conn := s.conn
	if env.Event == protocol.EventAgentFinalAnswer {
		s.history = append(s.history, agent.ConversationMessage{
			Role: agent.RoleAssistant, Content: env.ContentString(),
		})
	}
	s.mu.Unlock()

	if conn != nil {
		if serr := conn.Send(frame); serr != nil {
			slog.Debug("Outbound send failed, frame retained for replay",
				"session_id", s.ID, "event", env.Event, "seq", env.Seq, "error", serr)
		}
	}

	s.sink.Offer(trace.Record{
		SessionID: s.ID,
		Event:     env.Event,
		Timestamp: time.Now().UTC(),
		Payload:   frame,
	})
	return nil
}

// Confirm implements agent.Confirmer: emit the confirmation request,
// then block until the matching user.response, the timeout, or context
// cancellation. Timeout resolves as a denial with TimedOut set.
func (s *Session) Confirm(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (models.ConfirmResult, error) {
	if env.StepID == "" {
		return models.Denied, fmt.Errorf("confirmation request requires a step_id")
	}
	ch := s.confirms.register(env.StepID)
	if err := s.Emit(env); err != nil {
		s.confirms.remove(env.StepID)
		return models.Denied, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		s.confirms.remove(env.StepID)
		return models.ConfirmResult{TimedOut: true}, nil
	case <-ctx.Done():
		s.confirms.remove(env.StepID)
		return models.Denied, ctx.Err()
	}
}

// Dispatch routes an inbound command onto the session's command channel.
func (s *Session) Dispatch(env *protocol.Envelope) {
	s.touch()
	select {
	case s.cmdCh <- env:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.cmdCh:
			s.handle(env)
		}
	}
}

// handle processes one inbound command. Handlers must stay quick:
// anything that can block runs on its own goroutine.
func (s *Session) handle(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserMessage:
		question := env.ContentString()
		if question == "" {
			if m := env.ContentMap(); m != nil {
				question, _ = m["question"].(string)
			}
		}
		if question == "" {
			_ = s.Emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
				"user.message requires a question in content"))
			return
		}
		s.mu.Lock()
		s.history = append(s.history, agent.ConversationMessage{Role: agent.RoleUser, Content: question})
		s.mu.Unlock()
		go s.orch.Run(s.ctx, question)

	case protocol.EventUserSolveTasks:
		tasks, question, planSummary, err := parseSolveTasks(env)
		if err != nil {
			_ = s.Emit(protocol.NewError(protocol.EventErrorValidation, protocol.ErrCodeValidation,
				"user.solve_tasks: "+err.Error()))
			return
		}
		go s.orch.RunTasks(s.ctx, tasks, question, planSummary)

	case protocol.EventUserResponse:
		s.confirms.resolve(env.StepID, parseConfirmResponse(env))

	case protocol.EventUserAck:
		if seq, ok := env.MetaInt("last_seq"); ok {
			s.log.Ack(seq)
		} else if id := env.MetaString("last_event_id"); id != "" {
			if _, found := s.log.AckEventID(id); !found {
				slog.Debug("Ignoring ack for unknown event_id",
					"session_id", s.ID, "last_event_id", id)
			}
		}

	case protocol.EventUserCancel:
		s.handleCancel()

	case protocol.EventUserCancelTask:
		s.notice(env.Event)
		s.orch.CancelTask(taskIDOf(env))

	case protocol.EventUserRestartTask:
		s.notice(env.Event)
		s.orch.RestartTask(taskIDOf(env))

	case protocol.EventUserCancelPlan:
		s.notice(env.Event)
		s.orch.CancelPlan()

	case protocol.EventUserReplan:
		s.notice(env.Event)
		question := env.ContentString()
		if question == "" {
			if m := env.ContentMap(); m != nil {
				question, _ = m["question"].(string)
			}
		}
		s.orch.Replan(question)

	case protocol.EventUserRequestState:
		s.exportState()

	default:
		slog.Warn("Unhandled session command", "session_id", s.ID, "event", env.Event)
	}
}

// notice acknowledges receipt of a control command before it is applied.
func (s *Session) notice(command string) {
	_ = s.Emit(protocol.NewNotice("Command received: " + command).Meta("command", command))
}

// handleCancel cancels the pipeline, drains confirmations with denial,
// and ends the session once the pipeline goroutine has emitted its
// terminal events.
func (s *Session) handleCancel() {
	s.notice(protocol.EventUserCancel)
	s.confirms.drainCancel()
	s.orch.Cancel()

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			st := s.orch.State()
			if st == models.PipelineIdle || st.Terminal() {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		s.End("cancelled by user")
	}()
}

// End emits agent.session_end and destroys the session. Idempotent.
func (s *Session) End(reason string) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.mu.Unlock()

	s.confirms.drainCancel()
	_ = s.Emit(protocol.New(protocol.EventAgentSessionEnd).WithContent(reason))
	s.cancel()
	if s.onEnd != nil {
		s.onEnd(s)
	}
}

// exportState signs the current snapshot and emits agent.state_exported.
func (s *Session) exportState() {
	pipelineState, question, planSummary, tasks := s.orch.Snapshot()
	s.mu.Lock()
	history := make([]agent.ConversationMessage, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	st := &State{
		SessionID:     s.ID,
		CreatedAt:     s.createdAt,
		ExportedAt:    time.Now().UTC(),
		PipelineState: pipelineState,
		Question:      question,
		PlanSummary:   planSummary,
		Tasks:         tasks,
		Memory:        history,
		LastSeq:       s.log.LastSeq(),
		LastAckSeq:    s.log.LastAck(),
	}
	blob, err := signState(st, s.secret)
	if err != nil {
		_ = s.Emit(protocol.NewError(protocol.EventErrorExecution, protocol.ErrCodeExecution,
			"state export failed: "+err.Error()))
		return
	}
	_ = s.Emit(protocol.New(protocol.EventAgentStateExported).
		WithContent("Session state exported").
		Meta("signed_state", blob).
		Meta("last_seq", st.LastSeq))
}

// restore seeds a freshly built session from a verified snapshot.
func (s *Session) restore(st *State) {
	s.createdAt = st.CreatedAt
	s.log.Restore(st.LastSeq, st.LastAckSeq)
	s.orch.Restore(st.PipelineState, st.Question, st.PlanSummary, st.Tasks)
	s.mu.Lock()
	s.history = st.Memory
	s.mu.Unlock()
}

// attach binds a connection, superseding any previous one.
func (s *Session) attach(conn *transport.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if old != nil && old != conn {
		old.Close(websocket.StatusGoingAway, "superseded by reconnect")
	}
}

// detach releases the connection if it is still the bound one. The
// session itself survives for the idle window.
func (s *Session) detach(conn *transport.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// replay resends retained events with seq > after on the live
// connection, or reports the gap when they have been evicted.
func (s *Session) replay(after int64) {
	entries, err := s.log.Since(after)
	if err != nil {
		_ = s.Emit(protocol.NewError(protocol.EventSystemError, protocol.ErrCodeReplayGap,
			fmt.Sprintf("events after seq %d are no longer retained, resume from exported state", after)).
			Meta("last_seq", s.log.LastSeq()))
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	for _, e := range entries {
		if err := conn.Send(e.Frame); err != nil {
			slog.Warn("Replay aborted", "session_id", s.ID, "seq", e.Seq, "error", err)
			return
		}
	}
	slog.Info("Replayed outbound events",
		"session_id", s.ID, "after_seq", after, "count", len(entries))
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// idleFor reports how long the session has been without activity and
// whether it currently has a usable connection.
func (s *Session) idleFor() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.conn != nil && !s.conn.Broken()
	return time.Since(s.lastActivity), live
}

// --- inbound payload parsing ---

// parseConfirmResponse reads {confirmed, tasks?} from a user.response.
func parseConfirmResponse(env *protocol.Envelope) models.ConfirmResult {
	m := env.ContentMap()
	if m == nil {
		return models.Denied
	}
	var result models.ConfirmResult
	result.Confirmed, _ = m["confirmed"].(bool)
	if raw, ok := m["tasks"]; ok && result.Confirmed {
		if tasks, err := decodeTasks(raw); err == nil {
			result.Tasks = tasks
		} else {
			slog.Warn("Ignoring malformed edited task list in user.response",
				"step_id", env.StepID, "error", err)
		}
	}
	return result
}

// parseSolveTasks reads the direct-mode payload {tasks, question?,
// plan_summary?}.
func parseSolveTasks(env *protocol.Envelope) ([]models.Task, string, string, error) {
	m := env.ContentMap()
	if m == nil {
		return nil, "", "", fmt.Errorf("content must be an object with tasks")
	}
	raw, ok := m["tasks"]
	if !ok {
		return nil, "", "", fmt.Errorf("content.tasks is required")
	}
	tasks, err := decodeTasks(raw)
	if err != nil {
		return nil, "", "", err
	}
	question, _ := m["question"].(string)
	planSummary, _ := m["plan_summary"].(string)
	return tasks, question, planSummary, nil
}

// decodeTasks converts a decoded-JSON task array into typed tasks,
// tolerating integer ids.
func decodeTasks(raw any) ([]models.Task, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	var rawTasks []struct {
		ID         json.RawMessage `json:"id"`
		Title      string          `json:"title"`
		Objective  string          `json:"objective"`
		Notes      string          `json:"notes"`
		Insights   []string        `json:"insights"`
		DomainHint string          `json:"domain_hint"`
	}
	if err := json.Unmarshal(data, &rawTasks); err != nil {
		return nil, fmt.Errorf("tasks must be an array of task objects: %w", err)
	}
	tasks := make([]models.Task, 0, len(rawTasks))
	for _, t := range rawTasks {
		var id string
		if err := json.Unmarshal(t.ID, &id); err != nil {
			id = string(t.ID)
		}
		tasks = append(tasks, models.Task{
			ID:         id,
			Title:      t.Title,
			Objective:  t.Objective,
			Notes:      t.Notes,
			Insights:   t.Insights,
			DomainHint: t.DomainHint,
		})
	}
	return tasks, nil
}

func taskIDOf(env *protocol.Envelope) string {
	if id := env.MetaString("task_id"); id != "" {
		return id
	}
	if n, ok := env.MetaInt("task_id"); ok {
		return fmt.Sprintf("%d", n)
	}
	return ""
}
