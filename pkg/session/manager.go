package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/config"
	"github.com/maestro-agent/maestro/pkg/protocol"
	"github.com/maestro-agent/maestro/pkg/trace"
	"github.com/maestro-agent/maestro/pkg/transport"
)

// connWriteTimeout bounds a single socket write.
const connWriteTimeout = 10 * time.Second

// Manager owns the session registry and routes inbound envelopes from
// connections to sessions. Sessions outlive their connections: a broken
// socket leaves the session intact for the idle window so the client can
// reconnect and replay.
type Manager struct {
	cfg           *config.Config
	llm           agent.LLMClient
	tools         []agent.Tool
	sink          *trace.Sink
	secret        []byte
	serverVersion string
	startedAt     time.Time
	baseCtx       context.Context

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the registry. Sessions are parented to ctx, not to
// the connection that created them.
func NewManager(ctx context.Context, cfg *config.Config, llm agent.LLMClient,
	tools []agent.Tool, sink *trace.Sink, serverVersion string) *Manager {
	return &Manager{
		cfg:           cfg,
		llm:           llm,
		tools:         tools,
		sink:          sink,
		secret:        []byte(cfg.SignedStateSecret),
		serverVersion: serverVersion,
		startedAt:     time.Now(),
		baseCtx:       ctx,
		sessions:      make(map[string]*Session),
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartedAt returns the manager start time, used for uptime reporting.
func (m *Manager) StartedAt() time.Time { return m.startedAt }

// HandleConnection services one WebSocket until it closes. The bearer
// token is accepted opaquely; authentication is outside this runtime.
func (m *Manager) HandleConnection(ctx context.Context, ws *websocket.Conn, token string) {
	conn := transport.NewConn(ctx, ws, connWriteTimeout)
	slog.Info("WebSocket connected", "connection_id", conn.ID, "has_token", token != "")

	connected := protocol.New(protocol.EventSystemConnected).
		Meta("server_version", m.serverVersion).
		Meta("server_time", time.Now().UTC().Format(time.RFC3339Nano))
	connected.ConnectionID = conn.ID
	if err := conn.SendEnvelope(connected); err != nil {
		slog.Warn("Failed to send system.connected", "connection_id", conn.ID, "error", err)
	}

	go conn.RunHeartbeat(m.cfg.HeartbeatInterval(), m.cfg.IdleTimeout(), m.startedAt)

	conn.ReadLoop(func(env *protocol.Envelope) {
		m.dispatch(conn, env)
	})

	// The session survives; only the binding is released.
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.detach(conn)
	}

	conn.Close(websocket.StatusNormalClosure, "closed")
	slog.Info("WebSocket disconnected", "connection_id", conn.ID)
}

// dispatch routes one validated inbound envelope.
func (m *Manager) dispatch(conn *transport.Conn, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserCreateSession:
		s := m.create(uuid.New().String())
		s.attach(conn)
		_ = s.Emit(protocol.New(protocol.EventAgentSessionCreated).
			WithContent("Session created").
			Meta("session_id", s.ID))

	case protocol.EventUserReconnect:
		s := m.get(env.SessionID)
		if s == nil {
			m.connError(conn, protocol.EventErrorValidation, protocol.ErrCodeSessionGone,
				"session no longer exists, create a new one or restore from state")
			return
		}
		s.attach(conn)
		if after, ok := env.MetaInt("last_seq"); ok {
			s.replay(after)
		}

	case protocol.EventUserReconnectState:
		m.reconnectWithState(conn, env)

	case protocol.EventUserMessage:
		if env.SessionID == "" {
			// Orphan message: implicit session creation.
			s := m.create(uuid.New().String())
			s.attach(conn)
			_ = s.Emit(protocol.New(protocol.EventAgentSessionCreated).
				WithContent("Session created").
				Meta("session_id", s.ID))
			s.Dispatch(env)
			return
		}
		m.route(conn, env)

	default:
		if env.SessionID == "" {
			m.connError(conn, protocol.EventErrorValidation, protocol.ErrCodeValidation,
				env.Event+" requires a session_id")
			return
		}
		m.route(conn, env)
	}
}

func (m *Manager) route(conn *transport.Conn, env *protocol.Envelope) {
	s := m.get(env.SessionID)
	if s == nil {
		m.connError(conn, protocol.EventErrorValidation, protocol.ErrCodeSessionGone,
			"unknown session "+env.SessionID)
		return
	}
	s.Dispatch(env)
}

// reconnectWithState verifies the presented blob, reattaches or rebuilds
// the session, and replays missed events.
func (m *Manager) reconnectWithState(conn *transport.Conn, env *protocol.Envelope) {
	st, err := verifyState(env.MetaString("signed_state"), m.secret)
	if err != nil {
		slog.Warn("Rejected signed state", "connection_id", conn.ID, "error", err)
		m.connError(conn, protocol.EventErrorValidation, protocol.ErrCodeStateInvalid,
			"signed state failed verification")
		return
	}

	s := m.get(st.SessionID)
	rebuilt := false
	if s == nil {
		s = m.create(st.SessionID)
		s.restore(st)
		rebuilt = true
	}
	s.attach(conn)

	_ = s.Emit(protocol.New(protocol.EventAgentStateRestored).
		WithContent("Session state restored").
		Meta("pipeline_state", string(st.PipelineState)).
		Meta("task_count", len(st.Tasks)).
		Meta("rebuilt", rebuilt))

	// The client's own position wins over the snapshot's.
	after := st.LastSeq
	if v, ok := env.MetaInt("last_seq"); ok {
		after = v
	}
	s.replay(after)
}

// RunReaper destroys sessions that stayed idle without a live connection
// beyond the idle timeout. Blocks until ctx ends.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if d, live := s.idleFor(); !live && d > m.cfg.IdleTimeout() {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		slog.Info("Destroying idle session", "session_id", s.ID)
		s.End("idle timeout")
	}
}

// Shutdown ends every session, used on graceful server stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.End("server shutting down")
	}
}

func (m *Manager) create(id string) *Session {
	s := newSession(m.baseCtx, id, m.cfg, m.llm, m.tools, m.sink, m.secret, m.remove)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	slog.Info("Session created", "session_id", id)
	return s
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	slog.Info("Session destroyed", "session_id", s.ID)
}

// connError sends an unsequenced error on the connection itself, for
// failures that precede session binding.
func (m *Manager) connError(conn *transport.Conn, event, code, message string) {
	env := protocol.NewError(event, code, message)
	env.ConnectionID = conn.ID
	if err := conn.SendEnvelope(env); err != nil {
		slog.Warn("Failed to send connection error",
			"connection_id", conn.ID, "error_code", code, "error", err)
	}
}
