package e2e

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/api"
	"github.com/maestro-agent/maestro/pkg/config"
	"github.com/maestro-agent/maestro/pkg/session"
	"github.com/maestro-agent/maestro/pkg/trace"
)

// StateSecret signs exported session state in tests. Shared so a blob
// exported from one TestApp can be restored into another.
const StateSecret = "e2e-state-signing-secret"

// TestApp is a full server instance on an ephemeral port.
type TestApp struct {
	LLM      *ScriptedLLMClient
	Sessions *session.Manager
	Config   *config.Config
	BaseURL  string
	WSURL    string

	t      *testing.T
	server *api.Server
	sink   *trace.Sink
	cancel context.CancelFunc
}

type appOptions struct {
	cfg   *config.Config
	tools []agent.Tool
}

// Option customizes a TestApp.
type Option func(*appOptions)

// WithConfig mutates the test configuration before the app starts.
func WithConfig(mutate func(*config.Config)) Option {
	return func(o *appOptions) { mutate(o.cfg) }
}

// WithTools replaces the default tool catalog.
func WithTools(tools ...agent.Tool) Option {
	return func(o *appOptions) { o.tools = tools }
}

// testConfig returns defaults tightened for fast tests: no plan
// confirmation gate, millisecond retry backoff, frequent heartbeats.
func testConfig() *config.Config {
	cfg := config.Defaults()
	noConfirm := false
	cfg.RequirePlanConfirm = &noConfirm
	cfg.SignedStateSecret = StateSecret
	cfg.HeartbeatIntervalMS = 200
	cfg.IdleTimeoutMS = 10_000
	cfg.Retry = config.RetryConfig{
		MaxAttempts:    2,
		InitialDelayMS: 1,
		MaxDelayMS:     5,
		Multiplier:     2,
		Jitter:         0,
	}
	return cfg
}

// NewTestApp starts a server on 127.0.0.1:0 and registers cleanup with t.
func NewTestApp(t *testing.T, opts ...Option) *TestApp {
	t.Helper()

	o := &appOptions{
		cfg:   testConfig(),
		tools: []agent.Tool{agent.Calculator()},
	}
	for _, opt := range opts {
		opt(o)
	}
	require.NoError(t, o.cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	llm := NewScriptedLLMClient()
	sink := trace.NewSink(nil, 64)
	sessions := session.NewManager(ctx, o.cfg, llm, o.tools, sink, "e2e-test")
	server := api.NewServer(sessions, sink)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if serveErr := server.StartWithListener(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			t.Logf("test server exited: %v", serveErr)
		}
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		LLM:      llm,
		Sessions: sessions,
		Config:   o.cfg,
		BaseURL:  "http://" + addr,
		WSURL:    "ws://" + addr + "/ws",
		t:        t,
		server:   server,
		sink:     sink,
		cancel:   cancel,
	}
	t.Cleanup(app.Stop)
	return app
}

// Stop shuts the app down. Registered as test cleanup; safe to call
// explicitly.
func (a *TestApp) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.server.Stop(shutdownCtx)
	a.cancel()
	a.sink.Close()
}

// Connect opens a recording WebSocket client against the app.
func (a *TestApp) Connect() *WSClient {
	a.t.Helper()
	return WSConnect(a.t, a.WSURL)
}

// Common plan scripts shared by the scenarios.
const (
	planJSONTwoTasks = `{"plan_summary":"Two quick lookups","tasks":[` +
		`{"id":"1","title":"First","objective":"Answer part one"},` +
		`{"id":"2","title":"Second","objective":"Answer part two"}]}`
	planJSONOneTask = `{"plan_summary":"Single step","tasks":[` +
		`{"id":"1","title":"Only","objective":"Answer the question"}]}`
)
