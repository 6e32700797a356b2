// Package api exposes the HTTP surface: the WebSocket endpoint the
// protocol rides on, plus health and version endpoints for operators.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-agent/maestro/pkg/session"
	"github.com/maestro-agent/maestro/pkg/trace"
)

// Server wires the HTTP routes to the session manager.
type Server struct {
	e        *echo.Echo
	http     *http.Server
	sessions *session.Manager
	sink     *trace.Sink
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(sessions *session.Manager, sink *trace.Sink) *Server {
	s := &Server{
		e:        echo.New(),
		sessions: sessions,
		sink:     sink,
	}

	s.e.Use(securityHeaders())

	s.e.GET("/health", s.healthHandler)
	s.e.GET("/version", s.versionHandler)
	s.e.GET("/ws", s.wsHandler)

	return s
}

// Start serves HTTP on addr. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// StartWithListener serves HTTP on an existing listener, used by tests
// that bind to an ephemeral port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.Serve(ln)
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.e }
