package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-agent/maestro/pkg/version"
)

// HealthResponse is the GET /health payload. Minimal and safe for
// unauthenticated access; the LLM provider is an external collaborator
// and deliberately not probed here.
type HealthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	UptimeSeconds int64  `json:"uptime_s"`
	TraceDropped  int64  `json:"trace_dropped"`
}

// VersionResponse is the GET /version payload.
type VersionResponse struct {
	Name      string `json:"name"`
	GitCommit string `json:"git_commit"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	resp := HealthResponse{
		Status:        "healthy",
		Sessions:      s.sessions.Count(),
		UptimeSeconds: int64(time.Since(s.sessions.StartedAt()).Seconds()),
	}
	if s.sink != nil {
		resp.TraceDropped = s.sink.Dropped()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{
		Name:      version.AppName,
		GitCommit: version.GitCommit,
	})
}
