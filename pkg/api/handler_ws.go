package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades the connection and hands it to the session
// manager. The optional bearer token in the query string is forwarded
// opaquely; this runtime does not interpret it.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(503, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist from config once
		// deployments run behind a fixed console origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	token := c.QueryParam("token")

	// HandleConnection blocks until the WebSocket closes.
	s.sessions.HandleConnection(c.Request().Context(), conn, token)
	return nil
}
