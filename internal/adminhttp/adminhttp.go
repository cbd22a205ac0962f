// Package adminhttp exposes a small read-only HTTP surface for health
// checks and operational stats, separate from the chat protocol's TCP
// listener.
package adminhttp

import (
	"context"
	"net/http"

	"chatserver/internal/metrics"
	"chatserver/internal/room"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server wraps an echo instance serving /healthz and /stats.
type Server struct {
	echo *echo.Echo
}

// New builds the admin HTTP surface. m and rooms are read live on every
// request; there is no caching because this endpoint is polled
// infrequently by operators, not by clients on the hot path.
func New(m *metrics.Metrics, rooms *room.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/stats", func(c echo.Context) error {
		snap := m.Snapshot()
		return c.JSON(http.StatusOK, map[string]any{
			"metrics":     snap,
			"rooms_live":  rooms.Count(),
		})
	})

	return &Server{echo: e}
}

// Start serves on addr until the process exits or Shutdown is called. It
// blocks, so callers run it in its own goroutine.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
