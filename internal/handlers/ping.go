package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chanvault/chanvault/internal/connection"
)

// ConnectionObserver reads connection health for probes.
type ConnectionObserver interface {
	Status() connection.Status
	Healthy() bool
}

type PingHandler struct {
	logger     *slog.Logger
	connection ConnectionObserver
}

func NewPingHandler(log *slog.Logger, conn ConnectionObserver) *PingHandler {
	return &PingHandler{
		logger:     log.With(slog.String("handler", "ping")),
		connection: conn,
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Health reports the true connection state for external liveness checks.
// A failed or disconnected session is never masked as healthy.
func (h *PingHandler) Health(c echo.Context) error {
	status := h.connection.Status()
	body := map[string]any{
		"status":     "healthy",
		"connection": status,
	}
	code := http.StatusOK
	if !h.connection.Healthy() {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(code)
	}
	return c.JSON(code, body)
}
