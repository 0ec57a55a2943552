package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chanvault/chanvault/internal/auth"
	"github.com/chanvault/chanvault/internal/catalog"
	"github.com/chanvault/chanvault/internal/connection"
	"github.com/chanvault/chanvault/internal/ingest"
	"github.com/chanvault/chanvault/internal/platform"
)

type DiagnosticsHandler struct {
	logger   *slog.Logger
	manager  *connection.Manager
	store    *catalog.Store
	pipeline *ingest.Pipeline
}

func NewDiagnosticsHandler(log *slog.Logger, manager *connection.Manager, store *catalog.Store, pipeline *ingest.Pipeline) *DiagnosticsHandler {
	return &DiagnosticsHandler{
		logger:   log.With(slog.String("handler", "diagnostics")),
		manager:  manager,
		store:    store,
		pipeline: pipeline,
	}
}

func (h *DiagnosticsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/diagnostics", auth.AdminOnly)
	group.GET("/status", h.Status)
	group.POST("/trigger-pull", h.TriggerPull)
}

type diagnosticsResponse struct {
	Connection      connection.Status `json:"connection"`
	Healthy         bool              `json:"healthy"`
	Counts          catalog.Counts    `json:"counts"`
	Channels        []catalog.Channel `json:"channels"`
	Recommendations []string          `json:"recommendations"`
}

// Status godoc
// @Summary Report connection state, catalog counts, and tuning hints
// @Tags diagnostics
// @Success 200 {object} diagnosticsResponse
// @Router /api/diagnostics/status [get]
func (h *DiagnosticsHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	counts, err := h.store.Counts(ctx)
	if err != nil {
		return httpError(err)
	}
	channels, err := h.store.ListChannels(ctx, false)
	if err != nil {
		return httpError(err)
	}
	status := h.manager.Status()
	return c.JSON(http.StatusOK, diagnosticsResponse{
		Connection:      status,
		Healthy:         h.manager.Healthy(),
		Counts:          counts,
		Channels:        channels,
		Recommendations: recommendations(status, counts, channels),
	})
}

// TriggerPull godoc
// @Summary Run the ingestion pipeline now
// @Description Runs synchronously and returns the per-channel summary. An
// @Description optional channel query parameter restricts the run to one
// @Description channel.
// @Tags diagnostics
// @Param channel query string false "Pull a single channel"
// @Success 200 {object} ingest.RunSummary
// @Router /api/diagnostics/trigger-pull [post]
func (h *DiagnosticsHandler) TriggerPull(c echo.Context) error {
	ctx := c.Request().Context()
	if channel := c.QueryParam("channel"); channel != "" {
		report := h.pipeline.PullChannel(ctx, channel)
		return c.JSON(http.StatusOK, report)
	}
	summary := h.pipeline.RunAll(ctx)
	return c.JSON(http.StatusOK, summary)
}

func recommendations(status connection.Status, counts catalog.Counts, channels []catalog.Channel) []string {
	recs := make([]string, 0, 4)
	switch status.State {
	case connection.StateFailed:
		switch status.LastErrorKind {
		case platform.KindCredentialMissing:
			recs = append(recs, "no session file found; provision one and restart")
		case platform.KindCredentialInvalid:
			recs = append(recs, "session credential rejected; re-authenticate with the same api_id/api_hash pair that produced it")
		default:
			recs = append(recs, "connection permanently failed; check logs and restart the service")
		}
	case connection.StateConnected:
	default:
		recs = append(recs, "connection is not established; pulls and approvals will fail until it recovers")
	}
	if counts.ActiveChannels == 0 {
		recs = append(recs, "no active channels; add one via POST /api/channels")
	}
	if counts.PendingMedia > 0 {
		recs = append(recs, "pending media awaiting approval; review via GET /api/media/pending")
	}
	inactive := int64(len(channels)) - counts.ActiveChannels
	if inactive > 0 {
		recs = append(recs, "some channels are deactivated and will be skipped by pulls")
	}
	return recs
}
