package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chanvault/chanvault/internal/approval"
	"github.com/chanvault/chanvault/internal/catalog"
	"github.com/chanvault/chanvault/internal/objstore"
	"github.com/chanvault/chanvault/internal/platform"
)

const (
	minDownloadExpiry     = time.Minute
	maxDownloadExpiry     = 7 * 24 * time.Hour
	defaultDownloadExpiry = time.Hour
)

type MediaHandler struct {
	logger    *slog.Logger
	store     *catalog.Store
	processor *approval.Processor
	objects   objstore.Store
}

func NewMediaHandler(log *slog.Logger, store *catalog.Store, processor *approval.Processor, objects objstore.Store) *MediaHandler {
	return &MediaHandler{
		logger:    log.With(slog.String("handler", "media")),
		store:     store,
		processor: processor,
		objects:   objects,
	}
}

func (h *MediaHandler) Register(e *echo.Echo) {
	group := e.Group("/api/media")
	group.GET("", h.List)
	group.GET("/pending", h.ListPending)
	group.GET("/by-channel/:channel", h.ListByChannel)
	group.GET("/:id", h.Get)
	group.GET("/:id/download-url", h.DownloadURL)
	group.POST("/approve", h.Approve)
}

type mediaListResponse struct {
	Items []catalog.MediaRecord `json:"items"`
	Total int64                 `json:"total"`
	Skip  int                   `json:"skip"`
	Limit int                   `json:"limit"`
}

// List godoc
// @Summary List media records
// @Tags media
// @Param skip query int false "Pagination offset"
// @Param limit query int false "Max records (1-100)"
// @Param media_type query string false "Filter by kind (audio|document)"
// @Param approved_only query bool false "Only approved media"
// @Success 200 {object} mediaListResponse
// @Router /api/media [get]
func (h *MediaHandler) List(c echo.Context) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	return h.list(c, filter)
}

// ListPending lists records awaiting approval.
func (h *MediaHandler) ListPending(c echo.Context) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	filter.ApprovedOnly = false
	filter.PendingOnly = true
	return h.list(c, filter)
}

// ListByChannel lists records pulled from one channel.
func (h *MediaHandler) ListByChannel(c echo.Context) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	filter.Channel = c.Param("channel")
	return h.list(c, filter)
}

func (h *MediaHandler) list(c echo.Context, filter catalog.MediaFilter) error {
	ctx := c.Request().Context()
	total, err := h.store.CountMedia(ctx, filter)
	if err != nil {
		return httpError(err)
	}
	items, err := h.store.ListMedia(ctx, filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, mediaListResponse{
		Items: items,
		Total: total,
		Skip:  filter.Offset,
		Limit: filter.Limit,
	})
}

// Get returns one media record.
func (h *MediaHandler) Get(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid media id")
	}
	rec, err := h.store.GetMedia(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// DownloadURL godoc
// @Summary Get a presigned download URL for approved media
// @Tags media
// @Param id path int true "Media ID"
// @Param expiration query int false "URL lifetime in seconds (60..604800)"
// @Success 200 {object} map[string]any
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/media/{id}/download-url [get]
func (h *MediaHandler) DownloadURL(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid media id")
	}
	expiry := defaultDownloadExpiry
	if raw := c.QueryParam("expiration"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid expiration")
		}
		expiry = time.Duration(seconds) * time.Second
		if expiry < minDownloadExpiry || expiry > maxDownloadExpiry {
			return echo.NewHTTPError(http.StatusBadRequest, "expiration out of range")
		}
	}
	rec, err := h.store.GetMedia(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if rec.State != catalog.StateApproved || rec.StorageKey == "" {
		return echo.NewHTTPError(http.StatusForbidden, "media is not approved for download")
	}
	url, err := h.objects.PresignedGet(c.Request().Context(), rec.Kind, rec.StorageKey, expiry)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(expiry / time.Second),
	})
}

type approveRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1"`
}

// Approve godoc
// @Summary Batch-approve pending media
// @Description Downloads each pending record from the platform, uploads it to
// @Description object storage, and marks it approved. Items fail independently;
// @Description the response always carries the complete summary.
// @Tags media
// @Param payload body approveRequest true "Record IDs"
// @Success 200 {object} approval.BatchResult
// @Failure 400 {object} ErrorResponse
// @Router /api/media/approve [post]
func (h *MediaHandler) Approve(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.processor.Process(c.Request().Context(), req.IDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func filterFromQuery(c echo.Context) (catalog.MediaFilter, error) {
	filter := catalog.MediaFilter{Limit: 20}
	if raw := c.QueryParam("skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil || skip < 0 {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid skip")
		}
		filter.Offset = skip
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = limit
	}
	switch kind := c.QueryParam("media_type"); kind {
	case "":
	case platform.MediaKindAudio.String():
		filter.Kind = platform.MediaKindAudio
	case platform.MediaKindDocument.String():
		filter.Kind = platform.MediaKindDocument
	default:
		return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid media_type")
	}
	filter.ApprovedOnly = c.QueryParam("approved_only") == "true"
	return filter, nil
}
