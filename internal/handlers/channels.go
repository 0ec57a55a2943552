package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chanvault/chanvault/internal/catalog"
)

type ChannelsHandler struct {
	logger *slog.Logger
	store  *catalog.Store
}

func NewChannelsHandler(log *slog.Logger, store *catalog.Store) *ChannelsHandler {
	return &ChannelsHandler{
		logger: log.With(slog.String("handler", "channels")),
		store:  store,
	}
}

func (h *ChannelsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/channels")
	group.GET("", h.List)
	group.POST("", h.Add)
	group.POST("/:username/activate", h.Activate)
	group.POST("/:username/deactivate", h.Deactivate)
}

type addChannelRequest struct {
	Username string `json:"username" validate:"required"`
}

// List godoc
// @Summary List tracked channels
// @Tags channels
// @Param active_only query bool false "Only active channels"
// @Success 200 {array} catalog.Channel
// @Router /api/channels [get]
func (h *ChannelsHandler) List(c echo.Context) error {
	activeOnly := c.QueryParam("active_only") == "true"
	channels, err := h.store.ListChannels(c.Request().Context(), activeOnly)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, channels)
}

// Add godoc
// @Summary Track a channel
// @Tags channels
// @Param payload body addChannelRequest true "Channel username"
// @Success 201 {object} catalog.Channel
// @Failure 400 {object} ErrorResponse
// @Router /api/channels [post]
func (h *ChannelsHandler) Add(c echo.Context) error {
	var req addChannelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ch, err := h.store.AddChannel(c.Request().Context(), req.Username)
	if err != nil {
		return httpError(err)
	}
	h.logger.Info("channel added", slog.String("channel", ch.Username))
	return c.JSON(http.StatusCreated, ch)
}

func (h *ChannelsHandler) Activate(c echo.Context) error {
	return h.setActive(c, true)
}

func (h *ChannelsHandler) Deactivate(c echo.Context) error {
	return h.setActive(c, false)
}

func (h *ChannelsHandler) setActive(c echo.Context, active bool) error {
	ch, err := h.store.SetChannelActive(c.Request().Context(), c.Param("username"), active)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ch)
}
