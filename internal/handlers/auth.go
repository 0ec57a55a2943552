package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chanvault/chanvault/internal/accounts"
	"github.com/chanvault/chanvault/internal/auth"
)

type AuthHandler struct {
	logger    *slog.Logger
	accounts  *accounts.Service
	secret    string
	expiresIn time.Duration
}

func NewAuthHandler(log *slog.Logger, accountService *accounts.Service, secret string, expiresIn time.Duration) *AuthHandler {
	return &AuthHandler{
		logger:    log.With(slog.String("handler", "auth")),
		accounts:  accountService,
		secret:    secret,
		expiresIn: expiresIn,
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.Login)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	User      accounts.User `json:"user"`
}

// Login godoc
// @Summary Authenticate and issue a JWT
// @Tags auth
// @Param payload body loginRequest true "Credentials"
// @Success 200 {object} loginResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user, err := h.accounts.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	token, expiresAt, err := auth.GenerateToken(user.Username, user.IsAdmin, h.secret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("login", slog.String("username", user.Username))
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, User: user})
}
