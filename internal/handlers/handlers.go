// Package handlers contains the echo HTTP handlers exposed by the server.
package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/chanvault/chanvault/internal/catalog"
	"github.com/chanvault/chanvault/internal/platform"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

var validate = validator.New()

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrChannelNotFound), errors.Is(err, catalog.ErrMediaNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	switch platform.KindOf(err) {
	case platform.KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case platform.KindPermission:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
