package handlers

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/chanvault/chanvault/internal/connection"
	"github.com/chanvault/chanvault/internal/platform"
)

type stubObserver struct {
	status  connection.Status
	healthy bool
}

func (o *stubObserver) Status() connection.Status { return o.status }
func (o *stubObserver) Healthy() bool             { return o.healthy }

func TestHealth_ReflectsConnectionState(t *testing.T) {
	t.Parallel()

	e := echo.New()
	h := NewPingHandler(slog.Default(), &stubObserver{
		status:  connection.Status{State: connection.StateConnected},
		healthy: true,
	})
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestHealth_UnhealthyIsNeverMasked(t *testing.T) {
	t.Parallel()

	e := echo.New()
	h := NewPingHandler(slog.Default(), &stubObserver{
		status: connection.Status{
			State:         connection.StateFailed,
			LastErrorKind: platform.KindCredentialInvalid,
			LastError:     "session revoked",
		},
	})
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
	assert.Contains(t, rec.Body.String(), string(platform.KindCredentialInvalid))
}

func TestHealth_HeadHasNoBody(t *testing.T) {
	t.Parallel()

	e := echo.New()
	h := NewPingHandler(slog.Default(), &stubObserver{healthy: true})
	h.Register(e)

	req := httptest.NewRequest(http.MethodHead, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPing(t *testing.T) {
	t.Parallel()

	e := echo.New()
	h := NewPingHandler(slog.Default(), &stubObserver{})
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
