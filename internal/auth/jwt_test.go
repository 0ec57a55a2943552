package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestGenerateToken_Claims(t *testing.T) {
	secret := "test-secret"
	userID := "user-123"
	expiresIn := 2 * time.Hour

	tokenStr, expiresAt, err := GenerateToken(userID, true, secret, expiresIn)
	assert.NoError(t, err)
	assert.NotEmpty(t, tokenStr)

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	assert.NoError(t, err)
	assert.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	assert.Equal(t, userID, claims[claimSubject])
	assert.Equal(t, userID, claims[claimUserID])
	assert.Equal(t, true, claims[claimAdmin])

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	assert.Equal(t, int64(expiresIn/time.Second), exp-iat)
	assert.Equal(t, expiresAt.Unix(), exp)
}

func TestGenerateToken_Invalid(t *testing.T) {
	_, _, err := GenerateToken("", false, "secret", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken("user", false, "", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken("user", false, "secret", 0)
	assert.Error(t, err)
}

func contextWithToken(t *testing.T, secret string, admin bool) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tokenStr, _, err := GenerateToken("user-123", admin, secret, time.Hour)
	assert.NoError(t, err)
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	assert.NoError(t, err)
	c.Set("user", token)
	return c
}

func TestRequireAdmin(t *testing.T) {
	secret := "test-secret"

	assert.NoError(t, RequireAdmin(contextWithToken(t, secret, true)))

	err := RequireAdmin(contextWithToken(t, secret, false))
	assert.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
}

func TestRequireAdmin_MissingToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireAdmin(c)
	assert.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestUserIDFromContext(t *testing.T) {
	secret := "test-secret"
	userID, err := UserIDFromContext(contextWithToken(t, secret, false))
	assert.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}
