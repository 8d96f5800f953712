package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, cfg OwnerConfig, req *http.Request) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	e := echo.New()
	var fromEcho, fromCtx string
	e.Any("/test", func(c echo.Context) error {
		fromEcho = OwnerID(c)
		fromCtx = OwnerFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}, OwnerMiddleware(cfg))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, fromEcho, fromCtx
}

func TestOwnerMiddleware_Header(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?userId=query-user", nil)
	req.Header.Set(DefaultOwnerHeader, "header-user")

	rec, owner, ctxOwner := serve(t, OwnerConfig{}, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "header-user", owner, "header wins over the query field")
	assert.Equal(t, "header-user", ctxOwner)
}

func TestOwnerMiddleware_CustomHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Owner", "custom")

	rec, owner, _ := serve(t, OwnerConfig{Header: "X-Owner"}, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "custom", owner)
}

func TestOwnerMiddleware_QueryField(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?userId=query-user", nil)

	rec, owner, _ := serve(t, OwnerConfig{}, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "query-user", owner)
}

func TestOwnerMiddleware_FormField(t *testing.T) {
	form := url.Values{"userId": {"form-user"}}
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)

	rec, owner, _ := serve(t, OwnerConfig{}, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "form-user", owner)
}

func TestOwnerMiddleware_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)

	rec, owner, _ := serve(t, OwnerConfig{}, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "owner identifier is required")
	assert.Empty(t, owner)
}

func TestOwnerMiddleware_Invalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(DefaultOwnerHeader, strings.Repeat("x", MaxOwnerIDLength+1))

	rec, _, _ := serve(t, OwnerConfig{}, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
