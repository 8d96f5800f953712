package auth

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// contextKey is the type for context keys to avoid collisions.
type contextKey string

// ownerIDKey stores the owner both in the echo context and in the request
// context.
const ownerIDKey contextKey = "owner_id"

// DefaultOwnerHeader carries the owner identifier set by the upstream
// authentication layer.
const DefaultOwnerHeader = "X-User-ID"

// DefaultOwnerField is the form or query field accepted when the header is
// absent.
const DefaultOwnerField = "userId"

// OwnerConfig configures OwnerMiddleware.
type OwnerConfig struct {
	Header string
	Field  string
}

// OwnerMiddleware resolves the owner identifier from the configured header,
// falling back to the form or query field, and stores it for OwnerID.
//
// Requests without a valid identifier get 401 Unauthorized.
func OwnerMiddleware(cfg OwnerConfig) echo.MiddlewareFunc {
	if cfg.Header == "" {
		cfg.Header = DefaultOwnerHeader
	}
	if cfg.Field == "" {
		cfg.Field = DefaultOwnerField
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(cfg.Header)
			if raw == "" {
				raw = c.FormValue(cfg.Field)
			}
			ownerID, err := NormalizeOwnerID(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.Set(string(ownerIDKey), ownerID)
			c.SetRequest(c.Request().WithContext(WithOwnerID(c.Request().Context(), ownerID)))
			return next(c)
		}
	}
}

// OwnerID returns the identifier stored by OwnerMiddleware, or "".
func OwnerID(c echo.Context) string {
	id, _ := c.Get(string(ownerIDKey)).(string)
	return id
}

// WithOwnerID returns ctx carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// OwnerFromContext returns the owner carried by ctx, or "".
func OwnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ownerIDKey).(string)
	return id
}
