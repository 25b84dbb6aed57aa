package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/common/config"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// OrgKey is the context key for the caller's organization id.
	OrgKey ContextKey = "org_id"
	// UserKey is the context key for the caller's user id.
	UserKey ContextKey = "user_id"
)

// BearerAuth validates the Authorization header against the static token
// list. Disabled auth passes every request through.
func BearerAuth(cfg config.AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Enabled {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"kind": "ValidationError", "message": "bearer token required"},
				})
			}

			for _, allowed := range cfg.Tokens {
				if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
					return next(c)
				}
			}

			return c.JSON(http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"kind": "ValidationError", "message": "invalid bearer token"},
			})
		}
	}
}

// ExtractIdentity pulls X-Org-ID and X-User-ID into the request context.
// Memory partitioning and RBAC key off these values downstream.
func ExtractIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if org := c.Request().Header.Get("X-Org-ID"); org != "" {
				c.Set(string(OrgKey), org)
			}
			if user := c.Request().Header.Get("X-User-ID"); user != "" {
				c.Set(string(UserKey), user)
			}
			return next(c)
		}
	}
}

// GetOrg returns the caller's organization id, or "default".
func GetOrg(c echo.Context) string {
	if org, ok := c.Get(string(OrgKey)).(string); ok && org != "" {
		return org
	}
	return "default"
}

// GetUser returns the caller's user id, or "anonymous".
func GetUser(c echo.Context) string {
	if user, ok := c.Get(string(UserKey)).(string); ok && user != "" {
		return user
	}
	return "anonymous"
}
