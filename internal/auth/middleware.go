package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	ctxPermissions = "permissions"
	ctxUsername    = "username"
	ctxUserID      = "user_id"
)

// AuthMiddleware validates the bearer token and stores the caller's
// permissions on the context.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "missing authorization header", nil))
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "invalid authorization header format", nil))
			return
		}

		claims, permissions, err := a.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "invalid or expired token", nil))
			return
		}

		c.Set(ctxPermissions, permissions)
		c.Set(ctxUsername, claims.Username)
		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the caller holds required.
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, _ := c.Get(ctxPermissions)
		permissions, _ := perms.([]Permission)

		if !slices.Contains(permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, types.NewErrorResponse(
				"FORBIDDEN", "insufficient permissions", map[string]interface{}{"required": string(required)}))
			return
		}

		c.Next()
	}
}

// Username returns the authenticated operator, if any.
func Username(c *gin.Context) string {
	return c.GetString(ctxUsername)
}
