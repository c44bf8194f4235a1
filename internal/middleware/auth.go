package middleware

import (
	"net/http"

	"carechat/internal/util"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	ContextUserID = "userID"
	ContextEmail  = "email"
	ContextRole   = "role"
)

// AuthMiddleware validates the bearer token and stores the caller's
// identity on the gin context.
func AuthMiddleware(tokens *util.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			util.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		token := util.BearerToken(authHeader)
		if token == "" {
			util.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			util.Unauthorized(c, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextEmail, claims.Email)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// RequireRoles only lets through callers whose role is one of roles. It
// must run after AuthMiddleware.
func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(c *gin.Context) {
		if _, exists := c.Get(ContextUserID); !exists {
			util.Unauthorized(c, "User not authenticated")
			c.Abort()
			return
		}

		role := c.GetString(ContextRole)
		if !allowed[role] {
			util.ErrorResponse(c, http.StatusForbidden, "Access denied for role "+role, nil)
			c.Abort()
			return
		}

		c.Next()
	}
}

// UserID returns the authenticated caller's id.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
