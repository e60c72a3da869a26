package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

// RequireRole lets through callers holding one of roles. Admins always pass.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]bool, len(roles)+1)
	for _, r := range roles {
		allowed[r] = true
	}
	allowed[models.RoleAdmin] = true
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextUserID); !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if !allowed[UserRole(c)] {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
