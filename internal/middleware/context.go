package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-coaching/backend/internal/models"
)

// UserID returns the authenticated user's id. Only valid behind JWT.
func UserID(c *gin.Context) uuid.UUID {
	return c.MustGet(ContextUserID).(uuid.UUID)
}

// UserRole returns the authenticated user's role.
func UserRole(c *gin.Context) models.Role {
	role, _ := c.Get(ContextUserRole)
	s, _ := role.(string)
	return models.Role(s)
}
