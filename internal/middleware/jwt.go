package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-coaching/backend/internal/auth"
	"github.com/aura-coaching/backend/pkg/response"
)

const (
	// ContextUserID holds the caller's uuid.UUID.
	ContextUserID = "user_id"
	// ContextUserRole holds the caller's role as a string.
	ContextUserRole = "user_role"
	// ContextUserEmail holds the caller's email.
	ContextUserEmail = "user_email"
)

// TokenValidator validates bearer access tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// JWT authenticates the request and stores the caller's claims in the context.
func JWT(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		token, ok := BearerToken(header)
		if !ok {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token expired"
			}
			response.Unauthorized(c, msg)
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}
