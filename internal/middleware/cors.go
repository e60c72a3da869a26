package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	// Idempotency-Key is sent on booking and room creation; the signature header on provider webhooks.
	corsHeaders = "Content-Type, Authorization, Idempotency-Key, x-provider-signature, " + HeaderRequestID
)

// CORS sets cross-origin headers. allowedOrigins is "*" or a comma-separated allow-list;
// preflight requests are answered with 204 and never reach handlers.
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins, wildcard := parseOrigins(allowedOrigins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && origins[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		default:
			origin = ""
		}
		if wildcard || origin != "" {
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Expose-Headers", HeaderRequestID)
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func parseOrigins(s string) (map[string]bool, bool) {
	m := make(map[string]bool)
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			return nil, true
		}
		if o != "" {
			m[o] = true
		}
	}
	return m, len(m) == 0
}
