// Package auth guards the mutating admin API routes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyOperator is the gin context key holding the caller's
	// operator id, used as the user id on audit and kill switch events.
	ContextKeyOperator = "operator"

	// HeaderOperator names the operator performing a mutating call.
	HeaderOperator = "X-Operator"

	defaultOperator = "admin_api"
)

// RequireAdmin rejects requests without "Authorization: Bearer <apiKey>".
// An empty apiKey disables the check (development only; config.Validate
// refuses it in production).
func RequireAdmin(apiKey string) gin.HandlerFunc {
	want := sha256.Sum256([]byte(apiKey))
	return func(c *gin.Context) {
		c.Set(ContextKeyOperator, operator(c))
		if apiKey == "" {
			c.Next()
			return
		}

		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin API key required. Include 'Authorization: Bearer <key>' header.",
			})
			return
		}
		got := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin API key",
			})
			return
		}
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func operator(c *gin.Context) string {
	if op := strings.TrimSpace(c.GetHeader(HeaderOperator)); op != "" && len(op) <= 64 {
		return op
	}
	return defaultOperator
}

// Operator returns the operator id set by RequireAdmin.
func Operator(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyOperator); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultOperator
}
