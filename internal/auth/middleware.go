package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakehold/internal/logging"
)

const (
	// ContextKeyClaims is the key for storing verified claims in gin context
	ContextKeyClaims = "operatorClaims"
	// ContextKeyOperator is the key for storing the operator's subject
	ContextKeyOperator = "operator"
)

// Middleware verifies the bearer token if present and stores its claims.
// It never aborts; pair it with RequireOperator.
func Middleware(iss *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw != "" {
			claims, err := iss.Verify(raw)
			if err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyOperator, claims.Subject)
			} else {
				logging.L(c.Request.Context()).Debug("rejected operator token", "error", err)
			}
		}
		c.Next()
	}
}

// RequireOperator rejects requests without a verified operator token.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyClaims); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// Operator returns the authenticated operator's subject, or "".
func Operator(c *gin.Context) string {
	return c.GetString(ContextKeyOperator)
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
