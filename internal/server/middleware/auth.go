// Package middleware holds the gin middleware shared by all API routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"unnati-cloud-labs/backend/internal/security"
)

// userIDKey is the gin context key the auth middleware sets.
const userIDKey = "auth.userID"

// TokenValidator is the token surface the middleware needs.
type TokenValidator interface {
	ValidateAccess(token string) (userID string, err error)
}

var _ TokenValidator = (*security.TokenProvider)(nil)

// RequireAuth validates the bearer token and stores the subject user ID in
// the request context. Requests without a valid token are rejected with 401.
func RequireAuth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userID, err := tokens.ValidateAccess(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated user ID set by RequireAuth, or "" when the
// request was not authenticated.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
