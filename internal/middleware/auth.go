package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/odoo-orchestrator/orchestrator/internal/auth"
)

// Context keys set by AuthMiddleware
const (
	UserIDKey    = "user_id"
	CompanyIDKey = "company_id"
	ScopesKey    = "scopes"
)

// TokenVerifier validates bearer tokens
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// AuthMiddleware requires a bearer token signed by the hosted auth provider and
// stores the caller's identity and scopes in the context.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization header"})
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must start with 'Bearer '"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is empty"})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(UserIDKey, claims.UserID())
		if claims.CompanyID != "" {
			c.Set(CompanyIDKey, claims.CompanyID)
		}
		c.Set(ScopesKey, auth.ScopesFor(claims))
		c.Next()
	}
}

// UserID returns the authenticated user id, or nil when the request is anonymous
func UserID(c *gin.Context) *string {
	id := c.GetString(UserIDKey)
	if id == "" {
		return nil
	}
	return &id
}
