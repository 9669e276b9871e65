package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tutorlink/backend/internal/auth"
	"github.com/tutorlink/backend/pkg/response"
)

// ContextPrincipal is the gin context key holding the authenticated auth.Principal.
const ContextPrincipal = "principal"

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// JWT returns a middleware that validates JWT and stores the caller principal in context.
func JWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := validator.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextPrincipal, claims.Principal())
		c.Next()
	}
}

// Principal returns the caller set by JWT. ok is false on unauthenticated routes.
func Principal(c *gin.Context) (auth.Principal, bool) {
	v, ok := c.Get(ContextPrincipal)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}
