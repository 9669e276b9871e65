package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS returns a middleware that sets CORS headers for cross-origin requests.
// allowedOrigins can be "*" or a comma-separated list (e.g. "http://localhost:8081,http://localhost:19006").
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := parseOrigins(allowedOrigins)
	_, wildcard := origins["*"]
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowOrigin := ""
		if len(origins) == 0 || wildcard {
			allowOrigin = "*"
		} else if _, ok := origins[origin]; ok && origin != "" {
			allowOrigin = origin
			c.Header("Vary", "Origin")
		}
		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// OriginChecker reports whether a request's Origin is in allowedOrigins, using the same rules
// as CORS. Requests without an Origin header come from non-browser clients and pass.
func OriginChecker(allowedOrigins string) func(*http.Request) bool {
	origins := parseOrigins(allowedOrigins)
	_, wildcard := origins["*"]
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 || wildcard {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}

func parseOrigins(s string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, o := range strings.Split(strings.TrimSpace(s), ",") {
		if o = strings.TrimSpace(o); o != "" {
			m[o] = struct{}{}
		}
	}
	return m
}
