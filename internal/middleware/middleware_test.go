package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorlink/backend/internal/auth"
	"github.com/tutorlink/backend/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(jwtSvc *auth.JWTService, roles ...models.Role) *gin.Engine {
	r := gin.New()
	r.Use(JWT(jwtSvc))
	r.GET("/open", func(c *gin.Context) {
		p, _ := Principal(c)
		c.String(http.StatusOK, p.UserID.String())
	})
	r.GET("/admin", RequireRole(roles...), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMissingHeader(t *testing.T) {
	r := newRouter(auth.NewJWTService("s", 1))
	assert.Equal(t, http.StatusUnauthorized, do(r, "/open", "").Code)
}

func TestJWTSetsPrincipal(t *testing.T) {
	svc := auth.NewJWTService("s", 1)
	id := uuid.New()
	token, err := svc.Generate(auth.Principal{UserID: id, Role: models.RoleStudent})
	require.NoError(t, err)

	w := do(newRouter(svc), "/open", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id.String(), w.Body.String())
}

func TestRequireRole(t *testing.T) {
	svc := auth.NewJWTService("s", 1)
	r := newRouter(svc, models.RoleAdmin)

	student, _ := svc.Generate(auth.Principal{UserID: uuid.New(), Role: models.RoleStudent})
	admin, _ := svc.Generate(auth.Principal{UserID: uuid.New(), Role: models.RoleAdmin})

	assert.Equal(t, http.StatusForbidden, do(r, "/admin", student).Code)
	assert.Equal(t, http.StatusOK, do(r, "/admin", admin).Code)
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS("http://a.test"))
	r.OPTIONS("/x", func(c *gin.Context) {})

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://a.test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://a.test", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginChecker(t *testing.T) {
	cases := []struct {
		allowed string
		origin  string
		want    bool
	}{
		{"http://a.test, http://b.test", "http://b.test", true},
		{"http://a.test", "http://evil.test", false},
		{"http://a.test", "", true},
		{"*", "http://evil.test", true},
		{"", "http://evil.test", true},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, OriginChecker(tc.allowed)(req), "%q from %q", tc.origin, tc.allowed)
	}
}
