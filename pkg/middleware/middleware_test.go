package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(svc *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/v1/orders", JWTAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, auth.UserID(c))
	})
	r.GET("/api/v1/compliance/alerts", JWTAuth(svc), RequirePermission(auth.PermissionCompliance), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/api/v1/internal/ping", InternalAuth(svc), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func tokenFor(t *testing.T, svc *auth.Service, key, secret string) string {
	t.Helper()
	tok, err := svc.GenerateToken(auth.Credentials{APIKey: key, APISecret: secret})
	require.NoError(t, err)
	return tok.Token
}

func TestJWTAuthSetsUser(t *testing.T) {
	svc := auth.NewService("secret")
	svc.RegisterAPICredentials("k", "s", "alice", auth.PermissionTrade)
	r := newRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, svc, "k", "s"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
}

func TestJWTAuthRejectsMissingAndForeignTokens(t *testing.T) {
	svc := auth.NewService("secret")
	other := auth.NewService("other-secret")
	other.RegisterAPICredentials("k", "s", "mallory", auth.PermissionTrade)
	r := newRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, other, "k", "s"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPermissionGates(t *testing.T) {
	svc := auth.NewService("secret")
	svc.RegisterAPICredentials("trader", "s", "alice", auth.PermissionTrade)
	svc.RegisterAPICredentials("officer", "s", "bob", auth.PermissionTrade, auth.PermissionCompliance)
	r := newRouter(svc)

	cases := []struct {
		path   string
		key    string
		status int
	}{
		{"/api/v1/compliance/alerts", "trader", http.StatusForbidden},
		{"/api/v1/compliance/alerts", "officer", http.StatusOK},
		{"/api/v1/internal/ping", "officer", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, svc, tc.key, "s"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, "%s as %s", tc.path, tc.key)
	}
}

func TestRateLimiterBlocksAuthBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter()
	r := gin.New()
	r.Use(rl.Middleware())
	r.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
