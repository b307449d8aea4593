package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"clinic-billing-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

type tokens map[string]*jwt.Claims

func (t tokens) VerifyAccessToken(token string) (*jwt.Claims, error) {
	if c, ok := t[token]; ok {
		return c, nil
	}
	return nil, errors.New("bad token")
}

type gate map[string]bool

func (g gate) HasActiveBilling(ctx context.Context, tenantID string) bool { return g[tenantID] }

var testTokens = tokens{
	"admin-t1": {TenantID: "t1", Roles: []string{jwt.RoleTenantAdmin}, RegisteredClaims: jwtlib.RegisteredClaims{Subject: "u1"}},
	"admin-t2": {TenantID: "t2", Roles: []string{jwt.RoleTenantAdmin}, RegisteredClaims: jwtlib.RegisteredClaims{Subject: "u2"}},
	"operator": {Roles: []string{jwt.RoleBillingOperator}, RegisteredClaims: jwtlib.RegisteredClaims{Subject: "ops"}},
}

func newRouter() *gin.Engine {
	auth := NewAuthMiddleware(testTokens)
	r := gin.New()
	r.Use(RecoveryMiddleware(zap.NewNop()))

	tenant := r.Group("/tenant", auth.TenantAdmin()...)
	tenant.GET("/whoami", func(c *gin.Context) { c.String(http.StatusOK, GetTenantID(c)+"/"+GetSubject(c)) })
	tenant.GET("/paid", RequireActiveBilling(gate{"t1": true}), func(c *gin.Context) { c.Status(http.StatusOK) })

	ops := r.Group("/ops", auth.OperatorOnly()...)
	ops.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.GET("/panic", func(c *gin.Context) { panic("boom") })
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

func TestAuthRequiresValidToken(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusUnauthorized, do(r, "/tenant/whoami", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/tenant/whoami", "forged").Code)

	w := do(r, "/tenant/whoami", "admin-t1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t1/u1", w.Body.String())
}

func TestRolesSeparateTenantsFromOperators(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusForbidden, do(r, "/ops/x", "admin-t1").Code)
	assert.Equal(t, http.StatusOK, do(r, "/ops/x", "operator").Code)
	assert.Equal(t, http.StatusForbidden, do(r, "/tenant/whoami", "operator").Code)
}

func TestRequireActiveBilling(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusOK, do(r, "/tenant/paid", "admin-t1").Code)
	assert.Equal(t, http.StatusPaymentRequired, do(r, "/tenant/paid", "admin-t2").Code)
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, do(newRouter(), "/panic", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.clinic.local"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.clinic.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.clinic.local", w.Header().Get("Access-Control-Allow-Origin"))
}

type countingLimiter struct {
	limit int64
	seen  map[string]int64
	err   error
}

func (l *countingLimiter) Allow(ctx context.Context, key string) (bool, int64, error) {
	if l.err != nil {
		return false, 0, l.err
	}
	l.seen[key]++
	remaining := l.limit - l.seen[key]
	if remaining < 0 {
		remaining = 0
	}
	return l.seen[key] <= l.limit, remaining, nil
}

func limitedRouter(l Limiter) *gin.Engine {
	auth := NewAuthMiddleware(testTokens)
	r := gin.New()
	g := r.Group("/tenant", auth.TenantAdmin()...)
	g.POST("/change", TenantRateLimit(l, zap.NewNop()), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func post(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTenantRateLimit(t *testing.T) {
	r := limitedRouter(&countingLimiter{limit: 1, seen: map[string]int64{}})

	first := post(r, "/tenant/change", "admin-t1")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusTooManyRequests, post(r, "/tenant/change", "admin-t1").Code)
	assert.Equal(t, http.StatusOK, post(r, "/tenant/change", "admin-t2").Code)
}

func TestTenantRateLimitFailsOpen(t *testing.T) {
	r := limitedRouter(&countingLimiter{err: errors.New("redis down")})

	assert.Equal(t, http.StatusOK, post(r, "/tenant/change", "admin-t1").Code)
}
