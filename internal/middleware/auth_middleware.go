// internal/middleware/auth_middleware.go
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"clinic-billing-service/internal/pkg/jwt"
	"clinic-billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	ctxClaims   = "claims"
	ctxTenantID = "tenant_id"
	ctxSubject  = "subject"
	ctxRoles    = "roles"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*jwt.Claims, error)
}

// BillingGate answers whether a tenant may use paid features.
type BillingGate interface {
	HasActiveBilling(ctx context.Context, tenantID string) bool
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Auth is the base authentication middleware that validates JWT tokens
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, "missing authorization token", nil)
			return
		}

		claims, err := m.verifier.VerifyAccessToken(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", nil)
			return
		}

		c.Set(ctxClaims, claims)
		c.Set(ctxTenantID, claims.TenantID)
		c.Set(ctxSubject, claims.Subject)
		c.Set(ctxRoles, claims.Roles)

		c.Next()
	}
}

// RequireRole requires at least one of the given roles. MUST be used after Auth().
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			response.Error(c, http.StatusForbidden, "no roles found - authentication required", nil)
			return
		}

		if !claims.HasAnyRole(roles...) {
			err := errors.New("user does not have required role")
			response.Error(c, http.StatusForbidden, "insufficient permissions", err, map[string]interface{}{
				"required_roles": roles,
			})
			return
		}

		c.Next()
	}
}

// TenantAdmin returns the middlewares for tenant billing routes
func (m *AuthMiddleware) TenantAdmin() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(jwt.RoleTenantAdmin),
		requireTenant(),
	}
}

// OperatorOnly returns the middlewares for platform operator routes
func (m *AuthMiddleware) OperatorOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(jwt.RoleBillingOperator),
	}
}

func requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetTenantID(c) == "" {
			response.Forbidden(c, "token is not bound to a tenant")
			return
		}
		c.Next()
	}
}

// RequireActiveBilling blocks tenants whose billing is not ACTIVE. A lookup
// failure counts as inactive. MUST be used after Auth().
func RequireActiveBilling(gate BillingGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := GetTenantID(c)
		if tenantID == "" || !gate.HasActiveBilling(c.Request.Context(), tenantID) {
			response.PaymentRequired(c, "an active subscription is required")
			return
		}
		c.Next()
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return ""
}
