// internal/pkg/jwt/claims.go
package jwt

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleTenantAdmin     = "tenant_admin"
	RoleBillingOperator = "billing_operator"

	PurposeAccess = "access"
)

// Claims carries the caller's tenant and roles. Subject is the user or operator id.
type Claims struct {
	TenantID       string   `json:"tenant_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	SessionPurpose string   `json:"session_purpose"`
	jwt.RegisteredClaims
}

// HasRole checks if the claims contain a specific role
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// HasAnyRole checks if the claims contain any of the given roles
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// IsOperator reports platform billing operators, who act across tenants.
func (c *Claims) IsOperator() bool {
	return c.HasRole(RoleBillingOperator)
}

// VerifyAudience checks if the expected audience is listed in the claims.
func (c *Claims) VerifyAudience(audience string, required bool) bool {
	if len(c.Audience) == 0 {
		return !required
	}
	return slices.Contains(c.Audience, audience)
}
