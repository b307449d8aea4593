// internal/middleware/helpers.go
package middleware

import (
	"clinic-billing-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
)

// GetClaims returns the verified token claims
func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, exists := c.Get(ctxClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

// GetTenantID returns the caller's tenant, empty for operators
func GetTenantID(c *gin.Context) string {
	return c.GetString(ctxTenantID)
}

// GetSubject returns the caller's user or operator id
func GetSubject(c *gin.Context) string {
	return c.GetString(ctxSubject)
}

// GetRoles gets user roles from context
func GetRoles(c *gin.Context) []string {
	return c.GetStringSlice(ctxRoles)
}
