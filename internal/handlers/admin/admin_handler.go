// internal/handlers/admin/admin_handler.go
package admin

import (
	"context"
	"net/http"

	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/billing"
	"clinic-billing-service/internal/middleware"
	"clinic-billing-service/internal/pkg/breaker"
	"clinic-billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// Operator is the part of the orchestrator reserved for platform operators.
type Operator interface {
	ManualOverride(ctx context.Context, tenantID string, req billing.ManualOverrideRequest, operatorID string) (*billing.Subscription, error)
	SyncFromProvider(ctx context.Context, tenantID string) (*billing.Subscription, error)
	GetPlanDetails(ctx context.Context, tenantID string) (*billing.PlanDetails, error)
}

// AuditReader lists ledger entries.
type AuditReader interface {
	List(ctx context.Context, filters *audit.ListFilters) ([]*audit.Entry, error)
}

// BreakerReader exposes the provider circuit.
type BreakerReader interface {
	Snapshot() breaker.Snapshot
}

type AdminHandler struct {
	operator Operator
	audits   AuditReader
	breaker  BreakerReader
}

func NewAdminHandler(operator Operator, audits AuditReader, br BreakerReader) *AdminHandler {
	return &AdminHandler{
		operator: operator,
		audits:   audits,
		breaker:  br,
	}
}

// Override sets a tenant's tier without the provider
func (h *AdminHandler) Override(c *gin.Context) {
	var req billing.ManualOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.operator.ManualOverride(c.Request.Context(), c.Param("tenant_id"), req, middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "plan overridden", result)
}

// Sync re-reads the provider's view of a tenant's subscription
func (h *AdminHandler) Sync(c *gin.Context) {
	result, err := h.operator.SyncFromProvider(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "subscription synced", result)
}

func (h *AdminHandler) GetTenantPlan(c *gin.Context) {
	result, err := h.operator.GetPlanDetails(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "plan details retrieved", result)
}

func (h *AdminHandler) ListAudit(c *gin.Context) {
	var filters audit.ListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.ValidationError(c, "invalid query parameters", err)
		return
	}

	entries, err := h.audits.List(c.Request.Context(), &filters)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}

	response.Success(c, http.StatusOK, "audit entries retrieved", entries)
}

// GetBreaker reports the provider circuit state
func (h *AdminHandler) GetBreaker(c *gin.Context) {
	response.Success(c, http.StatusOK, "breaker state retrieved", h.breaker.Snapshot())
}
