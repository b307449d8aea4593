// internal/handlers/billing/billing_handler.go
package billing

import (
	"context"
	"net/http"

	"clinic-billing-service/internal/domain/billing"
	"clinic-billing-service/internal/middleware"
	"clinic-billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// Subscriptions is the part of the orchestrator tenants reach.
type Subscriptions interface {
	Create(ctx context.Context, tenantID string, req billing.CreateSubscriptionRequest, actor string) (*billing.CheckoutResult, error)
	ConfirmActivation(ctx context.Context, tenantID, providerSubscriptionID, actor string) (*billing.Subscription, error)
	Upgrade(ctx context.Context, tenantID string, req billing.ChangePlanRequest, actor string) (*billing.PlanChangeResult, error)
	Downgrade(ctx context.Context, tenantID string, req billing.ChangePlanRequest, actor string) (*billing.PlanChangeResult, error)
	Cancel(ctx context.Context, tenantID string, req billing.CancelSubscriptionRequest, actor string) (*billing.Subscription, error)
	Resume(ctx context.Context, tenantID, actor string) (*billing.Subscription, error)
	WithdrawPendingChange(ctx context.Context, tenantID, actor string) (*billing.Subscription, error)
	GetPlanDetails(ctx context.Context, tenantID string) (*billing.PlanDetails, error)
}

// StatusReader is the billing status cache.
type StatusReader interface {
	GetBillingStatus(ctx context.Context, tenantID string) (billing.BillingStatus, error)
}

type BillingHandler struct {
	subscriptions Subscriptions
	status        StatusReader
}

func NewBillingHandler(subscriptions Subscriptions, status StatusReader) *BillingHandler {
	return &BillingHandler{
		subscriptions: subscriptions,
		status:        status,
	}
}

// CreateSubscription starts checkout and returns the approval URL
func (h *BillingHandler) CreateSubscription(c *gin.Context) {
	var req billing.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.subscriptions.Create(c.Request.Context(), middleware.GetTenantID(c), req, middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, "subscription created, awaiting approval", result)
}

// ConfirmSubscription activates after the user returns from the approval page
func (h *BillingHandler) ConfirmSubscription(c *gin.Context) {
	var req billing.ConfirmActivationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.subscriptions.ConfirmActivation(c.Request.Context(), middleware.GetTenantID(c), req.ProviderSubscriptionID, middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "subscription activated", result)
}

func (h *BillingHandler) Upgrade(c *gin.Context) {
	var req billing.ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.subscriptions.Upgrade(c.Request.Context(), middleware.GetTenantID(c), req, middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "upgrade requested", result)
}

func (h *BillingHandler) Downgrade(c *gin.Context) {
	var req billing.ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.subscriptions.Downgrade(c.Request.Context(), middleware.GetTenantID(c), req, middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "downgrade scheduled", result)
}

func (h *BillingHandler) Cancel(c *gin.Context) {
	var req billing.CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.subscriptions.Cancel(c.Request.Context(), middleware.GetTenantID(c), req, middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	message := "cancellation scheduled"
	if req.Immediate || result.CancellationEffectiveDate == nil {
		message = "subscription cancelled"
	}
	response.Success(c, http.StatusOK, message, result)
}

func (h *BillingHandler) Resume(c *gin.Context) {
	result, err := h.subscriptions.Resume(c.Request.Context(), middleware.GetTenantID(c), middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "subscription resumed", result)
}

func (h *BillingHandler) WithdrawPendingChange(c *gin.Context) {
	result, err := h.subscriptions.WithdrawPendingChange(c.Request.Context(), middleware.GetTenantID(c), middleware.GetSubject(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "pending change withdrawn", result)
}

func (h *BillingHandler) GetPlan(c *gin.Context) {
	result, err := h.subscriptions.GetPlanDetails(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "plan details retrieved", result)
}

// GetStatus answers from the status cache
func (h *BillingHandler) GetStatus(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	status, err := h.status.GetBillingStatus(c.Request.Context(), tenantID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "billing status retrieved", billing.StatusResponse{
		TenantID:         tenantID,
		BillingStatus:    status,
		HasActiveBilling: status.GrantsAccess(),
	})
}

// CheckAccess answers 200 once RequireActiveBilling has let the caller through.
// Other platform services probe it before serving admin features.
func (h *BillingHandler) CheckAccess(c *gin.Context) {
	response.Success(c, http.StatusOK, "billing active", gin.H{
		"tenant_id":  middleware.GetTenantID(c),
		"has_access": true,
	})
}
