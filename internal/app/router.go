// internal/app/router.go
package app

import (
	"net/http"
	"time"

	adminHandler "clinic-billing-service/internal/handlers/admin"
	billingHandler "clinic-billing-service/internal/handlers/billing"
	webhookHandler "clinic-billing-service/internal/handlers/webhook"
	wsHandler "clinic-billing-service/internal/handlers/websocket"
	"clinic-billing-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const version = "1.0.0"

type Handlers struct {
	BillingHandler *billingHandler.BillingHandler
	AdminHandler   *adminHandler.AdminHandler
	WebhookHandler *webhookHandler.WebhookHandler
	WSHandler      *wsHandler.WebSocketHandler
	AuthMiddleware *middleware.AuthMiddleware
	BillingGate    middleware.BillingGate
	Health         HealthChecker

	// MutationLimiter is nil when no shared store backs it
	MutationLimiter middleware.Limiter
	Logger          *zap.Logger
}

func SetupRouter(r *gin.Engine, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		checks, healthy := h.Health.Check(c.Request.Context())
		status := http.StatusOK
		state := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "version": version, "checks": checks, "time": time.Now().UTC()})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)

	// ==================== Provider Webhooks ====================
	api.POST("/webhooks/paypal", h.WebhookHandler.PayPal)

	// ==================== Tenant Billing ====================
	tenant := api.Group("/billing", h.AuthMiddleware.TenantAdmin()...)
	{
		tenant.GET("/plan", h.BillingHandler.GetPlan)
		tenant.GET("/status", h.BillingHandler.GetStatus)
		tenant.GET("/access", middleware.RequireActiveBilling(h.BillingGate), h.BillingHandler.CheckAccess)

		subscription := tenant.Group("/subscription")
		if h.MutationLimiter != nil {
			subscription.Use(middleware.TenantRateLimit(h.MutationLimiter, h.Logger))
		}
		subscription.POST("", h.BillingHandler.CreateSubscription)
		subscription.POST("/confirm", h.BillingHandler.ConfirmSubscription)
		subscription.POST("/upgrade", h.BillingHandler.Upgrade)
		subscription.POST("/downgrade", h.BillingHandler.Downgrade)
		subscription.POST("/cancel", h.BillingHandler.Cancel)
		subscription.POST("/resume", h.BillingHandler.Resume)
		subscription.DELETE("/pending-change", h.BillingHandler.WithdrawPendingChange)
	}

	// ==================== Operators ====================
	admin := api.Group("/admin/billing", h.AuthMiddleware.OperatorOnly()...)
	{
		admin.GET("/breaker", h.AdminHandler.GetBreaker)
		admin.GET("/audit", h.AdminHandler.ListAudit)
		admin.GET("/ws/stats", h.WSHandler.GetStats)

		tenants := admin.Group("/tenants/:tenant_id")
		tenants.GET("/plan", h.AdminHandler.GetTenantPlan)
		tenants.POST("/override", h.AdminHandler.Override)
		tenants.POST("/sync", h.AdminHandler.Sync)
	}
}
