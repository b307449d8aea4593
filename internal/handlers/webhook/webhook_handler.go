// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"context"
	"io"
	"net/http"

	"clinic-billing-service/internal/domain/webhook"
	"clinic-billing-service/internal/pkg/response"
	webhooksvc "clinic-billing-service/internal/service/webhook"

	"github.com/gin-gonic/gin"
)

// maxBodyBytes bounds a single provider delivery.
const maxBodyBytes = 1 << 20

// Receiver accepts verified deliveries.
type Receiver interface {
	Receive(ctx context.Context, headers webhook.SignatureHeaders, rawBody []byte) (*webhooksvc.Receipt, error)
}

type WebhookHandler struct {
	receiver Receiver
}

func NewWebhookHandler(receiver Receiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// PayPal acknowledges a PayPal delivery once its signature is verified. The
// event itself is applied in the background.
func (h *WebhookHandler) PayPal(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "failed to read body", err)
		return
	}
	if len(raw) > maxBodyBytes {
		response.Error(c, http.StatusRequestEntityTooLarge, "payload too large", nil)
		return
	}

	headers := webhook.SignatureHeaders{
		TransmissionID:   c.GetHeader("PAYPAL-TRANSMISSION-ID"),
		TransmissionTime: c.GetHeader("PAYPAL-TRANSMISSION-TIME"),
		TransmissionSig:  c.GetHeader("PAYPAL-TRANSMISSION-SIG"),
		CertURL:          c.GetHeader("PAYPAL-CERT-URL"),
		AuthAlgo:         c.GetHeader("PAYPAL-AUTH-ALGO"),
	}

	receipt, err := h.receiver.Receive(c.Request.Context(), headers, raw)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "webhook received", receipt)
}
