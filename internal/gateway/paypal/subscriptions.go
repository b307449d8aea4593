// internal/gateway/paypal/subscriptions.go
package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"unicode/utf8"

	"clinic-billing-service/internal/domain/billing"
	"clinic-billing-service/internal/domain/webhook"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"go.uber.org/zap"
)

const subscriptionsPath = "/v1/billing/subscriptions"

type applicationContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type subscriptionResponse struct {
	webhook.Resource
	Links []link `json:"links"`
}

func (r subscriptionResponse) approvalURL() string {
	for _, l := range r.Links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

func subscriptionPath(id string, action string) string {
	p := subscriptionsPath + "/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// CreateSubscription creates the provider subscription and returns the URL the
// tenant must visit to approve it.
func (c *Client) CreateSubscription(ctx context.Context, planID, correlationID, returnURL, cancelURL string) (string, error) {
	req := map[string]interface{}{
		"plan_id":   planID,
		"custom_id": correlationID,
		"application_context": applicationContext{
			ReturnURL:  returnURL,
			CancelURL:  cancelURL,
			UserAction: "SUBSCRIBE_NOW",
		},
	}
	var resp subscriptionResponse
	status, err := c.call(ctx, "create_subscription", http.MethodPost, subscriptionsPath, req, &resp)
	if err != nil {
		return "", err
	}

	approval := resp.approvalURL()
	if approval == "" {
		return "", &xerrors.ProviderAPIError{
			Operation:  "create_subscription",
			StatusCode: status,
			Message:    "response carries no approval link",
		}
	}
	c.logger.Info("provider subscription created",
		zap.String("provider_subscription_id", resp.ID),
		zap.String("plan_id", planID),
		zap.String("custom_id", correlationID))
	return approval, nil
}

// RevisePlan moves the subscription to another plan. The returned approval
// URL is empty when the provider needs no payer approval.
func (c *Client) RevisePlan(ctx context.Context, providerSubscriptionID, planID, returnURL, cancelURL string) (string, error) {
	req := map[string]interface{}{
		"plan_id": planID,
		"application_context": applicationContext{
			ReturnURL: returnURL,
			CancelURL: cancelURL,
		},
	}
	var resp subscriptionResponse
	if _, err := c.call(ctx, "revise_plan", http.MethodPost, subscriptionPath(providerSubscriptionID, "revise"), req, &resp); err != nil {
		return "", err
	}
	return resp.approvalURL(), nil
}

func (c *Client) Suspend(ctx context.Context, providerSubscriptionID, reason string) error {
	_, err := c.call(ctx, "suspend", http.MethodPost, subscriptionPath(providerSubscriptionID, "suspend"),
		map[string]string{"reason": truncateReason(reason)}, nil)
	return err
}

// Reactivate resumes a suspended subscription. A cancelled or expired one is
// terminal at the provider and cannot come back.
func (c *Client) Reactivate(ctx context.Context, providerSubscriptionID, reason string) error {
	remote, err := c.VerifySubscription(ctx, providerSubscriptionID)
	if err != nil {
		return err
	}
	if st := billing.SubscriptionStatus(remote.Status); st.Terminal() {
		return &xerrors.InvalidStateError{
			Operation: "reactivate",
			Current:   remote.Status,
			Allowed:   []string{string(billing.StatusSuspended)},
		}
	}

	_, err = c.call(ctx, "reactivate", http.MethodPost, subscriptionPath(providerSubscriptionID, "activate"),
		map[string]string{"reason": truncateReason(reason)}, nil)
	return err
}

// VerifySubscription fetches the provider's current view of a subscription.
func (c *Client) VerifySubscription(ctx context.Context, providerSubscriptionID string) (*billing.RemoteSnapshot, error) {
	var resp subscriptionResponse
	if _, err := c.call(ctx, "verify_subscription", http.MethodGet, subscriptionPath(providerSubscriptionID, ""), nil, &resp); err != nil {
		return nil, err
	}
	snap := resp.Resource.Snapshot()
	if snap.ProviderSubscriptionID == "" {
		snap.ProviderSubscriptionID = providerSubscriptionID
	}
	return &snap, nil
}

type verifySignatureRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhookSignature asks the provider to verify a delivery. It reports
// true only on an explicit SUCCESS; every failure returns false with the reason.
func (c *Client) VerifyWebhookSignature(ctx context.Context, headers webhook.SignatureHeaders, rawBody []byte, webhookID string) (bool, error) {
	if webhookID == "" {
		return false, &xerrors.ConfigurationError{Message: "webhook id is not configured"}
	}
	if !headers.Complete() {
		return false, fmt.Errorf("missing transmission headers")
	}
	if !json.Valid(rawBody) {
		return false, fmt.Errorf("body is not valid JSON")
	}

	req := verifySignatureRequest{
		AuthAlgo:         headers.AuthAlgo,
		CertURL:          headers.CertURL,
		TransmissionID:   headers.TransmissionID,
		TransmissionSig:  headers.TransmissionSig,
		TransmissionTime: headers.TransmissionTime,
		WebhookID:        webhookID,
		WebhookEvent:     json.RawMessage(rawBody),
	}
	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := c.call(ctx, "verify_webhook_signature", http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &resp); err != nil {
		return false, err
	}
	if resp.VerificationStatus != "SUCCESS" {
		return false, fmt.Errorf("provider returned verification status %q", resp.VerificationStatus)
	}
	return true, nil
}

// truncateReason fits the provider's 128 byte limit without splitting a rune.
func truncateReason(reason string) string {
	const limit = 128
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
