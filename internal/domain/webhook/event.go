// internal/domain/webhook/event.go
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"
)

type EventType string

const (
	EventSubscriptionActivated EventType = "SUBSCRIPTION_ACTIVATED"
	EventSubscriptionCancelled EventType = "SUBSCRIPTION_CANCELLED"
	EventSubscriptionSuspended EventType = "SUBSCRIPTION_SUSPENDED"
	EventSubscriptionUpdated   EventType = "SUBSCRIPTION_UPDATED"
	EventPaymentCompleted      EventType = "PAYMENT_COMPLETED"
	EventUnknown               EventType = "UNKNOWN"
)

var providerEventTypes = map[string]EventType{
	"BILLING.SUBSCRIPTION.ACTIVATED": EventSubscriptionActivated,
	"BILLING.SUBSCRIPTION.CANCELLED": EventSubscriptionCancelled,
	"BILLING.SUBSCRIPTION.SUSPENDED": EventSubscriptionSuspended,
	"BILLING.SUBSCRIPTION.UPDATED":   EventSubscriptionUpdated,
	"PAYMENT.SALE.COMPLETED":         EventPaymentCompleted,

	string(EventSubscriptionActivated): EventSubscriptionActivated,
	string(EventSubscriptionCancelled): EventSubscriptionCancelled,
	string(EventSubscriptionSuspended): EventSubscriptionSuspended,
	string(EventSubscriptionUpdated):   EventSubscriptionUpdated,
	string(EventPaymentCompleted):      EventPaymentCompleted,
}

// NormalizeType maps a provider event name onto the types the service handles.
func NormalizeType(raw string) EventType {
	if t, ok := providerEventTypes[raw]; ok {
		return t
	}
	return EventUnknown
}

// Event is a parsed provider notification. Only its id outlives processing.
type Event struct {
	ID           string     `json:"id"`
	RawType      string     `json:"event_type"`
	Type         EventType  `json:"-"`
	ResourceType string     `json:"resource_type,omitempty"`
	CreateTime   *time.Time `json:"create_time,omitempty"`
	Resource     Resource   `json:"resource"`
	Raw          []byte     `json:"-"`
}

type Resource struct {
	ID                 string       `json:"id"`
	Status             string       `json:"status,omitempty"`
	State              string       `json:"state,omitempty"`
	PlanID             string       `json:"plan_id,omitempty"`
	CustomID           string       `json:"custom_id,omitempty"`
	Custom             string       `json:"custom,omitempty"`
	BillingAgreementID string       `json:"billing_agreement_id,omitempty"`
	StartTime          *time.Time   `json:"start_time,omitempty"`
	CreateTime         *time.Time   `json:"create_time,omitempty"`
	BillingInfo        *BillingInfo `json:"billing_info,omitempty"`
	Subscriber         *Subscriber  `json:"subscriber,omitempty"`
	Amount             *SaleAmount  `json:"amount,omitempty"`
}

type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type LastPayment struct {
	Amount Money      `json:"amount"`
	Time   *time.Time `json:"time,omitempty"`
}

type BillingInfo struct {
	NextBillingTime     *time.Time   `json:"next_billing_time,omitempty"`
	LastPayment         *LastPayment `json:"last_payment,omitempty"`
	FailedPaymentsCount int          `json:"failed_payments_count,omitempty"`
}

type Subscriber struct {
	EmailAddress string `json:"email_address,omitempty"`
}

// SaleAmount is the amount block of a payment sale resource.
type SaleAmount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

// Parse decodes a raw webhook body.
func Parse(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %v: %w", err, xerrors.ErrInvalidInput)
	}
	if evt.ID == "" || evt.RawType == "" {
		return nil, fmt.Errorf("webhook payload missing id or event_type: %w", xerrors.ErrInvalidInput)
	}
	evt.Type = NormalizeType(evt.RawType)
	evt.Raw = body
	return &evt, nil
}

// SubscriptionID is the provider subscription the event refers to. Payment
// resources carry it as billing_agreement_id.
func (e *Event) SubscriptionID() string {
	if e.Resource.BillingAgreementID != "" {
		return e.Resource.BillingAgreementID
	}
	if e.Type == EventPaymentCompleted {
		return ""
	}
	return e.Resource.ID
}

// TenantID resolves the tenant correlation carried in custom_id.
func (e *Event) TenantID() (string, bool) {
	if id, ok := billing.ParseCorrelationID(e.Resource.CustomID); ok {
		return id, true
	}
	return billing.ParseCorrelationID(e.Resource.Custom)
}

// Snapshot converts the resource into the provider view used by transitions.
func (e *Event) Snapshot() billing.RemoteSnapshot {
	snap := e.Resource.Snapshot()
	snap.ProviderSubscriptionID = e.SubscriptionID()
	if e.Type == EventPaymentCompleted && e.Resource.Amount != nil {
		snap.LastPaymentAmount = e.Resource.Amount.Total
		snap.LastPaymentCurrency = e.Resource.Amount.Currency
		snap.LastPaymentTime = e.Resource.CreateTime
		snap.Status = ""
	}
	return snap
}

// Snapshot reads a subscription resource, as delivered in webhooks and
// returned by the subscription details endpoint.
func (r Resource) Snapshot() billing.RemoteSnapshot {
	snap := billing.RemoteSnapshot{
		ProviderSubscriptionID: r.ID,
		Status:                 r.Status,
		PlanID:                 r.PlanID,
		CustomID:               r.CustomID,
		StartTime:              r.StartTime,
	}
	if r.BillingInfo != nil {
		snap.NextBillingTime = r.BillingInfo.NextBillingTime
		if lp := r.BillingInfo.LastPayment; lp != nil {
			snap.LastPaymentTime = lp.Time
			snap.LastPaymentAmount = lp.Amount.Value
			snap.LastPaymentCurrency = lp.Amount.CurrencyCode
		}
	}
	if r.Subscriber != nil {
		snap.PayerEmail = r.Subscriber.EmailAddress
	}
	return snap
}

// SignatureHeaders are the provider transmission headers used for verification.
type SignatureHeaders struct {
	TransmissionID   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
}

const (
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
)

func (h SignatureHeaders) Complete() bool {
	return h.TransmissionID != "" && h.TransmissionTime != "" && h.TransmissionSig != "" &&
		h.CertURL != "" && h.AuthAlgo != ""
}
