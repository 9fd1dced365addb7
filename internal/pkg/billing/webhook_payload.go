package billing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Gateway event types.
const (
	EventSubscriptionCreate    = "subscription.create"
	EventSubscriptionEnable    = "subscription.enable"
	EventSubscriptionDisable   = "subscription.disable"
	EventSubscriptionNotRenew  = "subscription.not_renew"
	EventInvoiceCreate         = "invoice.create"
	EventInvoiceUpdate         = "invoice.update"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventChargeSuccess         = "charge.success"
	EventChargeFailed          = "charge.failed"
	EventIdentificationSuccess = "customeridentification.success"
	EventIdentificationFailed  = "customeridentification.failed"
)

const webhookEventKeyHashPrefix = "hash:"

// webhookEnvelope is the outer shape of every gateway notification.
type webhookEnvelope struct {
	Event string          `json:"event" validate:"required,max=100"`
	ID    string          `json:"id" validate:"max=191"`
	Data  json.RawMessage `json:"data" validate:"required"`
}

// parseWebhookEnvelope checks the structure shared by all events: a
// non-empty event name and a JSON object under data.
func parseWebhookEnvelope(v *validator.Validate, payload []byte) (*webhookEnvelope, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, newValidationError("payload", "invalid JSON: %v", err)
	}
	env.Event = strings.TrimSpace(env.Event)
	env.ID = strings.TrimSpace(env.ID)
	if err := v.Struct(env); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if trimmed := bytes.TrimSpace(env.Data); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, newValidationError("data", "must be a JSON object")
	}
	return &env, nil
}

// webhookEventKey is the deduplication key of a delivery: the gateway event
// id when the gateway sends one, otherwise a hash of the raw payload.
func webhookEventKey(env *webhookEnvelope, payload []byte) string {
	if env.ID != "" {
		return env.ID
	}
	sum := sha256.Sum256(payload)
	return webhookEventKeyHashPrefix + hex.EncodeToString(sum[:])
}

// gatewayTime accepts RFC 3339 timestamps, null and empty strings.
type gatewayTime struct {
	time.Time
}

func (t *gatewayTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported time %q", s)
}

// Ptr returns nil for the zero time.
func (t gatewayTime) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

type gatewayCustomer struct {
	CustomerCode string `json:"customer_code"`
	Email        string `json:"email"`
}

type gatewayPlan struct {
	PlanCode string `json:"plan_code"`
}

type subscriptionEventData struct {
	SubscriptionCode string          `json:"subscription_code" validate:"required,max=100"`
	EmailToken       string          `json:"email_token"`
	Status           string          `json:"status"`
	NextPaymentDate  gatewayTime     `json:"next_payment_date"`
	Plan             gatewayPlan     `json:"plan"`
	Customer         gatewayCustomer `json:"customer"`
}

type chargeEventData struct {
	Reference       string          `json:"reference" validate:"required,max=191"`
	Status          string          `json:"status"`
	Amount          int64           `json:"amount" validate:"gte=0"`
	Currency        string          `json:"currency" validate:"omitempty,len=3"`
	PaidAt          gatewayTime     `json:"paid_at"`
	GatewayResponse string          `json:"gateway_response"`
	Metadata        json.RawMessage `json:"metadata"`
	Customer        gatewayCustomer `json:"customer"`
	Plan            gatewayPlan     `json:"plan"`
	Authorization   struct {
		AuthorizationCode string `json:"authorization_code"`
	} `json:"authorization"`
}

type invoiceEventData struct {
	InvoiceCode  string          `json:"invoice_code" validate:"required,max=191"`
	Amount       int64           `json:"amount" validate:"gte=0"`
	Currency     string          `json:"currency" validate:"omitempty,len=3"`
	Status       string          `json:"status"`
	Paid         bool            `json:"paid"`
	PaidAt       gatewayTime     `json:"paid_at"`
	PeriodStart  gatewayTime     `json:"period_start"`
	PeriodEnd    gatewayTime     `json:"period_end"`
	Description  string          `json:"description"`
	Customer     gatewayCustomer `json:"customer"`
	Subscription struct {
		SubscriptionCode string      `json:"subscription_code"`
		Status           string      `json:"status"`
		NextPaymentDate  gatewayTime `json:"next_payment_date"`
	} `json:"subscription"`
	Transaction struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"transaction"`
}

// paymentReference is the idempotency key of the payment an invoice event
// refers to: its transaction reference, or the invoice code before a charge
// was attempted.
func (d *invoiceEventData) paymentReference() string {
	if ref := strings.TrimSpace(d.Transaction.Reference); ref != "" {
		return ref
	}
	return strings.TrimSpace(d.InvoiceCode)
}

type identificationEventData struct {
	CustomerCode   string `json:"customer_code" validate:"required,max=100"`
	Email          string `json:"email"`
	Reason         string `json:"reason"`
	Identification struct {
		Country string `json:"country"`
		Type    string `json:"type"`
		Value   string `json:"value"`
	} `json:"identification"`
}

// chargeMetadata is the subset of charge metadata used to find the local
// subscription. Paystack forwards metadata either as an object or as a JSON
// encoded string.
type chargeMetadata struct {
	SubscriptionCode string `json:"subscription_code"`
	SubscriptionID   string `json:"subscription_id"`
}

func parseChargeMetadata(raw json.RawMessage) chargeMetadata {
	var md chargeMetadata
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return md
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return md
		}
		raw = []byte(s)
	}
	_ = json.Unmarshal(raw, &md)
	md.SubscriptionCode = strings.TrimSpace(md.SubscriptionCode)
	md.SubscriptionID = strings.TrimSpace(md.SubscriptionID)
	return md
}

// decodeEventData unmarshals and validates the data object of an event.
func decodeEventData(v *validator.Validate, raw json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return newValidationError("data", "invalid event data: %v", err)
	}
	if err := v.Struct(out); err != nil {
		return &ValidationError{Field: "data", Reason: err.Error()}
	}
	return nil
}

// paymentStatusFromGateway maps gateway charge and invoice statuses onto the
// local payment statuses.
func paymentStatusFromGateway(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "successful", "paid":
		return models.PaymentStatusSuccessful
	case "failed", "declined":
		return models.PaymentStatusFailed
	case "abandoned", "cancelled":
		return models.PaymentStatusCancelled
	case "reversed", "refunded":
		return models.PaymentStatusRefunded
	default:
		return models.PaymentStatusPending
	}
}

// minorUnits converts an amount in the currency's minor unit (kobo, cents)
// into a decimal.
func minorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
