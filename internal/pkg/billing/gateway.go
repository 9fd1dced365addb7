package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/env"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/metrics"
)

const defaultGatewayBaseURL = "https://api.paystack.co"

// Gateway is the outbound side of the payment provider plus inbound
// signature validation. Failed calls return *GatewayError.
type Gateway interface {
	CreateSubscription(ctx context.Context, customerRef, planCode string, startAt *time.Time) (*GatewaySubscription, error)
	CancelSubscription(ctx context.Context, code, emailToken string) error
	EnableSubscription(ctx context.Context, code, emailToken string) error
	VerifyTransaction(ctx context.Context, reference string) (*GatewayTransaction, error)
	VerifySignature(payload []byte, signature string) bool
}

// GatewaySubscription is the gateway's view of a subscription.
type GatewaySubscription struct {
	Code            string     `json:"subscription_code"`
	EmailToken      string     `json:"email_token"`
	Status          string     `json:"status"`
	NextPaymentDate *time.Time `json:"next_payment_date"`
}

// GatewayTransaction is the gateway's view of a charge.
type GatewayTransaction struct {
	Reference string     `json:"reference"`
	Status    string     `json:"status"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	PaidAt    *time.Time `json:"paid_at"`
}

// HTTPGateway talks to a Paystack-compatible REST API.
type HTTPGateway struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string

	HTTPClient *http.Client
}

// NewGatewayFromEnv builds the client from GATEWAY_* variables. Without a
// secret key outbound calls fail with ErrGatewayDisabled.
func NewGatewayFromEnv() *HTTPGateway {
	secretKey := strings.TrimSpace(env.GetEnv("GATEWAY_SECRET_KEY", ""))
	webhookSecret := strings.TrimSpace(env.GetEnv("GATEWAY_WEBHOOK_SECRET", ""))
	if webhookSecret == "" {
		// Paystack signs webhooks with the API secret key.
		webhookSecret = secretKey
	}
	timeout := env.GetEnvInt("GATEWAY_TIMEOUT_SECONDS", 10)
	if timeout <= 0 {
		timeout = 10
	}

	return &HTTPGateway{
		BaseURL:       strings.TrimRight(strings.TrimSpace(env.GetEnv("GATEWAY_BASE_URL", defaultGatewayBaseURL)), "/"),
		SecretKey:     secretKey,
		WebhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

func (g *HTTPGateway) VerifySignature(payload []byte, signature string) bool {
	return VerifyWebhookSignature(payload, signature, g.WebhookSecret)
}

func (g *HTTPGateway) CreateSubscription(ctx context.Context, customerRef, planCode string, startAt *time.Time) (*GatewaySubscription, error) {
	if strings.TrimSpace(customerRef) == "" || strings.TrimSpace(planCode) == "" {
		return nil, &GatewayError{Op: "create_subscription", Err: errors.New("customer and plan are required")}
	}
	body := map[string]interface{}{
		"customer": customerRef,
		"plan":     planCode,
	}
	if startAt != nil {
		body["start_date"] = startAt.UTC().Format(time.RFC3339)
	}
	var out GatewaySubscription
	if err := g.do(ctx, "create_subscription", http.MethodPost, "/subscription", body, &out); err != nil {
		return nil, err
	}
	if out.Code == "" {
		return nil, &GatewayError{Op: "create_subscription", Err: errors.New("response missing subscription_code")}
	}
	return &out, nil
}

func (g *HTTPGateway) CancelSubscription(ctx context.Context, code, emailToken string) error {
	return g.do(ctx, "cancel_subscription", http.MethodPost, "/subscription/disable", map[string]string{
		"code":  code,
		"token": emailToken,
	}, nil)
}

func (g *HTTPGateway) EnableSubscription(ctx context.Context, code, emailToken string) error {
	return g.do(ctx, "enable_subscription", http.MethodPost, "/subscription/enable", map[string]string{
		"code":  code,
		"token": emailToken,
	}, nil)
}

func (g *HTTPGateway) VerifyTransaction(ctx context.Context, reference string) (*GatewayTransaction, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, &GatewayError{Op: "verify_transaction", Err: errors.New("reference is required")}
	}
	var out GatewayTransaction
	if err := g.do(ctx, "verify_transaction", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type gatewayEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "permanent"
			if IsTransient(err) {
				outcome = "transient"
			}
		}
		metrics.GatewayCallsTotal.WithLabelValues(op, outcome).Inc()
	}()

	if strings.TrimSpace(g.SecretKey) == "" {
		return &GatewayError{Op: op, Err: ErrGatewayDisabled}
	}

	var reader io.Reader
	if body != nil {
		raw, mErr := json.Marshal(body)
		if mErr != nil {
			return &GatewayError{Op: op, Err: mErr}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+g.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		// Timeouts, resets and DNS failures are all worth another attempt.
		return &GatewayError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Transient: true, Err: fmt.Errorf("body=%s", string(raw))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("body=%s", string(raw))}
	}

	var envelope gatewayEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !envelope.Status {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(envelope.Message)}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}
