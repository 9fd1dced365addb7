package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &HTTPGateway{
		BaseURL:       srv.URL,
		SecretKey:     "sk_test",
		WebhookSecret: "whsec",
		HTTPClient:    &http.Client{Timeout: 2 * time.Second},
	}
}

func TestHTTPGatewayCreateSubscription(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscription", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CUS_1", body["customer"])
		assert.Equal(t, "PLN_1", body["plan"])

		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"subscription_code":"SUB_1","email_token":"tok","status":"active"}}`))
	})

	sub, err := gw.CreateSubscription(context.Background(), "CUS_1", "PLN_1", nil)
	require.NoError(t, err)
	assert.Equal(t, "SUB_1", sub.Code)
	assert.Equal(t, "tok", sub.EmailToken)
}

func TestHTTPGatewayClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: `oops`, transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `slow down`, transient: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"status":false,"message":"invalid"}`, transient: false},
		{name: "status false", status: http.StatusOK, body: `{"status":false,"message":"Subscription not found"}`, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := gw.CancelSubscription(context.Background(), "SUB_1", "tok")
			require.Error(t, err)
			var ge *GatewayError
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, "cancel_subscription", ge.Op)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestHTTPGatewayTimeoutIsTransient(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"status":true}`))
	})
	gw.HTTPClient.Timeout = 20 * time.Millisecond

	_, err := gw.VerifyTransaction(context.Background(), "R1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPGatewayVerifyTransaction(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/R1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"reference":"R1","status":"success","amount":500000,"currency":"NGN"}}`))
	})

	tx, err := gw.VerifyTransaction(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "success", tx.Status)
	assert.EqualValues(t, 500000, tx.Amount)
}

func TestHTTPGatewayWithoutSecretKey(t *testing.T) {
	gw := &HTTPGateway{BaseURL: "http://127.0.0.1:1", HTTPClient: http.DefaultClient}

	err := gw.EnableSubscription(context.Background(), "SUB_1", "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGatewayDisabled))
	assert.False(t, IsTransient(err))
}

func TestHTTPGatewayVerifySignature(t *testing.T) {
	gw := &HTTPGateway{WebhookSecret: "whsec"}
	payload := []byte(`{"event":"charge.success","data":{}}`)

	assert.True(t, gw.VerifySignature(payload, SignWebhookPayload(payload, "whsec")))
	assert.False(t, gw.VerifySignature(payload, SignWebhookPayload(payload, "nope")))
}
