package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"charge.success","data":{"reference":"R1"}}`)
	secret := "sk_test_secret"

	validSig := SignWebhookPayload(payload, secret)
	if !VerifyWebhookSignature(payload, validSig, secret) {
		t.Fatalf("expected signature to validate")
	}
	if !VerifyWebhookSignature(payload, strings.ToUpper(validSig), secret) {
		t.Fatalf("expected upper-case hex signature to validate")
	}
	if VerifyWebhookSignature(payload, validSig, "other-secret") {
		t.Fatalf("expected signature under another secret to fail")
	}
	if VerifyWebhookSignature([]byte(`{"event":"charge.success","data":{"reference":"R2"}}`), validSig, secret) {
		t.Fatalf("expected tampered payload to fail")
	}
	if VerifyWebhookSignature(payload, "not-hex", secret) {
		t.Fatalf("expected malformed signature to fail")
	}
	if VerifyWebhookSignature(payload, validSig, "") {
		t.Fatalf("expected empty secret to fail")
	}
	if VerifyWebhookSignature(payload, "", secret) {
		t.Fatalf("expected empty signature to fail")
	}
}

func TestVerifyWebhookSignatureRejectsSHA256(t *testing.T) {
	payload := []byte(`{"event":"charge.success","data":{}}`)
	secret := "sk_test_secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if VerifyWebhookSignature(payload, hex.EncodeToString(mac.Sum(nil)), secret) {
		t.Fatalf("expected sha256 signature to be rejected")
	}
}
