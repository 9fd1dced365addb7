package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced subscription, plan, payment,
	// organization or webhook event does not exist.
	ErrNotFound = errors.New("billing: record not found")
	// ErrConflict is returned when a versioned update lost a concurrent race.
	ErrConflict = errors.New("billing: concurrent modification")
	// ErrInvariantViolation is returned when a mutation would break a ledger
	// invariant, e.g. a second live subscription for one organization.
	ErrInvariantViolation = errors.New("billing: invariant violation")
	// ErrInvalidSignature is returned for webhook payloads whose HMAC does not match.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrInvalidTransition is returned when a trigger is not allowed from the current status.
	ErrInvalidTransition = errors.New("billing: invalid status transition")
	// ErrGatewayDisabled is returned by the gateway client when no secret key is configured.
	ErrGatewayDisabled = errors.New("billing: payment gateway not configured")
)

// ValidationError marks input that can never succeed, no matter how often it
// is retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func newValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// GatewayError wraps a failed outbound gateway call. Transient errors
// (timeouts, 429, 5xx) may succeed on a later attempt.
type GatewayError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s failed: status=%d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Transient
	}
	return false
}
