package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Minute, Max: 10 * time.Minute, Multiplier: 2}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{50, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, b.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoff_DefaultsMultiplier(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Second}
	assert.Equal(t, 4*time.Second, b.NextDelay(3))
}

func TestFixedAndNoBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, FixedBackoff{Delay: 30 * time.Second}.NextDelay(7))
	assert.Equal(t, time.Duration(0), FixedBackoff{Delay: -time.Second}.NextDelay(1))
	assert.Equal(t, time.Duration(0), NoBackoff{}.NextDelay(3))
}

func TestBackoffFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.IsType(t, ExponentialBackoff{}, BackoffFromConfig(cfg))

	cfg.RetryBackoffBase = 0
	assert.IsType(t, NoBackoff{}, BackoffFromConfig(cfg))

	cfg.RetryBackoffBase = time.Hour
	cfg.RetryBackoffMax = time.Hour
	assert.Equal(t, FixedBackoff{Delay: time.Hour}, BackoffFromConfig(cfg))
}
