package billing

import "time"

// BackoffPolicy decides how long a failed webhook event waits before the next
// retry pass may pick it up. attempt is the retry count after the failure (1-based).
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// NoBackoff makes failed events eligible on the very next retry pass.
type NoBackoff struct{}

func (NoBackoff) NextDelay(int) time.Duration { return 0 }

// FixedBackoff waits the same delay after every failure.
type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) NextDelay(int) time.Duration {
	if b.Delay < 0 {
		return 0
	}
	return b.Delay
}

// ExponentialBackoff waits Initial * Multiplier^(attempt-1), capped at Max.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if b.Max > 0 && delay >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(delay) > b.Max {
		return b.Max
	}
	return time.Duration(delay)
}

// BackoffFromConfig builds the exponential policy described by cfg. A zero
// base disables backoff.
func BackoffFromConfig(cfg Config) BackoffPolicy {
	if cfg.RetryBackoffBase <= 0 {
		return NoBackoff{}
	}
	if cfg.RetryBackoffMax > 0 && cfg.RetryBackoffMax <= cfg.RetryBackoffBase {
		return FixedBackoff{Delay: cfg.RetryBackoffBase}
	}
	return ExponentialBackoff{Initial: cfg.RetryBackoffBase, Max: cfg.RetryBackoffMax, Multiplier: 2}
}
