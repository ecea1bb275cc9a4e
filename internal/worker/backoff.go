package worker

import (
	"math"
	"strconv"
	"time"

	"github.com/hooksmith/webhook-engine/internal/config"
)

// BackoffPolicy computes the delay before a retry:
//
//	delay(attempt) = min(InitialDelay * Multiplier^(attempt-1), MaxDelay)
//
// The attempt argument is the number of attempts already made, so the delay
// after the first failure uses exponent zero.
type BackoffPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultBackoffPolicy mirrors the engine defaults: 60s initial, doubling,
// capped at one hour.
var DefaultBackoffPolicy = BackoffPolicy{
	InitialDelay: 60 * time.Second,
	Multiplier:   2,
	MaxDelay:     3600 * time.Second,
}

// PolicyFromConfig builds a backoff policy from the engine configuration.
func PolicyFromConfig(cfg *config.EngineConfig) BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: cfg.InitialDelay,
		Multiplier:   cfg.BackoffMultiplier,
		MaxDelay:     cfg.MaxDelay,
	}
}

// Delay returns the wait before the next attempt given the attempts made
// so far. Attempt counts below one are clamped to one.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d < 0 || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ParseRetryAfter parses a Retry-After header in its delay-seconds form.
// The HTTP-date form is not supported.
func ParseRetryAfter(retryAfter string) (time.Duration, bool) {
	if retryAfter == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
