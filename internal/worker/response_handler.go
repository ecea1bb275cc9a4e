package worker

import (
	"fmt"
	"time"
)

// Outcome is the decision after one delivery attempt.
type Outcome struct {
	// Success means a 2xx response was received.
	Success bool

	// Retry schedules another attempt at NextAttemptAt. When both Success
	// and Retry are false the failure is permanent.
	Retry         bool
	NextAttemptAt time.Time

	ErrorMessage *string
}

// EvaluateResult maps an attempt result onto the delivery state machine.
// attempts is the count including the attempt just made; maxRetries is the
// effective limit for the subscription.
//
//   - 2xx → success
//   - anything else (non-2xx, network error, timeout) → retry with backoff
//     while attempts remain, otherwise permanent failure
//   - 429 honors a Retry-After delay-seconds header, capped at the policy
//     maximum
func EvaluateResult(res *Result, attempts, maxRetries int, policy BackoffPolicy, now time.Time) Outcome {
	if res.Err != nil {
		return retryOrFail(fmt.Sprintf("network error: %v", res.Err), attempts, maxRetries, policy.Delay(attempts), now)
	}

	if res.StatusCode == nil {
		return retryOrFail("no HTTP status code received", attempts, maxRetries, policy.Delay(attempts), now)
	}

	code := *res.StatusCode

	if code >= 200 && code < 300 {
		return Outcome{Success: true}
	}

	if code == 429 {
		delay := policy.Delay(attempts)
		if ra, ok := ParseRetryAfter(res.RetryAfter); ok && ra > 0 {
			delay = ra
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
		return retryOrFail("rate limited (429)", attempts, maxRetries, delay, now)
	}

	return retryOrFail(fmt.Sprintf("HTTP %d", code), attempts, maxRetries, policy.Delay(attempts), now)
}

func retryOrFail(errMsg string, attempts, maxRetries int, delay time.Duration, now time.Time) Outcome {
	if attempts >= maxRetries {
		msg := fmt.Sprintf("max retries exhausted: %s", errMsg)
		return Outcome{ErrorMessage: &msg}
	}
	return Outcome{
		Retry:         true,
		NextAttemptAt: now.Add(delay),
		ErrorMessage:  &errMsg,
	}
}
