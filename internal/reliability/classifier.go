package reliability

import (
	"context"
	"time"
)

// KindForRealtimeMessageType maps websocket error message types from streaming speech
// providers onto the taxonomy.
func KindForRealtimeMessageType(messageType string) Kind {
	switch messageType {
	case "auth_error", "invalid_api_key", "unauthorized", "permission_denied":
		return KindUpstreamAuth
	case "rate_limited", "resource_exhausted", "quota_exceeded", "queue_overflow":
		return KindUpstreamThrottled
	case "input_error", "invalid_request":
		return KindInvalidInput
	default:
		return KindUpstreamUnavailable
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to attempts times while it fails with a retryable Kind.
// Waits between attempts follow ExponentialBackoff and stop early on ctx cancellation.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(ExponentialBackoff(attempt-1, base, cap))
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		kind := KindOf(err)
		if kind != KindUpstreamThrottled && kind != KindUpstreamUnavailable {
			return err
		}
	}
	return err
}
