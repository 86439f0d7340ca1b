package relay

import (
	"time"

	"blemesh-relay/internal/store"
)

// RetryPolicy computes retry delays. Stateless and deterministic: the same
// attempt count and priority always yield the same delay.
//
// The base delay is priority-scaled (urgent messages come back fastest) and
// doubles per attempt up to MaxDelay.
type RetryPolicy struct {
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used in production: backoff capped
// at 5 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxDelay: 5 * time.Minute}
}

// baseDelay returns the first-retry delay for a priority.
func baseDelay(p store.MessagePriority) time.Duration {
	switch p {
	case store.PriorityUrgent:
		return 2 * time.Second
	case store.PriorityHigh:
		return 5 * time.Second
	case store.PriorityNormal:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// NextDelay returns the delay before retry number attempts+1.
// attempts is the number of delivery attempts made so far and must be >= 1
// when a retry is being scheduled.
func (p RetryPolicy) NextDelay(attempts int, priority store.MessagePriority) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelay(priority)
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldGiveUp reports whether the attempt budget is exhausted.
func (p RetryPolicy) ShouldGiveUp(attempts, maxRetries int) bool {
	return attempts >= maxRetries
}
