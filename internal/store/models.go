package store

import (
	"fmt"
	"time"
)

// MessagePriority orders messages within the ready set. Higher values are
// serviced first.
type MessagePriority int

const (
	PriorityLow MessagePriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the wire/JSON name of the priority.
func (p MessagePriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to a MessagePriority.
func ParsePriority(s string) (MessagePriority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// MessageStatus is the lifecycle state of a queued message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusRetrying  MessageStatus = "retrying"
	StatusFailed    MessageStatus = "failed"
	StatusDelivered MessageStatus = "delivered"
)

// RelayMetadata is present on messages this node forwards on behalf of
// another originator. HopCount must never exceed TTL.
type RelayMetadata struct {
	HopCount int `json:"hop_count"`
	TTL      int `json:"ttl"`
}

// QueuedMessage is a durable outbound or relay message record.
// Content is opaque: encryption happens before the payload reaches the queue.
type QueuedMessage struct {
	ID           string          `json:"id"`
	RecipientKey string          `json:"recipient_key"`
	Content      []byte          `json:"content"`
	Priority     MessagePriority `json:"priority"`
	Status       MessageStatus   `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxRetries   int             `json:"max_retries"`
	QueuedAt     time.Time       `json:"queued_at"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	IsRelay      bool            `json:"is_relay"`
	Relay        *RelayMetadata  `json:"relay,omitempty"`
}

// DeliveryStats holds the running outcome counters used to derive the
// historical success rate. Maintained incrementally, never recomputed
// from full history.
type DeliveryStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// SuccessRate returns delivered/(delivered+failed), or 1 when no message
// has reached a terminal state yet.
func (s DeliveryStats) SuccessRate() float64 {
	total := s.Delivered + s.Failed
	if total == 0 {
		return 1
	}
	return float64(s.Delivered) / float64(total)
}
