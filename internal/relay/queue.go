package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"blemesh-relay/internal/store"
)

// ErrTTLExceeded is returned when a relay message arrives with its hop budget
// already spent. The message is dropped, never queued.
var ErrTTLExceeded = errors.New("relay ttl exceeded")

// QueueStatistics is a read-only projection over the queue, recomputed on
// demand. SuccessRate comes from running counters, not from history.
type QueueStatistics struct {
	Pending     int     `json:"pending_messages"`
	Sending     int     `json:"sending_messages"`
	Retrying    int     `json:"retrying_messages"`
	Failed      int     `json:"failed_messages"`
	IsOnline    bool    `json:"is_online"`
	SuccessRate float64 `json:"success_rate"`
}

// Queue is the domain layer over the persistent message store. Every
// mutation bumps a monotonic revision counter that the status aggregator
// uses to detect change.
type Queue struct {
	store    store.Store
	events   *EventBus
	logger   *slog.Logger
	revision atomic.Uint64
	online   atomic.Bool

	statsMu sync.Mutex
	stats   store.DeliveryStats
}

// NewQueue creates a queue over st, loading persisted delivery counters.
func NewQueue(st store.Store, events *EventBus, logger *slog.Logger) (*Queue, error) {
	q := &Queue{
		store:  st,
		events: events,
		logger: logger.With("component", "queue"),
	}
	stats, err := st.GetDeliveryStats()
	switch {
	case err == nil:
		q.stats = *stats
	case errors.Is(err, store.ErrNotFound):
		// First run, counters start at zero.
	default:
		return nil, fmt.Errorf("load delivery stats: %w", err)
	}
	return q, nil
}

// Enqueue inserts a message with status pending and zero attempts. A missing
// id is assigned a fresh ULID. Relay messages whose hop budget is already
// spent are rejected with ErrTTLExceeded and never stored.
func (q *Queue) Enqueue(msg *store.QueuedMessage) (*store.QueuedMessage, error) {
	if msg.IsRelay && msg.Relay != nil && msg.Relay.HopCount+1 > msg.Relay.TTL {
		q.logger.Warn("dropping relay message, ttl exhausted",
			"id", msg.ID, "hops", msg.Relay.HopCount, "ttl", msg.Relay.TTL)
		q.events.Emit(Event{Type: EventMessageDropped, Data: map[string]interface{}{
			"id": msg.ID, "reason": "ttl_exceeded",
		}})
		return nil, ErrTTLExceeded
	}

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	msg.Status = store.StatusPending
	msg.Attempts = 0
	msg.NextRetryAt = nil
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now()
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = 3
	}

	if err := q.store.InsertMessage(msg); err != nil {
		return nil, err
	}
	q.bump()
	q.events.Emit(Event{Type: EventMessageEnqueued, Data: map[string]interface{}{
		"id": msg.ID, "recipient": msg.RecipientKey, "priority": msg.Priority.String(), "relay": msg.IsRelay,
	}})
	return msg, nil
}

// Get returns a message by id.
func (q *Queue) Get(id string) (*store.QueuedMessage, error) {
	return q.store.GetMessage(id)
}

// Remove deletes a message. Returns false if it did not exist.
func (q *Queue) Remove(id string) bool {
	if _, err := q.store.GetMessage(id); err != nil {
		return false
	}
	if err := q.store.DeleteMessage(id); err != nil {
		q.logger.Error("delete message", "err", err, "id", id)
		return false
	}
	q.bump()
	return true
}

// List returns all messages in the store.
func (q *Queue) List() ([]*store.QueuedMessage, error) {
	return q.store.ListMessages()
}

// ListByStatus returns messages with the given status.
func (q *Queue) ListByStatus(status store.MessageStatus) ([]*store.QueuedMessage, error) {
	all, err := q.store.ListMessages()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListReady returns pending messages plus retrying messages whose backoff
// has elapsed, ordered by (priority desc, queuedAt asc).
func (q *Queue) ListReady(now time.Time) ([]*store.QueuedMessage, error) {
	all, err := q.store.ListMessages()
	if err != nil {
		return nil, err
	}
	ready := all[:0]
	for _, m := range all {
		switch m.Status {
		case store.StatusPending:
			ready = append(ready, m)
		case store.StatusRetrying:
			if m.NextRetryAt != nil && !m.NextRetryAt.After(now) {
				ready = append(ready, m)
			}
		}
	}
	sortByDispatchOrder(ready)
	return ready, nil
}

// sortByDispatchOrder sorts by priority descending, then queue age ascending.
func sortByDispatchOrder(msgs []*store.QueuedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		return msgs[i].QueuedAt.Before(msgs[j].QueuedAt)
	})
}

// Update atomically applies fn to a message inside one store transaction.
func (q *Queue) Update(id string, fn func(m *store.QueuedMessage) error) error {
	if err := q.store.UpdateMessage(id, fn); err != nil {
		return err
	}
	q.bump()
	return nil
}

// UpdateStatus atomically sets status, attempts, and nextRetryAt.
func (q *Queue) UpdateStatus(id string, status store.MessageStatus, attempts int, nextRetryAt *time.Time) error {
	return q.Update(id, func(m *store.QueuedMessage) error {
		m.Status = status
		m.Attempts = attempts
		m.NextRetryAt = nextRetryAt
		return nil
	})
}

// Revision returns the monotonic mutation counter.
func (q *Queue) Revision() uint64 {
	return q.revision.Load()
}

func (q *Queue) bump() {
	q.revision.Add(1)
}

// SetOnline records whether at least one viable delivery path exists.
func (q *Queue) SetOnline(online bool) {
	if q.online.Swap(online) != online {
		q.bump()
	}
}

// Online reports the last recorded connectivity state.
func (q *Queue) Online() bool {
	return q.online.Load()
}

// RecordDelivered bumps the running delivered counter and persists it.
func (q *Queue) RecordDelivered() {
	q.statsMu.Lock()
	q.stats.Delivered++
	stats := q.stats
	q.statsMu.Unlock()
	if err := q.store.SaveDeliveryStats(&stats); err != nil {
		q.logger.Error("save delivery stats", "err", err)
	}
	q.bump()
}

// RecordFailed bumps the running permanent-failure counter and persists it.
func (q *Queue) RecordFailed() {
	q.statsMu.Lock()
	q.stats.Failed++
	stats := q.stats
	q.statsMu.Unlock()
	if err := q.store.SaveDeliveryStats(&stats); err != nil {
		q.logger.Error("save delivery stats", "err", err)
	}
	q.bump()
}

// Statistics recomputes the queue projection.
func (q *Queue) Statistics() QueueStatistics {
	var st QueueStatistics
	all, err := q.store.ListMessages()
	if err != nil {
		q.logger.Error("list messages for statistics", "err", err)
	}
	for _, m := range all {
		switch m.Status {
		case store.StatusPending:
			st.Pending++
		case store.StatusSending:
			st.Sending++
		case store.StatusRetrying:
			st.Retrying++
		case store.StatusFailed:
			st.Failed++
		}
	}
	st.IsOnline = q.online.Load()
	q.statsMu.Lock()
	st.SuccessRate = q.stats.SuccessRate()
	q.statsMu.Unlock()
	return st
}
