package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"blemesh-relay/internal/store"
	"blemesh-relay/internal/transport"
)

// attemptTimeout bounds one delivery attempt. A timeout is treated as a
// transport failure and routed through the normal retry path so the
// single-flight slot is never held indefinitely.
const attemptTimeout = 8 * time.Second

// attempt tracks one in-flight delivery. The generation number guards
// against stale completions: a completion whose generation no longer
// matches the registered attempt is ignored.
type attempt struct {
	gen    uint64
	cancel context.CancelFunc
}

// Coordinator drains the queue against available connections. It is the
// single point of truth for status transitions out of pending/retrying,
// and guarantees at most one in-flight attempt per message id.
type Coordinator struct {
	queue  *Queue
	conn   transport.ConnectionProvider
	retry  RetryPolicy
	events *EventBus
	logger *slog.Logger

	inflightMu sync.Mutex
	inflight   map[string]*attempt
	nextGen    atomic.Uint64

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a delivery coordinator. Call Start to begin the
// dispatch loop.
func NewCoordinator(queue *Queue, conn transport.ConnectionProvider, retry RetryPolicy, events *EventBus, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		queue:    queue,
		conn:     conn,
		retry:    retry,
		events:   events,
		logger:   logger.With("component", "delivery"),
		inflight: make(map[string]*attempt),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	conn.OnConnectivityChange(func(online bool, peerCount int) {
		c.queue.SetOnline(online)
		c.events.Emit(Event{Type: EventConnectivity, Data: map[string]interface{}{
			"online": online, "peers": peerCount,
		}})
		if online {
			c.Wake()
		}
	})
	return c
}

// Start launches the dispatch loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop cancels the dispatch loop and all in-flight attempts, then waits.
func (c *Coordinator) Stop() {
	c.cancel()
	c.inflightMu.Lock()
	for id, a := range c.inflight {
		a.cancel()
		delete(c.inflight, id)
	}
	c.inflightMu.Unlock()
	c.wg.Wait()
}

// Wake nudges the dispatch loop to run a pass. Never blocks.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := c.dispatchPass(time.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		case <-timer.C:
		}
	}
}

// dispatchPass offers every ready message to the transport in (priority
// desc, queuedAt asc) order and returns the earliest future retry time, or
// zero when nothing is scheduled.
func (c *Coordinator) dispatchPass(now time.Time) time.Time {
	ready, err := c.queue.ListReady(now)
	if err != nil {
		c.logger.Error("list ready", "err", err)
		return time.Time{}
	}
	for _, m := range ready {
		c.tryDispatch(m)
	}

	// Earliest pending backoff deadline decides the next timer wake.
	var next time.Time
	retrying, err := c.queue.ListByStatus(store.StatusRetrying)
	if err != nil {
		return next
	}
	for _, m := range retrying {
		// Deadlines already in the past belong to messages waiting on
		// connectivity; those are dispatched on the next wake, not by timer.
		if m.NextRetryAt == nil || !m.NextRetryAt.After(now) {
			continue
		}
		if next.IsZero() || m.NextRetryAt.Before(next) {
			next = *m.NextRetryAt
		}
	}
	return next
}

// tryDispatch starts a delivery attempt for one ready message if its
// single-flight slot is free and a viable connection exists.
func (c *Coordinator) tryDispatch(m *store.QueuedMessage) {
	// TTL guard: forwarding this relay message would exceed its hop budget.
	if m.IsRelay && m.Relay != nil && m.Relay.HopCount+1 > m.Relay.TTL {
		c.dropExpiredRelay(m)
		return
	}

	if !c.conn.IsViable(m.RecipientKey) {
		return
	}

	c.inflightMu.Lock()
	if _, busy := c.inflight[m.ID]; busy {
		c.inflightMu.Unlock()
		return
	}
	gen := c.nextGen.Add(1)
	attemptCtx, attemptCancel := context.WithTimeout(c.ctx, attemptTimeout)
	c.inflight[m.ID] = &attempt{gen: gen, cancel: attemptCancel}
	c.inflightMu.Unlock()

	attempts := m.Attempts + 1
	err := c.queue.UpdateStatus(m.ID, store.StatusSending, attempts, nil)
	if err != nil {
		// Message vanished between listing and dispatch.
		c.clearInflight(m.ID, gen)
		attemptCancel()
		return
	}

	id, recipient, payload := m.ID, m.RecipientKey, m.Content
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer attemptCancel()
		sendErr := c.conn.Send(attemptCtx, recipient, payload)
		if sendErr != nil && errors.Is(sendErr, context.DeadlineExceeded) {
			c.logger.Warn("delivery attempt timed out", "id", id, "timeout", attemptTimeout)
		}
		c.complete(id, gen, sendErr)
	}()
}

func (c *Coordinator) dropExpiredRelay(m *store.QueuedMessage) {
	c.logger.Warn("dropping relay message, hop budget exhausted",
		"id", m.ID, "hops", m.Relay.HopCount, "ttl", m.Relay.TTL)
	c.queue.Remove(m.ID)
	c.events.Emit(Event{Type: EventMessageDropped, Data: map[string]interface{}{
		"id": m.ID, "reason": "ttl_exceeded",
	}})
}

// clearInflight releases the slot only if it still belongs to gen.
// Returns true when the caller owned the slot.
func (c *Coordinator) clearInflight(id string, gen uint64) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	a, ok := c.inflight[id]
	if !ok || a.gen != gen {
		return false
	}
	delete(c.inflight, id)
	return true
}

// complete applies the outcome of a delivery attempt. Stale completions
// (message removed, attempt superseded) are ignored.
func (c *Coordinator) complete(id string, gen uint64, sendErr error) {
	if !c.clearInflight(id, gen) {
		c.logger.Debug("ignoring stale completion", "id", id)
		return
	}

	m, err := c.queue.Get(id)
	if err != nil || m.Status != store.StatusSending {
		// Removed or force-transitioned while the attempt was in flight.
		return
	}

	if sendErr == nil {
		c.queue.RecordDelivered()
		c.queue.Remove(id)
		c.logger.Info("message delivered", "id", id, "attempts", m.Attempts)
		c.events.Emit(Event{Type: EventMessageDelivered, Data: map[string]interface{}{
			"id": id, "attempts": m.Attempts,
		}})
		return
	}

	if c.retry.ShouldGiveUp(m.Attempts, m.MaxRetries) {
		if err := c.queue.UpdateStatus(id, store.StatusFailed, m.Attempts, nil); err != nil {
			c.logger.Error("mark failed", "err", err, "id", id)
			return
		}
		c.queue.RecordFailed()
		c.logger.Warn("message failed permanently", "id", id, "attempts", m.Attempts, "err", sendErr)
		c.events.Emit(Event{Type: EventMessageFailed, Data: map[string]interface{}{
			"id": id, "attempts": m.Attempts,
		}})
		return
	}

	retryAt := time.Now().Add(c.retry.NextDelay(m.Attempts, m.Priority))
	if err := c.queue.UpdateStatus(id, store.StatusRetrying, m.Attempts, &retryAt); err != nil {
		c.logger.Error("schedule retry", "err", err, "id", id)
		return
	}
	c.logger.Info("delivery failed, retry scheduled",
		"id", id, "attempts", m.Attempts, "next_retry", retryAt, "err", sendErr)
	c.events.Emit(Event{Type: EventMessageRetrying, Data: map[string]interface{}{
		"id": id, "attempts": m.Attempts, "next_retry_at": retryAt,
	}})
	c.Wake()
}

// Enqueue adds a message to the queue and nudges the dispatch loop.
func (c *Coordinator) Enqueue(msg *store.QueuedMessage) (*store.QueuedMessage, error) {
	queued, err := c.queue.Enqueue(msg)
	if err != nil {
		return nil, err
	}
	c.Wake()
	return queued, nil
}

// RetryMessage re-admits a terminally failed message: status back to
// pending, attempts reset to zero, dispatched without waiting for backoff.
// Returns false when the id is unknown (including already delivered) or the
// message is not in the failed state.
func (c *Coordinator) RetryMessage(id string) bool {
	err := c.queue.Update(id, func(m *store.QueuedMessage) error {
		if m.Status != store.StatusFailed {
			return errors.New("not failed")
		}
		m.Status = store.StatusPending
		m.Attempts = 0
		m.NextRetryAt = nil
		return nil
	})
	if err != nil {
		return false
	}
	c.logger.Info("message re-admitted", "id", id)
	c.Wake()
	return true
}

// RetryAllMessages re-admits every failed message and returns the count.
// Messages in other states are untouched.
func (c *Coordinator) RetryAllMessages() int {
	failed, err := c.queue.ListByStatus(store.StatusFailed)
	if err != nil {
		c.logger.Error("list failed", "err", err)
		return 0
	}
	count := 0
	for _, m := range failed {
		if c.RetryMessage(m.ID) {
			count++
		}
	}
	return count
}

// SetPriority changes a message's dispatch ordering key. Refused (returns
// false) for unknown ids and for messages already sending: the in-flight
// attempt was ordered under the old priority and cannot be recalled.
func (c *Coordinator) SetPriority(id string, p store.MessagePriority) bool {
	err := c.queue.Update(id, func(m *store.QueuedMessage) error {
		if m.Status == store.StatusSending {
			return errors.New("message in flight")
		}
		m.Priority = p
		return nil
	})
	if err != nil {
		return false
	}
	c.events.Emit(Event{Type: EventPriorityChanged, Data: map[string]interface{}{
		"id": id, "priority": p.String(),
	}})
	c.Wake()
	return true
}

// RemoveMessage cancels any in-flight attempt and deletes the message.
// Idempotent: a second call returns false, never errors.
func (c *Coordinator) RemoveMessage(id string) bool {
	c.inflightMu.Lock()
	if a, ok := c.inflight[id]; ok {
		a.cancel()
		delete(c.inflight, id)
	}
	c.inflightMu.Unlock()

	removed := c.queue.Remove(id)
	if removed {
		c.events.Emit(Event{Type: EventMessageRemoved, Data: map[string]interface{}{"id": id}})
	}
	return removed
}

// InflightCount reports how many attempts are currently unresolved.
func (c *Coordinator) InflightCount() int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return len(c.inflight)
}
