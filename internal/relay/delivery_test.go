package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blemesh-relay/internal/store"
)

// fakeConn is an in-memory ConnectionProvider for coordinator tests.
type fakeConn struct {
	mu       sync.Mutex
	viable   map[string]bool
	sendHook func(ctx context.Context, to string, payload []byte) error
	started  chan string
	handler  func(online bool, peers int)
}

func newFakeConn() *fakeConn {
	return &fakeConn{viable: make(map[string]bool)}
}

func (f *fakeConn) IsViable(to string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viable[to]
}

func (f *fakeConn) setViable(to string, v bool) {
	f.mu.Lock()
	f.viable[to] = v
	f.mu.Unlock()
}

func (f *fakeConn) Send(ctx context.Context, to string, payload []byte) error {
	if f.started != nil {
		f.started <- to
	}
	f.mu.Lock()
	hook := f.sendHook
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, to, payload)
	}
	return nil
}

func (f *fakeConn) OnConnectivityChange(h func(online bool, peers int)) {
	f.handler = h
}

func newTestCoordinator(t *testing.T, conn *fakeConn) (*Coordinator, *Queue, *memStore, *EventBus) {
	t.Helper()
	logger := quietLogger()
	ms := newMemStore()
	events := NewEventBus(logger)
	q, err := NewQueue(ms, events, logger)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCoordinator(q, conn, DefaultRetryPolicy(), events, logger)
	t.Cleanup(c.Stop)
	return c, q, ms, events
}

// waitEvent subscribes to one event type and returns a receive channel.
func waitEvent(t *testing.T, events *EventBus, eventType string) <-chan Event {
	t.Helper()
	ch := make(chan Event, 8)
	unsub := events.On(eventType, func(e Event) { ch <- e })
	t.Cleanup(unsub)
	return ch
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestDeliverySuccessRemovesMessage(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	c, q, _, events := newTestCoordinator(t, conn)
	delivered := waitEvent(t, events, EventMessageDelivered)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1", Content: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	c.dispatchPass(time.Now())

	recvEvent(t, delivered)

	if _, err := q.Get("m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after delivery err = %v, want ErrNotFound", err)
	}
	if got := q.Statistics().SuccessRate; got != 1 {
		t.Errorf("success rate = %v, want 1", got)
	}
}

func TestFailureSchedulesRetryWithBackoff(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	conn.sendHook = func(ctx context.Context, to string, payload []byte) error {
		return errors.New("link lost")
	}
	c, q, _, events := newTestCoordinator(t, conn)
	retrying := waitEvent(t, events, EventMessageRetrying)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1", MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}
	c.dispatchPass(time.Now())
	recvEvent(t, retrying)

	m, err := q.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRetrying {
		t.Errorf("status = %q, want retrying", m.Status)
	}
	if m.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", m.Attempts)
	}
	if m.NextRetryAt == nil || !m.NextRetryAt.After(time.Now()) {
		t.Errorf("next_retry_at = %v, want future time", m.NextRetryAt)
	}
}

// expireBackoff forces a retrying message to be due immediately.
func expireBackoff(t *testing.T, q *Queue, id string) {
	t.Helper()
	past := time.Now().Add(-time.Second)
	err := q.Update(id, func(m *store.QueuedMessage) error {
		m.NextRetryAt = &past
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExhaustedRetriesBecomePermanentFailure(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	conn.sendHook = func(ctx context.Context, to string, payload []byte) error {
		return errors.New("link lost")
	}
	c, q, _, events := newTestCoordinator(t, conn)
	retrying := waitEvent(t, events, EventMessageRetrying)
	failed := waitEvent(t, events, EventMessageFailed)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1", Priority: store.PriorityUrgent, MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}

	// Attempts 1 and 2 fail and reschedule; attempt 3 exhausts the budget.
	for i := 0; i < 2; i++ {
		c.dispatchPass(time.Now())
		recvEvent(t, retrying)
		expireBackoff(t, q, "m1")
	}
	c.dispatchPass(time.Now())
	recvEvent(t, failed)

	m, err := q.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	if m.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", m.Attempts)
	}
	if m.Attempts > m.MaxRetries {
		t.Errorf("attempts %d exceeds maxRetries %d", m.Attempts, m.MaxRetries)
	}
	if got := q.Statistics().Failed; got != 1 {
		t.Errorf("failed count = %d, want 1", got)
	}

	// Manual retry re-admits with a clean slate.
	if !c.RetryMessage("m1") {
		t.Fatal("RetryMessage = false, want true")
	}
	m, err = q.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusPending {
		t.Errorf("status after retry = %q, want pending", m.Status)
	}
	if m.Attempts != 0 {
		t.Errorf("attempts after retry = %d, want 0", m.Attempts)
	}
}

func TestSingleFlightPerMessage(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	release := make(chan struct{})
	started := make(chan string, 4)
	conn.started = started
	conn.sendHook = func(ctx context.Context, to string, payload []byte) error {
		<-release
		return nil
	}
	c, _, _, _ := newTestCoordinator(t, conn)
	defer close(release)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1"}); err != nil {
		t.Fatal(err)
	}

	// Two concurrent passes over the same ready message must produce
	// exactly one attempt.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.dispatchPass(time.Now())
		}()
	}
	wg.Wait()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("no attempt started")
	}
	select {
	case <-started:
		t.Fatal("second concurrent attempt started for same message")
	case <-time.After(100 * time.Millisecond):
	}
	if got := c.InflightCount(); got != 1 {
		t.Errorf("inflight = %d, want 1", got)
	}
}

func TestRemoveCancelsInflightAndIgnoresStaleCompletion(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	release := make(chan error, 1)
	started := make(chan string, 1)
	conn.started = started
	conn.sendHook = func(ctx context.Context, to string, payload []byte) error {
		select {
		case err := <-release:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c, q, _, events := newTestCoordinator(t, conn)
	delivered := waitEvent(t, events, EventMessageDelivered)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1"}); err != nil {
		t.Fatal(err)
	}
	c.dispatchPass(time.Now())
	<-started

	if !c.RemoveMessage("m1") {
		t.Fatal("remove = false, want true")
	}
	if c.RemoveMessage("m1") {
		t.Error("second remove = true, want false")
	}

	// Let the in-flight attempt complete successfully; its completion is
	// stale and must not resurrect the message or count as delivered.
	release <- nil
	select {
	case <-delivered:
		t.Fatal("stale completion produced a delivered event")
	case <-time.After(200 * time.Millisecond):
	}
	if _, err := q.Get("m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("message still present after remove: err = %v", err)
	}
	if got := q.Statistics().SuccessRate; got != 1 {
		// No terminal outcome was recorded, so the rate stays at the
		// no-history default.
		t.Errorf("success rate = %v, want 1 (no history)", got)
	}
}

func TestAttemptTimeoutRoutesToRetry(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	conn.sendHook = func(ctx context.Context, to string, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c, q, _, events := newTestCoordinator(t, conn)
	retrying := waitEvent(t, events, EventMessageRetrying)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1", MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}

	// Cancel the attempt context directly instead of waiting out the real
	// 8s timeout: same code path, a ctx error from Send.
	c.dispatchPass(time.Now())
	c.inflightMu.Lock()
	for _, a := range c.inflight {
		a.cancel()
	}
	c.inflightMu.Unlock()

	recvEvent(t, retrying)
	m, err := q.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRetrying {
		t.Errorf("status = %q, want retrying", m.Status)
	}
}

func TestTTLExhaustedRelayDroppedAtDispatch(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	started := make(chan string, 1)
	conn.started = started
	c, q, ms, events := newTestCoordinator(t, conn)
	dropped := waitEvent(t, events, EventMessageDropped)

	// Insert directly into the store: a record whose hop budget was spent
	// after it was queued (e.g. a policy change) must still never be sent.
	err := ms.InsertMessage(&store.QueuedMessage{
		ID:           "relay",
		RecipientKey: "pk1",
		Status:       store.StatusPending,
		IsRelay:      true,
		Relay:        &store.RelayMetadata{HopCount: 3, TTL: 3},
		QueuedAt:     time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	c.dispatchPass(time.Now())
	recvEvent(t, dropped)

	select {
	case <-started:
		t.Fatal("expired relay message was sent")
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := q.Get("relay"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("dropped message still present: err = %v", err)
	}
}

func TestRetryAllOnlyAffectsFailed(t *testing.T) {
	conn := newFakeConn()
	c, q, _, _ := newTestCoordinator(t, conn)

	for _, id := range []string{"f1", "f2", "p1", "r1"} {
		if _, err := c.Enqueue(&store.QueuedMessage{ID: id, RecipientKey: "pk1"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.UpdateStatus("f1", store.StatusFailed, 3, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.UpdateStatus("f2", store.StatusFailed, 3, nil); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := q.UpdateStatus("r1", store.StatusRetrying, 1, &future); err != nil {
		t.Fatal(err)
	}

	if got := c.RetryAllMessages(); got != 2 {
		t.Errorf("retry all = %d, want 2", got)
	}

	for id, want := range map[string]store.MessageStatus{
		"f1": store.StatusPending,
		"f2": store.StatusPending,
		"p1": store.StatusPending,
		"r1": store.StatusRetrying,
	} {
		m, err := q.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != want {
			t.Errorf("%s status = %q, want %q", id, m.Status, want)
		}
	}
	m, _ := q.Get("r1")
	if m.Attempts != 1 {
		t.Errorf("r1 attempts = %d, want untouched 1", m.Attempts)
	}
}

func TestRetryMessageRejectsNonFailed(t *testing.T) {
	conn := newFakeConn()
	c, _, _, _ := newTestCoordinator(t, conn)

	if c.RetryMessage("missing") {
		t.Error("retry of unknown id = true, want false")
	}
	if _, err := c.Enqueue(&store.QueuedMessage{ID: "p1", RecipientKey: "pk1"}); err != nil {
		t.Fatal(err)
	}
	if c.RetryMessage("p1") {
		t.Error("retry of pending message = true, want false")
	}
}

func TestSetPriorityRules(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	release := make(chan struct{})
	started := make(chan string, 1)
	conn.started = started
	conn.sendHook = func(ctx context.Context, to string, payload []byte) error {
		<-release
		return nil
	}
	c, q, _, _ := newTestCoordinator(t, conn)
	defer close(release)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1", Priority: store.PriorityLow}); err != nil {
		t.Fatal(err)
	}

	if !c.SetPriority("m1", store.PriorityUrgent) {
		t.Error("set priority on pending = false, want true")
	}
	m, _ := q.Get("m1")
	if m.Priority != store.PriorityUrgent {
		t.Errorf("priority = %v, want urgent", m.Priority)
	}

	if c.SetPriority("missing", store.PriorityHigh) {
		t.Error("set priority on unknown id = true, want false")
	}

	// Once the message is in flight, reprioritization is refused.
	c.dispatchPass(time.Now())
	<-started
	if c.SetPriority("m1", store.PriorityLow) {
		t.Error("set priority on sending = true, want false")
	}
}

func TestNoDispatchWithoutViableConnection(t *testing.T) {
	conn := newFakeConn()
	started := make(chan string, 1)
	conn.started = started
	c, q, _, _ := newTestCoordinator(t, conn)

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1"}); err != nil {
		t.Fatal(err)
	}
	c.dispatchPass(time.Now())

	select {
	case <-started:
		t.Fatal("attempt started without viable connection")
	case <-time.After(100 * time.Millisecond):
	}
	m, _ := q.Get("m1")
	if m.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", m.Status)
	}
}

func TestConnectivityChangeUpdatesOnline(t *testing.T) {
	conn := newFakeConn()
	c, q, _, events := newTestCoordinator(t, conn)
	connectivity := waitEvent(t, events, EventConnectivity)

	if q.Online() {
		t.Error("queue online before any connectivity report")
	}
	conn.handler(true, 3)
	recvEvent(t, connectivity)
	if !q.Online() {
		t.Error("queue offline after online report")
	}
	_ = c
}

func TestDispatchLoopDeliversWhenDue(t *testing.T) {
	conn := newFakeConn()
	conn.setViable("pk1", true)
	c, q, _, events := newTestCoordinator(t, conn)
	delivered := waitEvent(t, events, EventMessageDelivered)

	c.Start()

	if _, err := c.Enqueue(&store.QueuedMessage{ID: "m1", RecipientKey: "pk1"}); err != nil {
		t.Fatal(err)
	}

	recvEvent(t, delivered)
	if _, err := q.Get("m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("message still present: err = %v", err)
	}
}
