//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/store"
)

type stubConn struct{}

func (stubConn) IsViable(string) bool                              { return false }
func (stubConn) Send(context.Context, string, []byte) error        { return nil }
func (stubConn) OnConnectivityChange(func(online bool, peers int)) {}

// newTestBridge builds a bridge over a real queue with no broker connection.
// Only the command-handling path is exercised; nothing is published.
func newTestBridge(t *testing.T) (*Bridge, *relay.Queue, *relay.Coordinator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	events := relay.NewEventBus(logger)
	queue, err := relay.NewQueue(db, events, logger)
	if err != nil {
		t.Fatal(err)
	}
	coord := relay.NewCoordinator(queue, stubConn{}, relay.DefaultRetryPolicy(), events, logger)
	t.Cleanup(coord.Stop)

	b := &Bridge{
		coord:  coord,
		events: events,
		prefix: "blemesh",
		logger: logger,
	}
	return b, queue, coord
}

func TestCommandSend(t *testing.T) {
	b, queue, _ := newTestBridge(t)

	b.handleCommand("send", []byte(`{"id":"msg-1","recipient":"peer-a","content":"hi","priority":"high"}`))

	msg, err := queue.Get("msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.RecipientKey != "peer-a" {
		t.Errorf("recipient = %q, want peer-a", msg.RecipientKey)
	}
	if msg.Priority != store.PriorityHigh {
		t.Errorf("priority = %v, want high", msg.Priority)
	}
}

func TestCommandSendValidation(t *testing.T) {
	b, queue, _ := newTestBridge(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `garbage`},
		{"missing recipient", `{"id":"msg-x","content":"hi"}`},
		{"bad priority", `{"id":"msg-x","recipient":"peer-a","priority":"extreme"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b.handleCommand("send", []byte(tt.payload))
			if _, err := queue.Get("msg-x"); err == nil {
				t.Error("expected message not to be enqueued")
			}
		})
	}
}

func TestCommandRetryAndRetryAll(t *testing.T) {
	b, queue, coord := newTestBridge(t)
	for _, id := range []string{"msg-1", "msg-2"} {
		if _, err := coord.Enqueue(&store.QueuedMessage{ID: id, RecipientKey: "peer-a"}); err != nil {
			t.Fatal(err)
		}
		err := queue.Update(id, func(m *store.QueuedMessage) error {
			m.Status = store.StatusFailed
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	b.handleCommand("retry", []byte(`{"id":"msg-1"}`))
	msg, err := queue.Get("msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusPending {
		t.Errorf("msg-1 status = %q, want pending", msg.Status)
	}

	b.handleCommand("retry-all", nil)
	msg, err = queue.Get("msg-2")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusPending {
		t.Errorf("msg-2 status = %q, want pending", msg.Status)
	}
}

func TestCommandRemove(t *testing.T) {
	b, queue, coord := newTestBridge(t)
	if _, err := coord.Enqueue(&store.QueuedMessage{ID: "msg-1", RecipientKey: "peer-a"}); err != nil {
		t.Fatal(err)
	}

	b.handleCommand("remove", []byte(`{"id":"msg-1"}`))

	if _, err := queue.Get("msg-1"); err == nil {
		t.Error("expected message to be removed")
	}
}

func TestCommandPriority(t *testing.T) {
	b, queue, coord := newTestBridge(t)
	if _, err := coord.Enqueue(&store.QueuedMessage{ID: "msg-1", RecipientKey: "peer-a"}); err != nil {
		t.Fatal(err)
	}

	b.handleCommand("priority", []byte(`{"id":"msg-1","priority":"urgent"}`))

	msg, err := queue.Get("msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Priority != store.PriorityUrgent {
		t.Errorf("priority = %v, want urgent", msg.Priority)
	}
}

func TestCommandTriggerScanWithoutScheduler(t *testing.T) {
	b, _, _ := newTestBridge(t)
	// Must not panic with no scan scheduler wired.
	b.handleCommand("trigger-scan", nil)
}

func TestCommandUnknown(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.handleCommand("self-destruct", nil)
}

func TestTopics(t *testing.T) {
	if got := bridgeStateTopic("blemesh"); got != "blemesh/bridge/state" {
		t.Errorf("bridge state topic = %q", got)
	}
	if got := statusTopic("blemesh"); got != "blemesh/status" {
		t.Errorf("status topic = %q", got)
	}
	if got := eventTopic("blemesh", "message_delivered"); got != "blemesh/events/message_delivered" {
		t.Errorf("event topic = %q", got)
	}
	if got := commandWildcard("blemesh"); got != "blemesh/command/+" {
		t.Errorf("command wildcard = %q", got)
	}
}

func TestCommandFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"blemesh/command/retry", "retry"},
		{"blemesh/command/retry-all", "retry-all"},
		{"blemesh/command/retry/extra", ""},
		{"blemesh/status", ""},
		{"other/command/retry", ""},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := commandFromTopic("blemesh", tt.topic); got != tt.want {
				t.Errorf("commandFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}
