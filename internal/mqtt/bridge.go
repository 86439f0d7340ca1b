//go:build !no_mqtt

// Package mqtt bridges the relay node to an MQTT broker: retained status
// snapshots, a per-event stream, and a small command surface so automations
// living outside the node (Home Assistant, Node-RED) can drive the queue.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/scan"
	"blemesh-relay/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the relay core to an MQTT broker.
type Bridge struct {
	client pahomqtt.Client
	coord  *relay.Coordinator
	status *relay.Aggregator
	events *relay.EventBus
	scan   *scan.Scheduler // nil when scanning is disabled
	prefix string
	logger *slog.Logger

	unsubEvents  func()
	unsubStatus  func()
	statusDone   chan struct{}
	statusClosed chan struct{}
}

// NewBridge creates and connects an MQTT bridge. The scan scheduler may be
// nil; scan commands are then ignored.
func NewBridge(coord *relay.Coordinator, status *relay.Aggregator, events *relay.EventBus, scanSched *scan.Scheduler, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:        coord,
		status:       status,
		events:       events,
		scan:         scanSched,
		prefix:       cfg.TopicPrefix,
		logger:       logger.With("component", "mqtt"),
		statusDone:   make(chan struct{}),
		statusClosed: make(chan struct{}),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("blemesh-relay").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeStateTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishStatus(b.status.Current())
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to relay events and status updates and begins publishing.
func (b *Bridge) Start() {
	b.unsubEvents = b.events.OnAll(b.handleEvent)

	ch, unsub := b.status.Subscribe()
	b.unsubStatus = unsub
	go func() {
		defer close(b.statusClosed)
		for {
			select {
			case st, ok := <-ch:
				if !ok {
					return
				}
				b.publishStatus(st)
			case <-b.statusDone:
				return
			}
		}
	}()

	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	close(b.statusDone)
	if b.unsubEvents != nil {
		b.unsubEvents()
	}
	if b.unsubStatus != nil {
		b.unsubStatus()
	}
	<-b.statusClosed
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event relay.Event) {
	b.publish(eventTopic(b.prefix, event.Type), mustJSON(event.Data), false)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(bridgeStateTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) publishStatus(st relay.MeshNetworkStatus) {
	b.publish(statusTopic(b.prefix), mustJSON(st), true)
}

func (b *Bridge) subscribeCommands() {
	topic := commandWildcard(b.prefix)
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(commandFromTopic(b.prefix, msg.Topic()), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

// sendCommand mirrors the HTTP enqueue body.
type sendCommand struct {
	ID         string `json:"id,omitempty"`
	Recipient  string `json:"recipient"`
	Content    string `json:"content"`
	Priority   string `json:"priority,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type idCommand struct {
	ID string `json:"id"`
}

type priorityCommand struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
}

func (b *Bridge) handleCommand(cmd string, payload []byte) {
	switch cmd {
	case "send":
		var req sendCommand
		if err := json.Unmarshal(payload, &req); err != nil || req.Recipient == "" {
			b.logger.Warn("invalid send command", "err", err)
			return
		}
		msg := &store.QueuedMessage{
			ID:           req.ID,
			RecipientKey: req.Recipient,
			Content:      []byte(req.Content),
			MaxRetries:   req.MaxRetries,
		}
		if req.Priority != "" {
			p, err := store.ParsePriority(req.Priority)
			if err != nil {
				b.logger.Warn("invalid send priority", "priority", req.Priority)
				return
			}
			msg.Priority = p
		}
		if _, err := b.coord.Enqueue(msg); err != nil {
			b.logger.Warn("mqtt enqueue failed", "err", err)
		}

	case "retry":
		var req idCommand
		if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
			b.logger.Warn("invalid retry command", "err", err)
			return
		}
		if !b.coord.RetryMessage(req.ID) {
			b.logger.Warn("mqtt retry refused", "id", req.ID)
		}

	case "retry-all":
		count := b.coord.RetryAllMessages()
		b.logger.Info("mqtt retry-all", "count", count)

	case "remove":
		var req idCommand
		if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
			b.logger.Warn("invalid remove command", "err", err)
			return
		}
		if !b.coord.RemoveMessage(req.ID) {
			b.logger.Warn("mqtt remove refused", "id", req.ID)
		}

	case "priority":
		var req priorityCommand
		if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
			b.logger.Warn("invalid priority command", "err", err)
			return
		}
		p, err := store.ParsePriority(req.Priority)
		if err != nil {
			b.logger.Warn("invalid priority value", "priority", req.Priority)
			return
		}
		if !b.coord.SetPriority(req.ID, p) {
			b.logger.Warn("mqtt priority refused", "id", req.ID)
		}

	case "trigger-scan":
		if b.scan == nil {
			b.logger.Warn("scan command with scanning disabled")
			return
		}
		b.scan.TriggerManualScan()

	default:
		b.logger.Warn("unknown mqtt command", "command", cmd)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
