package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
)

// ErrSendRejected is returned when the bridge reports a failed delivery.
var ErrSendRejected = errors.New("bridge rejected send")

const maxLineLen = 64 * 1024

// command is a host -> bridge request, one JSON object per line.
type command struct {
	Op   string `json:"op"`
	Seq  uint32 `json:"seq,omitempty"`
	To   string `json:"to,omitempty"`
	Data string `json:"data,omitempty"` // base64 payload
}

// bridgeEvent is a bridge -> host notification, one JSON object per line.
type bridgeEvent struct {
	Ev         string   `json:"ev"`
	Seq        uint32   `json:"seq,omitempty"`
	OK         bool     `json:"ok,omitempty"`
	Error      string   `json:"error,omitempty"`
	PeerID     string   `json:"peer_id,omitempty"`
	RSSI       int      `json:"rssi,omitempty"`
	Viable     bool     `json:"viable,omitempty"`
	Online     bool     `json:"online,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Peers      []Peer   `json:"peers,omitempty"`
}

const (
	evAck  = "ack"
	evPeer = "peer"
	evLink = "link"
)

func encodeCommand(cmd command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeEvent(line []byte) (*bridgeEvent, error) {
	if len(line) == 0 || len(line) > maxLineLen {
		return nil, fmt.Errorf("event line length %d out of range", len(line))
	}
	var evt bridgeEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if evt.Ev == "" {
		return nil, fmt.Errorf("event missing ev field")
	}
	return &evt, nil
}

// SerialBridge implements ConnectionProvider and DiscoveryControl over a
// serial-attached BLE co-processor speaking newline-delimited JSON.
type SerialBridge struct {
	rw     io.ReadWriteCloser
	logger *slog.Logger

	seq     atomic.Uint32
	pending map[uint32]chan error
	pendMu  sync.Mutex
	writeMu sync.Mutex

	// Link state as last reported by the bridge.
	stateMu    sync.RWMutex
	online     bool
	reachable  map[string]struct{}
	knownPeers []Peer

	handlerMu sync.RWMutex
	onPeer    func(PeerEvent)
	onConn    func(online bool, peerCount int)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSerialBridge opens the serial port and starts the read loop.
func NewSerialBridge(portName string, baudRate int, logger *slog.Logger) (*SerialBridge, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("ble bridge: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS for bridge firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newBridge(port, logger), nil
}

// newBridge wires a bridge over any stream, used directly by tests.
func newBridge(rw io.ReadWriteCloser, logger *slog.Logger) *SerialBridge {
	b := &SerialBridge{
		rw:        rw,
		logger:    logger.With("component", "ble_bridge"),
		pending:   make(map[uint32]chan error),
		reachable: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b
}

func (b *SerialBridge) readLoop() {
	defer b.wg.Done()
	scanner := bufio.NewScanner(b.rw)
	scanner.Buffer(make([]byte, 4096), maxLineLen)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		evt, err := decodeEvent(line)
		if err != nil {
			b.logger.Warn("bad bridge event", "err", err)
			continue
		}
		b.handleEvent(evt)
	}
	select {
	case <-b.done:
	default:
		if err := scanner.Err(); err != nil {
			b.logger.Error("bridge read loop", "err", err)
		}
	}
}

func (b *SerialBridge) handleEvent(evt *bridgeEvent) {
	switch evt.Ev {
	case evAck:
		b.pendMu.Lock()
		ch, ok := b.pending[evt.Seq]
		delete(b.pending, evt.Seq)
		b.pendMu.Unlock()
		if !ok {
			// Ack arrived after the sender gave up.
			b.logger.Debug("unmatched ack", "seq", evt.Seq)
			return
		}
		if evt.OK {
			ch <- nil
		} else {
			ch <- fmt.Errorf("%w: %s", ErrSendRejected, evt.Error)
		}

	case evPeer:
		b.handlerMu.RLock()
		handler := b.onPeer
		b.handlerMu.RUnlock()
		if handler != nil {
			handler(PeerEvent{PeerID: evt.PeerID, RSSI: evt.RSSI, Viable: evt.Viable})
		}

	case evLink:
		b.stateMu.Lock()
		b.online = evt.Online
		clear(b.reachable)
		for _, r := range evt.Recipients {
			b.reachable[r] = struct{}{}
		}
		b.knownPeers = evt.Peers
		peerCount := len(evt.Peers)
		b.stateMu.Unlock()

		b.handlerMu.RLock()
		handler := b.onConn
		b.handlerMu.RUnlock()
		if handler != nil {
			handler(evt.Online, peerCount)
		}

	default:
		b.logger.Debug("unknown bridge event", "ev", evt.Ev)
	}
}

func (b *SerialBridge) writeCommand(cmd command) error {
	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.rw.Write(data); err != nil {
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

// IsViable reports whether the bridge currently has a delivery path to the
// recipient.
func (b *SerialBridge) IsViable(recipientKey string) bool {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if !b.online {
		return false
	}
	_, ok := b.reachable[recipientKey]
	return ok
}

// Send transmits a payload and waits for the bridge acknowledgment.
func (b *SerialBridge) Send(ctx context.Context, recipientKey string, payload []byte) error {
	seq := b.seq.Add(1)
	ch := make(chan error, 1)
	b.pendMu.Lock()
	b.pending[seq] = ch
	b.pendMu.Unlock()
	defer func() {
		b.pendMu.Lock()
		delete(b.pending, seq)
		b.pendMu.Unlock()
	}()

	err := b.writeCommand(command{
		Op:   "send",
		Seq:  seq,
		To:   recipientKey,
		Data: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return fmt.Errorf("bridge closed")
	}
}

// OnConnectivityChange registers the connectivity handler.
func (b *SerialBridge) OnConnectivityChange(handler func(online bool, peerCount int)) {
	b.handlerMu.Lock()
	b.onConn = handler
	b.handlerMu.Unlock()
}

// StartBurst asks the bridge to begin a discovery burst.
func (b *SerialBridge) StartBurst(ctx context.Context) error {
	return b.writeCommand(command{Op: "scan_start"})
}

// StopBurst asks the bridge to end the current discovery burst.
func (b *SerialBridge) StopBurst(ctx context.Context) error {
	return b.writeCommand(command{Op: "scan_stop"})
}

// OnPeerDiscovered registers the discovery handler.
func (b *SerialBridge) OnPeerDiscovered(handler func(PeerEvent)) {
	b.handlerMu.Lock()
	b.onPeer = handler
	b.handlerMu.Unlock()
}

// Peers returns the peer set from the last link report.
func (b *SerialBridge) Peers() []Peer {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	peers := make([]Peer, len(b.knownPeers))
	copy(peers, b.knownPeers)
	return peers
}

// Online reports the last overall link state from the bridge.
func (b *SerialBridge) Online() bool {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.online
}

// Close shuts down the read loop and closes the port. Pending sends fail.
func (b *SerialBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.rw.Close()
		b.wg.Wait()

		b.pendMu.Lock()
		for seq, ch := range b.pending {
			delete(b.pending, seq)
			ch <- fmt.Errorf("bridge closed")
		}
		b.pendMu.Unlock()
	})
	return err
}
