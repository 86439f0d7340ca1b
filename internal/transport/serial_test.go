package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestBridge returns a bridge wired to one end of an in-memory pipe and
// the other end for the test to play the co-processor.
func newTestBridge(t *testing.T) (*SerialBridge, net.Conn) {
	t.Helper()
	host, device := net.Pipe()
	b := newBridge(host, testLogger())
	t.Cleanup(func() {
		b.Close()
		device.Close()
	})
	return b, device
}

func deviceSend(t *testing.T, device net.Conn, evt bridgeEvent) {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	device.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := device.Write(append(data, '\n')); err != nil {
		t.Fatal(err)
	}
}

func deviceReadLine(t *testing.T, r *bufReader) command {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var cmd command
	if err := json.Unmarshal([]byte(strings.TrimSuffix(line, "\n")), &cmd); err != nil {
		t.Fatalf("bad command line %q: %v", line, err)
	}
	return cmd
}

func TestEncodeCommand(t *testing.T) {
	data, err := encodeCommand(command{Op: "send", Seq: 7, To: "pk1", Data: "aGk="})
	if err != nil {
		t.Fatal(err)
	}
	if data[len(data)-1] != '\n' {
		t.Error("command not newline terminated")
	}
	var cmd command
	if err := json.Unmarshal(data[:len(data)-1], &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Op != "send" || cmd.Seq != 7 || cmd.To != "pk1" || cmd.Data != "aGk=" {
		t.Errorf("round trip = %+v", cmd)
	}
}

func TestDecodeEvent(t *testing.T) {
	evt, err := decodeEvent([]byte(`{"ev":"peer","peer_id":"p1","rssi":-62,"viable":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.Ev != evPeer || evt.PeerID != "p1" || evt.RSSI != -62 || !evt.Viable {
		t.Errorf("event = %+v", evt)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := decodeEvent([]byte("not json")); err == nil {
		t.Error("expected error for non-JSON line")
	}
	if _, err := decodeEvent([]byte(`{"seq":1}`)); err == nil {
		t.Error("expected error for missing ev field")
	}
	if _, err := decodeEvent(nil); err == nil {
		t.Error("expected error for empty line")
	}
}

func TestLinkEventUpdatesViability(t *testing.T) {
	b, device := newTestBridge(t)

	if b.IsViable("pk1") {
		t.Error("fresh bridge should have no viable recipients")
	}

	connCh := make(chan int, 1)
	b.OnConnectivityChange(func(online bool, peers int) {
		if online {
			connCh <- peers
		}
	})

	deviceSend(t, device, bridgeEvent{
		Ev:         evLink,
		Online:     true,
		Recipients: []string{"pk1", "pk2"},
		Peers:      []Peer{{ID: "p1", RSSI: -40}, {ID: "p2", RSSI: -70}},
	})

	select {
	case peers := <-connCh:
		if peers != 2 {
			t.Errorf("peer count = %d, want 2", peers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connectivity handler not called")
	}

	if !b.IsViable("pk1") || !b.IsViable("pk2") {
		t.Error("recipients from link event should be viable")
	}
	if b.IsViable("pk3") {
		t.Error("unknown recipient should not be viable")
	}
	if !b.Online() {
		t.Error("bridge should be online")
	}
	if got := len(b.Peers()); got != 2 {
		t.Errorf("peers = %d, want 2", got)
	}

	// Going offline clears viability even for listed recipients.
	b.handleEvent(&bridgeEvent{Ev: evLink, Online: false})
	if b.IsViable("pk1") {
		t.Error("offline bridge should have no viable recipients")
	}
}

func TestPeerEventDispatch(t *testing.T) {
	b, device := newTestBridge(t)

	peerCh := make(chan PeerEvent, 1)
	b.OnPeerDiscovered(func(evt PeerEvent) { peerCh <- evt })

	deviceSend(t, device, bridgeEvent{Ev: evPeer, PeerID: "p9", RSSI: -55, Viable: true})

	select {
	case evt := <-peerCh:
		if evt.PeerID != "p9" || evt.RSSI != -55 || !evt.Viable {
			t.Errorf("peer event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer handler not called")
	}
}

func TestSendAck(t *testing.T) {
	b, device := newTestBridge(t)
	r := newBufReader(device)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- b.Send(ctx, "pk1", []byte("payload"))
	}()

	cmd := deviceReadLine(t, r)
	if cmd.Op != "send" || cmd.To != "pk1" {
		t.Fatalf("command = %+v", cmd)
	}
	decoded, err := base64.StdEncoding.DecodeString(cmd.Data)
	if err != nil || string(decoded) != "payload" {
		t.Fatalf("payload = %q (%v)", decoded, err)
	}

	deviceSend(t, device, bridgeEvent{Ev: evAck, Seq: cmd.Seq, OK: true})

	if err := <-errCh; err != nil {
		t.Fatalf("send err = %v, want nil", err)
	}
}

func TestSendNack(t *testing.T) {
	b, device := newTestBridge(t)
	r := newBufReader(device)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- b.Send(ctx, "pk1", []byte("x"))
	}()

	cmd := deviceReadLine(t, r)
	deviceSend(t, device, bridgeEvent{Ev: evAck, Seq: cmd.Seq, OK: false, Error: "no route"})

	err := <-errCh
	if !errors.Is(err, ErrSendRejected) {
		t.Fatalf("send err = %v, want ErrSendRejected", err)
	}
}

func TestSendContextTimeout(t *testing.T) {
	b, device := newTestBridge(t)
	r := newBufReader(device)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- b.Send(ctx, "pk1", []byte("x")) }()

	// Read the command but never ack it.
	deviceReadLine(t, r)

	err := <-errCh
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send err = %v, want DeadlineExceeded", err)
	}
}

func TestScanCommands(t *testing.T) {
	b, device := newTestBridge(t)
	r := newBufReader(device)

	go func() {
		b.StartBurst(context.Background())
		b.StopBurst(context.Background())
	}()

	if cmd := deviceReadLine(t, r); cmd.Op != "scan_start" {
		t.Errorf("first op = %q, want scan_start", cmd.Op)
	}
	if cmd := deviceReadLine(t, r); cmd.Op != "scan_stop" {
		t.Errorf("second op = %q, want scan_stop", cmd.Op)
	}
}

// bufReader is a tiny line reader over a net.Conn with deadlines.
type bufReader struct {
	conn net.Conn
	buf  []byte
}

func newBufReader(conn net.Conn) *bufReader { return &bufReader{conn: conn} }

func (r *bufReader) ReadString(delim byte) (string, error) {
	r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		for i, b := range r.buf {
			if b == delim {
				line := string(r.buf[:i+1])
				r.buf = r.buf[i+1:]
				return line, nil
			}
		}
		chunk := make([]byte, 1024)
		n, err := r.conn.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if len(r.buf) > 0 && err == io.EOF {
				line := string(r.buf)
				r.buf = nil
				return line, err
			}
			return "", err
		}
	}
}
