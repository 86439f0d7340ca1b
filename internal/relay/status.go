package relay

import (
	"log/slog"
	"sync"
	"time"

	"blemesh-relay/internal/scan"
	"blemesh-relay/internal/transport"
)

// statusRefreshInterval bounds how stale the countdown fields in a
// published snapshot can get between state changes.
const statusRefreshInterval = time.Second

// MeshNetworkStatus is one immutable snapshot of the whole mesh layer:
// queue statistics, discovery state and connection topology, all read
// in a single pass.
type MeshNetworkStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Online    bool             `json:"online"`
	Peers     []transport.Peer `json:"peers"`
	Queue     QueueStatistics  `json:"queue"`
	Scan      scan.Status      `json:"scan"`
	Revision  uint64           `json:"revision"`
}

// PeerSource reports current connection topology.
type PeerSource interface {
	Peers() []transport.Peer
	Online() bool
}

// ScanSource reports the discovery scheduler state.
type ScanSource interface {
	Status() scan.Status
}

// Aggregator composes MeshNetworkStatus snapshots and fans them out to
// subscribers. Distribution is coalescing: a slow subscriber skips
// superseded snapshots instead of stalling the producer.
type Aggregator struct {
	queue  *Queue
	peers  PeerSource
	scan   ScanSource
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan MeshNetworkStatus
	nextSub int
	current MeshNetworkStatus
	primed  bool

	refresh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewAggregator wires the aggregator to the event bus: any relay event
// schedules a republish. scanSrc may be nil when discovery is disabled.
func NewAggregator(queue *Queue, peers PeerSource, scanSrc ScanSource, events *EventBus, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		queue:   queue,
		peers:   peers,
		scan:    scanSrc,
		logger:  logger.With("component", "status"),
		subs:    make(map[int]chan MeshNetworkStatus),
		refresh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	events.OnAll(func(Event) { a.Refresh() })
	return a
}

// Start launches the publish loop: snapshots go out on every relay
// event and at least every statusRefreshInterval.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop terminates the publish loop and closes all subscriber channels.
func (a *Aggregator) Stop() {
	a.closeOnce.Do(func() { close(a.done) })
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.subs {
		close(ch)
		delete(a.subs, id)
	}
}

// Refresh schedules a republish. Never blocks.
func (a *Aggregator) Refresh() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(statusRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-a.refresh:
		case <-ticker.C:
		}
		a.publish()
	}
}

// snapshot reads every constituent once and assembles the status.
func (a *Aggregator) snapshot() MeshNetworkStatus {
	st := MeshNetworkStatus{
		Timestamp: time.Now(),
		Queue:     a.queue.Statistics(),
		Revision:  a.queue.Revision(),
	}
	if a.peers != nil {
		st.Online = a.peers.Online()
		st.Peers = a.peers.Peers()
	}
	if a.scan != nil {
		st.Scan = a.scan.Status()
	}
	return st
}

func (a *Aggregator) publish() {
	st := a.snapshot()
	a.mu.Lock()
	a.current = st
	a.primed = true
	for _, ch := range a.subs {
		deliverCoalesced(ch, st)
	}
	a.mu.Unlock()
}

// deliverCoalesced replaces an unconsumed snapshot with the latest one.
// Subscriber channels have capacity 1, so at most one stale value needs
// draining.
func deliverCoalesced(ch chan MeshNetworkStatus, st MeshNetworkStatus) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Current returns the most recent snapshot, building one on demand if
// nothing has been published yet.
func (a *Aggregator) Current() MeshNetworkStatus {
	a.mu.Lock()
	if a.primed {
		st := a.current
		a.mu.Unlock()
		return st
	}
	a.mu.Unlock()
	return a.snapshot()
}

// Subscribe registers a coalescing status consumer. The channel starts
// with the current snapshot already buffered. The returned function
// unsubscribes and closes the channel; it is safe to call twice.
func (a *Aggregator) Subscribe() (<-chan MeshNetworkStatus, func()) {
	st := a.Current()

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	ch := make(chan MeshNetworkStatus, 1)
	ch <- st
	a.subs[id] = ch
	a.mu.Unlock()

	unsubscribe := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if c, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}
