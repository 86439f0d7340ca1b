// Package transport defines the contracts for the BLE link layer consumed by
// the relay core, and the serial bridge backend that implements them.
// GATT operations and advertisement encoding live on the bridge co-processor;
// this side only sees recipients, payloads, and discovery events.
package transport

import "context"

// ConnectionProvider answers reachability questions and carries payloads to
// recipients. The relay core never owns connection lifecycle.
type ConnectionProvider interface {
	// IsViable reports whether a delivery path to the recipient currently exists.
	IsViable(recipientKey string) bool

	// Send carries an opaque payload toward the recipient. It blocks until the
	// bridge acknowledges delivery, reports a failure, or ctx expires.
	Send(ctx context.Context, recipientKey string, payload []byte) error

	// OnConnectivityChange registers a callback invoked whenever the set of
	// reachable recipients or the overall link state changes.
	OnConnectivityChange(handler func(online bool, peerCount int))
}

// DiscoveryControl starts and stops time-boxed discovery bursts.
type DiscoveryControl interface {
	StartBurst(ctx context.Context) error
	StopBurst(ctx context.Context) error

	// OnPeerDiscovered registers a callback for peers seen during a burst.
	OnPeerDiscovered(handler func(PeerEvent))
}

// PeerEvent describes a peer observed during discovery.
type PeerEvent struct {
	PeerID string `json:"peer_id"`
	RSSI   int    `json:"rssi"`
	Viable bool   `json:"viable"`
}

// Peer is a currently known peer as reported by the bridge.
type Peer struct {
	ID       string `json:"id"`
	RSSI     int    `json:"rssi"`
	LastSeen string `json:"last_seen,omitempty"`
}
