// Package transport defines the point-to-point transport boundary of the
// core: an established byte channel between two endpoints, with its
// negotiation delegated to an implementation. The session and pipeline
// layers depend only on these interfaces.
package transport

import (
	"context"
	"io"
)

// Transport establishes direct connections to peers once both sides hold
// each other's reachability token.
type Transport interface {
	Connect(ctx context.Context, peerID string) (Conn, error)
	Accept() <-chan Conn
	Close() error
}

// Conn is one established byte channel to a peer.
type Conn interface {
	PeerID() string
	Send(data []byte) error
	Recv() <-chan []byte
	Close() error
}

// Signaler relays opaque negotiation blobs between two endpoints, in
// peerdrop's case through the directory relay.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, payload []byte) error
	Signals() <-chan Signal
	io.Closer
}

// Signal is one relayed negotiation blob.
type Signal struct {
	PeerID  string
	Payload []byte
}
