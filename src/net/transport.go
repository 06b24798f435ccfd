package net

import "errors"

// ErrTransportShutdown is returned when operations on a transport are invoked
// after it has been closed.
var ErrTransportShutdown = errors.New("transport shutdown")

// EventType discriminates transport events.
type EventType uint8

const (
	// EventMessage carries the raw bytes of one delivered broadcast.
	EventMessage EventType = iota
	// EventPeerJoined signals that a peer became reachable.
	EventPeerJoined
	// EventPeerLeft signals that a peer became unreachable.
	EventPeerLeft
)

// Event is the unit pushed by a transport into its consumer channel. The
// consensus engine consumes peer events only to track reachable peers;
// validator membership is derived exclusively from authenticated
// advertisements in message payloads.
type Event struct {
	Type    EventType
	From    string
	Payload []byte
}

// Transport provides topic-style broadcast between nodes. Implementations
// push typed events into a single channel rather than invoking callbacks, so
// the node's event loop stays the only place where state transitions happen.
type Transport interface {

	// Listen starts the transport.
	Listen()

	// Events returns the channel on which inbound events are delivered.
	Events() <-chan Event

	// Broadcast sends data to all reachable peers, best-effort at-least-once.
	Broadcast(data []byte) error

	// LocalAddr returns our local address.
	LocalAddr() string

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
