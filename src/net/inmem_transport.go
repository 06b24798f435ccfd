package net

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// NewInmemAddr returns a new in-memory addr with a randomly generated UUID as
// the ID.
func NewInmemAddr() string {
	return generateUUID()
}

// generateUUID is used to generate a random UUID.
func generateUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

// eventBufSize bounds each member's inbound queue. Delivery is best-effort:
// a member that stops draining its queue loses messages rather than blocking
// the whole hub.
const eventBufSize = 256

// InmemHub routes broadcasts between InmemTransports, allowing nodes to be
// tested in-memory without going over a network.
type InmemHub struct {
	sync.RWMutex
	members map[string]*InmemTransport
}

// NewInmemHub ...
func NewInmemHub() *InmemHub {
	return &InmemHub{
		members: make(map[string]*InmemTransport),
	}
}

// Join creates a new transport attached to this hub, announcing it to every
// existing member, and every existing member to it.
func (h *InmemHub) Join(addr string) *InmemTransport {
	if addr == "" {
		addr = NewInmemAddr()
	}

	trans := &InmemTransport{
		hub:       h,
		localAddr: addr,
		eventCh:   make(chan Event, eventBufSize),
	}

	h.Lock()
	defer h.Unlock()

	for _, other := range h.members {
		other.deliver(Event{Type: EventPeerJoined, From: addr})
		trans.deliver(Event{Type: EventPeerJoined, From: other.localAddr})
	}

	h.members[addr] = trans

	return trans
}

// leave detaches a transport and announces its departure.
func (h *InmemHub) leave(addr string) {
	h.Lock()
	defer h.Unlock()

	if _, ok := h.members[addr]; !ok {
		return
	}
	delete(h.members, addr)

	for _, other := range h.members {
		other.deliver(Event{Type: EventPeerLeft, From: addr})
	}
}

// broadcast delivers data to every member except the sender.
func (h *InmemHub) broadcast(from string, data []byte) {
	h.RLock()
	defer h.RUnlock()

	for addr, member := range h.members {
		if addr == from {
			continue
		}
		member.deliver(Event{Type: EventMessage, From: from, Payload: data})
	}
}

// InmemTransport implements the Transport interface over an InmemHub.
type InmemTransport struct {
	hub       *InmemHub
	localAddr string
	eventCh   chan Event

	closedLock sync.Mutex
	closed     bool
}

// Listen is a no-op; an in-memory transport is live as soon as it joins the
// hub.
func (t *InmemTransport) Listen() {
}

// Events implements the Transport interface.
func (t *InmemTransport) Events() <-chan Event {
	return t.eventCh
}

// LocalAddr implements the Transport interface.
func (t *InmemTransport) LocalAddr() string {
	return t.localAddr
}

// Broadcast implements the Transport interface.
func (t *InmemTransport) Broadcast(data []byte) error {
	t.closedLock.Lock()
	closed := t.closed
	t.closedLock.Unlock()

	if closed {
		return ErrTransportShutdown
	}

	t.hub.broadcast(t.localAddr, data)

	return nil
}

// Close implements the Transport interface.
func (t *InmemTransport) Close() error {
	t.closedLock.Lock()
	if t.closed {
		t.closedLock.Unlock()
		return nil
	}
	t.closed = true
	t.closedLock.Unlock()

	t.hub.leave(t.localAddr)

	return nil
}

func (t *InmemTransport) deliver(e Event) {
	select {
	case t.eventCh <- e:
	default:
		// best-effort: drop when the consumer is not keeping up
	}
}
