package net

import (
	"testing"
	"time"
)

func nextEvent(t *testing.T, trans *InmemTransport) Event {
	select {
	case e := <-trans.Events():
		return e
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestInmemHubJoin(t *testing.T) {
	hub := NewInmemHub()

	t1 := hub.Join("addr1")
	t2 := hub.Join("addr2")

	if t1.LocalAddr() != "addr1" {
		t.Fatalf("wrong local addr: %s", t1.LocalAddr())
	}

	e := nextEvent(t, t1)
	if e.Type != EventPeerJoined || e.From != "addr2" {
		t.Fatalf("expected peer-joined from addr2, got %v from %s", e.Type, e.From)
	}

	e = nextEvent(t, t2)
	if e.Type != EventPeerJoined || e.From != "addr1" {
		t.Fatalf("expected peer-joined from addr1, got %v from %s", e.Type, e.From)
	}
}

func TestInmemBroadcast(t *testing.T) {
	hub := NewInmemHub()

	t1 := hub.Join("addr1")
	t2 := hub.Join("addr2")
	t3 := hub.Join("addr3")

	// drain join events
	for _, trans := range []*InmemTransport{t1, t2} {
		for len(trans.Events()) > 0 {
			<-trans.Events()
		}
	}
	nextEvent(t, t3)
	nextEvent(t, t3)

	if err := t1.Broadcast([]byte("hello")); err != nil {
		t.Fatalf("err: %v", err)
	}

	for _, trans := range []*InmemTransport{t2, t3} {
		e := nextEvent(t, trans)
		if e.Type != EventMessage || string(e.Payload) != "hello" || e.From != "addr1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	}

	// the sender does not hear its own broadcast
	select {
	case e := <-t1.Events():
		t.Fatalf("sender received its own broadcast: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInmemClose(t *testing.T) {
	hub := NewInmemHub()

	t1 := hub.Join("addr1")
	t2 := hub.Join("addr2")

	nextEvent(t, t1)
	nextEvent(t, t2)

	if err := t1.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := t1.Broadcast([]byte("hello")); err != ErrTransportShutdown {
		t.Fatalf("expected ErrTransportShutdown, got %v", err)
	}

	e := nextEvent(t, t2)
	if e.Type != EventPeerLeft || e.From != "addr1" {
		t.Fatalf("expected peer-left from addr1, got %v from %s", e.Type, e.From)
	}

	// double close is a no-op
	if err := t1.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}
}
