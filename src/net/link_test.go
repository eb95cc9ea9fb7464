package net

import (
	"net"
	"testing"
	"time"

	"github.com/davidmnoll/meshlang/src/common"
	"github.com/sirupsen/logrus"
)

func testLogEntry(t *testing.T) *logrus.Entry {
	return logrus.NewEntry(common.NewTestLogger(t))
}

func TestLinkSendReceive(t *testing.T) {
	a, b := NewInmemLinkPair("a", "b", testLogEntry(t))
	defer a.Close()
	defer b.Close()

	if a.State() != Connected {
		t.Fatalf("state %s, expected connected", a.State())
	}

	msg := Message{Type: HelloMsg, Payload: &Hello{NodeID: "a", PubKeyHex: "04aa"}}

	if err := a.Send(msg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-b.Consumer():
		if got.Type != HelloMsg {
			t.Fatalf("type %s, expected hello", got.Type)
		}
		hello := got.Payload.(*Hello)
		if hello.NodeID != "a" {
			t.Fatalf("node id %s, expected a", hello.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLinkCloseIsTerminal(t *testing.T) {
	a, b := NewInmemLinkPair("a", "b", testLogEntry(t))
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	if a.State() != Disconnected {
		t.Fatalf("state %s, expected disconnected", a.State())
	}

	if err := a.Send(Message{Type: HelloMsg, Payload: &Hello{}}); err != ErrLinkShutdown {
		t.Fatalf("expected ErrLinkShutdown, got %v", err)
	}

	// the consumer channel of the closed link drains and closes
	select {
	case _, ok := <-a.Consumer():
		if ok {
			t.Fatal("unexpected message on closed link")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed")
	}

	// the remote end observes the disconnection too
	select {
	case _, ok := <-b.Consumer():
		if ok {
			t.Fatal("unexpected message on remote link")
		}
	case <-time.After(time.Second):
		t.Fatal("remote consumer channel not closed")
	}
}

func TestLinkStateCallbacks(t *testing.T) {
	aConn, bConn := net.Pipe()
	defer bConn.Close()

	link := NewStreamLink("b", aConn, testLogEntry(t))

	states := make(chan LinkState, 4)
	link.OnStateChange(func(s LinkState) {
		states <- s
	})

	if link.State() != Connecting {
		t.Fatalf("initial state %s, expected connecting", link.State())
	}

	link.Start()

	if got := <-states; got != Connected {
		t.Fatalf("state %s, expected connected", got)
	}

	link.Close()

	if got := <-states; got != Disconnected {
		t.Fatalf("state %s, expected disconnected", got)
	}

	// closing again does not fire the callback twice
	link.Close()
	select {
	case s := <-states:
		t.Fatalf("unexpected extra state change: %s", s)
	case <-time.After(100 * time.Millisecond):
	}
}
