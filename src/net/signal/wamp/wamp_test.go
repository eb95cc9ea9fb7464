package wamp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/davidmnoll/meshlang/src/common"
	"github.com/gammazero/nexus/v3/client"
	nexuswamp "github.com/gammazero/nexus/v3/wamp"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// waitForServer blocks until the server started in a background goroutine is
// accepting connections, so clients don't dial before it has bound its port.
func waitForServer(t *testing.T, address string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s did not start listening", address)
}

func TestWampOfferAnswer(t *testing.T) {
	url := "localhost:9800"

	logger := logrus.NewEntry(common.NewTestLogger(t))

	server, err := NewServer(url, "office", "", "", logger)
	if err != nil {
		t.Fatal(err)
	}

	go server.Run()
	defer server.Shutdown()

	waitForServer(t, url)

	callee, err := NewClient("ws://"+url, "office", "callee", "", false, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()

	if err := callee.Listen(); err != nil {
		t.Fatal(err)
	}

	caller, err := NewClient("ws://"+url, "office", "caller", "", false, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()

	// The callee answers every offer with a fixed answer.
	go func() {
		promise := <-callee.Consumer()
		if promise.From != "caller" {
			promise.Respond(nil, nil)
			return
		}
		promise.Respond(&webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  "fake answer",
		}, nil)
	}()

	answer, err := caller.Offer("callee", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "fake offer",
	})
	if err != nil {
		t.Fatal(err)
	}

	if answer == nil || answer.SDP != "fake answer" {
		t.Fatalf("unexpected answer: %v", answer)
	}
}

func TestWampOfferEmptyAnswer(t *testing.T) {
	url := "localhost:9802"

	logger := logrus.NewEntry(common.NewTestLogger(t))

	server, err := NewServer(url, "office", "", "", logger)
	if err != nil {
		t.Fatal(err)
	}

	go server.Run()
	defer server.Shutdown()

	waitForServer(t, url)

	callee, err := NewClient("ws://"+url, "office", "callee", "", false, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()

	// a broken callee that returns a result with no payload at all
	empty := func(ctx context.Context, inv *nexuswamp.Invocation) client.InvokeResult {
		return client.InvokeResult{}
	}
	if err := callee.client.Register(callee.ID(), empty, nil); err != nil {
		t.Fatal(err)
	}

	caller, err := NewClient("ws://"+url, "office", "caller", "", false, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()

	_, err = caller.Offer("callee", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "fake offer",
	})
	if err == nil {
		t.Fatal("an empty answer payload should be an error")
	}
}

func TestWampCandidateRelay(t *testing.T) {
	url := "localhost:9801"

	logger := logrus.NewEntry(common.NewTestLogger(t))

	server, err := NewServer(url, "office", "", "", logger)
	if err != nil {
		t.Fatal(err)
	}

	go server.Run()
	defer server.Shutdown()

	waitForServer(t, url)

	callee, err := NewClient("ws://"+url, "office", "callee", "", false, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()

	if err := callee.Listen(); err != nil {
		t.Fatal(err)
	}

	caller, err := NewClient("ws://"+url, "office", "caller", "", false, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()

	cand := webrtc.ICECandidateInit{Candidate: "candidate:fake 1 udp 1 127.0.0.1 1234 typ host"}

	if err := caller.Candidate("callee", cand); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-callee.Candidates():
		if ev.From != "caller" {
			t.Fatalf("event from %s, expected caller", ev.From)
		}
		if ev.Candidate.Candidate != cand.Candidate {
			t.Fatalf("candidate mismatch: %s", ev.Candidate.Candidate)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for candidate event")
	}
}
