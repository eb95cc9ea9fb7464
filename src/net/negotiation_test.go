package net

import (
	"fmt"
	"testing"
	"time"

	"github.com/davidmnoll/meshlang/src/net/signal"
	webrtc "github.com/pion/webrtc/v2"
)

func TestNegotiatorBuffersEarlyCandidates(t *testing.T) {
	offerer, err := NewPeerNegotiator(nil, true, testLogEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer offerer.Close()

	answerer, err := NewPeerNegotiator(nil, false, testLogEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer answerer.Close()

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}

	cand := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}

	// a candidate racing ahead of the remote description must be held, not
	// dropped
	if err := answerer.AddCandidate(cand); err != nil {
		t.Fatal(err)
	}

	answerer.pendingLock.Lock()
	buffered := len(answerer.pending)
	remoteSet := answerer.remoteSet
	answerer.pendingLock.Unlock()

	if remoteSet {
		t.Fatal("remote description should not be set yet")
	}
	if buffered != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", buffered)
	}

	answer, err := answerer.AcceptOffer(offer)
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected an answer, got %s", answer.Type)
	}

	answerer.pendingLock.Lock()
	buffered = len(answerer.pending)
	remoteSet = answerer.remoteSet
	answerer.pendingLock.Unlock()

	if !remoteSet {
		t.Fatal("remote description should be marked as set")
	}
	if buffered != 0 {
		t.Fatalf("buffered candidates should be flushed, %d left", buffered)
	}
}

// stubSignal drives a WebRTCStreamLayer in-process.
type stubSignal struct {
	id      string
	offerCh chan signal.OfferPromise
	candCh  chan signal.CandidateEvent
}

func newStubSignal(id string) *stubSignal {
	return &stubSignal{
		id:      id,
		offerCh: make(chan signal.OfferPromise, 1),
		candCh:  make(chan signal.CandidateEvent, 1),
	}
}

func (s *stubSignal) ID() string    { return s.id }
func (s *stubSignal) Listen() error { return nil }
func (s *stubSignal) Close() error  { return nil }

func (s *stubSignal) Consumer() <-chan signal.OfferPromise { return s.offerCh }

func (s *stubSignal) Candidates() <-chan signal.CandidateEvent { return s.candCh }

func (s *stubSignal) Offer(target string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return nil, fmt.Errorf("stub signal cannot dial")
}

func (s *stubSignal) Candidate(target string, candidate webrtc.ICECandidateInit) error {
	return nil
}

func TestStreamLayerBuffersCandidateBeforeOffer(t *testing.T) {
	sig := newStubSignal("callee")

	stream := NewWebRTCStreamLayer(sig, nil, testLogEntry(t))
	defer stream.Close()

	cand := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}

	// the candidate arrives before any offer from that peer exists
	sig.candCh <- signal.CandidateEvent{From: "caller", Candidate: cand}

	deadline := time.Now().Add(3 * time.Second)
	for {
		stream.negotiatorsLock.Lock()
		early := len(stream.earlyCandidates["caller"])
		stream.negotiatorsLock.Unlock()
		if early == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("candidate was not buffered as early")
		}
		time.Sleep(10 * time.Millisecond)
	}

	offerer, err := NewPeerNegotiator(nil, true, testLogEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer offerer.Close()

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}

	respCh := make(chan signal.OfferPromiseResponse, 1)
	sig.offerCh <- signal.OfferPromise{From: "caller", Offer: offer, RespChan: respCh}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			t.Fatal(resp.Error)
		}
		if resp.Answer == nil {
			t.Fatal("expected an answer")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the answer")
	}

	stream.negotiatorsLock.Lock()
	_, leftover := stream.earlyCandidates["caller"]
	neg := stream.negotiators["caller"]
	stream.negotiatorsLock.Unlock()

	if leftover {
		t.Fatal("early candidates should be consumed by the offer")
	}
	if neg == nil {
		t.Fatal("negotiator should be registered for the peer")
	}

	// the replayed candidate went through the negotiator's own buffer too
	neg.pendingLock.Lock()
	buffered := len(neg.pending)
	remoteSet := neg.remoteSet
	neg.pendingLock.Unlock()

	if !remoteSet {
		t.Fatal("remote description should be set on the accepting side")
	}
	if buffered != 0 {
		t.Fatalf("no candidates should remain buffered, got %d", buffered)
	}
}
