package net

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/davidmnoll/meshlang/src/net/signal"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// WebRTCStreamLayer implements the StreamLayer interface over WebRTC data
// channels. Offers, answers, and trickled ICE candidates travel through a
// Signal; candidates that arrive before their peer connection exists, or
// before its remote description is set, are buffered and replayed.
type WebRTCStreamLayer struct {
	signal     signal.Signal
	iceServers []string

	negotiatorsLock sync.Mutex
	negotiators     map[string]*PeerNegotiator
	// candidates received before the matching offer
	earlyCandidates map[string][]webrtc.ICECandidateInit

	incomingConnAggregator chan net.Conn

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	logger *logrus.Entry
}

// NewWebRTCStreamLayer instantiates a WebRTCStreamLayer and starts the
// background signaling process.
func NewWebRTCStreamLayer(sig signal.Signal, iceServers []string, logger *logrus.Entry) *WebRTCStreamLayer {
	stream := &WebRTCStreamLayer{
		signal:                 sig,
		iceServers:             iceServers,
		negotiators:            make(map[string]*PeerNegotiator),
		earlyCandidates:        make(map[string][]webrtc.ICECandidateInit),
		incomingConnAggregator: make(chan net.Conn),
		shutdownCh:             make(chan struct{}),
		logger:                 logger,
	}

	go stream.listen()

	return stream
}

// listen processes incoming offers and candidates from the signal. Each
// accepted offer spins up a peer connection whose data channel, once open,
// is piped into the connection aggregator.
func (w *WebRTCStreamLayer) listen() {
	go w.signal.Listen()

	for {
		select {
		case offerPromise := <-w.signal.Consumer():
			w.logger.WithField("from", offerPromise.From).Debug("Processing offer")

			if err := w.handleOffer(offerPromise); err != nil {
				w.logger.WithError(err).Error("Failed to process offer")
				offerPromise.Respond(nil, err)
			}

		case ev := <-w.signal.Candidates():
			w.handleCandidate(ev)

		case <-w.shutdownCh:
			return
		}
	}
}

func (w *WebRTCStreamLayer) handleOffer(promise signal.OfferPromise) error {
	neg, err := NewPeerNegotiator(w.iceServers, false, w.logger)
	if err != nil {
		return err
	}

	from := promise.From

	w.watchNegotiator(from, neg)

	answer, err := neg.AcceptOffer(promise.Offer)
	if err != nil {
		neg.Close()
		return err
	}

	w.negotiatorsLock.Lock()
	w.negotiators[from] = neg
	early := w.earlyCandidates[from]
	delete(w.earlyCandidates, from)
	w.negotiatorsLock.Unlock()

	for _, cand := range early {
		if err := neg.AddCandidate(cand); err != nil {
			w.logger.WithError(err).Warn("Failed to apply early candidate")
		}
	}

	promise.Respond(&answer, nil)

	go w.pipeConn(from, neg)

	return nil
}

func (w *WebRTCStreamLayer) handleCandidate(ev signal.CandidateEvent) {
	w.negotiatorsLock.Lock()
	neg, ok := w.negotiators[ev.From]
	if !ok {
		w.earlyCandidates[ev.From] = append(w.earlyCandidates[ev.From], ev.Candidate)
		w.negotiatorsLock.Unlock()
		return
	}
	w.negotiatorsLock.Unlock()

	if err := neg.AddCandidate(ev.Candidate); err != nil {
		w.logger.WithError(err).WithField("from", ev.From).Warn("Failed to add candidate")
	}
}

// watchNegotiator wires candidate relaying and state logging for a peer
// connection.
func (w *WebRTCStreamLayer) watchNegotiator(remote string, neg *PeerNegotiator) {
	neg.OnCandidate(func(cand webrtc.ICECandidateInit) {
		if err := w.signal.Candidate(remote, cand); err != nil {
			w.logger.WithError(err).WithField("to", remote).Warn("Failed to relay candidate")
		}
	})

	neg.OnConnectionStateChange(func(state webrtc.ICEConnectionState) {
		w.logger.WithFields(logrus.Fields{
			"remote": remote,
			"state":  state.String(),
		}).Debug("ICE connection state changed")
	})
}

// pipeConn waits for the negotiator's data channel to open and feeds the
// resulting connection into the aggregator.
func (w *WebRTCStreamLayer) pipeConn(remote string, neg *PeerNegotiator) {
	select {
	case raw := <-neg.DataChannels():
		select {
		case w.incomingConnAggregator <- NewWebRTCConn(remote, raw):
		case <-w.shutdownCh:
		}
	case <-w.shutdownCh:
	}
}

// Dial implements the StreamLayer interface. It creates a peer connection,
// sends the offer through the signal, applies the answer, and waits for the
// data channel to open.
func (w *WebRTCStreamLayer) Dial(target string, timeout time.Duration) (net.Conn, error) {
	neg, err := NewPeerNegotiator(w.iceServers, true, w.logger)
	if err != nil {
		return nil, err
	}

	w.watchNegotiator(target, neg)

	w.negotiatorsLock.Lock()
	w.negotiators[target] = neg
	w.negotiatorsLock.Unlock()

	offer, err := neg.CreateOffer()
	if err != nil {
		return nil, err
	}

	answer, err := w.signal.Offer(target, offer)
	if err != nil {
		return nil, err
	}

	if answer == nil {
		return nil, fmt.Errorf("no answer")
	}

	if err := neg.AcceptAnswer(*answer); err != nil {
		return nil, err
	}

	// Wait for the data channel to open
	timer := time.After(timeout)
	select {
	case <-timer:
		return nil, fmt.Errorf("dial timeout")
	case raw := <-neg.DataChannels():
		return NewWebRTCConn(target, raw), nil
	}
}

// Accept consumes the incoming connection aggregator fed by the listen
// routine.
func (w *WebRTCStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-w.incomingConnAggregator:
		return conn, nil
	case <-w.shutdownCh:
		return nil, ErrTransportShutdown
	}
}

// Close implements the net.Listener interface. It closes the signal and all
// peer connections.
func (w *WebRTCStreamLayer) Close() error {
	w.shutdownOnce.Do(func() {
		close(w.shutdownCh)

		w.signal.Close()

		w.negotiatorsLock.Lock()
		defer w.negotiatorsLock.Unlock()
		for _, neg := range w.negotiators {
			neg.Close()
		}
	})
	return nil
}

// Addr implements the net.Listener interface. WebRTC connections have no
// meaningful listener address.
func (w *WebRTCStreamLayer) Addr() net.Addr {
	return nil
}

// AdvertiseAddr implements the StreamLayer interface. Nodes are reachable
// through the signal by their identifier.
func (w *WebRTCStreamLayer) AdvertiseAddr() string {
	return w.signal.ID()
}
