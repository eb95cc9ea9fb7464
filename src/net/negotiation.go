package net

import (
	"sync"

	"github.com/pion/datachannel"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// Negotiator is the capability surface a connection must expose to take
// part in an offer/answer negotiation. The offerer calls CreateOffer and
// later AcceptAnswer; the answerer calls AcceptOffer; both feed remote ICE
// candidates through AddCandidate as they trickle in.
type Negotiator interface {
	// CreateOffer produces the local session description for an outgoing
	// connection and starts candidate gathering.
	CreateOffer() (webrtc.SessionDescription, error)

	// AcceptOffer applies a remote offer and produces the local answer.
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// AcceptAnswer applies the remote answer to a connection created with
	// CreateOffer.
	AcceptAnswer(answer webrtc.SessionDescription) error

	// AddCandidate feeds one remote ICE candidate into the connection.
	// Candidates received before the remote description is set are
	// buffered and applied once it is.
	AddCandidate(candidate webrtc.ICECandidateInit) error

	// OnCandidate registers a callback invoked for every local candidate
	// gathered, to be relayed to the remote end through the signal.
	OnCandidate(fn func(webrtc.ICECandidateInit))

	// OnConnectionStateChange registers a callback invoked on ICE
	// connection state transitions.
	OnConnectionStateChange(fn func(webrtc.ICEConnectionState))

	// Close tears the underlying connection down.
	Close() error
}

// PeerNegotiator implements Negotiator over a pion PeerConnection. Remote
// candidates that arrive before SetRemoteDescription are held in a pending
// buffer and flushed as soon as the remote description is applied; without
// the buffer, trickled candidates racing ahead of the answer would be lost.
type PeerNegotiator struct {
	pc *webrtc.PeerConnection

	pendingLock sync.Mutex
	remoteSet   bool
	pending     []webrtc.ICECandidateInit

	connCh chan datachannel.ReadWriteCloser

	logger *logrus.Entry
}

// NewPeerNegotiator creates a PeerConnection configured for detached data
// channels. When offering is true a data channel is created up front;
// otherwise the negotiator waits for the remote end to open one. Either way
// the detached channel is delivered on DataChannels once open.
func NewPeerNegotiator(iceServers []string, offering bool, logger *logrus.Entry) (*PeerNegotiator, error) {
	// Detach is required to treat the data channel as a raw
	// ReadWriteCloser instead of going through pion's message callbacks.
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	servers := []webrtc.ICEServer{}
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	n := &PeerNegotiator{
		pc:     pc,
		connCh: make(chan datachannel.ReadWriteCloser, 1),
		logger: logger,
	}

	if offering {
		dc, err := pc.CreateDataChannel("data", nil)
		if err != nil {
			pc.Close()
			return nil, err
		}
		n.pipeDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			n.pipeDataChannel(dc)
		})
	}

	return n, nil
}

func (n *PeerNegotiator) pipeDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			n.logger.WithError(err).Error("Error detaching DataChannel")
			return
		}
		n.connCh <- raw
	})
}

// DataChannels returns the channel on which detached data channels are
// delivered once they open.
func (n *PeerNegotiator) DataChannels() <-chan datachannel.ReadWriteCloser {
	return n.connCh
}

// CreateOffer implements the Negotiator interface.
func (n *PeerNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	return offer, nil
}

// AcceptOffer implements the Negotiator interface.
func (n *PeerNegotiator) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := n.setRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	return answer, nil
}

// AcceptAnswer implements the Negotiator interface.
func (n *PeerNegotiator) AcceptAnswer(answer webrtc.SessionDescription) error {
	return n.setRemoteDescription(answer)
}

// setRemoteDescription applies the remote description and flushes any
// candidates that were buffered while it was missing.
func (n *PeerNegotiator) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	n.pendingLock.Lock()
	pending := n.pending
	n.pending = nil
	n.remoteSet = true
	n.pendingLock.Unlock()

	for _, cand := range pending {
		if err := n.pc.AddICECandidate(cand); err != nil {
			n.logger.WithError(err).Warn("Failed to apply buffered candidate")
		}
	}

	return nil
}

// AddCandidate implements the Negotiator interface.
func (n *PeerNegotiator) AddCandidate(candidate webrtc.ICECandidateInit) error {
	n.pendingLock.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, candidate)
		n.pendingLock.Unlock()
		return nil
	}
	n.pendingLock.Unlock()

	return n.pc.AddICECandidate(candidate)
}

// OnCandidate implements the Negotiator interface.
func (n *PeerNegotiator) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// gathering ends with a nil candidate
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnConnectionStateChange implements the Negotiator interface.
func (n *PeerNegotiator) OnConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	n.pc.OnICEConnectionStateChange(fn)
}

// Close implements the Negotiator interface.
func (n *PeerNegotiator) Close() error {
	return n.pc.Close()
}
