package signal

import webrtc "github.com/pion/webrtc/v2"

// Signal is the system through which nodes exchange SDP offers, answers,
// and trickled ICE candidates to establish WebRTC connections. Nodes are
// addressed by their node identifier.
type Signal interface {
	// ID returns the identifier under which this end is reachable through
	// the signaling system.
	ID() string

	// Listen starts receiving incoming offers and candidates, forwarding
	// them to the Consumer and Candidates channels.
	Listen() error

	// Consumer is the channel through which incoming SDP offers are
	// delivered, wrapped in a promise that carries the response mechanism.
	Consumer() <-chan OfferPromise

	// Offer sends an SDP offer to target and waits for the answer.
	Offer(target string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)

	// Candidate relays one locally-gathered ICE candidate to target. It
	// does not wait for the candidate to be applied.
	Candidate(target string, candidate webrtc.ICECandidateInit) error

	// Candidates is the channel through which remote ICE candidates are
	// delivered as they trickle in.
	Candidates() <-chan CandidateEvent

	// Close disconnects from the signaling system.
	Close() error
}

// CandidateEvent is one remote ICE candidate relayed through the signal.
type CandidateEvent struct {
	From      string
	Candidate webrtc.ICECandidateInit
}
