// Package wamp implements a WebRTC signaling system using RPC over
// WebSockets.
//
// The package contains a WAMP server that relays RPC requests between
// connected clients, and a client which implements the Signal interface.
// Each client registers two procedures with the router, both prefixed with
// its node identifier: one receives SDP offers and responds with answers,
// the other receives trickled ICE candidates and acknowledges immediately.
//
// The server speaks TLS when given a certificate, which may be self-signed
// because clients can be configured to trust it directly. Certificate
// verification can also be skipped entirely, but only for testing.
package wamp

const (
	// ErrProcessingOffer indicates that the client who received the offer
	// ran into an error while processing it.
	ErrProcessingOffer = "io.meshlang.processing_offer"

	// ErrProcessingCandidate indicates that the client who received the
	// candidate could not parse or route it.
	ErrProcessingCandidate = "io.meshlang.processing_candidate"

	// candidateSuffix is appended to a node identifier to form the name of
	// its candidate-relay procedure.
	candidateSuffix = ".candidate"
)
