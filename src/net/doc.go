// Package net implements the peer-link layer of meshlang.
//
// A Link is one ordered, reliable, bidirectional message channel to exactly
// one remote node, with an explicit connection state machine: connecting,
// connected, disconnected (terminal). Links carry the protocol messages
// defined in wire.go, framed as a one-byte type tag followed by the
// canonical-JSON payload.
//
// Links are produced by stream layers. The TCP stream layer establishes
// links by dialing directly. The WebRTC stream layer establishes links
// through an offer/answer negotiation with trickle candidates relayed by a
// signaling system; candidates that arrive before the remote description is
// set are buffered and replayed once it is. The in-memory stream layer
// connects links through synchronous pipes and exists for testing.
//
// There is no automatic reconnection: a link that reaches disconnected is
// dead, and reconnection is an explicit new establishment.
package net
