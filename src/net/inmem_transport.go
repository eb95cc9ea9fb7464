package net

import (
	"net"

	"github.com/sirupsen/logrus"
)

// NewInmemLinkPair returns two connected, started links backed by an
// in-memory pipe. Messages sent on one end surface on the other end's
// consumer channel; closing either end disconnects both. Used in tests.
func NewInmemLinkPair(aName, bName string, logger *logrus.Entry) (*StreamLink, *StreamLink) {
	aConn, bConn := net.Pipe()

	a := NewStreamLink(bName, aConn, logger)
	b := NewStreamLink(aName, bConn, logger)

	a.Start()
	b.Start()

	return a, b
}
