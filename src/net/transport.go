package net

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTransportShutdown is returned when operations on a transport are
// invoked after it's been terminated.
var ErrTransportShutdown = errors.New("transport shutdown")

// Transport produces Links. Accepted and dialed links surface through the
// Consumer channel and the Dial return value respectively; identity exchange
// on a new link is the caller's business.
type Transport interface {
	// Consumer returns a channel of inbound links.
	Consumer() <-chan Link

	// Dial establishes an outbound link to target.
	Dial(target string, timeout time.Duration) (Link, error)

	// AdvertiseAddr returns the address remote nodes should dial to
	// reach this transport.
	AdvertiseAddr() string

	// Close shuts the transport down. Existing links are not closed; they
	// die individually when their connections fail.
	Close() error
}

// LinkTransport implements Transport over a StreamLayer. Each accepted or
// dialed connection is wrapped in a StreamLink and started immediately.
type LinkTransport struct {
	stream StreamLayer

	consumeCh chan Link

	shutdownCh chan struct{}

	logger *logrus.Entry
}

// NewLinkTransport creates a LinkTransport and starts its accept loop.
func NewLinkTransport(stream StreamLayer, logger *logrus.Entry) *LinkTransport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	trans := &LinkTransport{
		stream:     stream,
		consumeCh:  make(chan Link),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	go trans.listen()

	return trans
}

// listen accepts connections from the stream layer until it is closed.
func (t *LinkTransport) listen() {
	for {
		conn, err := t.stream.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.WithError(err).Error("Failed to accept connection")
				return
			}
		}

		link := NewStreamLink(conn.RemoteAddr().String(), conn, t.logger)
		link.Start()

		select {
		case t.consumeCh <- link:
		case <-t.shutdownCh:
			link.Close()
			return
		}
	}
}

// Consumer implements the Transport interface.
func (t *LinkTransport) Consumer() <-chan Link {
	return t.consumeCh
}

// Dial implements the Transport interface.
func (t *LinkTransport) Dial(target string, timeout time.Duration) (Link, error) {
	select {
	case <-t.shutdownCh:
		return nil, ErrTransportShutdown
	default:
	}

	conn, err := t.stream.Dial(target, timeout)
	if err != nil {
		return nil, err
	}

	link := NewStreamLink(target, conn, t.logger)
	link.Start()

	return link, nil
}

// AdvertiseAddr implements the Transport interface.
func (t *LinkTransport) AdvertiseAddr() string {
	return t.stream.AdvertiseAddr()
}

// Close implements the Transport interface.
func (t *LinkTransport) Close() error {
	select {
	case <-t.shutdownCh:
		return nil
	default:
	}
	close(t.shutdownCh)
	return t.stream.Close()
}
