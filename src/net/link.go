package net

import (
	"bufio"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

const (
	// we need this high buffer size for compatibility with WebRTC
	bufSize = math.MaxUint16
)

// ErrLinkShutdown is returned when sending on a link that has reached the
// disconnected state.
var ErrLinkShutdown = errors.New("link shutdown")

// LinkState captures the connection state of a Link: Connecting, Connected,
// or Disconnected. Disconnected is terminal; there is no reconnection.
type LinkState uint32

const (
	// Connecting is the initial state, while negotiation is in progress.
	Connecting LinkState = iota
	// Connected means the link is usable for sending and receiving.
	Connected
	// Disconnected is terminal.
	Disconnected
)

// String ...
func (s LinkState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Link is one ordered, reliable, bidirectional message channel to exactly
// one remote node.
type Link interface {
	// Remote returns the identifier of the remote end: a network address
	// for TCP links, a node identifier for WebRTC links. It is the value
	// the link was established against, not the authenticated identity;
	// identity is learned from the hello message.
	Remote() string

	// State returns the current connection state.
	State() LinkState

	// Send transmits one message. It returns ErrLinkShutdown once the link
	// is disconnected. Sends are fire-and-forget with no flow control.
	Send(msg Message) error

	// Consumer returns the channel of incoming messages. It is closed when
	// the link disconnects.
	Consumer() <-chan Message

	// OnStateChange registers a callback invoked on every state
	// transition. Callbacks registered after a transition do not fire
	// retroactively.
	OnStateChange(fn func(LinkState))

	// Close tears the link down, transitioning it to Disconnected.
	Close() error
}

// StreamLink implements Link over any net.Conn. Messages are framed by
// writeMessage/readMessage; a background read loop feeds the consumer
// channel until the conn fails or the link is closed.
type StreamLink struct {
	remote string
	conn   net.Conn

	r   *bufio.Reader
	w   *bufio.Writer
	dec *codec.Decoder
	enc *codec.Encoder

	sendLock sync.Mutex

	state uint32

	handlersLock sync.Mutex
	handlers     []func(LinkState)

	consumeCh chan Message

	closeOnce sync.Once

	logger *logrus.Entry
}

// NewStreamLink wraps a net.Conn in a StreamLink. The link starts in the
// Connecting state; call Start once the connection is fully established to
// transition to Connected and begin consuming messages.
func NewStreamLink(remote string, conn net.Conn, logger *logrus.Entry) *StreamLink {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	jh := newJSONHandle()

	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)

	return &StreamLink{
		remote:    remote,
		conn:      conn,
		r:         r,
		w:         w,
		dec:       codec.NewDecoder(r, jh),
		enc:       codec.NewEncoder(w, jh),
		consumeCh: make(chan Message, 16),
		logger:    logger.WithField("remote", remote),
	}
}

// Remote implements the Link interface.
func (l *StreamLink) Remote() string {
	return l.remote
}

// State implements the Link interface.
func (l *StreamLink) State() LinkState {
	return LinkState(atomic.LoadUint32(&l.state))
}

// OnStateChange implements the Link interface.
func (l *StreamLink) OnStateChange(fn func(LinkState)) {
	l.handlersLock.Lock()
	defer l.handlersLock.Unlock()
	l.handlers = append(l.handlers, fn)
}

func (l *StreamLink) setState(s LinkState) {
	old := LinkState(atomic.SwapUint32(&l.state, uint32(s)))
	if old == s {
		return
	}

	l.handlersLock.Lock()
	handlers := append([]func(LinkState){}, l.handlers...)
	l.handlersLock.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

// Start transitions the link to Connected and launches the read loop.
func (l *StreamLink) Start() {
	l.setState(Connected)
	go l.readLoop()
}

// readLoop owns the consumer channel: it is the only sender and closes it
// on exit, so consumers observe disconnection as channel closure.
func (l *StreamLink) readLoop() {
	defer close(l.consumeCh)

	for {
		msg, err := readMessage(l.r, l.dec)
		if err == ErrUnknownMessage {
			l.logger.WithField("type", msg.Type.String()).Debug("Ignoring unknown message type")
			continue
		}
		if err != nil {
			if l.State() != Disconnected {
				l.logger.WithError(err).Debug("Link read failed")
			}
			l.Close()
			return
		}

		l.consumeCh <- msg
	}
}

// Send implements the Link interface.
func (l *StreamLink) Send(msg Message) error {
	if l.State() != Connected {
		return ErrLinkShutdown
	}

	l.sendLock.Lock()
	defer l.sendLock.Unlock()

	if err := writeMessage(l.w, l.enc, msg); err != nil {
		l.Close()
		return err
	}

	return nil
}

// Consumer implements the Link interface.
func (l *StreamLink) Consumer() <-chan Message {
	return l.consumeCh
}

// Close implements the Link interface. A closed link is removed from use
// permanently; Disconnected is terminal.
func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		l.setState(Disconnected)
		l.conn.Close()
	})
	return nil
}
