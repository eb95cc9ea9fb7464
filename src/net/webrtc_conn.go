package net

import (
	"net"
	"time"

	"github.com/pion/datachannel"
)

// webrtcAddr satisfies net.Addr for data channel connections. The address
// is the remote node identifier used in signaling, not a network location.
type webrtcAddr string

func (a webrtcAddr) Network() string { return "webrtc" }
func (a webrtcAddr) String() string  { return string(a) }

// WebRTCConn implements net.Conn around a detached webrtc data channel.
type WebRTCConn struct {
	remote      string
	dataChannel datachannel.ReadWriteCloser
}

// NewWebRTCConn instantiates a WebRTCConn from a detached data channel and
// the node identifier of the remote end.
func NewWebRTCConn(remote string, dataChannel datachannel.ReadWriteCloser) *WebRTCConn {
	return &WebRTCConn{
		remote:      remote,
		dataChannel: dataChannel,
	}
}

// Read implements the Conn Read method.
func (c *WebRTCConn) Read(p []byte) (int, error) {
	return c.dataChannel.Read(p)
}

// Write implements the Conn Write method.
func (c *WebRTCConn) Write(p []byte) (int, error) {
	return c.dataChannel.Write(p)
}

// Close implements the Conn Close method.
func (c *WebRTCConn) Close() error {
	return c.dataChannel.Close()
}

// LocalAddr is a stub
func (c *WebRTCConn) LocalAddr() net.Addr {
	return nil
}

// RemoteAddr returns the remote node identifier.
func (c *WebRTCConn) RemoteAddr() net.Addr {
	return webrtcAddr(c.remote)
}

// SetDeadline is a stub; data channels do not support deadlines.
func (c *WebRTCConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline is a stub
func (c *WebRTCConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline is a stub
func (c *WebRTCConn) SetWriteDeadline(t time.Time) error {
	return nil
}
