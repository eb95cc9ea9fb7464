package peers

// Peer is a bootstrap target: an address the node dials at startup.
type Peer struct {
	// NetAddr is the dialable address of the peer. With a TCP transport
	// this is IP:PORT; with WebRTC it is the peer's node identifier.
	NetAddr string

	// PubKeyHex optionally pins the public key expected at that address.
	// It is informational; links identify themselves during the handshake.
	PubKeyHex string `json:",omitempty"`

	// Moniker is a non-unique user-friendly name.
	Moniker string `json:",omitempty"`
}

// NewPeer returns a peer with the given address and moniker.
func NewPeer(netAddr string, moniker string) *Peer {
	return &Peer{
		NetAddr: netAddr,
		Moniker: moniker,
	}
}

// ExcludePeer returns peers minus the one with the given address, along with
// its index in the original slice, or -1 when absent.
func ExcludePeer(peers []*Peer, netAddr string) (int, []*Peer) {
	index := -1
	otherPeers := make([]*Peer, 0, len(peers))
	for i, p := range peers {
		if p.NetAddr != netAddr {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
