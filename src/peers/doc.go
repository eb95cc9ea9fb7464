// Package peers defines the concept of a meshlang peer and implements a
// JSON-backed list for bootstrapping.
//
// Peers are identified by their public keys, and optionally a moniker which
// is a non-unique user-friendly name. When WebRTC is not activated, a peer
// should also specify an IP address and port where it can be reached by other
// peers. With WebRTC, the network address is the node identifier registered
// with the signaling server.
//
// Upon starting up, a node looks for a peers.json file in its data directory.
// The file represents a list of peers that the node should attempt to connect
// to, on top of any addresses given with the join option. There is no
// membership semantics attached to the file; the mesh learns about further
// peers through handshakes and the routing table.
package peers
