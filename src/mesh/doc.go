// Package mesh runs the fact replication protocol over a set of peer
// links.
//
// A mesh owns the active links of a node. When a link connects, both ends
// announce themselves with a hello message and exchange a full
// set-difference sync. After that, every locally-added fact floods through
// the mesh: a receiver applies it idempotently and re-broadcasts it to its
// other peers only when it was genuinely new, which terminates the flood.
// A second, more selective path compares per-scope content hashes and
// transfers only scopes whose hash differs, enforcing per-scope visibility
// on the serving side.
//
// Group consensus messages travel through the mesh but are never
// interpreted by it; they are handed to a registered GroupHandler.
package mesh
