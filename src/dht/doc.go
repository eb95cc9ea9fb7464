// Package dht implements a Kademlia-style routing table used for peer
// discovery. Peers are keyed by the XOR distance between fixed-length node
// identifiers derived from public keys. The table maintains one bucket per
// bit-length of distance (256 buckets for 32-byte identifiers) with at most
// K peers per bucket, evicting the least-recently-seen peer when a bucket
// overflows.
package dht
