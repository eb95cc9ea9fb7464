package dht

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/davidmnoll/meshlang/src/crypto"
)

// IDLength is the size of a node identifier in bytes. 32 bytes gives 256
// distance buckets, one per bit.
const IDLength = 32

// NodeID is a fixed-length node identifier, derived from the node's public
// key.
type NodeID [IDLength]byte

// NodeIDFromPublicKey derives a NodeID from the raw (uncompressed) bytes of
// a public key by hashing them with SHA256.
func NodeIDFromPublicKey(pubBytes []byte) NodeID {
	var id NodeID
	copy(id[:], crypto.SHA256(pubBytes))
	return id
}

// ParseNodeID decodes the hex form of a NodeID as produced by String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != IDLength {
		return id, fmt.Errorf("invalid node id length: got %d bytes, want %d", len(raw), IDLength)
	}

	copy(id[:], raw)
	return id, nil
}

// String returns the hex form of the NodeID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR distance between two identifiers.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := 0; i < IDLength; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less compares two identifiers (or distances) as big-endian integers.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// IsZero reports whether the identifier is all zeroes.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// BucketIndex returns the routing bucket index for a distance value: the
// index of the highest set bit across the distance's bytes, big-endian,
// i.e. byteIndex*8 + (7 - highestSetBitInByte). It returns -1 for the zero
// distance (the node itself).
func (id NodeID) BucketIndex() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return -1
}
