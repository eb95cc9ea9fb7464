// Package keys implements the public key cryptography used throughout
// meshlang.
//
// An instance of a meshlang node, also referred to as peer, owns a
// cryptographic key-pair that it uses to sign and verify messages, and from
// which its identifier is derived. The private key is secret but the public
// key is used by other nodes to verify messages signed with the private key.
//
// Meshlang uses elliptic curve cryptography (ECDSA) with the sec256k1 curve.
// We chose the secp256k1 curve because it is also used by Bitcoin and Ethereum
// which means that Bitcoin and Ethereum keys can be used to operate a meshlang
// node.
package keys
