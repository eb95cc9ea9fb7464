// Package config defines the configuration for a meshlang node.
//
// Regardless of how meshlang is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object
// defined in this package to store and forward configuration options. On
// top of these configuration options, meshlang relies on a data directory,
// defined by Config.DataDir, where it expects to find a few additional
// files:
//
//  priv_key // a plain text file containing the raw private key (cf. meshlang keygen).
//  badger_db // (optional) the persistent fact database, when --store is set.
//  cert.pem // (optional) an x509 certificate for the WebRTC signaling server.
package config
