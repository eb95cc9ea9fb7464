package node

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/davidmnoll/meshlang/src/crypto/keys"
	"github.com/davidmnoll/meshlang/src/dht"
	"github.com/davidmnoll/meshlang/src/fact"
	"github.com/davidmnoll/meshlang/src/group"
	"github.com/davidmnoll/meshlang/src/mesh"
	"github.com/davidmnoll/meshlang/src/net"
	"github.com/sirupsen/logrus"
)

// Config holds the node's timing parameters.
type Config struct {
	// HeartbeatInterval is the period between scope-hash advertisements.
	HeartbeatInterval time.Duration

	// DialTimeout bounds outbound link establishment.
	DialTimeout time.Duration
}

// DefaultConfig returns the timings used when none are specified.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		DialTimeout:       10 * time.Second,
	}
}

// keySigner signs group messages with the node's private key.
type keySigner struct {
	key *ecdsa.PrivateKey
}

func (s keySigner) Sign(data []byte) (string, error) {
	r, sg, err := keys.Sign(s.key, data)
	if err != nil {
		return "", err
	}
	return keys.EncodeSignature(r, sg), nil
}

// Node owns one identity's worth of meshlang state.
type Node struct {
	id        string
	key       *ecdsa.PrivateKey
	pubKeyHex string

	conf Config

	store   fact.Store
	trans   net.Transport
	routing *dht.RoutingTable
	mesh    *mesh.Mesh
	groups  *group.Manager

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	logger *logrus.Entry
}

// NewNode wires a node together from its identity key, store, and
// transport.
func NewNode(
	key *ecdsa.PrivateKey,
	store fact.Store,
	trans net.Transport,
	conf Config,
	logger *logrus.Entry,
) *Node {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	pubBytes := keys.FromPublicKey(&key.PublicKey)
	nodeID := dht.NodeIDFromPublicKey(pubBytes)
	id := nodeID.String()
	pubKeyHex := keys.PublicKeyHex(&key.PublicKey)

	logger = logger.WithField("node", id)

	routing := dht.NewRoutingTable(nodeID, logger)
	m := mesh.NewMesh(id, pubKeyHex, store, routing, logger)
	groups := group.NewManager(id, store, m, keySigner{key: key}, logger)
	m.SetGroupHandler(groups)

	return &Node{
		id:         id,
		key:        key,
		pubKeyHex:  pubKeyHex,
		conf:       conf,
		store:      store,
		trans:      trans,
		routing:    routing,
		mesh:       m,
		groups:     groups,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// ID returns the node's identifier: the hex SHA256 of its public key.
func (n *Node) ID() string {
	return n.id
}

// PubKeyHex returns the uncompressed public key in hex.
func (n *Node) PubKeyHex() string {
	return n.pubKeyHex
}

// Run accepts inbound links and drives periodic scope advertisement until
// Shutdown.
func (n *Node) Run() {
	n.logger.WithField("advertise", n.trans.AdvertiseAddr()).Debug("Node running")

	ticker := time.NewTicker(n.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case link := <-n.trans.Consumer():
			n.mesh.AddLink(link)
		case <-ticker.C:
			n.mesh.AdvertiseScopes()
		case <-n.shutdownCh:
			return
		}
	}
}

// Dial establishes an outbound link to a peer address and hands it to the
// mesh. There is no automatic redial; a failed or dropped link must be
// re-dialed explicitly.
func (n *Node) Dial(target string) error {
	link, err := n.trans.Dial(target, n.conf.DialTimeout)
	if err != nil {
		return err
	}
	n.mesh.AddLink(link)
	return nil
}

// AddFact stores a fact locally and floods it to connected peers. scope
// may be empty, in which case it defaults to this node's identifier.
func (n *Node) AddFact(f fact.Fact, scope string) (*fact.StoredFact, bool) {
	sf, fresh := n.store.Add(f, n.id, scope)
	if fresh {
		n.mesh.BroadcastFact(sf)
	}
	return sf, fresh
}

// RetractFact removes a fact locally. Retraction is a local operation; the
// wire protocol carries no retract message.
func (n *Node) RetractFact(f fact.Fact, scope string) bool {
	return n.store.Retract(f, scope)
}

// Store exposes the fact store.
func (n *Node) Store() fact.Store {
	return n.store
}

// Mesh exposes the mesh.
func (n *Node) Mesh() *mesh.Mesh {
	return n.mesh
}

// Groups exposes the group consensus manager.
func (n *Node) Groups() *group.Manager {
	return n.groups
}

// Routing exposes the peer discovery table.
func (n *Node) Routing() *dht.RoutingTable {
	return n.routing
}

// Shutdown stops the run loop, closes every link, the transport, and the
// store.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Node shutting down")
		close(n.shutdownCh)
		n.mesh.Close()
		n.trans.Close()
		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Error("Closing store")
		}
	})
}
