// Package meshlang ties the components of a node together behind a single
// engine object, configured through the config package. It is the
// entry point used both by the command line and by applications embedding
// a node in-process.
package meshlang

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/davidmnoll/meshlang/src/config"
	"github.com/davidmnoll/meshlang/src/crypto/keys"
	"github.com/davidmnoll/meshlang/src/dht"
	"github.com/davidmnoll/meshlang/src/fact"
	"github.com/davidmnoll/meshlang/src/net"
	"github.com/davidmnoll/meshlang/src/net/signal/wamp"
	"github.com/davidmnoll/meshlang/src/node"
	"github.com/davidmnoll/meshlang/src/peers"
	"github.com/davidmnoll/meshlang/src/service"
)

// Meshlang is the engine: a node plus the store, transport, and service it
// runs with.
type Meshlang struct {
	Config    *config.Config
	Node      *node.Node
	Transport net.Transport
	Store     fact.Store
	Service   *service.Service
}

// NewMeshlang instantiates an engine with a config object. Call Init
// before Run.
func NewMeshlang(conf *config.Config) *Meshlang {
	return &Meshlang{
		Config: conf,
	}
}

func (m *Meshlang) initKey() error {
	if m.Config.Key != nil {
		return nil
	}

	keyfile := keys.NewSimpleKeyfile(m.Config.Keyfile())

	privKey, err := keyfile.ReadKey()
	if err != nil {
		m.Config.Logger().WithError(err).Warn("Cannot read private key from file, generating a new one")

		privKey, err = Keygen(m.Config.Keyfile())
		if err != nil {
			return err
		}

		m.Config.Logger().WithField(
			"pub", keys.PublicKeyHex(&privKey.PublicKey),
		).Info("Created a new key")
	}

	m.Config.Key = privKey

	return nil
}

func (m *Meshlang) initStore() error {
	if !m.Config.Store {
		m.Store = fact.NewInmemStore()
		m.Config.Logger().Debug("Created new in-mem store")
		return nil
	}

	m.Config.Logger().WithField("path", m.Config.DatabaseDir).Debug("Attempting to load or create database")

	store, err := fact.NewBadgerStore(m.Config.DatabaseDir, m.Config.Logger())
	if err != nil {
		return err
	}

	m.Store = store

	return nil
}

func (m *Meshlang) initTransport() error {
	logger := m.Config.Logger()

	if m.Config.WebRTC {
		nodeID := dht.NodeIDFromPublicKey(keys.FromPublicKey(&m.Config.Key.PublicKey))

		signalClient, err := wamp.NewClient(
			m.Config.SignalAddr,
			m.Config.SignalRealm,
			nodeID.String(),
			m.Config.CertFile(),
			m.Config.SignalSkipVerify,
			m.Config.DialTimeout,
			logger,
		)
		if err != nil {
			return err
		}

		stream := net.NewWebRTCStreamLayer(signalClient, m.Config.ICEServers(), logger)
		m.Transport = net.NewLinkTransport(stream, logger)

		return nil
	}

	stream, err := net.NewTCPStreamLayer(m.Config.BindAddr, m.Config.AdvertiseAddr)
	if err != nil {
		return err
	}

	m.Transport = net.NewLinkTransport(stream, logger)

	return nil
}

func (m *Meshlang) initNode() error {
	m.Node = node.NewNode(
		m.Config.Key,
		m.Store,
		m.Transport,
		node.Config{
			HeartbeatInterval: m.Config.Heartbeat,
			DialTimeout:       m.Config.DialTimeout,
		},
		m.Config.Logger(),
	)
	return nil
}

func (m *Meshlang) initService() error {
	if !m.Config.NoService {
		m.Service = service.NewService(m.Config.ServiceAddr, m.Node, m.Config.Logger())
	}
	return nil
}

// Init prepares the engine: key, store, transport, node, service, in that
// order.
func (m *Meshlang) Init() error {
	if err := m.initKey(); err != nil {
		return err
	}

	if err := m.initStore(); err != nil {
		return err
	}

	if err := m.initTransport(); err != nil {
		return err
	}

	if err := m.initNode(); err != nil {
		return err
	}

	if err := m.initService(); err != nil {
		return err
	}

	return nil
}

// Run dials the bootstrap addresses and runs the node. It blocks until the
// node shuts down.
func (m *Meshlang) Run() {
	if m.Service != nil {
		go m.Service.Serve()
	}

	for _, addr := range m.bootstrapAddrs() {
		if err := m.Node.Dial(addr); err != nil {
			// no automatic retry; a failed join target stays unjoined
			m.Config.Logger().WithField("addr", addr).WithError(err).Error("Failed to join peer")
		}
	}

	m.Node.Run()
}

// bootstrapAddrs combines the join option with the optional peers.json file
// from the data directory.
func (m *Meshlang) bootstrapAddrs() []string {
	addrs := append([]string{}, m.Config.Join...)

	bootPeers, err := peers.NewJSONPeerSet(m.Config.DataDir).Peers()
	if err != nil {
		if !os.IsNotExist(err) {
			m.Config.Logger().WithError(err).Warn("Cannot read peers.json")
		}
		return addrs
	}

	for _, p := range bootPeers {
		addrs = append(addrs, p.NetAddr)
	}

	return addrs
}

// Keygen generates a new private key and writes it to keyfile. It refuses
// to overwrite an existing key.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	simpleKeyfile := keys.NewSimpleKeyfile(keyfile)

	if _, err := simpleKeyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
