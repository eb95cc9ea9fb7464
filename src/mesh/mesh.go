package mesh

import (
	"errors"
	"sync"

	"github.com/davidmnoll/meshlang/src/dht"
	"github.com/davidmnoll/meshlang/src/fact"
	"github.com/davidmnoll/meshlang/src/net"
	"github.com/sirupsen/logrus"
)

// ErrUnknownPeer is returned when sending to a peer with no identified
// link.
var ErrUnknownPeer = errors.New("unknown peer")

// GroupHandler receives group consensus messages routed through the mesh.
// The mesh never interprets these messages.
type GroupHandler interface {
	HandleGroupMessage(from string, msg net.Message)
}

// peerLink couples a link with the identity learned from its hello
// message. Until the hello arrives, id is empty and only hello messages
// are accepted on the link.
type peerLink struct {
	link      net.Link
	id        string
	pubKeyHex string
}

// Mesh owns the active set of peer links and runs the replication
// protocol on top of the fact store. Store and sync handlers are
// serialized by the mesh lock; group messages are forwarded to the group
// handler, which serializes itself.
type Mesh struct {
	localID   string
	pubKeyHex string

	store   fact.Store
	routing *dht.RoutingTable

	mu    sync.Mutex
	links map[net.Link]*peerLink
	peers map[string]*peerLink

	groupHandler GroupHandler

	logger *logrus.Entry
}

// NewMesh instantiates a Mesh for the given local identity.
func NewMesh(
	localID string,
	pubKeyHex string,
	store fact.Store,
	routing *dht.RoutingTable,
	logger *logrus.Entry,
) *Mesh {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Mesh{
		localID:   localID,
		pubKeyHex: pubKeyHex,
		store:     store,
		routing:   routing,
		links:     make(map[net.Link]*peerLink),
		peers:     make(map[string]*peerLink),
		logger:    logger.WithField("node", localID),
	}
}

// SetGroupHandler registers the handler for group consensus messages.
func (m *Mesh) SetGroupHandler(h GroupHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupHandler = h
}

// AddLink takes ownership of a link. If the link is already connected the
// handshake is sent immediately; otherwise it is sent when the link
// reaches the connected state. The link is dropped from the active set
// when it disconnects; there is no reconnection.
func (m *Mesh) AddLink(link net.Link) {
	pl := &peerLink{link: link}

	m.mu.Lock()
	m.links[link] = pl
	m.mu.Unlock()

	link.OnStateChange(func(s net.LinkState) {
		switch s {
		case net.Connected:
			m.sendHandshake(pl)
		case net.Disconnected:
			// state callbacks can fire from inside a message handler that
			// already holds the mesh lock, so removal must not run inline
			go m.removeLink(pl)
		}
	})

	go m.consume(pl)

	if link.State() == net.Connected {
		m.sendHandshake(pl)
	}
}

// consume pumps a link's consumer channel into the message handler. The
// channel closes when the link disconnects.
func (m *Mesh) consume(pl *peerLink) {
	for msg := range pl.link.Consumer() {
		m.handleMessage(pl, msg)
	}
	m.removeLink(pl)
}

// sendHandshake announces the local identity and requests a set-difference
// sync.
func (m *Mesh) sendHandshake(pl *peerLink) {
	m.send(pl, net.Message{
		Type: net.HelloMsg,
		Payload: &net.Hello{
			NodeID:    m.localID,
			PubKeyHex: m.pubKeyHex,
		},
	})

	m.send(pl, net.Message{
		Type: net.SyncRequestMsg,
		Payload: &net.SyncRequest{
			FromID:  m.localID,
			HaveIDs: m.store.KnownIDs(),
		},
	})
}

func (m *Mesh) removeLink(pl *peerLink) {
	m.mu.Lock()
	_, present := m.links[pl.link]
	if present {
		delete(m.links, pl.link)
		if pl.id != "" {
			delete(m.peers, pl.id)
		}
	}
	m.mu.Unlock()

	if !present {
		return
	}

	pl.link.Close()

	if pl.id != "" {
		if nodeID, err := dht.ParseNodeID(pl.id); err == nil {
			m.routing.RemovePeer(nodeID)
		}
		m.logger.WithField("peer", pl.id).Debug("Peer disconnected")
	}
}

// send transmits one message on a link, logging failures. Sends are fire
// and forget; a failed send is not retried and the link's own state
// machine deals with the broken connection.
func (m *Mesh) send(pl *peerLink, msg net.Message) {
	if err := pl.link.Send(msg); err != nil {
		m.logger.WithFields(logrus.Fields{
			"remote": pl.link.Remote(),
			"type":   msg.Type.String(),
		}).WithError(err).Debug("Send failed")
	}
}

// handleMessage dispatches one inbound message. Messages other than hello
// from a link that has not identified itself yet are dropped. Group
// messages are dispatched after the mesh lock is released: the group
// manager serializes itself, and its handlers send replies back through
// the mesh.
func (m *Mesh) handleMessage(pl *peerLink, msg net.Message) {
	m.mu.Lock()

	if pl.id == "" && msg.Type != net.HelloMsg {
		m.logger.WithField("type", msg.Type.String()).Warn("Message from unidentified peer, dropping")
		m.mu.Unlock()
		return
	}

	var groupHandler GroupHandler
	from := pl.id

	switch msg.Type {
	case net.HelloMsg:
		m.handleHello(pl, msg.Payload.(*net.Hello))
	case net.SyncRequestMsg:
		m.handleSyncRequest(pl, msg.Payload.(*net.SyncRequest))
	case net.SyncResponseMsg:
		m.handleSyncResponse(pl, msg.Payload.(*net.SyncResponse))
	case net.FactAddMsg:
		m.handleFactAdd(pl, msg.Payload.(*net.FactAdd))
	case net.ScopeHashesMsg:
		m.handleScopeHashes(pl, msg.Payload.(*net.ScopeHashes))
	case net.ScopeQueryMsg:
		m.handleScopeQuery(pl, msg.Payload.(*net.ScopeQuery))
	case net.ScopeResponseMsg:
		m.handleScopeResponse(pl, msg.Payload.(*net.ScopeResponse))
	case net.GroupInviteMsg,
		net.GroupInviteResponseMsg,
		net.GroupProposalMsg,
		net.GroupVoteMsg,
		net.GroupSyncRequestMsg,
		net.GroupSyncResponseMsg:
		groupHandler = m.groupHandler
		if groupHandler == nil {
			m.logger.WithField("type", msg.Type.String()).Warn("No group handler, dropping")
		}
	default:
		m.logger.WithField("type", msg.Type.String()).Debug("Ignoring message")
	}

	m.mu.Unlock()

	if groupHandler != nil {
		groupHandler.HandleGroupMessage(from, msg)
	}
}

// handleHello records the remote identity, registers it in the routing
// table, and advertises the scopes the peer is allowed to see.
func (m *Mesh) handleHello(pl *peerLink, hello *net.Hello) {
	if pl.id != "" {
		m.logger.WithField("peer", pl.id).Debug("Duplicate hello, ignoring")
		return
	}

	pl.id = hello.NodeID
	pl.pubKeyHex = hello.PubKeyHex
	m.peers[hello.NodeID] = pl

	nodeID, err := dht.ParseNodeID(hello.NodeID)
	if err != nil {
		m.logger.WithField("peer", hello.NodeID).WithError(err).Warn("Bad node ID in hello")
	} else {
		m.routing.AddPeer(&dht.PeerInfo{ID: nodeID, PubKeyHex: hello.PubKeyHex})
	}

	m.logger.WithField("peer", pl.id).Debug("Peer identified")

	m.advertiseScopesTo(pl)
}

// handleSyncRequest answers with the set difference: every known fact the
// requester did not list.
func (m *Mesh) handleSyncRequest(pl *peerLink, req *net.SyncRequest) {
	have := make(map[string]bool, len(req.HaveIDs))
	for _, id := range req.HaveIDs {
		have[id] = true
	}

	missing := []*fact.StoredFact{}
	for _, id := range m.store.KnownIDs() {
		if have[id] {
			continue
		}
		if sf := m.store.GetFact(id); sf != nil {
			missing = append(missing, sf)
		}
	}

	m.send(pl, net.Message{
		Type: net.SyncResponseMsg,
		Payload: &net.SyncResponse{
			FromID: m.localID,
			Facts:  missing,
		},
	})
}

func (m *Mesh) handleSyncResponse(pl *peerLink, resp *net.SyncResponse) {
	applied := 0
	for _, sf := range resp.Facts {
		if _, ok := m.store.AddStored(sf); ok {
			applied++
		}
	}

	m.logger.WithFields(logrus.Fields{
		"peer":     pl.id,
		"received": len(resp.Facts),
		"applied":  applied,
	}).Debug("Sync response applied")
}

// handleFactAdd applies a flooded fact and re-broadcasts it to the other
// peers only when it was genuinely new. Idempotent application terminates
// the flood.
func (m *Mesh) handleFactAdd(pl *peerLink, add *net.FactAdd) {
	sf, ok := m.store.AddStored(add.Fact)
	if !ok {
		return
	}

	for id, other := range m.peers {
		if id == pl.id {
			continue
		}
		m.send(other, net.Message{
			Type: net.FactAddMsg,
			Payload: &net.FactAdd{
				FromID: m.localID,
				Fact:   sf,
			},
		})
	}
}

// handleScopeHashes compares the advertised hashes with local state and
// queries the scopes that differ.
func (m *Mesh) handleScopeHashes(pl *peerLink, adv *net.ScopeHashes) {
	queries := []net.ScopeQueryEntry{}
	for scope, hash := range adv.Hashes {
		if m.store.GetScopeHash(scope) == hash {
			continue
		}
		queries = append(queries, net.ScopeQueryEntry{
			Scope:     scope,
			KnownHash: m.store.GetScopeHash(scope),
		})
	}

	if len(queries) == 0 {
		return
	}

	m.send(pl, net.Message{
		Type: net.ScopeQueryMsg,
		Payload: &net.ScopeQuery{
			FromID:  m.localID,
			Queries: queries,
		},
	})
}

// handleScopeQuery serves scope contents, but only for scopes the
// requester is allowed to see, and only when the hash actually differs.
// Visibility is enforced here, during sync, not merely after.
func (m *Mesh) handleScopeQuery(pl *peerLink, query *net.ScopeQuery) {
	payloads := []net.ScopePayload{}
	for _, q := range query.Queries {
		if !m.store.IsVisibleTo(q.Scope, pl.id) {
			m.logger.WithFields(logrus.Fields{
				"peer":  pl.id,
				"scope": q.Scope,
			}).Debug("Scope not visible to requester, skipping")
			continue
		}

		hash := m.store.GetScopeHash(q.Scope)
		if hash == q.KnownHash {
			continue
		}

		payloads = append(payloads, net.ScopePayload{
			Scope: q.Scope,
			Hash:  hash,
			Facts: m.store.FindByScope(q.Scope),
		})
	}

	if len(payloads) == 0 {
		return
	}

	m.send(pl, net.Message{
		Type: net.ScopeResponseMsg,
		Payload: &net.ScopeResponse{
			FromID: m.localID,
			Scopes: payloads,
		},
	})
}

func (m *Mesh) handleScopeResponse(pl *peerLink, resp *net.ScopeResponse) {
	for _, payload := range resp.Scopes {
		for _, sf := range payload.Facts {
			m.store.AddStored(sf)
		}
	}
}

// advertiseScopesTo sends the peer the hashes of every scope it is allowed
// to see. Caller holds the mesh lock.
func (m *Mesh) advertiseScopesTo(pl *peerLink) {
	scopes := m.store.GetScopesVisibleTo(pl.id)
	if len(scopes) == 0 {
		return
	}

	hashes := make(map[string]string, len(scopes))
	for _, scope := range scopes {
		hashes[scope] = m.store.GetScopeHash(scope)
	}

	m.send(pl, net.Message{
		Type: net.ScopeHashesMsg,
		Payload: &net.ScopeHashes{
			FromID: m.localID,
			Hashes: hashes,
		},
	})
}

// AdvertiseScopes re-advertises visible scope hashes to every identified
// peer, triggering differential sync for scopes that changed.
func (m *Mesh) AdvertiseScopes() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pl := range m.peers {
		m.advertiseScopesTo(pl)
	}
}

// BroadcastFact floods a locally-added fact to every identified peer.
func (m *Mesh) BroadcastFact(sf *fact.StoredFact) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pl := range m.peers {
		m.send(pl, net.Message{
			Type: net.FactAddMsg,
			Payload: &net.FactAdd{
				FromID: m.localID,
				Fact:   sf,
			},
		})
	}
}

// SendToPeer sends one message to an identified peer.
func (m *Mesh) SendToPeer(peerID string, msg net.Message) error {
	m.mu.Lock()
	pl, ok := m.peers[peerID]
	m.mu.Unlock()

	if !ok {
		return ErrUnknownPeer
	}

	return pl.link.Send(msg)
}

// Peers returns the identifiers of all identified peers.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := []string{}
	for id := range m.peers {
		res = append(res, id)
	}
	return res
}

// PeerCount returns the number of identified peers.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Close tears down every link.
func (m *Mesh) Close() {
	m.mu.Lock()
	links := make([]net.Link, 0, len(m.links))
	for link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
}
