package group

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davidmnoll/meshlang/src/fact"
	"github.com/davidmnoll/meshlang/src/net"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownGroup is returned by local operations referencing a group
	// this node does not hold. Remote references to unknown groups are
	// logged and ignored instead.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrUnknownProposal is the proposal counterpart of ErrUnknownGroup.
	ErrUnknownProposal = errors.New("unknown proposal")

	// ErrNoInvite is returned when responding to an invite that was never
	// received.
	ErrNoInvite = errors.New("no pending invite")
)

// Messenger sends protocol messages to identified peers. The mesh
// satisfies it.
type Messenger interface {
	SendToPeer(peerID string, msg net.Message) error
}

// Signer produces hex signatures over raw bytes. Signatures are attached
// to outgoing proposals and votes but NOT verified on receipt; the
// consensus path trusts the sender identifier learned from the link
// handshake. A peer could therefore forge proposals or votes under
// another node's identifier. Closing the gap means verifying Sig against
// the claimed sender's public key before recording anything.
type Signer interface {
	Sign(data []byte) (string, error)
}

// pendingInvite is an invite received and not yet answered.
type pendingInvite struct {
	group *Group
	from  string
}

// Manager owns the group and proposal state of one node. It never touches
// transport directly; messages go out through the Messenger and come in
// through HandleGroupMessage, which the mesh calls for every group-tagged
// message.
type Manager struct {
	localID string

	store     fact.Store
	messenger Messenger
	signer    Signer

	mu        sync.Mutex
	groups    map[string]*Group
	proposals map[string]*Proposal
	invites   map[string]*pendingInvite

	logger *logrus.Entry
}

// NewManager instantiates a Manager. signer may be nil, in which case
// outgoing messages carry an empty signature.
func NewManager(
	localID string,
	store fact.Store,
	messenger Messenger,
	signer Signer,
	logger *logrus.Entry,
) *Manager {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Manager{
		localID:   localID,
		store:     store,
		messenger: messenger,
		signer:    signer,
		groups:    make(map[string]*Group),
		proposals: make(map[string]*Proposal),
		invites:   make(map[string]*pendingInvite),
		logger:    logger.WithField("node", localID),
	}
}

// CreateGroup creates a group with the local node as its sole member.
func (m *Manager) CreateGroup(id, name string, rule Rule) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Group{
		ID:      id,
		Name:    name,
		Members: []string{m.localID},
		Rule:    rule,
	}
	m.groups[id] = g

	m.logger.WithFields(logrus.Fields{
		"group": id,
		"rule":  string(rule.Kind),
	}).Debug("Group created")

	return g
}

// InvitePeer sends a group invite to a peer. The peer becomes a member
// only when its acceptance comes back.
func (m *Manager) InvitePeer(groupID, peerID string) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownGroup
	}
	members := append([]string{}, g.Members...)
	invite := &net.GroupInvite{
		GroupID:   g.ID,
		GroupName: g.Name,
		FromID:    m.localID,
		Members:   members,
		RuleKind:  string(g.Rule.Kind),
		RuleN:     g.Rule.N,
	}
	m.mu.Unlock()

	return m.messenger.SendToPeer(peerID, net.Message{
		Type:    net.GroupInviteMsg,
		Payload: invite,
	})
}

// RespondToInvite answers a pending invite. On acceptance the group is
// mirrored locally with this node appended to the membership, and a sync
// of the group's root scope is requested from every existing member.
func (m *Manager) RespondToInvite(groupID string, accept bool) error {
	m.mu.Lock()
	inv, ok := m.invites[groupID]
	if !ok {
		m.mu.Unlock()
		return ErrNoInvite
	}
	delete(m.invites, groupID)

	var members []string
	if accept {
		g := inv.group
		g.AddMember(m.localID)
		m.groups[groupID] = g
		members = append([]string{}, g.Members...)
	}
	m.mu.Unlock()

	err := m.messenger.SendToPeer(inv.from, net.Message{
		Type: net.GroupInviteResponseMsg,
		Payload: &net.GroupInviteResponse{
			GroupID:  groupID,
			FromID:   m.localID,
			Accepted: accept,
		},
	})
	if err != nil {
		return err
	}

	if !accept {
		return nil
	}

	// catch up on the group's agreed state from everyone already in it
	haveIDs := []string{}
	for _, sf := range m.store.FindByScope(groupID + ":root") {
		haveIDs = append(haveIDs, sf.ID)
	}

	for _, member := range members {
		if member == m.localID {
			continue
		}
		sendErr := m.messenger.SendToPeer(member, net.Message{
			Type: net.GroupSyncRequestMsg,
			Payload: &net.GroupSyncRequest{
				GroupID: groupID,
				FromID:  m.localID,
				HaveIDs: haveIDs,
			},
		})
		if sendErr != nil {
			m.logger.WithField("member", member).WithError(sendErr).Debug("Group sync request failed")
		}
	}

	return nil
}

// PendingInvites returns the group IDs of invites awaiting an answer.
func (m *Manager) PendingInvites() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := []string{}
	for id := range m.invites {
		res = append(res, id)
	}
	return res
}

// ProposeFact creates a proposal with the local vote pre-set to approve,
// broadcasts it to the other members, and evaluates it immediately, which
// settles the trivial single-member case on the spot.
func (m *Manager) ProposeFact(groupID string, f fact.Fact) (string, error) {
	m.mu.Lock()

	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return "", ErrUnknownGroup
	}

	proposalID := newProposalID(groupID, m.localID)

	p := &Proposal{
		ID:        proposalID,
		GroupID:   groupID,
		Fact:      f,
		Proposer:  m.localID,
		Votes:     map[string]bool{m.localID: true},
		CreatedAt: time.Now(),
	}
	m.proposals[proposalID] = p

	members := append([]string{}, g.Members...)

	m.mu.Unlock()

	msg := net.Message{
		Type: net.GroupProposalMsg,
		Payload: &net.GroupProposal{
			GroupID:    groupID,
			ProposalID: proposalID,
			Fact:       f,
			FromID:     m.localID,
			Sig:        m.sign(groupID, proposalID),
		},
	}

	for _, member := range members {
		if member == m.localID {
			continue
		}
		if err := m.messenger.SendToPeer(member, msg); err != nil {
			m.logger.WithField("member", member).WithError(err).Debug("Proposal broadcast failed")
		}
	}

	m.mu.Lock()
	m.evaluate(p)
	m.mu.Unlock()

	return proposalID, nil
}

// Vote records the local node's decision on a proposal, broadcasts it to
// the other members, and re-evaluates consensus. Re-voting overwrites the
// previous entry.
func (m *Manager) Vote(proposalID string, approve bool) error {
	m.mu.Lock()

	p, ok := m.proposals[proposalID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownProposal
	}

	g, ok := m.groups[p.GroupID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownGroup
	}

	p.Votes[m.localID] = approve
	members := append([]string{}, g.Members...)
	groupID := p.GroupID

	m.mu.Unlock()

	msg := net.Message{
		Type: net.GroupVoteMsg,
		Payload: &net.GroupVote{
			GroupID:    groupID,
			ProposalID: proposalID,
			FromID:     m.localID,
			Approve:    approve,
			Sig:        m.sign(groupID, proposalID),
		},
	}

	for _, member := range members {
		if member == m.localID {
			continue
		}
		if err := m.messenger.SendToPeer(member, msg); err != nil {
			m.logger.WithField("member", member).WithError(err).Debug("Vote broadcast failed")
		}
	}

	m.mu.Lock()
	// the proposal may have resolved while the lock was released
	if current, ok := m.proposals[proposalID]; ok {
		m.evaluate(current)
	}
	m.mu.Unlock()

	return nil
}

// HandleGroupMessage implements the mesh GroupHandler hook.
func (m *Manager) HandleGroupMessage(from string, msg net.Message) {
	switch msg.Type {
	case net.GroupInviteMsg:
		m.handleInvite(from, msg.Payload.(*net.GroupInvite))
	case net.GroupInviteResponseMsg:
		m.handleInviteResponse(from, msg.Payload.(*net.GroupInviteResponse))
	case net.GroupProposalMsg:
		m.handleProposal(from, msg.Payload.(*net.GroupProposal))
	case net.GroupVoteMsg:
		m.handleVote(from, msg.Payload.(*net.GroupVote))
	case net.GroupSyncRequestMsg:
		m.handleSyncRequest(from, msg.Payload.(*net.GroupSyncRequest))
	case net.GroupSyncResponseMsg:
		m.handleSyncResponse(from, msg.Payload.(*net.GroupSyncResponse))
	default:
		m.logger.WithField("type", msg.Type.String()).Debug("Ignoring message")
	}
}

func (m *Manager) handleInvite(from string, inv *net.GroupInvite) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[inv.GroupID]; ok {
		m.logger.WithField("group", inv.GroupID).Debug("Already a member, ignoring invite")
		return
	}

	m.invites[inv.GroupID] = &pendingInvite{
		group: &Group{
			ID:      inv.GroupID,
			Name:    inv.GroupName,
			Members: append([]string{}, inv.Members...),
			Rule:    Rule{Kind: RuleKind(inv.RuleKind), N: inv.RuleN},
		},
		from: from,
	}

	m.logger.WithFields(logrus.Fields{
		"group": inv.GroupID,
		"from":  from,
	}).Debug("Invite received")
}

func (m *Manager) handleInviteResponse(from string, resp *net.GroupInviteResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[resp.GroupID]
	if !ok {
		m.logger.WithField("group", resp.GroupID).Warn("Invite response for unknown group, ignoring")
		return
	}

	if !resp.Accepted {
		m.logger.WithFields(logrus.Fields{
			"group": resp.GroupID,
			"peer":  from,
		}).Debug("Invite declined")
		return
	}

	g.AddMember(from)

	m.logger.WithFields(logrus.Fields{
		"group": resp.GroupID,
		"peer":  from,
	}).Debug("Member joined")
}

// handleProposal records a remote proposal with the sender's vote pre-set
// to approve. The signature on the wire is not verified; see Signer.
func (m *Manager) handleProposal(from string, prop *net.GroupProposal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[prop.GroupID]; !ok {
		m.logger.WithField("group", prop.GroupID).Warn("Proposal for unknown group, ignoring")
		return
	}

	if _, ok := m.proposals[prop.ProposalID]; ok {
		m.logger.WithField("proposal", prop.ProposalID).Debug("Duplicate proposal, ignoring")
		return
	}

	p := &Proposal{
		ID:        prop.ProposalID,
		GroupID:   prop.GroupID,
		Fact:      prop.Fact,
		Proposer:  from,
		Votes:     map[string]bool{from: true},
		CreatedAt: time.Now(),
	}
	m.proposals[prop.ProposalID] = p

	m.evaluate(p)
}

func (m *Manager) handleVote(from string, vote *net.GroupVote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[vote.ProposalID]
	if !ok {
		m.logger.WithField("proposal", vote.ProposalID).Warn("Vote for unknown proposal, ignoring")
		return
	}

	p.Votes[from] = vote.Approve

	m.evaluate(p)
}

// handleSyncRequest serves the facts of the group's root scope that the
// requester does not hold.
func (m *Manager) handleSyncRequest(from string, req *net.GroupSyncRequest) {
	m.mu.Lock()
	g, ok := m.groups[req.GroupID]
	m.mu.Unlock()

	if !ok {
		m.logger.WithField("group", req.GroupID).Warn("Sync request for unknown group, ignoring")
		return
	}

	have := make(map[string]bool, len(req.HaveIDs))
	for _, id := range req.HaveIDs {
		have[id] = true
	}

	facts := []*fact.StoredFact{}
	for _, sf := range m.store.FindByScope(g.RootScope()) {
		if have[sf.ID] {
			continue
		}
		facts = append(facts, sf)
	}

	err := m.messenger.SendToPeer(from, net.Message{
		Type: net.GroupSyncResponseMsg,
		Payload: &net.GroupSyncResponse{
			GroupID: req.GroupID,
			FromID:  m.localID,
			Facts:   facts,
		},
	})
	if err != nil {
		m.logger.WithField("peer", from).WithError(err).Debug("Group sync response failed")
	}
}

func (m *Manager) handleSyncResponse(from string, resp *net.GroupSyncResponse) {
	m.mu.Lock()
	_, ok := m.groups[resp.GroupID]
	m.mu.Unlock()

	if !ok {
		m.logger.WithField("group", resp.GroupID).Warn("Sync response for unknown group, ignoring")
		return
	}

	for _, sf := range resp.Facts {
		m.store.AddStored(sf)
	}
}

// evaluate runs the group's rule against the proposal's tallies. The
// member count is the live membership, recomputed on every evaluation; a
// membership change mid-vote changes the quorum target retroactively. On
// pass the fact is committed into the group's root scope through the
// store's idempotent add, so duplicate commits across members collapse to
// one. Either terminal outcome deletes the proposal. Caller holds the
// manager lock.
func (m *Manager) evaluate(p *Proposal) {
	g, ok := m.groups[p.GroupID]
	if !ok {
		m.logger.WithField("group", p.GroupID).Warn("Proposal references unknown group, dropping")
		delete(m.proposals, p.ID)
		return
	}

	yes, no := p.Tally()
	outcome := g.Rule.Evaluate(yes, no, len(g.Members))

	if outcome == Pending {
		return
	}

	delete(m.proposals, p.ID)

	entry := m.logger.WithFields(logrus.Fields{
		"group":    p.GroupID,
		"proposal": p.ID,
		"yes":      yes,
		"no":       no,
		"outcome":  outcome.String(),
	})

	if outcome == Passed {
		m.store.Add(p.Fact, p.Proposer, g.RootScope())
		entry.Debug("Proposal passed, fact committed")
		return
	}

	entry.Debug("Proposal rejected")
}

// Groups returns all groups this node is a member of.
func (m *Manager) Groups() []*Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := []*Group{}
	for _, g := range m.groups {
		res = append(res, g)
	}
	return res
}

// GetGroup returns a group by ID, or nil.
func (m *Manager) GetGroup(id string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[id]
}

// Proposals returns the active (unresolved) proposals.
func (m *Manager) Proposals() []*Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := []*Proposal{}
	for _, p := range m.proposals {
		res = append(res, p)
	}
	return res
}

// sign produces the signature attached to outgoing proposals and votes.
// Empty when no signer is configured.
func (m *Manager) sign(groupID, proposalID string) string {
	if m.signer == nil {
		return ""
	}
	sig, err := m.signer.Sign([]byte(groupID + "|" + proposalID))
	if err != nil {
		m.logger.WithError(err).Warn("Signing failed")
		return ""
	}
	return sig
}

// newProposalID derives a proposal identifier from the group, the
// proposer, and the creation time.
func newProposalID(groupID, proposer string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", groupID, proposer, time.Now().UnixNano())))
	return hex.EncodeToString(h[:])
}
