package net

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/davidmnoll/meshlang/src/fact"
	"github.com/ugorji/go/codec"
)

// MsgType is the wire discriminator of a protocol message. The set of
// message kinds is closed: decoding switches exhaustively over these values
// and anything else is ErrUnknownMessage.
type MsgType uint8

const (
	// HelloMsg announces a node's identity after a link connects.
	HelloMsg MsgType = iota
	// SyncRequestMsg requests facts not already held by the sender.
	SyncRequestMsg
	// SyncResponseMsg is a bulk fact transfer.
	SyncResponseMsg
	// FactAddMsg propagates a single fact.
	FactAddMsg
	// ScopeHashesMsg advertises per-scope content hashes.
	ScopeHashesMsg
	// ScopeQueryMsg requests scopes whose hash differs.
	ScopeQueryMsg
	// ScopeResponseMsg is a visibility-filtered scope payload.
	ScopeResponseMsg
	// GroupInviteMsg invites a peer to a group.
	GroupInviteMsg
	// GroupInviteResponseMsg accepts or rejects an invite.
	GroupInviteResponseMsg
	// GroupProposalMsg proposes a group state change.
	GroupProposalMsg
	// GroupVoteMsg casts or updates a vote.
	GroupVoteMsg
	// GroupSyncRequestMsg requests a sync of a group's root scope.
	GroupSyncRequestMsg
	// GroupSyncResponseMsg transfers a group's root scope facts.
	GroupSyncResponseMsg
)

// String ...
func (t MsgType) String() string {
	switch t {
	case HelloMsg:
		return "hello"
	case SyncRequestMsg:
		return "sync-request"
	case SyncResponseMsg:
		return "sync-response"
	case FactAddMsg:
		return "fact-add"
	case ScopeHashesMsg:
		return "scope-hashes"
	case ScopeQueryMsg:
		return "scope-query"
	case ScopeResponseMsg:
		return "scope-response"
	case GroupInviteMsg:
		return "group-invite"
	case GroupInviteResponseMsg:
		return "group-invite-response"
	case GroupProposalMsg:
		return "group-proposal"
	case GroupVoteMsg:
		return "group-vote"
	case GroupSyncRequestMsg:
		return "group-sync-request"
	case GroupSyncResponseMsg:
		return "group-sync-response"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ErrUnknownMessage is returned when a message with an unrecognized type tag
// is received. Callers log and drop such messages.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is the unit of exchange between peers: a type tag and the
// corresponding payload struct (a pointer to one of the types below).
type Message struct {
	Type    MsgType
	Payload interface{}
}

// Hello is sent by both ends of a link as soon as it connects.
type Hello struct {
	NodeID    string `json:"node_id"`
	PubKeyHex string `json:"pub_key_hex"`
}

// SyncRequest lists every fact ID the sender currently knows, so the
// receiver can respond with the set difference.
type SyncRequest struct {
	FromID  string   `json:"from_id"`
	HaveIDs []string `json:"have_ids"`
}

// SyncResponse returns the facts the requester did not list in HaveIDs.
type SyncResponse struct {
	FromID string             `json:"from_id"`
	Facts  []*fact.StoredFact `json:"facts"`
}

// FactAdd propagates a single fact through the mesh. Receivers apply it
// idempotently and re-broadcast it to their other peers only if it was
// genuinely new, which terminates the flood.
type FactAdd struct {
	FromID string          `json:"from_id"`
	Fact   *fact.StoredFact `json:"fact"`
}

// ScopeHashes advertises the content hash of each scope the sender is
// willing to share with the receiver.
type ScopeHashes struct {
	FromID string            `json:"from_id"`
	Hashes map[string]string `json:"hashes"`
}

// ScopeQueryEntry names a scope and the hash the requester last saw for it.
type ScopeQueryEntry struct {
	Scope     string `json:"scope"`
	KnownHash string `json:"known_hash"`
}

// ScopeQuery requests the contents of scopes whose hash differs from the
// requester's.
type ScopeQuery struct {
	FromID  string            `json:"from_id"`
	Queries []ScopeQueryEntry `json:"queries"`
}

// ScopePayload carries one scope's hash and facts.
type ScopePayload struct {
	Scope string             `json:"scope"`
	Hash  string             `json:"hash"`
	Facts []*fact.StoredFact `json:"facts"`
}

// ScopeResponse answers a ScopeQuery, restricted to scopes the requester is
// allowed to see.
type ScopeResponse struct {
	FromID string         `json:"from_id"`
	Scopes []ScopePayload `json:"scopes"`
}

// GroupInvite invites the receiver into a group. Members is the current
// ordered membership; RuleKind and RuleN describe the group's consensus
// rule so the invitee can mirror the group locally.
type GroupInvite struct {
	GroupID   string   `json:"group_id"`
	GroupName string   `json:"group_name"`
	FromID    string   `json:"from_id"`
	Members   []string `json:"members"`
	RuleKind  string   `json:"rule_kind"`
	RuleN     int      `json:"rule_n"`
}

// GroupInviteResponse accepts or rejects a GroupInvite.
type GroupInviteResponse struct {
	GroupID  string `json:"group_id"`
	FromID   string `json:"from_id"`
	Accepted bool   `json:"accepted"`
}

// GroupProposal proposes a fact change to a group. Sig is a signature over
// (GroupID, ProposalID) by the proposer; it is carried on the wire but NOT
// verified by the consensus path, which means a malicious peer can still
// forge proposals under another node's identifier. Closing this gap
// requires verifying Sig against the sender's known public key.
type GroupProposal struct {
	GroupID    string    `json:"group_id"`
	ProposalID string    `json:"proposal_id"`
	Fact       fact.Fact `json:"fact"`
	FromID     string    `json:"from_id"`
	Sig        string    `json:"sig"`
}

// GroupVote casts or updates a vote on a proposal. Re-voting overwrites the
// previous entry for the voter. Sig has the same caveat as on
// GroupProposal: carried, not verified.
type GroupVote struct {
	GroupID    string `json:"group_id"`
	ProposalID string `json:"proposal_id"`
	FromID     string `json:"from_id"`
	Approve    bool   `json:"approve"`
	Sig        string `json:"sig"`
}

// GroupSyncRequest requests the facts of a group's root scope.
type GroupSyncRequest struct {
	GroupID string   `json:"group_id"`
	FromID  string   `json:"from_id"`
	HaveIDs []string `json:"have_ids"`
}

// GroupSyncResponse transfers the requested group facts.
type GroupSyncResponse struct {
	GroupID string             `json:"group_id"`
	FromID  string             `json:"from_id"`
	Facts   []*fact.StoredFact `json:"facts"`
}

// newJSONHandle returns the codec handle used for all wire encoding.
// Canonical mode sorts map keys so that encodings are byte-identical across
// nodes.
func newJSONHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return jh
}

// writeMessage frames a message onto a buffered writer: one type byte
// followed by the encoded payload.
func writeMessage(w *bufio.Writer, enc *codec.Encoder, msg Message) error {
	if err := w.WriteByte(byte(msg.Type)); err != nil {
		return err
	}
	if err := enc.Encode(msg.Payload); err != nil {
		return err
	}
	return w.Flush()
}

// readMessage reads one framed message. An unknown type tag consumes the
// payload and returns ErrUnknownMessage so the stream stays aligned.
func readMessage(r *bufio.Reader, dec *codec.Decoder) (Message, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Message{}, err
	}

	msgType := MsgType(tag)

	var payload interface{}

	switch msgType {
	case HelloMsg:
		payload = new(Hello)
	case SyncRequestMsg:
		payload = new(SyncRequest)
	case SyncResponseMsg:
		payload = new(SyncResponse)
	case FactAddMsg:
		payload = new(FactAdd)
	case ScopeHashesMsg:
		payload = new(ScopeHashes)
	case ScopeQueryMsg:
		payload = new(ScopeQuery)
	case ScopeResponseMsg:
		payload = new(ScopeResponse)
	case GroupInviteMsg:
		payload = new(GroupInvite)
	case GroupInviteResponseMsg:
		payload = new(GroupInviteResponse)
	case GroupProposalMsg:
		payload = new(GroupProposal)
	case GroupVoteMsg:
		payload = new(GroupVote)
	case GroupSyncRequestMsg:
		payload = new(GroupSyncRequest)
	case GroupSyncResponseMsg:
		payload = new(GroupSyncResponse)
	default:
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return Message{}, err
		}
		return Message{Type: msgType}, ErrUnknownMessage
	}

	if err := dec.Decode(payload); err != nil {
		return Message{}, err
	}

	return Message{Type: msgType, Payload: payload}, nil
}
