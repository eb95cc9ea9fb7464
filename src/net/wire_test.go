package net

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"

	"github.com/davidmnoll/meshlang/src/fact"
	"github.com/ugorji/go/codec"
)

func testCodecPair(buf *bytes.Buffer) (*bufio.Reader, *codec.Decoder, *bufio.Writer, *codec.Encoder) {
	jh := newJSONHandle()
	r := bufio.NewReader(buf)
	w := bufio.NewWriter(buf)
	return r, codec.NewDecoder(r, jh), w, codec.NewEncoder(w, jh)
}

func TestMessageRoundTrip(t *testing.T) {
	f := fact.NewStoredFact(fact.Fact{Key: "color", Value: "blue"}, "scope1", "node1")

	msgs := []Message{
		{Type: HelloMsg, Payload: &Hello{NodeID: "node1", PubKeyHex: "04beef"}},
		{Type: SyncRequestMsg, Payload: &SyncRequest{FromID: "node1", HaveIDs: []string{f.ID}}},
		{Type: SyncResponseMsg, Payload: &SyncResponse{FromID: "node2", Facts: []*fact.StoredFact{f}}},
		{Type: FactAddMsg, Payload: &FactAdd{FromID: "node1", Fact: f}},
		{Type: ScopeHashesMsg, Payload: &ScopeHashes{FromID: "node1", Hashes: map[string]string{"scope1": "abcd"}}},
		{Type: ScopeQueryMsg, Payload: &ScopeQuery{FromID: "node2", Queries: []ScopeQueryEntry{{Scope: "scope1", KnownHash: "ffff"}}}},
		{Type: ScopeResponseMsg, Payload: &ScopeResponse{FromID: "node1", Scopes: []ScopePayload{{Scope: "scope1", Hash: "abcd", Facts: []*fact.StoredFact{f}}}}},
		{Type: GroupInviteMsg, Payload: &GroupInvite{GroupID: "g1", GroupName: "team", FromID: "node1", Members: []string{"node1"}, RuleKind: "majority", RuleN: 0}},
		{Type: GroupInviteResponseMsg, Payload: &GroupInviteResponse{GroupID: "g1", FromID: "node2", Accepted: true}},
		{Type: GroupProposalMsg, Payload: &GroupProposal{GroupID: "g1", ProposalID: "p1", Fact: fact.Fact{Key: "k", Value: "v"}, FromID: "node1", Sig: "sig"}},
		{Type: GroupVoteMsg, Payload: &GroupVote{GroupID: "g1", ProposalID: "p1", FromID: "node2", Approve: true, Sig: "sig"}},
		{Type: GroupSyncRequestMsg, Payload: &GroupSyncRequest{GroupID: "g1", FromID: "node2", HaveIDs: []string{f.ID}}},
		{Type: GroupSyncResponseMsg, Payload: &GroupSyncResponse{GroupID: "g1", FromID: "node1", Facts: []*fact.StoredFact{f}}},
	}

	buf := new(bytes.Buffer)
	r, dec, w, enc := testCodecPair(buf)

	for _, msg := range msgs {
		if err := writeMessage(w, enc, msg); err != nil {
			t.Fatalf("writeMessage(%s): %v", msg.Type, err)
		}
	}

	for _, expected := range msgs {
		got, err := readMessage(r, dec)
		if err != nil {
			t.Fatalf("readMessage(%s): %v", expected.Type, err)
		}
		if got.Type != expected.Type {
			t.Fatalf("type %s, expected %s", got.Type, expected.Type)
		}
		if !reflect.DeepEqual(got.Payload, expected.Payload) {
			t.Fatalf("payload mismatch for %s: %#v != %#v", expected.Type, got.Payload, expected.Payload)
		}
	}
}

func TestUnknownMessageKeepsStreamAligned(t *testing.T) {
	buf := new(bytes.Buffer)
	r, dec, w, enc := testCodecPair(buf)

	// write a message with an unrecognized tag followed by a valid one
	if err := writeMessage(w, enc, Message{Type: MsgType(200), Payload: map[string]string{"bogus": "payload"}}); err != nil {
		t.Fatal(err)
	}
	if err := writeMessage(w, enc, Message{Type: HelloMsg, Payload: &Hello{NodeID: "node1"}}); err != nil {
		t.Fatal(err)
	}

	_, err := readMessage(r, dec)
	if err != ErrUnknownMessage {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}

	msg, err := readMessage(r, dec)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != HelloMsg {
		t.Fatalf("stream misaligned after unknown message: got %s", msg.Type)
	}
	if msg.Payload.(*Hello).NodeID != "node1" {
		t.Fatalf("bad hello payload: %#v", msg.Payload)
	}
}
