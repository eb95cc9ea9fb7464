package node

import (
	"sync"
	"testing"
	"time"

	"github.com/davidmnoll/meshlang/src/common"
	"github.com/davidmnoll/meshlang/src/crypto/keys"
	"github.com/davidmnoll/meshlang/src/fact"
	"github.com/davidmnoll/meshlang/src/group"
	"github.com/davidmnoll/meshlang/src/net"
	"github.com/sirupsen/logrus"
)

// pipeTransport connects nodes in-process through pipe-backed link pairs,
// addressed by name in a shared registry.
type pipeRegistry struct {
	mu     sync.Mutex
	byAddr map[string]*pipeTransport
}

type pipeTransport struct {
	addr      string
	registry  *pipeRegistry
	consumeCh chan net.Link
	logger    *logrus.Entry
}

func newPipeTransport(addr string, reg *pipeRegistry, logger *logrus.Entry) *pipeTransport {
	t := &pipeTransport{
		addr:      addr,
		registry:  reg,
		consumeCh: make(chan net.Link, 4),
		logger:    logger,
	}
	reg.mu.Lock()
	reg.byAddr[addr] = t
	reg.mu.Unlock()
	return t
}

func (t *pipeTransport) Consumer() <-chan net.Link {
	return t.consumeCh
}

func (t *pipeTransport) Dial(target string, timeout time.Duration) (net.Link, error) {
	t.registry.mu.Lock()
	remote, ok := t.registry.byAddr[target]
	t.registry.mu.Unlock()
	if !ok {
		return nil, net.ErrTransportShutdown
	}

	local, far := net.NewInmemLinkPair(t.addr, target, t.logger)
	remote.consumeCh <- far
	return local, nil
}

func (t *pipeTransport) AdvertiseAddr() string { return t.addr }
func (t *pipeTransport) Close() error          { return nil }

func newTestNode(t *testing.T, reg *pipeRegistry, addr string) *Node {
	logger := logrus.NewEntry(common.NewTestLogger(t))

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	conf := Config{
		HeartbeatInterval: 50 * time.Millisecond,
		DialTimeout:       time.Second,
	}

	n := NewNode(key, fact.NewInmemStore(), newPipeTransport(addr, reg, logger), conf, logger)
	go n.Run()
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNodesConvergeAndVote(t *testing.T) {
	reg := &pipeRegistry{byAddr: map[string]*pipeTransport{}}

	a := newTestNode(t, reg, "a")
	b := newTestNode(t, reg, "b")
	defer a.Shutdown()
	defer b.Shutdown()

	if err := a.Dial("b"); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "peers to identify", func() bool {
		return a.Mesh().PeerCount() == 1 && b.Mesh().PeerCount() == 1
	})

	// local add floods to the peer
	sf, fresh := a.AddFact(fact.Fact{Key: "color", Value: "blue"}, "shared")
	if !fresh {
		t.Fatal("local add was not new")
	}

	waitUntil(t, "fact to replicate", func() bool {
		return b.Store().GetFact(sf.ID) != nil
	})

	// group lifecycle across the real mesh
	a.Groups().CreateGroup("g1", "pair", group.Rule{Kind: group.Unanimous})
	if err := a.Groups().InvitePeer("g1", b.ID()); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "invite to arrive", func() bool {
		return len(b.Groups().PendingInvites()) == 1
	})

	if err := b.Groups().RespondToInvite("g1", true); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "membership to settle", func() bool {
		g := a.Groups().GetGroup("g1")
		return g != nil && g.HasMember(b.ID())
	})

	pid, err := a.Groups().ProposeFact("g1", fact.Fact{Key: "charter", Value: "v1"})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "proposal to arrive", func() bool {
		return len(b.Groups().Proposals()) == 1
	})

	if err := b.Groups().Vote(pid, true); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "unanimous pass to commit on both nodes", func() bool {
		return len(a.Store().FindByScope("g1:root")) == 1 &&
			len(b.Store().FindByScope("g1:root")) == 1
	})
}

func TestRetractionIsLocal(t *testing.T) {
	reg := &pipeRegistry{byAddr: map[string]*pipeTransport{}}

	a := newTestNode(t, reg, "a")
	b := newTestNode(t, reg, "b")
	defer a.Shutdown()
	defer b.Shutdown()

	if err := a.Dial("b"); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "peers to identify", func() bool {
		return a.Mesh().PeerCount() == 1 && b.Mesh().PeerCount() == 1
	})

	f := fact.Fact{Key: "status", Value: "up"}
	sf, _ := a.AddFact(f, "health")

	waitUntil(t, "fact to replicate", func() bool {
		return b.Store().GetFact(sf.ID) != nil
	})

	if !a.RetractFact(f, "health") {
		t.Fatal("retract reported absent fact")
	}

	if a.Store().GetFact(sf.ID) != nil {
		t.Fatal("fact still present after retraction")
	}

	// the wire protocol has no retract message, so the peer keeps its copy
	time.Sleep(100 * time.Millisecond)
	if b.Store().GetFact(sf.ID) == nil {
		t.Fatal("retraction unexpectedly replicated")
	}
}
