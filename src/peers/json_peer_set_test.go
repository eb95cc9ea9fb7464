package peers

import (
	"io/ioutil"
	"os"
	"reflect"
	"testing"
)

func TestJSONPeerSet(t *testing.T) {
	// Create a test dir
	dir, err := ioutil.TempDir("", "meshlang")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	// Create the store
	store := NewJSONPeerSet(dir)

	// Try a read, should get nothing
	if _, err := store.Peers(); err == nil {
		t.Fatalf("store.Peers() should generate an error")
	}

	peerSlice := []*Peer{
		NewPeer("addr0:1337", "peer0"),
		NewPeer("addr1:1337", "peer1"),
		NewPeer("addr2:1337", ""),
	}

	if err := store.Write(peerSlice); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should find the same peers
	peers, err := store.Peers()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(peers, peerSlice) {
		t.Fatalf("peers mismatch: %v != %v", peers, peerSlice)
	}
}

func TestExcludePeer(t *testing.T) {
	peerSlice := []*Peer{
		NewPeer("addr0:1337", "peer0"),
		NewPeer("addr1:1337", "peer1"),
	}

	index, rest := ExcludePeer(peerSlice, "addr1:1337")
	if index != 1 {
		t.Fatalf("index should be 1, not %d", index)
	}
	if len(rest) != 1 || rest[0].NetAddr != "addr0:1337" {
		t.Fatalf("wrong remainder: %v", rest)
	}

	index, rest = ExcludePeer(peerSlice, "unknown")
	if index != -1 {
		t.Fatalf("index should be -1, not %d", index)
	}
	if len(rest) != 2 {
		t.Fatalf("remainder should keep both peers")
	}
}
