package fact

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/davidmnoll/meshlang/src/common"
	"github.com/sirupsen/logrus"
)

func testBadgerLogger(t *testing.T) *logrus.Entry {
	return logrus.NewEntry(common.NewTestLogger(t))
}

func TestBadgerStoreReload(t *testing.T) {
	dir, err := ioutil.TempDir("", "meshlang")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := NewBadgerStore(dir, testBadgerLogger(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	sf, fresh := store.Add(Fact{Key: "color", Value: "blue"}, "node1", "scope1")
	if !fresh {
		t.Fatalf("Add should report fresh")
	}

	store.SetVisibleTo("scope1", "peer1")

	hash := store.GetScopeHash("scope1")

	if err := store.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}

	reloaded, err := NewBadgerStore(dir, testBadgerLogger(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer reloaded.Close()

	got := reloaded.GetFact(sf.ID)
	if got == nil {
		t.Fatalf("fact should survive a reload")
	}
	if got.Source != "node1" || got.Timestamp != sf.Timestamp {
		t.Fatalf("reloaded fact should preserve metadata")
	}

	if reloaded.GetScopeHash("scope1") != hash {
		t.Fatalf("scope hash should survive a reload")
	}

	if !reloaded.IsVisibleTo("scope1", "peer1") {
		t.Fatalf("visibility should survive a reload")
	}
}

func TestBadgerStoreRetractPersists(t *testing.T) {
	dir, err := ioutil.TempDir("", "meshlang")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := NewBadgerStore(dir, testBadgerLogger(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	f := Fact{Key: "color", Value: "blue"}
	store.Add(f, "node1", "scope1")
	store.Retract(f, "scope1")

	if err := store.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}

	reloaded, err := NewBadgerStore(dir, testBadgerLogger(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer reloaded.Close()

	if facts := reloaded.FindByScope("scope1"); len(facts) != 0 {
		t.Fatalf("retracted fact should not survive a reload, got %d facts", len(facts))
	}
}
