package fact

import (
	"reflect"
	"testing"
)

func TestFactIDDeterminism(t *testing.T) {
	id1 := FactID("scope1", "color", "blue")
	id2 := FactID("scope1", "color", "blue")

	if id1 != id2 {
		t.Fatalf("FactID should be deterministic: %s != %s", id1, id2)
	}

	if id3 := FactID("scope2", "color", "blue"); id3 == id1 {
		t.Fatalf("FactID should depend on scope")
	}

	if id4 := FactID("scope1", "color", "red"); id4 == id1 {
		t.Fatalf("FactID should depend on value")
	}
}

func TestAddIdempotence(t *testing.T) {
	store := NewInmemStore()

	f := Fact{Key: "color", Value: "blue"}

	sf, fresh := store.Add(f, "node1", "scope1")
	if !fresh {
		t.Fatalf("first Add should report fresh")
	}
	if sf == nil {
		t.Fatalf("first Add should return the StoredFact")
	}

	sf2, fresh := store.Add(f, "node2", "scope1")
	if fresh {
		t.Fatalf("second Add should be a no-op")
	}
	if sf2.ID != sf.ID {
		t.Fatalf("second Add should return the existing StoredFact")
	}

	if got := len(store.FindByScope("scope1")); got != 1 {
		t.Fatalf("scope1 should contain 1 fact, not %d", got)
	}
	if got := len(store.FindByKey("color")); got != 1 {
		t.Fatalf("key index should contain 1 fact, not %d", got)
	}
	if got := len(store.FindByValue("blue")); got != 1 {
		t.Fatalf("value index should contain 1 fact, not %d", got)
	}
}

func TestAddDefaultScope(t *testing.T) {
	store := NewInmemStore()

	sf, _ := store.Add(Fact{Key: "k", Value: "v"}, "node1", "")

	if sf.Scope != "node1" {
		t.Fatalf("scope should default to source, got %s", sf.Scope)
	}
}

func TestScopeHashOrderIndependence(t *testing.T) {
	facts := []Fact{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
		{Key: "c", Value: "3"},
	}

	store1 := NewInmemStore()
	for _, f := range facts {
		store1.Add(f, "node1", "shared")
	}

	store2 := NewInmemStore()
	for i := len(facts) - 1; i >= 0; i-- {
		store2.Add(facts[i], "node2", "shared")
	}

	h1 := store1.GetScopeHash("shared")
	h2 := store2.GetScopeHash("shared")

	if h1 == "" {
		t.Fatalf("scope hash should not be empty")
	}
	if h1 != h2 {
		t.Fatalf("scope hashes should match regardless of insertion order: %s != %s", h1, h2)
	}
}

func TestRetract(t *testing.T) {
	store := NewInmemStore()

	f := Fact{Key: "color", Value: "blue"}
	store.Add(f, "node1", "scope1")

	hashBefore := store.GetScopeHash("scope1")

	if !store.Retract(f, "scope1") {
		t.Fatalf("Retract should report the fact was present")
	}

	if store.Retract(f, "scope1") {
		t.Fatalf("second Retract should be a no-op")
	}

	if got := len(store.FindByScope("scope1")); got != 0 {
		t.Fatalf("scope1 should be empty, got %d facts", got)
	}
	if got := len(store.FindByKey("color")); got != 0 {
		t.Fatalf("key index should be empty, got %d facts", got)
	}

	if hashAfter := store.GetScopeHash("scope1"); hashAfter == hashBefore {
		t.Fatalf("scope hash should change after retract")
	}
}

func TestAbsentScopeQueries(t *testing.T) {
	store := NewInmemStore()

	if facts := store.FindByScope("nope"); len(facts) != 0 {
		t.Fatalf("absent scope should yield empty result")
	}
	if hash := store.GetScopeHash("nope"); hash != "" {
		t.Fatalf("absent scope hash should be empty, got %s", hash)
	}
}

func TestVisibilityNonTransitivity(t *testing.T) {
	store := NewInmemStore()

	store.Add(Fact{Key: "secret", Value: "42"}, "node1", "private")
	store.SetVisibleTo("private", "peer1")

	if !store.IsVisibleTo("private", "peer1") {
		t.Fatalf("private should be visible to peer1")
	}
	if store.IsVisibleTo("private", "peer2") {
		t.Fatalf("private should not be visible to peer2")
	}

	// peer2 being a peer of peer1 confers nothing; only an explicit
	// SetVisibleTo does
	if facts := store.GetFactsVisibleTo("peer2"); len(facts) != 0 {
		t.Fatalf("peer2 should see no facts, got %d", len(facts))
	}

	if scopes := store.GetScopesVisibleTo("peer1"); !reflect.DeepEqual(scopes, []string{"private"}) {
		t.Fatalf("peer1 visible scopes: %v", scopes)
	}
}

func TestAddStoredPreservesMetadata(t *testing.T) {
	store1 := NewInmemStore()
	sf, _ := store1.Add(Fact{Key: "k", Value: "v"}, "origin", "scope1")

	store2 := NewInmemStore()
	applied, fresh := store2.AddStored(sf)
	if !fresh {
		t.Fatalf("AddStored should apply a new fact")
	}
	if applied.Source != "origin" || applied.Timestamp != sf.Timestamp {
		t.Fatalf("AddStored should preserve source and timestamp")
	}

	// tampered content address is rejected
	bogus := *sf
	bogus.Value = "other"
	if _, ok := store2.AddStored(&bogus); ok {
		t.Fatalf("AddStored should reject a fact whose ID does not match its content")
	}
}

func TestObservers(t *testing.T) {
	store := NewInmemStore()

	var added, retracted []*StoredFact

	unsubscribe := store.Subscribe(ObserverFuncs{
		OnAdd:     func(sf *StoredFact) { added = append(added, sf) },
		OnRetract: func(sf *StoredFact) { retracted = append(retracted, sf) },
	})

	f := Fact{Key: "k", Value: "v"}

	store.Add(f, "node1", "scope1")
	store.Add(f, "node1", "scope1") //duplicate should not notify
	store.Retract(f, "scope1")

	if len(added) != 1 {
		t.Fatalf("expected 1 add notification, got %d", len(added))
	}
	if len(retracted) != 1 {
		t.Fatalf("expected 1 retract notification, got %d", len(retracted))
	}

	unsubscribe()

	store.Add(f, "node1", "scope1")
	if len(added) != 1 {
		t.Fatalf("unsubscribed observer should not fire")
	}
}

func TestObserverFiresAfterApply(t *testing.T) {
	store := NewInmemStore()

	store.Subscribe(ObserverFuncs{
		OnAdd: func(sf *StoredFact) {
			// the fact must be readable from the store by the time the
			// observer fires
			if store.GetFact(sf.ID) == nil {
				t.Fatalf("observer fired before the fact was applied")
			}
		},
	})

	store.Add(Fact{Key: "k", Value: "v"}, "node1", "scope1")
}
