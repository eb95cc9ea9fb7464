package fact

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davidmnoll/meshlang/src/crypto"
)

// scopeMeta holds the per-scope bookkeeping: the cached content hash, the
// visibility set, and the time of the last mutation. A scope exists the
// moment any fact references it; there is no deletion primitive.
type scopeMeta struct {
	contentHash  string
	visibleTo    map[string]bool
	lastModified int64
}

func newScopeMeta() *scopeMeta {
	return &scopeMeta{
		visibleTo: make(map[string]bool),
	}
}

// InmemStore implements the Store interface with plain in-memory maps. It
// maintains three indices (by scope, by key, by canonical value) plus a
// primary index by content address.
type InmemStore struct {
	sync.RWMutex

	facts   map[string]*StoredFact   //id => fact
	byScope map[string][]*StoredFact //scope => facts
	byKey   map[string][]*StoredFact //key => facts
	byValue map[string][]*StoredFact //canonical value => facts

	scopes map[string]*scopeMeta

	observers map[int]Observer
	nextObsID int
}

// NewInmemStore instantiates an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		facts:     make(map[string]*StoredFact),
		byScope:   make(map[string][]*StoredFact),
		byKey:     make(map[string][]*StoredFact),
		byValue:   make(map[string][]*StoredFact),
		scopes:    make(map[string]*scopeMeta),
		observers: make(map[int]Observer),
	}
}

// Add implements the Store interface. The returned bool reports whether the
// fact was genuinely new; a duplicate Add is a no-op and returns the
// existing StoredFact with false. This idempotence is what makes network
// retransmission and out-of-order delivery harmless.
func (s *InmemStore) Add(f Fact, source, scope string) (*StoredFact, bool) {
	if scope == "" {
		scope = source
	}

	id := FactID(scope, f.Key, f.Value)

	s.Lock()

	if existing, ok := s.facts[id]; ok {
		s.Unlock()
		return existing, false
	}

	sf := &StoredFact{
		ID:        id,
		Scope:     scope,
		Key:       f.Key,
		Value:     f.Value,
		Timestamp: time.Now().UnixNano(),
		Source:    source,
	}

	s.insert(sf)

	s.Unlock()

	s.notifyAdded(sf)

	return sf, true
}

// AddStored inserts an already-wrapped StoredFact, preserving its original
// timestamp and source. It is used when applying facts received from peers.
// The ID is recomputed locally; a fact whose ID does not match its content
// is discarded.
func (s *InmemStore) AddStored(sf *StoredFact) (*StoredFact, bool) {
	id := FactID(sf.Scope, sf.Key, sf.Value)
	if sf.ID != id {
		return nil, false
	}

	s.Lock()

	if existing, ok := s.facts[id]; ok {
		s.Unlock()
		return existing, false
	}

	cp := *sf
	s.insert(&cp)

	s.Unlock()

	s.notifyAdded(&cp)

	return &cp, true
}

// insert updates all indices and the scope hash. Caller holds the lock.
func (s *InmemStore) insert(sf *StoredFact) {
	vk := string(CanonicalValue(sf.Value))

	s.facts[sf.ID] = sf
	s.byScope[sf.Scope] = append(s.byScope[sf.Scope], sf)
	s.byKey[sf.Key] = append(s.byKey[sf.Key], sf)
	s.byValue[vk] = append(s.byValue[vk], sf)

	meta := s.scope(sf.Scope)
	meta.lastModified = time.Now().UnixNano()
	meta.contentHash = s.computeScopeHash(sf.Scope)
}

// Retract implements the Store interface.
func (s *InmemStore) Retract(f Fact, scope string) bool {
	id := FactID(scope, f.Key, f.Value)

	s.Lock()

	sf, ok := s.facts[id]
	if !ok {
		s.Unlock()
		return false
	}

	vk := string(CanonicalValue(sf.Value))

	delete(s.facts, id)
	s.byScope[sf.Scope] = remove(s.byScope[sf.Scope], id)
	s.byKey[sf.Key] = remove(s.byKey[sf.Key], id)
	s.byValue[vk] = remove(s.byValue[vk], id)

	meta := s.scope(scope)
	meta.lastModified = time.Now().UnixNano()
	meta.contentHash = s.computeScopeHash(scope)

	s.Unlock()

	s.notifyRetracted(sf)

	return true
}

func remove(facts []*StoredFact, id string) []*StoredFact {
	res := facts[:0]
	for _, sf := range facts {
		if sf.ID != id {
			res = append(res, sf)
		}
	}
	return res
}

// scope returns the meta entry for a scope, creating it if absent. Caller
// holds the lock.
func (s *InmemStore) scope(name string) *scopeMeta {
	meta, ok := s.scopes[name]
	if !ok {
		meta = newScopeMeta()
		s.scopes[name] = meta
	}
	return meta
}

// computeScopeHash combines the IDs of all facts in a scope. The IDs are
// sorted lexicographically before hashing so that receipt order never
// affects the result. Caller holds the lock.
func (s *InmemStore) computeScopeHash(name string) string {
	members := s.byScope[name]
	if len(members) == 0 {
		return ""
	}

	ids := make([]string, len(members))
	for i, sf := range members {
		ids[i] = sf.ID
	}
	sort.Strings(ids)

	hash := []byte{}
	for _, id := range ids {
		hash = crypto.SimpleHashFromTwoHashes(hash, []byte(id))
	}

	return fmt.Sprintf("%x", hash)
}

// FindByScope implements the Store interface.
func (s *InmemStore) FindByScope(scope string) []*StoredFact {
	s.RLock()
	defer s.RUnlock()
	return append([]*StoredFact{}, s.byScope[scope]...)
}

// FindByKey implements the Store interface.
func (s *InmemStore) FindByKey(key string) []*StoredFact {
	s.RLock()
	defer s.RUnlock()
	return append([]*StoredFact{}, s.byKey[key]...)
}

// FindByValue implements the Store interface.
func (s *InmemStore) FindByValue(value interface{}) []*StoredFact {
	s.RLock()
	defer s.RUnlock()
	return append([]*StoredFact{}, s.byValue[string(CanonicalValue(value))]...)
}

// GetFact implements the Store interface.
func (s *InmemStore) GetFact(id string) *StoredFact {
	s.RLock()
	defer s.RUnlock()
	return s.facts[id]
}

// GetScopeHash implements the Store interface. The hash is cached and
// recomputed on every mutation, so this is a map lookup.
func (s *InmemStore) GetScopeHash(scope string) string {
	s.RLock()
	defer s.RUnlock()

	if meta, ok := s.scopes[scope]; ok {
		return meta.contentHash
	}
	return ""
}

// Scopes implements the Store interface.
func (s *InmemStore) Scopes() []string {
	s.RLock()
	defer s.RUnlock()

	res := []string{}
	for name := range s.scopes {
		if len(s.byScope[name]) > 0 {
			res = append(res, name)
		}
	}
	sort.Strings(res)
	return res
}

// KnownIDs implements the Store interface.
func (s *InmemStore) KnownIDs() []string {
	s.RLock()
	defer s.RUnlock()

	res := make([]string, 0, len(s.facts))
	for id := range s.facts {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

// SetVisibleTo implements the Store interface.
func (s *InmemStore) SetVisibleTo(scope, peerID string) {
	s.Lock()
	defer s.Unlock()
	s.scope(scope).visibleTo[peerID] = true
}

// IsVisibleTo implements the Store interface.
func (s *InmemStore) IsVisibleTo(scope, peerID string) bool {
	s.RLock()
	defer s.RUnlock()

	meta, ok := s.scopes[scope]
	return ok && meta.visibleTo[peerID]
}

// GetScopesVisibleTo implements the Store interface.
func (s *InmemStore) GetScopesVisibleTo(peerID string) []string {
	s.RLock()
	defer s.RUnlock()

	res := []string{}
	for name, meta := range s.scopes {
		if meta.visibleTo[peerID] {
			res = append(res, name)
		}
	}
	sort.Strings(res)
	return res
}

// GetFactsVisibleTo implements the Store interface.
func (s *InmemStore) GetFactsVisibleTo(peerID string) []*StoredFact {
	s.RLock()
	defer s.RUnlock()

	res := []*StoredFact{}
	for name, meta := range s.scopes {
		if meta.visibleTo[peerID] {
			res = append(res, s.byScope[name]...)
		}
	}
	return res
}

// Subscribe implements the Store interface.
func (s *InmemStore) Subscribe(obs Observer) func() {
	s.Lock()
	defer s.Unlock()

	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs

	return func() {
		s.Lock()
		defer s.Unlock()
		delete(s.observers, id)
	}
}

func (s *InmemStore) notifyAdded(sf *StoredFact) {
	for _, obs := range s.snapshotObservers() {
		obs.FactAdded(sf)
	}
}

func (s *InmemStore) notifyRetracted(sf *StoredFact) {
	for _, obs := range s.snapshotObservers() {
		obs.FactRetracted(sf)
	}
}

func (s *InmemStore) snapshotObservers() []Observer {
	s.RLock()
	defer s.RUnlock()

	res := make([]Observer, 0, len(s.observers))
	for _, obs := range s.observers {
		res = append(res, obs)
	}
	return res
}

// Close implements the Store interface. It is a no-op for the in-memory
// store.
func (s *InmemStore) Close() error {
	return nil
}
