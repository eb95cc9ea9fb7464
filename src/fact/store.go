package fact

// Store defines an interface for the fact store. The mesh, the group
// consensus manager, and the HTTP service all work against this interface,
// so a node can run with an in-memory store or a persistent one.
//
// No operation returns an error under normal use: a duplicate Add is a
// defined no-op and queries against absent scopes return empty results.
type Store interface {
	// Add inserts a fact under the given scope, attributed to source. The
	// scope defaults to source when empty. It returns the StoredFact and
	// true if the fact was genuinely new, or the existing StoredFact and
	// false if the same content address was already present.
	Add(f Fact, source, scope string) (*StoredFact, bool)

	// AddStored applies an already-wrapped StoredFact received from a peer,
	// preserving its timestamp and source. A fact whose ID does not match
	// its content is discarded.
	AddStored(sf *StoredFact) (*StoredFact, bool)

	// Retract removes a fact from the given scope. It reports whether the
	// fact was present.
	Retract(f Fact, scope string) bool

	FindByScope(scope string) []*StoredFact
	FindByKey(key string) []*StoredFact
	FindByValue(value interface{}) []*StoredFact

	// GetFact returns the StoredFact with the given content address, or nil.
	GetFact(id string) *StoredFact

	// GetScopeHash returns the order-independent content hash of a scope.
	// The hash of an absent or empty scope is the empty string.
	GetScopeHash(scope string) string

	// Scopes returns the identifiers of all scopes that hold facts.
	Scopes() []string

	// KnownIDs returns the content addresses of every stored fact.
	KnownIDs() []string

	// SetVisibleTo marks a scope as visible to a peer. Visibility is a local
	// annotation; it is not replicated and not transitive.
	SetVisibleTo(scope, peerID string)
	IsVisibleTo(scope, peerID string) bool
	GetScopesVisibleTo(peerID string) []string
	GetFactsVisibleTo(peerID string) []*StoredFact

	// Subscribe registers an observer which fires after a fact has been
	// fully applied to the store. It returns an unsubscribe function.
	Subscribe(obs Observer) (unsubscribe func())

	Close() error
}

// Observer receives store change notifications. Callbacks fire after the
// store state is fully applied, so an observer reading back through the
// store sees the change it is being notified about.
type Observer interface {
	FactAdded(sf *StoredFact)
	FactRetracted(sf *StoredFact)
}

// ObserverFuncs adapts plain functions to the Observer interface. Either
// field may be nil.
type ObserverFuncs struct {
	OnAdd     func(sf *StoredFact)
	OnRetract func(sf *StoredFact)
}

// FactAdded implements Observer.
func (o ObserverFuncs) FactAdded(sf *StoredFact) {
	if o.OnAdd != nil {
		o.OnAdd(sf)
	}
}

// FactRetracted implements Observer.
func (o ObserverFuncs) FactRetracted(sf *StoredFact) {
	if o.OnRetract != nil {
		o.OnRetract(sf)
	}
}
