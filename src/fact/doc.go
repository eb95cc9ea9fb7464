// Package fact implements the content-addressed fact store at the heart of
// meshlang.
//
// A Fact is an immutable (key, value) pair. When a fact is added to the
// store, under a scope, it is wrapped in a StoredFact whose ID is derived
// deterministically from (scope, key, value). Two nodes computing the same
// triple always produce the same ID, so the store is naturally deduplicating
// and merging two stores is a plain union of sets.
//
// Every scope carries a content hash which is an order-independent
// combination of the IDs of its member facts. Two stores that hold the same
// facts for a scope report the same hash regardless of the order in which
// the facts arrived. This is the property that the mesh relies on for
// differential sync.
//
// Scopes also carry a visibility set: the list of peers allowed to receive
// the scope's facts during sync. Visibility is a purely local annotation; it
// is never replicated, and it is not transitive.
package fact
