// Package node assembles a running meshlang node.
//
// A Node is the explicit context object holding the fact store, the mesh,
// the routing table, and the group consensus manager; every component
// receives its collaborators by reference, so multiple nodes coexist in
// one process. The node's run loop accepts inbound links from the
// transport and periodically re-advertises scope hashes to trigger
// differential sync.
package node
