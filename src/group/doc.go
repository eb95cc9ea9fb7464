// Package group implements group membership and consensus voting.
//
// A group is a named, ordered set of member nodes bound by a consensus
// rule: unanimous, majority, or threshold(n). Members propose fact changes
// to the group; each proposal collects one vote per member
// (last-write-wins on re-vote) and is evaluated against the rule after
// every vote. A passing proposal's fact is committed into the fact store
// under the group's root scope exactly like a local write; the idempotence
// of the store makes duplicate commits across members harmless. Passed and
// rejected proposals are removed from the active set; there is no archival
// record.
//
// The member count used in rule evaluation is the group's membership at
// evaluation time, not a snapshot from proposal creation, so membership
// churn during an open vote changes the quorum target.
//
// Proposals and votes carry a signature field on the wire but the
// consensus path does not verify it; see the note on Manager.
package group
