package group

import (
	"time"

	"github.com/davidmnoll/meshlang/src/fact"
)

// RuleKind names a consensus rule.
type RuleKind string

const (
	// Unanimous passes when every member approves, rejects on any
	// rejection.
	Unanimous RuleKind = "unanimous"
	// Majority passes when more than half the members approve.
	Majority RuleKind = "majority"
	// Threshold passes when at least N members approve.
	Threshold RuleKind = "threshold"
)

// Outcome is the result of evaluating a proposal against a rule.
type Outcome int

const (
	// Pending means the proposal has not gathered enough votes either way.
	Pending Outcome = iota
	// Passed means the proposal's fact is to be committed.
	Passed
	// Rejected means the proposal is discarded with no side effect.
	Rejected
)

// String ...
func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Passed:
		return "passed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Rule is a consensus rule. N is only meaningful for Threshold.
type Rule struct {
	Kind RuleKind `json:"kind"`
	N    int      `json:"n"`
}

// Evaluate applies the rule to the current tallies. members is the live
// member count at evaluation time.
func (r Rule) Evaluate(yes, no, members int) Outcome {
	switch r.Kind {
	case Unanimous:
		if no > 0 {
			return Rejected
		}
		if yes == members {
			return Passed
		}
	case Majority:
		if 2*yes > members {
			return Passed
		}
		if 2*no > members {
			return Rejected
		}
	case Threshold:
		if yes >= r.N {
			return Passed
		}
		if no > members-r.N {
			return Rejected
		}
	}
	return Pending
}

// Group is a named set of member nodes bound by a consensus rule. Members
// is ordered by join time.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Rule    Rule     `json:"rule"`
}

// RootScope returns the scope under which the group's agreed facts live.
func (g *Group) RootScope() string {
	return g.ID + ":root"
}

// HasMember reports whether id is a member.
func (g *Group) HasMember(id string) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// AddMember appends id to the membership if absent.
func (g *Group) AddMember(id string) {
	if g.HasMember(id) {
		return
	}
	g.Members = append(g.Members, id)
}

// Proposal is a pending suggested fact change awaiting votes. Votes maps
// voter to approve/reject; re-voting overwrites the previous entry.
type Proposal struct {
	ID        string          `json:"id"`
	GroupID   string          `json:"group_id"`
	Fact      fact.Fact       `json:"fact"`
	Proposer  string          `json:"proposer"`
	Votes     map[string]bool `json:"votes"`
	CreatedAt time.Time       `json:"created_at"`
}

// Tally returns the current approve and reject counts.
func (p *Proposal) Tally() (yes int, no int) {
	for _, approve := range p.Votes {
		if approve {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}
