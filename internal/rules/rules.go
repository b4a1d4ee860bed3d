// Package rules implements the rule engine of spec.md §4.4: request
// routing (choosing the upstream subset for a query) and response
// evaluation (accept/drop a candidate answer), including the negation-sigil
// parity rule. The accept/drop algorithm and its exact negation arithmetic
// are grounded on original_source/src/dispatcher.rs's check_response; the
// declaration-order-first-match shape of request routing is grounded on the
// teacher's pkg/forwarder/evaluator.go RuleEvaluator, with the teacher's
// priority-sort dropped in favor of spec.md's plain declaration order.
package rules

import (
	"net"
	"strings"

	"dispatchd/internal/domainmatch"
	"dispatchd/internal/ipindex"
)

// Action is the response-rule verdict.
type Action int

const (
	// Accept terminates the race: this response is returned to the client.
	Accept Action = iota
	// Drop discards this response; the race continues over remaining upstreams.
	Drop
)

func (a Action) String() string {
	if a == Accept {
		return "accept"
	}
	return "drop"
}

// Pattern is a group-name reference optionally prefixed with negation
// sigils ("!", "!!", ...). ParsePattern decomposes it into the bare group
// name and whether an odd number of sigils was present (P5).
type Pattern struct {
	Name   string
	Negate bool
}

// ParsePattern strips leading '!' characters from raw and records whether
// their count is odd.
func ParsePattern(raw string) Pattern {
	stripped := strings.TrimLeft(raw, "!")
	k := len(raw) - len(stripped)
	return Pattern{Name: stripped, Negate: k%2 == 1}
}

// RequestRule routes a query to an upstream subset. A nil Domains or Types
// means that predicate was omitted from config and matches unconditionally.
type RequestRule struct {
	Domains   *domainmatch.Group
	Types     map[uint16]struct{}
	Upstreams []string
}

// Matches reports whether the rule applies to a query of the given name
// (fully qualified, as received on the wire) and RR type.
func (r *RequestRule) Matches(name string, qtype uint16) bool {
	if r.Domains != nil && !r.Domains.IsMatch(name) {
		return false
	}
	if r.Types != nil {
		if _, ok := r.Types[qtype]; !ok {
			return false
		}
	}
	return true
}

// ResponseRule judges a candidate response from a given upstream. Nil
// Upstreams/Ranges/Domains mean that predicate was omitted and matches
// unconditionally.
type ResponseRule struct {
	Upstreams []string
	Ranges    []Pattern
	Domains   []Pattern
	Action    Action
}

func (r *ResponseRule) matchesUpstream(name string) bool {
	if r.Upstreams == nil {
		return true
	}
	for _, u := range r.Upstreams {
		if u == name {
			return true
		}
	}
	return false
}

// Engine holds the compiled request/response rule lists plus the named
// domain and range groups they reference, and the set of default upstream
// names used when no RequestRule matches.
type Engine struct {
	Requests []RequestRule
	Responses []ResponseRule
	Domains   map[string]*domainmatch.Group
	Ranges    map[string]*ipindex.IpRange
	Defaults  []string
}

// Route chooses the upstream subset for a query per §4.4: first matching
// RequestRule in declaration order wins; otherwise every default upstream.
func (e *Engine) Route(name string, qtype uint16) []string {
	for i := range e.Requests {
		if e.Requests[i].Matches(name, qtype) {
			return e.Requests[i].Upstreams
		}
	}
	return e.Defaults
}

// matchDomainPattern resolves a (possibly negated) domain pattern against
// name. An unknown group short-circuits to false regardless of negation,
// matching the unwrap_or(false) short-circuit in the ground-truth
// check_response (there used for ranges; extended here to domains per the
// "same negation rule as above" text in spec.md §4.4).
func (e *Engine) matchDomainPattern(p Pattern, name string) bool {
	g, ok := e.Domains[p.Name]
	if !ok {
		return false
	}
	return g.IsMatch(name) != p.Negate
}

// matchRangePattern resolves a (possibly negated) range pattern against the
// set of A/AAAA addresses found in a response. Grounded directly on
// original_source/src/dispatcher.rs::check_response.
func (e *Engine) matchRangePattern(p Pattern, addrs []net.IP) bool {
	rg, ok := e.Ranges[p.Name]
	if !ok {
		return false
	}
	found := false
	for _, ip := range addrs {
		if rg.Contains(ip) {
			found = true
			break
		}
	}
	return found != p.Negate
}

// Candidate bundles what EvaluateResponse needs to know about one in-flight
// upstream's answer.
type Candidate struct {
	Upstream  string
	QueryName string
	Addrs     []net.IP // A/AAAA addresses found in the answer section
	Empty     bool     // true when the answer section has zero records
}

// EvaluateResponse implements §4.4's response-evaluation algorithm:
//  1. an empty answer section is always Drop (terminal for this upstream);
//  2. otherwise the first matching ResponseRule (all of its specified
//     predicates true) decides; no match defaults to Accept.
func (e *Engine) EvaluateResponse(c Candidate) Action {
	if c.Empty {
		return Drop
	}
	for i := range e.Responses {
		rule := &e.Responses[i]
		if !rule.matchesUpstream(c.Upstream) {
			continue
		}
		if rule.Domains != nil {
			matched := false
			for _, p := range rule.Domains {
				if e.matchDomainPattern(p, c.QueryName) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if rule.Ranges != nil {
			matched := false
			for _, p := range rule.Ranges {
				if e.matchRangePattern(p, c.Addrs) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		return rule.Action
	}
	return Accept
}
