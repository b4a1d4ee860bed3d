// Package resolver implements the two upstream resolver kinds of
// spec.md §4.3: a stateless one-shot UDP resolver, and a persistent
// TCP/TLS resolver built around a locked ConnectionState state machine.
package resolver

import (
	"context"

	"github.com/miekg/dns"
)

// Resolver issues one query against a single upstream and returns its
// response. Implementations must be safe for concurrent use by multiple
// callers racing the same query in parallel across upstreams.
type Resolver interface {
	Query(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Close()
}
