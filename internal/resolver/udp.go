package resolver

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"dispatchd/internal/errs"
)

// UDPResolver is the stateless resolver of spec.md §4.3: each query is a
// oneshot request/response binding its own ephemeral port, never shared
// between concurrent queries. Grounded on the teacher's
// pkg/resolver/resolver.go dial-per-lookup idiom and
// original_source/src/resolver/udp.rs.
type UDPResolver struct {
	name   string
	addr   string
	client *dns.Client
}

// NewUDP returns a UDP resolver for upstream addr, bounding each exchange
// by timeout.
func NewUDP(name, addr string, timeout time.Duration) *UDPResolver {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &UDPResolver{
		name:   name,
		addr:   addr,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Query exchanges q with the upstream over a fresh UDP socket.
func (r *UDPResolver) Query(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	resp, _, err := r.client.ExchangeContext(ctx, q, r.addr)
	if err != nil {
		kind := errs.KindIO
		if ctx.Err() != nil {
			kind = errs.KindTimeout
		}
		return nil, &errs.ResolveError{Upstream: r.name, Kind: kind, Err: err}
	}
	return resp, nil
}

// Close is a no-op: the UDP resolver owns no persistent resource.
func (r *UDPResolver) Close() {}
