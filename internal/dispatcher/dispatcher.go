// Package dispatcher implements the request intake, upstream racing, and
// reply construction of spec.md §4.5, grounded on
// original_source/src/dispatcher.rs's process_all/handle_request and the
// teacher's pkg/dns/server.go request-handling idiom (trimmed to the
// dispatcher's much narrower scope: no cache, no blocklist, no local
// records — just route, race, accept/drop, reply).
package dispatcher

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dispatchd/internal/errs"
	"dispatchd/internal/logging"
	"dispatchd/internal/resolver"
	"dispatchd/internal/rules"
)

// Metrics is the subset of telemetry the dispatcher reports through;
// implemented by *telemetry.Telemetry. Kept as an interface so the
// dispatcher can be tested and used without wiring the otel stack.
type Metrics interface {
	RecordQuery(upstream string, action string, duration time.Duration)
	RecordFailure(upstream string)
}

type noopMetrics struct{}

func (noopMetrics) RecordQuery(string, string, time.Duration) {}
func (noopMetrics) RecordFailure(string)                      {}

// Dispatcher wires the rule engine and a named pool of upstream resolvers
// into a dns.Handler.
type Dispatcher struct {
	mu           sync.RWMutex
	upstreams    map[string]resolver.Resolver
	rules        *rules.Engine
	logger       *logging.Logger
	queryTimeout time.Duration
	metrics      Metrics
}

// New builds a Dispatcher. queryTimeout bounds the whole race (it is the
// per-query deadline referenced throughout spec.md §4.3/§4.5); if zero, a
// 5 second default applies.
func New(upstreams map[string]resolver.Resolver, engine *rules.Engine, logger *logging.Logger, queryTimeout time.Duration, metrics Metrics) *Dispatcher {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Global()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		upstreams:    upstreams,
		rules:        engine,
		logger:       logger,
		queryTimeout: queryTimeout,
		metrics:      metrics,
	}
}

// Swap atomically replaces the upstream pool and rule engine, used by the
// config hot-reload path: in-flight ServeDNS calls finish against whatever
// they already read, new calls see the replacement immediately.
func (d *Dispatcher) Swap(upstreams map[string]resolver.Resolver, engine *rules.Engine) {
	d.mu.Lock()
	d.upstreams = upstreams
	d.rules = engine
	d.mu.Unlock()
}

// ServeDNS implements dns.Handler, the point where the bootstrap glue's
// *dns.Server hands the dispatcher a request.
func (d *Dispatcher) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	defer w.Close()

	if len(req.Question) == 0 {
		reply := new(dns.Msg)
		reply.SetRcode(req, dns.RcodeServerFailure)
		_ = w.WriteMsg(reply)
		return
	}

	q := req.Question[0]
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Question = req.Question[:1]

	// Bounds only how long Resolve's selection loop waits on its results
	// channel; canceling this on return does not reach the per-upstream
	// queries themselves, which race under their own independent deadline
	// (see Resolve) so that losing the race is never mistaken for an
	// unhealthy connection.
	ctx, cancel := context.WithTimeout(context.Background(), d.queryTimeout)
	defer cancel()

	resp, upstream, err := d.Resolve(ctx, q.Name, q.Qtype, req)
	if err != nil {
		d.logger.Warn("no acceptable answer", "question", q.Name, "error", err)
		reply.Rcode = dns.RcodeServerFailure
	} else {
		reply.Answer = resp.Answer
		reply.Rcode = dns.RcodeSuccess
		d.logger.Debug("accepted answer", "question", q.Name, "upstream", upstream)
	}

	_ = w.WriteMsg(reply)
}

type raceResult struct {
	upstream string
	resp     *dns.Msg
	err      error
	duration time.Duration
}

// Resolve runs the fan-out/selection loop of spec.md §4.5 for a single
// question and returns the accepted response plus the upstream it came
// from, or a *errs.NoAcceptableAnswer if every upstream failed or was
// dropped.
func (d *Dispatcher) Resolve(ctx context.Context, name string, qtype uint16, query *dns.Msg) (*dns.Msg, string, error) {
	d.mu.RLock()
	engine, upstreams := d.rules, d.upstreams
	d.mu.RUnlock()

	names := engine.Route(name, qtype)
	if len(names) == 0 {
		return nil, "", &errs.NoAcceptableAnswer{}
	}

	selected := make(map[string]resolver.Resolver, len(names))
	for _, n := range names {
		if res, ok := upstreams[n]; ok {
			selected[n] = res
		}
	}
	if len(selected) == 0 {
		return nil, "", &errs.NoAcceptableAnswer{}
	}

	// Buffered to len(selected): a goroutine whose result we never read
	// again (because an earlier sibling was accepted) never blocks on
	// this send. That is this race's "detach losers to the background" —
	// no explicit re-spawn needed, the query just runs to completion and
	// its result is discarded.
	results := make(chan raceResult, len(selected))
	for upstreamName, res := range selected {
		go func(upstreamName string, res resolver.Resolver) {
			// Each upstream races under its own deadline, detached from
			// ctx: ctx is canceled the instant a sibling is accepted (or
			// the caller gives up), and a lost race is not evidence of an
			// unhealthy connection the way a real per-query timeout is
			// (§4.3). Deriving from context.Background() instead of ctx
			// means an early return elsewhere can't reach a query still
			// in flight and tear down a perfectly healthy connection.
			qctx, qcancel := context.WithTimeout(context.Background(), d.queryTimeout)
			defer qcancel()
			start := time.Now()
			resp, err := res.Query(qctx, query)
			elapsed := time.Since(start)
			if err != nil {
				d.metrics.RecordFailure(upstreamName)
				results <- raceResult{upstream: upstreamName, err: err, duration: elapsed}
				return
			}
			results <- raceResult{upstream: upstreamName, resp: resp, duration: elapsed}
		}(upstreamName, res)
	}

	remaining := len(selected)
	var lastErr error
	anyDropped := false

	for remaining > 0 {
		select {
		case r := <-results:
			remaining--

			if r.err != nil {
				d.logger.Debug("upstream error", "upstream", r.upstream, "error", r.err)
				lastErr = r.err
				continue
			}

			cand := candidateFromResponse(r.upstream, name, r.resp)
			action := engine.EvaluateResponse(cand)
			d.metrics.RecordQuery(r.upstream, action.String(), r.duration)

			switch action {
			case rules.Accept:
				return r.resp, r.upstream, nil
			case rules.Drop:
				anyDropped = true
			}

		case <-ctx.Done():
			// The caller gave up waiting (e.g. shutdown). Queries already
			// in flight keep running to completion under their own qctx
			// above; we just stop waiting on them here.
			return nil, "", &errs.NoAcceptableAnswer{LastErr: ctx.Err()}
		}
	}

	if anyDropped {
		// At least one upstream produced a response but the rule engine
		// dropped every candidate; this is a policy decision, not a
		// failure, so there is no error to surface.
		return nil, "", &errs.NoAcceptableAnswer{}
	}
	// Every upstream failed outright; surface the last error in logs.
	return nil, "", &errs.NoAcceptableAnswer{LastErr: lastErr}
}

func candidateFromResponse(upstream, queryName string, resp *dns.Msg) rules.Candidate {
	var addrs []net.IP
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			addrs = append(addrs, v.A)
		case *dns.AAAA:
			addrs = append(addrs, v.AAAA)
		}
	}
	return rules.Candidate{
		Upstream:  upstream,
		QueryName: queryName,
		Addrs:     addrs,
		Empty:     len(resp.Answer) == 0,
	}
}
