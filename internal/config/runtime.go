package config

import (
	"time"

	"github.com/miekg/dns"

	"dispatchd/internal/domainmatch"
	"dispatchd/internal/ipindex"
	"dispatchd/internal/logging"
	"dispatchd/internal/resolver"
	"dispatchd/internal/rules"
)

// Runtime bundles the immutable objects built from a Config: the resolver
// pool and the compiled rule engine the dispatcher races queries against.
// A config reload builds a brand new Runtime and swaps it in atomically
// (see Watcher) rather than mutating one in place.
type Runtime struct {
	Bind      string
	Upstreams map[string]resolver.Resolver
	Engine    *rules.Engine
}

// Close tears down every persistent upstream connection. Safe to call on a
// Runtime that is being replaced after a hot reload.
func (rt *Runtime) Close() {
	for _, r := range rt.Upstreams {
		r.Close()
	}
}

// Build compiles a validated Config into a Runtime: domain/range groups,
// the rule engine, and one resolver.Resolver per configured upstream
// (persistent TCP/TLS connections for network=tcp/tls, one-shot UDP
// exchanges for network=udp, per spec.md §4.3).
func Build(cfg *Config, logger *logging.Logger) (*Runtime, error) {
	domainGroups := make(map[string]*domainmatch.Group, len(cfg.Domains))
	for name, g := range cfg.Domains {
		compiled, err := compileDomainGroup(g)
		if err != nil {
			return nil, err
		}
		domainGroups[name] = compiled
	}

	rangeGroups := make(map[string]*ipindex.IpRange, len(cfg.Ranges))
	for name, g := range cfg.Ranges {
		compiled, err := compileRangeGroup(g)
		if err != nil {
			return nil, err
		}
		rangeGroups[name] = compiled
	}

	queryTimeout := time.Duration(cfg.QueryTimeoutSeconds * float64(time.Second))

	upstreams := make(map[string]resolver.Resolver, len(cfg.Upstreams))
	var defaults []string
	for name, u := range cfg.Upstreams {
		addr, err := normalizeAddress(u.Address, u.Network)
		if err != nil {
			return nil, err
		}
		switch u.Network {
		case "udp":
			upstreams[name] = resolver.NewUDP(name, addr, queryTimeout)
		case "tcp":
			upstreams[name] = resolver.NewPersistent(name, addr, false, "", queryTimeout, logger)
		case "tls":
			upstreams[name] = resolver.NewPersistent(name, addr, true, u.TLSHost, queryTimeout, logger)
		}
		if u.isDefault() {
			defaults = append(defaults, name)
		}
	}

	requests := make([]rules.RequestRule, 0, len(cfg.Requests))
	for _, r := range cfg.Requests {
		rr := rules.RequestRule{Upstreams: r.Upstreams}
		if r.Domains != nil {
			group, err := unionGroups(r.Domains, domainGroups)
			if err != nil {
				return nil, err
			}
			rr.Domains = group
		}
		if len(r.Types) > 0 {
			rr.Types = make(map[uint16]struct{}, len(r.Types))
			for _, t := range r.Types {
				if qt, ok := dns.StringToType[upper(t)]; ok {
					rr.Types[qt] = struct{}{}
				}
			}
		}
		requests = append(requests, rr)
	}

	responses := make([]rules.ResponseRule, 0, len(cfg.Responses))
	for _, r := range cfg.Responses {
		resp := rules.ResponseRule{Upstreams: r.Upstreams}
		if r.Action == "drop" {
			resp.Action = rules.Drop
		} else {
			resp.Action = rules.Accept
		}
		for _, raw := range r.Domains {
			resp.Domains = append(resp.Domains, rules.ParsePattern(raw))
		}
		for _, raw := range r.Ranges {
			resp.Ranges = append(resp.Ranges, rules.ParsePattern(raw))
		}
		responses = append(responses, resp)
	}

	engine := &rules.Engine{
		Requests:  requests,
		Responses: responses,
		Domains:   domainGroups,
		Ranges:    rangeGroups,
		Defaults:  defaults,
	}

	return &Runtime{Bind: cfg.Bind, Upstreams: upstreams, Engine: engine}, nil
}

// unionGroups builds a single domainmatch.Group over every pattern in the
// named groups, for a [[requests]] entry's domains list (which names
// whole groups, unlike [[responses]]'s negatable single-group patterns).
func unionGroups(names []string, groups map[string]*domainmatch.Group) (*domainmatch.Group, error) {
	var patterns []string
	for _, n := range names {
		if g, ok := groups[n]; ok {
			patterns = append(patterns, g.Patterns()...)
		}
	}
	return domainmatch.NewGroup(patterns)
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
