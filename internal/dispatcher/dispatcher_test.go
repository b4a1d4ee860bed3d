package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/domainmatch"
	"dispatchd/internal/ipindex"
	"dispatchd/internal/resolver"
	"dispatchd/internal/rules"
)

// fakeResolver returns a canned answer (or error) after an optional delay,
// standing in for a real upstream.
type fakeResolver struct {
	ip    string
	delay time.Duration
	err   error
}

func (f *fakeResolver) Query(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := new(dns.Msg)
	resp.SetReply(q)
	rr, _ := dns.NewRR(q.Question[0].Name + " 60 IN A " + f.ip)
	resp.Answer = append(resp.Answer, rr)
	return resp, nil
}

func (f *fakeResolver) Close() {}

func newQuery(name string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return q
}

// Scenario 1: one UDP upstream, no rules; response relayed verbatim.
func TestScenarioSingleUpstreamRelay(t *testing.T) {
	up := map[string]resolver.Resolver{"A": &fakeResolver{ip: "1.1.1.1"}}
	engine := &rules.Engine{Defaults: []string{"A"}}
	d := New(up, engine, nil, time.Second, nil)

	resp, name, err := d.Resolve(context.Background(), "example.com.", dns.TypeA, newQuery("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "A", name)
	a := resp.Answer[0].(*dns.A)
	assert.Equal(t, "1.1.1.1", a.A.String())
}

// Scenario 2: response rule drops A's answer in range "cn"; B's answer used.
func TestScenarioDropCascade(t *testing.T) {
	cn := ipindex.New()
	require.NoError(t, cn.Add("1.2.3.0/24"))
	cn.Simplify()

	up := map[string]resolver.Resolver{
		"A": &fakeResolver{ip: "1.2.3.4", delay: 5 * time.Millisecond},
		"B": &fakeResolver{ip: "5.6.7.8", delay: 20 * time.Millisecond},
	}
	engine := &rules.Engine{
		Defaults: []string{"A", "B"},
		Responses: []rules.ResponseRule{
			{Upstreams: []string{"A"}, Ranges: []rules.Pattern{{Name: "cn"}}, Action: rules.Drop},
		},
		Ranges: map[string]*ipindex.IpRange{"cn": cn},
	}
	d := New(up, engine, nil, time.Second, nil)

	resp, name, err := d.Resolve(context.Background(), "example.com.", dns.TypeA, newQuery("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "B", name)
	a := resp.Answer[0].(*dns.A)
	assert.Equal(t, "5.6.7.8", a.A.String())
}

// Scenario 7 (P7): if every upstream's answer is dropped, SERVFAIL (here:
// NoAcceptableAnswer) is the outcome.
func TestAllDroppedYieldsNoAcceptableAnswer(t *testing.T) {
	cn := ipindex.New()
	require.NoError(t, cn.Add("0.0.0.0/0"))
	cn.Simplify()

	up := map[string]resolver.Resolver{
		"A": &fakeResolver{ip: "1.2.3.4"},
		"B": &fakeResolver{ip: "1.2.3.5"},
	}
	engine := &rules.Engine{
		Defaults: []string{"A", "B"},
		Responses: []rules.ResponseRule{
			{Ranges: []rules.Pattern{{Name: "all"}}, Action: rules.Drop},
		},
		Ranges: map[string]*ipindex.IpRange{"all": cn},
	}
	d := New(up, engine, nil, time.Second, nil)

	_, _, err := d.Resolve(context.Background(), "example.com.", dns.TypeA, newQuery("example.com"))
	assert.Error(t, err)
}

// Scenario 4: request rule routes ad.x to sink only, even with defaults.
func TestRequestRuleRestrictsUpstreamSet(t *testing.T) {
	ads, err := domainmatch.NewGroup([]string{"ads"})
	require.NoError(t, err)

	up := map[string]resolver.Resolver{
		"sink":    &fakeResolver{ip: "0.0.0.0"},
		"default": &fakeResolver{ip: "9.9.9.9"},
	}
	engine := &rules.Engine{
		Requests: []rules.RequestRule{
			{Domains: ads, Upstreams: []string{"sink"}},
		},
		Defaults: []string{"default"},
	}
	d := New(up, engine, nil, time.Second, nil)

	resp, name, err := d.Resolve(context.Background(), "ad.ads.", dns.TypeA, newQuery("ad.ads"))
	require.NoError(t, err)
	assert.Equal(t, "sink", name)
	a := resp.Answer[0].(*dns.A)
	assert.Equal(t, "0.0.0.0", a.A.String())
}

// Upstream failures are logged and the race continues (P-equivalent of the
// error-handling propagation rule in spec.md §7).
func TestFailureDoesNotAbortRace(t *testing.T) {
	up := map[string]resolver.Resolver{
		"bad":  &fakeResolver{err: assertErr{}},
		"good": &fakeResolver{ip: "2.2.2.2", delay: 5 * time.Millisecond},
	}
	engine := &rules.Engine{Defaults: []string{"bad", "good"}}
	d := New(up, engine, nil, time.Second, nil)

	resp, name, err := d.Resolve(context.Background(), "example.com.", dns.TypeA, newQuery("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "good", name)
	assert.Len(t, resp.Answer, 1)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

// ctxWatchingResolver reports via done whether its own context was still
// alive when its delay elapsed, or was canceled before that.
type ctxWatchingResolver struct {
	delay time.Duration
	done  chan error
}

func (r *ctxWatchingResolver) Query(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	select {
	case <-time.After(r.delay):
		r.done <- nil
	case <-ctx.Done():
		r.done <- ctx.Err()
	}
	return nil, errors.New("loser never meant to answer")
}

func (r *ctxWatchingResolver) Close() {}

// Regression: a sibling winning the race must not cancel a still-running
// upstream's query context. Only that upstream's own per-query deadline is
// allowed to do that (spec.md §4.3: a timeout is evidence of an unhealthy
// connection, losing a race is not).
func TestLosingRaceDoesNotCancelLoserContext(t *testing.T) {
	done := make(chan error, 1)
	up := map[string]resolver.Resolver{
		"fast": &fakeResolver{ip: "1.1.1.1"},
		"slow": &ctxWatchingResolver{delay: 30 * time.Millisecond, done: done},
	}
	engine := &rules.Engine{Defaults: []string{"fast", "slow"}}
	d := New(up, engine, nil, time.Second, nil)

	_, name, err := d.Resolve(context.Background(), "example.com.", dns.TypeA, newQuery("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "fast", name)

	select {
	case watchErr := <-done:
		assert.NoError(t, watchErr, "loser's context must not be canceled just because it lost the race")
	case <-time.After(time.Second):
		t.Fatal("loser never completed")
	}
}
