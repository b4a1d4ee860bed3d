package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoTCPServer accepts connections and answers each A query with a
// fixed address, tracking how many distinct connections were accepted.
func startEchoTCPServer(t *testing.T, answer string) (addr string, connCount *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var count int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&count, 1)
			go func(c net.Conn) {
				defer c.Close()
				dc := &dns.Conn{Conn: c}
				for {
					req, err := dc.ReadMsg()
					if err != nil {
						return
					}
					resp := new(dns.Msg)
					resp.SetReply(req)
					rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + answer)
					resp.Answer = append(resp.Answer, rr)
					if err := dc.WriteMsg(resp); err != nil {
						return
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), &count
}

func TestPersistentResolverReusesConnection(t *testing.T) {
	addr, connCount := startEchoTCPServer(t, "5.6.7.8")
	r := NewPersistent("test", addr, false, "", time.Second, nil)
	defer r.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	resp1, err := r.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, resp1.Answer, 1)

	resp2, err := r.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, resp2.Answer, 1)

	assert.Equal(t, int32(1), atomic.LoadInt32(connCount), "second query must reuse the same connection")
}

func TestPersistentResolverTimeoutResetsState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// Accept but never respond, simulating a stuck upstream.
			_ = c
		}
	}()

	r := NewPersistent("stuck", ln.Addr().String(), false, "", 50*time.Millisecond, nil)
	defer r.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	_, err = r.Query(context.Background(), q)
	require.Error(t, err)

	r.mu.RLock()
	tag := r.state.tag
	r.mu.RUnlock()
	assert.Equal(t, stateNotConnected, tag, "a timed-out query must not leave the connection marked Connected")
}

func TestPersistentResolverRedialsAfterUpstreamCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Close() // close immediately: simulates a dead/reset upstream

		// second connection answers normally
		c2, err := ln.Accept()
		if err != nil {
			return
		}
		defer c2.Close()
		dc := &dns.Conn{Conn: c2}
		req, err := dc.ReadMsg()
		if err != nil {
			return
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 9.9.9.9")
		resp.Answer = append(resp.Answer, rr)
		dc.WriteMsg(resp)
	}()

	r := NewPersistent("flaky", ln.Addr().String(), false, "", time.Second, nil)
	defer r.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	// First query may fail against the immediately-closed connection.
	_, _ = r.Query(context.Background(), q)

	// Eventually a retry against the freshly-dialed second connection must
	// succeed — the resolver must not get stuck believing it's connected.
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := r.Query(context.Background(), q)
		if err == nil {
			assert.Len(t, resp.Answer, 1)
			return
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("resolver never recovered: %v", lastErr)
}
