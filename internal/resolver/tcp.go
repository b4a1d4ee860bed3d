package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dispatchd/internal/errs"
	"dispatchd/internal/logging"
)

type stateTag int

const (
	stateNotConnected stateTag = iota
	stateConnecting
	stateConnected
)

// sender is the multiplexed request-submission endpoint of spec.md §3's
// ConnectionState: its lifetime is tied to one background driver task.
// dead is closed exactly once, either by the driver on its own termination
// or by a caller forcing a reset (the deadline-implies-unhealthy policy of
// §4.3); either way it tells everyone still holding this sender that it no
// longer has a driver behind it.
type sender struct {
	submit chan *submission
	dead   chan struct{}
	once   sync.Once
}

func newSender() *sender {
	return &sender{submit: make(chan *submission), dead: make(chan struct{})}
}

func (s *sender) markDead() {
	s.once.Do(func() { close(s.dead) })
}

type submission struct {
	msg    *dns.Msg
	result chan queryOutcome
}

type queryOutcome struct {
	resp *dns.Msg
	err  error
}

// connState is the tagged union of spec.md §3: NotConnected carries no
// sender; Connecting and Connected both carry the sender of the driver
// task racing to establish (or already serving over) the connection.
type connState struct {
	tag    stateTag
	sender *sender
}

const (
	defaultQueryTimeout = 5 * time.Second
	defaultDialTimeout  = 5 * time.Second
	maxOutstanding      = 4096
)

// PersistentResolver implements the shared-connection TCP/TLS resolver of
// spec.md §4.3: it lazily establishes, shares, repairs, and tears down a
// single long-lived connection per upstream, multiplexing concurrent
// in-flight queries over it with per-query deadlines. The background
// driver task idiom is grounded on original_source/src/resolver/tcp.rs
// (there a fresh connection per query; reworked here into the spec's
// single shared connection with transaction-id demultiplexing), and its
// goroutine/logging conventions on the teacher's pkg/forwarder and
// pkg/dns packages. The state itself is protected by a single
// reader/writer lock per §4.3's explicit locking discipline, not the
// bare-atomics circuit-breaker style of pkg/forwarder/circuit_breaker.go
// (that state carries only an enum tag; this one carries a sender value).
type PersistentResolver struct {
	name         string
	addr         string
	useTLS       bool
	tlsHost      string
	dialTimeout  time.Duration
	queryTimeout time.Duration
	logger       *logging.Logger

	mu    sync.RWMutex
	state connState
}

// NewPersistent returns a TCP (useTLS=false) or DNS-over-TLS (useTLS=true,
// tlsHost is the SNI/certificate host name) resolver for upstream addr.
func NewPersistent(name, addr string, useTLS bool, tlsHost string, queryTimeout time.Duration, logger *logging.Logger) *PersistentResolver {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &PersistentResolver{
		name:         name,
		addr:         addr,
		useTLS:       useTLS,
		tlsHost:      tlsHost,
		dialTimeout:  defaultDialTimeout,
		queryTimeout: queryTimeout,
		logger:       logger,
		state:        connState{tag: stateNotConnected},
	}
}

// Query implements spec.md §4.3's full query-submission and lifecycle
// contract. The locking discipline never holds r.mu across network I/O or
// task spawning: the read guard over `st` is released before any send on
// st.sender.submit, and the write guard taken to transition NotConnected
// into Connecting is released immediately after recording the new state.
func (r *PersistentResolver) Query(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
	}

	retriesLeft := 1
	for {
		r.mu.RLock()
		st := r.state
		r.mu.RUnlock()

		switch st.tag {
		case stateNotConnected:
			sdr := newSender()
			r.mu.Lock()
			if r.state.tag != stateNotConnected {
				r.mu.Unlock()
				continue
			}
			r.state = connState{tag: stateConnecting, sender: sdr}
			r.mu.Unlock()
			go r.drive(sdr)
			continue

		default: // stateConnecting, stateConnected
			outcome := make(chan queryOutcome, 1)
			sub := &submission{msg: q.Copy(), result: outcome}

			select {
			case st.sender.submit <- sub:
			case <-st.sender.dead:
				// Submission lost the race against driver termination
				// (handshake lost while Connecting, or connection death
				// while Connected): non-terminal to the caller, retry
				// against whatever state comes next.
				continue
			case <-ctx.Done():
				return nil, &errs.ResolveError{Upstream: r.name, Kind: errs.KindTimeout, Err: ctx.Err()}
			}

			select {
			case res := <-outcome:
				if res.err != nil {
					if retriesLeft > 0 && isRetryableSubmission(res.err) {
						retriesLeft--
						continue
					}
					return nil, res.err
				}
				return res.resp, nil
			case <-ctx.Done():
				// Detach: stop waiting. outcome is buffered and every send
				// on it is non-blocking, so a late arrival never blocks the
				// driver; the pending-map entry is released when that
				// response arrives or the driver shuts down, and this
				// goroutine receives whatever outcome is delivered then.
				go func() { <-outcome }()
				r.resetIfCurrentConnected(st.sender)
				return nil, &errs.ResolveError{Upstream: r.name, Kind: errs.KindTimeout, Err: ctx.Err()}
			}
		}
	}
}

func isRetryableSubmission(err error) bool {
	var re *errs.ResolveError
	if e, ok := err.(*errs.ResolveError); ok {
		re = e
	} else {
		return false
	}
	return re.Kind == errs.KindConnectionReset
}

// Close tears down the current driver, if any.
func (r *PersistentResolver) Close() {
	r.mu.RLock()
	sdr := r.state.sender
	r.mu.RUnlock()
	if sdr != nil {
		sdr.markDead()
	}
}

func (r *PersistentResolver) dial() (*dns.Conn, error) {
	d := &net.Dialer{Timeout: r.dialTimeout}
	if r.useTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: r.tlsHost}}
		c, err := td.Dial("tcp", r.addr)
		if err != nil {
			return nil, err
		}
		return &dns.Conn{Conn: c}, nil
	}
	c, err := d.Dial("tcp", r.addr)
	if err != nil {
		return nil, err
	}
	return &dns.Conn{Conn: c}, nil
}

// drive is the background connection driver: one per successful
// NotConnected→Connecting transition. It performs the handshake, then
// pumps the request/response multiplex until the connection dies (I/O
// error, clean close, or an external forced reset), at which point it
// restores ConnectionState to NotConnected (§3 invariant: "driver
// termination transitions state to NotConnected").
func (r *PersistentResolver) drive(sdr *sender) {
	conn, err := r.dial()
	if err != nil {
		r.logger.Warn("upstream dial failed", "upstream", r.name, "error", err)
		r.transitionAwayIfCurrent(sdr)
		sdr.markDead()
		return
	}

	if !r.transitionToConnected(sdr) {
		// Defensive invariant restoration: by the time the handshake
		// finished, something else already forced this sender's state
		// away (e.g. a racing deadline reset). No caller is waiting on
		// this sender any longer.
		conn.Close()
		return
	}

	pending := make(map[uint16]chan queryOutcome)
	var pendingMu sync.Mutex
	readErrCh := make(chan error, 1)
	go r.readLoop(conn, pending, &pendingMu, readErrCh)

	defer func() {
		conn.Close()
		r.transitionAwayIfCurrent(sdr)
		sdr.markDead()
		pendingMu.Lock()
		for id, ch := range pending {
			delete(pending, id)
			select {
			case ch <- queryOutcome{err: &errs.ResolveError{Upstream: r.name, Kind: errs.KindConnectionReset}}:
			default:
			}
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case sub := <-sdr.submit:
			sub.msg.Id = dns.Id()
			pendingMu.Lock()
			if len(pending) >= maxOutstanding {
				pendingMu.Unlock()
				sub.result <- queryOutcome{err: &errs.ResolveError{
					Upstream: r.name, Kind: errs.KindIO,
					Err: fmt.Errorf("outstanding request limit reached"),
				}}
				continue
			}
			pending[sub.msg.Id] = sub.result
			pendingMu.Unlock()

			conn.SetWriteDeadline(time.Now().Add(r.dialTimeout))
			if err := conn.WriteMsg(sub.msg); err != nil {
				pendingMu.Lock()
				delete(pending, sub.msg.Id)
				pendingMu.Unlock()
				// Immediate error on submission while Connected: treated
				// as connection death per §4.3.
				sub.result <- queryOutcome{err: &errs.ResolveError{Upstream: r.name, Kind: errs.KindConnectionReset, Err: err}}
				return
			}

		case err := <-readErrCh:
			r.logger.Debug("persistent connection closed", "upstream", r.name, "error", err)
			return

		case <-sdr.dead:
			return
		}
	}
}

func (r *PersistentResolver) readLoop(conn *dns.Conn, pending map[uint16]chan queryOutcome, mu *sync.Mutex, errCh chan<- error) {
	for {
		resp, err := conn.ReadMsg()
		if err != nil {
			errCh <- err
			return
		}
		mu.Lock()
		ch, ok := pending[resp.Id]
		if ok {
			delete(pending, resp.Id)
		}
		mu.Unlock()
		if !ok {
			// Response for an id nobody is waiting on (detached by a
			// timeout, or a duplicate): drop it silently, not a
			// connection-level failure — other in-flight queries on this
			// connection may still succeed.
			continue
		}
		select {
		case ch <- queryOutcome{resp: resp}:
		default:
		}
	}
}

func (r *PersistentResolver) transitionToConnected(sdr *sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.tag == stateConnecting && r.state.sender == sdr {
		r.state = connState{tag: stateConnected, sender: sdr}
		return true
	}
	if r.state.sender == sdr {
		r.state = connState{tag: stateNotConnected}
	}
	return false
}

func (r *PersistentResolver) transitionAwayIfCurrent(sdr *sender) {
	r.mu.Lock()
	if r.state.sender == sdr {
		r.state = connState{tag: stateNotConnected}
	}
	r.mu.Unlock()
}

func (r *PersistentResolver) resetIfCurrentConnected(sdr *sender) {
	r.mu.Lock()
	reset := r.state.tag == stateConnected && r.state.sender == sdr
	if reset {
		r.state = connState{tag: stateNotConnected}
	}
	r.mu.Unlock()
	if reset {
		sdr.markDead()
	}
}
