// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dot implements a DNS-over-TLS transport with a connection pool
// keyed by server identity, a UDP-baseline-then-handshake probe,
// pipelined queries, shared in-flight handshakes, and a
// success/suspect/unusable/probing state machine driven by query and
// probe outcomes and reported through State, Usable and ShouldRevalidate.
// The dispatcher's candidate selection does not consult that state, and
// nothing in this package starts a revalidation on its own. Handshake
// sharing uses
// golang.org/x/sync/singleflight so concurrent callers racing to
// reconnect never dial twice.
package dot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/core"
	"github.com/celzero/privatedns/internal/log"
	"github.com/celzero/privatedns/xdns"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// State is the per-server validation state machine.
type State int32

const (
	StateUnknown State = iota
	StateProbing
	StateSuccess
	StateSuspect
	StateUnusable
)

// Options configures a Transport's timeouts and state-machine thresholds.
type Options struct {
	ConnectTimeout time.Duration // floored at 1s
	QueryTimeout   time.Duration

	// AsyncHandshake shares one in-flight handshake across concurrent
	// callers via singleflight. When false, each caller dials and
	// handshakes independently.
	AsyncHandshake bool
	// MaxTries is the number of handshake attempts before giving up.
	MaxTries int

	UnusableThreshold     int // consecutive failures before StateUnusable
	RevalidationThreshold int // consecutive failures while unusable before a revalidation probe is allowed
	QuickFallback         bool

	// ValidationLatencyFactor and ValidationLatencyOffsetMs bound how much
	// longer Probe's TLS handshake may take than its UDP baseline RTT
	// before it's treated as a failed probe. A factor <= 0 disables the
	// check.
	ValidationLatencyFactor   float64
	ValidationLatencyOffsetMs int
}

const (
	defaultConnectTimeout        = 1 * time.Second
	minConnectTimeout            = 1 * time.Second
	defaultQueryTimeout          = 8 * time.Second
	defaultUnusableThreshold     = 5
	defaultRevalidationThreshold = 3
)

// normalize floors ConnectTimeout at 1s and defaults an unset QueryTimeout
// to 8s. A negative QueryTimeout (the documented -1 = infinite sentinel)
// is left untouched; Query skips its own deadline entirely in that case.
func (o Options) normalize() Options {
	if o.ConnectTimeout < minConnectTimeout {
		// a configured connect timeout below 1s is silently overridden
		// rather than rejected.
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.QueryTimeout == 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	if o.MaxTries <= 0 {
		o.MaxTries = 1
	}
	if o.UnusableThreshold <= 0 {
		o.UnusableThreshold = defaultUnusableThreshold
	}
	if o.RevalidationThreshold <= 0 {
		o.RevalidationThreshold = defaultRevalidationThreshold
	}
	return o
}

// Transport is one DoT server.
type Transport struct {
	id       string
	identity backend.ServerIdentity
	hostname string // SNI / strict hostname, may be ""
	opts     Options
	dialer   *net.Dialer
	tlsConf  *tls.Config

	hs singleflight.Group // async-handshake sharing

	mu            sync.Mutex
	conn          *pooledConn
	state         State
	consecSuccess int
	consecFail    int

	est    core.P2QuantileEstimator
	status atomic.Int32
}

var _ backend.Transport = (*Transport)(nil)

// New returns a DoT transport for identity, verifying the server
// certificate against hostname (the strict hostname in strict mode, or
// the provider name otherwise) using caPool, or the system roots when
// caPool is nil.
func New(id string, identity backend.ServerIdentity, hostname string, caPool *x509.CertPool, opts Options) *Transport {
	o := opts.normalize()
	t := &Transport{
		id:       id,
		identity: identity,
		hostname: hostname,
		opts:     o,
		dialer:   &net.Dialer{},
		tlsConf: &tls.Config{
			ServerName: hostname,
			RootCAs:    caPool,
		},
		est: core.NewP50Estimator(),
	}
	t.status.Store(backend.Start)
	log.I("dot: (%s) setup: %s sni=%s", id, identity, hostname)
	return t
}

func (t *Transport) ID() string   { return t.id }
func (t *Transport) Type() string { return backend.DOT }
func (t *Transport) Addr() string { return t.identity.Addr.String() }

// QuickFallback reports whether this server is configured with
// dot_quick_fallback, letting the dispatcher detect an unresponsive first
// DoT server and drop to do53 without trying the rest.
func (t *Transport) QuickFallback() bool { return t.opts.QuickFallback }

// State reports the transport's current validation state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Usable reports whether the transport is outside StateUnusable. A
// StateUnusable transport leaves that state on its next successful query
// or probe.
func (t *Transport) Usable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != StateUnusable
}

// ShouldRevalidate reports whether it is time to try an unusable server
// again: every RevalidationThreshold-th consecutive failure earns one
// more attempt.
func (t *Transport) ShouldRevalidate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateUnusable && t.consecFail%t.opts.RevalidationThreshold == 0
}

func (t *Transport) recordOutcome(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ok {
		t.consecFail = 0
		t.consecSuccess++
		t.state = StateSuccess
		return
	}

	t.consecSuccess = 0
	t.consecFail++
	switch t.state {
	case StateSuccess:
		t.state = StateSuspect
	case StateSuspect, StateUnusable:
		if t.consecFail >= t.opts.UnusableThreshold {
			t.state = StateUnusable
		}
	default:
		t.state = StateProbing
	}
}

// Probe measures a UDP baseline RTT to the server first, catching an
// unreachable network quickly without paying for a TLS handshake, then
// times a real handshake against that baseline: a handshake taking more
// than ValidationLatencyFactor times the baseline (plus
// ValidationLatencyOffsetMs) counts as a failed probe even though it
// eventually completed, so a merely-slow server doesn't outrank a faster
// one once both are nominally reachable.
func (t *Transport) Probe(ctx context.Context) error {
	baseline, err := t.udpBaseline(ctx)
	if err != nil {
		t.recordOutcome(false)
		return err
	}

	t.mu.Lock()
	if t.state == StateUnknown {
		t.state = StateProbing
	}
	t.mu.Unlock()

	start := time.Now()
	_, err = t.getConn(ctx)
	if err != nil {
		t.recordOutcome(false)
		return err
	}

	if threshold := t.latencyThreshold(baseline); threshold > 0 {
		if elapsed := time.Since(start); elapsed > threshold {
			t.recordOutcome(false)
			return fmt.Errorf("dot: (%s) handshake latency %s exceeds budget %s", t.id, elapsed, threshold)
		}
	}

	t.recordOutcome(true)
	return nil
}

// udpBaseline sends a minimal UDP query and returns how long the server
// took to answer, the network-path baseline a handshake's latency is
// later judged against.
func (t *Transport) udpBaseline(ctx context.Context) (time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(".", dns.TypeNS)
	q, err := msg.Pack()
	if err != nil {
		return 0, err
	}

	udpConn, err := net.Dial("udp", t.identity.Addr.String())
	if err != nil {
		return 0, err
	}
	defer udpConn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.opts.ConnectTimeout)
	}
	_ = udpConn.SetDeadline(deadline)

	start := time.Now()
	if _, err := udpConn.Write(q); err != nil {
		return 0, err
	}
	buf := make([]byte, dns.MaxMsgSize)
	if _, err := udpConn.Read(buf); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// latencyThreshold derives the handshake latency budget from baseline. A
// non-positive ValidationLatencyFactor disables the check entirely.
func (t *Transport) latencyThreshold(baseline time.Duration) time.Duration {
	if t.opts.ValidationLatencyFactor <= 0 {
		return 0
	}
	offset := time.Duration(t.opts.ValidationLatencyOffsetMs) * time.Millisecond
	return time.Duration(float64(baseline)*t.opts.ValidationLatencyFactor) + offset
}

// getConn returns a live pooled connection, dialing and handshaking if
// necessary. When AsyncHandshake is set, concurrent callers racing to
// (re)connect share one handshake via singleflight; otherwise each caller
// dials independently.
func (t *Transport) getConn(ctx context.Context) (*pooledConn, error) {
	t.mu.Lock()
	if t.conn != nil && !t.conn.isDead() {
		c := t.conn
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	var pc *pooledConn
	var err error
	if t.opts.AsyncHandshake {
		var v interface{}
		v, err, _ = t.hs.Do(t.id, func() (interface{}, error) {
			return t.dialAndHandshake(ctx)
		})
		if err == nil {
			pc = v.(*pooledConn)
		}
	} else {
		pc, err = t.dialAndHandshake(ctx)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conn = pc
	t.mu.Unlock()
	return pc, nil
}

// dialAndHandshake dials and TLS-handshakes, retrying up to MaxTries times
// within ctx before giving up.
func (t *Transport) dialAndHandshake(ctx context.Context) (*pooledConn, error) {
	connectTimeout := t.opts.ConnectTimeout
	if t.opts.QuickFallback {
		// give up on a slow handshake sooner so the dispatcher can move to
		// the next server without waiting out the full connect timeout.
		connectTimeout /= 2
		if connectTimeout < minConnectTimeout/2 {
			connectTimeout = minConnectTimeout / 2
		}
	}

	var lastErr error
	for try := 0; try < t.opts.MaxTries; try++ {
		pc, err := t.dialAndHandshakeOnce(ctx, connectTimeout)
		if err == nil {
			return pc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (t *Transport) dialAndHandshakeOnce(ctx context.Context, connectTimeout time.Duration) (*pooledConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	raw, err := t.dialer.DialContext(dialCtx, "tcp", t.identity.Addr.String())
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(raw, t.tlsConf)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		raw.Close()
		return nil, err
	}
	return newPooledConn(tlsConn), nil
}

// Query implements backend.Transport. network is ignored; DoT is always
// TCP-over-TLS.
func (t *Transport) Query(ctx context.Context, _ string, q []byte) ([]byte, error) {
	msg := xdns.AsMsg(q)
	if msg == nil {
		return nil, errors.New("dot: malformed query")
	}

	qctx := ctx
	cancel := func() {}
	if t.opts.QueryTimeout > 0 {
		// a negative QueryTimeout is the documented infinite sentinel: no
		// local deadline, only the caller's own ctx bounds the query.
		qctx, cancel = context.WithTimeout(ctx, t.opts.QueryTimeout)
	}
	defer cancel()

	start := time.Now()
	conn, err := t.getConn(qctx)
	if err != nil {
		t.recordOutcome(false)
		var hostErr x509.HostnameError
		if errors.As(err, &hostErr) {
			t.status.Store(backend.TlsNameMismatch)
			return nil, fmt.Errorf("%w: %v", backend.ErrTlsNameMismatch, err)
		}
		t.status.Store(backend.TlsHandshakeFailed)
		return nil, fmt.Errorf("%w: %v", backend.ErrTlsHandshakeFailed, err)
	}

	ans, err := conn.exchange(qctx.Done(), msg)
	if err != nil {
		t.recordOutcome(false)
		t.status.Store(backend.SendFailed)
		conn.close()
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		return nil, err
	}

	t.recordOutcome(true)
	t.status.Store(backend.Complete)
	t.est.Add(time.Since(start).Seconds())
	return ans.Pack()
}

// RTTMillis returns the transport's running RTT estimate.
func (t *Transport) RTTMillis() int64 { return t.est.Get() }
