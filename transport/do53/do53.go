// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package do53 implements plain UDP/TCP DNS, with TCP fallback on a
// truncated UDP response, a per-network tie-mode governing when TCP is
// tried, a single FORMERR-without-EDNS0 retry, and exponential
// per-attempt timeout doubling, built on github.com/miekg/dns's
// dns.Client/dns.Conn.
package do53

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/core"
	"github.com/celzero/privatedns/internal/log"
	"github.com/celzero/privatedns/xdns"
	"github.com/miekg/dns"
)

// TieMode governs when a Do53 transport reaches for TCP.
type TieMode int

const (
	// TieDefault: try UDP; fall back to TCP only when the UDP response
	// carries the truncation bit.
	TieDefault TieMode = iota
	// TieUDPThenTCP: try UDP; fall back to TCP on truncation or on any
	// send/dial failure, not just truncation.
	TieUDPThenTCP
)

const (
	defaultBaseTimeout = 2 * time.Second
	maxTimeout         = 10 * time.Second
	maxAttempts        = 3
)

var errShortQuery = errors.New("do53: query shorter than a dns header")

// Transport is a single plain-DNS server.
type Transport struct {
	id          string
	addr        string // host:port
	tie         TieMode
	baseTimeout time.Duration
	dialer      *net.Dialer
	est         core.P2QuantileEstimator
	status      atomic.Int32
}

var _ backend.Transport = (*Transport)(nil)

// New returns a ready-to-use Do53 transport for addr (host:port).
// baseTimeout seeds the per-attempt exponential backoff (attemptTimeout);
// <= 0 falls back to a 2s default, matching retrans_interval_ms's
// documented "0 coerces to default" rule.
func New(id, addr string, tie TieMode, baseTimeout time.Duration) *Transport {
	if baseTimeout <= 0 {
		baseTimeout = defaultBaseTimeout
	}
	t := &Transport{
		id:          id,
		addr:        addr,
		tie:         tie,
		baseTimeout: baseTimeout,
		dialer:      &net.Dialer{},
		est:         core.NewP50Estimator(),
	}
	t.status.Store(backend.Start)
	log.I("do53: (%s) setup: %s tie=%d base=%s", id, addr, tie, baseTimeout)
	return t
}

func (t *Transport) ID() string   { return t.id }
func (t *Transport) Type() string { return backend.DO53 }
func (t *Transport) Addr() string { return t.addr }

// attemptTimeout returns the timeout for the given 0-based attempt number,
// doubling the transport's base timeout each attempt and capping at
// maxTimeout.
func (t *Transport) attemptTimeout(attempt int) time.Duration {
	d := t.baseTimeout
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxTimeout {
			return maxTimeout
		}
	}
	return d
}

// Query implements backend.Transport. network is "udp" or "tcp"; when
// network is "udp" the tie-mode policy may still escalate to TCP based on
// the response.
func (t *Transport) Query(ctx context.Context, network string, q []byte) ([]byte, error) {
	if len(q) < 12 {
		return nil, errShortQuery
	}

	start := time.Now()
	response, err := t.exchange(ctx, network, q, 0)
	if err != nil {
		t.status.Store(statusFor(err))
		return nil, err
	}

	t.status.Store(backend.Complete)
	t.est.Add(time.Since(start).Seconds())
	return response, nil
}

func (t *Transport) exchange(ctx context.Context, network string, q []byte, attempt int) ([]byte, error) {
	msg := xdns.AsMsg(q)
	if msg == nil {
		return nil, errShortQuery
	}

	conn, err := t.dial(ctx, network)
	if err != nil {
		if network == "udp" && (t.tie == TieUDPThenTCP) {
			return t.exchange(ctx, "tcp", q, attempt)
		}
		return nil, err
	}
	defer conn.Close()

	client := &dns.Client{Net: network, Timeout: t.attemptTimeout(attempt)}
	ans, _, err := client.ExchangeWithConn(msg, conn)
	if err != nil {
		if network == "udp" && t.tie == TieUDPThenTCP && attempt < maxAttempts {
			return t.exchange(ctx, "tcp", q, attempt)
		}
		return nil, err
	}
	if ans == nil {
		return nil, errors.New("do53: nil answer")
	}

	if ans.Truncated && network == "udp" {
		log.D("do53: (%s) truncated over udp, retrying tcp", t.id)
		return t.exchange(ctx, "tcp", q, attempt)
	}

	if ans.Rcode == dns.RcodeFormatError && attempt == 0 && msg.IsEdns0() != nil {
		log.D("do53: (%s) formerr, retrying once without edns0", t.id)
		xdns.StripEDNS0(msg)
		raw, perr := msg.Pack()
		if perr == nil {
			return t.exchange(ctx, network, raw, attempt+1)
		}
	}

	return ans.Pack()
}

func (t *Transport) dial(ctx context.Context, network string) (*dns.Conn, error) {
	c, err := t.dialer.DialContext(ctx, network, t.addr)
	if err != nil {
		return nil, err
	}
	return &dns.Conn{Conn: c}, nil
}

func statusFor(err error) int32 {
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return backend.Timeout
	}
	return backend.SendFailed
}

// RTTMillis returns the transport's running RTT estimate.
func (t *Transport) RTTMillis() int64 { return t.est.Get() }

// Status returns the most recent query's outcome status.
func (t *Transport) Status() int32 { return t.status.Load() }
