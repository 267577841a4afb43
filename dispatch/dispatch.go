// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dispatch implements the query dispatcher: a cache stage,
// transport selection by privacy mode, server ordering by health, an
// attempt loop with per-attempt deadlines and retry/failover, a parallel
// A+AAAA step feeding NAT64 synthesis, and RFC 6724 answer ordering
// before the result is cached and returned.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/cache"
	"github.com/celzero/privatedns/config"
	"github.com/celzero/privatedns/health"
	"github.com/celzero/privatedns/internal/core"
	"github.com/celzero/privatedns/internal/log"
	"github.com/celzero/privatedns/nat64"
	"github.com/celzero/privatedns/xdns"
	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
)

var (
	errNoUsableServer = errors.New("dispatch: no usable server for current privacy mode")
	errBadAnswer      = errors.New("dispatch: malformed answer")
)

const (
	lateUDPListenWindow = 5 * time.Second
	networkTimeoutCap   = 10 * time.Second
)

type candidate struct {
	id        string
	transport backend.Transport
	stats     *health.Stats
}

// Dispatcher is the shared, concurrency-safe entry point every query goes
// through.
type Dispatcher struct {
	cfg *config.PrivateDns
	nat *nat64.Translator
	obs backend.Observer

	statsMu sync.Mutex
	stats   map[string]*health.Stats
}

func New(cfg *config.PrivateDns, nt *nat64.Translator, obs backend.Observer) *Dispatcher {
	if obs == nil {
		obs = backend.NopObserver{}
	}
	return &Dispatcher{cfg: cfg, nat: nt, obs: obs, stats: make(map[string]*health.Stats)}
}

func (d *Dispatcher) statsFor(netID uint32, id string, params health.Params) *health.Stats {
	key := fmt.Sprintf("%d/%s", netID, id)

	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	s, ok := d.stats[key]
	if !ok {
		s = health.NewStats(params)
		d.stats[key] = s
	}
	return s
}

// Resolve runs q (a raw wire query) against netID's configured servers,
// going through the response cache first. Concurrent callers asking the
// same question coalesce onto one upstream round trip.
func (d *Dispatcher) Resolve(ctx context.Context, netID uint32, q []byte, flags backend.Flags) ([]byte, error) {
	msg := xdns.AsMsg(q)
	if msg == nil || len(msg.Question) == 0 {
		return nil, backend.ErrInvalidArgument
	}

	ns, ok := d.cfg.Get(netID)
	if !ok {
		return nil, backend.ErrNoSuchNetwork
	}

	key := cache.KeyFromMsg(msg)

	if ans, ok := ns.Cache.Lookup(key, flags); ok {
		ans.Id = msg.Id
		return ans.Pack()
	}

	started, wait := ns.Cache.Begin(key)
	if !started {
		ans, err := wait()
		if errors.Is(err, backend.ErrCacheFlushed) {
			return d.Resolve(ctx, netID, q, flags)
		}
		if err != nil {
			return nil, err
		}
		ans.Id = msg.Id
		return ans.Pack()
	}

	ans, err := d.resolveUncached(ctx, netID, ns, msg, flags)
	ns.Cache.Finish(key, flags, ans, err)
	if err != nil {
		return nil, err
	}

	out := ans.Copy()
	out.Id = msg.Id
	return out.Pack()
}

func (d *Dispatcher) resolveUncached(ctx context.Context, netID uint32, ns *config.NetworkState, msg *dns.Msg, flags backend.Flags) (*dns.Msg, error) {
	qtype := xdns.QType(msg)
	switch {
	case xdns.IsAAAAQType(qtype):
		if _, ok := d.nat.Prefix(netID); ok {
			return d.resolveWithNat64(ctx, netID, ns, msg, flags)
		}
	case xdns.IsPTRQType(qtype):
		if ans, ok := d.resolvePTRNat64(ctx, netID, ns, msg, flags); ok {
			return ans, nil
		}
	}
	return d.query(ctx, netID, ns, msg, flags)
}

// resolvePTRNat64 implements the NAT64 PTR two-step: when the question
// names an address under netID's NAT64 prefix, the synthesized ip6.arpa
// name is queried first as-is; only on NXDOMAIN is the prefix stripped and
// a PTR reissued against the embedded native IPv4 address, with its answer
// rewritten back onto the original ip6.arpa question. ok is false whenever
// the question isn't a synthesized address, so the caller falls through to
// an ordinary PTR query.
func (d *Dispatcher) resolvePTRNat64(ctx context.Context, netID uint32, ns *config.NetworkState, msg *dns.Msg, flags backend.Flags) (*dns.Msg, bool) {
	ip6, ok := xdns.ReversePTRAddr(xdns.QName(msg))
	if !ok || !ip6.Is6() {
		return nil, false
	}
	ip4, ok := d.nat.Reverse(netID, ip6)
	if !ok {
		return nil, false
	}

	ans, err := d.query(ctx, netID, ns, msg, flags)
	if err == nil && ans.Rcode != dns.RcodeNameError {
		return ans, true
	}
	if err != nil {
		log.D("dispatch: (net %d) nat64 ptr prefixed lookup for %s failed, trying stripped: %v", netID, ip6, err)
	}

	native := msg.Copy()
	native.Question[0].Name = xdns.PTRName(ip4)

	nativeAns, err := d.query(ctx, netID, ns, native, flags)
	if err != nil {
		log.D("dispatch: (net %d) nat64 ptr stripped lookup for %s failed, falling back: %v", netID, ip4, err)
		return nil, false
	}

	out := nativeAns.Copy()
	out.Question = msg.Question
	for _, rr := range out.Answer {
		rr.Header().Name = msg.Question[0].Name
	}
	return out, true
}

// resolveWithNat64 runs the AAAA and A queries feeding the NAT64
// synthesis hook concurrently, so synthesis never costs an extra round
// trip after a real AAAA lookup comes back empty.
func (d *Dispatcher) resolveWithNat64(ctx context.Context, netID uint32, ns *config.NetworkState, msg *dns.Msg, flags backend.Flags) (*dns.Msg, error) {
	aMsg := msg.Copy()
	aMsg.Question[0].Qtype = dns.TypeA

	type result struct {
		ans *dns.Msg
		err error
	}
	aaaaCh := make(chan result, 1)
	aCh := make(chan result, 1)

	core.Go("dispatch:aaaa", func() {
		ans, err := d.query(ctx, netID, ns, msg, flags)
		aaaaCh <- result{ans, err}
	})
	core.Go("dispatch:a", func() {
		ans, err := d.query(ctx, netID, ns, aMsg, flags)
		aCh <- result{ans, err}
	})

	aaaaRes := <-aaaaCh
	if aaaaRes.err == nil && len(xdns.AAAAAnswer(aaaaRes.ans)) > 0 {
		return aaaaRes.ans, nil
	}

	aRes := <-aCh
	if aRes.err != nil {
		var merr *multierror.Error
		merr = multierror.Append(merr, aaaaRes.err, aRes.err)
		return nil, merr.ErrorOrNil()
	}

	synth := xdns.EmptyResponseFromMessage(msg)
	for _, ip4 := range xdns.AAnswer(aRes.ans) {
		ip6, ok := d.nat.Synthesize(netID, ip4)
		if !ok {
			continue
		}
		synth.Answer = append(synth.Answer, xdns.MakeAAAARecord(msg.Question[0].Name, ip6, uint32(xdns.RTtl(aRes.ans))))
	}

	if len(synth.Answer) == 0 {
		// nothing to synthesize; surface the native AAAA result (likely
		// NODATA) rather than manufacture an empty success either way.
		if aaaaRes.err != nil {
			return nil, aaaaRes.err
		}
		return aaaaRes.ans, nil
	}
	return synth, nil
}

// query runs the attempt loop: server ordering by health, per-attempt
// deadline, retry/failover across servers.
func (d *Dispatcher) query(ctx context.Context, netID uint32, ns *config.NetworkState, msg *dns.Msg, flags backend.Flags) (*dns.Msg, error) {
	servers := d.candidates(netID, ns)
	if len(servers) == 0 {
		return nil, errNoUsableServer
	}

	raw, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	retryCount := ns.Params.RetryCount
	if retryCount <= 0 {
		retryCount = 1
	}
	maxAttemptsFor := func(n int) int {
		if flags.Has(backend.NoRetry) {
			return n
		}
		return retryCount * n
	}
	maxAttempts := maxAttemptsFor(len(servers))

	baseTimeout := time.Duration(ns.Params.RetransIntervalMs) * time.Millisecond
	if baseTimeout <= 0 {
		baseTimeout = 2 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c := servers[attempt%len(servers)]

		// per-attempt timeout doubles every full round through the
		// candidate list, capped at networkTimeoutCap, rather than per raw
		// attempt index, so round-robining across servers within a single
		// round shares one deadline before backing off.
		round := attempt / len(servers)
		attemptTimeout := baseTimeout
		for i := 0; i < round; i++ {
			attemptTimeout *= 2
			if attemptTimeout >= networkTimeoutCap {
				attemptTimeout = networkTimeoutCap
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		start := time.Now()
		respRaw, err := c.transport.Query(attemptCtx, "udp", raw)
		cancel()

		if err != nil {
			lastErr = err
			c.stats.Record(health.Outcome{Kind: outcomeKind(err)})
			log.D("dispatch: (net %d / %s) attempt %d failed: %v", netID, c.id, attempt, err)

			// an unresponsive first dot server with dot_quick_fallback set
			// drops straight to do53, rather than round-robining through
			// the remaining dot/doh candidates, per opportunistic mode's
			// fallback contract.
			if attempt == 0 && ns.Mode == backend.ModeOpportunistic && quickFallbackDoT(c) && errors.Is(err, context.DeadlineExceeded) {
				if do53 := do53Only(servers); len(do53) > 0 && len(do53) < len(servers) {
					log.D("dispatch: (net %d / %s) quick fallback to do53", netID, c.id)
					servers = do53
					maxAttempts = maxAttemptsFor(len(servers))
					attempt = -1
					continue
				}
			}

			if ns.Params.KeepListeningUDP && c.transport.Type() == backend.DO53 && errors.Is(err, context.DeadlineExceeded) {
				d.listenLate(c, raw)
			}
			continue
		}

		ans := xdns.AsMsg(respRaw)
		if ans == nil {
			lastErr = errBadAnswer
			c.stats.Record(health.Outcome{Kind: health.KindInternalError})
			continue
		}

		c.stats.Record(health.Outcome{Kind: health.KindSuccess, RTTMs: time.Since(start).Seconds()})
		SortAnswers(ans)
		return ans, nil
	}
	if lastErr == nil {
		lastErr = errNoUsableServer
	}
	return nil, lastErr
}

// listenLate re-sends raw to c in the background after an attempt times
// out, allowing up to lateUDPListenWindow for a reply, and records a
// success on c's health stats if one arrives. The reply is discarded: it
// is not handed to the caller, and the timed-out attempt's own socket is
// not read again.
func (d *Dispatcher) listenLate(c candidate, raw []byte) {
	core.Go("dispatch:late-udp:"+c.id, func() {
		ctx, cancel := context.WithTimeout(context.Background(), lateUDPListenWindow)
		defer cancel()
		if _, err := c.transport.Query(ctx, "udp", raw); err == nil {
			c.stats.Record(health.Outcome{Kind: health.KindSuccess})
		}
	})
}

// quickFallbackDoT reports whether c is a DoT candidate configured with
// dot_quick_fallback.
func quickFallbackDoT(c candidate) bool {
	if c.transport.Type() != backend.DOT {
		return false
	}
	qf, ok := c.transport.(interface{ QuickFallback() bool })
	return ok && qf.QuickFallback()
}

// do53Only filters servers down to its do53 candidates, preserving order.
func do53Only(servers []candidate) []candidate {
	var out []candidate
	for _, c := range servers {
		if c.transport.Type() == backend.DO53 {
			out = append(out, c)
		}
	}
	return out
}

func outcomeKind(err error) health.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return health.KindTimeout
	}
	return health.KindError
}

// candidates returns the transports the network's privacy mode allows,
// ordered lowest-RTT-first among usable servers, with unusable servers
// appended at the end so they are still occasionally reachable for
// low-frequency recovery probing. A usable server with no success in its
// window reports an RTT of -1 and so sorts ahead of measured ones.
func (d *Dispatcher) candidates(netID uint32, ns *config.NetworkState) []candidate {
	var out []candidate
	hp := ns.Params.ToHealthParams()

	// an unusable server is left out of the round entirely unless its
	// low-frequency recovery probe is due, rather than being contacted on
	// every exhausted round.
	add := func(id string, t backend.Transport) {
		s := d.statsFor(netID, id, hp)
		if !s.Usable() && !s.AllowProbe() {
			return
		}
		out = append(out, candidate{id: id, transport: t, stats: s})
	}

	addValidated := func() {
		for identity, t := range ns.DotTransports {
			if e, ok := ns.DotServers[identity]; ok && e.Status() == backend.StatusSuccess {
				add(identity.String(), t)
			}
		}
		for identity, t := range ns.DohTransports {
			if e, ok := ns.DohServers[identity]; ok && e.Status() == backend.StatusSuccess {
				add(identity.String(), t)
			}
		}
	}

	addDo53 := func() {
		for i, t := range ns.Do53Transports {
			add(fmt.Sprintf("do53-%d", i), t)
		}
	}

	switch ns.Mode {
	case backend.ModeStrict:
		addValidated()
	case backend.ModeOpportunistic:
		addValidated()
		addDo53()
	default: // ModeOff
		addDo53()
	}

	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := out[i].stats.Usable(), out[j].stats.Usable()
		if ui != uj {
			return ui
		}
		if ui {
			return out[i].stats.RTTMillis() < out[j].stats.RTTMillis()
		}
		return false
	})
	return out
}
