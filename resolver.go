// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package privatedns composes config, validate, dispatch, cache and nat64
// into one external interface: a configuration API consumed from an RPC
// layer, a query API consumed from a stub resolver, and an observer API
// consumed by metrics. The Resolver struct is the single composition
// root an embedding application talks to, wiring a config store, a
// validation/health layer, a dispatcher, and a listener behind it.
package privatedns

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/config"
	"github.com/celzero/privatedns/dispatch"
	"github.com/celzero/privatedns/internal/core"
	"github.com/celzero/privatedns/internal/log"
	"github.com/celzero/privatedns/nat64"
	"github.com/celzero/privatedns/observer"
	"github.com/celzero/privatedns/transport/do53"
	"github.com/celzero/privatedns/transport/doh"
	"github.com/celzero/privatedns/transport/dot"
	"github.com/celzero/privatedns/validate"
	"github.com/celzero/privatedns/xdns"
	"github.com/miekg/dns"
)

// EncryptedServer describes one DoT or DoH server entry from
// setResolverConfiguration's encryptedServers list.
type EncryptedServer struct {
	// Type is backend.DOT or backend.DOH.
	Type string
	// Addr is the dial address (host:port); for DoH, the identity address
	// is derived from Hostname instead and Addr may be empty.
	Addr string
	// URL is the DoH query URL, required when Type == backend.DOH.
	URL string
	// Hostname is the TLS certificate name to verify against.
	Hostname string
	// Provider names the server for ServerIdentity purposes; may be empty.
	Provider string
}

// ConfigParams mirrors setResolverConfiguration's params{} argument.
type ConfigParams struct {
	config.ResolverParams
	StrictPrivateDnsName string
	CACertPEM            []byte
	// CallerIsSystem gates CACertPEM.
	CallerIsSystem bool
}

// Options mirrors setResolverOptions's options{} argument.
type Options struct {
	EnforceDNSUID bool
	BlockedUIDs   map[int]struct{}
	CustomHosts   map[string][]netip.Addr // lower-cased, trailing-dot-stripped name -> addrs
}

type networkExtras struct {
	mu          sync.RWMutex
	enforceUID  bool
	blockedUIDs map[int]struct{}
	customHosts map[string][]netip.Addr
}

func newNetworkExtras() *networkExtras {
	return &networkExtras{blockedUIDs: map[int]struct{}{}, customHosts: map[string][]netip.Addr{}}
}

func (e *networkExtras) blocked(uid int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.enforceUID {
		return false
	}
	_, blocked := e.blockedUIDs[uid]
	return blocked
}

func (e *networkExtras) lookupCustom(name string) ([]netip.Addr, bool) {
	norm, err := xdns.NormalizeQName(name)
	if err != nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	addrs, ok := e.customHosts[norm]
	return addrs, ok
}

func (e *networkExtras) set(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enforceUID = opts.EnforceDNSUID
	e.blockedUIDs = opts.BlockedUIDs
	if e.blockedUIDs == nil {
		e.blockedUIDs = map[int]struct{}{}
	}
	custom := make(map[string][]netip.Addr, len(opts.CustomHosts))
	for name, addrs := range opts.CustomHosts {
		norm, err := xdns.NormalizeQName(name)
		if err != nil {
			continue
		}
		custom[norm] = addrs
	}
	e.customHosts = custom
}

// Resolver is the process-wide private-DNS core. The zero value is not
// usable; construct with New.
type Resolver struct {
	cfg    *config.PrivateDns
	nat    *nat64.Translator
	engine *validate.Engine
	disp   *dispatch.Dispatcher
	obs    *observer.Broadcaster

	extrasMu sync.Mutex
	extras   map[uint32]*networkExtras

	discoverMu     sync.Mutex
	discoverCancel map[uint32]context.CancelFunc
}

func New() *Resolver {
	obs := observer.New()
	obs.Add(observer.LogObserver{})

	nt := nat64.New()
	cfg := config.NewPrivateDns()

	r := &Resolver{
		cfg:            cfg,
		nat:            nt,
		engine:         validate.NewEngine(obs),
		disp:           dispatch.New(cfg, nt, obs),
		obs:            obs,
		extras:         make(map[uint32]*networkExtras),
		discoverCancel: make(map[uint32]context.CancelFunc),
	}
	return r
}

// AddObserver registers an additional observer.Observer. Safe to call at
// any time.
func (r *Resolver) AddObserver(o backend.Observer) {
	r.obs.Add(o)
}

func (r *Resolver) extrasFor(netID uint32) *networkExtras {
	r.extrasMu.Lock()
	defer r.extrasMu.Unlock()
	e, ok := r.extras[netID]
	if !ok {
		e = newNetworkExtras()
		r.extras[netID] = e
	}
	return e
}

// SetResolverConfiguration installs netID's configuration. It builds
// transports for every server,
// replaces the published NetworkState, bumps the validation generation
// (discarding any validation still running under the superseded config),
// and launches validation for every DoT/DoH server in the new config.
func (r *Resolver) SetResolverConfiguration(
	netID uint32,
	plaintextServers []string,
	encryptedServers []EncryptedServer,
	domains []string,
	params ConfigParams,
) error {
	if params.StrictPrivateDnsName != "" && len(encryptedServers) == 0 {
		return backend.ErrInvalidArgument
	}

	var caPool *x509.CertPool
	if len(params.CACertPEM) > 0 {
		if !params.CallerIsSystem {
			return backend.ErrPermissionDenied
		}
		caPool = x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(params.CACertPEM) {
			return backend.ErrInvalidArgument
		}
	}

	ns := config.NewNetworkState(netID)
	ns.Params = params.ResolverParams
	ns.StrictHostname = params.StrictPrivateDnsName
	ns.CAOverride = caPool
	ns.SetSearchDomains(domains)

	tie := do53.TieDefault
	baseTimeout := time.Duration(params.ResolverParams.RetransIntervalMs) * time.Millisecond
	for i, addr := range plaintextServers {
		ns.Do53Servers = append(ns.Do53Servers, addr)
		ns.Do53Transports = append(ns.Do53Transports, do53.New(strconv.Itoa(i)+"/"+addr, addr, tie, baseTimeout))
	}

	switch {
	case params.StrictPrivateDnsName != "":
		ns.Mode = backend.ModeStrict
	case len(encryptedServers) > 0:
		ns.Mode = backend.ModeOpportunistic
	default:
		ns.Mode = backend.ModeOff
	}

	dotOpts := ns.Params.ToDotOptions()
	dohOpts := ns.Params.ToDohOptions()
	for i, es := range encryptedServers {
		switch es.Type {
		case backend.DOT:
			addrPort, err := netip.ParseAddrPort(es.Addr)
			if err != nil {
				return backend.ErrInvalidArgument
			}
			identity := backend.NewServerIdentity(addrPort, es.Provider)
			entry := config.NewServerEntry(identity)
			ns.DotServers[identity] = entry
			ns.DotTransports[identity] = dot.New(strconv.Itoa(i)+"/"+es.Addr, identity, es.Hostname, caPool, dotOpts)

		case backend.DOH:
			addrPort, ok := dohIdentityAddr(es)
			if !ok {
				return backend.ErrInvalidArgument
			}
			identity := backend.NewServerIdentity(addrPort, es.Provider)
			entry := config.NewServerEntry(identity)
			ns.DohServers[identity] = entry
			tlsConf := &tls.Config{RootCAs: caPool}
			ns.DohTransports[identity] = doh.New(strconv.Itoa(i)+"/"+es.URL, es.URL, es.Hostname, tlsConf, dohOpts)

		default:
			return backend.ErrInvalidArgument
		}
	}

	r.cfg.Set(ns)
	r.engine.BumpGeneration(netID)
	r.launchValidations(netID, ns)
	return nil
}

// dohIdentityAddr derives a comparable ServerIdentity address for a DoH
// server from its Hostname, always with port 443 (the HTTPS default).
func dohIdentityAddr(es EncryptedServer) (netip.AddrPort, bool) {
	host := es.Hostname
	if host == "" {
		return netip.AddrPort{}, false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		// not a literal IP; synthesize a stable pseudo-address from the
		// hostname so distinct DoH providers still compare unequal.
		sum := sha256.Sum256([]byte(host))
		var b [16]byte
		b[0] = 0xfd
		copy(b[1:], sum[:15])
		ip = netip.AddrFrom16(b)
	}
	return netip.AddrPortFrom(ip, 443), true
}

// launchValidations starts one validation task per DoT/DoH server in ns.
func (r *Resolver) launchValidations(netID uint32, ns *config.NetworkState) {
	for identity, t := range ns.DotTransports {
		identity, t := identity, t
		entry := ns.DotServers[identity]
		entry.SetStatus(backend.StatusInProcess)
		probe := validateProbe(t)
		r.engine.Validate(netID, identity, probe, func(success bool) {
			if success {
				entry.SetStatus(backend.StatusSuccess)
			} else {
				entry.SetStatus(backend.StatusFail)
			}
		})
	}
	for identity, t := range ns.DohTransports {
		identity, t := identity, t
		entry := ns.DohServers[identity]
		entry.SetStatus(backend.StatusInProcess)
		probe := validateProbe(t)
		r.engine.Validate(netID, identity, probe, func(success bool) {
			if success {
				entry.SetStatus(backend.StatusSuccess)
			} else {
				entry.SetStatus(backend.StatusFail)
			}
		})
	}
}

// validateProbe builds a validate.ProbeFunc that sends a minimal NS query
// for the root and accepts anything but a transport-level error as
// success: a probe succeeds once the transport itself is viable, and a
// DNS-protocol-level answer like NXDOMAIN still counts.
func validateProbe(t backend.Transport) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		msg := new(dns.Msg)
		msg.SetQuestion(".", dns.TypeNS)
		q, err := msg.Pack()
		if err != nil {
			return err
		}
		_, err = t.Query(ctx, "tcp", q)
		return err
	}
}

// CreateNetworkCache installs an empty, off-mode configuration for netID
// if one does not already exist.
func (r *Resolver) CreateNetworkCache(netID uint32) {
	if _, ok := r.cfg.Get(netID); ok {
		return
	}
	r.cfg.Set(config.NewNetworkState(netID))
}

// DestroyNetworkCache tears down netID entirely: cancels validation,
// drops the NAT64 prefix, and removes the configuration.
func (r *Resolver) DestroyNetworkCache(netID uint32) {
	r.engine.BumpGeneration(netID)
	r.StopPrefix64Discovery(netID)
	r.nat.ClearPrefix(netID)
	r.cfg.Clear(netID)

	r.extrasMu.Lock()
	delete(r.extras, netID)
	r.extrasMu.Unlock()
}

// FlushNetworkCache drops every cached answer for netID without affecting
// configuration or validation state.
func (r *Resolver) FlushNetworkCache(netID uint32) {
	if ns, ok := r.cfg.Get(netID); ok {
		ns.Cache.Flush()
	}
}

// SetPrefix64 explicitly sets or clears (prefix == "") netID's NAT64
// prefix.
func (r *Resolver) SetPrefix64(netID uint32, prefix string) error {
	if prefix == "" {
		r.nat.ClearPrefix(netID)
		r.obs.OnNat64PrefixUpdate(netID, false, "", 0)
		return nil
	}
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return backend.ErrInvalidArgument
	}
	if err := r.nat.SetPrefix(netID, p); err != nil {
		return backend.ErrInvalidArgument
	}
	r.obs.OnNat64PrefixUpdate(netID, true, p.Addr().String(), p.Bits())
	return nil
}

// StartPrefix64Discovery launches a background RFC 7050 probe for netID
// using its first configured Do53 transport. A second call for the same
// netID replaces the first.
func (r *Resolver) StartPrefix64Discovery(netID uint32) error {
	ns, ok := r.cfg.Get(netID)
	if !ok {
		return backend.ErrNoSuchNetwork
	}
	if len(ns.Do53Transports) == 0 {
		return backend.ErrInvalidArgument
	}
	tr := ns.Do53Transports[0]

	r.StopPrefix64Discovery(netID)

	ctx, cancel := context.WithCancel(context.Background())
	r.discoverMu.Lock()
	r.discoverCancel[netID] = cancel
	r.discoverMu.Unlock()

	core.Go1("prefix64:discover", func(netID uint32) {
		prefix, err := nat64.DiscoverPrefix(ctx, tr)
		if err != nil {
			log.D("prefix64: (net %d) discovery failed: %v", netID, err)
			return
		}
		if r.nat.ApplyDiscovered(netID, prefix) {
			r.obs.OnNat64PrefixUpdate(netID, true, prefix.Addr().String(), prefix.Bits())
		}
	}, netID)
	return nil
}

// StopPrefix64Discovery cancels any in-flight discovery probe for netID.
func (r *Resolver) StopPrefix64Discovery(netID uint32) {
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()
	if cancel, ok := r.discoverCancel[netID]; ok {
		cancel()
		delete(r.discoverCancel, netID)
	}
}

// SetResolverOptions installs netID's enforceDnsUid switch and custom
// hosts list.
func (r *Resolver) SetResolverOptions(netID uint32, opts Options) {
	r.extrasFor(netID).set(opts)
}

// Query answers one raw DNS wire query for netID. uid is the originating
// process's UID (0 if unknown/not enforced), threaded through so
// enforceDnsUid has something to check against.
func (r *Resolver) Query(ctx context.Context, netID uint32, uid int, q []byte, flags backend.Flags) ([]byte, error) {
	extras := r.extrasFor(netID)
	if extras.blocked(uid) {
		return nil, backend.ErrBlockedByPolicy
	}

	msg := xdns.AsMsg(q)
	if msg == nil || len(msg.Question) == 0 {
		return nil, backend.ErrInvalidArgument
	}

	if addrs, ok := extras.lookupCustom(xdns.QName(msg)); ok {
		if ans := customAnswer(msg, addrs); ans != nil {
			return ans.Pack()
		}
	}

	ns, ok := r.cfg.Get(netID)
	if !ok {
		return nil, backend.ErrNoSuchNetwork
	}
	if ns.Mode == backend.ModeStrict && !ns.HasValidatedServers() {
		return nil, backend.ErrPrivateDnsFailed
	}

	return r.disp.Resolve(ctx, netID, q, flags)
}

// customAnswer builds an A/AAAA response from a setResolverOptions custom
// hosts entry. Returns nil if qtype doesn't match any address
// family present in addrs, so the caller falls through to normal
// resolution.
func customAnswer(msg *dns.Msg, addrs []netip.Addr) *dns.Msg {
	qtype := xdns.QType(msg)
	ans := xdns.EmptyResponseFromMessage(msg)
	for _, a := range addrs {
		switch {
		case qtype == dns.TypeA && a.Is4():
			ans.Answer = append(ans.Answer, xdns.MakeARecord(msg.Question[0].Name, a, 60))
		case qtype == dns.TypeAAAA && a.Is6() && !a.Is4In6():
			ans.Answer = append(ans.Answer, xdns.MakeAAAARecord(msg.Question[0].Name, a, 60))
		}
	}
	if len(ans.Answer) == 0 {
		return nil
	}
	return ans
}

// Resolve is a resolve(netId, name, family, flags) -> addrinfo
// convenience API: it runs the A and/or AAAA queries implied by family and
// combines them. For AddrFamilyAny both queries are dispatched in
// parallel (optionally staggered by ParallelLookupSleepTimeMs), reusing
// the dispatcher's NAT64-aware A+AAAA path query-by-query.
func (r *Resolver) Resolve(ctx context.Context, netID uint32, uid int, name string, family AddrFamily, flags backend.Flags) ([]netip.Addr, error) {
	norm, err := xdns.NormalizeQName(name)
	if err != nil {
		return nil, backend.ErrInvalidArgument
	}
	if norm != "." {
		norm += "."
	}

	var qtypes []uint16
	switch family {
	case AddrFamilyIPv4:
		qtypes = []uint16{dns.TypeA}
	case AddrFamilyIPv6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeAAAA, dns.TypeA}
	}

	if len(qtypes) == 1 {
		return r.resolveOne(ctx, netID, uid, norm, qtypes[0], flags)
	}

	sleepGap := time.Duration(0)
	if ns, ok := r.cfg.Get(netID); ok && ns.Params.ParallelLookupSleepTimeMs > 0 {
		sleepGap = time.Duration(ns.Params.ParallelLookupSleepTimeMs) * time.Millisecond
	}

	type result struct {
		addrs []netip.Addr
		err   error
	}
	results := make([]chan result, len(qtypes))
	for i, qt := range qtypes {
		ch := make(chan result, 1)
		results[i] = ch
		i, qt := i, qt
		core.Go1("resolver:resolve", func(qt uint16) {
			if i > 0 && sleepGap > 0 {
				time.Sleep(sleepGap)
			}
			addrs, err := r.resolveOne(ctx, netID, uid, norm, qt, flags)
			ch <- result{addrs, err}
		}, qt)
	}

	var out []netip.Addr
	var firstErr error
	for _, ch := range results {
		res := <-ch
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		out = append(out, res.addrs...)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// resolveOne runs a single-qtype query and extracts its addresses.
func (r *Resolver) resolveOne(ctx context.Context, netID uint32, uid int, norm string, qtype uint16, flags backend.Flags) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(norm, qtype)
	q, err := msg.Pack()
	if err != nil {
		return nil, err
	}
	raw, err := r.Query(ctx, netID, uid, q, flags)
	if err != nil {
		return nil, err
	}
	ans := xdns.AsMsg(raw)
	var out []netip.Addr
	out = append(out, xdns.AAnswer(ans)...)
	out = append(out, xdns.AAAAAnswer(ans)...)
	return out, nil
}

// AddrFamily selects which record types Resolve queries.
type AddrFamily int

const (
	AddrFamilyAny AddrFamily = iota
	AddrFamilyIPv4
	AddrFamilyIPv6
)
