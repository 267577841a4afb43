// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package privatedns

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/config"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPlaintextServer(t *testing.T, ip string) (string, func()) {
	t.Helper()

	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.Question[0].Qtype == dns.TypeA {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip).To4(),
			})
		}
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()

	return pc.LocalAddr().String(), func() { _ = srv.Shutdown() }
}

func configureOffMode(t *testing.T, r *Resolver, netID uint32, serverAddr string) {
	t.Helper()
	err := r.SetResolverConfiguration(netID, []string{serverAddr}, nil, nil, ConfigParams{})
	require.NoError(t, err)
}

func TestQueryResolvesOverPlaintext(t *testing.T) {
	addr, stop := startPlaintextServer(t, "1.2.3.4")
	defer stop()

	r := New()
	configureOffMode(t, r, 1, addr)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	q, _ := msg.Pack()

	resp, err := r.Query(context.Background(), 1, 0, q, 0)
	require.NoError(t, err)

	ans := new(dns.Msg)
	require.NoError(t, ans.Unpack(resp))
	require.Len(t, ans.Answer, 1)
	assert.Equal(t, "1.2.3.4", ans.Answer[0].(*dns.A).A.String())
}

func TestQueryOnUnknownNetworkFails(t *testing.T) {
	r := New()
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	q, _ := msg.Pack()

	_, err := r.Query(context.Background(), 404, 0, q, 0)
	assert.ErrorIs(t, err, backend.ErrNoSuchNetwork)
}

func TestQueryBlocksEnforcedUID(t *testing.T) {
	addr, stop := startPlaintextServer(t, "1.2.3.4")
	defer stop()

	r := New()
	configureOffMode(t, r, 1, addr)
	r.SetResolverOptions(1, Options{EnforceDNSUID: true, BlockedUIDs: map[int]struct{}{42: {}}})

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	q, _ := msg.Pack()

	_, err := r.Query(context.Background(), 1, 42, q, 0)
	assert.ErrorIs(t, err, backend.ErrBlockedByPolicy)

	_, err = r.Query(context.Background(), 1, 7, q, 0)
	assert.NoError(t, err)
}

func TestQueryCustomHostsBypassesResolution(t *testing.T) {
	r := New()
	r.CreateNetworkCache(1)
	r.SetResolverOptions(1, Options{
		CustomHosts: map[string][]netip.Addr{
			"example.com": {netip.MustParseAddr("9.9.9.9")},
		},
	})

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	q, _ := msg.Pack()

	resp, err := r.Query(context.Background(), 1, 0, q, 0)
	require.NoError(t, err)

	ans := new(dns.Msg)
	require.NoError(t, ans.Unpack(resp))
	require.Len(t, ans.Answer, 1)
	assert.Equal(t, "9.9.9.9", ans.Answer[0].(*dns.A).A.String())
}

func TestStrictModeWithoutValidatedServersFails(t *testing.T) {
	r := New()
	err := r.SetResolverConfiguration(1, nil, []EncryptedServer{
		{Type: backend.DOT, Addr: "127.0.0.1:1", Hostname: "one.one.one.one", Provider: "cloudflare"},
	}, nil, ConfigParams{StrictPrivateDnsName: "one.one.one.one"})
	require.NoError(t, err)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	q, _ := msg.Pack()

	_, err = r.Query(context.Background(), 1, 0, q, 0)
	assert.ErrorIs(t, err, backend.ErrPrivateDnsFailed)
}

func TestSetResolverConfigurationRejectsStrictWithoutEncryptedServers(t *testing.T) {
	r := New()
	err := r.SetResolverConfiguration(1, nil, nil, nil, ConfigParams{StrictPrivateDnsName: "one.one.one.one"})
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
}

func TestCACertRequiresSystemCaller(t *testing.T) {
	r := New()
	err := r.SetResolverConfiguration(1, nil, nil, nil, ConfigParams{CACertPEM: []byte("not a real pem"), CallerIsSystem: false})
	assert.ErrorIs(t, err, backend.ErrPermissionDenied)
}

func TestDestroyNetworkCacheRemovesConfiguration(t *testing.T) {
	r := New()
	r.CreateNetworkCache(1)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	q, _ := msg.Pack()
	_, err := r.Query(context.Background(), 1, 0, q, 0)
	assert.NotErrorIs(t, err, backend.ErrNoSuchNetwork, "a created-but-empty network is configured, even with no usable servers yet")

	r.DestroyNetworkCache(1)
	_, err = r.Query(context.Background(), 1, 0, q, 0)
	assert.ErrorIs(t, err, backend.ErrNoSuchNetwork)
}

func TestSetPrefix64ExplicitThenClear(t *testing.T) {
	r := New()
	require.NoError(t, r.SetPrefix64(1, "64:ff9b::/96"))
	p, ok := r.nat.Prefix(1)
	require.True(t, ok)
	assert.Equal(t, 96, p.Bits())

	require.NoError(t, r.SetPrefix64(1, ""))
	_, ok = r.nat.Prefix(1)
	assert.False(t, ok)
}

func TestSetPrefix64RejectsMalformedPrefix(t *testing.T) {
	r := New()
	err := r.SetPrefix64(1, "not-a-prefix")
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
}

func TestStartPrefix64DiscoveryRequiresDo53Server(t *testing.T) {
	r := New()
	r.CreateNetworkCache(1)
	err := r.StartPrefix64Discovery(1)
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
}

func TestFlushNetworkCacheOnUnknownNetworkIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.FlushNetworkCache(999) })
}

func TestResolveCombinesAAndAAAA(t *testing.T) {
	addr, stop := startPlaintextServer(t, "1.2.3.4")
	defer stop()

	r := New()
	configureOffMode(t, r, 1, addr)

	// the server answers only A, so the AAAA half contributes nothing
	got, err := r.Resolve(context.Background(), 1, 0, "example.com", AddrFamilyAny, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1.2.3.4", got[0].String())
}

// startPlaintextServerBothFamilies answers both A and AAAA questions after
// delay, letting tests measure whether Resolve's dual-family path issues
// both queries concurrently rather than one after the other.
func startPlaintextServerBothFamilies(t *testing.T, v4, v6 string, delay time.Duration) (string, func()) {
	t.Helper()

	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		time.Sleep(delay)
		m := new(dns.Msg)
		m.SetReply(r)
		switch r.Question[0].Qtype {
		case dns.TypeA:
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(v4).To4(),
			})
		case dns.TypeAAAA:
			m.Answer = append(m.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
				AAAA: net.ParseIP(v6),
			})
		}
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()

	return pc.LocalAddr().String(), func() { _ = srv.Shutdown() }
}

func TestResolveIssuesDualFamilyQueriesConcurrently(t *testing.T) {
	const delay = 150 * time.Millisecond
	addr, stop := startPlaintextServerBothFamilies(t, "1.2.3.4", "::1", delay)
	defer stop()

	r := New()
	configureOffMode(t, r, 1, addr)

	start := time.Now()
	got, err := r.Resolve(context.Background(), 1, 0, "example.com", AddrFamilyAny, 0)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Less(t, elapsed, 2*delay, "AAAA and A lookups must run concurrently, not back-to-back")
}

func TestResolveStaggersParallelLookupsByConfiguredSleep(t *testing.T) {
	const delay = 50 * time.Millisecond
	const sleepGap = 150 * time.Millisecond
	addr, stop := startPlaintextServerBothFamilies(t, "1.2.3.4", "::1", delay)
	defer stop()

	r := New()
	err := r.SetResolverConfiguration(1, []string{addr}, nil, nil, ConfigParams{
		ResolverParams: config.ResolverParams{ParallelLookupSleepTimeMs: int(sleepGap.Milliseconds())},
	})
	require.NoError(t, err)

	start := time.Now()
	got, err := r.Resolve(context.Background(), 1, 0, "example.com", AddrFamilyAny, 0)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.GreaterOrEqual(t, elapsed, sleepGap, "the staggered lookup must wait out its configured sleep gap")
	assert.Less(t, elapsed, sleepGap+delay+250*time.Millisecond, "lookups still run concurrently around the stagger, not fully sequential")
}
