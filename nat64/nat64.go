// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nat64 implements one RFC 6052 /96 NAT64 prefix per network, set
// explicitly or discovered via an ipv4only.arpa AAAA query, forward
// (A-to-AAAA) and reverse (PTR, strip-prefix) synthesis, and exclusion of
// special-use IPv4 ranges from synthesis using github.com/yl2chen/cidranger.
package nat64

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/log"
	"github.com/celzero/privatedns/xdns"
	"github.com/miekg/dns"
	"github.com/yl2chen/cidranger"
)

// WellKnownProbeName is the RFC 7050 probe name used to discover a
// network's NAT64 prefix.
const WellKnownProbeName = "ipv4only.arpa."

var (
	wka1 = net.IPv4(192, 0, 0, 170)
	wka2 = net.IPv4(192, 0, 0, 171)

	ErrInvalidPrefix = errors.New("nat64: prefix must be a /96 ipv6 prefix")
	ErrNoPrefix      = errors.New("nat64: no nat64 prefix configured for network")
	ErrNotDiscovered = errors.New("nat64: ipv4only.arpa probe returned no usable address")
)

// specialUseRanges are IPv4 ranges that must never be synthesized into a
// NAT64 address.
var specialUseRanges = []string{
	"0.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"224.0.0.0/4",
	"255.255.255.255/32",
}

type prefixEntry struct {
	prefix   netip.Prefix
	explicit bool // true once set via SetPrefix; wins over discovery
}

// Translator holds the per-network NAT64 prefixes and the shared
// special-use exclusion set.
type Translator struct {
	mu      sync.RWMutex
	entries map[uint32]*prefixEntry
	exclude cidranger.Ranger
}

func New() *Translator {
	r := cidranger.NewPCTrieRanger()
	for _, cidr := range specialUseRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		_ = r.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}
	return &Translator{
		entries: make(map[uint32]*prefixEntry),
		exclude: r,
	}
}

// SetPrefix explicitly configures netID's NAT64 prefix. An explicit
// prefix always wins over a subsequently discovered one.
func (t *Translator) SetPrefix(netID uint32, prefix netip.Prefix) error {
	if !prefix.IsValid() || !prefix.Addr().Is6() || prefix.Bits() != 96 {
		return ErrInvalidPrefix
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[netID] = &prefixEntry{prefix: prefix, explicit: true}
	return nil
}

// ApplyDiscovered records a prefix found by DiscoverPrefix, unless netID
// already carries an explicitly-set prefix. Returns false when the
// discovered prefix was suppressed by an explicit one.
func (t *Translator) ApplyDiscovered(netID uint32, prefix netip.Prefix) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[netID]; ok && e.explicit {
		log.D("nat64: netid(%d) discovery suppressed by explicit prefix %s", netID, e.prefix)
		return false
	}
	t.entries[netID] = &prefixEntry{prefix: prefix, explicit: false}
	return true
}

// ClearPrefix removes netID's prefix entirely.
func (t *Translator) ClearPrefix(netID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, netID)
}

// Prefix returns netID's current NAT64 prefix, if any.
func (t *Translator) Prefix(netID uint32) (netip.Prefix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[netID]
	if !ok {
		return netip.Prefix{}, false
	}
	return e.prefix, true
}

// excluded reports whether ip4 falls in a special-use range that must
// never be synthesized into a NAT64 address.
func (t *Translator) excluded(ip4 netip.Addr) bool {
	ok, err := t.exclude.Contains(net.IP(ip4.AsSlice()))
	return err == nil && ok
}

// Synthesize builds the NAT64 IPv6 address for ip4 under netID's prefix.
// Returns false if no prefix is configured or ip4 falls in a
// special-use exclusion range.
func (t *Translator) Synthesize(netID uint32, ip4 netip.Addr) (netip.Addr, bool) {
	if !ip4.Is4() || t.excluded(ip4) {
		return netip.Addr{}, false
	}
	prefix, ok := t.Prefix(netID)
	if !ok {
		return netip.Addr{}, false
	}

	base := prefix.Addr().As16()
	v4 := ip4.As4()
	var out [16]byte
	copy(out[:12], base[:12])
	copy(out[12:], v4[:])
	return netip.AddrFrom16(out), true
}

// Reverse strips netID's prefix from ip6, the PTR strip-prefix fallback.
// Returns false if ip6 is not under netID's prefix, so the caller can
// fall back to an ordinary PTR lookup.
func (t *Translator) Reverse(netID uint32, ip6 netip.Addr) (netip.Addr, bool) {
	if !ip6.Is6() {
		return netip.Addr{}, false
	}
	prefix, ok := t.Prefix(netID)
	if !ok || !prefix.Contains(ip6) {
		return netip.Addr{}, false
	}

	b := ip6.As16()
	var v4 [4]byte
	copy(v4[:], b[12:16])
	ip4 := netip.AddrFrom4(v4)
	if t.excluded(ip4) {
		return netip.Addr{}, false
	}
	return ip4, true
}

// DiscoverPrefix queries ipv4only.arpa for AAAA over transport tr, and
// derives a /96 prefix from any answer whose last four bytes carry one
// of the RFC 7050 well-known addresses.
func DiscoverPrefix(ctx context.Context, tr backend.Transport) (netip.Prefix, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(WellKnownProbeName, dns.TypeAAAA)
	q, err := msg.Pack()
	if err != nil {
		return netip.Prefix{}, err
	}

	raw, err := tr.Query(ctx, "udp", q)
	if err != nil {
		return netip.Prefix{}, err
	}
	ans := xdns.AsMsg(raw)
	for _, addr := range xdns.AAAAAnswer(ans) {
		if prefix, ok := derivePrefix96(addr); ok {
			return prefix, nil
		}
	}
	return netip.Prefix{}, ErrNotDiscovered
}

func derivePrefix96(ip6 netip.Addr) (netip.Prefix, bool) {
	b := ip6.As16()
	last4 := net.IPv4(b[12], b[13], b[14], b[15])
	if !last4.Equal(wka1) && !last4.Equal(wka2) {
		return netip.Prefix{}, false
	}
	var prefixBytes [16]byte
	copy(prefixBytes[:12], b[:12])
	return netip.PrefixFrom(netip.AddrFrom16(prefixBytes), 96), true
}
