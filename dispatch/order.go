// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dispatch

import (
	"net/netip"
	"sort"

	"github.com/miekg/dns"
)

// rfc6724policy is one row of RFC 6724 §2.1's default policy table.
type rfc6724policy struct {
	prefix     netip.Prefix
	precedence int
	label      int
}

var defaultPolicyTable = []rfc6724policy{
	{netip.MustParsePrefix("::1/128"), 50, 0},
	{netip.MustParsePrefix("::ffff:0:0/96"), 35, 4},
	{netip.MustParsePrefix("2002::/16"), 30, 2},
	{netip.MustParsePrefix("2001::/32"), 5, 5},
	{netip.MustParsePrefix("fc00::/7"), 3, 13},
	{netip.MustParsePrefix("::/96"), 1, 3},
	{netip.MustParsePrefix("fec0::/10"), 1, 11},
	{netip.MustParsePrefix("3ffe::/16"), 1, 12},
	{netip.MustParsePrefix("::/0"), 40, 1},
}

// classify implements RFC 6724 §2.1's table lookup for a destination
// address, by longest matching prefix. IPv4 addresses are treated as
// their ::ffff:0:0/96-mapped form. There is no real source address here
// to apply the full source/destination pairing rules against, so only
// the destination-address precedence and label are used.
func classify(addr netip.Addr) (precedence, label int) {
	if addr.Is4() {
		return 35, 4
	}
	bestBits := -1
	precedence, label = 40, 1
	for _, e := range defaultPolicyTable {
		if e.prefix.Contains(addr) && e.prefix.Bits() > bestBits {
			bestBits = e.prefix.Bits()
			precedence, label = e.precedence, e.label
		}
	}
	return
}

// SortAnswers stably reorders msg's A/AAAA answers by descending RFC 6724
// precedence, leaving every other record type's relative position alone.
func SortAnswers(msg *dns.Msg) {
	if msg == nil || len(msg.Answer) < 2 {
		return
	}

	precedenceOf := func(rr dns.RR) (int, bool) {
		switch v := rr.(type) {
		case *dns.A:
			addr, ok := netip.AddrFromSlice(v.A.To4())
			if !ok {
				return 0, false
			}
			p, _ := classify(addr)
			return p, true
		case *dns.AAAA:
			addr, ok := netip.AddrFromSlice(v.AAAA.To16())
			if !ok {
				return 0, false
			}
			p, _ := classify(addr)
			return p, true
		default:
			return 0, false
		}
	}

	sort.SliceStable(msg.Answer, func(i, j int) bool {
		pi, oki := precedenceOf(msg.Answer[i])
		pj, okj := precedenceOf(msg.Answer[j])
		if !oki || !okj {
			return false
		}
		return pi > pj
	})
}
