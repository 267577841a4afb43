// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xdns is the thin wrapper the rest of the private-DNS core uses
// around github.com/miekg/dns. Every transport, the cache, and the NAT64
// synthesizer go through here rather than touching *dns.Msg fields
// directly, so header inspection stays limited to
// QR/TC/RCODE/question/OPT.
package xdns

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
)

var errNotAscii = errNotAsciiErr{}

type errNotAsciiErr struct{}

func (errNotAsciiErr) Error() string { return "xdns: query name is not ascii" }

// AsMsg unpacks a raw wire message, returning nil on malformed input.
func AsMsg(packet []byte) *dns.Msg {
	msg := &dns.Msg{}
	if err := msg.Unpack(packet); err != nil {
		return nil
	}
	return msg
}

// QName returns the first question's name, or "" if there is none.
func QName(msg *dns.Msg) string {
	if msg != nil && len(msg.Question) > 0 {
		return msg.Question[0].Name
	}
	return ""
}

// QType returns the first question's qtype, or dns.TypeNone if there is none.
func QType(msg *dns.Msg) uint16 {
	if msg != nil && len(msg.Question) > 0 {
		return msg.Question[0].Qtype
	}
	return dns.TypeNone
}

// QClass returns the first question's class, or dns.ClassINET if there is none.
func QClass(msg *dns.Msg) uint16 {
	if msg != nil && len(msg.Question) > 0 {
		return msg.Question[0].Qclass
	}
	return dns.ClassINET
}

func Rcode(msg *dns.Msg) int {
	if msg != nil {
		return msg.Rcode
	}
	return dns.RcodeServerFailure
}

func HasTCFlag(packet []byte) bool {
	return len(packet) > 2 && packet[2]&2 == 2
}

func HasRcodeSuccess(msg *dns.Msg) bool {
	return msg != nil && msg.Rcode == dns.RcodeSuccess
}

func IsNXDomain(msg *dns.Msg) bool {
	return msg != nil && msg.Rcode == dns.RcodeNameError
}

// RTtl returns the smallest answer TTL in msg, used as an upper bound for
// caching, or 0 if there are no answers.
func RTtl(msg *dns.Msg) int {
	minttl := uint32(0)
	if msg == nil {
		return 0
	}
	for i, a := range msg.Answer {
		ttl := a.Header().Ttl
		if i == 0 || ttl < minttl {
			minttl = ttl
		}
	}
	return int(minttl)
}

// SoaMinTtl returns the SOA minimum field from the authority section of a
// negative response.
func SoaMinTtl(msg *dns.Msg) (uint32, bool) {
	if msg == nil {
		return 0, false
	}
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl, true
		}
	}
	return 0, false
}

// NormalizeQName lower-cases str and strips a trailing root dot, returning
// an error if str contains non-ASCII bytes.
func NormalizeQName(str string) (string, error) {
	if len(str) == 0 || str == "." {
		return ".", nil
	}
	str = strings.TrimSuffix(str, ".")
	hasUpper := false
	for i := 0; i < len(str); i++ {
		c := str[i]
		if c >= utf8.RuneSelf {
			return str, errNotAscii
		}
		hasUpper = hasUpper || ('A' <= c && c <= 'Z')
	}
	if !hasUpper {
		return str, nil
	}
	var b strings.Builder
	b.Grow(len(str))
	for i := 0; i < len(str); i++ {
		c := str[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// RemoveEDNS0Options strips the OPT RR's options (not the RR itself) so a
// FORMERR retry can be sent with a bare EDNS0 pseudo-section. Returns
// false if msg carries no OPT RR.
func RemoveEDNS0Options(msg *dns.Msg) bool {
	edns0 := msg.IsEdns0()
	if edns0 == nil {
		return false
	}
	edns0.Option = nil
	return true
}

// StripEDNS0 removes the OPT RR entirely, used when retrying a query
// without EDNS0.
func StripEDNS0(msg *dns.Msg) {
	out := msg.Extra[:0]
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			out = append(out, rr)
		}
	}
	msg.Extra = out
}

// EmptyResponseFromMessage builds a response skeleton (question copied,
// QR set, recursion-available mirrored) with no answers, used as the base
// for synthesized Refused/Servfail/NXDOMAIN answers.
func EmptyResponseFromMessage(srcMsg *dns.Msg) *dns.Msg {
	dst := dns.Msg{MsgHdr: srcMsg.MsgHdr, Compress: true}
	dst.Question = srcMsg.Question
	dst.Response = true
	if srcMsg.RecursionDesired {
		dst.RecursionAvailable = true
	}
	dst.RecursionDesired = false
	if edns0 := srcMsg.IsEdns0(); edns0 != nil {
		dst.SetEdns0(edns0.UDPSize(), edns0.Do())
	}
	return &dst
}

// RefusedResponseFromMessage synthesizes a REFUSED answer for srcMsg.
func RefusedResponseFromMessage(srcMsg *dns.Msg) *dns.Msg {
	dst := EmptyResponseFromMessage(srcMsg)
	dst.Rcode = dns.RcodeRefused
	return dst
}

// Servfail synthesizes a SERVFAIL answer for a raw wire query, returning
// nil if q does not unpack.
func Servfail(q []byte) []byte {
	msg := AsMsg(q)
	if msg == nil {
		return nil
	}
	dst := EmptyResponseFromMessage(msg)
	dst.Rcode = dns.RcodeServerFailure
	b, err := dst.Pack()
	if err != nil {
		return nil
	}
	return b
}

// AAnswer returns the A-record addresses in msg's answer section.
func AAnswer(msg *dns.Msg) []netip.Addr {
	if msg == nil {
		return nil
	}
	var out []netip.Addr
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				out = append(out, ip)
			}
		}
	}
	return out
}

// AAAAAnswer returns the AAAA-record addresses in msg's answer section.
func AAAAAnswer(msg *dns.Msg) []netip.Addr {
	if msg == nil {
		return nil
	}
	var out []netip.Addr
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			if ip, ok := netip.AddrFromSlice(a.AAAA.To16()); ok {
				out = append(out, ip)
			}
		}
	}
	return out
}

// MakeARecord builds an A RR suitable for appending to a synthesized
// answer's Answer section.
func MakeARecord(name string, ip netip.Addr, ttl uint32) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.IP(ip.AsSlice()),
	}
}

// MakeAAAARecord builds an AAAA RR, used by NAT64 forward synthesis.
func MakeAAAARecord(name string, ip netip.Addr, ttl uint32) dns.RR {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
		AAAA: net.IP(ip.AsSlice()),
	}
}

func IsAQType(qtype uint16) bool    { return qtype == dns.TypeA }
func IsAAAAQType(qtype uint16) bool { return qtype == dns.TypeAAAA }
func IsPTRQType(qtype uint16) bool  { return qtype == dns.TypePTR }

// PTRName builds the in-addr.arpa/ip6.arpa question name for ip, the
// reverse of ReversePTRAddr.
func PTRName(ip netip.Addr) string {
	if ip.Is4() {
		b := ip.As4()
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", b[3], b[2], b[1], b[0])
	}
	b := ip.As16()
	var nibbles [32]byte
	const hexDigits = "0123456789abcdef"
	for i, v := range b {
		nibbles[i*2] = hexDigits[v>>4]
		nibbles[i*2+1] = hexDigits[v&0xf]
	}
	var sb strings.Builder
	sb.Grow(64 + len(".ip6.arpa."))
	for i := len(nibbles) - 1; i >= 0; i-- {
		sb.WriteByte(nibbles[i])
		sb.WriteByte('.')
	}
	sb.WriteString("ip6.arpa.")
	return sb.String()
}

// ReversePTRAddr parses a PTR question name back into the address it
// names, the inverse of PTRName. Returns false for a name that is not a
// well-formed in-addr.arpa or ip6.arpa reverse name.
func ReversePTRAddr(name string) (netip.Addr, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))

	switch {
	case strings.HasSuffix(name, ".ip6.arpa"):
		labels := strings.Split(strings.TrimSuffix(name, ".ip6.arpa"), ".")
		if len(labels) != 32 {
			return netip.Addr{}, false
		}
		var hex strings.Builder
		hex.Grow(32)
		for i := len(labels) - 1; i >= 0; i-- {
			if len(labels[i]) != 1 {
				return netip.Addr{}, false
			}
			hex.WriteString(labels[i])
		}
		raw := hex.String()
		var b [16]byte
		for i := 0; i < 16; i++ {
			v, err := strconv.ParseUint(raw[i*2:i*2+2], 16, 8)
			if err != nil {
				return netip.Addr{}, false
			}
			b[i] = byte(v)
		}
		return netip.AddrFrom16(b), true

	case strings.HasSuffix(name, ".in-addr.arpa"):
		labels := strings.Split(strings.TrimSuffix(name, ".in-addr.arpa"), ".")
		if len(labels) != 4 {
			return netip.Addr{}, false
		}
		var b [4]byte
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseUint(labels[len(labels)-1-i], 10, 8)
			if err != nil || v > 255 {
				return netip.Addr{}, false
			}
			b[i] = byte(v)
		}
		return netip.AddrFrom4(b), true
	}
	return netip.Addr{}, false
}
