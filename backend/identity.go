// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import "net/netip"

// ServerIdentity is the immutable (socket address, provider name) tuple
// that names one private-DNS server. It is comparable and usable directly
// as a Go map key.
type ServerIdentity struct {
	Addr     netip.AddrPort
	Provider string // empty for anonymous servers; == strict hostname in strict mode
}

func NewServerIdentity(addr netip.AddrPort, provider string) ServerIdentity {
	return ServerIdentity{Addr: addr, Provider: provider}
}

func (s ServerIdentity) String() string {
	if s.Provider == "" {
		return s.Addr.String()
	}
	return s.Addr.String() + "/" + s.Provider
}
