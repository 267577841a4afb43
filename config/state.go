// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config holds the per-network private-DNS configuration
// (NetworkState, ServerEntry) and the top-level registry (PrivateDns) that
// publishes it via an atomic snapshot swap, deriving validatedServers from
// whichever snapshot is current. The snapshot read path is lock-free,
// built on internal/core.Volatile.
package config

import (
	"crypto/x509"
	"strings"
	"sync"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/cache"
	"github.com/celzero/privatedns/xdns"
)

const (
	maxSearchDomains = 6
	maxDomainBytes   = 255
)

// ServerEntry is the mutable per-server validation record. Its
// Status transitions unknown -> in_process -> success|fail, and may cycle
// back to in_process on revalidation.
type ServerEntry struct {
	Identity backend.ServerIdentity

	mu     sync.Mutex
	status backend.ValidationStatus
}

func NewServerEntry(id backend.ServerIdentity) *ServerEntry {
	return &ServerEntry{Identity: id, status: backend.StatusUnknown}
}

func (e *ServerEntry) Status() backend.ValidationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *ServerEntry) SetStatus(s backend.ValidationStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}

// NetworkState is one network's full private-DNS configuration.
// Values are treated as immutable once published through PrivateDns.Set;
// a caller that wants to change a field copies the struct with Clone and
// republishes it, which is how PrivateDns achieves its lock-free reads.
type NetworkState struct {
	NetID uint32
	Mode  backend.Mode

	Do53Servers    []string // host:port
	Do53Transports []backend.Transport

	DotServers    map[backend.ServerIdentity]*ServerEntry
	DotTransports map[backend.ServerIdentity]backend.Transport

	DohServers    map[backend.ServerIdentity]*ServerEntry
	DohTransports map[backend.ServerIdentity]backend.Transport

	StrictHostname string
	CAOverride     *x509.CertPool

	SearchDomains []string

	Params ResolverParams

	Cache *cache.Cache
}

func NewNetworkState(netID uint32) *NetworkState {
	return &NetworkState{
		NetID:         netID,
		Mode:          backend.ModeOff,
		DotServers:    make(map[backend.ServerIdentity]*ServerEntry),
		DotTransports: make(map[backend.ServerIdentity]backend.Transport),
		DohServers:    make(map[backend.ServerIdentity]*ServerEntry),
		DohTransports: make(map[backend.ServerIdentity]backend.Transport),
		Params:        DefaultParams(),
		Cache:         cache.New(),
	}
}

// Clone returns a shallow copy of ns with its own server maps, so the
// copy can be mutated and republished without racing readers of the
// original.
func (ns *NetworkState) Clone() *NetworkState {
	next := *ns
	next.Do53Servers = append([]string(nil), ns.Do53Servers...)
	next.Do53Transports = append([]backend.Transport(nil), ns.Do53Transports...)
	next.SearchDomains = append([]string(nil), ns.SearchDomains...)

	next.DotServers = make(map[backend.ServerIdentity]*ServerEntry, len(ns.DotServers))
	for k, v := range ns.DotServers {
		next.DotServers[k] = v
	}
	next.DotTransports = make(map[backend.ServerIdentity]backend.Transport, len(ns.DotTransports))
	for k, v := range ns.DotTransports {
		next.DotTransports[k] = v
	}

	next.DohServers = make(map[backend.ServerIdentity]*ServerEntry, len(ns.DohServers))
	for k, v := range ns.DohServers {
		next.DohServers[k] = v
	}
	next.DohTransports = make(map[backend.ServerIdentity]backend.Transport, len(ns.DohTransports))
	for k, v := range ns.DohTransports {
		next.DohTransports[k] = v
	}
	return &next
}

// ValidatedServers returns the identities of every DoT/DoH server whose
// entry has reached StatusSuccess.
func (ns *NetworkState) ValidatedServers() []backend.ServerIdentity {
	var out []backend.ServerIdentity
	for id, e := range ns.DotServers {
		if e.Status() == backend.StatusSuccess {
			out = append(out, id)
		}
	}
	for id, e := range ns.DohServers {
		if e.Status() == backend.StatusSuccess {
			out = append(out, id)
		}
	}
	return out
}

// HasValidatedServers reports whether any DoT or DoH server validated,
// the condition strict mode uses to decide whether queries may proceed.
func (ns *NetworkState) HasValidatedServers() bool {
	for _, e := range ns.DotServers {
		if e.Status() == backend.StatusSuccess {
			return true
		}
	}
	for _, e := range ns.DohServers {
		if e.Status() == backend.StatusSuccess {
			return true
		}
	}
	return false
}

// SetSearchDomains normalizes and installs domains: dedup
// (case-insensitive), cap at 6 entries, and a 255-byte max per domain.
// Invalid or over-length entries are dropped rather than rejecting the
// whole call.
func (ns *NetworkState) SetSearchDomains(domains []string) {
	ns.SearchDomains = NormalizeSearchDomains(domains)
}

// NormalizeSearchDomains applies the dedup/cap/length rules in isolation,
// so callers constructing a NetworkState can reuse the same logic.
func NormalizeSearchDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, maxSearchDomains)

	for _, d := range domains {
		norm, err := xdns.NormalizeQName(strings.TrimSpace(d))
		if err != nil || norm == "." || norm == "" {
			continue
		}
		if len(norm) > maxDomainBytes {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
		if len(out) >= maxSearchDomains {
			break
		}
	}
	return out
}
