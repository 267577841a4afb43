// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"sync"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/core"
)

type snapshot struct {
	networks map[uint32]*NetworkState
}

// PrivateDns is the process-wide set of per-network configurations.
// Reads (Get, the common case, hit on every query) never take a lock:
// they load an immutable snapshot via internal/core.Volatile. Writes
// (Set, Clear) take writeMu to serialize concurrent configuration changes
// and publish a new snapshot built from the old one, avoiding lock
// contention on the read path.
type PrivateDns struct {
	cur     *core.Volatile[*snapshot]
	writeMu sync.Mutex
}

func NewPrivateDns() *PrivateDns {
	return &PrivateDns{
		cur: core.NewVolatile(&snapshot{networks: make(map[uint32]*NetworkState)}),
	}
}

// Get returns netID's current configuration.
func (p *PrivateDns) Get(netID uint32) (*NetworkState, bool) {
	snap := p.cur.Load()
	ns, ok := snap.networks[netID]
	return ns, ok
}

// Set publishes ns as netID's configuration, replacing anything previously
// set.
func (p *PrivateDns) Set(ns *NetworkState) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	old := p.cur.Load()
	next := &snapshot{networks: make(map[uint32]*NetworkState, len(old.networks)+1)}
	for k, v := range old.networks {
		next.networks[k] = v
	}
	next.networks[ns.NetID] = ns
	p.cur.Store(next)
}

// Clear removes netID's configuration entirely.
func (p *PrivateDns) Clear(netID uint32) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	old := p.cur.Load()
	if _, ok := old.networks[netID]; !ok {
		return
	}
	next := &snapshot{networks: make(map[uint32]*NetworkState, len(old.networks))}
	for k, v := range old.networks {
		if k != netID {
			next.networks[k] = v
		}
	}
	p.cur.Store(next)
}

// ValidatedServers returns netID's validated server identities, or nil if
// netID is unconfigured.
func (p *PrivateDns) ValidatedServers(netID uint32) []backend.ServerIdentity {
	ns, ok := p.Get(netID)
	if !ok {
		return nil
	}
	return ns.ValidatedServers()
}
