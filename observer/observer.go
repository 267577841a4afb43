// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package observer implements a fan-out backend.Observer that lets the
// resolver register more than one listener (a logger plus whatever the
// embedding application wants) without validate.Engine or the dispatcher
// knowing how many there are.
package observer

import (
	"sync"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/core"
	"github.com/celzero/privatedns/internal/log"
)

// Broadcaster fans out every event to its registered listeners. Emission
// never blocks the caller: each listener is invoked on its own
// panic-recovering goroutine so reporting can never block the query or
// validation path.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners []backend.Observer
}

var _ backend.Observer = (*Broadcaster)(nil)

func New() *Broadcaster {
	return &Broadcaster{}
}

// Add registers l to receive future events. Safe to call concurrently
// with delivery.
func (b *Broadcaster) Add(l backend.Observer) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Broadcaster) snapshot() []backend.Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]backend.Observer(nil), b.listeners...)
}

func (b *Broadcaster) OnPrivateDnsValidation(netID uint32, ip, host string, success bool) {
	for _, l := range b.snapshot() {
		l := l
		core.Go("observer:validation", func() {
			l.OnPrivateDnsValidation(netID, ip, host, success)
		})
	}
}

func (b *Broadcaster) OnNat64PrefixUpdate(netID uint32, added bool, prefix string, prefixLen int) {
	for _, l := range b.snapshot() {
		l := l
		core.Go("observer:nat64", func() {
			l.OnNat64PrefixUpdate(netID, added, prefix, prefixLen)
		})
	}
}

// LogObserver is the always-on listener that traces validation and NAT64
// transitions through internal/log.
type LogObserver struct{}

var _ backend.Observer = LogObserver{}

func (LogObserver) OnPrivateDnsValidation(netID uint32, ip, host string, success bool) {
	log.I("validate: net %d server %s (%s) success=%v", netID, ip, host, success)
}

func (LogObserver) OnNat64PrefixUpdate(netID uint32, added bool, prefix string, prefixLen int) {
	log.I("nat64: net %d prefix %s/%d added=%v", netID, prefix, prefixLen, added)
}
