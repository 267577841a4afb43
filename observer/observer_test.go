// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package observer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	validations chan bool
	nat64       chan bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{validations: make(chan bool, 8), nat64: make(chan bool, 8)}
}

func (r *recordingObserver) OnPrivateDnsValidation(netID uint32, ip, host string, success bool) {
	r.validations <- success
}

func (r *recordingObserver) OnNat64PrefixUpdate(netID uint32, added bool, prefix string, prefixLen int) {
	r.nat64 <- added
}

func TestBroadcasterDeliversToEveryListener(t *testing.T) {
	b := New()
	l1, l2 := newRecordingObserver(), newRecordingObserver()
	b.Add(l1)
	b.Add(l2)

	b.OnPrivateDnsValidation(1, "1.2.3.4", "provider", true)

	for _, l := range []*recordingObserver{l1, l2} {
		select {
		case success := <-l.validations:
			assert.True(t, success)
		case <-time.After(2 * time.Second):
			t.Fatal("listener never received the event")
		}
	}
}

func TestBroadcasterAddNilIsNoop(t *testing.T) {
	b := New()
	b.Add(nil)
	// Must not panic when delivering with a nil entry excluded.
	b.OnNat64PrefixUpdate(1, true, "64:ff9b::/96", 96)
}

func TestBroadcasterWithNoListenersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.OnPrivateDnsValidation(1, "1.2.3.4", "x", false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast with no listeners must return immediately")
	}
}

func TestBroadcasterAddDuringDeliveryIsSafe(t *testing.T) {
	b := New()
	l := newRecordingObserver()
	b.Add(l)

	go func() {
		for i := 0; i < 50; i++ {
			b.OnPrivateDnsValidation(1, "1.2.3.4", "x", true)
		}
	}()
	for i := 0; i < 50; i++ {
		b.Add(newRecordingObserver())
	}

	select {
	case <-l.validations:
	case <-time.After(2 * time.Second):
		t.Fatal("original listener stopped receiving events while Add ran concurrently")
	}
}

func TestLogObserverImplementsInterfaceWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		LogObserver{}.OnPrivateDnsValidation(1, "1.2.3.4", "provider", true)
		LogObserver{}.OnNat64PrefixUpdate(1, false, "64:ff9b::/96", 96)
	})
}
