// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package validate

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() backend.ServerIdentity {
	return backend.NewServerIdentity(netip.MustParseAddrPort("127.0.0.1:853"), "test")
}

func TestValidateSucceedsAndReportsOnce(t *testing.T) {
	e := NewEngine(nil)
	var calls atomic.Int32
	updates := make(chan bool, 1)

	e.Validate(1, testIdentity(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, func(success bool) { updates <- success })

	select {
	case success := <-updates:
		assert.True(t, success)
	case <-time.After(2 * time.Second):
		t.Fatal("onUpdate never fired")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidateDedupesConcurrentCallsForSameKey(t *testing.T) {
	e := NewEngine(nil)
	var calls atomic.Int32
	release := make(chan struct{})
	updates := make(chan bool, 2)

	probe := func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}

	id := testIdentity()
	e.Validate(1, id, probe, func(success bool) { updates <- success })
	time.Sleep(50 * time.Millisecond) // let the first task register itself
	e.Validate(1, id, probe, func(success bool) { updates <- success })

	close(release)

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("onUpdate never fired")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a second Validate for a running key must not start its own task")
}

func TestBumpGenerationDiscardsStaleResult(t *testing.T) {
	e := NewEngine(nil)
	release := make(chan struct{})
	updateCalled := make(chan bool, 1)

	e.Validate(1, testIdentity(), func(ctx context.Context) error {
		<-release
		return nil
	}, func(success bool) { updateCalled <- success })

	time.Sleep(50 * time.Millisecond) // let the task register before bumping
	e.BumpGeneration(1)
	close(release)

	select {
	case <-updateCalled:
		t.Fatal("a result computed under a superseded generation must not be reported")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBumpGenerationCancelsProbeContext(t *testing.T) {
	e := NewEngine(nil)
	canceled := make(chan struct{})

	e.Validate(1, testIdentity(), func(ctx context.Context) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}, nil)

	time.Sleep(50 * time.Millisecond)
	e.BumpGeneration(1)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("probe context was never canceled by BumpGeneration")
	}
}

func TestCancelStopsRunningTask(t *testing.T) {
	e := NewEngine(nil)
	id := testIdentity()
	canceled := make(chan struct{})

	e.Validate(1, id, func(ctx context.Context) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}, nil)

	time.Sleep(50 * time.Millisecond)
	e.Cancel(1, id)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not stop the running task")
	}
}

func TestTaskTransitionedEmitsOnlyOnChange(t *testing.T) {
	tsk := &task{}
	assert.True(t, tsk.transitioned(false), "the first observation always transitions")
	assert.False(t, tsk.transitioned(false), "a repeated failure must not transition again")
	assert.False(t, tsk.transitioned(false), "still no transition on a third straight failure")
	assert.True(t, tsk.transitioned(true), "flipping to success must transition")
	assert.False(t, tsk.transitioned(true), "a repeated success must not transition again")
}

func TestFinishRemovesTaskBeforePublishingOnSuccess(t *testing.T) {
	e := NewEngine(nil)
	id := testIdentity()
	key := taskKey{netID: 1, id: id}
	done := make(chan struct{})

	e.Validate(1, id, func(ctx context.Context) error {
		return nil
	}, func(success bool) {
		e.mu.Lock()
		_, stillRegistered := e.tasks[key]
		e.mu.Unlock()
		assert.False(t, stillRegistered, "the task must be removed from the registry before its result is published")
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onUpdate never fired")
	}
}

type captureObserver struct {
	fn func(netID uint32, ip, host string, success bool)
}

func (o *captureObserver) OnPrivateDnsValidation(netID uint32, ip, host string, success bool) {
	o.fn(netID, ip, host, success)
}
func (o *captureObserver) OnNat64PrefixUpdate(uint32, bool, string, int) {}

func TestStatusUpdateIsVisibleBeforeObserverEventFires(t *testing.T) {
	var statusSet atomic.Bool
	seen := make(chan bool, 1)
	observer := &captureObserver{fn: func(netID uint32, ip, host string, success bool) {
		seen <- statusSet.Load()
	}}

	e := NewEngine(observer)
	e.Validate(1, testIdentity(), func(ctx context.Context) error {
		return nil
	}, func(success bool) { statusSet.Store(success) })

	select {
	case observed := <-seen:
		assert.True(t, observed, "the observer event must never fire before onUpdate's status write is visible")
	case <-time.After(2 * time.Second):
		t.Fatal("observer event never fired")
	}
}

func TestGenerationStartsAtZeroAndIncrements(t *testing.T) {
	e := NewEngine(nil)
	require.Equal(t, uint64(0), e.Generation(1))
	e.BumpGeneration(1)
	require.Equal(t, uint64(1), e.Generation(1))
	e.BumpGeneration(1)
	require.Equal(t, uint64(2), e.Generation(1))
}
