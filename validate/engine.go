// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package validate runs one background task per (netID, ServerIdentity)
// that repeatedly probes a configured server until it validates, backing
// off from 60s up to 3600s between attempts. Tasks are tagged with the
// network's current configuration generation so a setResolverConfiguration
// call can discard in-flight results for a superseded configuration
// without racing the probe goroutines. golang.org/x/sync/singleflight
// guarantees a task already in flight for a key is never duplicated.
package validate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/core"
	"github.com/celzero/privatedns/internal/log"
	"golang.org/x/sync/singleflight"
)

const (
	initialBackoff = 60 * time.Second
	maxBackoff     = 3600 * time.Second
)

// ProbeFunc performs one validation attempt against a server, returning
// nil on success.
type ProbeFunc func(ctx context.Context) error

type taskKey struct {
	netID uint32
	id    backend.ServerIdentity
}

func (k taskKey) String() string { return fmt.Sprintf("%d/%s", k.netID, k.id) }

type task struct {
	key        taskKey
	generation uint64
	cancel     context.CancelFunc

	publishedMu sync.Mutex
	published   *bool // last status emitted to observers/onUpdate; nil until the first emission
}

// Engine runs and tracks validation tasks.
type Engine struct {
	mu         sync.Mutex
	tasks      map[taskKey]*task
	generation map[uint32]uint64
	sf         singleflight.Group
	observer   backend.Observer
}

func NewEngine(observer backend.Observer) *Engine {
	if observer == nil {
		observer = backend.NopObserver{}
	}
	return &Engine{
		tasks:      make(map[taskKey]*task),
		generation: make(map[uint32]uint64),
		observer:   observer,
	}
}

// Generation returns netID's current configuration generation.
func (e *Engine) Generation(netID uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation[netID]
}

// BumpGeneration advances netID's generation and cancels every validation
// task still running under the old one. Call this from
// setResolverConfiguration.
func (e *Engine) BumpGeneration(netID uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation[netID]++
	next := e.generation[netID]

	for k, t := range e.tasks {
		if k.netID == netID {
			t.cancel()
			delete(e.tasks, k)
		}
	}
	return next
}

// Validate starts a validation task for (netID, id) if one is not already
// running. onUpdate, if non-nil, is invoked on the task's own goroutine
// with the first attempt's outcome and then only when an attempt's outcome
// differs from the last one reported; it must not block.
func (e *Engine) Validate(netID uint32, id backend.ServerIdentity, probe ProbeFunc, onUpdate func(success bool)) {
	key := taskKey{netID: netID, id: id}

	e.mu.Lock()
	if _, running := e.tasks[key]; running {
		e.mu.Unlock()
		return
	}
	gen := e.generation[netID]
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{key: key, generation: gen, cancel: cancel}
	e.tasks[key] = t
	e.mu.Unlock()

	core.Go1("validate:"+key.String(), func(t *task) { e.run(ctx, t, probe, onUpdate) }, t)
}

// Cancel stops the task for (netID, id), if any is running.
func (e *Engine) Cancel(netID uint32, id backend.ServerIdentity) {
	key := taskKey{netID: netID, id: id}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[key]; ok {
		t.cancel()
		delete(e.tasks, key)
	}
}

func (e *Engine) run(ctx context.Context, t *task, probe ProbeFunc, onUpdate func(bool)) {
	backoff := initialBackoff
	for {
		_, err, _ := e.sf.Do(t.key.String(), func() (interface{}, error) {
			return nil, probe(ctx)
		})
		success := err == nil

		if e.stale(t) {
			log.D("validate: (%s) discarding result, stale generation", t.key)
			return
		}

		// completion removes the task from the registry before its
		// result is published, so a concurrent Validate call for the
		// same key never observes a task that is still "running" after
		// its terminal result has already gone out.
		if success {
			e.finish(t.key)
		}

		if t.transitioned(success) {
			// onUpdate runs synchronously, on this goroutine, before emit
			// hands the observer callback to its own goroutine: the go
			// statement that starts it happens-after onUpdate returns, so
			// the observer is guaranteed to see whatever onUpdate's status
			// update left behind.
			if onUpdate != nil {
				onUpdate(success)
			}
			e.emit(t.key.netID, t.key.id, success)
		}

		if success {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// transitioned reports whether success differs from the status last
// published for t, so the caller emits exactly once per terminal
// transition instead of on every retry.
func (t *task) transitioned(success bool) bool {
	t.publishedMu.Lock()
	defer t.publishedMu.Unlock()
	if t.published != nil && *t.published == success {
		return false
	}
	t.published = &success
	return true
}

func (e *Engine) stale(t *task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.generation != e.generation[t.key.netID]
}

func (e *Engine) finish(key taskKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tasks, key)
}

// emit delivers the observer callback off the validation goroutine so a
// slow or misbehaving observer can never stall a probe.
func (e *Engine) emit(netID uint32, id backend.ServerIdentity, success bool) {
	core.Go("validate:observer", func() {
		e.observer.OnPrivateDnsValidation(netID, id.Addr.Addr().String(), id.Provider, success)
	})
}
