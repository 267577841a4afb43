// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cache implements a per-network response cache keyed by (name,
// qtype, qclass), with concurrent-query dedup via a pending marker and
// flush-wakes-waiters semantics so a FlushNetwork call never leaves an
// in-flight caller blocked on a cache entry that no longer exists.
package cache

import (
	"sync"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/log"
	"github.com/celzero/privatedns/xdns"
	"github.com/miekg/dns"
)

// Key identifies one cacheable question.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

func KeyFromMsg(msg *dns.Msg) Key {
	return Key{Name: xdns.QName(msg), Qtype: xdns.QType(msg), Qclass: xdns.QClass(msg)}
}

const (
	maxEntries    = 10000
	scrubInterval = 1 * time.Minute
	maxScrubBatch = maxEntries / 10

	minPositiveTTL = 5 * time.Second
	maxNegativeTTL = 1 * time.Hour
)

type entry struct {
	ans      *dns.Msg
	expireAt time.Time
}

func (e *entry) fresh() bool { return time.Now().Before(e.expireAt) }

// pending is the marker stored in place of an entry while a query for key
// is in flight, so concurrent callers for the same question coalesce onto
// one upstream query instead of each issuing their own.
type pending struct {
	done   chan struct{}
	result *dns.Msg
	err    error
}

// Cache is one network's response cache. The zero value is not usable;
// construct with New.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	inflight map[Key]*pending
	scrubbed time.Time
}

func New() *Cache {
	return &Cache{
		entries:  make(map[Key]*entry),
		inflight: make(map[Key]*pending),
	}
}

// Lookup returns the cached answer for key if present and fresh, honoring
// flags.NoCacheLookup. NoCacheStore also implies skipping lookup: a caller
// that refuses to pollute the cache gets none of its stale state back
// either.
func (c *Cache) Lookup(key Key, flags backend.Flags) (*dns.Msg, bool) {
	if flags.Has(backend.NoCacheLookup) || flags.Has(backend.NoCacheStore) {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.fresh() {
		return nil, false
	}
	return e.ans.Copy(), true
}

// Begin registers this caller as the one responsible for resolving key, or
// discovers that another caller already is. When started is true, the
// caller must call Finish(key, ans, err) exactly once, regardless of
// outcome, to unblock anyone waiting. When started is false, wait() blocks
// until the in-flight query finishes (or the cache is flushed, which
// returns backend.ErrCacheFlushed so the caller can retry against a clean
// cache rather than hang forever).
func (c *Cache) Begin(key Key) (started bool, wait func() (*dns.Msg, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.inflight[key]; ok {
		return false, func() (*dns.Msg, error) {
			<-p.done
			if p.result != nil {
				return p.result.Copy(), p.err
			}
			return nil, p.err
		}
	}

	p := &pending{done: make(chan struct{})}
	c.inflight[key] = p
	return true, func() (*dns.Msg, error) {
		<-p.done
		if p.result != nil {
			return p.result.Copy(), p.err
		}
		return nil, p.err
	}
}

// Finish stores ans (subject to flags and cacheability) and wakes every
// caller waiting on key via Begin.
func (c *Cache) Finish(key Key, flags backend.Flags, ans *dns.Msg, err error) {
	c.mu.Lock()

	p, ok := c.inflight[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, key)

	if err == nil && ans != nil && !flags.Has(backend.NoCacheStore) {
		if ttl, cacheable := ttlFor(ans); cacheable {
			c.maybeScrubLocked()
			if len(c.entries) <= maxEntries {
				c.entries[key] = &entry{ans: ans.Copy(), expireAt: time.Now().Add(ttl)}
			}
		}
	}

	c.mu.Unlock()

	p.result, p.err = ans, err
	close(p.done)
}

// ttlFor derives a cache lifetime from ans, capping negative answers (no
// records, but a successful or NXDOMAIN response) at the SOA minimum, and
// flooring positive answers so a pathological zero-TTL record doesn't
// defeat coalescing entirely.
func ttlFor(ans *dns.Msg) (time.Duration, bool) {
	if ans == nil || ans.Truncated {
		return 0, false
	}
	if !xdns.HasRcodeSuccess(ans) && !xdns.IsNXDomain(ans) {
		return 0, false
	}

	if len(ans.Answer) > 0 {
		ttl := time.Duration(xdns.RTtl(ans)) * time.Second
		if ttl < minPositiveTTL {
			ttl = minPositiveTTL
		}
		return ttl, true
	}

	// negative answer: NXDOMAIN or NODATA
	soaMin, ok := xdns.SoaMinTtl(ans)
	if !ok {
		return 0, false
	}
	ttl := time.Duration(soaMin) * time.Second
	if ttl > maxNegativeTTL {
		ttl = maxNegativeTTL
	}
	if ttl < minPositiveTTL {
		ttl = minPositiveTTL
	}
	return ttl, true
}

func (c *Cache) maybeScrubLocked() {
	now := time.Now()
	if now.Sub(c.scrubbed) < scrubInterval {
		return
	}
	c.scrubbed = now

	i := 0
	for k, e := range c.entries {
		if !e.fresh() {
			delete(c.entries, k)
		}
		i++
		if i >= maxScrubBatch {
			break
		}
	}
}

// Flush drops every cached entry and wakes every in-flight waiter with
// backend.ErrCacheFlushed: a caller blocked in Begin's wait() must not
// hang past a FlushNetwork call.
func (c *Cache) Flush() {
	c.mu.Lock()

	c.entries = make(map[Key]*entry)
	waiters := c.inflight
	c.inflight = make(map[Key]*pending)

	c.mu.Unlock()

	for _, p := range waiters {
		p.err = backend.ErrCacheFlushed
		close(p.done)
	}
	log.D("cache: flushed, woke %d waiter(s)", len(waiters))
}

// Len reports the number of live (not necessarily fresh) entries, for
// tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
