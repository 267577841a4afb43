// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package health tracks a bounded ring of per-server query outcomes, an
// RTT EWMA over successes, and the usable()/selection policy the
// dispatcher uses to order candidate servers. The ring buffer is
// internal/core.Ring and the RTT estimate is
// internal/core.P2QuantileEstimator.
package health

import (
	"sync"
	"time"

	"github.com/celzero/privatedns/internal/core"
	"golang.org/x/time/rate"
)

// DefaultMaxSamples is the default ring size.
const DefaultMaxSamples = 8

// Outcome is one query result contributing to a server's health sample.
type Kind int

const (
	KindSuccess Kind = iota
	KindError
	KindTimeout
	KindInternalError
)

type Outcome struct {
	Kind  Kind
	RTTMs float64 // round-trip time in seconds; only meaningful when Kind == KindSuccess
	Rcode int     // only meaningful when Kind == KindError
}

// Aggregate is the snapshot returned by Stats.Aggregate.
type Aggregate struct {
	Filled        int
	Successes     int
	Errors        int
	Timeouts      int
	InternalErrs  int
	RTTEWMAMillis int64 // negative sentinel when no success in the window
}

// Params mirrors the subset of resolverParams that feeds health
// decisions.
type Params struct {
	MaxSamples       int
	MinSamples       int
	SuccessThreshold int // percent, 0..100
	ProbeOneInN      int // low-frequency probing of an unusable server
	// SampleValiditySec bounds how old a sample may be and still count
	// toward Usable/Aggregate; <= 0 disables expiry entirely.
	SampleValiditySec int
}

func (p Params) normalize() Params {
	if p.MaxSamples <= 0 {
		p.MaxSamples = DefaultMaxSamples
	}
	if p.MinSamples <= 0 {
		p.MinSamples = 1
	}
	if p.MinSamples > p.MaxSamples {
		p.MinSamples = p.MaxSamples
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 60
	}
	if p.ProbeOneInN <= 0 {
		p.ProbeOneInN = 10
	}
	return p
}

// sample is one recorded outcome with the time it was recorded, so stale
// samples can be excluded once older than SampleValiditySec.
type sample struct {
	Outcome
	at time.Time
}

// Stats is the mutable per-server health record.
type Stats struct {
	mu     sync.Mutex
	ring   *core.Ring[sample]
	est    core.P2QuantileEstimator
	params Params
	probe  *rate.Limiter // gates low-frequency probing of an unusable server
}

// NewStats returns a Stats ring sized per params (defaults applied). The
// probe limiter allows roughly one probe every ProbeOneInN query attempts,
// approximated here as one probe per that many seconds, so servers that
// are not usable are still probed occasionally and can recover.
func NewStats(params Params) *Stats {
	p := params.normalize()
	return &Stats{
		ring:   core.NewRing[sample](p.MaxSamples),
		est:    core.NewP50Estimator(),
		params: p,
		probe:  rate.NewLimiter(rate.Every(time.Duration(p.ProbeOneInN)*time.Second), 1),
	}
}

// Record appends outcome to the ring, evicting the oldest on overflow, and
// feeds the RTT estimator on success.
func (s *Stats) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring.Push(sample{Outcome: o, at: time.Now()})
	if o.Kind == KindSuccess {
		s.est.Add(o.RTTMs)
	}
}

// Aggregate returns the current window's counters and RTT EWMA, excluding
// any sample older than SampleValiditySec. RTTEWMAMillis is negative when
// no success exists in the window.
func (s *Stats) Aggregate() Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a Aggregate
	validity := time.Duration(s.params.SampleValiditySec) * time.Second
	now := time.Now()
	for v := range s.ring.Iter() {
		sm := v.(sample)
		if validity > 0 && now.Sub(sm.at) > validity {
			continue
		}
		a.Filled++
		switch sm.Kind {
		case KindSuccess:
			a.Successes++
		case KindError:
			a.Errors++
		case KindTimeout:
			a.Timeouts++
		case KindInternalError:
			a.InternalErrs++
		}
	}
	if a.Successes > 0 {
		a.RTTEWMAMillis = s.est.Get()
	} else {
		a.RTTEWMAMillis = -1
	}
	return a
}

// Usable reports usable once min_samples are filled and the success
// ratio meets the threshold; defaults to usable during warm-up
// (filled < min_samples) so new servers get a fair first try.
func (s *Stats) Usable() bool {
	a := s.Aggregate()
	if a.Filled < s.params.MinSamples {
		return true
	}
	return a.Successes*100 >= a.Filled*s.params.SuccessThreshold
}

// RTTMillis returns the current RTT EWMA, or -1 if no success is in the
// current window.
func (s *Stats) RTTMillis() int64 {
	return s.Aggregate().RTTEWMAMillis
}

// AllowProbe reports whether an unusable server should still be probed
// right now, the low-frequency recovery check.
func (s *Stats) AllowProbe() bool {
	return s.probe.Allow()
}
