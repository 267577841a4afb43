// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"time"

	"github.com/celzero/privatedns/health"
	"github.com/celzero/privatedns/transport/doh"
	"github.com/celzero/privatedns/transport/dot"
)

// ResolverParams mirrors the feature-flag surface exposed to callers via
// SetResolverConfiguration's params argument, expressed with the same units
// (milliseconds, percent, counts) the external interface uses, so the
// resolver's public API can pass flag values straight through without unit
// conversion at the boundary.
type ResolverParams struct {
	DotConnectTimeoutMs          int
	DotQueryTimeoutMs            int
	DotAsyncHandshake            bool
	DotMaxTries                  int
	DotUnusableThreshold         int
	DotRevalidationThreshold     int
	DotQuickFallback             bool
	DotValidationLatencyFactor   float64
	DotValidationLatencyOffsetMs int

	DohQueryTimeoutMs int
	DohIdleTimeoutMs  int

	ParallelLookupSleepTimeMs int
	KeepListeningUDP          bool
	SortNameservers           bool
	RetryCount                int
	RetransIntervalMs         int

	// SuccessThresholdPct, MinSamples, MaxSamples and SampleValiditySec feed
	// the per-network health.Stats ring every DoT/DoH/Do53 server shares.
	SuccessThresholdPct int
	MinSamples          int
	MaxSamples          int
	SampleValiditySec   int
}

// DefaultParams returns the documented defaults, notably
// dot_connect_timeout_ms's 1000ms floor.
func DefaultParams() ResolverParams {
	return ResolverParams{
		DotConnectTimeoutMs:          1000,
		DotQueryTimeoutMs:            8000,
		DotAsyncHandshake:            true,
		DotMaxTries:                  3,
		DotUnusableThreshold:         5,
		DotRevalidationThreshold:     3,
		DotQuickFallback:             false,
		DotValidationLatencyFactor:   1.0,
		DotValidationLatencyOffsetMs: 0,
		DohQueryTimeoutMs:            8000,
		DohIdleTimeoutMs:             55000,
		ParallelLookupSleepTimeMs:    0,
		KeepListeningUDP:             true,
		SortNameservers:              true,
		RetryCount:                   2,
		RetransIntervalMs:            2000,
		SuccessThresholdPct:          60,
		MinSamples:                   3,
		MaxSamples:                   health.DefaultMaxSamples,
		SampleValiditySec:            0,
	}
}

// normalize silently overrides a configured DoT connect timeout under
// 1000ms rather than rejecting it. dot_query_timeout_ms's documented -1
// sentinel (infinite) is left untouched; only an unset (0) value falls
// back to the 8s default.
func (p ResolverParams) normalize() ResolverParams {
	if p.DotConnectTimeoutMs < 1000 {
		p.DotConnectTimeoutMs = 1000
	}
	if p.DotQueryTimeoutMs == 0 {
		p.DotQueryTimeoutMs = 8000
	}
	return p
}

// ToDotOptions builds the transport/dot.Options these params imply.
func (p ResolverParams) ToDotOptions() dot.Options {
	p = p.normalize()
	return dot.Options{
		ConnectTimeout:            time.Duration(p.DotConnectTimeoutMs) * time.Millisecond,
		QueryTimeout:              time.Duration(p.DotQueryTimeoutMs) * time.Millisecond,
		AsyncHandshake:            p.DotAsyncHandshake,
		MaxTries:                  p.DotMaxTries,
		UnusableThreshold:         p.DotUnusableThreshold,
		RevalidationThreshold:     p.DotRevalidationThreshold,
		QuickFallback:             p.DotQuickFallback,
		ValidationLatencyFactor:   p.DotValidationLatencyFactor,
		ValidationLatencyOffsetMs: p.DotValidationLatencyOffsetMs,
	}
}

// ToDohOptions builds the transport/doh.Options these params imply.
func (p ResolverParams) ToDohOptions() doh.Options {
	return doh.Options{
		QueryTimeout: time.Duration(p.DohQueryTimeoutMs) * time.Millisecond,
		IdleTimeout:  time.Duration(p.DohIdleTimeoutMs) * time.Millisecond,
	}
}

// ToHealthParams builds the health.Params these params imply, carrying the
// caller's sampleValiditySec/successThresholdPct/minSamples/maxSamples
// through rather than the fixed defaults health.Params.normalize applies
// when a field is left unset.
func (p ResolverParams) ToHealthParams() health.Params {
	return health.Params{
		MaxSamples:        p.MaxSamples,
		MinSamples:        p.MinSamples,
		SuccessThreshold:  p.SuccessThresholdPct,
		ProbeOneInN:       10,
		SampleValiditySec: p.SampleValiditySec,
	}
}
