// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsableDuringWarmup(t *testing.T) {
	s := NewStats(Params{MinSamples: 3, MaxSamples: 8, SuccessThreshold: 60})
	assert.True(t, s.Usable(), "a server with no samples yet should be usable")

	s.Record(Outcome{Kind: KindError})
	assert.True(t, s.Usable(), "still warming up below MinSamples")
}

func TestUsableBelowThreshold(t *testing.T) {
	s := NewStats(Params{MinSamples: 2, MaxSamples: 8, SuccessThreshold: 60})
	s.Record(Outcome{Kind: KindError})
	s.Record(Outcome{Kind: KindError})
	s.Record(Outcome{Kind: KindError})
	assert.False(t, s.Usable(), "all-failure window below threshold must be unusable")
}

func TestUsableAboveThreshold(t *testing.T) {
	s := NewStats(Params{MinSamples: 2, MaxSamples: 8, SuccessThreshold: 60})
	for i := 0; i < 3; i++ {
		s.Record(Outcome{Kind: KindSuccess, RTTMs: 0.05})
	}
	s.Record(Outcome{Kind: KindError})
	assert.True(t, s.Usable(), "75%% success rate should clear a 60%% threshold")
}

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	s := NewStats(Params{MaxSamples: 2, MinSamples: 1, SuccessThreshold: 60})
	s.Record(Outcome{Kind: KindError})
	s.Record(Outcome{Kind: KindError})
	s.Record(Outcome{Kind: KindSuccess, RTTMs: 0.01})

	a := s.Aggregate()
	require.Equal(t, 2, a.Filled, "ring capacity caps the window at MaxSamples")
	assert.Equal(t, 1, a.Successes)
	assert.Equal(t, 1, a.Errors)
}

func TestRTTMillisNegativeWithoutSuccess(t *testing.T) {
	s := NewStats(Params{MaxSamples: 4, MinSamples: 1})
	s.Record(Outcome{Kind: KindTimeout})
	assert.Equal(t, int64(-1), s.RTTMillis())
}

func TestSampleValidityExpiresOldSamples(t *testing.T) {
	s := NewStats(Params{MaxSamples: 4, MinSamples: 1, SampleValiditySec: 1})
	s.Record(Outcome{Kind: KindError})

	a := s.Aggregate()
	require.Equal(t, 1, a.Filled, "a fresh sample counts toward the window")

	time.Sleep(1100 * time.Millisecond)
	a = s.Aggregate()
	require.Equal(t, 0, a.Filled, "a sample older than SampleValiditySec must be excluded")
}

func TestAllowProbeRateLimited(t *testing.T) {
	s := NewStats(Params{ProbeOneInN: 3600})
	assert.True(t, s.AllowProbe(), "first probe should always be allowed")
	assert.False(t, s.AllowProbe(), "a second probe within the same window should be denied")
}
