// Copyright 2017 Fortio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit paces MultiLoop iteration starts to the target rate
// R(t) described by a profile.Profile. For a constant rate it delegates to
// golang.org/x/time/rate (a plain token bucket is all a flat rate needs);
// for a time-varying loadProfile it falls back to integrating the profile
// per spec §4.1/§4.2, the way periodic.go's runOne paces QPS by computing a
// target elapsed time for iteration i and sleeping until then.
package ratelimit // import "fortio.org/loadgen/ratelimit"

import (
	"math"
	"time"

	"fortio.org/loadgen/profile"
	"fortio.org/log"
	"golang.org/x/time/rate"
)

// Infinite marks a rate profile as "no pacing" (R ≡ +∞).
const Infinite = math.Inf(1)

// Limiter paces starts according to a rate profile. Zero value is invalid,
// use New.
type Limiter struct {
	prof     *profile.Profile
	constant bool
	infinite bool
	tb       *rate.Limiter
	start    time.Time
}

// New builds a Limiter from a rate profile and a run start time.
// If prof has a single breakpoint (constant rate), the steady-state fast
// path uses a token bucket; otherwise the profile is integrated exactly as
// described in spec §4.1.
func New(prof *profile.Profile, start time.Time) *Limiter {
	l := &Limiter{prof: prof, start: start}
	pts := prof.Points()
	if len(pts) == 1 {
		l.constant = true
		v := pts[0].V
		switch {
		case math.IsInf(v, 1):
			l.infinite = true
		case v <= 0:
			// A configured rate of exactly 0 means "no starts"; treat it
			// as an extremely slow bucket rather than infinite.
			l.tb = rate.NewLimiter(rate.Limit(1e-9), 1)
		default:
			l.tb = rate.NewLimiter(rate.Limit(v), burstFor(v))
		}
	}
	return l
}

// burstFor picks a small burst size proportional to rate so thundering-herd
// at low rates doesn't happen but high rates aren't needlessly smoothed.
func burstFor(v float64) int {
	b := int(v / 10)
	if b < 1 {
		b = 1
	}
	return b
}

// NextStartDeadline returns the monotonically non-decreasing instant at
// which start nStartsSoFar+1 should occur. Never earlier than now. If the
// rate is infinite, returns now immediately (no pacing).
func (l *Limiter) NextStartDeadline(nStartsSoFar int64, now time.Time) time.Time {
	if l.infinite {
		return now
	}
	if l.constant && l.tb != nil {
		r := l.tb.ReserveN(now, 1)
		if !r.OK() {
			log.Warnf("ratelimit: reservation failed, falling back to now")
			return now
		}
		delay := r.DelayFrom(now)
		return now.Add(delay)
	}
	// Time-varying profile: integrate to find when count == nStartsSoFar+1.
	target := float64(nStartsSoFar + 1)
	elapsedNow := now.Sub(l.start).Seconds()
	countNow := l.prof.IntegratedCount(elapsedNow)
	if countNow >= target {
		return now
	}
	hi := elapsedNow + 1
	for l.prof.IntegratedCount(hi) < target {
		hi *= 2
		if hi > elapsedNow+3600*24 {
			// Degenerate profile (near zero rate forever): bail out far in
			// the future rather than looping essentially forever.
			break
		}
	}
	tElapsed := l.prof.TimeForCount(target, elapsedNow, hi)
	deadline := l.start.Add(time.Duration(tElapsed * float64(time.Second)))
	if deadline.Before(now) {
		return now
	}
	return deadline
}
