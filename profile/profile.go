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

// Package profile evaluates a piecewise-linear function of time, used to
// shape virtual-user count (concurrencyProfile) and request rate
// (loadProfile) over the life of a MultiLoop run.
package profile // import "fortio.org/loadgen/profile"

import (
	"fmt"
	"math"

	"fortio.org/loadgen/loaderr"
)

// Point is one (t, v) breakpoint of a Profile. T is in seconds since the
// start of the run.
type Point struct {
	T float64
	V float64
}

// Profile is an ordered sequence of Points with strictly increasing T.
// Must be built with New or NewConstant; the zero value is invalid.
type Profile struct {
	points []Point
}

// NewConstant returns a Profile that evaluates to v everywhere.
func NewConstant(v float64) *Profile {
	return &Profile{points: []Point{{T: 0, V: v}}}
}

// New validates and builds a Profile from an ordered list of points.
// Returns a *loaderr.ConfigError if the list is empty or T is not strictly
// increasing.
func New(points []Point) (*Profile, error) {
	if len(points) == 0 {
		return nil, &loaderr.ConfigError{Field: "profile", Reason: "empty profile"}
	}
	for i := 1; i < len(points); i++ {
		if points[i].T <= points[i-1].T {
			return nil, &loaderr.ConfigError{
				Field: "profile",
				Reason: fmt.Sprintf("points must be strictly increasing in t, point %d (t=%g) is not after point %d (t=%g)",
					i, points[i].T, i-1, points[i-1].T),
			}
		}
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	return &Profile{points: cp}, nil
}

// Value evaluates the profile at t: clamps to the first/last point outside
// the covered range, linearly interpolates between the two bracketing
// points otherwise.
func (p *Profile) Value(t float64) float64 {
	pts := p.points
	if t <= pts[0].T {
		return pts[0].V
	}
	last := len(pts) - 1
	if t >= pts[last].T {
		return pts[last].V
	}
	// Find bracketing segment [a, b] with a.T <= t < b.T.
	lo, hi := 0, last
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if pts[mid].T <= t {
			lo = mid
		} else {
			hi = mid
		}
	}
	a, b := pts[lo], pts[hi]
	frac := (t - a.T) / (b.T - a.T)
	return a.V + frac*(b.V-a.V)
}

// RoundedUsers evaluates the profile at t and rounds to a non-negative
// integer user count, as used for concurrencyProfile evaluation (§3).
func (p *Profile) RoundedUsers(t float64) int {
	v := p.Value(t)
	if v < 0 {
		v = 0
	}
	return int(math.Round(v))
}

// Points returns a copy of the underlying breakpoints (for JSON export /
// introspection by the remote control plane).
func (p *Profile) Points() []Point {
	cp := make([]Point, len(p.points))
	copy(cp, p.points)
	return cp
}

// IntegratedCount returns the number of starts that should have happened
// between the profile's start and t, for a rate profile r(u), i.e.
// ∫[t0,t] r(u) du where t0 is the first point's T. Used by ratelimit to
// schedule the next start deadline under a time-varying rps profile.
func (p *Profile) IntegratedCount(t float64) float64 {
	pts := p.points
	if t <= pts[0].T {
		return 0
	}
	total := 0.0
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		if t <= a.T {
			break
		}
		segEnd := b.T
		segT := t
		if segT > segEnd {
			segT = segEnd
		}
		total += trapezoid(a, b, segT)
		if t <= b.T {
			return total
		}
	}
	// t is beyond the last point: keep integrating at the last rate.
	last := pts[len(pts)-1]
	if t > last.T {
		total += last.V * (t - last.T)
	}
	return total
}

// trapezoid integrates the linear segment [a,b] from a.T up to segT
// (a.T <= segT <= b.T), where the rate varies linearly from a.V to b.V.
func trapezoid(a, b Point, segT float64) float64 {
	if b.T == a.T {
		return 0
	}
	frac := (segT - a.T) / (b.T - a.T)
	vAtSegT := a.V + frac*(b.V-a.V)
	// Area of the trapezoid from a.T to segT.
	return 0.5 * (a.V + vAtSegT) * (segT - a.T)
}

// TimeForCount solves for the smallest t >= lo such that IntegratedCount(t)
// >= target, by binary search over [lo, hi]. hi must already satisfy
// IntegratedCount(hi) >= target (the caller grows hi geometrically until
// that holds, or passes +Inf semantics via a large hi).
func (p *Profile) TimeForCount(target, lo, hi float64) float64 {
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if p.IntegratedCount(mid) < target {
			lo = mid
		} else {
			hi = mid
		}
		if hi-lo < 1e-6 {
			break
		}
	}
	return hi
}
