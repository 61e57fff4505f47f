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

// Package multiloop runs a pool of VirtualUsers whose count follows a
// concurrencyProfile and whose iteration rate follows a loadProfile,
// generalizing periodic.RunnerOptions's fixed NumThreads/QPS model to
// profiles that vary over the life of the run (spec §4.4).
package multiloop // import "fortio.org/loadgen/multiloop"

import (
	"context"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fortio.org/loadgen/fhttp"
	"fortio.org/loadgen/profile"
	"fortio.org/loadgen/ratelimit"
	"fortio.org/loadgen/reqloop"
	"fortio.org/log"
)

// State is a VirtualUser's lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateDelayed
	StateRunning
	StateStopping
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelayed:
		return "delayed"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// schedulingTick is the maximum interval between concurrency re-evaluations
// (spec §4.4: "scheduling ticks of no more than 50ms").
const schedulingTick = 50 * time.Millisecond

// maxBackoff caps argGenerator retry backoff at 1/sec (spec §4.4).
const maxBackoff = 1 * time.Second

// Config describes one MultiLoop: how many virtual users to run over time,
// at what rate, for how long, and what each iteration does.
type Config struct {
	// ConcurrencyProfile shapes the number of concurrent VirtualUsers over
	// time. A nil profile means NumUsers constant users for the run.
	ConcurrencyProfile *profile.Profile
	NumUsers           int
	// LoadProfile shapes the start rate (iterations/sec) over time. A nil
	// profile means ratelimit.Infinite (run as fast as concurrency allows).
	LoadProfile *profile.Profile
	// Duration bounds the run; 0 means run until NumberOfTimes iterations
	// complete or Stop() is called.
	Duration time.Duration
	// NumberOfTimes bounds total iterations across all users; 0 means
	// unbounded (duration or Stop() governs).
	NumberOfTimes int64
	// ArgGenerator builds one VirtualUser's iteration Runner and HTTP client;
	// it is invoked once per VirtualUser creation and retried with
	// exponential backoff (capped at maxBackoff) if it errors. The client is
	// closed on teardown via fhttp.Close. Runner is normally a *reqloop.Loop
	// but may be any reqloop.Runner, letting a TestSpec's full iteration
	// function (spec §3) replace reqloop's request/response handling.
	ArgGenerator func() (reqloop.Runner, *http.Client, error)
	// Jitter desynchronizes start deadlines by +/-10% the way periodic.go
	// does for the QPS mode, to avoid thundering herds from many MultiLoops.
	Jitter bool
	// Uniform staggers start offsets evenly across users instead of jitter.
	Uniform bool
	// NoCatchUp is accepted but not read by the scheduler: setting it does
	// not change how starts are paced when scheduling falls behind.
	NoCatchUp bool
	// Delay holds each new VirtualUser in StateDelayed for this long before
	// it transitions to StateRunning and starts iterating (spec §3 TestSpec
	// "delay" / §4.4 "start() from idle: schedule transition to running at
	// now+delay"). Zero means no delay.
	Delay time.Duration
}

// IterationResult is reported for every completed (or idle) VirtualUser
// iteration, for the Monitor to aggregate (spec §4.5).
type IterationResult struct {
	User   int
	Result reqloop.Result
	At     time.Time
}

// MultiLoop runs Config's user pool and rate schedule until Stop or its
// bound is reached.
type MultiLoop struct {
	cfg     Config
	start   time.Time
	limiter *ratelimit.Limiter

	mu      sync.Mutex
	states  map[int]State
	nextID  int
	running sync.WaitGroup

	startCount int64 // atomic, total iterations started across all users

	stopCh  chan struct{}
	stopped atomic.Bool
	doneCh  chan struct{}

	onResult func(IterationResult)
}

// New builds a MultiLoop. onResult is invoked (from worker goroutines, must
// be safe for concurrent use) once per completed iteration.
func New(cfg Config, onResult func(IterationResult)) *MultiLoop {
	concProf := cfg.ConcurrencyProfile
	if concProf == nil {
		n := cfg.NumUsers
		if n <= 0 {
			n = 1
		}
		concProf = profile.NewConstant(float64(n))
	}
	loadProf := cfg.LoadProfile
	if loadProf == nil {
		loadProf = profile.NewConstant(ratelimit.Infinite)
	}
	cfg.ConcurrencyProfile = concProf
	cfg.LoadProfile = loadProf
	return &MultiLoop{
		cfg:      cfg,
		states:   make(map[int]State),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		onResult: onResult,
	}
}

// Start runs the scheduler loop; it returns once the run is complete or has
// been stopped, and Done() is closed at that point too so callers can
// select on it instead of blocking Start().
func (m *MultiLoop) Start(ctx context.Context) {
	m.start = time.Now()
	m.limiter = ratelimit.New(m.cfg.LoadProfile, m.start)
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.cfg.Duration > 0 {
		go func() {
			select {
			case <-time.After(m.cfg.Duration):
				m.Stop()
			case <-ctx.Done():
			case <-m.stopCh:
			}
		}()
	}

	ticker := time.NewTicker(schedulingTick)
	defer ticker.Stop()
	m.reconcile(ctx) // create the initial users now, not at the first tick
	for {
		select {
		case <-m.stopCh:
			m.teardownAll()
			m.running.Wait()
			return
		case <-ctx.Done():
			m.Stop()
		case <-ticker.C:
			if m.reachedIterationBound() {
				m.Stop()
				continue
			}
			m.reconcile(ctx)
		}
	}
}

// Stop requests the run to end; safe to call multiple times and from any
// goroutine.
func (m *MultiLoop) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

// Done returns a channel closed once the run has fully wound down.
func (m *MultiLoop) Done() <-chan struct{} {
	return m.doneCh
}

func (m *MultiLoop) reachedIterationBound() bool {
	if m.cfg.NumberOfTimes <= 0 {
		return false
	}
	return atomic.LoadInt64(&m.startCount) >= m.cfg.NumberOfTimes
}

// reconcile evaluates the concurrency profile at the current elapsed time
// and starts/stops VirtualUsers to match.
func (m *MultiLoop) reconcile(ctx context.Context) {
	elapsed := time.Since(m.start).Seconds()
	target := m.cfg.ConcurrencyProfile.RoundedUsers(elapsed)

	m.mu.Lock()
	current := 0
	for _, s := range m.states {
		if s == StateRunning || s == StateDelayed {
			current++
		}
	}
	toStart := target - current
	m.mu.Unlock()

	for i := 0; i < toStart; i++ {
		m.mu.Lock()
		id := m.nextID
		m.nextID++
		m.states[id] = StateDelayed
		m.mu.Unlock()
		m.running.Add(1)
		go m.runUser(ctx, id)
	}
	if toStart < 0 {
		m.stopSome(-toStart)
	}
}

// stopSome marks up to n currently-running users as stopping, oldest first
// (spec §4.4: "mark excess VirtualUsers stopping, oldest first, tie-break
// by user id ascending"). IDs are assigned monotonically via m.nextID, so
// ascending id order is oldest-first; the actual teardown happens at each
// user's next scheduling check.
func (m *MultiLoop) stopSome(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.states))
	for id, s := range m.states {
		if s == StateRunning || s == StateDelayed {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if n > len(ids) {
		n = len(ids)
	}
	for _, id := range ids[:n] {
		m.states[id] = StateStopping
	}
}

func (m *MultiLoop) teardownAll() {
	m.mu.Lock()
	for id, s := range m.states {
		if s != StateEnded {
			m.states[id] = StateStopping
		}
	}
	m.mu.Unlock()
}

func (m *MultiLoop) setState(id int, s State) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}

func (m *MultiLoop) state(id int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

// runUser is one VirtualUser's goroutine: wait out the configured startup
// delay, build its client via ArgGenerator (retrying on error with capped
// exponential backoff), then loop DoOne until told to stop.
func (m *MultiLoop) runUser(ctx context.Context, id int) {
	defer m.running.Done()
	defer m.setState(id, StateEnded)

	if m.cfg.Delay > 0 {
		if !m.sleepUntil(ctx, time.Now().Add(m.cfg.Delay)) {
			return
		}
	}
	if m.state(id) == StateStopping {
		return
	}

	loop, client, err := m.buildLoop(ctx, id)
	if err != nil {
		log.Errf("multiloop: user %d giving up after repeated ArgGenerator errors: %v", id, err)
		return
	}
	defer fhttp.Close(client)
	m.setState(id, StateRunning)

	for m.state(id) != StateStopping {
		n, ok := m.reserveIteration()
		if !ok {
			return
		}
		deadline := m.limiter.NextStartDeadline(n, time.Now())
		deadline = m.applyDesync(deadline, id)
		if !m.sleepUntil(ctx, deadline) {
			return
		}
		loop.DoOne(ctx, client, func(res reqloop.Result) {
			if m.onResult != nil {
				m.onResult(IterationResult{User: id, Result: res, At: time.Now()})
			}
		})
	}
}

// reserveIteration atomically claims the next iteration slot against
// NumberOfTimes, returning (slot index, true) on success or (0, false) once
// the bound is reached. A plain load-then-add would let multiple
// VirtualUsers race past the bound and overshoot it (spec §8 scenario 4:
// numUsers:4 must produce exactly numberOfTimes iterations total), so the
// increment is a CAS loop instead.
func (m *MultiLoop) reserveIteration() (int64, bool) {
	cap := m.cfg.NumberOfTimes
	for {
		n := atomic.LoadInt64(&m.startCount)
		if cap > 0 && n >= cap {
			return 0, false
		}
		if atomic.CompareAndSwapInt64(&m.startCount, n, n+1) {
			return n, true
		}
	}
}

// buildLoop calls ArgGenerator with exponential backoff starting at 10ms,
// doubling up to maxBackoff, until it succeeds or ctx is done.
func (m *MultiLoop) buildLoop(ctx context.Context, id int) (reqloop.Runner, *http.Client, error) {
	backoff := 10 * time.Millisecond
	for {
		loop, client, err := m.cfg.ArgGenerator()
		if err == nil {
			return loop, client, nil
		}
		log.Warnf("multiloop: user %d ArgGenerator error, retrying in %v: %v", id, backoff, err)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-m.stopCh:
			return nil, nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// applyDesync applies Jitter or Uniform desynchronization to a start
// deadline, the way periodic.go staggers QPS-mode requests across threads.
func (m *MultiLoop) applyDesync(deadline time.Time, id int) time.Time {
	switch {
	case m.cfg.Jitter:
		pct := (rand.Float64() - 0.5) * 0.2 //nolint:gosec // desync jitter, not security sensitive
		return deadline.Add(time.Duration(pct * float64(schedulingTick)))
	case m.cfg.Uniform:
		frac := float64(id%10) / 10.0
		return deadline.Add(time.Duration(frac * float64(schedulingTick)))
	default:
		return deadline
	}
}

// sleepUntil blocks until deadline, ctx cancellation or Stop(), returning
// false if the wait was cut short by either.
func (m *MultiLoop) sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-m.stopCh:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}
