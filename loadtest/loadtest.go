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

// Package loadtest composes one or more multiloop.MultiLoop/monitor.Monitor
// pairs, one per TestSpec, into a single LoadTest with run-registry
// semantics modeled on rapi.StatusMap: each spec gets an id, a lifecycle
// state and a goroutine running its MultiLoop, and Update events fan out on
// a configurable interval the way periodic runs report progress.
package loadtest // import "fortio.org/loadgen/loadtest"

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"fortio.org/loadgen/fhttp"
	"fortio.org/loadgen/loaderr"
	"fortio.org/loadgen/monitor"
	"fortio.org/loadgen/multiloop"
	"fortio.org/loadgen/profile"
	"fortio.org/loadgen/reqloop"
	"fortio.org/log"
)

// DefaultUpdateInterval matches fortio's 2-second progress reporting
// cadence (spec §4.6).
const DefaultUpdateInterval = 2 * time.Second

// TestSpec is one load test request: target, shape and statistics.
// Fields left zero take the documented defaults (spec §3/§4.6).
//
// A request source is picked in this order (spec §3's three variants,
// §6's requestGenerator/requestLoop/connectionGenerator fields): RequestLoop
// if set (a full, caller-supplied iteration function), else RequestGenerator
// if set (a per-iteration request-generator function), else the explicit
// Method/URL/Body/Headers fields.
type TestSpec struct {
	ID      string
	Method  string
	URL     string
	Body    []byte
	Headers http.Header

	// RequestGenerator, if set, produces each iteration's request instead of
	// the fixed Method/Body/Headers above (spec §3 "request-generator
	// function" / §6 "requestGenerator").
	RequestGenerator reqloop.Generator
	// RequestLoop, if set, entirely replaces reqloop's request/response
	// handling with a caller-supplied iteration function (spec §3 "a full
	// iteration function" / §6 "requestLoop"). Takes precedence over
	// RequestGenerator and the explicit fields above.
	RequestLoop reqloop.Runner
	// ConnectionGenerator, if set, builds each VirtualUser's *http.Client
	// instead of fhttp.NewClient(H2, Insecure) (spec §6 "connectionGenerator").
	ConnectionGenerator func() (*http.Client, error)

	// NumUsers is used when ConcurrencyProfile is nil.
	NumUsers           int
	ConcurrencyProfile *profile.Profile
	// TargetRps is used when LoadProfile is nil.
	TargetRps   float64
	LoadProfile *profile.Profile
	// Delay holds every VirtualUser in the delayed state for this long
	// before it starts iterating (spec §3 "delay").
	Delay time.Duration

	Duration         time.Duration
	NumberOfTimes    int64
	Stats            []string
	StatOptions      map[string]monitor.StatOptions
	RequestTimeoutMs int64

	H2       bool
	Insecure bool
}

// normalize fills in documented defaults and resolves the profile-wins
// precedence: when both a profile and its scalar sibling are set, the
// profile wins (spec §9 Open Question, decided in DESIGN.md).
func (t *TestSpec) normalize() error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Method == "" {
		t.Method = http.MethodGet
	}
	if t.URL == "" {
		t.URL = "http://localhost:8080/"
	}
	if t.NumUsers <= 0 && t.ConcurrencyProfile == nil {
		t.NumUsers = 10
	}
	if t.Duration <= 0 && t.NumberOfTimes <= 0 {
		t.Duration = 120 * time.Second
	}
	if len(t.Stats) == 0 {
		t.Stats = []string{"latency", "result-codes"}
	}
	if t.ConcurrencyProfile == nil && t.NumUsers <= 0 {
		return &loaderr.ConfigError{Field: "numUsers", Reason: "must be positive when concurrencyProfile is not set"}
	}
	return nil
}

// State mirrors rapi.StateEnum's lifecycle for one running TestSpec.
type State int

const (
	StatePending State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run is one TestSpec's live state: its MultiLoop, Monitor and lifecycle.
type Run struct {
	Spec    TestSpec
	Monitor *monitor.Monitor

	mu    sync.Mutex
	state State
	ml    *multiloop.MultiLoop
}

// State returns the run's current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Stop requests the run's MultiLoop to end.
func (r *Run) Stop() {
	r.setState(StateStopping)
	r.ml.Stop()
}

// LoadTest is the run registry: a set of Runs (one per TestSpec) reporting
// periodic Update events until all complete or Stop is called, the way
// rapi.StatusMap tracks multiple concurrent /run invocations.
type LoadTest struct {
	mu          sync.Mutex
	runs        map[string]*Run
	updateEvery time.Duration
	onUpdate    func(id string, snaps []monitor.Snapshot)
	wg          sync.WaitGroup
}

// New builds an empty LoadTest. onUpdate, if non-nil, is invoked from the
// update ticker goroutine for every run on every update interval.
func New(onUpdate func(id string, snaps []monitor.Snapshot)) *LoadTest {
	return &LoadTest{
		runs:        make(map[string]*Run),
		updateEvery: DefaultUpdateInterval,
		onUpdate:    onUpdate,
	}
}

// SetUpdateInterval changes the cadence of update events for runs started
// after this call (spec §4.6: setUpdateInterval(ms)).
func (lt *LoadTest) SetUpdateInterval(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.updateEvery = d
}

// Start validates spec, builds its MultiLoop/Monitor pair and runs it in a
// new goroutine, returning the Run immediately in StatePending/StateRunning.
func (lt *LoadTest) Start(ctx context.Context, spec TestSpec) (*Run, error) {
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	mon, err := monitor.New(spec.Stats, spec.StatOptions)
	if err != nil {
		return nil, err
	}
	run := &Run{Spec: spec, Monitor: mon, state: StatePending}

	connect := spec.ConnectionGenerator
	if connect == nil {
		connect = func() (*http.Client, error) {
			return fhttp.NewClient(&fhttp.Options{H2: spec.H2, Insecure: spec.Insecure}), nil
		}
	}

	// buildRunner resolves the request-source precedence spec §3/§6
	// document: RequestLoop (full iteration function) wins over
	// RequestGenerator (per-iteration generator), which wins over the
	// explicit Method/URL/Body/Headers fields.
	buildRunner := func(client *http.Client) reqloop.Runner {
		if spec.RequestLoop != nil {
			return spec.RequestLoop
		}
		gen := spec.RequestGenerator
		if gen == nil {
			gen = func(*http.Client) *reqloop.Request {
				return &reqloop.Request{
					Method:    spec.Method,
					Path:      "",
					Body:      spec.Body,
					Headers:   spec.Headers,
					TimeoutMs: spec.RequestTimeoutMs,
				}
			}
		}
		return reqloop.New(gen, spec.URL)
	}
	argGen := func() (reqloop.Runner, *http.Client, error) {
		client, err := connect()
		if err != nil {
			return nil, nil, err
		}
		return buildRunner(client), client, nil
	}

	cfg := multiloop.Config{
		ConcurrencyProfile: spec.ConcurrencyProfile,
		NumUsers:           spec.NumUsers,
		LoadProfile:        resolveLoadProfile(spec),
		Duration:           spec.Duration,
		NumberOfTimes:      spec.NumberOfTimes,
		Delay:              spec.Delay,
		ArgGenerator:       argGen,
	}
	run.ml = multiloop.New(cfg, func(ir multiloop.IterationResult) {
		mon.OnResult(ir)
	})

	lt.mu.Lock()
	lt.runs[spec.ID] = run
	interval := lt.updateEvery
	lt.mu.Unlock()

	lt.wg.Add(1)
	go func() {
		defer lt.wg.Done()
		run.setState(StateRunning)
		stopTicker := make(chan struct{})
		go lt.reportLoop(run, interval, stopTicker)
		run.ml.Start(ctx)
		close(stopTicker)
		run.setState(StateStopped)
		if lt.onUpdate != nil {
			lt.onUpdate(spec.ID, mon.Update())
		}
	}()
	return run, nil
}

func (lt *LoadTest) reportLoop(run *Run, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if lt.onUpdate != nil {
				lt.onUpdate(run.Spec.ID, run.Monitor.Update())
			}
		}
	}
}

// resolveLoadProfile implements the loadProfile-wins-over-targetRps
// precedence decided for the Open Question in spec §9.
func resolveLoadProfile(spec TestSpec) *profile.Profile {
	if spec.LoadProfile != nil {
		return spec.LoadProfile
	}
	if spec.TargetRps > 0 {
		return profile.NewConstant(spec.TargetRps)
	}
	return nil // multiloop defaults to Infinite (no pacing).
}

// Get returns the Run for id, or nil if unknown.
func (lt *LoadTest) Get(id string) *Run {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.runs[id]
}

// All returns a snapshot copy of every run currently tracked.
func (lt *LoadTest) All() map[string]*Run {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	cp := make(map[string]*Run, len(lt.runs))
	for k, v := range lt.runs {
		cp[k] = v
	}
	return cp
}

// Stop stops every tracked run and waits for them to finish.
func (lt *LoadTest) Stop() {
	lt.mu.Lock()
	runs := make([]*Run, 0, len(lt.runs))
	for _, r := range lt.runs {
		runs = append(runs, r)
	}
	lt.mu.Unlock()
	for _, r := range runs {
		r.Stop()
	}
	lt.wg.Wait()
}

// Remove drops a completed run from the registry, mirroring
// rapi.RemoveRun. Returns false if the run is still active.
func (lt *LoadTest) Remove(id string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	r, ok := lt.runs[id]
	if !ok {
		return true
	}
	if r.State() != StateStopped {
		log.Warnf("loadtest: refusing to remove still-active run %s", id)
		return false
	}
	delete(lt.runs, id)
	return true
}
