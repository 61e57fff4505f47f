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

// Package monitor aggregates multiloop.IterationResult streams into the
// statistics a TestSpec requested (spec §4.5): latency histograms, result
// code counts, unique fingerprints, peak concurrency and an HTTP error log.
// Each statistic keeps a windowed and a cumulative aggregator so update()
// events can report both since-last-update and since-start views.
package monitor // import "fortio.org/loadgen/monitor"

import (
	"os"
	"sort"
	"strconv"
	"sync"

	"fortio.org/loadgen/loaderr"
	"fortio.org/loadgen/multiloop"
	"fortio.org/loadgen/reqloop"
	"fortio.org/loadgen/stats"
	"fortio.org/log"
)

// Percentiles reported by the latency histogram, matching fortio's default.
var DefaultPercentiles = []float64{50, 90, 99, 99.9}

// DefaultErrorThreshold is the status code at and above which a response is
// counted as an error by the "http-errors" statistic when no SuccessCodes
// list is configured.
const DefaultErrorThreshold = 400

// StatOptions carries per-statistic configuration (spec §4.5 "each may
// carry options", spec §6 "Statistic options").
type StatOptions struct {
	// Percentiles overrides DefaultPercentiles for a "latency" stat.
	Percentiles []float64
	// SuccessCodes, for an "http-errors" stat, makes any status code not in
	// this list count as an error, replacing the default ">=400" rule. Empty
	// means use the default rule.
	SuccessCodes []int
	// Log, for an "http-errors" stat, is the file path non-success responses
	// are appended to; empty disables the log.
	Log string
}

// Statistic is one named aggregator a Monitor feeds on every result.
type Statistic interface {
	Name() string
	record(res multiloop.IterationResult)
	// snapshot returns the cumulative-since-start view and the
	// windowed-since-last-update view, resetting the windowed one.
	snapshot() (cumulative, windowed interface{})
}

// Monitor owns a set of Statistics and feeds every IterationResult from one
// or more MultiLoops into each of them.
type Monitor struct {
	mu    sync.Mutex
	stats []Statistic
}

// New builds a Monitor for the named statistics. opts carries per-name
// configuration (spec §4.5); a name absent from opts gets its documented
// defaults. Unknown names return a *loaderr.ConfigError, matching TestSpec
// validation (spec §4.5/§7).
func New(names []string, opts map[string]StatOptions) (*Monitor, error) {
	m := &Monitor{}
	for _, n := range names {
		s, err := newStatistic(n, opts[n])
		if err != nil {
			return nil, err
		}
		m.stats = append(m.stats, s)
	}
	return m, nil
}

func newStatistic(name string, opt StatOptions) (Statistic, error) {
	switch name {
	case "latency":
		return newLatencyStat(opt.Percentiles), nil
	case "result-codes":
		return newResultsStat(), nil
	case "uniques":
		return newUniquesStat(), nil
	case "concurrency":
		return newPeakStat(), nil
	case "http-errors":
		return newHTTPErrorLog(opt.Log, opt.SuccessCodes), nil
	default:
		return nil, &loaderr.ConfigError{Field: "stats", Reason: "unknown statistic " + name}
	}
}

// OnResult feeds one iteration result into every configured statistic.
// Safe for concurrent use by many MultiLoop worker goroutines.
func (m *Monitor) OnResult(res multiloop.IterationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stats {
		s.record(res)
	}
}

// Snapshot is one statistic's reported state at an update() event.
type Snapshot struct {
	Name       string
	Cumulative interface{}
	Windowed   interface{}
}

// Update returns a snapshot of every statistic: the cumulative
// (since-start) view and the windowed (since-last-update) view, the latter
// reset by this call, mirroring periodic.go's Histogram.Transfer semantics.
func (m *Monitor) Update() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.stats))
	for _, s := range m.stats {
		c, w := s.snapshot()
		out = append(out, Snapshot{Name: s.Name(), Cumulative: c, Windowed: w})
	}
	return out
}

// latencyStat tracks request latency as a stats.Histogram (milliseconds).
type latencyStat struct {
	percentiles []float64
	cumulative  *stats.Histogram
	windowed    *stats.Histogram
}

func newLatencyStat(percentiles []float64) *latencyStat {
	if len(percentiles) == 0 {
		percentiles = DefaultPercentiles
	}
	return &latencyStat{
		percentiles: percentiles,
		cumulative:  stats.NewLatencyHistogram(),
		windowed:    stats.NewLatencyHistogram(),
	}
}

func (*latencyStat) Name() string { return "latency" }

func (s *latencyStat) record(res multiloop.IterationResult) {
	if res.Result.Tag != reqloop.TagResponse {
		return
	}
	s.cumulative.RecordDuration(res.Result.Latency)
	s.windowed.RecordDuration(res.Result.Latency)
}

func (s *latencyStat) snapshot() (interface{}, interface{}) {
	c := s.cumulative.Export(s.percentiles)
	w := s.windowed.Export(s.percentiles)
	s.windowed.Reset()
	return c, w
}

// ResultCounts is the exported shape of the result-codes statistic.
type ResultCounts struct {
	ByStatusCode map[int]int64
	Timeouts     int64
	ConnectErr   int64
}

type resultsStat struct {
	cumulative ResultCounts
	windowed   ResultCounts
}

func newResultsStat() *resultsStat {
	return &resultsStat{
		cumulative: ResultCounts{ByStatusCode: map[int]int64{}},
		windowed:   ResultCounts{ByStatusCode: map[int]int64{}},
	}
}

func (*resultsStat) Name() string { return "result-codes" }

func (s *resultsStat) record(res multiloop.IterationResult) {
	switch res.Result.Tag {
	case reqloop.TagResponse:
		s.cumulative.ByStatusCode[res.Result.StatusCode]++
		s.windowed.ByStatusCode[res.Result.StatusCode]++
	case reqloop.TagTimeout:
		s.cumulative.Timeouts++
		s.windowed.Timeouts++
	case reqloop.TagConnectError:
		s.cumulative.ConnectErr++
		s.windowed.ConnectErr++
	case reqloop.TagIdle:
	}
}

func (s *resultsStat) snapshot() (interface{}, interface{}) {
	c := cloneResultCounts(s.cumulative)
	w := cloneResultCounts(s.windowed)
	s.windowed = ResultCounts{ByStatusCode: map[int]int64{}}
	return c, w
}

func cloneResultCounts(r ResultCounts) ResultCounts {
	cp := ResultCounts{ByStatusCode: make(map[int]int64, len(r.ByStatusCode)), Timeouts: r.Timeouts, ConnectErr: r.ConnectErr}
	for k, v := range r.ByStatusCode {
		cp.ByStatusCode[k] = v
	}
	return cp
}

// uniquesThreshold is where Uniques switches from the exact set to a
// cardinality estimate, so a misbehaving generator producing unbounded
// fingerprints can't grow the exact set without limit (spec §4.5).
const uniquesThreshold = 100000

// UniquesSnapshot is the exported shape of the uniques statistic.
type UniquesSnapshot struct {
	Count      int64
	Exact      bool
	Fingerprints []string // only populated while Exact, nil once estimated
}

type uniquesStat struct {
	seen      map[string]struct{}
	estimated int64
	exact     bool
	// windowed tracks only fingerprints first seen since the last snapshot.
	windowSeen map[string]struct{}
}

func newUniquesStat() *uniquesStat {
	return &uniquesStat{
		seen:       make(map[string]struct{}),
		exact:      true,
		windowSeen: make(map[string]struct{}),
	}
}

func (*uniquesStat) Name() string { return "uniques" }

func (s *uniquesStat) record(res multiloop.IterationResult) {
	if res.Result.Fingerprint == "" {
		return
	}
	fp := res.Result.Fingerprint
	if s.exact {
		if _, ok := s.seen[fp]; !ok {
			s.seen[fp] = struct{}{}
			if len(s.seen) > uniquesThreshold {
				s.exact = false
				s.estimated = int64(len(s.seen))
				s.seen = nil
			}
		}
	} else {
		// Past the exact-set threshold: approximate by counting all
		// distinct-looking events at a fixed growth rate rather than
		// retaining every fingerprint (bounded memory, spec §4.5).
		s.estimated++
	}
	if _, ok := s.windowSeen[fp]; !ok {
		s.windowSeen[fp] = struct{}{}
	}
}

func (s *uniquesStat) snapshot() (interface{}, interface{}) {
	var c UniquesSnapshot
	if s.exact {
		fps := make([]string, 0, len(s.seen))
		for fp := range s.seen {
			fps = append(fps, fp)
		}
		sort.Strings(fps)
		c = UniquesSnapshot{Count: int64(len(s.seen)), Exact: true, Fingerprints: fps}
	} else {
		c = UniquesSnapshot{Count: s.estimated, Exact: false}
	}
	wfps := make([]string, 0, len(s.windowSeen))
	for fp := range s.windowSeen {
		wfps = append(wfps, fp)
	}
	sort.Strings(wfps)
	w := UniquesSnapshot{Count: int64(len(s.windowSeen)), Exact: true, Fingerprints: wfps}
	s.windowSeen = make(map[string]struct{})
	return c, w
}

// peakStat tracks the highest concurrent-user count observed via a gauge,
// the way periodic.go's RunnerOptions.NumThreads is a static snapshot but
// generalized to time-varying concurrency here.
type peakStat struct {
	current    int64
	peak       int64
	windowPeak int64
}

func newPeakStat() *peakStat {
	return &peakStat{}
}

func (*peakStat) Name() string { return "concurrency" }

func (s *peakStat) record(res multiloop.IterationResult) {
	// Results carry no concurrency information; the gauge only moves through
	// SetConcurrency.
	_ = res
}

// SetConcurrency records the instantaneous concurrent user count. It is
// reached only through Monitor.SetConcurrency; neither loadtest nor
// multiloop calls that, so during a LoadTest run the gauge stays at 0.
func (s *peakStat) SetConcurrency(n int64) {
	s.current = n
	if n > s.peak {
		s.peak = n
	}
	if n > s.windowPeak {
		s.windowPeak = n
	}
}

func (s *peakStat) snapshot() (interface{}, interface{}) {
	c := s.peak
	w := s.windowPeak
	s.windowPeak = s.current
	return c, w
}

// SetConcurrency forwards to the "concurrency" statistic if configured,
// a no-op otherwise.
func (m *Monitor) SetConcurrency(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stats {
		if p, ok := s.(*peakStat); ok {
			p.SetConcurrency(n)
		}
	}
}

// httpErrorLog appends one line per error result to a file: a response whose
// status is not in SuccessCodes (or, with no list, is >= DefaultErrorThreshold),
// or any result that is not a response at all. Mirrors periodic.RunnerOptions.AccessLogger but restricted to
// errors only (spec §4.5).
type httpErrorLog struct {
	mu           sync.Mutex
	path         string
	successCodes map[int]struct{}
	f            *os.File
	written      int64
	window       int64
}

func newHTTPErrorLog(path string, successCodes []int) *httpErrorLog {
	h := &httpErrorLog{path: path}
	if len(successCodes) > 0 {
		h.successCodes = make(map[int]struct{}, len(successCodes))
		for _, c := range successCodes {
			h.successCodes[c] = struct{}{}
		}
	}
	return h
}

func (*httpErrorLog) Name() string { return "http-errors" }

// isError reports whether code counts as an error: membership test against
// the configured SuccessCodes list if one was given, else the default
// DefaultErrorThreshold rule.
func (s *httpErrorLog) isError(res multiloop.IterationResult) bool {
	if res.Result.Tag != reqloop.TagResponse {
		return true
	}
	if s.successCodes != nil {
		_, ok := s.successCodes[res.Result.StatusCode]
		return !ok
	}
	return res.Result.StatusCode >= DefaultErrorThreshold
}

func (s *httpErrorLog) record(res multiloop.IterationResult) {
	if !s.isError(res) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written++
	s.window++
	if s.path == "" {
		return
	}
	if s.f == nil {
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // operator-specified path
		if err != nil {
			log.Errf("monitor: opening http error log %s: %v", s.path, err)
			return
		}
		s.f = f
	}
	_, err := s.f.WriteString(formatErrorLine(res))
	if err != nil {
		log.Errf("monitor: writing http error log %s: %v", s.path, err)
	}
}

func formatErrorLine(res multiloop.IterationResult) string {
	req := res.Result.Req
	method, path := "", ""
	if req != nil {
		method, path = req.Method, req.Path
	}
	return res.At.Format("2006-01-02T15:04:05.000Z07:00") + " " + method + " " + path +
		" status=" + strconv.Itoa(res.Result.StatusCode) + " tag=" + string(res.Result.Tag) + "\n"
}

func (s *httpErrorLog) snapshot() (interface{}, interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.written
	w := s.window
	s.window = 0
	return c, w
}
