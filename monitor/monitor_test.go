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

package monitor

import (
	"testing"
	"time"

	"fortio.org/loadgen/multiloop"
	"fortio.org/loadgen/reqloop"
	"fortio.org/loadgen/stats"
)

func TestUnknownStatistic(t *testing.T) {
	_, err := New([]string{"not-a-real-stat"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown statistic")
	}
}

func TestLatencyAndResultCodes(t *testing.T) {
	m, err := New([]string{"latency", "result-codes"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.OnResult(multiloop.IterationResult{
		Result: reqloop.Result{Tag: reqloop.TagResponse, StatusCode: 200, Latency: 10 * time.Millisecond},
	})
	m.OnResult(multiloop.IterationResult{
		Result: reqloop.Result{Tag: reqloop.TagResponse, StatusCode: 500, Latency: 20 * time.Millisecond},
	})
	m.OnResult(multiloop.IterationResult{
		Result: reqloop.Result{Tag: reqloop.TagTimeout},
	})
	snaps := m.Update()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	var sawResults bool
	for _, s := range snaps {
		if s.Name != "result-codes" {
			continue
		}
		sawResults = true
		rc, ok := s.Cumulative.(ResultCounts)
		if !ok {
			t.Fatalf("unexpected type %T", s.Cumulative)
		}
		if rc.ByStatusCode[200] != 1 || rc.ByStatusCode[500] != 1 {
			t.Errorf("unexpected status code counts: %+v", rc.ByStatusCode)
		}
		if rc.Timeouts != 1 {
			t.Errorf("expected 1 timeout, got %d", rc.Timeouts)
		}
	}
	if !sawResults {
		t.Error("expected a result-codes snapshot")
	}
	// Windowed view resets: a second Update with no new results should be empty.
	snaps2 := m.Update()
	for _, s := range snaps2 {
		if s.Name != "result-codes" {
			continue
		}
		rc := s.Windowed.(ResultCounts)
		if rc.Timeouts != 0 || len(rc.ByStatusCode) != 0 {
			t.Errorf("expected empty windowed view after reset, got %+v", rc)
		}
	}
}

func TestUniquesExactBelowThreshold(t *testing.T) {
	m, err := New([]string{"uniques"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.OnResult(multiloop.IterationResult{Result: reqloop.Result{Tag: reqloop.TagResponse, Fingerprint: "GET /a"}})
	m.OnResult(multiloop.IterationResult{Result: reqloop.Result{Tag: reqloop.TagResponse, Fingerprint: "GET /a"}})
	m.OnResult(multiloop.IterationResult{Result: reqloop.Result{Tag: reqloop.TagResponse, Fingerprint: "GET /b"}})
	snaps := m.Update()
	us := snaps[0].Cumulative.(UniquesSnapshot)
	if !us.Exact || us.Count != 2 {
		t.Errorf("expected exact count of 2, got %+v", us)
	}
}

func TestLatencyCustomPercentiles(t *testing.T) {
	m, err := New([]string{"latency"}, map[string]StatOptions{
		"latency": {Percentiles: []float64{25, 75}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 10; i++ {
		m.OnResult(multiloop.IterationResult{
			Result: reqloop.Result{Tag: reqloop.TagResponse, Latency: time.Duration(i+1) * time.Millisecond},
		})
	}
	snaps := m.Update()
	hist, ok := snaps[0].Cumulative.(*stats.HistogramData)
	if !ok {
		t.Fatalf("unexpected type %T", snaps[0].Cumulative)
	}
	if len(hist.Percentiles) != 2 {
		t.Fatalf("expected 2 configured percentiles reported, got %d: %+v", len(hist.Percentiles), hist.Percentiles)
	}
}

func TestHTTPErrorsCustomSuccessCodes(t *testing.T) {
	m, err := New([]string{"http-errors"}, map[string]StatOptions{
		"http-errors": {SuccessCodes: []int{201}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 201 is in SuccessCodes so it must not count as an error even though
	// the default (>=400) rule would not have flagged 200 either; what
	// matters here is that 200 (normally "success") now counts as an error
	// because it is absent from the configured SuccessCodes list.
	m.OnResult(multiloop.IterationResult{Result: reqloop.Result{Tag: reqloop.TagResponse, StatusCode: 201}})
	m.OnResult(multiloop.IterationResult{Result: reqloop.Result{Tag: reqloop.TagResponse, StatusCode: 200}})
	snaps := m.Update()
	count := snaps[0].Cumulative.(int64)
	if count != 1 {
		t.Errorf("expected exactly 1 error (status 200, not in SuccessCodes), got %d", count)
	}
}

func TestConcurrencyPeak(t *testing.T) {
	m, err := New([]string{"concurrency"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetConcurrency(3)
	m.SetConcurrency(7)
	m.SetConcurrency(2)
	snaps := m.Update()
	peak := snaps[0].Cumulative.(int64)
	if peak != 7 {
		t.Errorf("expected peak 7, got %d", peak)
	}
}
