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

package loadtest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fortio.org/loadgen/monitor"
)

func TestStartAndStopRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var updates int
	lt := New(func(_ string, _ []monitor.Snapshot) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	lt.SetUpdateInterval(20 * time.Millisecond)

	run, err := lt.Start(context.Background(), TestSpec{
		URL:      srv.URL,
		NumUsers: 2,
		Duration: 150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Spec.ID == "" {
		t.Error("expected a generated run ID")
	}
	lt.Stop()
	if run.State() != StateStopped {
		t.Errorf("expected StateStopped, got %v", run.State())
	}
	mu.Lock()
	got := updates
	mu.Unlock()
	if got == 0 {
		t.Error("expected at least one update event")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	spec := TestSpec{}
	if err := spec.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if spec.Method != http.MethodGet {
		t.Errorf("expected default method GET, got %s", spec.Method)
	}
	if spec.NumUsers != 10 {
		t.Errorf("expected default 10 users, got %d", spec.NumUsers)
	}
	if spec.Duration != 120*time.Second {
		t.Errorf("expected default duration 120s, got %v", spec.Duration)
	}
	if len(spec.Stats) != 2 {
		t.Errorf("expected default stats [latency, result-codes], got %v", spec.Stats)
	}
	if spec.ID == "" {
		t.Error("expected generated ID")
	}
}

func TestRemoveRefusesActiveRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lt := New(nil)
	run, err := lt.Start(context.Background(), TestSpec{URL: srv.URL, NumUsers: 1, Duration: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if lt.Remove(run.Spec.ID) {
		t.Error("expected Remove to refuse an active run")
	}
	lt.Stop()
	if !lt.Remove(run.Spec.ID) {
		t.Error("expected Remove to succeed once stopped")
	}
}
