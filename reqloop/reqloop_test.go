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

package reqloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestDoOneResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	gen := func(*http.Client) *Request { return &Request{Method: http.MethodGet} }
	l := New(gen, srv.URL)

	var got Result
	var wg sync.WaitGroup
	wg.Add(1)
	l.DoOne(context.Background(), srv.Client(), func(r Result) {
		got = r
		wg.Done()
	})
	wg.Wait()

	if got.Tag != TagResponse {
		t.Fatalf("Tag = %v, want %v", got.Tag, TagResponse)
	}
	if got.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, want %d", got.StatusCode, http.StatusTeapot)
	}
	if got.Fingerprint == "" {
		t.Error("expected a non-empty fingerprint")
	}
}

func TestDoOneIdleWhenGeneratorReturnsNil(t *testing.T) {
	gen := func(*http.Client) *Request { return nil }
	l := New(gen, "http://localhost:1")

	var got Result
	l.DoOne(context.Background(), http.DefaultClient, func(r Result) { got = r })
	if got.Tag != TagIdle {
		t.Errorf("Tag = %v, want %v", got.Tag, TagIdle)
	}
}

func TestDoOneConnectError(t *testing.T) {
	gen := func(*http.Client) *Request { return &Request{Method: http.MethodGet} }
	l := New(gen, "http://127.0.0.1:1") // nothing listens here

	done := make(chan Result, 1)
	l.DoOne(context.Background(), &http.Client{Timeout: time.Second}, func(r Result) { done <- r })
	got := <-done
	if got.Tag != TagConnectError {
		t.Errorf("Tag = %v, want %v", got.Tag, TagConnectError)
	}
	if got.Err == nil {
		t.Error("expected non-nil Err for a connect error")
	}
}

func TestDoOneTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gen := func(*http.Client) *Request { return &Request{Method: http.MethodGet, TimeoutMs: 1} }
	l := New(gen, srv.URL)

	done := make(chan Result, 1)
	l.DoOne(context.Background(), srv.Client(), func(r Result) { done <- r })
	got := <-done
	if got.Tag != TagTimeout {
		t.Errorf("Tag = %v, want %v", got.Tag, TagTimeout)
	}
}

func TestFingerprintStableForSameRequest(t *testing.T) {
	a := Fingerprint(http.MethodPost, "/x", []byte("body"))
	b := Fingerprint(http.MethodPost, "/x", []byte("body"))
	if a != b {
		t.Errorf("Fingerprint not stable: %q vs %q", a, b)
	}
	c := Fingerprint(http.MethodPost, "/x", []byte("other"))
	if a == c {
		t.Error("expected different fingerprints for different bodies")
	}
}
