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

// Package reqloop adapts a request generator into the iteration function
// multiloop.VirtualUser runs: it issues the HTTP request, races it against
// an optional per-request timeout, and reports exactly one result per
// iteration (spec §4.3).
package reqloop // import "fortio.org/loadgen/reqloop"

import (
	"context"
	"crypto/sha1" //nolint:gosec // fingerprinting only, not security sensitive
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fortio.org/loadgen/fhttp"
	"fortio.org/log"
)

// Request is one HTTP request to issue: method, path (relative to the
// client's base URL), optional body, and an optional per-request timeout.
// TimeoutMs <= 0 means no timeout (subject to the http.Client's own
// deadline, if any).
type Request struct {
	Method    string
	Path      string
	Body      []byte
	TimeoutMs int64
	Headers   http.Header
}

// Generator produces the next Request for a client, or nil to mark the user
// idle for this iteration (spec §4.3: "if it returns nothing, the user is
// considered idle").
type Generator func(client *http.Client) *Request

// ResultTag classifies how an iteration ended.
type ResultTag string

const (
	TagResponse     ResultTag = "response"
	TagTimeout      ResultTag = "timeout"
	TagConnectError ResultTag = "connect-error"
	TagIdle         ResultTag = "idle"
)

// Result is delivered to finish() exactly once per iteration (spec §4.3/§4.4).
type Result struct {
	Req        *Request
	StatusCode int // 0 on timeout or connect error, per spec.
	Tag        ResultTag
	Latency    time.Duration
	Err        error
	// Fingerprint identifies (method, path, bodyHash) for the Uniques
	// statistic; computed eagerly so Monitor doesn't need the live request.
	Fingerprint string
}

// Runner is the iteration function multiloop.VirtualUser drives: generate
// (or otherwise produce) one outcome and report it via finish. Loop is the
// default implementation (spec §3 "explicit HTTP method+path+body" and
// "request-generator function" TestSpec variants); a TestSpec may instead
// supply its own Runner directly for the "full iteration function" variant,
// bypassing reqloop's request/response assumptions entirely.
type Runner interface {
	DoOne(ctx context.Context, client *http.Client, finish func(Result))
}

// Loop wraps a Generator and a base URL into an iteration function.
type Loop struct {
	gen     Generator
	baseURL string
}

var _ Runner = (*Loop)(nil)

// New builds a RequestLoop adapter for the given generator and base URL.
func New(gen Generator, baseURL string) *Loop {
	return &Loop{gen: gen, baseURL: fhttp.NormalizeURL(baseURL)}
}

// Fingerprint computes the (method, path, bodyHash) fingerprint used by the
// Uniques statistic (spec §4.5).
func Fingerprint(method, path string, body []byte) string {
	h := sha1.Sum(body) //nolint:gosec // fingerprinting only
	return fmt.Sprintf("%s %s %x", method, path, h)
}

// DoOne runs a single iteration: generate a request, bound it by its
// timeout through the request context, and invoke finish exactly once.
// finish is always called before DoOne returns; other Runner
// implementations may call it asynchronously, so callers must tolerate
// either, per spec §4.4.
func (l *Loop) DoOne(ctx context.Context, client *http.Client, finish func(Result)) {
	req := l.gen(client)
	if req == nil {
		finish(Result{Tag: TagIdle})
		return
	}
	fp := Fingerprint(req.Method, req.Path, req.Body)
	reqCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
	}
	httpReq, err := fhttp.BuildRequest(reqCtx, l.baseURL, req.Method, req.Path, req.Body, req.Headers)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		log.Errf("reqloop: building request %s %s: %v", req.Method, req.Path, err)
		finish(Result{Req: req, Tag: TagConnectError, Err: err, Fingerprint: fp})
		return
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	latency := time.Since(start)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			finish(Result{Req: req, Tag: TagTimeout, Latency: latency, Err: err, Fingerprint: fp})
			return
		}
		finish(Result{Req: req, Tag: TagConnectError, Latency: latency, Err: err, Fingerprint: fp})
		return
	}
	defer resp.Body.Close()
	// Drain body so the connection is reusable for the next iteration on
	// this VirtualUser's client (spec §5: resource ownership).
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil && !errors.Is(err, io.EOF) {
		log.LogVf("reqloop: draining body for %s %s: %v", req.Method, req.Path, err)
	}
	finish(Result{Req: req, StatusCode: resp.StatusCode, Tag: TagResponse, Latency: latency, Fingerprint: fp})
}
