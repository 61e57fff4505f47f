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

// Package endpoint implements RPC-over-HTTP the way jrpc's Call/Reply pair
// does (generics, JSON body, http status for the outer result), but as a
// stateful object with a registered method table instead of one-shot
// client/server functions, for the SlaveNode control plane (spec §4.7).
//
// Method bodies are installed from a closed, pre-declared registry keyed by
// name, never from source text executed at runtime: the spec's original
// "funSource" idea (compiling and running arbitrary remote code on the
// receiving node) is an open security hole, so this package only ever
// invokes functions the binary itself was built with (spec REDESIGN note).
package endpoint // import "fortio.org/loadgen/endpoint"

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"fortio.org/loadgen/jrpc"
	"fortio.org/loadgen/loaderr"
	"fortio.org/log"
	"github.com/gorilla/mux"
)

// State is an Endpoint's lifecycle stage (spec §4.7).
type State int

const (
	StateInitialized State = iota
	StateStarted
	StateDestroyed
)

// Method is a registered remote-callable function: receives the decoded
// args and the endpoint's staticParams, returns a JSON-serializable result
// or an error.
type Method func(ctx context.Context, args json.RawMessage, staticParams map[string]string) (interface{}, error)

// Registry is a closed set of Methods known at build time, keyed by name.
// Endpoints are constructed against one Registry; a method name not present
// in it is a ConfigError, never a dynamic lookup.
type Registry map[string]Method

// callRequest is the wire shape POSTed to an Endpoint (spec §4.7).
type callRequest struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// callReply is the wire shape an Endpoint replies with.
type callReply struct {
	jrpc.ServerReply
	Result interface{} `json:"result,omitempty"`
}

// Endpoint exposes a Registry's methods over HTTP POST, with a fixed set of
// staticParams merged into every call (spec §4.7: "staticParams").
type Endpoint struct {
	mu           sync.RWMutex
	registry     Registry
	staticParams map[string]string
	state        State
}

// New builds an Endpoint bound to registry and staticParams, in
// StateInitialized.
func New(registry Registry, staticParams map[string]string) *Endpoint {
	return &Endpoint{registry: registry, staticParams: staticParams, state: StateInitialized}
}

// Start transitions the Endpoint to StateStarted; calls are only served
// while started.
func (e *Endpoint) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateStarted
}

// Destroy transitions the Endpoint to StateDestroyed; subsequent calls fail
// with a ProtocolError.
func (e *Endpoint) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateDestroyed
}

// State returns the Endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Call invokes method by name with args directly (no HTTP round trip),
// used by tests and by a SlaveNode calling its own local Endpoint.
func (e *Endpoint) Call(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	e.mu.RLock()
	state := e.state
	fn, ok := e.registry[method]
	params := e.staticParams
	e.mu.RUnlock()
	if state != StateStarted {
		return nil, &loaderr.ProtocolError{Code: http.StatusServiceUnavailable, Msg: "endpoint not started"}
	}
	if !ok {
		return nil, &loaderr.ProtocolError{Code: http.StatusNotFound, Msg: "unknown method " + method}
	}
	return fn(ctx, args, params)
}

// Handler returns an http.Handler serving POST {method,args} -> {result}
// on the given mux route, mirroring jrpc.Reply/ReplyError's status code
// conventions.
func (e *Endpoint) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", e.serveCall).Methods(http.MethodPost)
	return r
}

func (e *Endpoint) serveCall(w http.ResponseWriter, r *http.Request) {
	req, err := jrpc.ProcessRequest[callRequest](r)
	if err != nil {
		_ = jrpc.ReplyError(w, "malformed call request", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	result, err := e.Call(ctx, req.Method, req.Args)
	if err != nil {
		log.Warnf("endpoint: call %s failed: %v", req.Method, err)
		code := http.StatusInternalServerError
		var pe *loaderr.ProtocolError
		if errors.As(err, &pe) {
			code = pe.Code
		}
		_ = jrpc.Reply(w, code, jrpc.NewErrorReply("call failed", err))
		return
	}
	_ = jrpc.ReplyOk(w, &callReply{Result: result})
}
