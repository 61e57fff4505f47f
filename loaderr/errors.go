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

// Package loaderr holds the error taxonomy shared by the load generation
// engine: configuration errors (surfaced to the caller, never retried),
// transport errors (recorded as a sample, never abort a run) and protocol
// errors (control plane, turned into an HTTP status + JSON body).
package loaderr // import "fortio.org/loadgen/loaderr"

import "fmt"

// ConfigError signals a bad TestSpec/Profile/SlaveSpec: invalid profile,
// unknown statistic name, unparseable slave method reference. Never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error on %s: %s", e.Field, e.Reason)
}

// TransportError wraps a connect failure, socket reset or HTTP parse
// failure observed while running a single iteration. Recorded as a sample
// with statusCode 0; never stops the owning loop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError is a TransportError variant that distinguishes a per-request
// timeout from other connect/socket failures.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s", e.Op)
}

// ProtocolError is a control-plane error: malformed JSON on /remote, an
// unknown method name, etc. Code is the HTTP status to send back.
type ProtocolError struct {
	Code int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Msg)
}
