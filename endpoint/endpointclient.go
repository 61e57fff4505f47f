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

package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"fortio.org/loadgen/jrpc"
	"fortio.org/loadgen/loaderr"
	"fortio.org/log"
)

var errNotConnected = errors.New("endpoint client is not connected")

// ClientState is an EndpointClient's connection lifecycle (spec §4.7).
type ClientState int

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
	ClientReconnecting
	ClientDestroyed
)

// initialBackoff and maxClientBackoff bound the reconnect delay (spec §4.7:
// "exponential backoff (1s doubling, capped 30s)").
const (
	initialBackoff   = 1 * time.Second
	maxClientBackoff = 30 * time.Second
)

// EndpointClient calls a remote Endpoint over HTTP, the way jrpc.Call does,
// but tracks connectivity state so callers can distinguish "server
// reachable but erroring" from "no connection, don't bother sending".
// While reconnecting it rejects calls immediately rather than buffering
// them (spec §4.7: "no buffering").
type EndpointClient struct {
	dest *jrpc.Destination

	mu      sync.Mutex
	state   ClientState
	backoff time.Duration
	cancel  context.CancelFunc
	ctx     context.Context
	probe   func(context.Context) error
}

// NewClient builds an EndpointClient for baseURL, starting disconnected.
func NewClient(baseURL string) *EndpointClient {
	return &EndpointClient{
		dest:    jrpc.NewDestination(baseURL),
		state:   ClientDisconnected,
		backoff: initialBackoff,
	}
}

// State returns the client's current connection state.
func (c *EndpointClient) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection supervisor; it probes the endpoint and
// flips to ClientConnected on success, ClientReconnecting with exponential
// backoff on failure, until ctx is done or Destroy is called. probe should
// test raw reachability (e.g. a GET against a health path), not Call: Call
// itself requires ClientConnected and would deadlock against its own probe.
func (c *EndpointClient) Connect(ctx context.Context, probe func(context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.ctx = ctx
	c.probe = probe
	c.state = ClientConnecting
	c.mu.Unlock()

	go c.supervise(ctx, probe)
}

// reconnect moves a ClientConnected client back to ClientReconnecting and
// restarts the supervisor, the same way Connect's probe loop does after a
// failed probe, except the trigger here is a failed Call (spec §4.7:
// "connected -> reconnect" on transport failure). A no-op if the client
// isn't currently ClientConnected, so concurrent failing calls only start
// one supervisor.
func (c *EndpointClient) reconnect() {
	c.mu.Lock()
	if c.state != ClientConnected {
		c.mu.Unlock()
		return
	}
	c.state = ClientReconnecting
	c.backoff = initialBackoff
	ctx, probe := c.ctx, c.probe
	c.mu.Unlock()
	if ctx == nil || probe == nil || ctx.Err() != nil {
		return
	}
	go c.supervise(ctx, probe)
}

func (c *EndpointClient) supervise(ctx context.Context, probe func(context.Context) error) {
	for {
		err := probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			c.mu.Lock()
			c.state = ClientConnected
			c.backoff = initialBackoff
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		c.state = ClientReconnecting
		wait := c.backoff
		c.backoff *= 2
		if c.backoff > maxClientBackoff {
			c.backoff = maxClientBackoff
		}
		c.mu.Unlock()
		log.Warnf("endpointclient: connect to %s failed, retrying in %v: %v", c.dest.URL, wait, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Destroy stops the connection supervisor and marks the client destroyed.
func (c *EndpointClient) Destroy() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.state = ClientDestroyed
	c.mu.Unlock()
}

// Call invokes method on the remote Endpoint with args, returning its
// result deserialized into T. Rejects immediately with a TransportError if
// the client isn't ClientConnected (no buffering across reconnects). ctx
// bounds the underlying HTTP round trip.
func Call[T any](ctx context.Context, c *EndpointClient, method string, args interface{}) (*T, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != ClientConnected {
		return nil, &loaderr.TransportError{Op: "call " + method, Err: errNotConnected}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	type request struct {
		Method string          `json:"method"`
		Args   json.RawMessage `json:"args"`
	}
	type reply struct {
		jrpc.ServerReply
		Result T `json:"result"`
	}
	res, err := jrpc.Call[reply](ctx, c.dest, &request{Method: method, Args: payload})
	if err != nil {
		var fe *jrpc.FetchError
		if errors.As(err, &fe) && fe.Code > 0 {
			// The server replied, so it is reachable: report the failed call
			// without leaving ClientConnected.
			msg := fe.Message
			if res != nil && res.Message != "" {
				msg = res.Message
			}
			return nil, &loaderr.ProtocolError{Code: fe.Code, Msg: msg}
		}
		c.reconnect()
		return nil, &loaderr.TransportError{Op: "call " + method, Err: err}
	}
	if res.Error {
		return nil, &loaderr.ProtocolError{Code: 500, Msg: res.Message}
	}
	return &res.Result, nil
}
