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

// Package slave installs and supervises a SlaveNode from a SlaveSpec (spec
// §4.8): a local endpoint.Endpoint exposing slaveMethods, and optionally an
// endpoint.EndpointClient reporting back to a master. Method installation
// is resolved against MethodRegistry, a closed set of functions compiled
// into this binary; SlaveSpec never carries executable source (see
// endpoint package doc for the security rationale, spec REDESIGN note).
package slave // import "fortio.org/loadgen/slave"

import (
	"context"
	"net/http"
	"time"

	"fortio.org/loadgen/endpoint"
	"fortio.org/loadgen/loaderr"
	"fortio.org/log"
)

// MethodRegistry is the closed set of slave methods this binary knows how
// to run, keyed by the name a SlaveSpec.slaveMethods entry may reference.
// Extend it at build time to add capability; SlaveSpec.slaveMethods can
// only select among it, never supply new code.
var MethodRegistry = endpoint.Registry{}

// SlaveMethodRef names one method to install on a SlaveNode's Endpoint,
// replacing the original funSource field (spec REDESIGN note): Name must
// be a key already present in MethodRegistry.
type SlaveMethodRef struct {
	Name string `json:"name"`
}

// SlaveSpec is the wire request that installs a SlaveNode (spec §4.8).
type SlaveSpec struct {
	ID             string           `json:"id"`
	Master         string           `json:"master"`
	MasterMethods  []SlaveMethodRef `json:"masterMethods"`
	SlaveMethods   []SlaveMethodRef `json:"slaveMethods"`
	UpdateInterval int64            `json:"updateInterval"` // milliseconds
}

// Validate resolves every method reference against MethodRegistry and
// rejects unknown names, matching spec §7: bad SlaveSpec is a ConfigError.
func (s *SlaveSpec) Validate() error {
	for _, m := range s.SlaveMethods {
		if _, ok := MethodRegistry[m.Name]; !ok {
			return &loaderr.ConfigError{Field: "slaveMethods", Reason: "unknown method " + m.Name}
		}
	}
	for _, m := range s.MasterMethods {
		if _, ok := MethodRegistry[m.Name]; !ok {
			return &loaderr.ConfigError{Field: "masterMethods", Reason: "unknown method " + m.Name}
		}
	}
	return nil
}

// SlaveNode is one installed slave: a local Endpoint serving slaveMethods,
// and, when Master is set, an EndpointClient reporting state upstream.
type SlaveNode struct {
	Spec     SlaveSpec
	Endpoint *endpoint.Endpoint

	master *endpoint.EndpointClient
	cancel context.CancelFunc
}

// Install builds a SlaveNode from spec: validates it, constructs the local
// Endpoint with slaveMethods drawn from MethodRegistry and id as its only
// staticParam, and if Master is set, starts an EndpointClient connection
// and a periodic updateSlaveState_ call every UpdateInterval (spec §4.8).
func Install(ctx context.Context, spec SlaveSpec) (*SlaveNode, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	reg := endpoint.Registry{}
	for _, m := range spec.SlaveMethods {
		reg[m.Name] = MethodRegistry[m.Name]
	}
	params := map[string]string{"id": spec.ID}
	ep := endpoint.New(reg, params)
	ep.Start()

	node := &SlaveNode{Spec: spec, Endpoint: ep}

	if spec.Master != "" {
		nodeCtx, cancel := context.WithCancel(ctx)
		node.cancel = cancel
		node.master = endpoint.NewClient(spec.Master)
		node.master.Connect(nodeCtx, func(pctx context.Context) error {
			req, err := http.NewRequestWithContext(pctx, http.MethodGet, spec.Master, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return nil
		})
		interval := time.Duration(spec.UpdateInterval) * time.Millisecond
		if interval <= 0 {
			interval = 5 * time.Second
		}
		go node.reportLoop(nodeCtx, interval)
	}
	return node, nil
}

// reportLoop periodically calls the master's "updateSlaveState_" method
// with this node's id, as long as the master client is connected (spec
// §4.8: "periodic updateSlaveState_ calls").
func (n *SlaveNode) reportLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n.master.State() != endpoint.ClientConnected {
				continue
			}
			type stateUpdate struct {
				ID    string `json:"id"`
				State string `json:"state"`
			}
			callCtx, callCancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := endpoint.Call[map[string]interface{}](callCtx, n.master, "updateSlaveState_", stateUpdate{
				ID:    n.Spec.ID,
				State: "running",
			})
			callCancel()
			if err != nil {
				log.Warnf("slave %s: updateSlaveState_ to %s failed: %v", n.Spec.ID, n.Spec.Master, err)
			}
		}
	}
}

// Destroy tears down the SlaveNode: stops the report loop, destroys the
// master client (if any) and the local Endpoint.
func (n *SlaveNode) Destroy() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.master != nil {
		n.master.Destroy()
	}
	n.Endpoint.Destroy()
}
