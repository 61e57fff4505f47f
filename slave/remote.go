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

package slave

import (
	"context"
	"net/http"
	"sync"

	"fortio.org/loadgen/jrpc"
	"fortio.org/log"
	"github.com/gorilla/mux"
)

// RemoteHandler is the /remote control-plane surface: GET lists active
// slave node URLs, POST installs a new one from a SlaveSpec body, returning
// 201 with a Location header (spec §4.9), modeled on
// rapi.RESTRunHandler/RESTStatusHandler's registry-plus-HTTP-verb shape.
type RemoteHandler struct {
	mu    sync.Mutex
	nodes map[string]*SlaveNode
}

// NewRemoteHandler builds an empty remote control handler.
func NewRemoteHandler() *RemoteHandler {
	return &RemoteHandler{nodes: make(map[string]*SlaveNode)}
}

// Router returns an http.Handler serving GET/POST on /remote and
// rejecting every other method with 405, as required by spec §4.9.
func (h *RemoteHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/remote", h.list).Methods(http.MethodGet)
	r.HandleFunc("/remote", h.create).Methods(http.MethodPost)
	r.HandleFunc("/remote", h.methodNotAllowed).Methods(
		http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead, http.MethodOptions)
	return r
}

func (h *RemoteHandler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

type nodeListReply struct {
	jrpc.ServerReply
	URLs []string `json:"urls"`
}

func (h *RemoteHandler) list(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	urls := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		urls = append(urls, "/remote/"+id)
	}
	h.mu.Unlock()
	_ = jrpc.ReplyOk(w, &nodeListReply{URLs: urls})
}

func (h *RemoteHandler) create(w http.ResponseWriter, r *http.Request) {
	spec, err := jrpc.ProcessRequest[SlaveSpec](r)
	if err != nil {
		_ = jrpc.ReplyError(w, "malformed slave spec", err)
		return
	}
	node, err := Install(context.Background(), *spec)
	if err != nil {
		log.Warnf("remote: installing slave %s failed: %v", spec.ID, err)
		_ = jrpc.ReplyError(w, "slave install failed", err)
		return
	}
	h.mu.Lock()
	h.nodes[node.Spec.ID] = node
	h.mu.Unlock()

	location := "/remote/" + node.Spec.ID
	w.Header().Set("Location", location)
	_ = jrpc.Reply(w, http.StatusCreated, &struct {
		jrpc.ServerReply
		ID       string `json:"id"`
		Location string `json:"location"`
	}{ID: node.Spec.ID, Location: location})
}

// Get returns the SlaveNode installed at id, or nil.
func (h *RemoteHandler) Get(id string) *SlaveNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[id]
}

// Remove destroys and unregisters the SlaveNode at id.
func (h *RemoteHandler) Remove(id string) {
	h.mu.Lock()
	node := h.nodes[id]
	delete(h.nodes, id)
	h.mu.Unlock()
	if node != nil {
		node.Destroy()
	}
}
