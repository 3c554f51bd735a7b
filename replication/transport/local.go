// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package transport

import (
	"context"
	"sync"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/replication"
	"github.com/cubefs/assetdb/util/codec"
)

// Local connects coordinators of one process. Requests are encoded and
// decoded like on the wire so no state is shared between nodes. Links can
// be cut to simulate partitions.
type Local struct {
	lock     sync.RWMutex
	handlers map[proto.NodeID]replication.Handler
	cut      map[[2]proto.NodeID]struct{}
}

func NewLocal() *Local {
	return &Local{
		handlers: make(map[proto.NodeID]replication.Handler),
		cut:      make(map[[2]proto.NodeID]struct{}),
	}
}

func (l *Local) Register(id proto.NodeID, h replication.Handler) {
	l.lock.Lock()
	l.handlers[id] = h
	l.lock.Unlock()
}

// Endpoint returns the transport used by node from.
func (l *Local) Endpoint(from proto.NodeID) replication.Transport {
	return &localEndpoint{local: l, from: from}
}

// Isolate cuts every link between id and the other registered nodes.
func (l *Local) Isolate(id proto.NodeID) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for other := range l.handlers {
		if other == id {
			continue
		}
		l.cut[[2]proto.NodeID{id, other}] = struct{}{}
		l.cut[[2]proto.NodeID{other, id}] = struct{}{}
	}
}

// Heal restores every link.
func (l *Local) Heal() {
	l.lock.Lock()
	l.cut = make(map[[2]proto.NodeID]struct{})
	l.lock.Unlock()
}

func (l *Local) handler(from, to proto.NodeID) (replication.Handler, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if _, ok := l.cut[[2]proto.NodeID{from, to}]; ok {
		return nil, apierrors.ErrReplicationTimeout.Withf("link %d -> %d is down", from, to)
	}
	h, ok := l.handlers[to]
	if !ok {
		return nil, apierrors.ErrReplicationTimeout.Withf("node %d is not registered", to)
	}
	return h, nil
}

type localEndpoint struct {
	local *Local
	from  proto.NodeID
}

func (e *localEndpoint) Append(ctx context.Context, to proto.Node, req *replication.AppendRequest) (*replication.AppendResponse, error) {
	h, err := e.local.handler(e.from, to.ID)
	if err != nil {
		return nil, err
	}
	in := &replication.AppendRequest{}
	if err := roundTrip(req, in); err != nil {
		return nil, err
	}
	resp, err := h.HandleAppend(ctx, in)
	if err != nil {
		return nil, err
	}
	// the response is lost when the link went down meanwhile
	if _, err := e.local.handler(to.ID, e.from); err != nil {
		return nil, err
	}
	out := &replication.AppendResponse{}
	return out, roundTrip(resp, out)
}

func (e *localEndpoint) Status(ctx context.Context, to proto.Node, req *replication.StatusRequest) (*replication.StatusResponse, error) {
	h, err := e.local.handler(e.from, to.ID)
	if err != nil {
		return nil, err
	}
	resp, err := h.HandleStatus(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &replication.StatusResponse{}
	return out, roundTrip(resp, out)
}

func roundTrip(in, out interface{}) error {
	raw, err := codec.Marshal(in)
	if err != nil {
		return err
	}
	return codec.Unmarshal(raw, out)
}
