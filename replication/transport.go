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

package replication

import (
	"context"

	"github.com/cubefs/assetdb/proto"
)

type (
	// AppendRequest carries log entries of any source, in sequence order
	// per source.
	AppendRequest struct {
		From    proto.NodeID         `json:"from"`
		Entries []*proto.ChangeEvent `json:"entries"`
	}
	AppendResponse struct {
		Node       proto.NodeID     `json:"node"`
		Applied    int              `json:"applied"`
		Gap        bool             `json:"gap"`
		Watermarks proto.Watermarks `json:"watermarks"`
	}
	StatusRequest struct {
		From proto.NodeID `json:"from"`
	}
	StatusResponse struct {
		Node       proto.NodeID     `json:"node"`
		Watermarks proto.Watermarks `json:"watermarks"`
	}
)

// Transport delivers replication requests to peers.
type Transport interface {
	Append(ctx context.Context, to proto.Node, req *AppendRequest) (*AppendResponse, error)
	Status(ctx context.Context, to proto.Node, req *StatusRequest) (*StatusResponse, error)
}

// Handler serves replication requests received from peers.
type Handler interface {
	HandleAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	HandleStatus(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}
