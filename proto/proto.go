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

package proto

const (
	ReqIdKey = "req-id"

	DefaultMaxVisited = 10000
)

type (
	NodeID  = uint64
	AssetID = string
	EventID = string
	Seq     = uint64
)

type ConsistencyLevel uint8

const (
	ConsistencyDefault ConsistencyLevel = iota
	ConsistencyStrong
	ConsistencyQuorum
	ConsistencyEventual
)

func (l ConsistencyLevel) String() string {
	switch l {
	case ConsistencyStrong:
		return "strong"
	case ConsistencyQuorum, ConsistencyDefault:
		return "quorum"
	case ConsistencyEventual:
		return "eventual"
	default:
		return "unknown"
	}
}

// Normalize maps the zero value onto the default level.
func (l ConsistencyLevel) Normalize() ConsistencyLevel {
	if l == ConsistencyDefault {
		return ConsistencyQuorum
	}
	return l
}

// Ack reports a committed write. Acked lists the nodes, self included, known
// to hold the change when the write returned.
type Ack struct {
	Event *ChangeEvent     `json:"event"`
	Level ConsistencyLevel `json:"level"`
	Acked []NodeID         `json:"acked"`
}
