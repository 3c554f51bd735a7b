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

type PeerState uint8

const (
	PeerStateUnknown PeerState = iota
	PeerStateAlive
	PeerStateUnreachable
)

func (s PeerState) String() string {
	switch s {
	case PeerStateAlive:
		return "alive"
	case PeerStateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Node describes one replica of the registry cluster.
type Node struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"`
}

// PeerStatus is the coordinator's view of one peer.
type PeerStatus struct {
	Node
	State        PeerState `json:"state"`
	AckedSeq     Seq       `json:"acked_seq"`
	Lag          uint64    `json:"lag"`
	LastContactS int64     `json:"last_contact_s"`
}

// Watermarks maps a source node to the highest contiguous sequence applied
// locally for that source.
type Watermarks map[NodeID]Seq

func (w Watermarks) Copy() Watermarks {
	ret := make(Watermarks, len(w))
	for k, v := range w {
		ret[k] = v
	}
	return ret
}
