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

import (
	"fmt"
	"sort"
	"strings"
)

type Ordering uint8

const (
	OrderingEqual Ordering = iota
	OrderingBefore
	OrderingAfter
	OrderingConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderingEqual:
		return "equal"
	case OrderingBefore:
		return "before"
	case OrderingAfter:
		return "after"
	default:
		return "concurrent"
	}
}

// VersionVector is the causal token carried by every asset and change event.
// Each component is the source node's log sequence number of the latest
// change from that node folded into the asset.
type VersionVector map[NodeID]Seq

func (v VersionVector) Copy() VersionVector {
	if v == nil {
		return nil
	}
	ret := make(VersionVector, len(v))
	for k, s := range v {
		ret[k] = s
	}
	return ret
}

// Compare reports how v relates to o.
func (v VersionVector) Compare(o VersionVector) Ordering {
	less, greater := false, false
	for node, s := range v {
		other := o[node]
		if s < other {
			less = true
		} else if s > other {
			greater = true
		}
	}
	for node, other := range o {
		if _, ok := v[node]; !ok && other > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}

// Merge returns the pointwise maximum of v and o.
func (v VersionVector) Merge(o VersionVector) VersionVector {
	ret := v.Copy()
	if ret == nil {
		ret = make(VersionVector, len(o))
	}
	for node, s := range o {
		if s > ret[node] {
			ret[node] = s
		}
	}
	return ret
}

// Advance returns a copy of v with the node component set to seq.
func (v VersionVector) Advance(node NodeID, seq Seq) VersionVector {
	ret := v.Copy()
	if ret == nil {
		ret = make(VersionVector, 1)
	}
	ret[node] = seq
	return ret
}

func (v VersionVector) String() string {
	nodes := make([]NodeID, 0, len(v))
	for node := range v {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	parts := make([]string, 0, len(nodes))
	for _, node := range nodes {
		parts = append(parts, fmt.Sprintf("%d:%d", node, v[node]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
