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

import "time"

type OpKind uint8

const (
	OpUnknown OpKind = iota
	OpRegister
	OpUpdate
	OpDeprecate
	OpRetire
	OpApprove
	OpAddDependency
	OpResolveConflict
)

func (op OpKind) String() string {
	switch op {
	case OpRegister:
		return "register"
	case OpUpdate:
		return "update"
	case OpDeprecate:
		return "deprecate"
	case OpRetire:
		return "retire"
	case OpApprove:
		return "approve"
	case OpAddDependency:
		return "add_dependency"
	case OpResolveConflict:
		return "resolve_conflict"
	default:
		return "unknown"
	}
}

// ChangeEvent is one mutation of one asset. It doubles as the replication log
// entry: (Source, Seq) is its position in the source node's log.
type ChangeEvent struct {
	ID        EventID       `json:"id"`
	AssetID   AssetID       `json:"asset_id"`
	Op        OpKind        `json:"op"`
	Actor     string        `json:"actor"`
	Timestamp time.Time     `json:"timestamp"`
	Before    *Asset        `json:"before,omitempty"`
	After     *Asset        `json:"after,omitempty"`
	Source    NodeID        `json:"source"`
	Seq       Seq           `json:"seq"`
	Clock     VersionVector `json:"clock,omitempty"`
	// Resolves lists the conflicts this change settles.
	Resolves []string `json:"resolves,omitempty"`
}

type ConflictKind uint8

const (
	ConflictUnknown ConflictKind = iota
	ConflictFields
	ConflictEdges
	ConflictIdentity
	ConflictCycle
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictFields:
		return "fields"
	case ConflictEdges:
		return "edges"
	case ConflictIdentity:
		return "identity"
	case ConflictCycle:
		return "cycle"
	default:
		return "unknown"
	}
}

// Conflict records two causally unordered changes that could not be merged
// silently. Field conflicts are recorded already resolved.
type Conflict struct {
	ID                 string           `json:"id"`
	AssetID            AssetID          `json:"asset_id"`
	Name               string           `json:"name"`
	Version            string           `json:"version"`
	Kind               ConflictKind     `json:"kind"`
	LocalEvent         EventID          `json:"local_event"`
	RemoteEvent        EventID          `json:"remote_event"`
	LocalSource        NodeID           `json:"local_source"`
	RemoteSource       NodeID           `json:"remote_source"`
	LocalDependencies  []AssetReference `json:"local_dependencies,omitempty"`
	RemoteDependencies []AssetReference `json:"remote_dependencies,omitempty"`
	Detail             string           `json:"detail"`
	DetectedBy         NodeID           `json:"detected_by"`
	DetectedAt         time.Time        `json:"detected_at"`
	Resolved           bool             `json:"resolved"`
	ResolvedBy         string           `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
}

type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventAssetRegistered
	EventAssetUpdated
	EventAssetDeprecated
	EventAssetRetired
	EventAssetApproved
	EventDependencyAdded
	EventConflictDetected
	EventConflictResolved
)

func (k EventKind) String() string {
	switch k {
	case EventAssetRegistered:
		return "AssetRegistered"
	case EventAssetUpdated:
		return "AssetUpdated"
	case EventAssetDeprecated:
		return "AssetDeprecated"
	case EventAssetRetired:
		return "AssetRetired"
	case EventAssetApproved:
		return "AssetApproved"
	case EventDependencyAdded:
		return "DependencyAdded"
	case EventConflictDetected:
		return "ConflictDetected"
	case EventConflictResolved:
		return "ConflictResolved"
	default:
		return "Unknown"
	}
}

// EventKindOf maps a committed operation onto the event it publishes.
func EventKindOf(op OpKind) EventKind {
	switch op {
	case OpRegister:
		return EventAssetRegistered
	case OpUpdate:
		return EventAssetUpdated
	case OpDeprecate:
		return EventAssetDeprecated
	case OpRetire:
		return EventAssetRetired
	case OpApprove:
		return EventAssetApproved
	case OpAddDependency:
		return EventDependencyAdded
	case OpResolveConflict:
		return EventConflictResolved
	default:
		return EventUnknown
	}
}

// Notification is one outbox entry. ID is the idempotency key consumers use
// to drop redeliveries.
type Notification struct {
	ID        EventID      `json:"id"`
	Kind      EventKind    `json:"kind"`
	AssetID   AssetID      `json:"asset_id"`
	Actor     string       `json:"actor,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Change    *ChangeEvent `json:"change,omitempty"`
	Conflict  *Conflict    `json:"conflict,omitempty"`
}
