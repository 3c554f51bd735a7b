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

package registry

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/store"
	"github.com/cubefs/assetdb/util"
)

// errUnchanged aborts a commit whose result equals the committed state.
var errUnchanged = errors.New("unchanged")

// change is one serialized mutation of an existing asset. apply returns
// errUnchanged to skip the commit and hand back the current asset.
type change struct {
	op        proto.OpKind
	id        proto.AssetID
	actor     string
	level     proto.ConsistencyLevel
	apply     func(ctx context.Context, cur *proto.Asset) error
	conflicts []*proto.Conflict
}

func (s *Service) mutate(ctx context.Context, c *change) (asset *proto.Asset, err error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	defer func() { observe(c.op.String(), start, err) }()

	if c.actor == "" {
		return nil, apierrors.ErrValidation.Withf("actor required")
	}
	unlock := s.locks.Lock(c.id)
	defer unlock()

	var unchanged *proto.Asset
	ack, err := s.writer.Write(ctx, &store.Mutation{
		Op:      c.op,
		AssetID: c.id,
		Actor:   c.actor,
		Apply: func(ctx context.Context, cur *proto.Asset) (*proto.Asset, error) {
			if cur == nil {
				return nil, apierrors.ErrAssetNotFound.Withf("id %s", c.id)
			}
			before := cur.Clone()
			if err := c.apply(ctx, cur); err != nil {
				if err == errUnchanged {
					unchanged = before
				}
				return nil, err
			}
			return cur, nil
		},
		Conflicts: c.conflicts,
	}, c.level)
	if err == errUnchanged {
		return unchanged, nil
	}
	if err != nil {
		span.Warnf("%s of asset %s failed: %s", c.op, c.id, err)
		if ack != nil {
			s.published()
			return ack.Event.After, err
		}
		return nil, err
	}
	s.published()
	span.Debugf("%s of asset %s by %s committed at revision %d", c.op, c.id, c.actor, ack.Event.After.Revision)
	return ack.Event.After, nil
}

// Deprecate marks an active asset deprecated. Deprecating twice is a no-op.
func (s *Service) Deprecate(ctx context.Context, id proto.AssetID, actor string, opts ...WriteOption) (*proto.Asset, error) {
	return s.mutate(ctx, &change{
		op:    proto.OpDeprecate,
		id:    id,
		actor: actor,
		level: s.level(opts),
		apply: func(ctx context.Context, cur *proto.Asset) error {
			switch cur.Status {
			case proto.StatusDeprecated:
				return errUnchanged
			case proto.StatusActive:
			default:
				return apierrors.ErrInvalidTransition.Withf("%s is %s", id, cur.Status)
			}
			now := util.Now()
			cur.Status = proto.StatusDeprecated
			cur.DeprecatedAt = &now
			return nil
		},
	})
}

// Retire takes an active or deprecated asset out of resolution for good.
func (s *Service) Retire(ctx context.Context, id proto.AssetID, actor string, opts ...WriteOption) (*proto.Asset, error) {
	return s.mutate(ctx, &change{
		op:    proto.OpRetire,
		id:    id,
		actor: actor,
		level: s.level(opts),
		apply: func(ctx context.Context, cur *proto.Asset) error {
			switch cur.Status {
			case proto.StatusRetired:
				return errUnchanged
			case proto.StatusActive, proto.StatusDeprecated:
			default:
				return apierrors.ErrInvalidTransition.Withf("%s is %s, reject it instead", id, cur.Status)
			}
			cur.Status = proto.StatusRetired
			return nil
		},
	})
}

// Approve activates an asset held pending by policy.
func (s *Service) Approve(ctx context.Context, id proto.AssetID, actor string, opts ...WriteOption) (*proto.Asset, error) {
	return s.mutate(ctx, &change{
		op:    proto.OpApprove,
		id:    id,
		actor: actor,
		level: s.level(opts),
		apply: func(ctx context.Context, cur *proto.Asset) error {
			switch cur.Status {
			case proto.StatusActive:
				return errUnchanged
			case proto.StatusPending:
			default:
				return apierrors.ErrInvalidTransition.Withf("%s is %s", id, cur.Status)
			}
			cur.Status = proto.StatusActive
			return nil
		},
	})
}

// Reject retires a pending asset.
func (s *Service) Reject(ctx context.Context, id proto.AssetID, actor string, opts ...WriteOption) (*proto.Asset, error) {
	return s.mutate(ctx, &change{
		op:    proto.OpRetire,
		id:    id,
		actor: actor,
		level: s.level(opts),
		apply: func(ctx context.Context, cur *proto.Asset) error {
			if cur.Status != proto.StatusPending {
				return apierrors.ErrInvalidTransition.Withf("%s is %s", id, cur.Status)
			}
			cur.Status = proto.StatusRetired
			return nil
		},
	})
}

type UpdateRequest struct {
	ID    proto.AssetID          `json:"id"`
	Actor string                 `json:"actor"`
	Level proto.ConsistencyLevel `json:"level"`
	// ExpectedRevision fails the update with ErrOptimisticConflict when the
	// asset moved past it. Zero skips the check.
	ExpectedRevision uint64 `json:"expected_revision,omitempty"`

	AddTags           []string          `json:"add_tags,omitempty"`
	RemoveTags        []string          `json:"remove_tags,omitempty"`
	SetAnnotations    map[string]string `json:"set_annotations,omitempty"`
	RemoveAnnotations []string          `json:"remove_annotations,omitempty"`
	Description       *string           `json:"description,omitempty"`
	Endpoints         *[]string         `json:"endpoints,omitempty"`
}

// UpdateMetadata changes the mutable fields of an asset. The version record
// is never touched.
func (s *Service) UpdateMetadata(ctx context.Context, req *UpdateRequest) (*proto.Asset, error) {
	for k := range req.SetAnnotations {
		if k == "" {
			return nil, apierrors.ErrValidation.Withf("empty annotation key")
		}
	}
	return s.mutate(ctx, &change{
		op:    proto.OpUpdate,
		id:    req.ID,
		actor: req.Actor,
		level: s.level([]WriteOption{WithConsistency(req.Level)}),
		apply: func(ctx context.Context, cur *proto.Asset) error {
			if req.ExpectedRevision != 0 && cur.Revision != req.ExpectedRevision {
				return apierrors.ErrOptimisticConflict.Withf("%s is at revision %d, expected %d", req.ID, cur.Revision, req.ExpectedRevision)
			}
			if cur.Status == proto.StatusRetired {
				return apierrors.ErrInvalidTransition.Withf("%s is retired", req.ID)
			}
			if !req.applyTo(cur) {
				return errUnchanged
			}
			return nil
		},
	})
}

// applyTo edits asset in place and reports whether anything changed.
func (r *UpdateRequest) applyTo(asset *proto.Asset) bool {
	changed := false

	if len(r.AddTags) > 0 || len(r.RemoveTags) > 0 {
		drop := make(map[string]struct{}, len(r.RemoveTags))
		for _, tag := range r.RemoveTags {
			drop[tag] = struct{}{}
		}
		var tags []string
		for _, tag := range proto.UnionTags(asset.Tags, r.AddTags) {
			if _, ok := drop[tag]; !ok {
				tags = append(tags, tag)
			}
		}
		if !equalStrings(tags, asset.Tags) {
			asset.Tags = tags
			changed = true
		}
	}

	for _, k := range r.RemoveAnnotations {
		if _, ok := asset.Annotations[k]; ok {
			delete(asset.Annotations, k)
			changed = true
		}
	}
	for k, v := range r.SetAnnotations {
		if old, ok := asset.Annotations[k]; ok && old == v {
			continue
		}
		if asset.Annotations == nil {
			asset.Annotations = make(map[string]string, len(r.SetAnnotations))
		}
		asset.Annotations[k] = v
		changed = true
	}
	if len(asset.Annotations) == 0 {
		asset.Annotations = nil
	}

	if r.Description != nil && *r.Description != asset.Description {
		asset.Description = *r.Description
		changed = true
	}
	if r.Endpoints != nil && !equalStrings(*r.Endpoints, asset.Endpoints) {
		asset.Endpoints = append([]string(nil), (*r.Endpoints)...)
		if len(asset.Endpoints) == 0 {
			asset.Endpoints = nil
		}
		changed = true
	}
	return changed
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AddDependency adds a reference to an existing asset. The reference must
// resolve today and must not close a cycle.
func (s *Service) AddDependency(ctx context.Context, id proto.AssetID, ref proto.AssetReference, actor string, opts ...WriteOption) (asset *proto.Asset, err error) {
	start := time.Now()
	defer func() { observe(proto.OpAddDependency.String(), start, err) }()
	if actor == "" {
		return nil, apierrors.ErrValidation.Withf("actor required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	asset, err = s.graph.AddEdge(ctx, id, ref, actor, s.level(opts))
	if asset != nil {
		s.published()
	}
	return asset, err
}

type ResolveRequest struct {
	ConflictID string                 `json:"conflict_id"`
	Actor      string                 `json:"actor"`
	Level      proto.ConsistencyLevel `json:"level"`
	// Dependencies is the edge set chosen for edge and cycle conflicts; nil
	// keeps the asset's current one.
	Dependencies []proto.AssetReference `json:"dependencies,omitempty"`
}

// ResolveConflict settles a conflict with one change that carries the
// resolution to every node. Resolving a resolved conflict returns the asset
// unchanged.
func (s *Service) ResolveConflict(ctx context.Context, req *ResolveRequest) (*proto.Asset, error) {
	span := trace.SpanFromContextSafe(ctx)
	c, err := s.store.GetConflict(ctx, req.ConflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return s.store.GetAsset(ctx, c.AssetID)
	}
	if req.Dependencies != nil {
		if c.Kind != proto.ConflictEdges && c.Kind != proto.ConflictCycle {
			return nil, apierrors.ErrValidation.Withf("%s conflict %s takes no dependencies", c.Kind, c.ID)
		}
		if err := s.graph.ValidateReferences(ctx, req.Dependencies); err != nil {
			return nil, err
		}
	}

	now := util.Now()
	resolved := *c
	resolved.Resolved = true
	resolved.ResolvedBy = req.Actor
	resolved.ResolvedAt = &now

	asset, err := s.mutate(ctx, &change{
		op:    proto.OpResolveConflict,
		id:    c.AssetID,
		actor: req.Actor,
		level: s.level([]WriteOption{WithConsistency(req.Level)}),
		apply: func(ctx context.Context, cur *proto.Asset) error {
			latest, err := s.store.GetConflict(ctx, c.ID)
			if err != nil {
				return err
			}
			if latest.Resolved {
				return errUnchanged
			}
			if req.Dependencies == nil {
				return nil
			}
			if err := s.graph.DetectCycle(ctx, cur, req.Dependencies...); err != nil {
				return err
			}
			cur.Dependencies = append([]proto.AssetReference(nil), req.Dependencies...)
			if len(cur.Dependencies) == 0 {
				cur.Dependencies = nil
			}
			return nil
		},
		conflicts: []*proto.Conflict{&resolved},
	})
	if err == nil {
		span.Infof("conflict %s on asset %s resolved by %s", c.ID, c.AssetID, req.Actor)
	}
	return asset, err
}
