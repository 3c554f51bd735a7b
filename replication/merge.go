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
	"sort"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/metrics"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/store"
	"github.com/cubefs/assetdb/util"
)

// SupersededByKey annotates a registration that lost its (name, version)
// to a concurrent registration with a smaller id.
const SupersededByKey = "assetdb.superseded-by"

// CycleDetector returns the assets on the loop refs added to from would
// close, from first.
type CycleDetector interface {
	FindCycle(ctx context.Context, from *proto.Asset, refs ...proto.AssetReference) ([]*proto.Asset, error)
}

type stateReader interface {
	GetAsset(ctx context.Context, id proto.AssetID) (*proto.Asset, error)
	LookupID(ctx context.Context, name, version string) (proto.AssetID, error)
	GetConflict(ctx context.Context, id string) (*proto.Conflict, error)
}

// reconciler folds remote entries into local state. Merges are symmetric so
// every replica that sees the same entries ends with the same asset.
type reconciler struct {
	nodeID proto.NodeID
	reader stateReader
	cycles CycleDetector
}

func (r *reconciler) reconcile(ctx context.Context, cur *proto.Asset, e *proto.ChangeEvent) (*store.Reconciled, error) {
	span := trace.SpanFromContextSafe(ctx)
	rec := &store.Reconciled{}
	if err := r.markResolved(ctx, e, rec); err != nil {
		return nil, err
	}
	if e.After == nil {
		return rec, nil
	}
	remote := e.After.Clone()

	var next *proto.Asset
	switch {
	case cur == nil:
		next = remote
	default:
		switch remote.Clock.Compare(cur.Clock) {
		case proto.OrderingAfter:
			next = remote
		case proto.OrderingConcurrent:
			var conflicts []*proto.Conflict
			next, conflicts = r.merge(cur, remote, e)
			rec.Conflicts = append(rec.Conflicts, conflicts...)
		default:
			// already folded in through another path
			return rec, nil
		}
	}

	if added := addedRefs(cur, next); len(added) > 0 && r.cycles != nil {
		loop, err := r.cycles.FindCycle(ctx, next, added...)
		switch {
		case err == nil:
		case apierrors.Is(err, apierrors.ErrCyclicDependency):
			span.Warnf("entry %d/%d closes a dependency cycle: %s", e.Source, e.Seq, err)
			c, err := r.cycleConflict(ctx, loop, e, err.Error())
			if err != nil {
				return nil, err
			}
			if c != nil {
				rec.Conflicts = append(rec.Conflicts, c)
			}
		default:
			span.Warnf("cycle check of entry %d/%d skipped: %s", e.Source, e.Seq, err)
		}
	}

	if err := r.resolveIdentity(ctx, cur, next, e, rec); err != nil {
		return nil, err
	}
	rec.Asset = next
	for _, c := range rec.Conflicts {
		metrics.ConflictTotal.WithLabelValues(c.Kind.String()).Inc()
	}
	return rec, nil
}

// merge combines two concurrent states: scalar fields by last writer
// (updated_at, then origin node id), tags by union, annotations overlaid in
// last writer order, status by max. Differing edge sets keep the last
// writer's edges and raise an edge conflict.
func (r *reconciler) merge(cur, remote *proto.Asset, e *proto.ChangeEvent) (*proto.Asset, []*proto.Conflict) {
	winner, loser := remote, cur
	if later(cur, remote) {
		winner, loser = cur, remote
	}
	next := winner.Clone()
	next.Tags = proto.UnionTags(cur.Tags, remote.Tags)
	next.Annotations = overlay(loser.Annotations, winner.Annotations)
	if loser.Status > next.Status {
		next.Status = loser.Status
	}
	next.DeprecatedAt = earliest(cur.DeprecatedAt, remote.DeprecatedAt)
	if next.Revision < loser.Revision {
		next.Revision = loser.Revision
	}
	next.Clock = cur.Clock.Merge(remote.Clock)

	var conflicts []*proto.Conflict
	clock := next.Clock.String()
	if fields := differingFields(cur, remote); len(fields) > 0 {
		c := r.newConflict(proto.ConflictFields, next, e, cur, remote, util.NameID("fields", next.ID, clock),
			"last writer wins on "+strings.Join(fields, ", "))
		c.Resolved = true
		c.ResolvedBy = "lww"
		c.ResolvedAt = &c.DetectedAt
		conflicts = append(conflicts, c)
	}
	if !proto.SameDependencies(cur.Dependencies, remote.Dependencies) {
		conflicts = append(conflicts, r.newConflict(proto.ConflictEdges, next, e, cur, remote,
			util.NameID("edges", next.ID, clock), "concurrent dependency changes"))
	}
	return next, conflicts
}

// cycleConflict raises one conflict per loop whichever node and entry find
// it: the id derives from the member ids and the conflict sits on the member
// with the smallest id. The loop stays in the edge set until resolved. An
// open conflict on the same loop is not raised again.
func (r *reconciler) cycleConflict(ctx context.Context, loop []*proto.Asset, e *proto.ChangeEvent, detail string) (*proto.Conflict, error) {
	if len(loop) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(loop))
	owner := loop[0]
	for _, a := range loop {
		ids = append(ids, a.ID)
		if a.ID < owner.ID {
			owner = a
		}
	}
	sort.Strings(ids)
	id := util.NameID(append([]string{"cycle"}, ids...)...)

	prev, err := r.reader.GetConflict(ctx, id)
	switch {
	case err == nil && !prev.Resolved:
		return nil, nil
	case err != nil && !apierrors.Is(err, apierrors.ErrConflictNotFound):
		return nil, err
	}
	c := r.newConflict(proto.ConflictCycle, owner, e, nil, nil, id, detail)
	c.LocalSource = owner.Origin
	c.LocalDependencies = append([]proto.AssetReference(nil), owner.Dependencies...)
	return c, nil
}

// resolveIdentity keeps one owner per (name, version): the smaller id.
func (r *reconciler) resolveIdentity(ctx context.Context, cur, next *proto.Asset, e *proto.ChangeEvent, rec *store.Reconciled) error {
	ownerID, err := r.reader.LookupID(ctx, next.Name, next.Version)
	if err != nil {
		if !apierrors.Is(err, apierrors.ErrAssetNotFound) {
			return err
		}
		rec.OwnsIdentity = true
		return nil
	}
	if ownerID == next.ID {
		rec.OwnsIdentity = true
		return nil
	}

	conflictID := util.NameID("identity", minID(ownerID, next.ID), maxID(ownerID, next.ID))
	if next.ID < ownerID {
		owner, err := r.reader.GetAsset(ctx, ownerID)
		if err != nil {
			return err
		}
		rec.OwnsIdentity = true
		rec.Demoted = demote(owner, next.ID)
		rec.Conflicts = append(rec.Conflicts, r.newConflict(proto.ConflictIdentity, next, e, owner, next, conflictID,
			"registration "+ownerID+" superseded by "+next.ID))
		return nil
	}

	// already demoted on an earlier entry
	raise := cur == nil || cur.Annotations[SupersededByKey] != ownerID
	demote(next, ownerID)
	if raise {
		rec.Conflicts = append(rec.Conflicts, r.newConflict(proto.ConflictIdentity, next, e, nil, next, conflictID,
			"registration "+next.ID+" superseded by "+ownerID))
	}
	return nil
}

// markResolved settles local copies of the conflicts e resolves.
func (r *reconciler) markResolved(ctx context.Context, e *proto.ChangeEvent, rec *store.Reconciled) error {
	for _, id := range e.Resolves {
		c, err := r.reader.GetConflict(ctx, id)
		if err != nil {
			if apierrors.Is(err, apierrors.ErrConflictNotFound) {
				continue
			}
			return err
		}
		if c.Resolved {
			continue
		}
		at := e.Timestamp
		c.Resolved = true
		c.ResolvedBy = e.Actor
		c.ResolvedAt = &at
		rec.Resolved = append(rec.Resolved, c)
	}
	return nil
}

func (r *reconciler) newConflict(kind proto.ConflictKind, asset *proto.Asset, e *proto.ChangeEvent, local, remote *proto.Asset, id, detail string) *proto.Conflict {
	c := &proto.Conflict{
		ID:           id,
		AssetID:      asset.ID,
		Name:         asset.Name,
		Version:      asset.Version,
		Kind:         kind,
		RemoteEvent:  e.ID,
		RemoteSource: e.Source,
		Detail:       detail,
		DetectedBy:   r.nodeID,
		DetectedAt:   util.Now(),
	}
	if local != nil {
		c.LocalSource = local.Origin
		c.LocalDependencies = append([]proto.AssetReference(nil), local.Dependencies...)
	}
	if remote != nil {
		c.RemoteDependencies = append([]proto.AssetReference(nil), remote.Dependencies...)
	}
	return c
}

func demote(a *proto.Asset, winner proto.AssetID) *proto.Asset {
	if a.Annotations == nil {
		a.Annotations = make(map[string]string, 1)
	}
	a.Annotations[SupersededByKey] = winner
	if a.Status != proto.StatusRetired {
		a.Status = proto.StatusRetired
	}
	return a
}

func later(a, b *proto.Asset) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Origin > b.Origin
}

func overlay(base, top map[string]string) map[string]string {
	if len(base) == 0 && len(top) == 0 {
		return nil
	}
	ret := make(map[string]string, len(base)+len(top))
	for k, v := range base {
		ret[k] = v
	}
	for k, v := range top {
		ret[k] = v
	}
	return ret
}

func earliest(times ...*time.Time) *time.Time {
	var ret *time.Time
	for _, t := range times {
		if t != nil && (ret == nil || t.Before(*ret)) {
			v := *t
			ret = &v
		}
	}
	return ret
}

func differingFields(a, b *proto.Asset) []string {
	var fields []string
	if a.Description != b.Description {
		fields = append(fields, "description")
	}
	if strings.Join(a.Endpoints, "\n") != strings.Join(b.Endpoints, "\n") {
		fields = append(fields, "endpoints")
	}
	for k, v := range a.Annotations {
		if w, ok := b.Annotations[k]; ok && w != v {
			fields = append(fields, "annotations")
			break
		}
	}
	sort.Strings(fields)
	return fields
}

func addedRefs(cur, next *proto.Asset) []proto.AssetReference {
	have := make(map[proto.AssetReference]struct{})
	if cur != nil {
		for _, ref := range cur.Dependencies {
			have[ref] = struct{}{}
		}
	}
	var ret []proto.AssetReference
	for _, ref := range next.Dependencies {
		if _, ok := have[ref]; !ok {
			ret = append(ret, ref)
		}
	}
	return ret
}

func minID(a, b proto.AssetID) proto.AssetID {
	if a < b {
		return a
	}
	return b
}

func maxID(a, b proto.AssetID) proto.AssetID {
	if a > b {
		return a
	}
	return b
}
