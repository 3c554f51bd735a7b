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

package store

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/assetdb/common/kvstore"
	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util"
	"github.com/cubefs/assetdb/util/codec"
)

var ErrLogGap = errors.New("replication log gap")

// Mutation describes one local change of an asset.
type Mutation struct {
	Op      proto.OpKind
	AssetID proto.AssetID
	Actor   string
	// Apply derives the new asset from the committed one, nil when absent.
	// It runs under the commit lock, so checks made inside hold at commit.
	Apply func(ctx context.Context, cur *proto.Asset) (*proto.Asset, error)
	// Conflicts are persisted in the same batch, typically resolved ones.
	Conflicts []*proto.Conflict
}

// Reconciled is the outcome of folding a remote entry into local state.
type Reconciled struct {
	// Asset is the new local state of the entry's asset; nil keeps current.
	Asset *proto.Asset
	// OwnsIdentity is false when another asset holds the (name, version)
	// index; edges of a non owner are not indexed.
	OwnsIdentity bool
	// Demoted lost its identity to Asset and gets its edges unindexed.
	Demoted *proto.Asset

	// Conflicts are new and get a ConflictDetected notification, Resolved
	// are updated quietly.
	Conflicts []*proto.Conflict
	Resolved  []*proto.Conflict
}

type Reconciler func(ctx context.Context, cur *proto.Asset, e *proto.ChangeEvent) (*Reconciled, error)

// Commit applies m atomically: asset row, indexes, version record, change
// event in the replication log and the outbox notification either all land
// or none do.
func (s *Store) Commit(ctx context.Context, m *Mutation) (*proto.ChangeEvent, error) {
	span := trace.SpanFromContextSafe(ctx)
	s.commitLock.Lock()
	defer s.commitLock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur, err := s.GetAsset(ctx, m.AssetID)
	if err != nil && !apierrors.Is(err, apierrors.ErrAssetNotFound) {
		return nil, err
	}
	next, err := m.Apply(ctx, cur.Clone())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seq := s.Head() + 1
	now := util.Now()
	next.ID = m.AssetID
	next.UpdatedAt = now
	next.Origin = s.nodeID
	next.Revision = 1
	if cur != nil {
		next.Revision = cur.Revision + 1
		next.Clock = cur.Clock.Advance(s.nodeID, seq)
	} else {
		next.Clock = proto.VersionVector{s.nodeID: seq}
	}

	e := &proto.ChangeEvent{
		ID:        util.NewID(),
		AssetID:   m.AssetID,
		Op:        m.Op,
		Actor:     m.Actor,
		Timestamp: now,
		Before:    cur,
		After:     next,
		Source:    s.nodeID,
		Seq:       seq,
		Clock:     next.Clock.Copy(),
	}
	for _, c := range m.Conflicts {
		if c.Resolved {
			e.Resolves = append(e.Resolves, c.ID)
		}
	}

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	if err := s.putAsset(ctx, batch, cur, next, true); err != nil {
		return nil, err
	}
	if err := s.putVersionRecord(ctx, batch, next, m.Actor); err != nil {
		return nil, err
	}
	if err := putValue(batch, logCF, logKey(s.nodeID, seq), e); err != nil {
		return nil, err
	}
	batch.Put(metaCF, headKey, encodeSeq(seq))
	if err := putValue(batch, outboxCF, []byte(e.ID), &proto.Notification{
		ID:        e.ID,
		Kind:      proto.EventKindOf(e.Op),
		AssetID:   e.AssetID,
		Actor:     e.Actor,
		Timestamp: e.Timestamp,
		Change:    e,
	}); err != nil {
		return nil, err
	}
	for _, c := range m.Conflicts {
		if err := putValue(batch, conflictCF, []byte(c.ID), c); err != nil {
			return nil, err
		}
	}
	if err := s.kvStore.Write(ctx, batch, nil); err != nil {
		span.Errorf("commit %s of asset %s failed: %s", m.Op, m.AssetID, errors.Detail(err))
		return nil, errors.Info(err, "write commit batch failed")
	}

	s.lock.Lock()
	s.head = seq
	s.notify()
	s.lock.Unlock()
	span.Debugf("committed %s of asset %s at seq %d", m.Op, m.AssetID, seq)
	return e, nil
}

// ApplyRemote folds an entry originated on another node into local state.
// Entries of one source apply strictly in sequence: a duplicate returns
// applied false, a gap returns ErrLogGap, both with the current watermark.
func (s *Store) ApplyRemote(ctx context.Context, e *proto.ChangeEvent, reconcile Reconciler) (applied bool, wm proto.Seq, err error) {
	span := trace.SpanFromContextSafe(ctx)
	s.commitLock.Lock()
	defer s.commitLock.Unlock()

	if e.Source == s.nodeID {
		return false, s.Head(), nil
	}
	s.lock.RLock()
	wm = s.watermarks[e.Source]
	s.lock.RUnlock()
	if e.Seq <= wm {
		return false, wm, nil
	}
	if e.Seq != wm+1 {
		return false, wm, ErrLogGap
	}

	cur, err := s.GetAsset(ctx, e.AssetID)
	if err != nil && !apierrors.Is(err, apierrors.ErrAssetNotFound) {
		return false, wm, err
	}
	rec, err := reconcile(ctx, cur.Clone(), e)
	if err != nil {
		return false, wm, err
	}

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	if rec.Demoted != nil {
		s.removeEdges(batch, rec.Demoted)
		if err := putValue(batch, assetCF, []byte(rec.Demoted.ID), rec.Demoted); err != nil {
			return false, wm, err
		}
	}
	if rec.Asset != nil {
		if err := s.putAsset(ctx, batch, cur, rec.Asset, rec.OwnsIdentity); err != nil {
			return false, wm, err
		}
		switch {
		case rec.Demoted != nil && rec.OwnsIdentity:
			// the demoted registration never held the identity cluster wide
			if err := putValue(batch, versionCF, versionKey(rec.Asset.Name, rec.Asset.Version), rec.Asset.VersionRecord(e.Actor)); err != nil {
				return false, wm, err
			}
		case rec.OwnsIdentity:
			if err := s.putVersionRecord(ctx, batch, rec.Asset, e.Actor); err != nil {
				return false, wm, err
			}
		}
	}
	if err := putValue(batch, logCF, logKey(e.Source, e.Seq), e); err != nil {
		return false, wm, err
	}
	batch.Put(metaCF, nodeKey(watermarkPrefix, e.Source), encodeSeq(e.Seq))
	for _, c := range rec.Conflicts {
		if err := putValue(batch, conflictCF, []byte(c.ID), c); err != nil {
			return false, wm, err
		}
		// outbox keys sort in commit order, the conflict id rides inside
		id := util.NewID()
		if err := putValue(batch, outboxCF, []byte(id), &proto.Notification{
			ID:        id,
			Kind:      proto.EventConflictDetected,
			AssetID:   c.AssetID,
			Timestamp: c.DetectedAt,
			Conflict:  c,
		}); err != nil {
			return false, wm, err
		}
	}
	for _, c := range rec.Resolved {
		if err := putValue(batch, conflictCF, []byte(c.ID), c); err != nil {
			return false, wm, err
		}
	}
	if err := s.kvStore.Write(ctx, batch, nil); err != nil {
		span.Errorf("apply entry %d/%d failed: %s", e.Source, e.Seq, errors.Detail(err))
		return false, wm, errors.Info(err, "write apply batch failed")
	}

	s.lock.Lock()
	s.watermarks[e.Source] = e.Seq
	s.notify()
	s.lock.Unlock()
	return true, e.Seq, nil
}

// putAsset writes next and moves the identity and reverse edge indexes from
// cur to next.
func (s *Store) putAsset(ctx context.Context, batch kvstore.WriteBatch, cur, next *proto.Asset, index bool) error {
	if err := putValue(batch, assetCF, []byte(next.ID), next); err != nil {
		return err
	}
	if !index {
		return nil
	}
	batch.Put(indexCF, nameKey(next.Name, next.Version), []byte(next.ID))

	if cur != nil {
		keep := make(map[string]struct{}, len(next.Dependencies))
		for _, ref := range next.Dependencies {
			keep[ref.Name] = struct{}{}
		}
		for _, ref := range cur.Dependencies {
			if _, ok := keep[ref.Name]; !ok {
				batch.Delete(indexCF, dependentKey(ref.Name, cur.ID))
			}
		}
	}
	for i := range next.Dependencies {
		if err := putValue(batch, indexCF, dependentKey(next.Dependencies[i].Name, next.ID), &next.Dependencies[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removeEdges(batch kvstore.WriteBatch, asset *proto.Asset) {
	for _, ref := range asset.Dependencies {
		batch.Delete(indexCF, dependentKey(ref.Name, asset.ID))
	}
}

// putVersionRecord writes the immutable record once per identity.
func (s *Store) putVersionRecord(ctx context.Context, batch kvstore.WriteBatch, asset *proto.Asset, actor string) error {
	key := versionKey(asset.Name, asset.Version)
	ok, err := s.exist(ctx, versionCF, key)
	if err != nil || ok {
		return err
	}
	return putValue(batch, versionCF, key, asset.VersionRecord(actor))
}

func putValue(batch kvstore.WriteBatch, col kvstore.CF, key []byte, v interface{}) error {
	raw, err := codec.Marshal(v)
	if err != nil {
		return errors.Info(err, "encode value failed")
	}
	batch.Put(col, key, raw)
	return nil
}
