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
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/assetdb/common/kvstore"
	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util"
)

func newTestStore(t *testing.T, node proto.NodeID, typ kvstore.LsmKVType) (*Store, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := Open(context.Background(), &Config{Path: path, KVType: typ, NodeID: node})
	require.NoError(t, err)
	return s, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func testAsset(id, name, version string, deps ...proto.AssetReference) *proto.Asset {
	return &proto.Asset{
		ID:           id,
		Name:         name,
		Version:      version,
		Type:         proto.AssetTypeModel,
		Checksum:     proto.Checksum{Algorithm: proto.ChecksumSHA256, Digest: "00"},
		Status:       proto.StatusActive,
		Dependencies: deps,
		CreatedAt:    util.Now(),
	}
}

func register(a *proto.Asset) *Mutation {
	return &Mutation{
		Op:      proto.OpRegister,
		AssetID: a.ID,
		Actor:   "alice",
		Apply: func(ctx context.Context, cur *proto.Asset) (*proto.Asset, error) {
			if cur != nil {
				return nil, apierrors.ErrDuplicateAsset
			}
			return a.Clone(), nil
		},
	}
}

func TestStore_Commit(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestStore(t, 1, kvstore.MemoryKVType)
	defer clean()

	watch := s.Watch()
	a := testAsset("a1", "bert", "1.0.0", proto.AssetReference{Name: "tokenizer", Constraint: "^1.0.0", Required: true})
	e, err := s.Commit(ctx, register(a))
	require.NoError(t, err)
	require.Equal(t, proto.Seq(1), e.Seq)
	require.Equal(t, proto.NodeID(1), e.Source)
	require.Nil(t, e.Before)
	require.Equal(t, uint64(1), e.After.Revision)
	require.Equal(t, proto.VersionVector{1: 1}, e.Clock)
	require.Equal(t, proto.Seq(1), s.Head())
	select {
	case <-watch:
	default:
		t.Fatal("watch channel not closed")
	}

	got, err := s.GetAsset(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, e.After, got)

	id, err := s.LookupID(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "a1", id)

	rec, err := s.GetVersionRecord(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "alice", rec.CreatedBy)
	require.Len(t, rec.Dependencies, 1)

	dependents, err := s.ListDependents(ctx, "tokenizer")
	require.NoError(t, err)
	require.Equal(t, []ReverseEdge{{From: "a1", Ref: a.Dependencies[0]}}, dependents)

	entries, err := s.ReadLog(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, e.ID, entries[0].ID)

	pending, err := s.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, proto.EventAssetRegistered, pending[0].Kind)
	require.Equal(t, e.ID, pending[0].ID)
	require.NoError(t, s.AckNotifications(ctx, e.ID))
	pending, err = s.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 0)

	// duplicate registration is rejected inside the commit
	_, err = s.Commit(ctx, register(a))
	require.ErrorIs(t, err, apierrors.ErrDuplicateAsset)
	require.Equal(t, proto.Seq(1), s.Head())
}

func TestStore_CommitMovesEdges(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestStore(t, 1, kvstore.MemoryKVType)
	defer clean()

	a := testAsset("a1", "bert", "1.0.0", proto.AssetReference{Name: "tokenizer"})
	_, err := s.Commit(ctx, register(a))
	require.NoError(t, err)

	e, err := s.Commit(ctx, &Mutation{
		Op:      proto.OpUpdate,
		AssetID: "a1",
		Actor:   "bob",
		Apply: func(ctx context.Context, cur *proto.Asset) (*proto.Asset, error) {
			cur.Dependencies = []proto.AssetReference{{Name: "vocab", Constraint: ">=2.0.0"}}
			return cur, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.After.Revision)
	require.Equal(t, uint64(1), e.Before.Revision)
	require.Equal(t, proto.VersionVector{1: 2}, e.After.Clock)

	dependents, err := s.ListDependents(ctx, "tokenizer")
	require.NoError(t, err)
	require.Len(t, dependents, 0)
	dependents, err = s.ListDependents(ctx, "vocab")
	require.NoError(t, err)
	require.Len(t, dependents, 1)

	// version record stays as first written
	rec, err := s.GetVersionRecord(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "tokenizer", rec.Dependencies[0].Name)
}

func TestStore_CommitAborts(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestStore(t, 1, kvstore.MemoryKVType)
	defer clean()

	_, err := s.Commit(ctx, &Mutation{
		Op:      proto.OpRegister,
		AssetID: "a1",
		Apply: func(ctx context.Context, cur *proto.Asset) (*proto.Asset, error) {
			return nil, apierrors.ErrCyclicDependency
		},
	})
	require.ErrorIs(t, err, apierrors.ErrCyclicDependency)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Commit(canceled, register(testAsset("a1", "bert", "1.0.0")))
	require.True(t, errors.Is(err, context.Canceled))

	require.Equal(t, proto.Seq(0), s.Head())
	_, err = s.GetAsset(ctx, "a1")
	require.ErrorIs(t, err, apierrors.ErrAssetNotFound)
	_, err = s.LookupID(ctx, "bert", "1.0.0")
	require.ErrorIs(t, err, apierrors.ErrAssetNotFound)
}

func TestStore_ApplyRemote(t *testing.T) {
	ctx := context.Background()
	origin, clean1 := newTestStore(t, 1, kvstore.MemoryKVType)
	defer clean1()
	follower, clean2 := newTestStore(t, 2, kvstore.MemoryKVType)
	defer clean2()

	var entries []*proto.ChangeEvent
	for i := 0; i < 3; i++ {
		e, err := origin.Commit(ctx, register(testAsset(fmt.Sprintf("a%d", i), "bert", fmt.Sprintf("1.0.%d", i))))
		require.NoError(t, err)
		entries = append(entries, e)
	}
	accept := func(ctx context.Context, cur *proto.Asset, e *proto.ChangeEvent) (*Reconciled, error) {
		return &Reconciled{Asset: e.After.Clone(), OwnsIdentity: true}, nil
	}

	// gap
	applied, wm, err := follower.ApplyRemote(ctx, entries[1], accept)
	require.ErrorIs(t, err, ErrLogGap)
	require.False(t, applied)
	require.Equal(t, proto.Seq(0), wm)

	for _, e := range entries {
		applied, wm, err = follower.ApplyRemote(ctx, e, accept)
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, e.Seq, wm)
	}
	// duplicate
	applied, wm, err = follower.ApplyRemote(ctx, entries[0], accept)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, proto.Seq(3), wm)

	require.Equal(t, proto.Watermarks{1: 3, 2: 0}, follower.Watermarks())
	versions, err := follower.ListVersions(ctx, "bert")
	require.NoError(t, err)
	require.Equal(t, []IndexEntry{{"1.0.0", "a0"}, {"1.0.1", "a1"}, {"1.0.2", "a2"}}, versions)

	// forwarded entries are readable by source
	forwarded, err := follower.ReadLog(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, forwarded, 2)
	require.Equal(t, proto.Seq(2), forwarded[0].Seq)

	// remote entries do not publish, conflicts do
	pending, err := follower.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 0)

	e, err := origin.Commit(ctx, register(testAsset("a9", "gpt", "1.0.0")))
	require.NoError(t, err)
	_, _, err = follower.ApplyRemote(ctx, e, func(ctx context.Context, cur *proto.Asset, e *proto.ChangeEvent) (*Reconciled, error) {
		return &Reconciled{
			Asset:        e.After.Clone(),
			OwnsIdentity: true,
			Conflicts:    []*proto.Conflict{{ID: "c1", AssetID: e.AssetID, Kind: proto.ConflictEdges, DetectedAt: util.Now()}},
		}, nil
	})
	require.NoError(t, err)
	pending, err = follower.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, proto.EventConflictDetected, pending[0].Kind)
	conflicts, err := follower.ListConflicts(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	_, err = follower.GetConflict(ctx, "c2")
	require.ErrorIs(t, err, apierrors.ErrConflictNotFound)
}

func TestStore_ConflictOutboxOrder(t *testing.T) {
	ctx := context.Background()
	origin, clean1 := newTestStore(t, 1, kvstore.MemoryKVType)
	defer clean1()
	follower, clean2 := newTestStore(t, 2, kvstore.MemoryKVType)
	defer clean2()

	local, err := follower.Commit(ctx, register(testAsset("l1", "vocab", "1.0.0")))
	require.NoError(t, err)
	remote, err := origin.Commit(ctx, register(testAsset("r1", "gpt", "1.0.0")))
	require.NoError(t, err)

	// name based conflict ids do not follow commit order
	conflictID := "00000000-0000-5000-8000-000000000000"
	_, _, err = follower.ApplyRemote(ctx, remote, func(ctx context.Context, cur *proto.Asset, e *proto.ChangeEvent) (*Reconciled, error) {
		return &Reconciled{
			Asset:        e.After.Clone(),
			OwnsIdentity: true,
			Conflicts:    []*proto.Conflict{{ID: conflictID, AssetID: e.AssetID, Kind: proto.ConflictCycle, DetectedAt: util.Now()}},
		}, nil
	})
	require.NoError(t, err)
	last, err := follower.Commit(ctx, register(testAsset("l2", "vocab", "1.1.0")))
	require.NoError(t, err)

	pending, err := follower.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, local.ID, pending[0].ID)
	require.Equal(t, proto.EventConflictDetected, pending[1].Kind)
	require.NotEqual(t, conflictID, pending[1].ID)
	require.Equal(t, conflictID, pending[1].Conflict.ID)
	require.Equal(t, last.ID, pending[2].ID)

	require.NoError(t, follower.AckNotifications(ctx, pending[1].ID))
	_, err = follower.GetConflict(ctx, conflictID)
	require.NoError(t, err)
}

func TestStore_ApplyRemoteDemotes(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestStore(t, 2, kvstore.MemoryKVType)
	defer clean()

	local := testAsset("b-local", "bert", "1.0.0", proto.AssetReference{Name: "tokenizer"})
	_, err := s.Commit(ctx, register(local))
	require.NoError(t, err)
	localAsset, err := s.GetAsset(ctx, "b-local")
	require.NoError(t, err)

	remote := testAsset("a-remote", "bert", "1.0.0", proto.AssetReference{Name: "vocab"})
	remote.Clock = proto.VersionVector{1: 1}
	e := &proto.ChangeEvent{ID: "e1", AssetID: remote.ID, Op: proto.OpRegister, After: remote, Source: 1, Seq: 1, Clock: remote.Clock}
	_, _, err = s.ApplyRemote(ctx, e, func(ctx context.Context, cur *proto.Asset, e *proto.ChangeEvent) (*Reconciled, error) {
		return &Reconciled{Asset: e.After.Clone(), OwnsIdentity: true, Demoted: localAsset}, nil
	})
	require.NoError(t, err)

	id, err := s.LookupID(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "a-remote", id)
	dependents, err := s.ListDependents(ctx, "tokenizer")
	require.NoError(t, err)
	require.Len(t, dependents, 0)
	dependents, err = s.ListDependents(ctx, "vocab")
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	// both rows are kept
	_, err = s.GetAsset(ctx, "b-local")
	require.NoError(t, err)
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	cfg := &Config{Path: path, NodeID: 1}

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Commit(ctx, register(testAsset(fmt.Sprintf("a%d", i), "bert", fmt.Sprintf("1.%d.0", i))))
		require.NoError(t, err)
	}
	remote := testAsset("r1", "gpt", "1.0.0")
	_, _, err = s.ApplyRemote(ctx, &proto.ChangeEvent{ID: "e1", AssetID: "r1", After: remote, Source: 7, Seq: 1},
		func(ctx context.Context, cur *proto.Asset, e *proto.ChangeEvent) (*Reconciled, error) {
			return &Reconciled{Asset: e.After.Clone(), OwnsIdentity: true}, nil
		})
	require.NoError(t, err)
	require.NoError(t, s.SetPeerAck(ctx, 7, 4))
	s.Close()

	s, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, proto.Seq(5), s.Head())
	require.Equal(t, proto.Watermarks{1: 5, 7: 1}, s.Watermarks())
	acks, err := s.PeerAcks(ctx)
	require.NoError(t, err)
	require.Equal(t, map[proto.NodeID]proto.Seq{7: 4}, acks)
	pending, err := s.PendingNotifications(ctx, 100)
	require.NoError(t, err)
	require.Len(t, pending, 5)

	assets, err := s.ListAssets(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, assets, 3)
	assets, err = s.ListAssets(ctx, assets[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, assets, 3)
}
