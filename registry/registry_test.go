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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cubefs/assetdb/common/kvstore"
	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/events"
	"github.com/cubefs/assetdb/graph"
	"github.com/cubefs/assetdb/policy"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/replication"
	"github.com/cubefs/assetdb/replication/transport"
	"github.com/cubefs/assetdb/storage"
	"github.com/cubefs/assetdb/store"
)

type testNode struct {
	*Service
	st     *store.Store
	coord  *replication.Coordinator
	blobs  *storage.MemoryBackend
	broker *events.Broker
}

// prefixPolicy denies names starting with deny- and gates names starting
// with gated-.
var prefixPolicy = policy.ValidatorFunc(func(ctx context.Context, req *policy.Request) (*policy.Decision, error) {
	switch {
	case strings.HasPrefix(req.Asset.Name, "deny-"):
		return &policy.Decision{Verdict: policy.Deny, Reasons: []string{"denied by prefix"}}, nil
	case strings.HasPrefix(req.Asset.Name, "gated-"):
		return &policy.Decision{Verdict: policy.RequireApproval}, nil
	default:
		return &policy.Decision{Verdict: policy.Allow}, nil
	}
})

func newTestNode(t require.TestingT, id proto.NodeID, peers []proto.Node, tr replication.Transport) (*testNode, func()) {
	ctx := context.Background()
	st, err := store.Open(ctx, &store.Config{Path: "mem", KVType: kvstore.MemoryKVType, NodeID: id})
	require.NoError(t, err)
	coord, err := replication.NewCoordinator(ctx, replication.Config{
		Peers:              peers,
		ReplicateTimeoutMs: 2000,
		ProbeTimeoutMs:     200,
	}, st, tr, graph.NewEngine(&graph.Config{}, st, nil))
	require.NoError(t, err)

	blobs := storage.NewMemoryBackend()
	broker := events.NewBroker()
	relay := events.NewRelay(events.Config{}, st, broker)
	svc := New(Config{}, Options{
		Store:  st,
		Writer: coord,
		Graph:  graph.NewEngine(&graph.Config{}, st, coord),
		Verifier: storage.NewVerifier(storage.Config{RetryInitialMs: 1, RetryMaxMs: 2},
			map[proto.StorageKind]storage.Backend{proto.StorageKindMemory: blobs}),
		Policy:    policy.NewGuard(policy.Config{DisableCache: true}, prefixPolicy),
		Publisher: relay,
	})
	return &testNode{Service: svc, st: st, coord: coord, blobs: blobs, broker: broker}, func() {
		relay.Close()
		coord.Close()
		st.Close()
	}
}

func newSingleNode(t require.TestingT) (*testNode, func()) {
	return newTestNode(t, 1, nil, nil)
}

// request uploads an artifact for name@version and returns a registration
// carrying its real digest.
func (n *testNode) request(t require.TestingT, name, version string, deps ...proto.AssetReference) *RegisterRequest {
	uri := name + "/" + version
	data := []byte("artifact " + uri)
	n.blobs.Put(uri, data)
	digest, err := storage.DigestBytes(data, proto.ChecksumSHA256)
	require.NoError(t, err)
	return &RegisterRequest{
		Actor:        "alice",
		Name:         name,
		Version:      version,
		Type:         proto.AssetTypeModel,
		Checksum:     proto.Checksum{Algorithm: proto.ChecksumSHA256, Digest: digest},
		Provenance:   proto.Provenance{Author: "alice", SourceRef: "git:abc123", BuildID: "b-1"},
		Storage:      proto.StoragePointer{Backend: proto.StorageKindMemory, URI: uri, Size: int64(len(data))},
		Tags:         []string{"nlp", "base"},
		Dependencies: deps,
	}
}

func ref(name, constraint string) proto.AssetReference {
	return proto.AssetReference{Name: name, Constraint: constraint, Required: true}
}

func TestService_RegisterGet(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()
	sub := n.broker.Subscribe(16, proto.EventAssetRegistered)
	defer sub.Close()

	tok, err := n.Register(ctx, n.request(t, "tokenizer", "1.2.0"))
	require.NoError(t, err)
	req := n.request(t, "bert", "1.0.0", ref("tokenizer", "^1.0.0"))
	req.Annotations = map[string]string{"team": "search"}
	asset, err := n.Register(ctx, req)
	require.NoError(t, err)
	require.Equal(t, proto.StatusActive, asset.Status)
	require.Equal(t, uint64(1), asset.Revision)
	require.Equal(t, []string{"base", "nlp"}, asset.Tags)

	got, err := n.Get(ctx, asset.ID)
	require.NoError(t, err)
	require.Equal(t, req.Checksum, got.Checksum)
	require.Equal(t, req.Version, got.Version)
	require.Equal(t, req.Dependencies, got.Dependencies)
	require.Equal(t, "search", got.Annotations["team"])

	byName, err := n.GetByNameVersion(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, asset.ID, byName.ID)

	rec, err := n.GetVersionRecord(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, asset.ID, rec.AssetID)
	require.Equal(t, "alice", rec.CreatedBy)

	lookup, err := n.Lookup(ctx, tok.ID)
	require.NoError(t, err)
	require.False(t, lookup.Stale)
	require.Equal(t, "tokenizer", lookup.Asset.Name)

	published, err := n.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, published)
	for _, id := range []proto.AssetID{tok.ID, asset.ID} {
		ev := <-sub.C()
		require.Equal(t, id, ev.AssetID)
		require.Equal(t, proto.EventAssetRegistered, ev.Kind)
		require.Equal(t, "alice", ev.Actor)
	}
	published, err = n.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, published)
}

func TestService_ListVersions(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	for _, v := range []string{"1.10.0", "1.2.0", "0.9.1", "2.0.0"} {
		_, err := n.Register(ctx, n.request(t, "bert", v))
		require.NoError(t, err)
	}
	versions, err := n.ListVersions(ctx, "bert")
	require.NoError(t, err)
	var got []string
	for _, a := range versions {
		got = append(got, a.Version)
	}
	require.Equal(t, []string{"0.9.1", "1.2.0", "1.10.0", "2.0.0"}, got)

	versions, err = n.ListVersions(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, versions)
}

func TestService_RegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	req := n.request(t, "bert", "1.0.0")
	first, err := n.Register(ctx, req)
	require.NoError(t, err)
	head := n.st.Head()

	// a retry of the same artifact learns it is already registered
	again, err := n.Register(ctx, n.request(t, "bert", "1.0.0"))
	require.True(t, apierrors.Is(err, apierrors.ErrDuplicateAsset))
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, head, n.st.Head())

	upper := *req
	upper.Checksum.Digest = strings.ToUpper(req.Checksum.Digest)
	again, err = n.Register(ctx, &upper)
	require.True(t, apierrors.Is(err, apierrors.ErrDuplicateAsset))
	require.Equal(t, first.ID, again.ID)

	other := n.request(t, "bert", "1.0.0")
	other.Storage.URI = "bert/other"
	n.blobs.Put("bert/other", []byte("different bytes"))
	other.Checksum.Digest, err = storage.DigestBytes([]byte("different bytes"), proto.ChecksumSHA256)
	require.NoError(t, err)
	again, err = n.Register(ctx, other)
	require.True(t, apierrors.Is(err, apierrors.ErrDuplicateAsset))
	require.Equal(t, apierrors.CategoryConflict, apierrors.CategoryOf(err))
	require.Nil(t, again)
	require.Equal(t, head, n.st.Head())
}

func TestService_RegisterChecksum(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	req := n.request(t, "bert", "1.0.0")
	req.Checksum.Digest = strings.Repeat("0", 64)
	_, err := n.Register(ctx, req)
	require.True(t, apierrors.Is(err, apierrors.ErrChecksumMismatch))
	require.Equal(t, apierrors.CategoryIntegrity, apierrors.CategoryOf(err))

	n.blobs.FailNext(100)
	_, err = n.Register(ctx, n.request(t, "bert", "1.0.0"))
	require.True(t, apierrors.Is(err, apierrors.ErrStorageUnavailable))
	require.True(t, apierrors.IsRetryable(err))
	require.False(t, apierrors.IsLogged(err))

	n.blobs.FailNext(0)
	_, err = n.GetByNameVersion(ctx, "bert", "1.0.0")
	require.True(t, apierrors.Is(err, apierrors.ErrAssetNotFound))
	require.Equal(t, uint64(0), n.st.Head())

	// transient failures are retried
	n.blobs.FailNext(1)
	_, err = n.Register(ctx, n.request(t, "bert", "1.0.0"))
	require.NoError(t, err)
}

func TestService_RegisterDigestCase(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	// digests are kept as declared and compared without case
	upper := n.request(t, "vocab", "1.0.0")
	upper.Checksum.Digest = strings.ToUpper(upper.Checksum.Digest)
	a, err := n.Register(ctx, upper)
	require.NoError(t, err)
	require.Equal(t, upper.Checksum, a.Checksum)
	got, err := n.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, upper.Checksum, got.Checksum)
	rec, err := n.GetVersionRecord(ctx, "vocab", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, upper.Checksum, rec.Checksum)

	again, err := n.Register(ctx, n.request(t, "vocab", "1.0.0"))
	require.True(t, apierrors.Is(err, apierrors.ErrDuplicateAsset))
	require.Equal(t, a.ID, again.ID)
}

func TestService_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	for _, c := range []struct {
		name   string
		mutate func(r *RegisterRequest)
	}{
		{"no actor", func(r *RegisterRequest) { r.Actor = "" }},
		{"empty name", func(r *RegisterRequest) { r.Name = "" }},
		{"slash in name", func(r *RegisterRequest) { r.Name = "org/bert" }},
		{"loose version", func(r *RegisterRequest) { r.Version = "v1.0" }},
		{"word version", func(r *RegisterRequest) { r.Version = "latest" }},
		{"unknown type", func(r *RegisterRequest) { r.Type = proto.AssetTypeUnknown }},
		{"md5", func(r *RegisterRequest) { r.Checksum.Algorithm = "md5" }},
		{"no digest", func(r *RegisterRequest) { r.Checksum.Digest = "" }},
		{"no uri", func(r *RegisterRequest) { r.Storage.URI = "" }},
		{"bad level", func(r *RegisterRequest) { r.Level = proto.ConsistencyEventual + 1 }},
	} {
		req := n.request(t, "bert", "1.0.0")
		c.mutate(req)
		_, err := n.Register(ctx, req)
		require.True(t, apierrors.Is(err, apierrors.ErrValidation), c.name)
	}
	require.Equal(t, uint64(0), n.st.Head())
}

func TestService_RegisterDependencies(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	_, err := n.Register(ctx, n.request(t, "app", "1.0.0", ref("lib", "^1.0.0")))
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidDependency))

	_, err = n.Register(ctx, n.request(t, "lib", "1.0.0"))
	require.NoError(t, err)
	_, err = n.Register(ctx, n.request(t, "app", "1.0.0", ref("lib", "^2.0.0")))
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidDependency))
	_, err = n.Register(ctx, n.request(t, "app", "1.0.0", ref("lib", "^1.0.0"), ref("lib", "")))
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidDependency))

	_, err = n.Register(ctx, n.request(t, "app", "1.0.0", ref("lib", "^1.0.0")))
	require.NoError(t, err)

	// lib@1.1.0 is admitted by app's constraint, so depending on app closes a loop
	_, err = n.Register(ctx, n.request(t, "lib", "1.1.0", ref("app", "")))
	require.True(t, apierrors.Is(err, apierrors.ErrCyclicDependency))
	require.Contains(t, err.Error(), "lib@1.1.0")
	_, err = n.Register(ctx, n.request(t, "lib", "2.0.0", ref("app", "")))
	require.NoError(t, err)
}

func TestService_Policy(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	_, err := n.Register(ctx, n.request(t, "deny-model", "1.0.0"))
	require.True(t, apierrors.Is(err, apierrors.ErrPolicyRejected))
	require.Contains(t, err.Error(), "denied by prefix")

	gated, err := n.Register(ctx, n.request(t, "gated-model", "1.0.0"))
	require.NoError(t, err)
	require.Equal(t, proto.StatusPending, gated.Status)

	_, err = n.Deprecate(ctx, gated.ID, "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidTransition))
	_, err = n.Retire(ctx, gated.ID, "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidTransition))

	approved, err := n.Approve(ctx, gated.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, proto.StatusActive, approved.Status)
	again, err := n.Approve(ctx, gated.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, approved.Revision, again.Revision)
	_, err = n.Reject(ctx, gated.ID, "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidTransition))

	other, err := n.Register(ctx, n.request(t, "gated-model", "1.1.0"))
	require.NoError(t, err)
	rejected, err := n.Reject(ctx, other.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, proto.StatusRetired, rejected.Status)
}

func TestService_PolicyTimeout(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()
	n.policy = policy.NewGuard(policy.Config{TimeoutMs: 10}, policy.ValidatorFunc(
		func(ctx context.Context, req *policy.Request) (*policy.Decision, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	_, err := n.Register(ctx, n.request(t, "bert", "1.0.0"))
	require.True(t, apierrors.Is(err, apierrors.ErrPolicyTimeout))
	require.Equal(t, uint64(0), n.st.Head())
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	_, err := n.Deprecate(ctx, "missing", "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrAssetNotFound))
	_, err = n.Deprecate(ctx, "missing", "")
	require.True(t, apierrors.Is(err, apierrors.ErrValidation))

	asset, err := n.Register(ctx, n.request(t, "bert", "1.0.0"))
	require.NoError(t, err)
	deprecated, err := n.Deprecate(ctx, asset.ID, "bob", WithConsistency(proto.ConsistencyStrong))
	require.NoError(t, err)
	require.Equal(t, proto.StatusDeprecated, deprecated.Status)
	require.NotNil(t, deprecated.DeprecatedAt)
	require.Equal(t, uint64(2), deprecated.Revision)

	head := n.st.Head()
	again, err := n.Deprecate(ctx, asset.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, deprecated.Revision, again.Revision)
	require.Equal(t, head, n.st.Head())

	retired, err := n.Retire(ctx, asset.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, proto.StatusRetired, retired.Status)
	require.Equal(t, deprecated.DeprecatedAt.Unix(), retired.DeprecatedAt.Unix())

	_, err = n.Deprecate(ctx, asset.ID, "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidTransition))
	_, err = n.Approve(ctx, asset.ID, "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidTransition))

	// the version record is untouched by lifecycle changes
	rec, err := n.GetVersionRecord(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, asset.ID, rec.AssetID)
	require.Equal(t, "alice", rec.CreatedBy)
}

func TestService_UpdateMetadata(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()

	asset, err := n.Register(ctx, n.request(t, "bert", "1.0.0"))
	require.NoError(t, err)
	desc := "base model"
	endpoints := []string{"http://serve:8080"}
	updated, err := n.UpdateMetadata(ctx, &UpdateRequest{
		ID:               asset.ID,
		Actor:            "bob",
		ExpectedRevision: asset.Revision,
		AddTags:          []string{"prod", "nlp"},
		RemoveTags:       []string{"base"},
		SetAnnotations:   map[string]string{"owner": "search"},
		Description:      &desc,
		Endpoints:        &endpoints,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"nlp", "prod"}, updated.Tags)
	require.Equal(t, map[string]string{"owner": "search"}, updated.Annotations)
	require.Equal(t, desc, updated.Description)
	require.Equal(t, endpoints, updated.Endpoints)
	require.Equal(t, asset.Revision+1, updated.Revision)

	_, err = n.UpdateMetadata(ctx, &UpdateRequest{
		ID:               asset.ID,
		Actor:            "carol",
		ExpectedRevision: asset.Revision,
		AddTags:          []string{"stale"},
	})
	require.True(t, apierrors.Is(err, apierrors.ErrOptimisticConflict))

	same, err := n.UpdateMetadata(ctx, &UpdateRequest{
		ID:             asset.ID,
		Actor:          "bob",
		AddTags:        []string{"prod"},
		SetAnnotations: map[string]string{"owner": "search"},
	})
	require.NoError(t, err)
	require.Equal(t, updated.Revision, same.Revision)

	cleared, err := n.UpdateMetadata(ctx, &UpdateRequest{
		ID:                asset.ID,
		Actor:             "bob",
		RemoveAnnotations: []string{"owner"},
		Endpoints:         &[]string{},
	})
	require.NoError(t, err)
	require.Nil(t, cleared.Annotations)
	require.Nil(t, cleared.Endpoints)

	_, err = n.UpdateMetadata(ctx, &UpdateRequest{ID: asset.ID, Actor: "bob", SetAnnotations: map[string]string{"": "x"}})
	require.True(t, apierrors.Is(err, apierrors.ErrValidation))

	_, err = n.Retire(ctx, asset.ID, "bob")
	require.NoError(t, err)
	_, err = n.UpdateMetadata(ctx, &UpdateRequest{ID: asset.ID, Actor: "bob", AddTags: []string{"late"}})
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidTransition))

	rec, err := n.GetVersionRecord(ctx, "bert", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, asset.Checksum, rec.Checksum)
}

func TestService_AddDependency(t *testing.T) {
	ctx := context.Background()
	n, clean := newSingleNode(t)
	defer clean()
	sub := n.broker.Subscribe(16, proto.EventDependencyAdded)
	defer sub.Close()

	lib, err := n.Register(ctx, n.request(t, "lib", "1.0.0"))
	require.NoError(t, err)
	app, err := n.Register(ctx, n.request(t, "app", "1.0.0"))
	require.NoError(t, err)

	app, err = n.AddDependency(ctx, app.ID, ref("lib", "~1.0.0"), "bob")
	require.NoError(t, err)
	require.Equal(t, []proto.AssetReference{ref("lib", "~1.0.0")}, app.Dependencies)

	_, err = n.AddDependency(ctx, lib.ID, ref("app", ""), "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrCyclicDependency))
	_, err = n.AddDependency(ctx, app.ID, ref("lib", ""), "bob")
	require.True(t, apierrors.Is(err, apierrors.ErrInvalidDependency))

	deps, err := n.Graph().ListDependencies(ctx, app.ID, false)
	require.NoError(t, err)
	require.Len(t, deps.Edges, 1)
	require.Equal(t, lib.ID, deps.Edges[0].To)

	_, err = n.Recover(ctx)
	require.NoError(t, err)
	ev := <-sub.C()
	require.Equal(t, app.ID, ev.AssetID)
	require.Equal(t, "bob", ev.Actor)
}

func TestService_ResolveEdgeConflict(t *testing.T) {
	ctx := context.Background()
	local := transport.NewLocal()
	peers := []proto.Node{{ID: 1}, {ID: 2}}
	var nodes []*testNode
	for _, p := range peers {
		n, clean := newTestNode(t, p.ID, peers, local.Endpoint(p.ID))
		defer clean()
		local.Register(p.ID, n.coord)
		nodes = append(nodes, n)
	}
	syncAll := func() {
		for i := 0; i < 2; i++ {
			for _, n := range nodes {
				require.NoError(t, n.coord.SyncPeers(ctx))
			}
		}
	}

	_, err := nodes[0].Register(ctx, nodes[0].request(t, "x", "1.0.0"))
	require.NoError(t, err)
	_, err = nodes[0].Register(ctx, nodes[0].request(t, "y", "1.0.0"))
	require.NoError(t, err)
	app, err := nodes[0].Register(ctx, nodes[0].request(t, "app", "1.0.0"))
	require.NoError(t, err)
	syncAll()

	local.Isolate(2)
	for _, n := range nodes {
		require.Error(t, n.coord.SyncPeers(ctx))
	}
	lookup, err := nodes[1].Lookup(ctx, app.ID)
	require.NoError(t, err)
	require.True(t, lookup.Stale)

	_, err = nodes[0].AddDependency(ctx, app.ID, ref("x", ""), "alice")
	require.True(t, apierrors.Is(err, apierrors.ErrQuorumNotReached))
	require.False(t, apierrors.IsLogged(err))
	_, err = nodes[0].AddDependency(ctx, app.ID, ref("x", ""), "alice", WithConsistency(proto.ConsistencyEventual))
	require.NoError(t, err)
	_, err = nodes[1].AddDependency(ctx, app.ID, ref("y", ""), "bob", WithConsistency(proto.ConsistencyEventual))
	require.NoError(t, err)

	local.Heal()
	syncAll()
	sub := nodes[1].broker.Subscribe(4, proto.EventConflictDetected)
	defer sub.Close()
	_, err = nodes[1].Recover(ctx)
	require.NoError(t, err)
	detected := <-sub.C()
	require.Equal(t, proto.ConflictEdges, detected.Conflict.Kind)

	conflicts, err := nodes[0].ListConflicts(ctx, app.ID, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, detected.Conflict.ID, conflicts[0].ID)

	_, err = nodes[0].ResolveConflict(ctx, &ResolveRequest{ConflictID: "missing", Actor: "carol"})
	require.True(t, apierrors.Is(err, apierrors.ErrConflictNotFound))

	chosen := []proto.AssetReference{ref("x", ""), ref("y", "")}
	resolved, err := nodes[0].ResolveConflict(ctx, &ResolveRequest{
		ConflictID:   conflicts[0].ID,
		Actor:        "carol",
		Dependencies: chosen,
	})
	require.NoError(t, err)
	require.Equal(t, chosen, resolved.Dependencies)
	syncAll()

	for _, n := range nodes {
		got, err := n.Get(ctx, app.ID)
		require.NoError(t, err)
		require.Equal(t, chosen, got.Dependencies)
		open, err := n.ListConflicts(ctx, app.ID, true)
		require.NoError(t, err)
		require.Empty(t, open)
	}

	again, err := nodes[1].ResolveConflict(ctx, &ResolveRequest{ConflictID: conflicts[0].ID, Actor: "dave"})
	require.NoError(t, err)
	require.Equal(t, resolved.Revision, again.Revision)
}

// Registrations of random names, versions and references never leave a
// cycle among the versions each reference admits, a taken identity always
// fails with ErrDuplicateAsset and every accepted registration reads back as
// written.
func TestService_RegisterProperty(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		n, clean := newSingleNode(rt)
		defer clean()

		seen := make(map[string]*proto.Asset)
		steps := rapid.IntRange(1, 24).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			name := rapid.SampledFrom(names).Draw(rt, "name")
			version := fmt.Sprintf("1.%d.0", rapid.IntRange(0, 3).Draw(rt, "minor"))
			var deps []proto.AssetReference
			for _, target := range names {
				if target != name && rapid.Bool().Draw(rt, "dep-"+target) {
					deps = append(deps, ref(target, ""))
				}
			}

			req := n.request(rt, name, version, deps...)
			asset, err := n.Register(ctx, req)
			first, taken := seen[name+"@"+version]
			if taken {
				require.True(rt, apierrors.Is(err, apierrors.ErrDuplicateAsset))
				require.Equal(rt, first.ID, asset.ID)
				continue
			}
			if err != nil {
				require.True(rt, apierrors.Is(err, apierrors.ErrCyclicDependency) ||
					apierrors.Is(err, apierrors.ErrInvalidDependency), err.Error())
				continue
			}
			seen[name+"@"+version] = asset
			got, err := n.Get(ctx, asset.ID)
			require.NoError(rt, err)
			require.Equal(rt, req.Checksum, got.Checksum)
			require.Equal(rt, version, got.Version)
			require.True(rt, proto.SameDependencies(req.Dependencies, got.Dependencies))
		}
		requireAcyclic(rt, n, names)
	})
}

func requireAcyclic(t *rapid.T, n *testNode, names []string) {
	ctx := context.Background()
	byName := make(map[string][]*proto.Asset)
	for _, name := range names {
		versions, err := n.ListVersions(ctx, name)
		require.NoError(t, err)
		byName[name] = versions
	}
	const (
		white = iota
		grey
		black
	)
	color := make(map[proto.AssetID]int)
	var visit func(a *proto.Asset)
	visit = func(a *proto.Asset) {
		color[a.ID] = grey
		for _, dep := range a.Dependencies {
			for _, target := range byName[dep.Name] {
				if !graph.Admits(dep, target.Version) {
					continue
				}
				switch color[target.ID] {
				case grey:
					t.Fatalf("cycle through %s@%s -> %s@%s", a.Name, a.Version, target.Name, target.Version)
				case white:
					visit(target)
				}
			}
		}
		color[a.ID] = black
	}
	for _, versions := range byName {
		for _, a := range versions {
			if color[a.ID] == white {
				visit(a)
			}
		}
	}
}

func BenchmarkService_Register(b *testing.B) {
	ctx := context.Background()
	n, clean := newSingleNode(b)
	defer clean()
	reqs := make([]*RegisterRequest, b.N)
	for i := range reqs {
		reqs[i] = n.request(b, "bench", fmt.Sprintf("1.0.%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := n.Register(ctx, reqs[i]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkService_Get(b *testing.B) {
	ctx := context.Background()
	n, clean := newSingleNode(b)
	defer clean()
	asset, err := n.Register(ctx, n.request(b, "bench", "1.0.0"))
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := n.Get(ctx, asset.ID); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkService_ListDependencies(b *testing.B) {
	ctx := context.Background()
	n, clean := newSingleNode(b)
	defer clean()
	prev := ""
	var last *proto.Asset
	for i := 0; i < 32; i++ {
		name := fmt.Sprintf("layer%d", i)
		var deps []proto.AssetReference
		if prev != "" {
			deps = append(deps, ref(prev, ""))
		}
		a, err := n.Register(ctx, n.request(b, name, "1.0.0", deps...))
		require.NoError(b, err)
		prev, last = name, a
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := n.Graph().ListDependencies(ctx, last.ID, true); err != nil {
			b.Fatal(err)
		}
	}
}
