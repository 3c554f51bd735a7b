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

// Package registry registers artifact versions and drives their lifecycle.
// Every mutation is checked against the committed state inside the store's
// commit, replicated by the coordinator and announced through the outbox.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/graph"
	"github.com/cubefs/assetdb/metrics"
	"github.com/cubefs/assetdb/policy"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/store"
	"github.com/cubefs/assetdb/util/keylock"
)

type (
	// Writer commits and replicates mutations.
	Writer interface {
		graph.Writer
		// IsStale reports whether local reads may miss majority writes.
		IsStale() bool
	}
	// Verifier recomputes artifact digests.
	Verifier interface {
		Verify(ctx context.Context, ptr proto.StoragePointer, expected proto.Checksum) error
	}
	// Publisher is woken after commits and drains the outbox on recovery.
	Publisher interface {
		Notify()
		Flush(ctx context.Context) (int, error)
	}
)

type Config struct {
	// DefaultConsistency applies to writes that do not choose a level.
	DefaultConsistency proto.ConsistencyLevel `json:"default_consistency"`
}

type Options struct {
	Store     *store.Store
	Writer    Writer
	Graph     *graph.Engine
	Verifier  Verifier
	Policy    *policy.Guard
	Publisher Publisher
}

type Service struct {
	cfg       Config
	store     *store.Store
	writer    Writer
	graph     *graph.Engine
	verifier  Verifier
	policy    *policy.Guard
	publisher Publisher
	locks     *keylock.Locks
}

func New(cfg Config, opts Options) *Service {
	cfg.DefaultConsistency = cfg.DefaultConsistency.Normalize()
	if opts.Policy == nil {
		opts.Policy = policy.NewGuard(policy.Config{}, policy.AllowAll)
	}
	return &Service{
		cfg:       cfg,
		store:     opts.Store,
		writer:    opts.Writer,
		graph:     opts.Graph,
		verifier:  opts.Verifier,
		policy:    opts.Policy,
		publisher: opts.Publisher,
		locks:     keylock.New(),
	}
}

type writeOptions struct {
	level proto.ConsistencyLevel
}

type WriteOption func(*writeOptions)

// WithConsistency selects the replication level of one write.
func WithConsistency(level proto.ConsistencyLevel) WriteOption {
	return func(o *writeOptions) {
		o.level = level
	}
}

func (s *Service) level(opts []WriteOption) proto.ConsistencyLevel {
	o := writeOptions{level: s.cfg.DefaultConsistency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.level == proto.ConsistencyDefault {
		return s.cfg.DefaultConsistency
	}
	return o.level
}

// LookupResult is a local read with its freshness.
type LookupResult struct {
	Asset *proto.Asset `json:"asset"`
	// Stale is set while this node can not reach a majority, writes
	// accepted elsewhere may be missing.
	Stale bool `json:"stale"`
}

func (s *Service) Get(ctx context.Context, id proto.AssetID) (*proto.Asset, error) {
	return s.store.GetAsset(ctx, id)
}

func (s *Service) Lookup(ctx context.Context, id proto.AssetID) (*LookupResult, error) {
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LookupResult{Asset: asset, Stale: s.writer.IsStale()}, nil
}

func (s *Service) GetByNameVersion(ctx context.Context, name, version string) (*proto.Asset, error) {
	return s.store.GetByNameVersion(ctx, name, version)
}

func (s *Service) GetVersionRecord(ctx context.Context, name, version string) (*proto.VersionRecord, error) {
	return s.store.GetVersionRecord(ctx, name, version)
}

// ListVersions returns every registered version of name in ascending
// semantic version order.
func (s *Service) ListVersions(ctx context.Context, name string) ([]*proto.Asset, error) {
	entries, err := s.store.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	ret := make([]*proto.Asset, 0, len(entries))
	for _, entry := range entries {
		asset, err := s.store.GetAsset(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		ret = append(ret, asset)
	}
	sort.SliceStable(ret, func(i, j int) bool {
		vi, erri := semver.StrictNewVersion(ret[i].Version)
		vj, errj := semver.StrictNewVersion(ret[j].Version)
		if erri != nil || errj != nil {
			return ret[i].Version < ret[j].Version
		}
		return vi.LessThan(vj)
	})
	return ret, nil
}

func (s *Service) ListConflicts(ctx context.Context, assetID proto.AssetID, unresolvedOnly bool) ([]*proto.Conflict, error) {
	return s.store.ListConflicts(ctx, assetID, unresolvedOnly)
}

// Graph exposes dependency queries.
func (s *Service) Graph() *graph.Engine {
	return s.graph
}

// Recover publishes notifications committed before a crash but never
// delivered.
func (s *Service) Recover(ctx context.Context) (int, error) {
	span := trace.SpanFromContextSafe(ctx)
	if s.publisher == nil {
		return 0, nil
	}
	n, err := s.publisher.Flush(ctx)
	if err != nil {
		span.Warnf("recover outbox failed after %d notifications: %s", n, err)
		return n, err
	}
	if n > 0 {
		span.Infof("recovered %d unpublished notifications", n)
	}
	return n, nil
}

func (s *Service) published() {
	if s.publisher != nil {
		s.publisher.Notify()
	}
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = apierrors.CategoryOf(err).String()
	}
	metrics.OperationTotal.WithLabelValues(op, result).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
