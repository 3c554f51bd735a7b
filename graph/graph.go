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

// Package graph answers dependency questions over edges persisted in the
// store. Edges name their target and carry a version constraint; they are
// resolved against registered versions at query time, one point lookup at a
// time, so no in-memory copy of the graph is ever built.
package graph

import (
	"context"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/store"
)

type Config struct {
	MaxVisited int `json:"max_visited"`
}

// Reader is the read side of the store the engine walks.
type Reader interface {
	GetAsset(ctx context.Context, id proto.AssetID) (*proto.Asset, error)
	ListVersions(ctx context.Context, name string) ([]store.IndexEntry, error)
	ListDependents(ctx context.Context, name string) ([]store.ReverseEdge, error)
}

// Writer commits mutations with the requested consistency. A non nil Ack
// with an error means the change was committed locally but not replicated
// as requested.
type Writer interface {
	Write(ctx context.Context, m *store.Mutation, level proto.ConsistencyLevel) (*proto.Ack, error)
}

type Engine struct {
	maxVisited int
	reader     Reader
	writer     Writer
}

func NewEngine(cfg *Config, reader Reader, writer Writer) *Engine {
	if cfg.MaxVisited <= 0 {
		cfg.MaxVisited = proto.DefaultMaxVisited
	}
	return &Engine{
		maxVisited: cfg.MaxVisited,
		reader:     reader,
		writer:     writer,
	}
}

type Edge struct {
	From proto.AssetID        `json:"from"`
	To   proto.AssetID        `json:"to"`
	Ref  proto.AssetReference `json:"ref"`
}

type UnresolvedRef struct {
	From proto.AssetID        `json:"from"`
	Ref  proto.AssetReference `json:"ref"`
}

// SubGraph is the induced sub-DAG reached from Root.
type SubGraph struct {
	Root       proto.AssetID   `json:"root"`
	Nodes      []*proto.Asset  `json:"nodes"`
	Edges      []Edge          `json:"edges"`
	Unresolved []UnresolvedRef `json:"unresolved,omitempty"`
}

// ParseConstraint parses a reference constraint; empty admits any version.
func ParseConstraint(c string) (*semver.Constraints, error) {
	if c == "" {
		return nil, nil
	}
	cs, err := semver.NewConstraint(c)
	if err != nil {
		return nil, apierrors.ErrValidation.Withf("constraint %q: %s", c, err)
	}
	return cs, nil
}

// Admits reports whether version satisfies the reference constraint.
func Admits(ref proto.AssetReference, version string) bool {
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return false
	}
	cs, err := ParseConstraint(ref.Constraint)
	if err != nil {
		return false
	}
	return cs == nil || cs.Check(v)
}

// Candidates returns every non retired registered version admitted by ref,
// highest first.
func (e *Engine) Candidates(ctx context.Context, ref proto.AssetReference) ([]*proto.Asset, error) {
	cs, err := ParseConstraint(ref.Constraint)
	if err != nil {
		return nil, err
	}
	entries, err := e.reader.ListVersions(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		version *semver.Version
		id      proto.AssetID
	}
	matched := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		v, err := semver.StrictNewVersion(entry.Version)
		if err != nil {
			continue
		}
		if cs != nil && !cs.Check(v) {
			continue
		}
		matched = append(matched, candidate{version: v, id: entry.ID})
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].version.GreaterThan(matched[j].version)
	})

	ret := make([]*proto.Asset, 0, len(matched))
	for _, c := range matched {
		asset, err := e.reader.GetAsset(ctx, c.id)
		if err != nil {
			if apierrors.Is(err, apierrors.ErrAssetNotFound) {
				continue
			}
			return nil, err
		}
		if asset.Status == proto.StatusRetired {
			continue
		}
		ret = append(ret, asset)
	}
	return ret, nil
}

// Resolve picks the highest non retired version admitted by ref, nil when
// nothing matches.
func (e *Engine) Resolve(ctx context.Context, ref proto.AssetReference) (*proto.Asset, error) {
	candidates, err := e.Candidates(ctx, ref)
	if err != nil || len(candidates) == 0 {
		return nil, err
	}
	return candidates[0], nil
}

// ValidateReferences checks syntax, uniqueness per target and that every
// target resolves today.
func (e *Engine) ValidateReferences(ctx context.Context, refs []proto.AssetReference) error {
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if ref.Name == "" {
			return apierrors.ErrInvalidDependency.Withf("empty target name")
		}
		if _, ok := seen[ref.Name]; ok {
			return apierrors.ErrInvalidDependency.Withf("duplicate reference to %s", ref.Name)
		}
		seen[ref.Name] = struct{}{}
		if _, err := ParseConstraint(ref.Constraint); err != nil {
			return apierrors.ErrInvalidDependency.WithCause(err)
		}
		target, err := e.Resolve(ctx, ref)
		if err != nil {
			return err
		}
		if target == nil {
			return apierrors.ErrInvalidDependency.Withf("no registered version of %s satisfies %q", ref.Name, ref.Constraint)
		}
	}
	return nil
}

// AddEdge adds ref to the dependencies of asset from. Validation and the
// cycle check run inside the commit so no concurrent edge can slip between.
func (e *Engine) AddEdge(ctx context.Context, from proto.AssetID, ref proto.AssetReference, actor string, level proto.ConsistencyLevel) (*proto.Asset, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := e.ValidateReferences(ctx, []proto.AssetReference{ref}); err != nil {
		return nil, err
	}

	ack, err := e.writer.Write(ctx, &store.Mutation{
		Op:      proto.OpAddDependency,
		AssetID: from,
		Actor:   actor,
		Apply: func(ctx context.Context, cur *proto.Asset) (*proto.Asset, error) {
			if cur == nil {
				return nil, apierrors.ErrAssetNotFound.Withf("id %s", from)
			}
			if cur.Status == proto.StatusRetired {
				return nil, apierrors.ErrInvalidTransition.Withf("asset %s is retired", from)
			}
			for _, dep := range cur.Dependencies {
				if dep.Name == ref.Name {
					return nil, apierrors.ErrInvalidDependency.Withf("%s already depends on %s", from, ref.Name)
				}
			}
			if err := e.DetectCycle(ctx, cur, ref); err != nil {
				return nil, err
			}
			cur.Dependencies = append(cur.Dependencies, ref)
			return cur, nil
		},
	}, level)
	if err != nil {
		span.Warnf("add edge %s -> %s%s failed: %s", from, ref.Name, ref.Constraint, err)
		if ack != nil {
			return ack.Event.After, err
		}
		return nil, err
	}
	return ack.Event.After, nil
}

// ListDependencies returns what id depends on, resolving each reference to
// its highest admitted version.
func (e *Engine) ListDependencies(ctx context.Context, id proto.AssetID, transitive bool) (*SubGraph, error) {
	root, err := e.reader.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	sg := &SubGraph{Root: id}
	visited := map[proto.AssetID]struct{}{id: {}}
	queue := []*proto.Asset{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, ref := range node.Dependencies {
			target, err := e.Resolve(ctx, ref)
			if err != nil {
				return nil, err
			}
			if target == nil {
				sg.Unresolved = append(sg.Unresolved, UnresolvedRef{From: node.ID, Ref: ref})
				continue
			}
			sg.Edges = append(sg.Edges, Edge{From: node.ID, To: target.ID, Ref: ref})
			if _, ok := visited[target.ID]; ok {
				continue
			}
			if len(visited) >= e.maxVisited {
				return nil, apierrors.ErrGraphTooLarge.Withf("more than %d nodes below %s", e.maxVisited, id)
			}
			visited[target.ID] = struct{}{}
			sg.Nodes = append(sg.Nodes, target)
			if transitive {
				queue = append(queue, target)
			}
		}
	}
	return sg, nil
}

// ListDependents returns assets whose references admit id's version.
func (e *Engine) ListDependents(ctx context.Context, id proto.AssetID, transitive bool) (*SubGraph, error) {
	root, err := e.reader.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	sg := &SubGraph{Root: id}
	visited := map[proto.AssetID]struct{}{id: {}}
	queue := []*proto.Asset{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		edges, err := e.reader.ListDependents(ctx, node.Name)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if !Admits(edge.Ref, node.Version) {
				continue
			}
			sg.Edges = append(sg.Edges, Edge{From: edge.From, To: node.ID, Ref: edge.Ref})
			if _, ok := visited[edge.From]; ok {
				continue
			}
			if len(visited) >= e.maxVisited {
				return nil, apierrors.ErrGraphTooLarge.Withf("more than %d nodes above %s", e.maxVisited, id)
			}
			dependent, err := e.reader.GetAsset(ctx, edge.From)
			if err != nil {
				return nil, err
			}
			visited[edge.From] = struct{}{}
			sg.Nodes = append(sg.Nodes, dependent)
			if transitive {
				queue = append(queue, dependent)
			}
		}
	}
	return sg, nil
}
