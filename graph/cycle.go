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

package graph

import (
	"context"
	"strings"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
)

// DetectCycle reports whether giving from the references refs would close a
// loop. from need not be committed yet. A reference fans out to every
// version it admits, and any reached reference that admits from itself
// counts as reaching from, so a new version picked up later by an existing
// constraint can not complete a cycle either.
func (e *Engine) DetectCycle(ctx context.Context, from *proto.Asset, refs ...proto.AssetReference) error {
	_, err := e.FindCycle(ctx, from, refs...)
	return err
}

// FindCycle is DetectCycle returning the assets on the loop as well, from
// first, along with ErrCyclicDependency.
func (e *Engine) FindCycle(ctx context.Context, from *proto.Asset, refs ...proto.AssetReference) ([]*proto.Asset, error) {
	type step struct {
		asset  *proto.Asset
		parent int
	}
	var (
		steps   []step
		loop    []*proto.Asset
		visited = map[proto.AssetID]struct{}{}
	)
	path := func(last int, closing proto.AssetReference) error {
		loop = append(loop, from)
		for i := last; i >= 0; i = steps[i].parent {
			loop = append(loop, steps[i].asset)
		}
		for i, j := 1, len(loop)-1; i < j; i, j = i+1, j-1 {
			loop[i], loop[j] = loop[j], loop[i]
		}
		names := make([]string, 0, len(loop)+1)
		for _, a := range loop {
			names = append(names, label(a))
		}
		names = append(names, closing.Name+closing.Constraint)
		return apierrors.ErrCyclicDependency.Withf("%s", strings.Join(names, " -> "))
	}
	reaches := func(ref proto.AssetReference) bool {
		return ref.Name == from.Name && from.Status != proto.StatusRetired && Admits(ref, from.Version)
	}
	expand := func(parent int, ref proto.AssetReference) error {
		candidates, err := e.Candidates(ctx, ref)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if c.ID == from.ID {
				return path(parent, ref)
			}
			if _, ok := visited[c.ID]; ok {
				continue
			}
			if len(visited) >= e.maxVisited {
				return apierrors.ErrGraphTooLarge.Withf("cycle check from %s visited %d nodes", label(from), len(visited))
			}
			visited[c.ID] = struct{}{}
			steps = append(steps, step{asset: c, parent: parent})
		}
		return nil
	}

	for _, ref := range refs {
		if reaches(ref) {
			return loop, path(-1, ref)
		}
		if err := expand(-1, ref); err != nil {
			return loop, err
		}
	}
	for i := 0; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, ref := range steps[i].asset.Dependencies {
			if reaches(ref) {
				return loop, path(i, ref)
			}
			if err := expand(i, ref); err != nil {
				return loop, err
			}
		}
	}
	return nil, nil
}

func label(a *proto.Asset) string {
	return a.Name + "@" + a.Version
}
