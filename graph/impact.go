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

	"github.com/Masterminds/semver/v3"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
)

type ImpactedAsset struct {
	ID       proto.AssetID `json:"id"`
	Name     string        `json:"name"`
	Version  string        `json:"version"`
	Distance int           `json:"distance"`
	Via      proto.AssetID `json:"via"`

	// Breaking is set when the triggering change is a major bump.
	Breaking bool `json:"breaking"`

	// Admits tells whether the reference that reached this asset accepts
	// the version it came from.
	Admits bool `json:"admits"`
}

type Impact struct {
	Target   proto.AssetID   `json:"target"`
	Previous string          `json:"previous,omitempty"`
	Breaking bool            `json:"breaking"`
	Assets   []ImpactedAsset `json:"assets"`
}

// ImpactAnalysis walks dependents of id breadth first. Direct dependents are
// every asset referencing id's name, whatever their constraint; further hops
// follow references that admit the intermediate version.
func (e *Engine) ImpactAnalysis(ctx context.Context, id proto.AssetID) (*Impact, error) {
	target, err := e.reader.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	impact := &Impact{Target: id}
	if prev, err := e.previousVersion(ctx, target); err != nil {
		return nil, err
	} else if prev != nil {
		impact.Previous = prev.Original()
		if cur, err := semver.StrictNewVersion(target.Version); err == nil {
			impact.Breaking = cur.Major() > prev.Major()
		}
	}

	type hop struct {
		asset    *proto.Asset
		distance int
	}
	visited := map[proto.AssetID]struct{}{id: {}}
	queue := []hop{{asset: target}}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		edges, err := e.reader.ListDependents(ctx, h.asset.Name)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			admits := Admits(edge.Ref, h.asset.Version)
			if h.distance > 0 && !admits {
				continue
			}
			if _, ok := visited[edge.From]; ok {
				continue
			}
			if len(visited) >= e.maxVisited {
				return nil, apierrors.ErrGraphTooLarge.Withf("impact of %s exceeds %d nodes", id, e.maxVisited)
			}
			dependent, err := e.reader.GetAsset(ctx, edge.From)
			if err != nil {
				return nil, err
			}
			visited[edge.From] = struct{}{}
			impact.Assets = append(impact.Assets, ImpactedAsset{
				ID:       dependent.ID,
				Name:     dependent.Name,
				Version:  dependent.Version,
				Distance: h.distance + 1,
				Breaking: impact.Breaking,
				Admits:   admits,
				Via:      h.asset.ID,
			})
			queue = append(queue, hop{asset: dependent, distance: h.distance + 1})
		}
	}
	return impact, nil
}

// previousVersion returns the highest registered version of target's name
// lower than target.
func (e *Engine) previousVersion(ctx context.Context, target *proto.Asset) (*semver.Version, error) {
	cur, err := semver.StrictNewVersion(target.Version)
	if err != nil {
		return nil, nil
	}
	entries, err := e.reader.ListVersions(ctx, target.Name)
	if err != nil {
		return nil, err
	}
	var prev *semver.Version
	for _, entry := range entries {
		v, err := semver.StrictNewVersion(entry.Version)
		if err != nil || !v.LessThan(cur) {
			continue
		}
		if prev == nil || v.GreaterThan(prev) {
			prev = v
		}
	}
	return prev, nil
}
