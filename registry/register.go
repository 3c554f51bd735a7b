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
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/policy"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/storage"
	"github.com/cubefs/assetdb/store"
	"github.com/cubefs/assetdb/util"
)

const maxNameLen = 255

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type RegisterRequest struct {
	Actor string                 `json:"actor"`
	Level proto.ConsistencyLevel `json:"level"`

	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Type         proto.AssetType        `json:"type"`
	Checksum     proto.Checksum         `json:"checksum"`
	Signature    *proto.Signature       `json:"signature,omitempty"`
	Provenance   proto.Provenance       `json:"provenance"`
	Storage      proto.StoragePointer   `json:"storage"`
	Tags         []string               `json:"tags,omitempty"`
	Annotations  map[string]string      `json:"annotations,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Endpoints    []string               `json:"endpoints,omitempty"`
	Dependencies []proto.AssetReference `json:"dependencies,omitempty"`
}

func (r *RegisterRequest) validate() error {
	if r.Actor == "" {
		return apierrors.ErrValidation.Withf("actor required")
	}
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if _, err := semver.StrictNewVersion(r.Version); err != nil {
		return apierrors.ErrValidation.Withf("version %q: %s", r.Version, err)
	}
	if !r.Type.Valid() {
		return apierrors.ErrValidation.Withf("unknown asset type %d", r.Type)
	}
	if !storage.SupportedAlgorithm(r.Checksum.Algorithm) {
		return apierrors.ErrValidation.Withf("unsupported checksum algorithm %q", r.Checksum.Algorithm)
	}
	if r.Checksum.Digest == "" {
		return apierrors.ErrValidation.Withf("empty checksum digest")
	}
	if r.Storage.URI == "" {
		return apierrors.ErrValidation.Withf("empty storage uri")
	}
	if r.Storage.Size < 0 {
		return apierrors.ErrValidation.Withf("negative storage size %d", r.Storage.Size)
	}
	if r.Level > proto.ConsistencyEventual {
		return apierrors.ErrValidation.Withf("unknown consistency level %d", r.Level)
	}
	for k := range r.Annotations {
		if k == "" {
			return apierrors.ErrValidation.Withf("empty annotation key")
		}
	}
	return nil
}

// ValidateName checks an asset name. Names are the stable identity across
// versions and are used as index key prefixes.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return apierrors.ErrValidation.Withf("name length must be in [1, %d]", maxNameLen)
	}
	if !nameRegexp.MatchString(name) {
		return apierrors.ErrValidation.Withf("name %q has characters outside [A-Za-z0-9._-]", name)
	}
	return nil
}

func (r *RegisterRequest) asset(id proto.AssetID, now time.Time) *proto.Asset {
	asset := &proto.Asset{
		ID:           id,
		Name:         r.Name,
		Version:      r.Version,
		Type:         r.Type,
		Checksum:     r.Checksum,
		Provenance:   r.Provenance,
		Storage:      r.Storage,
		Tags:         proto.NormalizeTags(r.Tags),
		Description:  r.Description,
		Endpoints:    append([]string(nil), r.Endpoints...),
		Dependencies: append([]proto.AssetReference(nil), r.Dependencies...),
		Status:       proto.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.Signature != nil {
		sig := *r.Signature
		asset.Signature = &sig
	}
	if len(r.Annotations) > 0 {
		asset.Annotations = make(map[string]string, len(r.Annotations))
		for k, v := range r.Annotations {
			asset.Annotations[k] = v
		}
	}
	if len(asset.Endpoints) == 0 {
		asset.Endpoints = nil
	}
	if len(asset.Dependencies) == 0 {
		asset.Dependencies = nil
	}
	return asset
}

func sameChecksum(a, b proto.Checksum) bool {
	return a.Algorithm == b.Algorithm && strings.EqualFold(a.Digest, b.Digest)
}

// registered fails with ErrDuplicateAsset when the identity of req is
// taken. A holder with the same checksum is returned along with the error,
// so a retried registration can tell it already went through.
func (s *Service) registered(ctx context.Context, req *RegisterRequest) (*proto.Asset, error) {
	cur, err := s.store.GetByNameVersion(ctx, req.Name, req.Version)
	if err != nil {
		if apierrors.Is(err, apierrors.ErrAssetNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sameChecksum(cur.Checksum, req.Checksum) {
		return cur, apierrors.ErrDuplicateAsset.Withf("%s@%s is registered as %s with the same checksum",
			req.Name, req.Version, cur.ID)
	}
	return nil, apierrors.ErrDuplicateAsset.Withf("%s@%s is registered as %s with checksum %s:%s",
		req.Name, req.Version, cur.ID, cur.Checksum.Algorithm, cur.Checksum.Digest)
}

// Register publishes a new (name, version). Everything before the commit is
// free of side effects and honours ctx; the commit itself re-checks the
// identity and the dependency graph under the store's commit lock.
// Registering a taken identity again fails with ErrDuplicateAsset and changes
// nothing; when the checksum matches, the existing asset is returned too.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (asset *proto.Asset, err error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	defer func() { observe("register", start, err) }()

	if err = req.validate(); err != nil {
		return nil, err
	}
	if existing, err := s.registered(ctx, req); err != nil {
		return existing, err
	}

	if err = s.verifier.Verify(ctx, req.Storage, req.Checksum); err != nil {
		span.Warnf("verify checksum of %s@%s failed: %s", req.Name, req.Version, err)
		return nil, err
	}
	if err = s.graph.ValidateReferences(ctx, req.Dependencies); err != nil {
		return nil, err
	}

	id := util.NewID()
	asset = req.asset(id, util.Now())
	d, err := s.policy.Check(ctx, &policy.Request{
		Asset:     policy.Summarize(asset),
		Operation: proto.OpRegister.String(),
		Actor:     req.Actor,
	})
	if err != nil {
		return nil, err
	}
	if d.Verdict == policy.RequireApproval {
		asset.Status = proto.StatusPending
	}
	for _, w := range d.Warnings {
		span.Warnf("policy warning on %s@%s: %s", req.Name, req.Version, w)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(identityKey(req.Name, req.Version))
	defer unlock()

	var identical *proto.Asset
	ack, err := s.writer.Write(ctx, &store.Mutation{
		Op:      proto.OpRegister,
		AssetID: id,
		Actor:   req.Actor,
		Apply: func(ctx context.Context, cur *proto.Asset) (*proto.Asset, error) {
			if cur != nil {
				return nil, apierrors.ErrDuplicateAsset.Withf("id %s", id)
			}
			if prev, err := s.registered(ctx, req); err != nil {
				identical = prev
				return nil, err
			}
			if err := s.graph.DetectCycle(ctx, asset, asset.Dependencies...); err != nil {
				return nil, err
			}
			return asset.Clone(), nil
		},
	}, s.level([]WriteOption{WithConsistency(req.Level)}))
	if err != nil {
		span.Warnf("register %s@%s failed: %s", req.Name, req.Version, err)
		if ack != nil {
			s.published()
			return ack.Event.After, err
		}
		return identical, err
	}
	s.published()
	span.Infof("registered %s@%s as %s status %s", req.Name, req.Version, id, ack.Event.After.Status)
	return ack.Event.After, nil
}

func identityKey(name, version string) string {
	return name + "@" + version
}
