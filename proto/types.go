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

package proto

import (
	"sort"
	"strings"
	"time"
)

type AssetType uint8

const (
	AssetTypeUnknown AssetType = iota
	AssetTypeModel
	AssetTypePipeline
	AssetTypeTestSuite
	AssetTypePolicy
	AssetTypeDataset
	AssetTypeCustom
)

var assetTypeNames = map[AssetType]string{
	AssetTypeModel:     "model",
	AssetTypePipeline:  "pipeline",
	AssetTypeTestSuite: "test_suite",
	AssetTypePolicy:    "policy",
	AssetTypeDataset:   "dataset",
	AssetTypeCustom:    "custom",
}

func (t AssetType) String() string {
	if s, ok := assetTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

func (t AssetType) Valid() bool {
	_, ok := assetTypeNames[t]
	return ok
}

func ParseAssetType(s string) AssetType {
	s = strings.ToLower(s)
	for t, name := range assetTypeNames {
		if name == s {
			return t
		}
	}
	return AssetTypeUnknown
}

// AssetStatus values are ordered: a status never moves to a lower value,
// which lets replicas merge concurrent status changes with max().
type AssetStatus uint8

const (
	StatusUnknown AssetStatus = iota
	StatusPending
	StatusActive
	StatusDeprecated
	StatusRetired
)

func (s AssetStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusDeprecated:
		return "deprecated"
	case StatusRetired:
		return "retired"
	default:
		return "unknown"
	}
}

type ChecksumAlgorithm string

const (
	ChecksumSHA256 = ChecksumAlgorithm("sha256")
	ChecksumSHA512 = ChecksumAlgorithm("sha512")
	ChecksumBLAKE3 = ChecksumAlgorithm("blake3")
)

type StorageKind string

const (
	StorageKindFS     = StorageKind("fs")
	StorageKindMemory = StorageKind("memory")
)

type (
	Checksum struct {
		Algorithm ChecksumAlgorithm `json:"algorithm"`
		Digest    string            `json:"digest"`
	}
	Signature struct {
		Algorithm string `json:"algorithm"`
		KeyID     string `json:"key_id"`
		Value     string `json:"value"`
	}
	Provenance struct {
		Author    string `json:"author"`
		SourceRef string `json:"source_ref"`
		BuildID   string `json:"build_id"`
	}
	StoragePointer struct {
		Backend StorageKind `json:"backend"`
		URI     string      `json:"uri"`
		Size    int64       `json:"size"`
	}

	// AssetReference points at another asset by its stable name; the
	// constraint is resolved against registered versions at query time.
	AssetReference struct {
		Name       string `json:"name"`
		Constraint string `json:"constraint,omitempty"`
		Required   bool   `json:"required"`
	}

	Asset struct {
		ID           AssetID           `json:"id"`
		Name         string            `json:"name"`
		Version      string            `json:"version"`
		Type         AssetType         `json:"type"`
		Checksum     Checksum          `json:"checksum"`
		Signature    *Signature        `json:"signature,omitempty"`
		Provenance   Provenance        `json:"provenance"`
		Storage      StoragePointer    `json:"storage"`
		Tags         []string          `json:"tags,omitempty"`
		Annotations  map[string]string `json:"annotations,omitempty"`
		Description  string            `json:"description,omitempty"`
		Endpoints    []string          `json:"endpoints,omitempty"`
		Dependencies []AssetReference  `json:"dependencies,omitempty"`
		Status       AssetStatus       `json:"status"`
		CreatedAt    time.Time         `json:"created_at"`
		UpdatedAt    time.Time         `json:"updated_at"`
		DeprecatedAt *time.Time        `json:"deprecated_at,omitempty"`

		Revision uint64        `json:"revision"`
		Clock    VersionVector `json:"clock,omitempty"`
		Origin   NodeID        `json:"origin"`
	}

	// VersionRecord is written once per published (name, version) and never
	// touched again.
	VersionRecord struct {
		AssetID      AssetID          `json:"asset_id"`
		Name         string           `json:"name"`
		Version      string           `json:"version"`
		Checksum     Checksum         `json:"checksum"`
		Storage      StoragePointer   `json:"storage"`
		Dependencies []AssetReference `json:"dependencies,omitempty"`
		CreatedBy    string           `json:"created_by"`
		CreatedAt    time.Time        `json:"created_at"`
	}
)

func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	if a.Signature != nil {
		sig := *a.Signature
		c.Signature = &sig
	}
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	if a.Endpoints != nil {
		c.Endpoints = append([]string(nil), a.Endpoints...)
	}
	if a.Dependencies != nil {
		c.Dependencies = append([]AssetReference(nil), a.Dependencies...)
	}
	if a.Annotations != nil {
		c.Annotations = make(map[string]string, len(a.Annotations))
		for k, v := range a.Annotations {
			c.Annotations[k] = v
		}
	}
	if a.DeprecatedAt != nil {
		t := *a.DeprecatedAt
		c.DeprecatedAt = &t
	}
	c.Clock = a.Clock.Copy()
	return &c
}

func (a *Asset) HasTag(tag string) bool {
	i := sort.SearchStrings(a.Tags, tag)
	return i < len(a.Tags) && a.Tags[i] == tag
}

func (a *Asset) VersionRecord(actor string) *VersionRecord {
	return &VersionRecord{
		AssetID:      a.ID,
		Name:         a.Name,
		Version:      a.Version,
		Checksum:     a.Checksum,
		Storage:      a.Storage,
		Dependencies: append([]AssetReference(nil), a.Dependencies...),
		CreatedBy:    actor,
		CreatedAt:    a.CreatedAt,
	}
}

// NormalizeTags returns the sorted, de-duplicated set of non-empty tags.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	ret := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		ret = append(ret, tag)
	}
	sort.Strings(ret)
	if len(ret) == 0 {
		return nil
	}
	return ret
}

// UnionTags merges two tag sets.
func UnionTags(a, b []string) []string {
	all := make([]string, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return NormalizeTags(all)
}

// SameDependencies compares two dependency lists as sets.
func SameDependencies(a, b []AssetReference) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[AssetReference]int, len(a))
	for _, ref := range a {
		set[ref]++
	}
	for _, ref := range b {
		if set[ref] == 0 {
			return false
		}
		set[ref]--
	}
	return true
}
