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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/assetdb/common/kvstore"
	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util/codec"
)

type Config struct {
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
	NodeID   proto.NodeID      `json:"-"`
}

// Store is the single durable home of assets, identity and edge indexes,
// version history, the replication log, the outbox and conflicts. Every
// mutation lands through one atomic write batch.
type Store struct {
	nodeID  proto.NodeID
	kvStore kvstore.Store

	// commitLock serialises local commits and remote applies
	commitLock sync.Mutex

	lock       sync.RWMutex
	head       proto.Seq
	watermarks proto.Watermarks
	watchC     chan struct{}
}

func Open(ctx context.Context, cfg *Config) (*Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.KVType == "" {
		cfg.KVType = kvstore.RocksdbLsmKVType
	}
	opt := cfg.KVOption
	opt.CreateIfMissing = true
	opt.ColumnFamily = columns

	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", cfg.KVType, &opt)
	if err != nil {
		return nil, errors.Info(err, "open kv store failed")
	}
	s := &Store{
		nodeID:     cfg.NodeID,
		kvStore:    kvStore,
		watermarks: make(proto.Watermarks),
		watchC:     make(chan struct{}),
	}
	if err := s.load(ctx); err != nil {
		kvStore.Close()
		return nil, err
	}
	span.Infof("store opened, node: %d, head: %d, watermarks: %v", s.nodeID, s.head, s.watermarks)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	raw, err := s.kvStore.GetRaw(ctx, metaCF, headKey, nil)
	switch err {
	case nil:
		s.head = decodeSeq(raw)
	case kvstore.ErrNotFound:
	default:
		return errors.Info(err, "load head failed")
	}

	lr := s.kvStore.List(ctx, metaCF, watermarkPrefix, nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return errors.Info(err, "load watermarks failed")
		}
		if key == nil {
			break
		}
		s.watermarks[decodeNodeKey(watermarkPrefix, key)] = decodeSeq(value)
	}
	return nil
}

func (s *Store) NodeID() proto.NodeID {
	return s.nodeID
}

// Head returns the sequence of the last locally originated entry.
func (s *Store) Head() proto.Seq {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.head
}

// Watermarks returns the highest contiguous applied sequence per source,
// including this node's own head.
func (s *Store) Watermarks() proto.Watermarks {
	s.lock.RLock()
	defer s.lock.RUnlock()
	ret := s.watermarks.Copy()
	ret[s.nodeID] = s.head
	return ret
}

// Watch returns a channel closed on the next durable change.
func (s *Store) Watch() <-chan struct{} {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.watchC
}

func (s *Store) Stats(ctx context.Context) (kvstore.Stats, error) {
	return s.kvStore.Stats(ctx)
}

func (s *Store) Close() {
	ctx := context.Background()
	s.commitLock.Lock()
	defer s.commitLock.Unlock()
	for _, col := range columns {
		s.kvStore.FlushCF(ctx, col)
	}
	s.kvStore.Close()
}

func (s *Store) GetAsset(ctx context.Context, id proto.AssetID) (*proto.Asset, error) {
	asset := &proto.Asset{}
	if err := s.get(ctx, assetCF, []byte(id), asset); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrAssetNotFound.Withf("id %s", id)
		}
		return nil, err
	}
	return asset, nil
}

// LookupID resolves an identity to the asset id owning it.
func (s *Store) LookupID(ctx context.Context, name, version string) (proto.AssetID, error) {
	raw, err := s.kvStore.GetRaw(ctx, indexCF, nameKey(name, version), nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return "", apierrors.ErrAssetNotFound.Withf("%s@%s", name, version)
		}
		return "", errors.Info(err, "get name index failed")
	}
	return proto.AssetID(raw), nil
}

func (s *Store) GetByNameVersion(ctx context.Context, name, version string) (*proto.Asset, error) {
	id, err := s.LookupID(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return s.GetAsset(ctx, id)
}

type IndexEntry struct {
	Version string
	ID      proto.AssetID
}

// ListVersions returns every indexed version of name in key order.
func (s *Store) ListVersions(ctx context.Context, name string) ([]IndexEntry, error) {
	var ret []IndexEntry
	lr := s.kvStore.List(ctx, indexCF, namePrefixKey(name), nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list name index failed")
		}
		if key == nil {
			return ret, nil
		}
		ret = append(ret, IndexEntry{Version: splitLast(key), ID: proto.AssetID(value)})
	}
}

type ReverseEdge struct {
	From proto.AssetID
	Ref  proto.AssetReference
}

// ListDependents returns assets whose dependencies reference name.
func (s *Store) ListDependents(ctx context.Context, name string) ([]ReverseEdge, error) {
	var ret []ReverseEdge
	lr := s.kvStore.List(ctx, indexCF, dependentPrefixKey(name), nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list dependent index failed")
		}
		if key == nil {
			return ret, nil
		}
		edge := ReverseEdge{From: proto.AssetID(splitLast(key))}
		if err := codec.Unmarshal(value, &edge.Ref); err != nil {
			return nil, errors.Info(err, "decode reference failed")
		}
		ret = append(ret, edge)
	}
}

func (s *Store) GetVersionRecord(ctx context.Context, name, version string) (*proto.VersionRecord, error) {
	rec := &proto.VersionRecord{}
	if err := s.get(ctx, versionCF, versionKey(name, version), rec); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrAssetNotFound.Withf("no version record for %s@%s", name, version)
		}
		return nil, err
	}
	return rec, nil
}

// ListAssets pages through asset rows in id order, starting after marker.
func (s *Store) ListAssets(ctx context.Context, marker proto.AssetID, count int) ([]*proto.Asset, error) {
	var ret []*proto.Asset
	lr := s.kvStore.List(ctx, assetCF, nil, []byte(marker), nil)
	defer lr.Close()
	for len(ret) < count {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list assets failed")
		}
		if key == nil {
			break
		}
		if marker != "" && string(key) == marker {
			continue
		}
		asset := &proto.Asset{}
		if err := codec.Unmarshal(value, asset); err != nil {
			return nil, errors.Info(err, "decode asset failed")
		}
		ret = append(ret, asset)
	}
	return ret, nil
}

func (s *Store) get(ctx context.Context, col kvstore.CF, key []byte, v interface{}) error {
	raw, err := s.kvStore.GetRaw(ctx, col, key, nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return err
		}
		return errors.Info(err, "get from kv store failed")
	}
	if err := codec.Unmarshal(raw, v); err != nil {
		return errors.Info(err, "decode value failed")
	}
	return nil
}

func (s *Store) exist(ctx context.Context, col kvstore.CF, key []byte) (bool, error) {
	_, err := s.kvStore.GetRaw(ctx, col, key, nil)
	switch err {
	case nil:
		return true, nil
	case kvstore.ErrNotFound:
		return false, nil
	default:
		return false, errors.Info(err, "get from kv store failed")
	}
}

// notify wakes every watcher; caller holds s.lock.
func (s *Store) notify() {
	close(s.watchC)
	s.watchC = make(chan struct{})
}
