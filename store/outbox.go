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

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/assetdb/common/kvstore"
	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util/codec"
)

// PendingNotifications returns up to limit committed but unpublished
// notifications, oldest first.
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]*proto.Notification, error) {
	var ret []*proto.Notification
	lr := s.kvStore.List(ctx, outboxCF, nil, nil, nil)
	defer lr.Close()
	for len(ret) < limit {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list outbox failed")
		}
		if key == nil {
			break
		}
		n := &proto.Notification{}
		if err := codec.Unmarshal(value, n); err != nil {
			return nil, errors.Info(err, "decode notification failed")
		}
		ret = append(ret, n)
	}
	return ret, nil
}

// AckNotifications drops delivered notifications from the outbox.
func (s *Store) AckNotifications(ctx context.Context, ids ...proto.EventID) error {
	if len(ids) == 0 {
		return nil
	}
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	for _, id := range ids {
		batch.Delete(outboxCF, []byte(id))
	}
	if err := s.kvStore.Write(ctx, batch, nil); err != nil {
		return errors.Info(err, "ack notifications failed")
	}
	return nil
}

func (s *Store) GetConflict(ctx context.Context, id string) (*proto.Conflict, error) {
	c := &proto.Conflict{}
	if err := s.get(ctx, conflictCF, []byte(id), c); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrConflictNotFound.Withf("id %s", id)
		}
		return nil, err
	}
	return c, nil
}

// ListConflicts returns conflicts, optionally only unresolved ones, for the
// asset when assetID is set.
func (s *Store) ListConflicts(ctx context.Context, assetID proto.AssetID, unresolvedOnly bool) ([]*proto.Conflict, error) {
	var ret []*proto.Conflict
	lr := s.kvStore.List(ctx, conflictCF, nil, nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list conflicts failed")
		}
		if key == nil {
			return ret, nil
		}
		c := &proto.Conflict{}
		if err := codec.Unmarshal(value, c); err != nil {
			return nil, errors.Info(err, "decode conflict failed")
		}
		if unresolvedOnly && c.Resolved {
			continue
		}
		if assetID != "" && c.AssetID != assetID {
			continue
		}
		ret = append(ret, c)
	}
}
