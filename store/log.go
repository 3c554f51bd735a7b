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
	"fmt"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util/codec"
)

// ReadLog returns up to limit entries of source with sequence greater than
// after, in order.
func (s *Store) ReadLog(ctx context.Context, source proto.NodeID, after proto.Seq, limit int) ([]*proto.ChangeEvent, error) {
	var ret []*proto.ChangeEvent
	lr := s.kvStore.List(ctx, logCF, logPrefixKey(source), logKey(source, after+1), nil)
	defer lr.Close()
	for len(ret) < limit {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "read log failed")
		}
		if key == nil {
			break
		}
		e := &proto.ChangeEvent{}
		if err := codec.Unmarshal(value, e); err != nil {
			return nil, errors.Info(err, "decode log entry failed")
		}
		if _, seq := decodeLogKey(key); seq != e.Seq {
			return nil, errors.New(fmt.Sprintf("log entry %d/%d stored at seq %d", e.Source, e.Seq, seq))
		}
		ret = append(ret, e)
	}
	return ret, nil
}

// SetPeerAck persists the highest contiguous sequence of this node's log
// known to be applied by peer.
func (s *Store) SetPeerAck(ctx context.Context, peer proto.NodeID, seq proto.Seq) error {
	if err := s.kvStore.SetRaw(ctx, metaCF, nodeKey(peerAckPrefix, peer), encodeSeq(seq), nil); err != nil {
		return errors.Info(err, "set peer ack failed")
	}
	return nil
}

func (s *Store) PeerAcks(ctx context.Context) (map[proto.NodeID]proto.Seq, error) {
	ret := make(map[proto.NodeID]proto.Seq)
	lr := s.kvStore.List(ctx, metaCF, peerAckPrefix, nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list peer acks failed")
		}
		if key == nil {
			return ret, nil
		}
		ret[decodeNodeKey(peerAckPrefix, key)] = decodeSeq(value)
	}
}
