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

package replication

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/metrics"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/store"
)

// peer is the coordinator's view of one replica.
type peer struct {
	node proto.Node
	id   string

	// syncLock serializes pushes so entries of one source reach the peer
	// in sequence order.
	syncLock sync.Mutex

	lock        sync.RWMutex
	state       proto.PeerState
	watermarks  proto.Watermarks
	acked       proto.Seq
	lastContact time.Time
}

func newPeer(node proto.Node, acked proto.Seq) *peer {
	return &peer{
		node:  node,
		id:    strconv.FormatUint(node.ID, 10),
		acked: acked,
	}
}

func (p *peer) getState() proto.PeerState {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.state
}

func (p *peer) getAcked() proto.Seq {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.acked
}

func (p *peer) knownWatermarks() proto.Watermarks {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.watermarks == nil {
		return nil
	}
	return p.watermarks.Copy()
}

func (p *peer) markUnreachable() {
	p.lock.Lock()
	p.state = proto.PeerStateUnreachable
	// watermarks are learned again after the peer comes back
	p.watermarks = nil
	p.lock.Unlock()
	metrics.PeerReachable.WithLabelValues(p.id).Set(0)
}

// contacted records the peer's reported watermarks and returns its new
// acknowledged sequence of self.
func (p *peer) contacted(self proto.NodeID, wms proto.Watermarks) proto.Seq {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.state = proto.PeerStateAlive
	p.lastContact = time.Now()
	if p.watermarks == nil {
		p.watermarks = make(proto.Watermarks, len(wms))
	}
	for src, seq := range wms {
		if seq > p.watermarks[src] {
			p.watermarks[src] = seq
		}
	}
	if wms[self] > p.acked {
		p.acked = wms[self]
	}
	metrics.PeerReachable.WithLabelValues(p.id).Set(1)
	return p.acked
}

func (p *peer) status(head proto.Seq) proto.PeerStatus {
	p.lock.RLock()
	defer p.lock.RUnlock()
	st := proto.PeerStatus{Node: p.node, State: p.state, AckedSeq: p.acked}
	if head > p.acked {
		st.Lag = head - p.acked
	}
	if !p.lastContact.IsZero() {
		st.LastContactS = p.lastContact.Unix()
	}
	return st
}

// sync pushes every entry the peer is missing, of every source this node
// holds, and returns the peer's acknowledged sequence of self.
func (c *Coordinator) sync(ctx context.Context, p *peer) (proto.Seq, error) {
	span := trace.SpanFromContextSafe(ctx)
	p.syncLock.Lock()
	defer p.syncLock.Unlock()

	contacted := false
	if p.knownWatermarks() == nil {
		if err := c.status(ctx, p); err != nil {
			return p.getAcked(), err
		}
		contacted = true
	}

	local := c.store.Watermarks()
	for src, localSeq := range local {
		if src == p.node.ID {
			continue
		}
		for {
			sent := p.knownWatermarks()[src]
			if sent >= localSeq {
				break
			}
			entries, err := c.store.ReadLog(ctx, src, sent, c.cfg.BatchSize)
			if err != nil {
				return p.getAcked(), err
			}
			if len(entries) == 0 {
				break
			}
			resp, err := c.transport.Append(ctx, p.node, &AppendRequest{From: c.nodeID, Entries: entries})
			if err != nil {
				if ctx.Err() == nil {
					p.markUnreachable()
				}
				return p.getAcked(), errors.Info(err, "append to peer failed", p.node.ID)
			}
			c.ackPeer(ctx, p, resp.Watermarks)
			contacted = true
			if resp.Gap || resp.Watermarks[src] <= sent {
				span.Warnf("peer %d did not advance source %d past %d", p.node.ID, src, sent)
				break
			}
		}
	}
	// nothing to send, still heartbeat so a partition is noticed
	if !contacted {
		if err := c.status(ctx, p); err != nil {
			return p.getAcked(), err
		}
	}
	return p.getAcked(), nil
}

func (c *Coordinator) status(ctx context.Context, p *peer) error {
	resp, err := c.transport.Status(ctx, p.node, &StatusRequest{From: c.nodeID})
	if err != nil {
		if ctx.Err() == nil {
			p.markUnreachable()
		}
		return errors.Info(err, "peer status failed", p.node.ID)
	}
	c.ackPeer(ctx, p, resp.Watermarks)
	return nil
}

func (c *Coordinator) ackPeer(ctx context.Context, p *peer, wms proto.Watermarks) {
	before := p.getAcked()
	acked := p.contacted(c.nodeID, wms)
	if acked > before {
		if err := c.store.SetPeerAck(ctx, p.node.ID, acked); err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("persist ack of peer %d failed: %s", p.node.ID, err)
		}
	}
	c.updateLag(p)
}

func (c *Coordinator) updateLag(p *peer) {
	head := c.store.Head()
	acked := p.getAcked()
	lag := uint64(0)
	if head > acked {
		lag = head - acked
	}
	metrics.ReplicationLag.WithLabelValues(p.id).Set(float64(lag))
}

// HandleAppend applies entries pushed by a peer. Entries of one source
// apply in sequence; a gap stops the batch and reports the watermarks so
// the sender can backfill.
func (c *Coordinator) HandleAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	if c.isClosed() {
		return nil, apierrors.ErrClosed
	}
	resp := &AppendResponse{Node: c.nodeID}
	for _, e := range req.Entries {
		applied, wm, err := c.store.ApplyRemote(ctx, e, c.reconciler.reconcile)
		if err != nil {
			if err == store.ErrLogGap {
				span.Debugf("gap on source %d: have %d, got %d", e.Source, wm, e.Seq)
				resp.Gap = true
				break
			}
			span.Errorf("apply entry %d/%d from peer %d failed: %s", e.Source, e.Seq, req.From, errors.Detail(err))
			return nil, err
		}
		if applied {
			resp.Applied++
			metrics.AppliedTotal.WithLabelValues(strconv.FormatUint(e.Source, 10)).Inc()
		}
	}
	resp.Watermarks = c.store.Watermarks()
	if resp.Applied > 0 {
		c.Notify()
	}
	return resp, nil
}

func (c *Coordinator) HandleStatus(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	if c.isClosed() {
		return nil, apierrors.ErrClosed
	}
	return &StatusResponse{Node: c.nodeID, Watermarks: c.store.Watermarks()}, nil
}
