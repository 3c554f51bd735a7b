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
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"go.etcd.io/etcd/raft/v3/quorum"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/metrics"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/store"
)

const (
	defaultReplicateTimeoutMs    = 3000
	defaultProbeTimeoutMs        = 500
	defaultAntiEntropyIntervalMs = 1000
	defaultBatchSize             = 256
)

type Config struct {
	NodeID proto.NodeID `json:"node_id"`
	// Peers lists the other replicas of the cluster.
	Peers []proto.Node `json:"peers"`

	ReplicateTimeoutMs    int `json:"replicate_timeout_ms"`
	ProbeTimeoutMs        int `json:"probe_timeout_ms"`
	AntiEntropyIntervalMs int `json:"anti_entropy_interval_ms"`
	BatchSize             int `json:"batch_size"`
}

func (cfg *Config) init() {
	if cfg.ReplicateTimeoutMs <= 0 {
		cfg.ReplicateTimeoutMs = defaultReplicateTimeoutMs
	}
	if cfg.ProbeTimeoutMs <= 0 {
		cfg.ProbeTimeoutMs = defaultProbeTimeoutMs
	}
	if cfg.AntiEntropyIntervalMs <= 0 {
		cfg.AntiEntropyIntervalMs = defaultAntiEntropyIntervalMs
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
}

// Coordinator commits local mutations through the store and propagates
// them to peers with the requested consistency. It also serves the peers'
// replication requests and runs anti-entropy in the background.
type Coordinator struct {
	cfg        Config
	nodeID     proto.NodeID
	store      *store.Store
	transport  Transport
	reconciler *reconciler

	peers  []*peer
	voters quorum.MajorityConfig

	lock    sync.RWMutex
	closed  bool
	notifyC chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCoordinator builds the coordinator from the persisted replication
// state: log head, per source watermarks and peer acknowledgements.
func NewCoordinator(ctx context.Context, cfg Config, st *store.Store, transport Transport, cycles CycleDetector) (*Coordinator, error) {
	cfg.init()
	cfg.NodeID = st.NodeID()
	acks, err := st.PeerAcks(ctx)
	if err != nil {
		return nil, errors.Info(err, "load peer acks failed")
	}

	c := &Coordinator{
		cfg:       cfg,
		nodeID:    cfg.NodeID,
		store:     st,
		transport: transport,
		reconciler: &reconciler{
			nodeID: cfg.NodeID,
			reader: st,
			cycles: cycles,
		},
		voters:  quorum.MajorityConfig{cfg.NodeID: struct{}{}},
		notifyC: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, node := range cfg.Peers {
		if node.ID == cfg.NodeID {
			continue
		}
		p := newPeer(node, acks[node.ID])
		c.peers = append(c.peers, p)
		c.voters[node.ID] = struct{}{}
		c.updateLag(p)
	}
	sort.Slice(c.peers, func(i, j int) bool { return c.peers[i].node.ID < c.peers[j].node.ID })
	return c, nil
}

func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Close stops background replication. Entries not yet propagated stay in
// the log and are sent after restart.
func (c *Coordinator) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.lock.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) NodeID() proto.NodeID {
	return c.nodeID
}

// Notify schedules a propagation round.
func (c *Coordinator) Notify() {
	select {
	case c.notifyC <- struct{}{}:
	default:
	}
}

// Write commits m locally and propagates it according to level. Quorum and
// Strong writes are rejected before anything is logged when a majority is
// known to be unreachable. A failure after the local commit returns the Ack
// together with an availability error flagged as logged.
func (c *Coordinator) Write(ctx context.Context, m *store.Mutation, level proto.ConsistencyLevel) (*proto.Ack, error) {
	span := trace.SpanFromContextSafe(ctx)
	if c.isClosed() {
		return nil, apierrors.ErrClosed
	}
	level = level.Normalize()
	if level != proto.ConsistencyEventual {
		if err := c.checkReachable(ctx); err != nil {
			metrics.WriteTotal.WithLabelValues(level.String(), "rejected").Inc()
			return nil, err
		}
	}

	e, err := c.store.Commit(ctx, m)
	if err != nil {
		return nil, err
	}
	ack := &proto.Ack{Event: e, Level: level, Acked: []proto.NodeID{c.nodeID}}
	if level == proto.ConsistencyEventual || len(c.peers) == 0 {
		c.Notify()
		metrics.WriteTotal.WithLabelValues(level.String(), "ok").Inc()
		return ack, nil
	}

	// the change is committed, the caller can no longer cancel it
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(c.cfg.ReplicateTimeoutMs)*time.Millisecond)
	defer cancel()
	acked, err := c.replicate(rctx, e.Seq, level)
	ack.Acked = acked
	if err != nil {
		span.Warnf("replicate %s of asset %s at seq %d: %s", m.Op, m.AssetID, e.Seq, err)
		metrics.WriteTotal.WithLabelValues(level.String(), "logged").Inc()
		return ack, err
	}
	metrics.WriteTotal.WithLabelValues(level.String(), "ok").Inc()
	return ack, nil
}

type pushResult struct {
	node  proto.NodeID
	acked bool
	err   error
}

func (c *Coordinator) replicate(ctx context.Context, seq proto.Seq, level proto.ConsistencyLevel) ([]proto.NodeID, error) {
	results := make(chan pushResult, len(c.peers))
	for _, p := range c.peers {
		p := p
		go func() {
			ackedSeq, err := c.sync(ctx, p)
			results <- pushResult{node: p.node.ID, acked: ackedSeq >= seq, err: err}
		}()
	}

	votes := map[uint64]bool{c.nodeID: true}
	acked := []proto.NodeID{c.nodeID}
	unreachable, timedOut := 0, 0
	for range c.peers {
		r := <-results
		votes[r.node] = r.acked
		switch {
		case r.acked:
			acked = append(acked, r.node)
		case ctx.Err() != nil:
			timedOut++
		default:
			unreachable++
		}
		if level == proto.ConsistencyQuorum && c.voters.VoteResult(votes) == quorum.VoteWon {
			// stragglers catch up in the next anti-entropy round
			c.Notify()
			return acked, nil
		}
	}

	won := c.voters.VoteResult(votes) == quorum.VoteWon
	switch {
	case won && timedOut == 0:
		return acked, nil
	case timedOut > 0:
		return acked, apierrors.ErrReplicationTimeout.
			Withf("%d of %d replicas acknowledged within %dms", len(acked), len(c.voters), c.cfg.ReplicateTimeoutMs).
			WithLogged(seq)
	default:
		return acked, apierrors.ErrQuorumNotReached.
			Withf("%d of %d replicas acknowledged, %d unreachable", len(acked), len(c.voters), unreachable).
			WithLogged(seq)
	}
}

// checkReachable fails when the peers known or probed to be alive, with
// self, do not form a majority.
func (c *Coordinator) checkReachable(ctx context.Context) error {
	if c.voters.VoteResult(c.reachableVotes()) == quorum.VoteWon {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ProbeTimeoutMs)*time.Millisecond)
	defer cancel()
	g, gctx := errgroup.WithContext(pctx)
	for _, p := range c.peers {
		if p.getState() == proto.PeerStateAlive {
			continue
		}
		p := p
		g.Go(func() error {
			c.probe(gctx, p)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	votes := c.reachableVotes()
	if c.voters.VoteResult(votes) == quorum.VoteWon {
		return nil
	}
	reachable := 0
	for _, ok := range votes {
		if ok {
			reachable++
		}
	}
	return apierrors.ErrQuorumNotReached.Withf("%d of %d replicas reachable, not logged", reachable, len(c.voters))
}

func (c *Coordinator) probe(ctx context.Context, p *peer) {
	resp, err := c.transport.Status(ctx, p.node, &StatusRequest{From: c.nodeID})
	if err != nil {
		p.markUnreachable()
		return
	}
	c.ackPeer(ctx, p, resp.Watermarks)
}

func (c *Coordinator) reachableVotes() map[uint64]bool {
	votes := map[uint64]bool{c.nodeID: true}
	for _, p := range c.peers {
		switch p.getState() {
		case proto.PeerStateAlive:
			votes[p.node.ID] = true
		case proto.PeerStateUnreachable:
			votes[p.node.ID] = false
		}
	}
	return votes
}

// IsStale reports whether reads may miss writes accepted by the majority,
// which is the case while this node can not reach one.
func (c *Coordinator) IsStale() bool {
	if len(c.peers) == 0 {
		return false
	}
	return c.voters.VoteResult(c.reachableVotes()) != quorum.VoteWon
}

// Peers returns the replication status of every peer.
func (c *Coordinator) Peers() []proto.PeerStatus {
	head := c.store.Head()
	ret := make([]proto.PeerStatus, 0, len(c.peers))
	for _, p := range c.peers {
		ret = append(ret, p.status(head))
	}
	return ret
}

// SyncPeers runs one anti-entropy round against every peer.
func (c *Coordinator) SyncPeers(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range c.peers {
		p := p
		g.Go(func() error {
			_, err := c.sync(ctx, p)
			return err
		})
	}
	return g.Wait()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Duration(c.cfg.AntiEntropyIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.notifyC:
		case <-ticker.C:
		case <-c.done:
			return
		}

		span, ctx := trace.StartSpanFromContext(context.Background(), "")
		ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ReplicateTimeoutMs)*time.Millisecond)
		if err := c.SyncPeers(ctx); err != nil {
			span.Debugf("anti-entropy round: %s", err)
		}
		cancel()
	}
}

func (c *Coordinator) isClosed() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.closed
}
