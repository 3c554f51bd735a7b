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

// Package server assembles one registry node: the store opened from its
// persisted log, the replication coordinator and its gRPC transport, the
// outbox relay and the registration service on top.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/assetdb/events"
	"github.com/cubefs/assetdb/graph"
	"github.com/cubefs/assetdb/policy"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/registry"
	"github.com/cubefs/assetdb/replication"
	"github.com/cubefs/assetdb/replication/transport"
	"github.com/cubefs/assetdb/storage"
	"github.com/cubefs/assetdb/store"
)

type Config struct {
	// Node is this replica; Addr is where the replication service listens.
	Node proto.Node `json:"node"`
	// Peers lists every replica of the cluster, this one included or not.
	Peers []proto.Node `json:"peers"`

	StoreConfig       store.Config           `json:"store_config"`
	ReplicationConfig replication.Config     `json:"replication_config"`
	TransportConfig   transport.ClientConfig `json:"transport_config"`
	GraphConfig       graph.Config           `json:"graph_config"`
	StorageConfig     storage.Config         `json:"storage_config"`
	PolicyConfig      policy.Config          `json:"policy_config"`
	EventConfig       events.Config          `json:"event_config"`
	RegistryConfig    registry.Config        `json:"registry_config"`
}

type options struct {
	validator policy.Validator
	sinks     []events.Sink
	backends  map[proto.StorageKind]storage.Backend
	transport replication.Transport
}

type Option func(*options)

// WithValidator plugs in the external policy service; without it every
// request is allowed.
func WithValidator(v policy.Validator) Option {
	return func(o *options) {
		o.validator = v
	}
}

// WithSink adds a consumer of published notifications next to the
// in-process broker.
func WithSink(s events.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, s)
	}
}

func WithBackend(kind proto.StorageKind, b storage.Backend) Option {
	return func(o *options) {
		o.backends[kind] = b
	}
}

// WithTransport replaces the gRPC peer client.
func WithTransport(t replication.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

type Server struct {
	cfg Config

	store       *store.Store
	coordinator *replication.Coordinator
	client      *transport.Client
	rpcServer   *transport.Server
	relay       *events.Relay
	broker      *events.Broker
	registry    *registry.Service

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer opens the node from its persisted state. Nothing runs in the
// background until Start.
func NewServer(ctx context.Context, cfg *Config, opts ...Option) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	o := &options{backends: make(map[proto.StorageKind]storage.Backend)}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Node.ID == 0 {
		return nil, errors.New("node id must be set")
	}
	if o.validator == nil {
		o.validator = policy.AllowAll
	}

	cfg.StoreConfig.NodeID = cfg.Node.ID
	st, err := store.Open(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, errors.Info(err, "open store failed")
	}
	s := &Server{cfg: *cfg, store: st}

	peerTransport := o.transport
	if peerTransport == nil {
		s.client = transport.NewClient(cfg.TransportConfig)
		peerTransport = s.client
	}
	replCfg := cfg.ReplicationConfig
	replCfg.Peers = cfg.Peers
	s.coordinator, err = replication.NewCoordinator(ctx, replCfg, st, peerTransport, graph.NewEngine(&cfg.GraphConfig, st, nil))
	if err != nil {
		st.Close()
		return nil, errors.Info(err, "new coordinator failed")
	}

	s.broker = events.NewBroker()
	s.relay = events.NewRelay(cfg.EventConfig, st, append(o.sinks, s.broker)...)
	s.registry = registry.New(cfg.RegistryConfig, registry.Options{
		Store:     st,
		Writer:    s.coordinator,
		Graph:     graph.NewEngine(&cfg.GraphConfig, st, s.coordinator),
		Verifier:  storage.NewVerifier(cfg.StorageConfig, o.backends),
		Policy:    policy.NewGuard(cfg.PolicyConfig, o.validator),
		Publisher: s.relay,
	})
	if cfg.Node.Addr != "" {
		s.rpcServer = transport.NewServer(s.coordinator)
	}

	span.Infof("node %d opened at head %d, watermarks %v", cfg.Node.ID, st.Head(), st.Watermarks())
	return s, nil
}

// Start publishes what a previous run committed but never delivered, then
// starts the relay, anti-entropy and the replication listener.
func (s *Server) Start(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if _, err := s.registry.Recover(ctx); err != nil {
		span.Warnf("outbox recovery incomplete, the relay retries: %s", err)
	}
	s.relay.Start()
	s.coordinator.Start()

	if s.rpcServer == nil {
		return nil
	}
	lis, err := net.Listen("tcp", s.cfg.Node.Addr)
	if err != nil {
		return errors.Info(err, "listen failed", s.cfg.Node.Addr)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.rpcServer.Serve(lis); err != nil {
			log.Errorf("replication server exits: %s", err)
		}
	}()
	log.Infof("replication server of node %d is running at %s", s.cfg.Node.ID, s.cfg.Node.Addr)
	return nil
}

func (s *Server) Registry() *registry.Service {
	return s.registry
}

func (s *Server) Broker() *events.Broker {
	return s.broker
}

func (s *Server) Coordinator() *replication.Coordinator {
	return s.coordinator
}

type Stats struct {
	Node       proto.Node         `json:"node"`
	Head       proto.Seq          `json:"head"`
	Watermarks proto.Watermarks   `json:"watermarks"`
	Stale      bool               `json:"stale"`
	Peers      []proto.PeerStatus `json:"peers"`
	Used       uint64             `json:"used"`
	Keys       uint64             `json:"keys"`
}

func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	kvStats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Node:       s.cfg.Node,
		Head:       s.store.Head(),
		Watermarks: s.store.Watermarks(),
		Stale:      s.coordinator.IsStale(),
		Peers:      s.coordinator.Peers(),
		Used:       kvStats.Used,
		Keys:       kvStats.Keys,
	}, nil
}

// Close stops serving peers, flushes the outbox once more and closes the
// store. Entries not yet replicated stay in the log for the next start.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		span, ctx := trace.StartSpanFromContext(context.Background(), "")
		if s.rpcServer != nil {
			s.rpcServer.Stop()
		}
		s.wg.Wait()
		s.coordinator.Close()
		if n, err := s.relay.Flush(ctx); err != nil {
			span.Warnf("flush outbox on close failed after %d notifications: %s", n, err)
		}
		s.relay.Close()
		if s.client != nil {
			s.client.Close()
		}
		s.store.Close()
		span.Infof("node %d closed at head %d", s.cfg.Node.ID, s.store.Head())
	})
}
