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

package transport

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/metrics"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/replication"
	"github.com/cubefs/assetdb/util/codec"
)

const (
	serviceName    = "assetdb.Replication"
	appendMethod   = "/" + serviceName + "/Append"
	statusMethod   = "/" + serviceName + "/Status"
	defaultDialMs  = 1000
	defaultKeepMs  = 1000
	defaultAliveMs = 5000
)

func appendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(replication.AppendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replication.Handler).HandleAppend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: appendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(replication.Handler).HandleAppend(ctx, req.(*replication.AppendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(replication.StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replication.Handler).HandleStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(replication.Handler).HandleStatus(ctx, req.(*replication.StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replication.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: appendHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replication",
}

// Server serves the replication service of one node over gRPC, encoded
// with the cbor codec.
type Server struct {
	server *grpc.Server
}

func NewServer(h replication.Handler) *Server {
	s := grpc.NewServer(
		grpc.ForceServerCodec(codec.GRPC{}),
		grpc.ChainUnaryInterceptor(
			metrics.GRPCMetrics.UnaryServerInterceptor(),
			unaryInterceptorWithTracer,
			unaryInterceptorWithStatus,
		),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Duration(defaultKeepMs) * time.Millisecond / 2,
			PermitWithoutStream: true,
		}),
	)
	s.RegisterService(&serviceDesc, h)
	metrics.GRPCMetrics.InitializeMetrics(s)
	return &Server{server: s}
}

// Serve blocks until lis is closed or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

func (s *Server) Stop() {
	s.server.GracefulStop()
}

func unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if reqID := md.Get(proto.ReqIdKey); len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
		}
	}
	return handler(ctx, req)
}

// unaryInterceptorWithStatus carries typed errors as grpc status codes.
func unaryInterceptorWithStatus(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	code := codes.Internal
	switch apierrors.CategoryOf(err) {
	case apierrors.CategoryAvailability:
		code = codes.Unavailable
	case apierrors.CategoryValidation:
		code = codes.InvalidArgument
	case apierrors.CategoryConflict:
		code = codes.Aborted
	case apierrors.CategoryNotFound:
		code = codes.NotFound
	}
	return nil, status.Error(code, err.Error())
}

type ClientConfig struct {
	DialTimeoutMs    int `json:"dial_timeout_ms"`
	KeepaliveMs      int `json:"keepalive_ms"`
	KeepaliveAliveMs int `json:"keepalive_alive_ms"`
}

// Client is the gRPC replication transport. One connection is kept per
// peer address.
type Client struct {
	cfg   ClientConfig
	lock  sync.Mutex
	conns map[proto.NodeID]*grpc.ClientConn

	// dialer overrides the network dialer, used by tests
	dialer func(context.Context, string) (net.Conn, error)
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeoutMs <= 0 {
		cfg.DialTimeoutMs = defaultDialMs
	}
	if cfg.KeepaliveMs <= 0 {
		cfg.KeepaliveMs = defaultKeepMs
	}
	if cfg.KeepaliveAliveMs <= 0 {
		cfg.KeepaliveAliveMs = defaultAliveMs
	}
	return &Client{cfg: cfg, conns: make(map[proto.NodeID]*grpc.ClientConn)}
}

func (c *Client) Append(ctx context.Context, to proto.Node, req *replication.AppendRequest) (*replication.AppendResponse, error) {
	resp := &replication.AppendResponse{}
	if err := c.invoke(ctx, to, appendMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context, to proto.Node, req *replication.StatusRequest) (*replication.StatusResponse, error) {
	resp := &replication.StatusResponse{}
	if err := c.invoke(ctx, to, statusMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
}

func (c *Client) invoke(ctx context.Context, to proto.Node, method string, req, resp interface{}) error {
	conn, err := c.getConn(to)
	if err != nil {
		return err
	}
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, span.TraceID())
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return errors.Info(err, "invoke failed", method, to.Addr)
	}
	return nil
}

func (c *Client) getConn(node proto.Node) (*grpc.ClientConn, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if conn, ok := c.conns[node.ID]; ok && conn.Target() == node.Addr {
		return conn, nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(codec.GRPC{}),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                time.Duration(c.cfg.KeepaliveMs) * time.Millisecond,
				Timeout:             time.Duration(c.cfg.KeepaliveAliveMs) * time.Millisecond,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: time.Duration(c.cfg.DialTimeoutMs) * time.Millisecond,
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if c.dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(c.dialer))
	}

	conn, err := grpc.Dial(node.Addr, dialOpts...)
	if err != nil {
		return nil, errors.Info(err, "dial peer failed", node.Addr)
	}
	if old, ok := c.conns[node.ID]; ok {
		old.Close()
	}
	c.conns[node.ID] = conn
	return conn, nil
}
