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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/replication"
	"github.com/cubefs/assetdb/util"
)

type fakeHandler struct {
	closed   bool
	received []*proto.ChangeEvent
}

func (h *fakeHandler) HandleAppend(ctx context.Context, req *replication.AppendRequest) (*replication.AppendResponse, error) {
	if h.closed {
		return nil, apierrors.ErrClosed
	}
	h.received = append(h.received, req.Entries...)
	return &replication.AppendResponse{
		Node:       2,
		Applied:    len(req.Entries),
		Watermarks: proto.Watermarks{req.From: req.Entries[len(req.Entries)-1].Seq},
	}, nil
}

func (h *fakeHandler) HandleStatus(ctx context.Context, req *replication.StatusRequest) (*replication.StatusResponse, error) {
	if h.closed {
		return nil, apierrors.ErrClosed
	}
	return &replication.StatusResponse{Node: 2, Watermarks: proto.Watermarks{2: 7}}, nil
}

func newBufconnPair(t *testing.T, h replication.Handler) *Client {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(h)
	go srv.Serve(lis)

	c := NewClient(ClientConfig{})
	c.dialer = func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	t.Cleanup(func() {
		c.Close()
		srv.Stop()
	})
	return c
}

func TestGRPC_AppendAndStatus(t *testing.T) {
	ctx := context.Background()
	h := &fakeHandler{}
	c := newBufconnPair(t, h)
	peer := proto.Node{ID: 2, Addr: "passthrough:///bufnet"}

	now := util.Now()
	entry := &proto.ChangeEvent{
		ID:        util.NewID(),
		AssetID:   "a1",
		Op:        proto.OpRegister,
		Actor:     "alice",
		Timestamp: now,
		After:     &proto.Asset{ID: "a1", Name: "bert", Version: "1.0.0", Tags: []string{"x"}, CreatedAt: now, UpdatedAt: now},
		Source:    1,
		Seq:       3,
		Clock:     proto.VersionVector{1: 3},
	}
	resp, err := c.Append(ctx, peer, &replication.AppendRequest{From: 1, Entries: []*proto.ChangeEvent{entry}})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Applied)
	require.Equal(t, proto.Seq(3), resp.Watermarks[1])
	require.Len(t, h.received, 1)
	require.Equal(t, entry, h.received[0])

	st, err := c.Status(ctx, peer, &replication.StatusRequest{From: 1})
	require.NoError(t, err)
	require.Equal(t, proto.NodeID(2), st.Node)
	require.Equal(t, proto.Seq(7), st.Watermarks[2])

	h.closed = true
	_, err = c.Status(ctx, peer, &replication.StatusRequest{From: 1})
	require.Error(t, err)
}

func TestGRPC_StatusCodes(t *testing.T) {
	_, err := unaryInterceptorWithStatus(context.Background(), nil, nil, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, apierrors.ErrClosed
	})
	require.Equal(t, codes.Unavailable, status.Code(err))

	_, err = unaryInterceptorWithStatus(context.Background(), nil, nil, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, apierrors.ErrValidation
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
