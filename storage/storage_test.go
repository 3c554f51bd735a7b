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

package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util/limiter"
)

func TestDigest(t *testing.T) {
	data := []byte("hello world")
	for alg, want := range map[proto.ChecksumAlgorithm]string{
		proto.ChecksumSHA256: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		proto.ChecksumSHA512: "309ecc489c12d6eb4cc40f50c902f2b4d0ed77ee511a7c7a9bcd3ca86d4cd86f989dd35bc5ff499670da34255b45b0cfd830e81f605dcf7dc5542e93ae9cd76f",
	} {
		digest, n, err := Digest(bytes.NewReader(data), alg)
		require.NoError(t, err)
		require.Equal(t, int64(len(data)), n)
		require.Equal(t, want, digest)

		digest, err = DigestBytes(data, alg)
		require.NoError(t, err)
		require.Equal(t, want, digest)
	}

	streamed, _, err := Digest(bytes.NewReader(data), proto.ChecksumBLAKE3)
	require.NoError(t, err)
	require.Len(t, streamed, 64)
	direct, err := DigestBytes(data, proto.ChecksumBLAKE3)
	require.NoError(t, err)
	require.Equal(t, streamed, direct)

	_, _, err = Digest(bytes.NewReader(data), "md5")
	require.True(t, apierrors.Is(err, apierrors.ErrValidation))
	require.False(t, SupportedAlgorithm("md5"))
}

func TestFSBackend(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	data := bytes.Repeat([]byte("artifact"), 100000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "model.bin"), data, 0o644))

	b := NewFSBackend(root, limiter.LimitConfig{Concurrency: 2})
	digest, err := b.ComputeChecksum(ctx, "file://model.bin", proto.ChecksumSHA256)
	require.NoError(t, err)
	want, _ := DigestBytes(data, proto.ChecksumSHA256)
	require.Equal(t, want, digest)

	_, err = b.ComputeChecksum(ctx, "missing.bin", proto.ChecksumSHA256)
	require.True(t, apierrors.Is(err, apierrors.ErrValidation))
	_, err = b.ComputeChecksum(ctx, "../etc/passwd", proto.ChecksumSHA256)
	require.True(t, apierrors.Is(err, apierrors.ErrValidation))
}

func TestVerifier(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	mem.Put("mem://a", []byte("payload"))
	v := NewVerifier(Config{RetryInitialMs: 1, RetryMaxMs: 2, MaxRetries: 3},
		map[proto.StorageKind]Backend{proto.StorageKindMemory: mem})
	ptr := proto.StoragePointer{Backend: proto.StorageKindMemory, URI: "mem://a"}
	digest, _ := DigestBytes([]byte("payload"), proto.ChecksumSHA256)

	require.NoError(t, v.Verify(ctx, ptr, proto.Checksum{Algorithm: proto.ChecksumSHA256, Digest: digest}))
	err := v.Verify(ctx, ptr, proto.Checksum{Algorithm: proto.ChecksumSHA256, Digest: "00"})
	require.True(t, apierrors.Is(err, apierrors.ErrChecksumMismatch))

	// transient failures are retried
	mem.FailNext(2)
	calls := mem.Calls()
	require.NoError(t, v.Verify(ctx, ptr, proto.Checksum{Algorithm: proto.ChecksumSHA256, Digest: digest}))
	require.Equal(t, calls+3, mem.Calls())

	// retries are bounded
	mem.FailNext(10)
	calls = mem.Calls()
	_, err = v.ComputeChecksum(ctx, ptr, proto.ChecksumSHA256)
	require.True(t, apierrors.Is(err, apierrors.ErrStorageUnavailable))
	require.Equal(t, calls+3, mem.Calls())
	mem.FailNext(0)

	// permanent errors are not retried
	calls = mem.Calls()
	_, err = v.ComputeChecksum(ctx, proto.StoragePointer{Backend: proto.StorageKindMemory, URI: "mem://none"}, proto.ChecksumSHA256)
	require.True(t, apierrors.Is(err, apierrors.ErrValidation))
	require.Equal(t, calls+1, mem.Calls())

	_, err = v.ComputeChecksum(ctx, proto.StoragePointer{Backend: "s3", URI: "x"}, proto.ChecksumSHA256)
	require.True(t, apierrors.Is(err, apierrors.ErrValidation))
}

type blockingBackend struct{}

func (blockingBackend) ComputeChecksum(ctx context.Context, uri string, alg proto.ChecksumAlgorithm) (string, error) {
	<-ctx.Done()
	return "", apierrors.ErrStorageUnavailable.WithCause(ctx.Err())
}

func TestVerifier_Timeout(t *testing.T) {
	v := NewVerifier(Config{ChecksumTimeoutMs: 20, RetryInitialMs: 1, MaxRetries: 2},
		map[proto.StorageKind]Backend{proto.StorageKindMemory: blockingBackend{}})
	_, err := v.ComputeChecksum(context.Background(), proto.StoragePointer{Backend: proto.StorageKindMemory, URI: "x"}, proto.ChecksumSHA256)
	require.True(t, apierrors.Is(err, apierrors.ErrStorageUnavailable))
}
