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
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util"
	"github.com/cubefs/assetdb/util/limiter"
)

// Backend computes digests of artifacts it stores. Transient failures are
// reported as apierrors.ErrStorageUnavailable.
type Backend interface {
	ComputeChecksum(ctx context.Context, uri string, alg proto.ChecksumAlgorithm) (string, error)
}

type fsBackend struct {
	root    string
	limiter limiter.Limiter
}

// NewFSBackend serves file:// and bare path URIs below root.
func NewFSBackend(root string, cfg limiter.LimitConfig) Backend {
	return &fsBackend{root: root, limiter: limiter.NewLimiter(cfg)}
}

func (b *fsBackend) ComputeChecksum(ctx context.Context, uri string, alg proto.ChecksumAlgorithm) (string, error) {
	span := trace.SpanFromContextSafe(ctx)
	path, err := b.resolve(uri)
	if err != nil {
		return "", err
	}
	if err := b.limiter.Acquire(); err != nil {
		return "", apierrors.ErrStorageUnavailable.WithCause(err)
	}
	defer b.limiter.Release()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apierrors.ErrValidation.Withf("artifact %s does not exist", uri)
		}
		return "", apierrors.ErrStorageUnavailable.WithCause(err)
	}
	defer f.Close()

	tr := &util.TimeReader{R: b.limiter.Reader(ctx, f)}
	digest, n, err := Digest(tr, alg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if apierrors.CodeOf(err) != 0 {
			return "", err
		}
		return "", apierrors.ErrStorageUnavailable.WithCause(err)
	}
	span.Debugf("hashed %s, %d bytes in %s", uri, n, tr.GetCost())
	return digest, nil
}

func (b *fsBackend) resolve(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	if path == "" {
		return "", apierrors.ErrValidation.Withf("empty storage uri")
	}
	if b.root == "" {
		return path, nil
	}
	full := filepath.Join(b.root, path)
	if rel, err := filepath.Rel(b.root, full); err != nil || strings.HasPrefix(rel, "..") {
		return "", apierrors.ErrValidation.Withf("uri %s escapes storage root", uri)
	}
	return full, nil
}

// MemoryBackend keeps artifacts in process. Failures can be injected to
// exercise retries.
type MemoryBackend struct {
	lock     sync.Mutex
	objects  map[string][]byte
	failures int
	calls    int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func (b *MemoryBackend) Put(uri string, data []byte) {
	b.lock.Lock()
	b.objects[uri] = append([]byte(nil), data...)
	b.lock.Unlock()
}

// FailNext makes the next n calls report the backend unavailable.
func (b *MemoryBackend) FailNext(n int) {
	b.lock.Lock()
	b.failures = n
	b.lock.Unlock()
}

func (b *MemoryBackend) Calls() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.calls
}

func (b *MemoryBackend) ComputeChecksum(ctx context.Context, uri string, alg proto.ChecksumAlgorithm) (string, error) {
	b.lock.Lock()
	b.calls++
	if b.failures > 0 {
		b.failures--
		b.lock.Unlock()
		return "", apierrors.ErrStorageUnavailable.Withf("injected failure")
	}
	data, ok := b.objects[uri]
	b.lock.Unlock()
	if !ok {
		return "", apierrors.ErrValidation.Withf("artifact %s does not exist", uri)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return DigestBytes(data, alg)
}
