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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util/limiter"
)

const (
	defaultChecksumTimeoutMs = 30000
	defaultMaxRetries        = 3
	defaultRetryInitialMs    = 100
	defaultRetryMaxMs        = 2000
)

type Config struct {
	Root              string              `json:"root"`
	ChecksumTimeoutMs int                 `json:"checksum_timeout_ms"`
	MaxRetries        int                 `json:"max_retries"`
	RetryInitialMs    int                 `json:"retry_initial_ms"`
	RetryMaxMs        int                 `json:"retry_max_ms"`
	Limit             limiter.LimitConfig `json:"limit"`
}

func (cfg *Config) init() {
	if cfg.ChecksumTimeoutMs <= 0 {
		cfg.ChecksumTimeoutMs = defaultChecksumTimeoutMs
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInitialMs <= 0 {
		cfg.RetryInitialMs = defaultRetryInitialMs
	}
	if cfg.RetryMaxMs < cfg.RetryInitialMs {
		cfg.RetryMaxMs = defaultRetryMaxMs
		if cfg.RetryMaxMs < cfg.RetryInitialMs {
			cfg.RetryMaxMs = cfg.RetryInitialMs
		}
	}
}

// Verifier computes and checks artifact digests against the backend that
// holds each artifact.
type Verifier struct {
	cfg      Config
	backends map[proto.StorageKind]Backend
	group    singleflight.Group
}

func NewVerifier(cfg Config, backends map[proto.StorageKind]Backend) *Verifier {
	cfg.init()
	v := &Verifier{cfg: cfg, backends: make(map[proto.StorageKind]Backend)}
	for kind, b := range backends {
		v.backends[kind] = b
	}
	if _, ok := v.backends[proto.StorageKindFS]; !ok {
		v.backends[proto.StorageKindFS] = NewFSBackend(cfg.Root, cfg.Limit)
	}
	return v
}

// ComputeChecksum asks the backend for the digest of ptr. Unavailability
// is retried with exponential backoff, other errors are returned as is.
// Concurrent calls for the same artifact share one computation.
func (v *Verifier) ComputeChecksum(ctx context.Context, ptr proto.StoragePointer, alg proto.ChecksumAlgorithm) (string, error) {
	span := trace.SpanFromContextSafe(ctx)
	if !SupportedAlgorithm(alg) {
		return "", apierrors.ErrValidation.Withf("unsupported checksum algorithm %q", alg)
	}
	backend, ok := v.backends[ptr.Backend]
	if !ok {
		return "", apierrors.ErrValidation.Withf("unknown storage backend %q", ptr.Backend)
	}

	key := strings.Join([]string{string(ptr.Backend), ptr.URI, string(alg)}, "\x00")
	ch := v.group.DoChan(key, func() (interface{}, error) {
		return v.compute(context.WithoutCancel(ctx), backend, ptr, alg)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ret := <-ch:
		if ret.Err != nil {
			span.Warnf("compute checksum of %s failed: %s", ptr.URI, ret.Err)
			return "", ret.Err
		}
		return ret.Val.(string), nil
	}
}

func (v *Verifier) compute(ctx context.Context, backend Backend, ptr proto.StoragePointer, alg proto.ChecksumAlgorithm) (string, error) {
	span := trace.SpanFromContextSafe(ctx)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(v.cfg.ChecksumTimeoutMs)*time.Millisecond)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(v.cfg.RetryInitialMs) * time.Millisecond
	b.MaxInterval = time.Duration(v.cfg.RetryMaxMs) * time.Millisecond

	attempt := 0
	digest, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		digest, err := backend.ComputeChecksum(ctx, ptr.URI, alg)
		if err == nil {
			return digest, nil
		}
		if apierrors.Is(err, apierrors.ErrStorageUnavailable) {
			span.Debugf("checksum attempt %d of %s unavailable: %s", attempt, ptr.URI, err)
			return "", err
		}
		return "", backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(v.cfg.MaxRetries)))
	if err == nil {
		return digest, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "", apierrors.ErrStorageUnavailable.Withf("checksum of %s timed out after %dms", ptr.URI, v.cfg.ChecksumTimeoutMs)
	}
	if apierrors.CodeOf(err) == 0 && ctx.Err() == nil {
		return "", apierrors.ErrStorageUnavailable.WithCause(err)
	}
	return "", err
}

// Verify recomputes the digest of ptr and compares it with expected.
func (v *Verifier) Verify(ctx context.Context, ptr proto.StoragePointer, expected proto.Checksum) error {
	digest, err := v.ComputeChecksum(ctx, ptr, expected.Algorithm)
	if err != nil {
		return err
	}
	if !strings.EqualFold(digest, expected.Digest) {
		return apierrors.ErrChecksumMismatch.Withf("%s digest of %s is %s, declared %s", expected.Algorithm, ptr.URI, digest, expected.Digest)
	}
	return nil
}
