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

package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	gocache "github.com/patrickmn/go-cache"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
	"github.com/cubefs/assetdb/util/codec"
)

const (
	defaultTimeoutMs      = 5000
	defaultCacheTTLMs     = 60000
	defaultCacheCleanupMs = 300000
)

// Fallbacks applied when the validator does not answer.
const (
	FallbackReject = "reject"
	FallbackAllow  = "allow"
)

type Verdict uint8

const (
	Allow Verdict = iota + 1
	Deny
	RequireApproval
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case RequireApproval:
		return "require_approval"
	default:
		return "unknown"
	}
}

type (
	AssetSummary struct {
		ID       proto.AssetID   `json:"id"`
		Name     string          `json:"name"`
		Version  string          `json:"version"`
		Type     proto.AssetType `json:"type"`
		Checksum proto.Checksum  `json:"checksum"`
		Tags     []string        `json:"tags,omitempty"`
		Author   string          `json:"author"`
	}
	Request struct {
		Asset     AssetSummary `json:"asset"`
		Operation string       `json:"operation"`
		Actor     string       `json:"actor"`
	}
	Decision struct {
		Verdict  Verdict  `json:"verdict"`
		Reasons  []string `json:"reasons,omitempty"`
		Warnings []string `json:"warnings,omitempty"`
	}
)

func Summarize(a *proto.Asset) AssetSummary {
	return AssetSummary{
		ID:       a.ID,
		Name:     a.Name,
		Version:  a.Version,
		Type:     a.Type,
		Checksum: a.Checksum,
		Tags:     append([]string(nil), a.Tags...),
		Author:   a.Provenance.Author,
	}
}

// Validator is the external policy collaborator.
type Validator interface {
	Validate(ctx context.Context, req *Request) (*Decision, error)
}

type ValidatorFunc func(ctx context.Context, req *Request) (*Decision, error)

func (f ValidatorFunc) Validate(ctx context.Context, req *Request) (*Decision, error) {
	return f(ctx, req)
}

// AllowAll accepts every request.
var AllowAll = ValidatorFunc(func(context.Context, *Request) (*Decision, error) {
	return &Decision{Verdict: Allow}, nil
})

type Config struct {
	TimeoutMs      int    `json:"timeout_ms"`
	Fallback       string `json:"fallback"`
	CacheTTLMs     int    `json:"cache_ttl_ms"`
	CacheCleanupMs int    `json:"cache_cleanup_ms"`
	DisableCache   bool   `json:"disable_cache"`
}

// Guard bounds calls to a Validator with a timeout, applies the configured
// fallback when the validator does not answer, and caches definitive
// decisions per request.
type Guard struct {
	cfg       Config
	validator Validator
	cache     *gocache.Cache
}

func NewGuard(cfg Config, validator Validator) *Guard {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = defaultTimeoutMs
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackReject
	}
	if cfg.CacheTTLMs <= 0 {
		cfg.CacheTTLMs = defaultCacheTTLMs
	}
	if cfg.CacheCleanupMs <= 0 {
		cfg.CacheCleanupMs = defaultCacheCleanupMs
	}
	if validator == nil {
		validator = AllowAll
	}
	g := &Guard{cfg: cfg, validator: validator}
	if !cfg.DisableCache {
		g.cache = gocache.New(time.Duration(cfg.CacheTTLMs)*time.Millisecond, time.Duration(cfg.CacheCleanupMs)*time.Millisecond)
	}
	return g
}

// Check returns the decision for req. Deny is returned as ErrPolicyRejected;
// Allow and RequireApproval are returned as decisions.
func (g *Guard) Check(ctx context.Context, req *Request) (*Decision, error) {
	span := trace.SpanFromContextSafe(ctx)
	key, cacheable := cacheKey(req)
	if g.cache != nil && cacheable {
		if v, ok := g.cache.Get(key); ok {
			if d, ok := v.(*Decision); ok {
				span.Debugf("policy cache hit for %s", key)
				return verdictResult(d)
			}
		}
	}

	d, err := g.validate(ctx, req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, err
		}
		span.Warnf("policy validation of %s@%s failed: %s", req.Asset.Name, req.Asset.Version, err)
		return g.fallback(err)
	}
	if d.Verdict != Allow && d.Verdict != Deny && d.Verdict != RequireApproval {
		return g.fallback(errors.New(fmt.Sprintf("unknown verdict %d", d.Verdict)))
	}
	if g.cache != nil && cacheable {
		g.cache.SetDefault(key, d)
	}
	return verdictResult(d)
}

// Forget drops the cached decisions for an asset identity.
func (g *Guard) Forget(name, version string) {
	if g.cache == nil {
		return
	}
	prefix := name + "\x00" + version + "\x00"
	for k := range g.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			g.cache.Delete(k)
		}
	}
}

func (g *Guard) validate(ctx context.Context, req *Request) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	type result struct {
		d   *Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := g.validator.Validate(ctx, req)
		ch <- result{d: d, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		r.err = ctx.Err()
	case r = <-ch:
	}
	if r.err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, apierrors.ErrPolicyTimeout.Withf("no policy decision within %dms", g.cfg.TimeoutMs)
	}
	if r.err == nil && r.d == nil {
		return nil, errors.New("empty policy decision")
	}
	return r.d, r.err
}

func (g *Guard) fallback(err error) (*Decision, error) {
	if g.cfg.Fallback == FallbackAllow {
		return &Decision{Verdict: Allow, Warnings: []string{"policy fallback: " + err.Error()}}, nil
	}
	if apierrors.Is(err, apierrors.ErrPolicyTimeout) {
		return nil, err
	}
	return nil, apierrors.ErrPolicyRejected.WithCause(err)
}

func verdictResult(d *Decision) (*Decision, error) {
	if d.Verdict == Deny {
		return d, apierrors.ErrPolicyRejected.Withf("%s", strings.Join(d.Reasons, "; "))
	}
	return d, nil
}

// cacheKey covers everything the validator sees, led by the identity so
// Forget can drop it by prefix.
func cacheKey(req *Request) (string, bool) {
	b, err := codec.Marshal(req)
	if err != nil {
		return "", false
	}
	return req.Asset.Name + "\x00" + req.Asset.Version + "\x00" + string(b), true
}
