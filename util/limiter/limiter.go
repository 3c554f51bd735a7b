// Copyright 2023 The Cuber Authors.
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

package limiter

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter bounds artifact reads issued while computing digests.
	Limiter interface {
		Acquire() error
		Release()
		Reader(ctx context.Context, r io.Reader) io.Reader
		SetConcurrency(value uint32)
		SetMBPS(mbps int)
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		Concurrency int `json:"concurrency"`
		MBPS        int `json:"mbps"`
	}
	Status struct {
		Config  LimitConfig
		Running int
		WaitMs  int
	}
	reader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	limiter struct {
		config     LimitConfig
		countLimit CountLimit
		rate       atomic.Pointer[rate.Limiter]
	}
)

func (r *reader) Read(p []byte) (n int, err error) {
	// a single wait may not exceed the burst
	if b := r.rate.Burst(); len(p) > b {
		p = p[:b]
	}
	if err = r.rate.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.underlying.Read(p)
}

func NewLimiter(cfg LimitConfig) Limiter {
	lim := &limiter{config: cfg}
	if cfg.Concurrency > 0 {
		lim.countLimit = NewCountLimit(cfg.Concurrency)
	}
	if cfg.MBPS > 0 {
		lim.rate.Store(newRate(cfg.MBPS))
	}
	return lim
}

func (lim *limiter) Acquire() error {
	if lim.countLimit != nil {
		return lim.countLimit.Acquire()
	}
	return nil
}

func (lim *limiter) Release() {
	if lim.countLimit != nil {
		lim.countLimit.Release()
	}
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if rl := lim.rate.Load(); rl != nil {
		return &reader{ctx: ctx, rate: rl, underlying: r}
	}
	return r
}

func (lim *limiter) SetConcurrency(value uint32) {
	if lim.countLimit == nil {
		lim.countLimit = NewCountLimit(int(value))
	} else {
		lim.countLimit.SetLimit(value)
	}
	lim.config.Concurrency = int(value)
}

func (lim *limiter) SetMBPS(mbps int) {
	if rl := lim.rate.Load(); rl != nil {
		rl.SetLimit(rate.Limit(mbps << 20))
		rl.SetBurst(mbps << 20)
	} else {
		lim.rate.Store(newRate(mbps))
	}
	lim.config.MBPS = mbps
}

func (lim *limiter) Status() Status {
	st := Status{Config: lim.config}
	if lim.countLimit != nil {
		st.Running = lim.countLimit.Running()
	}
	if rl := lim.rate.Load(); rl != nil {
		st.WaitMs = rateWait(rl)
	}
	return st
}

func newRate(mbps int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(mbps<<20), mbps<<20)
}

func rateWait(r *rate.Limiter) int {
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
