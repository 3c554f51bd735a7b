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

package events

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/cubefs/assetdb/errors"
	"github.com/cubefs/assetdb/proto"
)

const (
	defaultBatchSize      = 128
	defaultIntervalMs     = 1000
	defaultPublishTimeout = 10000
	defaultSinkPoolSize   = 8
)

// Outbox is the durable queue of committed but unpublished notifications.
type Outbox interface {
	PendingNotifications(ctx context.Context, limit int) ([]*proto.Notification, error)
	AckNotifications(ctx context.Context, ids ...proto.EventID) error
	Watch() <-chan struct{}
}

type Config struct {
	BatchSize        int `json:"batch_size"`
	IntervalMs       int `json:"interval_ms"`
	PublishTimeoutMs int `json:"publish_timeout_ms"`
	SinkPoolSize     int `json:"sink_pool_size"`
}

// Relay moves notifications from the outbox to the sinks after they are
// committed, acknowledging each one only when every sink accepted it.
type Relay struct {
	cfg      Config
	outbox   Outbox
	sinks    []Sink
	taskPool taskpool.TaskPool

	flushLock sync.Mutex
	notifyC   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

func NewRelay(cfg Config, outbox Outbox, sinks ...Sink) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = defaultIntervalMs
	}
	if cfg.PublishTimeoutMs <= 0 {
		cfg.PublishTimeoutMs = defaultPublishTimeout
	}
	if cfg.SinkPoolSize <= 0 {
		cfg.SinkPoolSize = defaultSinkPoolSize
	}
	return &Relay{
		cfg:      cfg,
		outbox:   outbox,
		sinks:    sinks,
		taskPool: taskpool.New(cfg.SinkPoolSize, cfg.SinkPoolSize),
		notifyC:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (r *Relay) Start() {
	go r.run()
}

func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.flushLock.Lock()
		r.closed = true
		r.taskPool.Close()
		r.flushLock.Unlock()
	})
}

// Notify wakes the relay after a commit.
func (r *Relay) Notify() {
	select {
	case r.notifyC <- struct{}{}:
	default:
	}
}

// Flush publishes pending notifications until the outbox is empty or a sink
// fails. It returns the number of notifications acknowledged.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.flushLock.Lock()
	defer r.flushLock.Unlock()
	if r.closed {
		return 0, apierrors.ErrClosed
	}

	total := 0
	for {
		pending, err := r.outbox.PendingNotifications(ctx, r.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}

		acked := make([]proto.EventID, 0, len(pending))
		var publishErr error
		for _, n := range pending {
			if publishErr = r.publish(ctx, n); publishErr != nil {
				break
			}
			acked = append(acked, n.ID)
		}
		if err := r.outbox.AckNotifications(ctx, acked...); err != nil {
			return total, err
		}
		total += len(acked)
		if publishErr != nil {
			return total, publishErr
		}
		if len(pending) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, n *proto.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.PublishTimeoutMs)*time.Millisecond)
	defer cancel()

	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		err  error
	)
	for _, sink := range r.sinks {
		sink := sink
		wg.Add(1)
		r.taskPool.Run(func() {
			defer wg.Done()
			if e := sink.Publish(ctx, n); e != nil {
				lock.Lock()
				err = errors.Info(e, "publish notification failed", n.ID, n.Kind.String())
				lock.Unlock()
			}
		})
	}
	wg.Wait()
	return err
}

func (r *Relay) run() {
	ticker := time.NewTicker(time.Duration(r.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		// watch before flushing so a commit racing with the flush wakes us
		watchC := r.outbox.Watch()
		span, ctx := trace.StartSpanFromContext(context.Background(), "")
		n, err := r.Flush(ctx)
		if err != nil {
			span.Warnf("relay notifications failed after %d: %s", n, errors.Detail(err))
		} else if n > 0 {
			span.Debugf("relayed %d notifications", n)
		}

		select {
		case <-r.notifyC:
		case <-watchC:
		case <-ticker.C:
		case <-r.done:
			return
		}
	}
}
