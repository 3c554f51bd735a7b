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

	gocache "github.com/patrickmn/go-cache"

	"github.com/cubefs/assetdb/proto"
)

const (
	defaultSubscriptionBuffer = 64
	deliveredTTL              = 10 * time.Minute
)

// Sink receives notifications from the relay. A returned error keeps the
// notification in the outbox for redelivery.
type Sink interface {
	Publish(ctx context.Context, n *proto.Notification) error
}

type SinkFunc func(ctx context.Context, n *proto.Notification) error

func (f SinkFunc) Publish(ctx context.Context, n *proto.Notification) error {
	return f(ctx, n)
}

// Subscription is a channel of notifications of the subscribed kinds.
type Subscription struct {
	kinds  map[proto.EventKind]struct{}
	c      chan *proto.Notification
	done   chan struct{}
	broker *Broker
	once   sync.Once
}

func (s *Subscription) C() <-chan *proto.Notification {
	return s.c
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
}

func (s *Subscription) match(kind proto.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Broker fans notifications out to in-process subscribers. Redeliveries of
// an id already handed out are dropped.
type Broker struct {
	lock      sync.RWMutex
	subs      map[*Subscription]struct{}
	delivered *gocache.Cache
}

func NewBroker() *Broker {
	return &Broker{
		subs:      make(map[*Subscription]struct{}),
		delivered: gocache.New(deliveredTTL, deliveredTTL),
	}
}

// Subscribe returns a subscription for kinds, or for every kind when none
// is given.
func (b *Broker) Subscribe(buffer int, kinds ...proto.EventKind) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	s := &Subscription{
		kinds:  make(map[proto.EventKind]struct{}, len(kinds)),
		c:      make(chan *proto.Notification, buffer),
		done:   make(chan struct{}),
		broker: b,
	}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}
	b.lock.Lock()
	b.subs[s] = struct{}{}
	b.lock.Unlock()
	return s
}

// Publish blocks until every matching subscriber has buffered n or ctx is
// done.
func (b *Broker) Publish(ctx context.Context, n *proto.Notification) error {
	if _, ok := b.delivered.Get(n.ID); ok {
		return nil
	}
	b.lock.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.match(n.Kind) {
			subs = append(subs, s)
		}
	}
	b.lock.RUnlock()

	for _, s := range subs {
		select {
		case s.c <- n:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.delivered.SetDefault(n.ID, struct{}{})
	return nil
}

func (b *Broker) remove(s *Subscription) {
	b.lock.Lock()
	delete(b.subs, s)
	b.lock.Unlock()
}
