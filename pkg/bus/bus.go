// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus provides in-process pub/sub fan-out of memory lifecycle
// events to SSE clients and other subscribers.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 64

// EventBus broadcasts events to all subscribers. Publishing never blocks: a
// subscriber whose buffer is full is evicted (its channel closed) rather
// than slowing down or losing events for everyone else. Safe for concurrent
// use.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	nextID      atomic.Int64

	totalPublished atomic.Int64
	totalEvicted   atomic.Int64

	closed atomic.Bool
	logger *zap.Logger
}

// Subscription is one subscriber's handle. Events arrives on C until
// Unsubscribe is called, the bus closes, or the subscriber is evicted for
// falling behind; in every case C is closed.
type Subscription struct {
	ID      string
	C       <-chan Event
	channel chan Event
	created time.Time
}

// New creates an event bus.
func New(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subscribers: make(map[string]*Subscription),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber. bufferSize <= 0 uses the default.
func (b *EventBus) Subscribe(name string, bufferSize int) (*Subscription, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("event bus is closed")
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	ch := make(chan Event, bufferSize)
	sub := &Subscription{
		ID:      fmt.Sprintf("%s-%d", name, b.nextID.Add(1)),
		C:       ch,
		channel: ch,
		created: time.Now(),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("bus subscribe",
		zap.String("subscription_id", sub.ID),
		zap.Int("buffer_size", bufferSize))
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids
// are a no-op so eviction and explicit unsubscribe can race safely.
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, found := b.subscribers[subscriptionID]
	if found {
		delete(b.subscribers, subscriptionID)
	}
	b.mu.Unlock()

	if found {
		close(sub.channel)
		b.logger.Debug("bus unsubscribe", zap.String("subscription_id", subscriptionID))
	}
}

// Publish delivers the event to every subscriber. Subscribers with a full
// buffer are evicted. Returns the number of subscribers reached.
func (b *EventBus) Publish(event Event) int {
	if b.closed.Load() {
		return 0
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var evicted []string

	b.mu.RLock()
	delivered := 0
	for id, sub := range b.subscribers {
		select {
		case sub.channel <- event:
			delivered++
		default:
			evicted = append(evicted, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range evicted {
		b.totalEvicted.Add(1)
		b.logger.Warn("evicting slow subscriber",
			zap.String("subscription_id", id),
			zap.String("event_type", string(event.Type)))
		b.Unsubscribe(id)
	}

	b.totalPublished.Add(1)
	return delivered
}

// SubscriberCount returns the number of live subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats reports lifetime bus counters.
func (b *EventBus) Stats() (published, evicted int64) {
	return b.totalPublished.Load(), b.totalEvicted.Load()
}

// Close shuts down the bus and closes all subscriber channels.
func (b *EventBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	for _, sub := range b.subscribers {
		close(sub.channel)
	}
	b.subscribers = make(map[string]*Subscription)
	b.mu.Unlock()

	b.logger.Info("event bus closed",
		zap.Int64("total_published", b.totalPublished.Load()),
		zap.Int64("total_evicted", b.totalEvicted.Load()))
}
