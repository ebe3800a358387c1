// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package stream

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

const defaultSubscriptionBuffer = 256

// EventBroker fans events out to subscriptions. Publishing never blocks: a
// subscriber that cannot keep up has events dropped from its own buffer while
// other subscribers are unaffected. Events are delivered in publish order per
// subscriber.
type EventBroker struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	// index is a monotonic sequence stamped on published events.
	index uint64

	logger hclog.Logger
}

// NewEventBroker returns a broker ready for use.
func NewEventBroker(logger hclog.Logger) *EventBroker {
	if logger == nil {
		logger = hclog.Default()
	}
	return &EventBroker{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.Named("event_broker"),
	}
}

// Publish stamps the event with the next index and offers it to every
// matching subscription.
func (b *EventBroker) Publish(e Event) {
	e.Index = atomic.AddUint64(&b.index, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		select {
		case sub.events <- e:
		default:
			atomic.AddUint64(&sub.dropped, 1)
			b.logger.Warn("dropping event for slow subscriber",
				"topic", e.Topic, "type", e.Type, "key", e.Key)
		}
	}
}

// Subscribe registers a new subscription for the requested topics.
func (b *EventBroker) Subscribe(req *SubscribeRequest) *Subscription {
	buffer := req.Buffer
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &Subscription{
		req:         req,
		events:      make(chan Event, buffer),
		forceClosed: make(chan struct{}),
	}
	var once sync.Once
	sub.unsub = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.forceClose()
		})
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// CloseAll force-closes every subscription; used at engine shutdown.
func (b *EventBroker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.forceClose()
		delete(b.subs, sub)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *EventBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
