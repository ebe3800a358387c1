// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"errors"
	"sync/atomic"
)

const (
	// subscriptionStateOpen is the default state of a subscription. An open
	// subscription may receive new events.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates that the subscription was closed
	// and will not receive new events.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed is an error signalling the subscription has been
// closed. The subscriber should Unsubscribe, then re-Subscribe.
var ErrSubscriptionClosed = errors.New("subscription closed by broker, client should resubscribe")

// SubscribeRequest selects the topics and keys a subscription receives.
// Keys are task ids; AllKeys matches everything in a topic.
type SubscribeRequest struct {
	Topics map[Topic][]string

	// Buffer is the subscription channel capacity. Events published while
	// the buffer is full are dropped for this subscriber. Zero means
	// defaultSubscriptionBuffer.
	Buffer int
}

// Subscription is a single subscriber's view of the event stream.
type Subscription struct {
	// state must be accessed atomically.
	state uint32

	req *SubscribeRequest

	// events is the buffered delivery channel filled by the broker.
	events chan Event

	// forceClosed is closed when the broker shuts the subscription down;
	// it cancels Next.
	forceClosed chan struct{}

	// unsub frees broker resources; idempotent and safe from any
	// goroutine.
	unsub func()

	// dropped counts events discarded because the buffer was full.
	dropped uint64
}

// Next blocks until an event is available, the context is done, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		// Drain anything already buffered before reporting closure.
		select {
		case e := <-s.events:
			return e, nil
		default:
			return Event{}, ErrSubscriptionClosed
		}
	}
	select {
	case e := <-s.events:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-s.forceClosed:
		return Event{}, ErrSubscriptionClosed
	}
}

// Events exposes the raw delivery channel for select-based consumers.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns the number of events discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Unsubscribe removes the subscription from the broker.
func (s *Subscription) Unsubscribe() {
	s.unsub()
}

func (s *Subscription) forceClose() {
	if atomic.CompareAndSwapUint32(&s.state, subscriptionStateOpen, subscriptionStateClosed) {
		close(s.forceClosed)
	}
}

// matches reports whether the subscription wants the event.
func (s *Subscription) matches(e Event) bool {
	keys, ok := s.req.Topics[e.Topic]
	if !ok {
		keys, ok = s.req.Topics[Topic(AllKeys)]
		if !ok {
			return false
		}
	}
	for _, k := range keys {
		if k == AllKeys || k == e.Key {
			return true
		}
	}
	return false
}
