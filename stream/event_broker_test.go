// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/evertask/evertask/ci"
	"github.com/evertask/evertask/helper/testlog"
)

func TestEventBroker_PublishSubscribe(t *testing.T) {
	ci.Parallel(t)

	broker := NewEventBroker(testlog.HCLogger(t))

	all := broker.Subscribe(&SubscribeRequest{
		Topics: map[Topic][]string{TopicTask: {AllKeys}},
	})
	defer all.Unsubscribe()

	one := broker.Subscribe(&SubscribeRequest{
		Topics: map[Topic][]string{TopicTask: {"task-1"}},
	})
	defer one.Unsubscribe()

	broker.Publish(Event{Topic: TopicTask, Type: TypeStatusChanged, Key: "task-1"})
	broker.Publish(Event{Topic: TopicTask, Type: TypeStatusChanged, Key: "task-2"})
	broker.Publish(Event{Topic: TopicRun, Type: TypeRunCompleted, Key: "task-1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The wildcard subscriber sees both task events, in order, but not the
	// run topic.
	e, err := all.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "task-1", e.Key)
	e, err = all.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "task-2", e.Key)

	// The keyed subscriber only sees its task.
	e, err = one.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "task-1", e.Key)
	must.Eq(t, 0, len(one.Events()))
}

func TestEventBroker_IndexMonotonic(t *testing.T) {
	ci.Parallel(t)

	broker := NewEventBroker(testlog.HCLogger(t))
	sub := broker.Subscribe(&SubscribeRequest{
		Topics: map[Topic][]string{TopicTask: {AllKeys}},
	})
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		broker.Publish(Event{Topic: TopicTask, Type: TypeStatusChanged, Key: "t"})
	}

	ctx := context.Background()
	var last uint64
	for i := 0; i < 10; i++ {
		e, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Greater(t, e.Index, last)
		last = e.Index
	}
}

func TestEventBroker_SlowSubscriberDrops(t *testing.T) {
	ci.Parallel(t)

	broker := NewEventBroker(testlog.HCLogger(t))
	sub := broker.Subscribe(&SubscribeRequest{
		Topics: map[Topic][]string{TopicTask: {AllKeys}},
		Buffer: 2,
	})
	defer sub.Unsubscribe()

	// Publishing past the buffer must not block the engine.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			broker.Publish(Event{Topic: TopicTask, Type: TypeStatusChanged, Key: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	must.Eq(t, uint64(8), sub.Dropped())
}

func TestEventBroker_CloseAll(t *testing.T) {
	ci.Parallel(t)

	broker := NewEventBroker(testlog.HCLogger(t))
	sub := broker.Subscribe(&SubscribeRequest{
		Topics: map[Topic][]string{TopicTask: {AllKeys}},
	})
	require.Equal(t, 1, broker.SubscriberCount())

	broker.CloseAll()
	require.Equal(t, 0, broker.SubscriberCount())

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}
