// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/evertask/evertask/ci"
	"github.com/evertask/evertask/helper/testlog"
	"github.com/evertask/evertask/structs"
)

func brokerExec(id, queue string) *taskExecution {
	return &taskExecution{task: &structs.Task{ID: id, QueueName: queue}}
}

func TestTaskBroker_AlwaysHasDefaultQueue(t *testing.T) {
	ci.Parallel(t)

	b := newTaskBroker(testlog.HCLogger(t), nil, make(chan struct{}))
	q := b.resolve(structs.DefaultQueue)
	must.NotNil(t, q)
	must.Eq(t, structs.DefaultQueue, q.config.Name)
	must.Eq(t, defaultQueueCapacity, q.config.Capacity)
}

func TestTaskBroker_UnknownNameFallsBackToDefault(t *testing.T) {
	ci.Parallel(t)

	b := newTaskBroker(testlog.HCLogger(t), nil, make(chan struct{}))
	q := b.resolve("no-such-queue")
	must.Eq(t, structs.DefaultQueue, q.config.Name)
}

func TestTaskBroker_RecurringQueueCreatedLazily(t *testing.T) {
	ci.Parallel(t)

	b := newTaskBroker(testlog.HCLogger(t), nil, make(chan struct{}))

	var created []string
	b.onCreate = func(q *taskQueue) { created = append(created, q.config.Name) }

	must.Len(t, 1, b.all())

	q := b.resolve(structs.RecurringQueue)
	must.Eq(t, structs.RecurringQueue, q.config.Name)
	must.Len(t, 2, b.all())
	must.Eq(t, []string{structs.RecurringQueue}, created)

	// Second resolve reuses the queue without re-firing the hook.
	q2 := b.resolve(structs.RecurringQueue)
	must.True(t, q2 == q)
	must.Len(t, 1, created)
}

func TestTaskBroker_EnqueueThrowsWhenFull(t *testing.T) {
	ci.Parallel(t)

	b := newTaskBroker(testlog.HCLogger(t), []QueueConfig{{
		Name:     "tiny",
		Capacity: 1,
		FullMode: FullModeThrowException,
	}}, make(chan struct{}))

	name, err := b.enqueue(brokerExec("one", "tiny"))
	must.NoError(t, err)
	must.Eq(t, "tiny", name)

	_, err = b.enqueue(brokerExec("two", "tiny"))
	must.ErrorIs(t, err, structs.ErrQueueFull)
}

func TestTaskBroker_EnqueueFallsBackWhenFull(t *testing.T) {
	ci.Parallel(t)

	b := newTaskBroker(testlog.HCLogger(t), []QueueConfig{{
		Name:     "tiny",
		Capacity: 1,
		FullMode: FullModeFallbackToDefault,
	}}, make(chan struct{}))

	_, err := b.enqueue(brokerExec("one", "tiny"))
	must.NoError(t, err)

	name, err := b.enqueue(brokerExec("two", "tiny"))
	must.NoError(t, err)
	must.Eq(t, structs.DefaultQueue, name)

	dq := b.resolve(structs.DefaultQueue)
	must.Eq(t, 1, len(dq.ch))
}

func TestTaskBroker_EnqueueWaitUnblocksOnStop(t *testing.T) {
	ci.Parallel(t)

	stopCh := make(chan struct{})
	b := newTaskBroker(testlog.HCLogger(t), []QueueConfig{{
		Name:     "tiny",
		Capacity: 1,
		FullMode: FullModeWait,
	}}, stopCh)

	_, err := b.enqueue(brokerExec("one", "tiny"))
	must.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.enqueue(brokerExec("two", "tiny"))
		errCh <- err
	}()

	// The producer is parked on the full queue until shutdown.
	select {
	case err := <-errCh:
		t.Fatalf("enqueue returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(stopCh)
	select {
	case err := <-errCh:
		must.ErrorIs(t, err, structs.ErrEngineStopped)
	case <-time.After(3 * time.Second):
		t.Fatal("enqueue did not observe shutdown")
	}
}
