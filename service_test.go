// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/evertask/evertask/ci"
	"github.com/evertask/evertask/helper/testlog"
	"github.com/evertask/evertask/state"
	"github.com/evertask/evertask/stream"
	"github.com/evertask/evertask/structs"
)

// restartEngine stops e and builds a fresh engine on the same store.
func restartEngine(t *testing.T, e *Engine, store state.Store, handlers ...HandlerConfig) *Engine {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	must.NoError(t, e.Stop(ctx))

	cfg := DefaultConfig()
	cfg.Store = store
	return testEngine(t, cfg, handlers...)
}

func TestService_RecoverScheduledTask(t *testing.T) {
	ci.Parallel(t)

	store, err := state.NewMemoryStore(testlog.HCLogger(t))
	must.NoError(t, err)
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Store = store
	e := testEngine(t, cfg, pingHandler(nil))

	id, err := e.Dispatch(&pingRequest{Name: "tomorrow"}, WithDelay(time.Hour))
	must.NoError(t, err)

	// The restarted engine re-arms the timer from the stored row.
	e2 := restartEngine(t, e, store, pingHandler(nil))
	must.Eq(t, 1, e2.timer.pendingCount())

	task, err := e2.Task(id)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusPending, task.Status)
}

func TestService_RecoverOverdueTask(t *testing.T) {
	ci.Parallel(t)

	store, err := state.NewMemoryStore(testlog.HCLogger(t))
	must.NoError(t, err)
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Store = store
	e := testEngine(t, cfg, pingHandler(nil))

	// Scheduled just ahead, then the engine goes away before it fires.
	id, err := e.Dispatch(&pingRequest{Name: "missed"}, WithDelay(50*time.Millisecond))
	must.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	must.NoError(t, e.Stop(ctx))
	time.Sleep(100 * time.Millisecond)

	// The overdue task runs as soon as the new engine starts.
	got := make(chan *pingRequest, 1)
	cfg2 := DefaultConfig()
	cfg2.Store = store
	e2 := testEngine(t, cfg2, pingHandler(got))

	select {
	case req := <-got:
		must.Eq(t, "missed", req.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("overdue task was not recovered")
	}
	waitStatus(t, e2, id, structs.TaskStatusCompleted)
}

func TestService_RecoverRecurringTask(t *testing.T) {
	ci.Parallel(t)

	store, err := state.NewMemoryStore(testlog.HCLogger(t))
	must.NoError(t, err)
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Store = store
	e := testEngine(t, cfg, pingHandler(nil))

	id, err := e.Dispatch(&pingRequest{}, WithRecurring(&structs.RecurringRule{
		Hour: &structs.HourInterval{Every: 6},
	}))
	must.NoError(t, err)

	e2 := restartEngine(t, e, store, pingHandler(nil))
	must.Eq(t, 1, e2.timer.pendingCount())

	task, err := e2.Task(id)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusPending, task.Status)
	must.NotNil(t, task.NextRun)
	must.True(t, task.NextRun.After(time.Now().UTC()))
}

func TestService_RecoverWithoutHandler(t *testing.T) {
	ci.Parallel(t)

	store, err := state.NewMemoryStore(testlog.HCLogger(t))
	must.NoError(t, err)
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Store = store
	e := testEngine(t, cfg, pingHandler(nil))

	id, err := e.Dispatch(&pingRequest{}, WithDelay(time.Hour))
	must.NoError(t, err)

	// The restarted engine has no handler for the stored request type.
	e2 := restartEngine(t, e, store)
	must.Eq(t, 0, e2.timer.pendingCount())

	task, err := e2.Task(id)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusServiceStopped, task.Status)
	must.StrContains(t, task.Exception, "no handler registered")
}

func TestService_Events(t *testing.T) {
	ci.Parallel(t)

	e := testEngine(t, nil, pingHandler(nil))

	sub := e.Subscribe(&stream.SubscribeRequest{
		Topics: map[stream.Topic][]string{
			stream.TopicTask: {stream.AllKeys},
			stream.TopicRun:  {stream.AllKeys},
		},
	})
	defer sub.Unsubscribe()

	id, err := e.Dispatch(&pingRequest{})
	must.NoError(t, err)
	waitStatus(t, e, id, structs.TaskStatusCompleted)

	// Collect until the completed run shows up; status changes interleave.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	seen := map[string]bool{}
	for !seen[stream.TypeRunCompleted] {
		event, err := sub.Next(ctx)
		must.NoError(t, err)
		must.Eq(t, id, event.Key)
		seen[event.Type] = true
	}
	must.True(t, seen[stream.TypeTaskDispatched])
	must.True(t, seen[stream.TypeStatusChanged])
}

func TestService_EventsCancellation(t *testing.T) {
	ci.Parallel(t)

	e := testEngine(t, nil, pingHandler(nil))

	sub := e.Subscribe(&stream.SubscribeRequest{
		Topics: map[stream.Topic][]string{stream.TopicTask: {stream.AllKeys}},
	})
	defer sub.Unsubscribe()

	id, err := e.Dispatch(&pingRequest{}, WithDelay(time.Hour))
	must.NoError(t, err)
	must.NoError(t, e.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		event, err := sub.Next(ctx)
		must.NoError(t, err)
		if event.Type == stream.TypeTaskCancelled {
			must.Eq(t, id, event.Key)
			return
		}
	}
}

func TestService_SubscriptionsClosedOnStop(t *testing.T) {
	ci.Parallel(t)

	cfg := DefaultConfig()
	cfg.Logger = testlog.HCLogger(t)
	e, err := New(cfg)
	must.NoError(t, err)
	must.NoError(t, e.Start())

	sub := e.Subscribe(&stream.SubscribeRequest{
		Topics: map[stream.Topic][]string{stream.TopicTask: {stream.AllKeys}},
	})
	must.NoError(t, e.Stop(context.Background()))

	_, err = sub.Next(context.Background())
	must.ErrorIs(t, err, stream.ErrSubscriptionClosed)
}
