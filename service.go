// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"context"
	"fmt"
	"time"

	"github.com/evertask/evertask/stream"
	"github.com/evertask/evertask/structs"
)

const (
	// promoteRetryDelay is how long a due execution waits on the timer after
	// its queue rejected it at capacity.
	promoteRetryDelay = time.Second

	// forceStopWait is the window workers get to observe a cancelled root
	// context before still-running tasks are marked service-stopped.
	forceStopWait = 250 * time.Millisecond
)

// Start launches the timer loop and the worker pools, after re-routing every
// unfinished stored task. Start is idempotent; a stopped engine cannot be
// restarted.
func (e *Engine) Start() error {
	e.lifecycle.Lock()
	if e.stopped {
		e.lifecycle.Unlock()
		return structs.ErrEngineStopped
	}
	if e.started {
		e.lifecycle.Unlock()
		return nil
	}
	e.started = true
	e.lifecycle.Unlock()

	e.timer.start()
	for _, q := range e.broker.all() {
		e.startQueueWorkers(q)
	}

	if err := e.recover(); err != nil {
		return err
	}

	e.logger.Info("engine started", "queues", len(e.broker.all()))
	return nil
}

// startQueueWorkers spawns the queue's worker pool exactly once. It is also
// the broker's hook for queues created after Start.
func (e *Engine) startQueueWorkers(q *taskQueue) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.started || e.stopped || e.spawned[q.config.Name] {
		return
	}
	e.spawned[q.config.Name] = true
	for i := 0; i < q.config.MaxParallel; i++ {
		e.wg.Add(1)
		go e.runWorker(q)
	}
	e.logger.Debug("started queue workers",
		"queue", q.config.Name, "parallelism", q.config.MaxParallel)
}

// recover re-routes every stored task that was in flight when the previous
// engine instance went away. Tasks whose request type has no registered
// handler are marked service-stopped rather than silently dropped.
func (e *Engine) recover() error {
	tasks, err := e.store.GetPendingTasks()
	if err != nil {
		return fmt.Errorf("boot recovery failed: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, task := range tasks {
		binding, ok := e.handlers.lookup(task.RequestType)
		if !ok {
			e.logger.Error("no handler registered for recovered task",
				"task_id", task.ID, "request_type", task.RequestType)
			if err := e.store.SetStatus(task.ID, structs.TaskStatusServiceStopped,
				"no handler registered for request type "+task.RequestType); err != nil {
				e.logger.Error("failed to park recovered task", "task_id", task.ID, "error", err)
			}
			e.events.Publish(stream.Event{
				Topic: stream.TopicTask, Type: stream.TypeHandlerMissing, Key: task.ID,
				Payload: &StatusUpdate{TaskID: task.ID, Status: structs.TaskStatusServiceStopped},
			})
			continue
		}

		exec := &taskExecution{task: task, binding: binding, runAt: now}
		switch {
		case task.IsRecurring:
			next := task.NextRun
			if next == nil || !next.After(now) {
				// The stored occurrence already elapsed; advance the
				// schedule from it.
				anchor := task.CreatedAt
				if task.NextRun != nil {
					anchor = *task.NextRun
				}
				n, skipped := task.Recurring.CalculateNextValidRun(anchor, task.CurrentRunCount, now)
				if skipped > 0 {
					e.logger.Warn("recurring task skipped occurrences while engine was down",
						"task_id", task.ID, "skipped", skipped)
				}
				if n == nil {
					e.setStatus(task, structs.TaskStatusCompleted, "")
					continue
				}
				next = n
				task.NextRun = next
				e.updateTask(task)
			}
			exec.runAt = *next
			e.setStatus(task, structs.TaskStatusPending, "")
			e.timer.schedule(exec, *next)

		case task.ScheduledExecution != nil && task.ScheduledExecution.After(now):
			exec.runAt = *task.ScheduledExecution
			e.setStatus(task, structs.TaskStatusPending, "")
			e.timer.schedule(exec, exec.runAt)

		default:
			// Waiting, queued, overdue, or interrupted mid-run: execute as
			// soon as a worker frees up. Delivery is at-least-once.
			if err := e.route(exec, false); err != nil {
				e.logger.Error("failed to re-queue recovered task",
					"task_id", task.ID, "error", err)
				continue
			}
		}
		recovered++
	}

	if len(tasks) > 0 {
		e.logger.Info("boot recovery finished",
			"stored", len(tasks), "recovered", recovered)
	}
	return nil
}

// promote moves a due execution from the timer to its queue. When the queue
// rejects it at capacity the execution goes back on the timer rather than
// being lost.
func (e *Engine) promote(exec *taskExecution) {
	e.setStatus(exec.task, structs.TaskStatusQueued, "")
	if _, err := e.broker.enqueue(exec); err != nil {
		if e.isStopped() {
			return
		}
		e.logger.Warn("queue rejected due task, retrying",
			"task_id", exec.id(), "queue", exec.task.QueueName, "error", err)
		e.setStatus(exec.task, structs.TaskStatusPending, "")
		e.timer.schedule(exec, time.Now().Add(promoteRetryDelay))
	}
}

// Stop shuts the engine down: intake stops immediately, in-flight handlers
// get until the context deadline to finish, then their contexts are
// cancelled and whatever still runs is marked service-stopped. Stop is
// idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	if e.stopped {
		e.lifecycle.Unlock()
		return nil
	}
	e.stopped = true
	e.lifecycle.Unlock()

	e.logger.Info("engine stopping")
	e.timer.stop()
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		// Grace elapsed. Cancel every live execution, give the workers a
		// moment to unwind, then park whatever still refuses to return.
		e.cancels.cancelAll()
		e.rootCancel()
		select {
		case <-done:
		case <-time.After(forceStopWait):
			for _, id := range e.inflight.Slice() {
				e.logger.Warn("task did not stop in time, parking", "task_id", id)
				if err := e.store.SetStatus(id, structs.TaskStatusServiceStopped,
					"engine stopped during execution"); err != nil {
					e.logger.Error("failed to park running task", "task_id", id, "error", err)
				}
			}
		}
		stopErr = ctx.Err()
	}

	e.rootCancel()
	e.events.CloseAll()
	if e.ownStore {
		if err := e.store.Close(); err != nil {
			e.logger.Error("failed to close store", "error", err)
		}
	}
	e.logger.Info("engine stopped")
	return stopErr
}

// isStopped reports whether Stop has begun.
func (e *Engine) isStopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}
