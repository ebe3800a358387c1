// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"encoding/json"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/evertask/evertask/helper/uuid"
	"github.com/evertask/evertask/stream"
	"github.com/evertask/evertask/structs"
)

// DispatchOption customizes one dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	taskKey   string
	delay     *time.Duration
	runAt     *time.Time
	recurring *structs.RecurringRule
}

// WithTaskKey makes the dispatch idempotent: while a task with the same key
// is still live, re-dispatching returns the existing task id instead of
// creating a duplicate.
func WithTaskKey(key string) DispatchOption {
	return func(o *dispatchOptions) { o.taskKey = key }
}

// WithDelay defers the first run by d from the dispatch instant.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) { o.delay = &d }
}

// WithRunAt defers the first run to the given instant.
func WithRunAt(t time.Time) DispatchOption {
	return func(o *dispatchOptions) { o.runAt = &t }
}

// WithRecurring attaches a recurring rule. The rule is validated and its
// first occurrence computed at dispatch; a rule that can never fire fails
// the dispatch with ErrInvalidSchedule.
func WithRecurring(rule *structs.RecurringRule) DispatchOption {
	return func(o *dispatchOptions) { o.recurring = rule }
}

// Dispatch accepts a request for background execution and returns the task
// id. The request type must have a registered handler. The task is persisted
// before it becomes runnable; whether a persistence failure aborts the
// dispatch is controlled by Config.ThrowIfUnableToPersist.
func (e *Engine) Dispatch(request any, opts ...DispatchOption) (string, error) {
	if e.isStopped() {
		return "", structs.ErrEngineStopped
	}

	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}

	reqType := requestTypeName(request)
	binding, ok := e.handlers.lookup(reqType)
	if !ok {
		return "", fmt.Errorf("%w: %s", structs.ErrHandlerNotRegistered, reqType)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %v", reqType, err)
	}

	now := time.Now().UTC()

	// Resolve the first-run instant before touching the store so an
	// unsatisfiable schedule never leaves a row behind.
	var (
		runAt     = now
		isFuture  bool
		recurring *structs.RecurringRule
	)
	switch {
	case o.recurring != nil:
		recurring = o.recurring.Copy()
		if err := recurring.Validate(); err != nil {
			return "", fmt.Errorf("%w: %v", structs.ErrInvalidSchedule, err)
		}
		first, _ := recurring.CalculateNextValidRun(now, 0, now)
		if first == nil {
			return "", fmt.Errorf("%w: rule has no future occurrence", structs.ErrInvalidSchedule)
		}
		runAt = *first
		isFuture = runAt.After(now)
	case o.runAt != nil:
		runAt = o.runAt.UTC()
		isFuture = runAt.After(now)
	case o.delay != nil && *o.delay > 0:
		runAt = now.Add(*o.delay)
		isFuture = true
	}

	task := &structs.Task{
		ID:          uuid.Generate(),
		RequestType: reqType,
		HandlerType: binding.handlerType,
		Payload:     payload,
		Status:      structs.TaskStatusWaitingQueue,
		QueueName:   e.routeQueue(binding, recurring != nil),
		TaskKey:     o.taskKey,
		CreatedAt:   now,
		IsRecurring: recurring != nil,
		Recurring:   recurring,
		AuditLevel:  e.auditLevel(binding),
	}
	if isFuture {
		task.ScheduledExecution = &runAt
	}
	if recurring != nil {
		task.NextRun = &runAt
		task.RecurringInfo = recurring.String()
	}

	// Task-key idempotency: a live task with the same key wins over the new
	// dispatch; a terminal one is superseded.
	if o.taskKey != "" {
		existing, err := e.store.GetByTaskKey(o.taskKey)
		if err == nil && existing != nil {
			switch {
			case existing.Status == structs.TaskStatusInProgress:
				return existing.ID, nil
			case existing.Status.Terminal():
				if err := e.store.Remove(existing.ID); err != nil {
					e.logger.Warn("failed to remove superseded task",
						"task_id", existing.ID, "error", err)
				}
			default:
				// Still queued or scheduled: adopt its identity so the
				// stored row and any timer entry stay coherent.
				task.ID = existing.ID
				task.CreatedAt = existing.CreatedAt
			}
		}
	}

	if err := e.store.Persist(task); err != nil {
		if e.config.ThrowIfUnableToPersist {
			return "", fmt.Errorf("%w: %v", structs.ErrStoreUnavailable, err)
		}
		e.logger.Error("task not persisted, continuing in memory",
			"task_id", task.ID, "error", err)
	}

	exec := &taskExecution{task: task, binding: binding, runAt: runAt}
	if err := e.route(exec, isFuture); err != nil {
		return "", err
	}

	metrics.IncrCounter([]string{"evertask", "dispatch"}, 1)
	e.events.Publish(stream.Event{
		Topic: stream.TopicTask, Type: stream.TypeTaskDispatched, Key: task.ID,
		Payload: &StatusUpdate{TaskID: task.ID, Status: task.Status},
	})
	return task.ID, nil
}

// route hands a dispatched execution to the timer or the queue broker.
func (e *Engine) route(exec *taskExecution, future bool) error {
	task := exec.task
	if future {
		e.setStatus(task, structs.TaskStatusPending, "")
		e.timer.schedule(exec, exec.runAt)
		return nil
	}

	e.setStatus(task, structs.TaskStatusQueued, "")
	if _, err := e.broker.enqueue(exec); err != nil {
		e.setStatus(task, structs.TaskStatusFailed, err.Error())
		return err
	}
	return nil
}

// routeQueue picks the queue for a new task: an explicit handler binding
// wins, then the recurring queue for recurring tasks, then default.
func (e *Engine) routeQueue(binding *handlerBinding, recurring bool) string {
	if binding.config.Queue != "" {
		return binding.config.Queue
	}
	if recurring {
		return structs.RecurringQueue
	}
	return structs.DefaultQueue
}

func (e *Engine) auditLevel(binding *handlerBinding) structs.AuditLevel {
	if binding.config.AuditLevel != "" {
		return binding.config.AuditLevel
	}
	return e.config.DefaultAuditLevel
}

// Cancel stops a task wherever it currently is: a scheduled timer entry is
// removed, a queued entry is blacklisted so its dequeue aborts, and a running
// execution has its context cancelled. The terminal Cancelled status is
// persisted in all cases; cancelling an already-terminal task is a no-op.
func (e *Engine) Cancel(id string) error {
	if e.isStopped() {
		return structs.ErrEngineStopped
	}

	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	// Ban first so a dequeue racing with this call aborts.
	e.cancels.ban(id)
	e.timer.cancel(id)
	running := e.cancels.cancel(id)

	// A running execution persists its own terminal status from the worker;
	// everything else is finalized here.
	if !running {
		if err := e.store.SetCancelledByUser(id); err != nil {
			return err
		}
		e.events.Publish(stream.Event{
			Topic: stream.TopicTask, Type: stream.TypeTaskCancelled, Key: id,
		})
	}

	metrics.IncrCounter([]string{"evertask", "cancel"}, 1)
	e.logger.Debug("task cancelled", "task_id", id, "was_running", running)
	return nil
}
