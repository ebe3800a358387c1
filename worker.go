// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"context"
	"errors"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/evertask/evertask/stream"
	"github.com/evertask/evertask/structs"
)

const (
	// statusWriteAttempts bounds retries of post-dispatch status writes;
	// past the bound the failure is logged and execution continues.
	statusWriteAttempts = 3
	statusWriteBackoff  = 100 * time.Millisecond
)

// handlerOutcome classifies the result of an invocation attempt.
type handlerOutcome int

const (
	outcomeSuccess handlerOutcome = iota
	outcomeFailed
	outcomeCancelled
)

// runWorker is one long-lived consumer of a queue. maxDegreeOfParallelism
// copies race on the same channel.
func (e *Engine) runWorker(q *taskQueue) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case exec := <-q.ch:
			e.executeTask(q, exec)
		}
	}
}

// executeTask runs one dequeued task end to end: blacklist check, status
// transitions, timeout and cancellation wiring, in-place retries, audits,
// log flushing and recurring rescheduling.
func (e *Engine) executeTask(q *taskQueue, exec *taskExecution) {
	id := exec.id()
	task := exec.task
	binding := exec.binding

	// Cancelled before it started: record and move on, no run audit.
	if e.cancels.banned(id) {
		if err := e.store.SetCancelledByUser(id); err != nil && !errors.Is(err, structs.ErrTaskNotFound) {
			e.logger.Error("failed to record pre-start cancellation", "task_id", id, "error", err)
		}
		e.events.Publish(stream.Event{
			Topic: stream.TopicTask, Type: stream.TypeTaskCancelled, Key: id,
		})
		return
	}

	// A task id never runs in parallel with itself in this process.
	if !e.inflight.Insert(id) {
		e.logger.Warn("task already executing, dropping duplicate dequeue", "task_id", id)
		return
	}
	defer e.inflight.Remove(id)

	// The cancellation handle is registered for the execution window only;
	// the effective timeout composes with it on the same context.
	ctx, cancel := context.WithCancel(e.rootCtx)
	defer cancel()
	e.cancels.add(id, cancel)
	defer e.cancels.remove(id)

	// A Cancel landing between the blacklist check above and the handle
	// registration found no live execution to signal, so it either already
	// persisted the terminal status or relied on this re-check to do it.
	// Either way nothing past this point may overwrite it.
	if e.cancels.banned(id) {
		if err := e.store.SetCancelledByUser(id); err != nil && !errors.Is(err, structs.ErrTaskNotFound) {
			e.logger.Error("failed to record pre-start cancellation", "task_id", id, "error", err)
		}
		e.events.Publish(stream.Event{
			Topic: stream.TopicTask, Type: stream.TypeTaskCancelled, Key: id,
		})
		return
	}

	e.setStatus(task, structs.TaskStatusInProgress, "")
	if cb := binding.config.OnStarted; cb != nil {
		cb(id)
	}

	timeout := binding.config.Timeout
	if timeout == 0 {
		timeout = q.config.DefaultTimeout
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	// The capture resumes from the task's last issued sequence number so
	// log ordering stays strict across recurring occurrences.
	capture := newRunLogger(e.logger.Named("task"), id, e.config.MinPersistLevel, e.config.MaxPersistedLogs, task.LogSequence)
	hctx := withRunLogger(ctx, capture)

	attempts := 1
	if rp := binding.config.Retry; rp != nil && rp.Attempts() > 1 {
		attempts = rp.Attempts()
	}

	var (
		outcome  handlerOutcome
		runErr   error
		started  time.Time
		duration time.Duration
	)

	for attempt := 1; ; attempt++ {
		started = time.Now().UTC()
		runErr = e.invoke(hctx, exec)
		duration = time.Since(started)
		metrics.MeasureSince([]string{"evertask", "worker", "invoke"}, started)

		outcome = classify(ctx, runErr)
		if outcome != outcomeFailed || attempt >= attempts {
			break
		}

		// Retry in place: each failed attempt is its own run audit row.
		e.recordRun(task, started, duration, structs.TaskStatusFailed, renderErr(runErr))
		e.events.Publish(stream.Event{
			Topic: stream.TopicRun, Type: stream.TypeRunRetried, Key: id,
			Payload: &RunUpdate{TaskID: id, Attempt: attempt, Error: renderErr(runErr)},
		})
		metrics.IncrCounter([]string{"evertask", "worker", "retry"}, 1)

		delay := binding.config.Retry.Delay(attempt)
		if !sleepCtx(ctx, delay) {
			outcome = outcomeCancelled
			runErr = ctx.Err()
			break
		}
	}

	durationMs := duration.Milliseconds()
	task.LogSequence = capture.lastSeq()

	switch outcome {
	case outcomeSuccess:
		if task.IsRecurring {
			e.finishRecurringRun(exec, started, durationMs, nil)
		} else {
			e.recordRun(task, started, duration, structs.TaskStatusCompleted, "")
			e.setStatus(task, structs.TaskStatusCompleted, "")
			if cb := binding.config.OnCompleted; cb != nil {
				cb(id)
			}
			e.events.Publish(stream.Event{
				Topic: stream.TopicRun, Type: stream.TypeRunCompleted, Key: id,
				Payload: &RunUpdate{TaskID: id, DurationMs: durationMs},
			})
		}
		e.flushLogs(task, capture, false)

	case outcomeCancelled:
		// Cancellation ends the schedule for recurring tasks too; an
		// explicit Cancel is producer intent and a timeout repeats
		// identically on every occurrence. An engine shutdown is not a
		// cancellation: the task is parked for the next boot recovery.
		status := structs.TaskStatusCancelled
		msg := renderErr(runErr)
		if e.isStopped() && !e.cancels.banned(id) {
			status = structs.TaskStatusServiceStopped
			msg = "engine stopped during execution"
		}
		e.recordRun(task, started, duration, status, msg)
		e.setStatus(task, status, msg)
		e.flushLogs(task, capture, true)
		if cb := binding.config.OnError; cb != nil {
			cb(id, runErr, "task cancelled")
		}
		e.events.Publish(stream.Event{
			Topic: stream.TopicTask, Type: stream.TypeTaskCancelled, Key: id,
			Payload: &RunUpdate{TaskID: id, DurationMs: durationMs, Error: msg},
		})

	case outcomeFailed:
		msg := renderErr(runErr)
		if task.IsRecurring {
			// The schedule stays alive on failure; the failed run is
			// audited and the next occurrence is armed.
			e.finishRecurringRun(exec, started, durationMs, runErr)
		} else {
			e.recordRun(task, started, duration, structs.TaskStatusFailed, msg)
			e.setStatus(task, structs.TaskStatusFailed, msg)
		}
		e.flushLogs(task, capture, true)
		if cb := binding.config.OnError; cb != nil {
			cb(id, runErr, "task execution failed")
		}
		e.events.Publish(stream.Event{
			Topic: stream.TopicRun, Type: stream.TypeRunFailed, Key: id,
			Payload: &RunUpdate{TaskID: id, DurationMs: durationMs, Error: msg},
		})
	}
}

// invoke decodes the payload and calls the handler, converting panics into
// errors so a misbehaving handler can never take the worker down.
func (e *Engine) invoke(ctx context.Context, exec *taskExecution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	req, err := exec.binding.decode(exec.task.Payload)
	if err != nil {
		return err
	}
	return exec.binding.config.Handle(ctx, req)
}

// finishRecurringRun audits a completed occurrence, advances the run count
// and either arms the next occurrence or writes the terminal Completed.
func (e *Engine) finishRecurringRun(exec *taskExecution, started time.Time, durationMs int64, runErr error) {
	task := exec.task
	runStatus := structs.TaskStatusCompleted
	msg := ""
	if runErr != nil {
		runStatus = structs.TaskStatusFailed
		msg = renderErr(runErr)
	}
	e.recordRun(task, started, time.Duration(durationMs)*time.Millisecond, runStatus, msg)

	task.CurrentRunCount++
	next, skipped := task.Recurring.CalculateNextValidRun(exec.runAt, task.CurrentRunCount, time.Now().UTC())
	if skipped > 0 {
		e.logger.Warn("recurring task skipped missed occurrences",
			"task_id", task.ID, "skipped", skipped)
		metrics.IncrCounter([]string{"evertask", "worker", "skipped_occurrences"}, float32(skipped))
	}

	if next == nil {
		task.NextRun = nil
		e.updateTask(task)
		e.setStatus(task, structs.TaskStatusCompleted, "")
		e.logger.Debug("recurring schedule exhausted", "task_id", task.ID,
			"runs", task.CurrentRunCount)
		return
	}

	task.NextRun = next
	e.updateTask(task)
	e.setStatus(task, structs.TaskStatusPending, "")
	e.timer.schedule(&taskExecution{task: task, binding: exec.binding}, *next)
}

// classify maps an invocation error to its outcome. Timeout is cancellation
// by mechanism: both surface as context errors on the same handle.
func classify(ctx context.Context, err error) handlerOutcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return outcomeCancelled
	default:
		return outcomeFailed
	}
}

// setStatus writes a status transition with bounded retries, then publishes
// the change. Failures past the bound are logged and execution continues.
func (e *Engine) setStatus(task *structs.Task, status structs.TaskStatus, exception string) {
	var err error
	for i := 0; i < statusWriteAttempts; i++ {
		if err = e.store.SetStatus(task.ID, status, exception); err == nil {
			task.Status = status
			e.events.Publish(stream.Event{
				Topic: stream.TopicTask, Type: stream.TypeStatusChanged, Key: task.ID,
				Payload: &StatusUpdate{TaskID: task.ID, Status: status, Exception: exception},
			})
			return
		}
		time.Sleep(statusWriteBackoff)
	}
	e.logger.Error("failed to persist status transition",
		"task_id", task.ID, "status", status, "error", err)
}

// recordRun appends a run audit row, honoring the task's audit level.
func (e *Engine) recordRun(task *structs.Task, started time.Time, duration time.Duration, status structs.TaskStatus, exception string) {
	switch task.AuditLevel {
	case structs.AuditLevelNone:
		return
	case structs.AuditLevelErrorsOnly:
		if status == structs.TaskStatusCompleted {
			return
		}
	}
	if err := e.store.RecordRun(task.ID, started, duration.Milliseconds(), status, exception); err != nil {
		e.logger.Error("failed to record run audit", "task_id", task.ID, "error", err)
	}
}

// flushLogs persists the captured handler logs, honoring the audit level.
func (e *Engine) flushLogs(task *structs.Task, capture *runLogger, failed bool) {
	switch task.AuditLevel {
	case structs.AuditLevelNone:
		return
	case structs.AuditLevelErrorsOnly:
		if !failed {
			return
		}
	}
	records := capture.records()
	if len(records) == 0 {
		return
	}
	if err := e.store.AppendLogs(task.ID, records); err != nil {
		e.logger.Error("failed to persist execution logs", "task_id", task.ID, "error", err)
	}
}

// updateTask overwrites the task row with bounded retries.
func (e *Engine) updateTask(task *structs.Task) {
	var err error
	for i := 0; i < statusWriteAttempts; i++ {
		if err = e.store.UpdateTask(task); err == nil {
			return
		}
		time.Sleep(statusWriteBackoff)
	}
	e.logger.Error("failed to update task row", "task_id", task.ID, "error", err)
}

// sleepCtx pauses for d and reports false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func renderErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
