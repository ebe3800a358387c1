// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

// Package structs holds the shared data model of the task engine: the
// persisted Task row, its status machine, the append-only audit rows, and the
// recurring schedule rules. Everything in this package is plain data safe to
// serialize and share between the engine components and storage backends.
package structs

import (
	"time"
)

// TaskStatus describes where a task currently sits in its lifecycle.
type TaskStatus string

const (
	// TaskStatusWaitingQueue is the initial status of a task that has been
	// persisted but not yet placed on a worker queue. Recurring tasks return
	// to this status between occurrences.
	TaskStatusWaitingQueue TaskStatus = "waiting-queue"

	// TaskStatusQueued means the task sits on a bounded worker queue.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusInProgress means a worker is executing the handler.
	TaskStatusInProgress TaskStatus = "in-progress"

	// TaskStatusPending means the task is held by the timer scheduler until
	// its due instant.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusCancelled is terminal; the task was cancelled by the
	// producer or by an elapsed timeout.
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusCompleted is terminal for one-shot tasks and for recurring
	// tasks whose schedule horizon is exhausted.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed is terminal; the handler failed after exhausting any
	// retry policy.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusServiceStopped is terminal; the engine shut down while the
	// task was in flight, or boot recovery could not rebuild its executor.
	TaskStatusServiceStopped TaskStatus = "service-stopped"
)

// Terminal returns true if the status is final and the task will never be
// picked up again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCancelled, TaskStatusCompleted, TaskStatusFailed, TaskStatusServiceStopped:
		return true
	default:
		return false
	}
}

// Pending returns true for statuses recovered at boot.
func (s TaskStatus) Pending() bool {
	switch s {
	case TaskStatusWaitingQueue, TaskStatusQueued, TaskStatusInProgress, TaskStatusPending:
		return true
	default:
		return false
	}
}

// AuditLevel controls how much audit and log data is persisted for a task.
type AuditLevel string

const (
	// AuditLevelNone persists status transitions only; run audits and
	// captured logs are dropped.
	AuditLevelNone AuditLevel = "none"

	// AuditLevelErrorsOnly persists run audits and logs for failed runs.
	AuditLevelErrorsOnly AuditLevel = "errors-only"

	// AuditLevelFull persists everything. This is the default.
	AuditLevelFull AuditLevel = "full"
)

// DefaultQueue is the queue used for one-shot tasks whose handler does not
// name one. It always exists.
const DefaultQueue = "default"

// RecurringQueue is the queue recurring tasks route to by default. It is
// created lazily the first time a recurring task is dispatched.
const RecurringQueue = "recurring"

// Task is the stored unit of work. A Task row is created by the dispatcher,
// mutated by the worker pool as it moves through the status machine, and never
// destroyed by the engine.
type Task struct {
	// ID is a time-ordered UUIDv7, so sorting by ID recovers insertion
	// order.
	ID string

	// RequestType is the registered name of the request value; the worker
	// service uses it to rebuild executors at boot recovery.
	RequestType string

	// HandlerType is the registered name of the handler bound to
	// RequestType.
	HandlerType string

	// Payload carries the JSON-encoded request.
	Payload []byte

	Status    TaskStatus
	QueueName string

	// TaskKey deduplicates dispatches: at most one non-terminal task may
	// hold a given key.
	TaskKey string

	CreatedAt          time.Time
	LastExecution      *time.Time
	ScheduledExecution *time.Time
	NextRun            *time.Time

	// ExecutionTimeMs is the duration of the most recent run.
	ExecutionTimeMs int64

	// Exception holds the rendered failure of the most recent run.
	Exception string

	IsRecurring     bool
	Recurring       *RecurringRule
	RecurringInfo   string
	CurrentRunCount int

	// LogSequence is the last ExecutionLog sequence number issued for this
	// task; the capture of the next run resumes numbering after it.
	LogSequence int64

	AuditLevel AuditLevel
}

// Copy returns a deep copy of the task. Storage backends hand out copies so
// callers can never mutate stored state in place.
func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	nt := *t
	nt.Payload = append([]byte(nil), t.Payload...)
	nt.LastExecution = copyTime(t.LastExecution)
	nt.ScheduledExecution = copyTime(t.ScheduledExecution)
	nt.NextRun = copyTime(t.NextRun)
	nt.Recurring = t.Recurring.Copy()
	return &nt
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}

// StatusAudit is an append-only record of a single status transition.
type StatusAudit struct {
	ID        string
	TaskID    string
	UpdatedAt time.Time
	NewStatus TaskStatus
	Exception string
}

// RunAudit is an append-only record of a single handler invocation attempt.
// Retries produce one row per attempt.
type RunAudit struct {
	ID              string
	TaskID          string
	ExecutedAt      time.Time
	ExecutionTimeMs int64
	Status          TaskStatus
	Exception       string
}

// ExecutionLog is a log record captured during a handler invocation and
// persisted alongside the task.
type ExecutionLog struct {
	ID               string
	TaskID           string
	Timestamp        time.Time
	Level            string
	Message          string
	ExceptionDetails string

	// SequenceNumber is strictly increasing per task and orders records
	// emitted within the same timestamp.
	SequenceNumber int64
}

// TaskDetail bundles a task with its audit trail for the monitoring surface.
type TaskDetail struct {
	Task        *Task
	StatusAudit []*StatusAudit
	RunsAudit   []*RunAudit
	Logs        []*ExecutionLog
}
