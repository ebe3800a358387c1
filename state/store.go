// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

// Package state defines the persistence contract of the task engine and ships
// the two reference backends: an in-memory store backed by go-memdb used in
// tests and embedded hosts, and a durable store backed by bbolt.
package state

import (
	"time"

	"github.com/evertask/evertask/structs"
)

// Store is the persistence contract. Any backend implementing it can host the
// engine. Implementations must make SetStatus and RecordRun linearizable per
// task id; backends without transactions emulate this with a single-writer
// discipline.
type Store interface {
	// Persist writes a new task row.
	Persist(task *structs.Task) error

	// UpdateTask overwrites an existing task row.
	UpdateTask(task *structs.Task) error

	// Remove deletes a task row together with its audits and logs.
	Remove(id string) error

	// GetTask returns the task with the given id, or ErrTaskNotFound.
	GetTask(id string) (*structs.Task, error)

	// GetByTaskKey returns the unique non-terminal task holding the key,
	// or ErrTaskNotFound. Terminal rows never match.
	GetByTaskKey(key string) (*structs.Task, error)

	// GetPendingTasks returns every row whose status is WaitingQueue,
	// Queued, InProgress or Pending, in creation order. Used by boot
	// recovery.
	GetPendingTasks() ([]*structs.Task, error)

	// SetCancelledByUser idempotently transitions a task to Cancelled. A
	// task already in a terminal status is left untouched.
	SetCancelledByUser(id string) error

	// SetStatus transitions the task status and appends the matching
	// StatusAudit row atomically.
	SetStatus(id string, status structs.TaskStatus, exception string) error

	// RecordRun appends a RunAudit row and records the last execution
	// instant and duration on the task.
	RecordRun(id string, executedAt time.Time, executionTimeMs int64, status structs.TaskStatus, exception string) error

	// AppendLogs appends captured execution log rows.
	AppendLogs(id string, logs []*structs.ExecutionLog) error

	// GetDetail returns the task with its full audit trail for the
	// monitoring surface.
	GetDetail(id string) (*structs.TaskDetail, error)

	// Close releases backend resources.
	Close() error
}
