// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"runtime"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/evertask/evertask/state"
	"github.com/evertask/evertask/structs"
)

// QueueFullMode selects the backpressure policy of a bounded queue.
type QueueFullMode int

const (
	// FullModeWait blocks the producer until space frees. This is the
	// default and is deliberate backpressure.
	FullModeWait QueueFullMode = iota

	// FullModeFallbackToDefault enqueues on the default queue instead.
	// The default queue itself always waits.
	FullModeFallbackToDefault

	// FullModeThrowException fails the dispatch with ErrQueueFull.
	FullModeThrowException
)

func (m QueueFullMode) String() string {
	switch m {
	case FullModeWait:
		return "wait"
	case FullModeFallbackToDefault:
		return "fallback-to-default"
	case FullModeThrowException:
		return "throw-exception"
	default:
		return "unknown"
	}
}

// QueueConfig declares one named bounded queue and its worker pool.
type QueueConfig struct {
	Name string

	// Capacity bounds the in-memory FIFO.
	Capacity int

	FullMode QueueFullMode

	// MaxParallel is the number of worker goroutines consuming the queue.
	MaxParallel int

	// DefaultTimeout applies to handlers that do not declare their own.
	// Zero means no timeout.
	DefaultTimeout time.Duration
}

// Canonicalize fills zero fields with defaults.
func (q *QueueConfig) Canonicalize() {
	if q.Capacity <= 0 {
		q.Capacity = defaultQueueCapacity
	}
	if q.MaxParallel <= 0 {
		q.MaxParallel = defaultParallelism()
	}
}

const defaultQueueCapacity = 500

func defaultParallelism() int {
	if n := runtime.NumCPU(); n > 1 {
		return n
	}
	return 1
}

// Config is the engine configuration. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	Logger hclog.Logger

	// Store is the persistence backend. When nil the engine runs on an
	// in-memory store.
	Store state.Store

	// Queues declares the named queues available at start. A "default"
	// queue is always present; a "recurring" queue is created lazily when
	// first needed.
	Queues []QueueConfig

	// ThrowIfUnableToPersist propagates dispatch-time persistence failures
	// to the producer. When false the failure is logged and the task runs
	// without durability.
	ThrowIfUnableToPersist bool

	// MaxPersistedLogs caps the captured log records persisted per run.
	MaxPersistedLogs int

	// MinPersistLevel is the minimum captured log level that is persisted.
	// Records below it still reach the host logger.
	MinPersistLevel hclog.Level

	// DefaultAuditLevel applies to handlers that do not declare one.
	DefaultAuditLevel structs.AuditLevel

	// BlacklistSize bounds the cancellation blacklist.
	BlacklistSize int
}

// DefaultConfig returns the canonical starting configuration.
func DefaultConfig() *Config {
	return &Config{
		Logger: hclog.Default(),
		Queues: []QueueConfig{{
			Name:     structs.DefaultQueue,
			Capacity: defaultQueueCapacity,
			FullMode: FullModeWait,
		}},
		ThrowIfUnableToPersist: true,
		MaxPersistedLogs:       100,
		MinPersistLevel:        hclog.Info,
		DefaultAuditLevel:      structs.AuditLevelFull,
		BlacklistSize:          1024,
	}
}
