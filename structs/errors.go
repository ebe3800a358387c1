// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package structs

import "errors"

var (
	// ErrHandlerNotRegistered is returned by dispatch when no handler is
	// bound to the request type.
	ErrHandlerNotRegistered = errors.New("no handler registered for request type")

	// ErrInvalidSchedule is returned by dispatch when a recurring rule is
	// malformed or yields no next run from the current instant.
	ErrInvalidSchedule = errors.New("recurring rule yields no valid next run")

	// ErrStoreUnavailable wraps a persistence failure at dispatch time. It
	// only propagates to the producer when ThrowIfUnableToPersist is set.
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrQueueFull is returned by dispatch when the target queue is at
	// capacity and its full-mode policy is ThrowException.
	ErrQueueFull = errors.New("task queue is full")

	// ErrTaskNotFound is returned by store lookups for unknown ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEngineStopped is returned by operations on a stopped engine.
	ErrEngineStopped = errors.New("engine is stopped")
)
