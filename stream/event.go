// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

// Package stream fans task lifecycle events out to monitoring subscribers.
// Delivery is best-effort and never blocks the engine.
package stream

// AllKeys subscribes to every key within a topic.
const AllKeys = "*"

// Topic partitions the event space.
type Topic string

const (
	// TopicTask carries task lifecycle events: dispatched, status
	// transitions, cancellations.
	TopicTask Topic = "Task"

	// TopicRun carries per-invocation events: run completed, run failed,
	// retry scheduled.
	TopicRun Topic = "Run"
)

// Event type names published by the engine.
const (
	TypeTaskDispatched = "TaskDispatched"
	TypeStatusChanged  = "StatusChanged"
	TypeTaskCancelled  = "TaskCancelled"
	TypeRunCompleted   = "RunCompleted"
	TypeRunFailed      = "RunFailed"
	TypeRunRetried     = "RunRetried"
	TypeHandlerMissing = "HandlerMissing"
)

// Event is a single lifecycle notification. Key is the task id.
type Event struct {
	Topic   Topic
	Type    string
	Key     string
	Index   uint64
	Payload interface{}
}
