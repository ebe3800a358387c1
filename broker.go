// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/evertask/evertask/structs"
)

// taskQueue is one bounded FIFO of ready executions.
type taskQueue struct {
	config QueueConfig
	ch     chan *taskExecution
}

func newTaskQueue(config QueueConfig) *taskQueue {
	config.Canonicalize()
	return &taskQueue{
		config: config,
		ch:     make(chan *taskExecution, config.Capacity),
	}
}

// taskBroker is the registry of named queues. It always contains the default
// queue; the recurring queue is created lazily the first time a recurring
// task is routed and the host did not declare it.
type taskBroker struct {
	mu     sync.RWMutex
	queues map[string]*taskQueue

	// stopCh unblocks producers waiting on a full queue at shutdown.
	stopCh chan struct{}

	// onCreate is invoked, outside the broker lock, for queues created
	// after construction so the engine can attach a worker pool.
	onCreate func(*taskQueue)

	logger hclog.Logger
}

func newTaskBroker(logger hclog.Logger, configs []QueueConfig, stopCh chan struct{}) *taskBroker {
	b := &taskBroker{
		queues: make(map[string]*taskQueue),
		stopCh: stopCh,
		logger: logger.Named("broker"),
	}
	for _, qc := range configs {
		if qc.Name == "" {
			continue
		}
		b.queues[qc.Name] = newTaskQueue(qc)
	}
	if _, ok := b.queues[structs.DefaultQueue]; !ok {
		b.queues[structs.DefaultQueue] = newTaskQueue(QueueConfig{Name: structs.DefaultQueue})
	}
	return b
}

// resolve maps a queue name to a live queue, falling back to default for
// unknown names. Creation of the recurring queue is guarded by the write
// lock; everything else is read-mostly.
func (b *taskBroker) resolve(name string) *taskQueue {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q
	}

	if name == structs.RecurringQueue {
		b.mu.Lock()
		if q, ok = b.queues[name]; ok {
			b.mu.Unlock()
			return q
		}
		q = newTaskQueue(QueueConfig{Name: structs.RecurringQueue})
		b.queues[name] = q
		b.mu.Unlock()
		b.logger.Debug("created recurring queue on first use")
		if b.onCreate != nil {
			b.onCreate(q)
		}
		return q
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queues[structs.DefaultQueue]
}

// all returns a snapshot of the registered queues.
func (b *taskBroker) all() []*taskQueue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*taskQueue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	return out
}

// enqueue places an execution on its queue, applying the queue's fullness
// policy. It returns the name of the queue actually used.
func (b *taskBroker) enqueue(exec *taskExecution) (string, error) {
	q := b.resolve(exec.task.QueueName)

	select {
	case q.ch <- exec:
		metrics.IncrCounter([]string{"evertask", "broker", "enqueue"}, 1)
		return q.config.Name, nil
	default:
	}

	// Queue is full; apply the policy.
	switch q.config.FullMode {
	case FullModeThrowException:
		metrics.IncrCounter([]string{"evertask", "broker", "rejected"}, 1)
		return "", fmt.Errorf("%w: queue %q at capacity %d",
			structs.ErrQueueFull, q.config.Name, q.config.Capacity)

	case FullModeFallbackToDefault:
		if q.config.Name != structs.DefaultQueue {
			metrics.IncrCounter([]string{"evertask", "broker", "fallback"}, 1)
			b.logger.Debug("queue full, falling back to default",
				"queue", q.config.Name, "task_id", exec.id())
			q = b.resolve(structs.DefaultQueue)
		}
		fallthrough

	default: // FullModeWait, and fallback once pointed at default
		select {
		case q.ch <- exec:
			metrics.IncrCounter([]string{"evertask", "broker", "enqueue"}, 1)
			return q.config.Name, nil
		case <-b.stopCh:
			return "", structs.ErrEngineStopped
		}
	}
}
