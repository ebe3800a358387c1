// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

// Package evertask is an in-process background task engine: requests are
// dispatched to registered handlers, executed on bounded worker queues,
// optionally deferred or repeated on recurring schedules, and persisted so an
// engine restart resumes unfinished work.
package evertask

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/evertask/evertask/state"
	"github.com/evertask/evertask/stream"
	"github.com/evertask/evertask/structs"
)

// StatusUpdate is the event payload published on status transitions.
type StatusUpdate struct {
	TaskID    string
	Status    structs.TaskStatus
	Exception string
}

// RunUpdate is the event payload published when a handler invocation ends.
type RunUpdate struct {
	TaskID     string
	Attempt    int
	DurationMs int64
	Error      string
}

// Engine owns the dispatcher, timer scheduler, worker queues and the
// persistence and event surfaces. Construct with New, register handlers,
// then Start.
type Engine struct {
	config *Config
	logger hclog.Logger

	store    state.Store
	ownStore bool

	handlers *handlerRegistry
	broker   *taskBroker
	timer    *timerDispatch
	cancels  *cancelRegistry
	events   *stream.EventBroker
	inflight *inflightSet

	// rootCtx parents every execution context; rootCancel tears all of
	// them down at forced shutdown.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	// stopCh unblocks idle workers and blocked producers at shutdown.
	stopCh chan struct{}
	wg     sync.WaitGroup

	// lifecycle guards started/stopped and the per-queue worker spawns.
	lifecycle sync.Mutex
	started   bool
	stopped   bool
	spawned   map[string]bool
}

// New builds an engine from the configuration. A nil config, logger or store
// falls back to DefaultConfig, hclog.Default and an in-memory store.
func New(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("evertask")

	if config.MaxPersistedLogs == 0 {
		config.MaxPersistedLogs = 100
	}
	if config.MinPersistLevel == hclog.NoLevel {
		config.MinPersistLevel = hclog.Info
	}
	if config.DefaultAuditLevel == "" {
		config.DefaultAuditLevel = structs.AuditLevelFull
	}

	store := config.Store
	ownStore := false
	if store == nil {
		ms, err := state.NewMemoryStore(logger)
		if err != nil {
			return nil, err
		}
		store = ms
		ownStore = true
	}

	cancels, err := newCancelRegistry(config.BlacklistSize)
	if err != nil {
		return nil, err
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	stopCh := make(chan struct{})

	e := &Engine{
		config:     config,
		logger:     logger,
		store:      store,
		ownStore:   ownStore,
		handlers:   newHandlerRegistry(),
		cancels:    cancels,
		events:     stream.NewEventBroker(logger),
		inflight:   newInflightSet(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		stopCh:     stopCh,
		spawned:    make(map[string]bool),
	}
	e.broker = newTaskBroker(logger, config.Queues, stopCh)
	e.broker.onCreate = e.startQueueWorkers
	e.timer = newTimerDispatch(logger, e.promote)
	return e, nil
}

// RegisterHandler binds a request type to its handler. Handlers for request
// types with stored pending tasks must be registered before Start so boot
// recovery can rebuild their executions.
func (e *Engine) RegisterHandler(cfg HandlerConfig) error {
	_, err := e.handlers.register(cfg)
	return err
}

// Subscribe opens an event subscription. The caller owns the subscription
// and must Unsubscribe when done.
func (e *Engine) Subscribe(req *stream.SubscribeRequest) *Subscription {
	return e.events.Subscribe(req)
}

// Subscription re-exports the stream subscription for engine callers.
type Subscription = stream.Subscription

// Task returns the current stored row for a task id.
func (e *Engine) Task(id string) (*structs.Task, error) {
	return e.store.GetTask(id)
}

// TaskDetail returns the task with its full audit trail and captured logs.
func (e *Engine) TaskDetail(id string) (*structs.TaskDetail, error) {
	return e.store.GetDetail(id)
}

// EngineStats is a point-in-time snapshot of engine load.
type EngineStats struct {
	// QueueDepths maps queue name to the number of waiting executions.
	QueueDepths map[string]int

	// TimerPending is the number of future-dated executions on the timer.
	TimerPending int

	// InFlight is the number of handlers currently executing.
	InFlight int

	// Subscribers is the number of live event subscriptions.
	Subscribers int
}

// Stats snapshots current engine load for the monitoring surface.
func (e *Engine) Stats() *EngineStats {
	stats := &EngineStats{
		QueueDepths:  make(map[string]int),
		TimerPending: e.timer.pendingCount(),
		InFlight:     e.inflight.Len(),
		Subscribers:  e.events.SubscriberCount(),
	}
	for _, q := range e.broker.all() {
		stats.QueueDepths[q.config.Name] = len(q.ch)
	}
	return stats
}

// inflightSet tracks the ids of currently executing tasks. go-set carries the
// set semantics; the mutex makes it safe across workers.
type inflightSet struct {
	mu  sync.Mutex
	ids *set.Set[string]
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: set.New[string](8)}
}

// Insert adds the id and reports false if it was already present.
func (s *inflightSet) Insert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Insert(id)
}

func (s *inflightSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids.Remove(id)
}

func (s *inflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Size()
}

func (s *inflightSet) Slice() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Slice()
}
