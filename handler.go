// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/evertask/evertask/structs"
)

// RetryPolicy controls in-place retries of a failing handler. Attempts is the
// total number of invocations allowed; Delay returns the pause before the
// given attempt (1-based).
type RetryPolicy interface {
	Attempts() int
	Delay(attempt int) time.Duration
}

// FixedRetry retries with a constant delay.
type FixedRetry struct {
	MaxAttempts int
	Interval    time.Duration
}

func (r FixedRetry) Attempts() int { return r.MaxAttempts }

func (r FixedRetry) Delay(int) time.Duration { return r.Interval }

// BackoffRetry retries with exponential backoff capped at Max.
type BackoffRetry struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
}

func (r BackoffRetry) Attempts() int { return r.MaxAttempts }

func (r BackoffRetry) Delay(attempt int) time.Duration {
	d := r.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * r.Factor)
		if r.Max > 0 && d > r.Max {
			return r.Max
		}
	}
	if r.Max > 0 && d > r.Max {
		return r.Max
	}
	return d
}

// HandlerConfig binds a request type to the code that executes it. Request is
// a prototype value of the request type; Handle always receives a pointer to
// a freshly decoded request, on the direct dispatch path as well as after
// boot recovery, so payloads must round-trip through JSON.
type HandlerConfig struct {
	// Request is the prototype request value. Required.
	Request any

	// Handle executes one task. Required. It must observe ctx for
	// cancellation and timeouts; forced termination is not supported.
	Handle func(ctx context.Context, request any) error

	// Name overrides the derived handler type name.
	Name string

	// Optional lifecycle callbacks.
	OnStarted   func(id string)
	OnCompleted func(id string)
	OnError     func(id string, err error, message string)

	// Timeout bounds a single invocation. Zero falls back to the queue's
	// default timeout.
	Timeout time.Duration

	// Retry retries failing invocations in place.
	Retry RetryPolicy

	// Queue routes tasks for this handler to a named queue.
	Queue string

	// AuditLevel overrides the engine default retention for this handler.
	AuditLevel structs.AuditLevel
}

// handlerBinding is the resolved registration: the value looked up at
// dispatch and at boot recovery. Bindings are immutable after registration.
type handlerBinding struct {
	requestType string
	handlerType string
	newRequest  func() any

	config HandlerConfig
}

// decode builds a fresh request from a stored payload.
func (b *handlerBinding) decode(payload []byte) (any, error) {
	req := b.newRequest()
	if err := json.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", b.requestType, err)
	}
	return req, nil
}

// handlerRegistry maps request type names to bindings. Registrations happen
// at boot before Start; lookups are read-mostly afterwards.
type handlerRegistry struct {
	mu       sync.RWMutex
	bindings map[string]*handlerBinding
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{bindings: make(map[string]*handlerBinding)}
}

// requestTypeName derives the registry key for a request value.
func requestTypeName(request any) string {
	t := reflect.TypeOf(request)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.String()
}

func (r *handlerRegistry) register(cfg HandlerConfig) (*handlerBinding, error) {
	if cfg.Request == nil {
		return nil, fmt.Errorf("handler registration requires a request prototype")
	}
	if cfg.Handle == nil {
		return nil, fmt.Errorf("handler registration requires a Handle func")
	}

	reqType := requestTypeName(cfg.Request)
	if reqType == "" {
		return nil, fmt.Errorf("cannot derive a type name from request prototype %v", cfg.Request)
	}

	// Reject prototypes that cannot round-trip through persistence up
	// front rather than at the first dispatch.
	if _, err := json.Marshal(cfg.Request); err != nil {
		return nil, fmt.Errorf("request type %s is not serializable: %w", reqType, err)
	}

	elem := reflect.TypeOf(cfg.Request)
	for elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}

	binding := &handlerBinding{
		requestType: reqType,
		handlerType: cfg.Name,
		newRequest: func() any {
			return reflect.New(elem).Interface()
		},
		config: cfg,
	}
	if binding.handlerType == "" {
		binding.handlerType = reqType + "Handler"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[reqType]; exists {
		return nil, fmt.Errorf("request type %s already has a registered handler", reqType)
	}
	r.bindings[reqType] = binding
	return binding, nil
}

func (r *handlerRegistry) lookup(requestType string) (*handlerBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[requestType]
	return b, ok
}

// taskExecution bundles a task row with its resolved binding and the instant
// it should run. Executions are in-memory only and never persisted.
type taskExecution struct {
	task    *structs.Task
	binding *handlerBinding
	runAt   time.Time
}

func (t *taskExecution) id() string { return t.task.ID }
