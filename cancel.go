// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cancelRegistry is the process-wide map from task id to the cancellation
// handle of its execution window, plus the blacklist consulted by workers
// before starting a task. The blacklist is an LRU so a long-lived engine
// cannot accumulate unbounded cancelled ids; a task id only needs to survive
// in it until its queue entry is drained.
type cancelRegistry struct {
	mu      sync.Mutex
	handles map[string]context.CancelFunc

	blacklist *lru.Cache[string, time.Time]
}

func newCancelRegistry(blacklistSize int) (*cancelRegistry, error) {
	if blacklistSize <= 0 {
		blacklistSize = 1024
	}
	bl, err := lru.New[string, time.Time](blacklistSize)
	if err != nil {
		return nil, err
	}
	return &cancelRegistry{
		handles:   make(map[string]context.CancelFunc),
		blacklist: bl,
	}, nil
}

// add registers the cancellation handle for an execution window. The handle
// is borrowed: it lives exactly as long as the execution.
func (c *cancelRegistry) add(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[id] = cancel
}

// remove drops the handle at the end of the execution window.
func (c *cancelRegistry) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, id)
}

// cancel signals the handle for id if one is live and reports whether a
// running execution was signalled.
func (c *cancelRegistry) cancel(id string) bool {
	c.mu.Lock()
	cancelFn, ok := c.handles[id]
	c.mu.Unlock()
	if ok {
		cancelFn()
	}
	return ok
}

// ban adds the id to the blacklist so any later dequeue aborts before the
// handler starts.
func (c *cancelRegistry) ban(id string) {
	c.blacklist.Add(id, time.Now().UTC())
}

// banned reports whether the id was cancelled before execution.
func (c *cancelRegistry) banned(id string) bool {
	return c.blacklist.Contains(id)
}

// cancelAll signals every live handle; used at engine shutdown.
func (c *cancelRegistry) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancelFn := range c.handles {
		cancelFn()
	}
}

// liveIDs returns the ids with a live execution window.
func (c *cancelRegistry) liveIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handles))
	for id := range c.handles {
		out = append(out, id)
	}
	return out
}
