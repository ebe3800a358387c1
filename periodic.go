// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"container/heap"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// timerDispatch holds future-dated executions on a monotonic min-heap and
// promotes them to the queue broker when due. A single goroutine owns the
// wake loop; Schedule and Cancel may be called from any goroutine.
type timerDispatch struct {
	// dispatchFn hands a due execution to the queue broker. It may block
	// under backpressure; the loop tolerates the resulting clock drift by
	// draining everything due on each wake.
	dispatchFn func(*taskExecution)

	heap    timerHeap
	tracked map[string]*timerEntry

	// updateCh wakes the loop when the head of the heap changes.
	updateCh chan struct{}
	stopCh   chan struct{}

	running bool
	l       sync.Mutex

	logger hclog.Logger
}

func newTimerDispatch(logger hclog.Logger, dispatchFn func(*taskExecution)) *timerDispatch {
	return &timerDispatch{
		dispatchFn: dispatchFn,
		tracked:    make(map[string]*timerEntry),
		updateCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		logger:     logger.Named("timer"),
	}
}

// schedule inserts or reschedules the execution at the given instant and
// wakes the loop if the head changed.
func (p *timerDispatch) schedule(exec *taskExecution, at time.Time) {
	p.l.Lock()
	defer p.l.Unlock()

	exec.runAt = at
	if entry, ok := p.tracked[exec.id()]; ok {
		entry.at = at
		entry.exec = exec
		heap.Fix(&p.heap, entry.index)
	} else {
		entry = &timerEntry{at: at, exec: exec}
		heap.Push(&p.heap, entry)
		p.tracked[exec.id()] = entry
	}
	metrics.IncrCounter([]string{"evertask", "timer", "scheduled"}, 1)

	p.signal()
}

// cancel removes a pending entry and reports whether one existed.
func (p *timerDispatch) cancel(id string) bool {
	p.l.Lock()
	defer p.l.Unlock()

	entry, ok := p.tracked[id]
	if !ok {
		return false
	}
	heap.Remove(&p.heap, entry.index)
	delete(p.tracked, id)
	p.signal()
	return true
}

// pendingCount returns the number of entries waiting on the heap.
func (p *timerDispatch) pendingCount() int {
	p.l.Lock()
	defer p.l.Unlock()
	return len(p.tracked)
}

func (p *timerDispatch) signal() {
	select {
	case p.updateCh <- struct{}{}:
	default:
	}
}

// start launches the wake loop. Entries scheduled before start are retained.
func (p *timerDispatch) start() {
	p.l.Lock()
	defer p.l.Unlock()
	if p.running {
		return
	}
	p.running = true
	go p.run()
}

// stop ceases waking. Pending entries remain on the heap.
func (p *timerDispatch) stop() {
	p.l.Lock()
	defer p.l.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

func (p *timerDispatch) run() {
	for {
		p.l.Lock()
		var wait time.Duration
		armed := false
		if len(p.heap) > 0 {
			wait = time.Until(p.heap[0].at)
			if wait < 0 {
				wait = 0
			}
			armed = true
		}
		p.l.Unlock()

		var timerCh <-chan time.Time
		var timer *time.Timer
		if armed {
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}

		select {
		case <-p.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.updateCh:
			// Head changed; re-arm.
		case <-timerCh:
			p.dispatchDue()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatchDue drains every entry at or past the current instant, in
// (instant, id) order, and hands each to the broker. Dispatching happens
// outside the lock since it may block under backpressure.
func (p *timerDispatch) dispatchDue() {
	now := time.Now()

	p.l.Lock()
	var due []*taskExecution
	for len(p.heap) > 0 && !p.heap[0].at.After(now) {
		entry := heap.Pop(&p.heap).(*timerEntry)
		delete(p.tracked, entry.exec.id())
		due = append(due, entry.exec)
	}
	p.l.Unlock()

	for _, exec := range due {
		p.logger.Trace("dispatching due task", "task_id", exec.id(), "due", exec.runAt)
		metrics.IncrCounter([]string{"evertask", "timer", "dispatched"}, 1)
		p.dispatchFn(exec)
	}
}

// timerEntry is one (dueInstant, execution) pair on the heap.
type timerEntry struct {
	at    time.Time
	exec  *taskExecution
	index int
}

// timerHeap orders entries by due instant, with the execution id as a
// tiebreaker for determinism.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].exec.id() < h[j].exec.id()
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
