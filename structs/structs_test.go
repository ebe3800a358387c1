// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/evertask/evertask/ci"
	"github.com/evertask/evertask/helper/pointer"
)

func TestTaskStatus_Terminal(t *testing.T) {
	ci.Parallel(t)

	terminal := []TaskStatus{
		TaskStatusCancelled, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusServiceStopped,
	}
	for _, s := range terminal {
		must.True(t, s.Terminal())
		must.False(t, s.Pending())
	}

	live := []TaskStatus{
		TaskStatusWaitingQueue, TaskStatusQueued,
		TaskStatusInProgress, TaskStatusPending,
	}
	for _, s := range live {
		must.False(t, s.Terminal())
		must.True(t, s.Pending())
	}
}

func TestTask_Copy(t *testing.T) {
	ci.Parallel(t)

	next := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	orig := &Task{
		ID:          "t1",
		Payload:     []byte(`{"a":1}`),
		Status:      TaskStatusPending,
		NextRun:     &next,
		IsRecurring: true,
		Recurring: &RecurringRule{
			Day:     &DayInterval{Every: 1, OnTimes: []TimeOfDay{{Hour: 8}}},
			MaxRuns: pointer.Of(10),
		},
	}

	cp := orig.Copy()
	must.Eq(t, orig, cp)

	// Mutating the copy leaves the original untouched.
	cp.Payload[0] = 'X'
	*cp.NextRun = cp.NextRun.Add(time.Hour)
	cp.Recurring.Day.Every = 99
	*cp.Recurring.MaxRuns = 1

	must.Eq(t, byte('{'), orig.Payload[0])
	must.Eq(t, next, *orig.NextRun)
	must.Eq(t, 1, orig.Recurring.Day.Every)
	must.Eq(t, 10, *orig.Recurring.MaxRuns)

	var nilTask *Task
	must.Nil(t, nilTask.Copy())
}
