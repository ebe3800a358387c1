// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package state

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/evertask/evertask/ci"
	"github.com/evertask/evertask/helper/pointer"
	"github.com/evertask/evertask/helper/testlog"
	"github.com/evertask/evertask/helper/uuid"
	"github.com/evertask/evertask/structs"
)

// testStores builds one instance of every backend; the contract tests run
// against each.
func testStores(t *testing.T) map[string]Store {
	mem, err := NewMemoryStore(testlog.HCLogger(t))
	require.NoError(t, err)

	bolt, err := NewBoltStore(testlog.HCLogger(t), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"memory": mem,
		"bolt":   bolt,
	}
}

func mockTask() *structs.Task {
	return &structs.Task{
		ID:          uuid.Generate(),
		RequestType: "test.Ping",
		HandlerType: "test.PingHandler",
		Payload:     []byte(`{"n":1}`),
		Status:      structs.TaskStatusWaitingQueue,
		QueueName:   structs.DefaultQueue,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		AuditLevel:  structs.AuditLevelFull,
	}
}

func TestStore_PersistRoundTrip(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			task := mockTask()
			task.IsRecurring = true
			task.Recurring = &structs.RecurringRule{
				Second:  &structs.SecondInterval{Every: 30},
				MaxRuns: pointer.Of(5),
			}
			task.RecurringInfo = task.Recurring.String()
			task.NextRun = pointer.Of(task.CreatedAt.Add(30 * time.Second))

			require.NoError(t, store.Persist(task))

			got, err := store.GetTask(task.ID)
			require.NoError(t, err)
			require.Empty(t, cmp.Diff(task, got))

			_, err = store.GetTask(uuid.Generate())
			require.ErrorIs(t, err, structs.ErrTaskNotFound)
		})
	}
}

func TestStore_TaskKeyLookup(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			task := mockTask()
			task.TaskKey = "dedupe-" + uuid.Short()
			require.NoError(t, store.Persist(task))

			got, err := store.GetByTaskKey(task.TaskKey)
			require.NoError(t, err)
			require.Equal(t, task.ID, got.ID)

			// A terminal row no longer holds the key.
			require.NoError(t, store.SetStatus(task.ID, structs.TaskStatusCompleted, ""))
			_, err = store.GetByTaskKey(task.TaskKey)
			require.ErrorIs(t, err, structs.ErrTaskNotFound)

			_, err = store.GetByTaskKey("never-registered")
			require.ErrorIs(t, err, structs.ErrTaskNotFound)
		})
	}
}

func TestStore_PendingTasksOrder(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			var want []string
			for i := 0; i < 5; i++ {
				task := mockTask()
				require.NoError(t, store.Persist(task))
				want = append(want, task.ID)
			}

			// Terminal rows are not pending.
			done := mockTask()
			done.Status = structs.TaskStatusCompleted
			require.NoError(t, store.Persist(done))

			pending, err := store.GetPendingTasks()
			require.NoError(t, err)

			var got []string
			for _, task := range pending {
				got = append(got, task.ID)
			}
			require.Equal(t, want, got)
		})
	}
}

func TestStore_SetStatusWritesAudit(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			task := mockTask()
			require.NoError(t, store.Persist(task))

			require.NoError(t, store.SetStatus(task.ID, structs.TaskStatusInProgress, ""))
			require.NoError(t, store.SetStatus(task.ID, structs.TaskStatusFailed, "boom"))

			detail, err := store.GetDetail(task.ID)
			require.NoError(t, err)
			require.Equal(t, structs.TaskStatusFailed, detail.Task.Status)
			require.Equal(t, "boom", detail.Task.Exception)

			require.Len(t, detail.StatusAudit, 2)
			require.Equal(t, structs.TaskStatusInProgress, detail.StatusAudit[0].NewStatus)
			require.Equal(t, structs.TaskStatusFailed, detail.StatusAudit[1].NewStatus)
			require.Equal(t, "boom", detail.StatusAudit[1].Exception)
		})
	}
}

func TestStore_SetCancelledByUser(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			task := mockTask()
			require.NoError(t, store.Persist(task))

			require.NoError(t, store.SetCancelledByUser(task.ID))
			got, err := store.GetTask(task.ID)
			require.NoError(t, err)
			require.Equal(t, structs.TaskStatusCancelled, got.Status)

			// Idempotent, and never resurrects a terminal row.
			require.NoError(t, store.SetCancelledByUser(task.ID))
			detail, err := store.GetDetail(task.ID)
			require.NoError(t, err)
			require.Len(t, detail.StatusAudit, 1)
		})
	}
}

func TestStore_RecordRun(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			task := mockTask()
			require.NoError(t, store.Persist(task))

			at := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.RecordRun(task.ID, at, 42, structs.TaskStatusCompleted, ""))
			require.NoError(t, store.RecordRun(task.ID, at.Add(time.Second), 7, structs.TaskStatusFailed, "oops"))

			detail, err := store.GetDetail(task.ID)
			require.NoError(t, err)
			require.Len(t, detail.RunsAudit, 2)
			must.Eq(t, int64(42), detail.RunsAudit[0].ExecutionTimeMs)
			must.Eq(t, structs.TaskStatusFailed, detail.RunsAudit[1].Status)
			must.Eq(t, "oops", detail.RunsAudit[1].Exception)

			// Last execution tracks the most recent run.
			must.NotNil(t, detail.Task.LastExecution)
			must.Eq(t, at.Add(time.Second), *detail.Task.LastExecution)
			must.Eq(t, int64(7), detail.Task.ExecutionTimeMs)
		})
	}
}

func TestStore_AppendLogs(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			task := mockTask()
			require.NoError(t, store.Persist(task))

			logs := []*structs.ExecutionLog{
				{Timestamp: time.Now().UTC(), Level: "INFO", Message: "starting", SequenceNumber: 1},
				{Timestamp: time.Now().UTC(), Level: "ERROR", Message: "failed", ExceptionDetails: "oops", SequenceNumber: 2},
			}
			require.NoError(t, store.AppendLogs(task.ID, logs))

			detail, err := store.GetDetail(task.ID)
			require.NoError(t, err)
			require.Len(t, detail.Logs, 2)
			require.Equal(t, "starting", detail.Logs[0].Message)
			require.Equal(t, int64(2), detail.Logs[1].SequenceNumber)
			require.Equal(t, task.ID, detail.Logs[0].TaskID)

			require.ErrorIs(t, store.AppendLogs(uuid.Generate(), logs), structs.ErrTaskNotFound)
		})
	}
}

func TestStore_Remove(t *testing.T) {
	ci.Parallel(t)

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			task := mockTask()
			task.TaskKey = "gone-" + uuid.Short()
			require.NoError(t, store.Persist(task))
			require.NoError(t, store.SetStatus(task.ID, structs.TaskStatusQueued, ""))

			require.NoError(t, store.Remove(task.ID))
			_, err := store.GetTask(task.ID)
			require.ErrorIs(t, err, structs.ErrTaskNotFound)
			_, err = store.GetByTaskKey(task.TaskKey)
			require.ErrorIs(t, err, structs.ErrTaskNotFound)

			// Removing an unknown id is not an error.
			require.NoError(t, store.Remove(task.ID))
		})
	}
}
