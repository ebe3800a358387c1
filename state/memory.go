// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package state

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/evertask/evertask/helper/uuid"
	"github.com/evertask/evertask/structs"
)

const (
	tableTasks       = "tasks"
	tableStatusAudit = "status_audit"
	tableRunsAudit   = "runs_audit"
	tableLogs        = "execution_logs"
)

// memoryStoreSchema returns the memdb schema. Task ids are time-ordered, so
// iterating the id index recovers creation order without a dedicated index.
func memoryStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTasks: {
				Name: tableTasks,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"task_key": {
						Name:         "task_key",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "TaskKey"},
					},
				},
			},
			tableStatusAudit: {
				Name: tableStatusAudit,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"task_id": {
						Name:    "task_id",
						Indexer: &memdb.StringFieldIndex{Field: "TaskID"},
					},
				},
			},
			tableRunsAudit: {
				Name: tableRunsAudit,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"task_id": {
						Name:    "task_id",
						Indexer: &memdb.StringFieldIndex{Field: "TaskID"},
					},
				},
			},
			tableLogs: {
				Name: tableLogs,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"task_id": {
						Name:    "task_id",
						Indexer: &memdb.StringFieldIndex{Field: "TaskID"},
					},
				},
			},
		},
	}
}

// MemoryStore is the in-memory reference backend, built on go-memdb. Write
// transactions are serialized by memdb itself, which satisfies the per-id
// linearizability requirement of the contract.
type MemoryStore struct {
	db     *memdb.MemDB
	logger hclog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger hclog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = hclog.Default()
	}
	db, err := memdb.NewMemDB(memoryStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &MemoryStore{
		db:     db,
		logger: logger.Named("state"),
	}, nil
}

func (m *MemoryStore) Persist(task *structs.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task has no id")
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableTasks, task.Copy()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// UpdateTask overwrites the stored row; memdb Insert on an existing id is a
// replace.
func (m *MemoryStore) UpdateTask(task *structs.Task) error {
	return m.Persist(task)
}

func (m *MemoryStore) Remove(id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableTasks, "id", id)
	if err != nil {
		return err
	}
	if raw != nil {
		if err := txn.Delete(tableTasks, raw); err != nil {
			return err
		}
	}
	for _, table := range []string{tableStatusAudit, tableRunsAudit, tableLogs} {
		if _, err := txn.DeleteAll(table, "task_id", id); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetTask(id string) (*structs.Task, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableTasks, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, structs.ErrTaskNotFound
	}
	return raw.(*structs.Task).Copy(), nil
}

func (m *MemoryStore) GetByTaskKey(key string) (*structs.Task, error) {
	if key == "" {
		return nil, structs.ErrTaskNotFound
	}
	txn := m.db.Txn(false)
	iter, err := txn.Get(tableTasks, "task_key", key)
	if err != nil {
		return nil, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		task := raw.(*structs.Task)
		if !task.Status.Terminal() {
			return task.Copy(), nil
		}
	}
	return nil, structs.ErrTaskNotFound
}

func (m *MemoryStore) GetPendingTasks() ([]*structs.Task, error) {
	txn := m.db.Txn(false)
	iter, err := txn.Get(tableTasks, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.Task
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		task := raw.(*structs.Task)
		if task.Status.Pending() {
			out = append(out, task.Copy())
		}
	}
	return out, nil
}

func (m *MemoryStore) SetCancelledByUser(id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	task, err := m.taskForWrite(txn, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	task.Status = structs.TaskStatusCancelled
	if err := m.writeStatus(txn, task, ""); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) SetStatus(id string, status structs.TaskStatus, exception string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	task, err := m.taskForWrite(txn, id)
	if err != nil {
		return err
	}
	task.Status = status
	if exception != "" {
		task.Exception = exception
	}
	if err := m.writeStatus(txn, task, exception); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) RecordRun(id string, executedAt time.Time, executionTimeMs int64, status structs.TaskStatus, exception string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	task, err := m.taskForWrite(txn, id)
	if err != nil {
		return err
	}
	at := executedAt.UTC()
	task.LastExecution = &at
	task.ExecutionTimeMs = executionTimeMs
	if err := txn.Insert(tableTasks, task); err != nil {
		return err
	}

	audit := &structs.RunAudit{
		ID:              uuid.Generate(),
		TaskID:          id,
		ExecutedAt:      at,
		ExecutionTimeMs: executionTimeMs,
		Status:          status,
		Exception:       exception,
	}
	if err := txn.Insert(tableRunsAudit, audit); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) AppendLogs(id string, logs []*structs.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First(tableTasks, "id", id); err != nil {
		return err
	} else if raw == nil {
		return structs.ErrTaskNotFound
	}
	for _, l := range logs {
		row := *l
		if row.ID == "" {
			row.ID = uuid.Generate()
		}
		row.TaskID = id
		if err := txn.Insert(tableLogs, &row); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetDetail(id string) (*structs.TaskDetail, error) {
	task, err := m.GetTask(id)
	if err != nil {
		return nil, err
	}
	detail := &structs.TaskDetail{Task: task}

	txn := m.db.Txn(false)
	iter, err := txn.Get(tableStatusAudit, "task_id", id)
	if err != nil {
		return nil, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		a := *raw.(*structs.StatusAudit)
		detail.StatusAudit = append(detail.StatusAudit, &a)
	}

	iter, err = txn.Get(tableRunsAudit, "task_id", id)
	if err != nil {
		return nil, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		a := *raw.(*structs.RunAudit)
		detail.RunsAudit = append(detail.RunsAudit, &a)
	}

	iter, err = txn.Get(tableLogs, "task_id", id)
	if err != nil {
		return nil, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		l := *raw.(*structs.ExecutionLog)
		detail.Logs = append(detail.Logs, &l)
	}
	return detail, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// taskForWrite loads a mutable copy of the task inside a write transaction.
func (m *MemoryStore) taskForWrite(txn *memdb.Txn, id string) (*structs.Task, error) {
	raw, err := txn.First(tableTasks, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, structs.ErrTaskNotFound
	}
	return raw.(*structs.Task).Copy(), nil
}

// writeStatus stores the mutated task and its StatusAudit row in the same
// transaction.
func (m *MemoryStore) writeStatus(txn *memdb.Txn, task *structs.Task, exception string) error {
	if err := txn.Insert(tableTasks, task); err != nil {
		return err
	}
	audit := &structs.StatusAudit{
		ID:        uuid.Generate(),
		TaskID:    task.ID,
		UpdatedAt: time.Now().UTC(),
		NewStatus: task.Status,
		Exception: exception,
	}
	return txn.Insert(tableStatusAudit, audit)
}
