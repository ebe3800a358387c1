// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/bbolt"

	"github.com/evertask/evertask/helper/uuid"
	"github.com/evertask/evertask/structs"
)

/*
The durable backend is a boltdb file. The schema:

meta/
|--> version -> '1'
tasks/
|--> <task-id>/
   |--> task          -> json(structs.Task)
   |--> status_audit/ -> <audit-id> -> json(structs.StatusAudit)
   |--> runs_audit/   -> <audit-id> -> json(structs.RunAudit)
   |--> logs/         -> <log-id>   -> json(structs.ExecutionLog)
task_keys/
|--> <task-key> -> <task-id>

Task and audit ids are time-ordered UUIDs, so a bucket cursor walks rows in
creation order. The task_keys bucket is the unique index over non-terminal
task keys; entries are removed when a task reaches a terminal status.
*/

var (
	metaBucketName = []byte("meta")
	metaVersionKey = []byte("version")
	metaVersion    = []byte{'1'}

	tasksBucketName    = []byte("tasks")
	taskKeysBucketName = []byte("task_keys")

	taskKey              = []byte("task")
	statusAuditBucketKey = []byte("status_audit")
	runsAuditBucketKey   = []byte("runs_audit")
	logsBucketKey        = []byte("logs")
)

// BoltStore persists tasks in a boltdb file. All methods are safe for
// concurrent access; bolt serializes writers, which satisfies the per-id
// linearizability requirement of the contract.
type BoltStore struct {
	db     *bbolt.DB
	logger hclog.Logger
}

// NewBoltStore creates or opens the state file under dir.
func NewBoltStore(logger hclog.Logger, dir string) (*BoltStore, error) {
	if logger == nil {
		logger = hclog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	fn := filepath.Join(dir, "evertask.db")

	// Timeout to force failure when the data dir is already in use.
	db, err := bbolt.Open(fn, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err == bbolt.ErrTimeout {
		return nil, fmt.Errorf("timed out opening %s, is another process using it?", fn)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}

	s := &BoltStore{
		db:     db,
		logger: logger.Named("state"),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) init() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucketName, tasksBucketName, taskKeysBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucketName).Put(metaVersionKey, metaVersion)
	})
}

func (s *BoltStore) Persist(task *structs.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task has no id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.putTask(tx, task)
	})
}

func (s *BoltStore) UpdateTask(task *structs.Task) error {
	return s.Persist(task)
}

func (s *BoltStore) putTask(tx *bbolt.Tx, task *structs.Task) error {
	bkt, err := tx.Bucket(tasksBucketName).CreateBucketIfNotExists([]byte(task.ID))
	if err != nil {
		return err
	}
	buf, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := bkt.Put(taskKey, buf); err != nil {
		return err
	}

	keys := tx.Bucket(taskKeysBucketName)
	if task.TaskKey != "" {
		if task.Status.Terminal() {
			return s.releaseTaskKey(tx, task)
		}
		return keys.Put([]byte(task.TaskKey), []byte(task.ID))
	}
	return nil
}

// releaseTaskKey drops the unique key mapping when it still points at this
// task. A newer task may have adopted the key already.
func (s *BoltStore) releaseTaskKey(tx *bbolt.Tx, task *structs.Task) error {
	if task.TaskKey == "" {
		return nil
	}
	keys := tx.Bucket(taskKeysBucketName)
	if string(keys.Get([]byte(task.TaskKey))) == task.ID {
		return keys.Delete([]byte(task.TaskKey))
	}
	return nil
}

func (s *BoltStore) Remove(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		task, err := s.getTask(tx, id)
		if err == structs.ErrTaskNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if err := s.releaseTaskKey(tx, task); err != nil {
			return err
		}
		return tx.Bucket(tasksBucketName).DeleteBucket([]byte(id))
	})
}

func (s *BoltStore) getTask(tx *bbolt.Tx, id string) (*structs.Task, error) {
	bkt := tx.Bucket(tasksBucketName).Bucket([]byte(id))
	if bkt == nil {
		return nil, structs.ErrTaskNotFound
	}
	buf := bkt.Get(taskKey)
	if buf == nil {
		return nil, structs.ErrTaskNotFound
	}
	task := new(structs.Task)
	if err := json.Unmarshal(buf, task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return task, nil
}

func (s *BoltStore) GetTask(id string) (*structs.Task, error) {
	var task *structs.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		task, err = s.getTask(tx, id)
		return err
	})
	return task, err
}

func (s *BoltStore) GetByTaskKey(key string) (*structs.Task, error) {
	if key == "" {
		return nil, structs.ErrTaskNotFound
	}
	var task *structs.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(taskKeysBucketName).Get([]byte(key))
		if id == nil {
			return structs.ErrTaskNotFound
		}
		t, err := s.getTask(tx, string(id))
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return structs.ErrTaskNotFound
		}
		task = t
		return nil
	})
	return task, err
}

func (s *BoltStore) GetPendingTasks() ([]*structs.Task, error) {
	var out []*structs.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		// Bucket keys are time-ordered task ids, so the cursor walks
		// rows in creation order.
		return tx.Bucket(tasksBucketName).ForEachBucket(func(id []byte) error {
			task, err := s.getTask(tx, string(id))
			if err != nil {
				return err
			}
			if task.Status.Pending() {
				out = append(out, task)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SetCancelledByUser(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		task, err := s.getTask(tx, id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return nil
		}
		task.Status = structs.TaskStatusCancelled
		return s.writeStatus(tx, task, "")
	})
}

func (s *BoltStore) SetStatus(id string, status structs.TaskStatus, exception string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		task, err := s.getTask(tx, id)
		if err != nil {
			return err
		}
		task.Status = status
		if exception != "" {
			task.Exception = exception
		}
		return s.writeStatus(tx, task, exception)
	})
}

// writeStatus stores the mutated task and appends its StatusAudit row in the
// same transaction.
func (s *BoltStore) writeStatus(tx *bbolt.Tx, task *structs.Task, exception string) error {
	if err := s.putTask(tx, task); err != nil {
		return err
	}
	audit := &structs.StatusAudit{
		ID:        uuid.Generate(),
		TaskID:    task.ID,
		UpdatedAt: time.Now().UTC(),
		NewStatus: task.Status,
		Exception: exception,
	}
	return s.appendRow(tx, task.ID, statusAuditBucketKey, audit.ID, audit)
}

func (s *BoltStore) RecordRun(id string, executedAt time.Time, executionTimeMs int64, status structs.TaskStatus, exception string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		task, err := s.getTask(tx, id)
		if err != nil {
			return err
		}
		at := executedAt.UTC()
		task.LastExecution = &at
		task.ExecutionTimeMs = executionTimeMs
		if err := s.putTask(tx, task); err != nil {
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
		return s.appendRow(tx, id, runsAuditBucketKey, audit.ID, audit)
	})
}

func (s *BoltStore) AppendLogs(id string, logs []*structs.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(tasksBucketName).Bucket([]byte(id)) == nil {
			return structs.ErrTaskNotFound
		}
		for _, l := range logs {
			row := *l
			if row.ID == "" {
				row.ID = uuid.Generate()
			}
			row.TaskID = id
			if err := s.appendRow(tx, id, logsBucketKey, row.ID, &row); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendRow writes a json row into the named sub-bucket of a task.
func (s *BoltStore) appendRow(tx *bbolt.Tx, taskID string, bucket []byte, rowID string, row any) error {
	taskBkt := tx.Bucket(tasksBucketName).Bucket([]byte(taskID))
	if taskBkt == nil {
		return structs.ErrTaskNotFound
	}
	bkt, err := taskBkt.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(rowID), buf)
}

func (s *BoltStore) GetDetail(id string) (*structs.TaskDetail, error) {
	detail := new(structs.TaskDetail)
	err := s.db.View(func(tx *bbolt.Tx) error {
		task, err := s.getTask(tx, id)
		if err != nil {
			return err
		}
		detail.Task = task

		taskBkt := tx.Bucket(tasksBucketName).Bucket([]byte(id))
		if bkt := taskBkt.Bucket(statusAuditBucketKey); bkt != nil {
			err = bkt.ForEach(func(_, v []byte) error {
				row := new(structs.StatusAudit)
				if err := json.Unmarshal(v, row); err != nil {
					return err
				}
				detail.StatusAudit = append(detail.StatusAudit, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		if bkt := taskBkt.Bucket(runsAuditBucketKey); bkt != nil {
			err = bkt.ForEach(func(_, v []byte) error {
				row := new(structs.RunAudit)
				if err := json.Unmarshal(v, row); err != nil {
					return err
				}
				detail.RunsAudit = append(detail.RunsAudit, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		if bkt := taskBkt.Bucket(logsBucketKey); bkt != nil {
			err = bkt.ForEach(func(_, v []byte) error {
				row := new(structs.ExecutionLog)
				if err := json.Unmarshal(v, row); err != nil {
					return err
				}
				detail.Logs = append(detail.Logs, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
