// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/evertask/evertask/structs"
)

// RunLogger is the logging surface available to an executing handler via
// Log(ctx). Every record reaches the host logger; records at or above the
// configured persistence level are buffered and flushed to the store when the
// run finishes.
type RunLogger interface {
	Trace(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type runLoggerKey struct{}

// Log returns the per-run logger installed by the worker. Outside an
// execution window it returns a pass-through to the default logger so
// handler code can always log unconditionally.
func Log(ctx context.Context) RunLogger {
	if l, ok := ctx.Value(runLoggerKey{}).(*runLogger); ok {
		return l
	}
	return &runLogger{host: hclog.Default(), minPersist: hclog.Off}
}

func withRunLogger(ctx context.Context, l *runLogger) context.Context {
	return context.WithValue(ctx, runLoggerKey{}, l)
}

// runLogger captures handler logs for one task execution.
type runLogger struct {
	host       hclog.Logger
	minPersist hclog.Level
	maxRecords int

	mu  sync.Mutex
	seq int64
	buf []*structs.ExecutionLog
}

// newRunLogger builds the capture for one execution. startSeq is the last
// sequence number already issued for the task; numbering resumes after it so
// records stay strictly ordered across recurring occurrences.
func newRunLogger(host hclog.Logger, taskID string, minPersist hclog.Level, maxRecords int, startSeq int64) *runLogger {
	return &runLogger{
		host:       host.With("task_id", taskID),
		minPersist: minPersist,
		maxRecords: maxRecords,
		seq:        startSeq,
	}
}

// lastSeq returns the highest sequence number issued so far.
func (l *runLogger) lastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *runLogger) Trace(msg string, args ...interface{}) { l.log(hclog.Trace, msg, args) }
func (l *runLogger) Debug(msg string, args ...interface{}) { l.log(hclog.Debug, msg, args) }
func (l *runLogger) Info(msg string, args ...interface{})  { l.log(hclog.Info, msg, args) }
func (l *runLogger) Warn(msg string, args ...interface{})  { l.log(hclog.Warn, msg, args) }
func (l *runLogger) Error(msg string, args ...interface{}) { l.log(hclog.Error, msg, args) }

func (l *runLogger) log(level hclog.Level, msg string, args []interface{}) {
	// The host logger always sees the record.
	l.host.Log(level, msg, args...)

	if l.minPersist == hclog.Off || level < l.minPersist {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	if l.maxRecords > 0 && len(l.buf) >= l.maxRecords {
		return
	}
	l.buf = append(l.buf, &structs.ExecutionLog{
		Timestamp:        time.Now().UTC(),
		Level:            strings.ToUpper(level.String()),
		Message:          render(msg, args),
		ExceptionDetails: errorDetail(args),
		SequenceNumber:   l.seq,
	})
}

// records returns the buffered rows for flushing. The capture keeps running
// afterwards; sequence numbers stay monotonic across flushes.
func (l *runLogger) records() []*structs.ExecutionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.buf
	l.buf = nil
	return out
}

// render flattens a message and its key/value pairs into the persisted
// string.
func render(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		fmt.Fprintf(&b, " %v", args[len(args)-1])
	}
	return b.String()
}

// errorDetail extracts the first error among the log values, if any.
func errorDetail(args []interface{}) string {
	for i := 1; i < len(args); i += 2 {
		if err, ok := args[i].(error); ok {
			return err.Error()
		}
	}
	return ""
}
