// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package evertask

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/evertask/evertask/ci"
	"github.com/evertask/evertask/helper/testlog"
)

func TestRunLogger_BuffersAtOrAboveLevel(t *testing.T) {
	ci.Parallel(t)

	l := newRunLogger(testlog.HCLogger(t), "task-1", hclog.Info, 100, 0)
	l.Trace("below")
	l.Debug("below")
	l.Info("kept one")
	l.Warn("kept two")
	l.Error("kept three")

	records := l.records()
	must.Len(t, 3, records)
	must.Eq(t, "INFO", records[0].Level)
	must.Eq(t, "kept one", records[0].Message)
	must.Eq(t, "WARN", records[1].Level)
	must.Eq(t, "ERROR", records[2].Level)
}

func TestRunLogger_SequenceNumbersMonotonic(t *testing.T) {
	ci.Parallel(t)

	l := newRunLogger(testlog.HCLogger(t), "task-1", hclog.Trace, 100, 0)
	l.Info("a")
	l.Info("b")

	first := l.records()
	must.Len(t, 2, first)
	must.Eq(t, int64(1), first[0].SequenceNumber)
	must.Eq(t, int64(2), first[1].SequenceNumber)

	// The sequence keeps climbing across flushes.
	l.Info("c")
	second := l.records()
	must.Len(t, 1, second)
	must.Eq(t, int64(3), second[0].SequenceNumber)
}

func TestRunLogger_ResumesSeededSequence(t *testing.T) {
	ci.Parallel(t)

	l := newRunLogger(testlog.HCLogger(t), "task-1", hclog.Info, 100, 7)
	l.Info("first after resume")
	l.Info("second after resume")

	records := l.records()
	must.Len(t, 2, records)
	must.Eq(t, int64(8), records[0].SequenceNumber)
	must.Eq(t, int64(9), records[1].SequenceNumber)
	must.Eq(t, int64(9), l.lastSeq())
}

func TestRunLogger_CapsBufferedRecords(t *testing.T) {
	ci.Parallel(t)

	l := newRunLogger(testlog.HCLogger(t), "task-1", hclog.Info, 2, 0)
	l.Info("one")
	l.Info("two")
	l.Info("three dropped")

	must.Len(t, 2, l.records())
}

func TestRunLogger_RendersKVPairs(t *testing.T) {
	ci.Parallel(t)

	l := newRunLogger(testlog.HCLogger(t), "task-1", hclog.Info, 10, 0)
	l.Info("processing", "page", 3, "user", "alice")
	l.Error("fetch failed", "error", errors.New("connection reset"))

	records := l.records()
	must.Len(t, 2, records)
	must.Eq(t, "processing page=3 user=alice", records[0].Message)
	must.Eq(t, "", records[0].ExceptionDetails)
	must.Eq(t, "connection reset", records[1].ExceptionDetails)
}

func TestLog_OutsideExecutionWindow(t *testing.T) {
	ci.Parallel(t)

	// Logging outside a worker context must not panic and must not buffer.
	l := Log(context.Background())
	l.Info("plain passthrough")

	rl, ok := l.(*runLogger)
	must.True(t, ok)
	must.Len(t, 0, rl.records())
}
