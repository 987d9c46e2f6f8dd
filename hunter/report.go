// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package hunter

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/crossbear/hunter/core/chainhash"
	"github.com/crossbear/hunter/core/messages"
)

// Stage names the step of a task that failed.
type Stage string

const (
	StagePublicIP  Stage = "public-ip"
	StageCertFetch Stage = "cert-fetch"
	StageHash      Stage = "chain-hash"
	StageEncode    Stage = "encode"
)

// TaskError is a failure confined to one hunting task.
type TaskError struct {
	Stage  Stage
	TaskID uint32
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("hunter: task %d: %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// TaskState is the outcome of a task.
type TaskState int

const (
	Skipped TaskState = iota
	Reported
)

func (s TaskState) String() string {
	switch s {
	case Reported:
		return "Reported"
	case Skipped:
		return "Skipped"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// TaskReport records what one task observed and sent.
type TaskReport struct {
	TaskID uint32
	Host   string
	Target netip.AddrPort
	State  TaskState

	KnownHashes []chainhash.Hash
	Candidates  []chainhash.Hash

	// ReplyType is TaskReplyKnownCert or TaskReplyNewCert for reported tasks.
	ReplyType messages.Type
	Witness   chainhash.Hash

	ChainLength    int
	ChainTruncated bool

	Trace    string
	TraceErr error

	// Err is a *TaskError for skipped tasks.
	Err      error
	Duration time.Duration
}

// Report is the result of one ExecuteTaskList call.
type Report struct {
	Tasks []TaskReport

	// Flushes is the number of report batches the coordinator accepted.
	Flushes int

	// Parked is the number of batches stored for a later attempt.
	Parked int

	// Resent is the number of previously parked batches delivered.
	Resent int

	// Expired is the number of parked batches dropped undelivered.
	Expired int
}

// Count returns the number of tasks in state s.
func (r *Report) Count(s TaskState) int {
	n := 0
	for i := range r.Tasks {
		if r.Tasks[i].State == s {
			n++
		}
	}
	return n
}
