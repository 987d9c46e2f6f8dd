// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package hunter

import (
	"context"
	"errors"
	"fmt"

	"github.com/crossbear/hunter/core/chainhash"
	"github.com/crossbear/hunter/core/messages"
	"github.com/crossbear/hunter/internal/coordinator"
	"github.com/crossbear/hunter/internal/instrument"
	"github.com/crossbear/hunter/internal/tracer"
)

// ExecuteTaskList runs every task of the current list in random order and
// reports the replies in batches of BatchSize.  Per task failures only
// mark the task Skipped.  An error is returned if the coordinator cannot be
// reached or authenticated while reporting, or if ctx is done.
func (h *Hunter) ExecuteTaskList(ctx context.Context) (*Report, error) {
	report := new(Report)
	if err := h.resendParked(ctx, report); err != nil {
		return report, err
	}

	tasks := h.tasks
	h.tasks = nil
	if len(tasks) == 0 {
		h.log.Info("No hunting tasks.")
		return report, nil
	}
	h.log.Noticef("Executing %d hunting tasks.", len(tasks))

	var batch []messages.Message
	for _, idx := range h.rng.Perm(len(tasks)) {
		if err := ctx.Err(); err != nil {
			h.park(batch, report)
			return report, err
		}

		tr, reply := h.executeTask(ctx, tasks[idx])
		report.Tasks = append(report.Tasks, tr)
		if reply == nil {
			continue
		}
		batch = append(batch, reply)
		if len(batch) == h.cfg.BatchSize {
			if err := h.flush(ctx, batch, report); err != nil {
				return report, err
			}
			batch = nil
		}
	}
	if len(batch) > 0 {
		if err := h.flush(ctx, batch, report); err != nil {
			return report, err
		}
	}

	h.log.Noticef("Hunting done: %d reported, %d skipped, %d batches sent.",
		report.Count(Reported), report.Count(Skipped), report.Flushes)
	return report, nil
}

func (h *Hunter) executeTask(ctx context.Context, task *messages.HuntingTask) (TaskReport, messages.Message) {
	start := h.cfg.Clock()
	tr := TaskReport{
		TaskID: task.TaskID,
		Host:   task.Host,
		Target: task.AddrPort(),
	}
	for _, k := range task.KnownCertHashes {
		tr.KnownHashes = append(tr.KnownHashes, chainhash.Hash(k))
	}

	reply, err := h.buildReply(ctx, task, &tr)
	tr.Duration = h.cfg.Clock().Sub(start)
	if err != nil {
		tr.State = Skipped
		tr.Err = err
		h.log.Warningf("Skipping task %d (%v at %v): %v", task.TaskID, task.Host, tr.Target, err)
		h.cfg.Metrics.Task(instrument.ResultSkipped, tr.Duration)
		return tr, nil
	}
	tr.State = Reported
	tr.ReplyType = reply.Type()
	h.log.Infof("Task %d (%v at %v): %v", task.TaskID, task.Host, tr.Target, tr.ReplyType)
	h.cfg.Metrics.Task(instrument.ResultReported, tr.Duration)
	return tr, reply
}

func (h *Hunter) buildReply(ctx context.Context, task *messages.HuntingTask, tr *TaskReport) (messages.Message, error) {
	taskErr := func(stage Stage, err error) error {
		return &TaskError{Stage: stage, TaskID: task.TaskID, Err: err}
	}

	pip, err := h.Freshen(ctx, task.IPVersion())
	if err != nil {
		return nil, taskErr(StagePublicIP, err)
	}

	chain, err := h.cfg.CertFetcher.FetchChain(ctx, task.AddrPort(), task.Host)
	if err != nil {
		return nil, taskErr(StageCertFetch, err)
	}
	if len(chain) == 0 {
		return nil, taskErr(StageCertFetch, chainhash.ErrEmptyChain)
	}
	if len(chain) > messages.MaxCount {
		h.log.Warningf("Task %d: truncating %d certificate chain to %d.", task.TaskID, len(chain), messages.MaxCount)
		chain = chain[:messages.MaxCount]
		tr.ChainTruncated = true
	}
	tr.ChainLength = len(chain)

	var (
		witness chainhash.Hash
		known   bool
	)
	switch tr.Candidates, err = chainhash.Candidates(chain); {
	case errors.Is(err, chainhash.ErrTooManyIntermediates):
		h.log.Warningf("Task %d: %v, reporting the chain as new.", task.TaskID, err)
	case err != nil:
		return nil, taskErr(StageHash, err)
	default:
		witness, known = chainhash.Find(tr.Candidates, task.KnownCertHashes)
	}

	hops, err := h.cfg.Tracer.Trace(ctx, task.Addr)
	if err != nil {
		tr.TraceErr = err
		h.log.Warningf("Task %d: trace to %v incomplete: %v", task.TaskID, task.Addr, err)
	}
	tr.Trace = tracer.Format(pip.Addr, hops, task.Addr)

	ts := uint32(h.ServerTime().Unix())
	var reply messages.Message
	if known {
		tr.Witness = witness
		reply = &messages.KnownCertReply{
			TaskID:  task.TaskID,
			Time:    ts,
			HMAC:    pip.HMAC,
			Witness: witness,
			Trace:   []byte(tr.Trace),
		}
	} else {
		reply = &messages.NewCertReply{
			TaskID: task.TaskID,
			Time:   ts,
			HMAC:   pip.HMAC,
			Chain:  chain,
			Trace:  []byte(tr.Trace),
		}
	}
	if _, err := messages.ToBytes(reply); err != nil {
		return nil, taskErr(StageEncode, err)
	}
	return reply, nil
}

// flush sends one batch.  A rejected batch is parked; an unreachable or
// untrusted coordinator is returned as an error after parking the batch.
func (h *Hunter) flush(ctx context.Context, batch []messages.Message, report *Report) error {
	body, err := messages.NewList(batch...).Bytes()
	if err != nil {
		return fmt.Errorf("hunter: failed to serialize batch: %w", err)
	}

	err = h.cfg.Coordinator.ReportResults(ctx, body)
	switch {
	case err == nil:
		report.Flushes++
		h.cfg.Metrics.Flush(instrument.ResultOK)
		h.log.Debugf("Reported batch of %d replies.", len(batch))
		return nil
	case coordinator.IsTransportError(err):
		h.cfg.Metrics.Flush(instrument.ResultFailed)
		h.log.Errorf("Failed to report %d replies: %v", len(batch), err)
		h.parkBody(body, report)
		return err
	default:
		h.log.Warningf("Coordinator rejected %d replies: %v", len(batch), err)
		h.parkBody(body, report)
		return nil
	}
}

func (h *Hunter) park(batch []messages.Message, report *Report) {
	if len(batch) == 0 {
		return
	}
	body, err := messages.NewList(batch...).Bytes()
	if err != nil {
		h.log.Errorf("Failed to serialize unsent batch: %v", err)
		return
	}
	h.parkBody(body, report)
}

func (h *Hunter) parkBody(body []byte, report *Report) {
	if h.cfg.Store == nil {
		h.log.Warningf("Dropping %d byte batch, no state store.", len(body))
		return
	}
	id, err := h.cfg.Store.EnqueueBatch(body, h.cfg.Clock())
	if err != nil {
		h.log.Errorf("Failed to park batch: %v", err)
		return
	}
	report.Parked++
	h.cfg.Metrics.Flush(instrument.ResultParked)
	h.log.Noticef("Parked batch %d for the next cycle.", id)
}

// resendParked delivers batches parked by earlier cycles.  Batches the
// coordinator still rejects stay parked until they are older than
// OutboxTTL.
func (h *Hunter) resendParked(ctx context.Context, report *Report) error {
	if h.cfg.Store == nil {
		return nil
	}
	pending, err := h.cfg.Store.PendingBatches()
	if err != nil {
		h.log.Errorf("Failed to read parked batches: %v", err)
		return nil
	}
	now := h.cfg.Clock()
	for _, b := range pending {
		if age := now.Sub(b.QueuedAt); age > h.cfg.OutboxTTL {
			if err := h.cfg.Store.RemoveBatch(b.ID); err != nil {
				h.log.Errorf("Failed to remove expired batch %d: %v", b.ID, err)
				continue
			}
			report.Expired++
			h.cfg.Metrics.Flush(instrument.ResultExpired)
			h.log.Warningf("Dropping batch %d parked at %v, undelivered for %v.", b.ID, b.QueuedAt, age)
			continue
		}

		err := h.cfg.Coordinator.ReportResults(ctx, b.Body)
		switch {
		case err == nil:
			if err := h.cfg.Store.RemoveBatch(b.ID); err != nil {
				h.log.Errorf("Failed to remove delivered batch %d: %v", b.ID, err)
			}
			report.Resent++
			h.cfg.Metrics.Flush(instrument.ResultOK)
			h.log.Noticef("Delivered batch %d parked at %v.", b.ID, b.QueuedAt)
		case coordinator.IsTransportError(err):
			h.cfg.Metrics.Flush(instrument.ResultFailed)
			return err
		default:
			h.log.Warningf("Coordinator still rejects batch %d: %v", b.ID, err)
		}
	}
	return nil
}
