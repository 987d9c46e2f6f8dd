// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package coordinator

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crossbear/hunter/core/messages"
)

var (
	// ErrSignatureVerification is returned when a message list carries no
	// signature or one that does not verify under the pinned key.
	ErrSignatureVerification = errors.New("coordinator: signature verification failed")

	// ErrNoResult is returned when a verification response lacks its
	// result message.
	ErrNoResult = errors.New("coordinator: response carries no result")
)

// ServerClock estimates the coordinator's clock from a single reading.
type ServerClock struct {
	offset time.Duration
}

// NewServerClock returns the estimate from a server reading taken at local.
func NewServerClock(server, local time.Time) ServerClock {
	return ServerClock{offset: server.Sub(local)}
}

// Offset returns server minus local time.
func (c ServerClock) Offset() time.Duration {
	return c.offset
}

// At returns the estimated server time at local time t.
func (c ServerClock) At(t time.Time) time.Time {
	return t.Add(c.offset)
}

// TaskList is a verified task list.
type TaskList struct {
	// Clock is the server time estimate, valid iff HasClock.
	Clock    ServerClock
	HasClock bool

	// PublicIPs holds at most one notification per IP version (4, 6).
	PublicIPs map[int]*messages.PublicIPNotif

	// Tasks are the hunting tasks in list order.
	Tasks []*messages.HuntingTask
}

// FetchTaskList downloads, verifies and demultiplexes the current task
// list.
func (c *Client) FetchTaskList(ctx context.Context) (*TaskList, error) {
	b, err := c.do(ctx, c.pinned, "tasklist", http.MethodGet, c.baseURL+c.cfg.TaskListPath, nil)
	if err != nil {
		return nil, err
	}
	received := c.cfg.Clock()

	l, err := c.verifySigned(b)
	if err != nil {
		return nil, err
	}

	tl := &TaskList{PublicIPs: make(map[int]*messages.PublicIPNotif)}
	for _, m := range l.Messages() {
		switch v := m.(type) {
		case *messages.ServerTime:
			tl.Clock = NewServerClock(time.Unix(int64(v.Seconds), 0), received)
			tl.HasClock = true
		case *messages.PublicIPNotif:
			tl.PublicIPs[v.IPVersion()] = v
		case *messages.HuntingTask:
			tl.Tasks = append(tl.Tasks, v)
		default:
			c.log.Debugf("Ignoring %v in task list.", m.Type())
		}
	}
	c.log.Noticef("Fetched task list: %d tasks, %d public IP notifications.", len(tl.Tasks), len(tl.PublicIPs))
	if tl.HasClock {
		c.log.Debugf("Server clock offset: %v", tl.Clock.Offset())
	}
	return tl, nil
}

// verifySigned parses b, removes the first Signature message and checks it
// against the remaining stream.
func (c *Client) verifySigned(b []byte) (*messages.List, error) {
	l, err := messages.ParseList(b)
	if err != nil {
		return nil, err
	}
	if err := VerifyList(l, c.cfg.Pin.PublicKey()); err != nil {
		c.log.Warningf("Discarding message list: %v", err)
		return nil, err
	}
	return l, nil
}

// VerifyList removes the first Signature message from l and verifies it
// over the serialization of the remaining messages.
func VerifyList(l *messages.List, key *rsa.PublicKey) error {
	idx := l.Index(messages.SignatureType)
	if idx < 0 {
		return fmt.Errorf("%w: no signature message", ErrSignatureVerification)
	}
	sig := l.At(idx).(*messages.Signature)
	l.Remove(idx)

	signed, err := l.Bytes()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(signed)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	return nil
}
