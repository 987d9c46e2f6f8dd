// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	base := 100 * time.Millisecond
	max := time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(base, max, 0, 0))
		require.Equal(200*time.Millisecond, Delay(base, max, 0, 1))
		require.Equal(800*time.Millisecond, Delay(base, max, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(max, Delay(base, max, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(base, max, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return false }

var _ net.Error = timeoutError{}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("dial tcp 192.0.2.1:443: connect: connection refused")))
	require.True(IsTransientError(errors.New("read: connection reset by peer")))
	require.True(IsTransientError(errors.New("unexpected EOF")))
	require.True(IsTransientError(timeoutError{}), "net.Error with Timeout()")
	require.False(IsTransientError(errors.New("x509: malformed certificate")))
	require.False(IsTransientError(context.Canceled))
}

func TestPolicyDo(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	p := &Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := p.Do(ctx, func(attempt int) error {
			require.Equal(calls, attempt)
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(err)
		require.Equal(3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := p.Do(ctx, func(int) error {
			calls++
			return errors.New("bad certificate")
		})
		require.EqualError(err, "bad certificate")
		require.Equal(1, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := p.Do(ctx, func(int) error {
			calls++
			return errors.New("i/o timeout")
		})
		require.Error(err)
		require.Equal(3, calls)
	})

	t.Run("custom retryable", func(t *testing.T) {
		calls := 0
		always := &Policy{Attempts: 2, Retryable: func(error) bool { return true }}
		_ = always.Do(ctx, func(int) error {
			calls++
			return errors.New("handshake failure")
		})
		require.Equal(2, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		slow := &Policy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		err := slow.Do(cctx, func(int) error {
			return errors.New("connection refused")
		})
		require.ErrorIs(err, context.Canceled)
	})
}
