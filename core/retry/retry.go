// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides bounded retries with exponential backoff for the
// hunter's network operations.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default base delay between attempts.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default cap on the delay between attempts.
	DefaultMaxDelay = 5 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, at least 1.
	Attempts int

	// BaseDelay is the delay after the first failed attempt, doubled on
	// every further failure.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Jitter randomizes each delay by +/- the given fraction.
	Jitter float64

	// Retryable decides whether an error is worth another attempt.  If nil,
	// IsTransientError is used.
	Retryable func(error) bool
}

// Do calls fn until it succeeds, the attempts are exhausted, the error is
// not retryable or ctx is done.  The last error from fn is returned.
func (p *Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransientError
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts-1 || !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt)):
		}
	}
	return err
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"timeout",
	"temporary failure",
	"no route to host",
	"network is unreachable",
	"eof",
	"broken pipe",
	"connection closed",
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	s := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
