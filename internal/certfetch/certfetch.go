// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package certfetch retrieves the certificate chain a target presents.
package certfetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/crossbear/hunter/core/log"
	"github.com/crossbear/hunter/core/retry"
	"github.com/crossbear/hunter/internal/proxy"
)

const (
	// DefaultTimeout bounds connect plus handshake of one attempt.
	DefaultTimeout = 10 * time.Second

	// DefaultAttempts is the number of handshakes tried per target.
	DefaultAttempts = 2
)

// ErrNoCertificates is returned when a handshake completes without the
// peer presenting a certificate.
var ErrNoCertificates = errors.New("certfetch: peer presented no certificates")

// Config is a Fetcher configuration.
type Config struct {
	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// DialContextFn is the optional alternative dialer.
	DialContextFn proxy.DialContextFn

	// Timeout bounds connect plus handshake of one attempt.
	Timeout time.Duration

	// Attempts is the number of handshakes tried.
	Attempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// Fetcher performs TLS handshakes with targets and records their chains.
type Fetcher struct {
	cfg    Config
	log    *logging.Logger
	policy retry.Policy
}

// New returns a Fetcher for cfg.
func New(cfg *Config) (*Fetcher, error) {
	f := &Fetcher{cfg: *cfg}
	if f.cfg.LogBackend == nil {
		return nil, errors.New("certfetch: Config: LogBackend is mandatory")
	}
	if f.cfg.Timeout <= 0 {
		f.cfg.Timeout = DefaultTimeout
	}
	if f.cfg.Attempts <= 0 {
		f.cfg.Attempts = DefaultAttempts
	}
	if f.cfg.DialContextFn == nil {
		f.cfg.DialContextFn = (&net.Dialer{Timeout: f.cfg.Timeout}).DialContext
	}
	delay := f.cfg.RetryDelay
	if delay <= 0 {
		delay = retry.DefaultBaseDelay
	}
	f.log = f.cfg.LogBackend.GetLogger("certfetch")
	f.policy = retry.Policy{
		Attempts:  f.cfg.Attempts,
		BaseDelay: delay,
		MaxDelay:  retry.DefaultMaxDelay,
		Jitter:    retry.DefaultJitter,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	}
	return f, nil
}

// FetchChain connects to addr, sends host as SNI and returns the DER
// certificates the peer presented, leaf first.  The chain is not validated.
func (f *Fetcher) FetchChain(ctx context.Context, addr netip.AddrPort, host string) ([][]byte, error) {
	var chain [][]byte
	err := f.policy.Do(ctx, func(attempt int) error {
		var err error
		chain, err = f.handshake(ctx, addr, host)
		if err != nil {
			f.log.Debugf("Handshake %d/%d with %v (%v) failed: %v", attempt+1, f.cfg.Attempts, addr, host, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("certfetch: %v (%v): %w", addr, host, err)
	}
	f.log.Debugf("Fetched %d certificates from %v (%v).", len(chain), addr, host)
	return chain, nil
}

func (f *Fetcher) handshake(ctx context.Context, addr netip.AddrPort, host string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	rawConn, err := f.cfg.DialContextFn(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	conn := tls.Client(rawConn, &tls.Config{
		ServerName: host,
		// The chain is the observation; it is judged by the coordinator.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
	})
	defer conn.Close()
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, ErrNoCertificates
	}
	chain := make([][]byte, 0, len(peers))
	for _, c := range peers {
		chain = append(chain, c.Raw)
	}
	return chain, nil
}
