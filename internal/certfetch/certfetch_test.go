// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package certfetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossbear/hunter/internal/testutil"
)

func newFetcher(t *testing.T, dial func(context.Context, string, string) (net.Conn, error)) *Fetcher {
	f, err := New(&Config{
		LogBackend:    testutil.LogBackend(t),
		DialContextFn: dial,
		Timeout:       5 * time.Second,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err, "New()")
	return f
}

func TestFetchChain(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ca := testutil.NewCA(t, "Test Root")
	inter := ca.Issue(t, "Test Intermediate", true)
	leaf := inter.Issue(t, "www.example.org", false, "www.example.org")

	var dialed atomic.Value
	srv := testutil.NewTLSServer(t, http.NotFoundHandler(), leaf, inter)
	addr := netip.MustParseAddrPort(srv.Listener.Addr().String())

	d := &net.Dialer{}
	f := newFetcher(t, func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed.Store(address)
		return d.DialContext(ctx, network, address)
	})

	chain, err := f.FetchChain(context.Background(), addr, "www.example.org")
	require.NoError(err, "FetchChain()")
	require.Equal(testutil.Chain(leaf, inter), chain)
	require.Equal(addr.String(), dialed.Load())
}

func TestFetchChainRetry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	leaf := testutil.NewSelfSigned(t, 0, "www.example.org")
	srv := testutil.NewTLSServer(t, http.NotFoundHandler(), leaf)

	var calls atomic.Int32
	d := &net.Dialer{}
	f := newFetcher(t, func(ctx context.Context, network, _ string) (net.Conn, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return d.DialContext(ctx, network, srv.Listener.Addr().String())
	})

	chain, err := f.FetchChain(context.Background(), netip.MustParseAddrPort("198.51.100.1:443"), "www.example.org")
	require.NoError(err, "FetchChain() after one failure")
	require.Equal(testutil.Chain(leaf), chain)
	require.EqualValues(2, calls.Load())
}

func TestFetchChainFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dialErr := errors.New("no route to host")
	var calls atomic.Int32
	f := newFetcher(t, func(context.Context, string, string) (net.Conn, error) {
		calls.Add(1)
		return nil, dialErr
	})

	_, err := f.FetchChain(context.Background(), netip.MustParseAddrPort("198.51.100.1:443"), "www.example.org")
	require.ErrorIs(err, dialErr)
	require.EqualValues(DefaultAttempts, calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.FetchChain(ctx, netip.MustParseAddrPort("198.51.100.1:443"), "www.example.org")
	require.Error(err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
}
