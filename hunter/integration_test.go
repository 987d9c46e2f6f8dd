// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package hunter

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossbear/hunter/core/chainhash"
	"github.com/crossbear/hunter/core/messages"
	"github.com/crossbear/hunter/internal/certfetch"
	"github.com/crossbear/hunter/internal/coordinator"
	"github.com/crossbear/hunter/internal/coordinator/coordinatortest"
	"github.com/crossbear/hunter/internal/testutil"
)

func TestHuntingCycle(t *testing.T) {
	require := require.New(t)

	leaf := testutil.NewSelfSigned(t, 0, "www.example.org")
	target := testutil.NewTLSServer(t, http.NotFoundHandler(), leaf)
	known, err := chainhash.Digest(testutil.Chain(leaf))
	require.NoError(err)

	srv := coordinatortest.New(t)
	srv.ServerTime = uint32(time.Now().Add(time.Hour).Unix())
	srv.PIPs[4] = &messages.PublicIPNotif{Addr: ownV4}
	srv.PIPs[4].HMAC[31] = 0x5a
	srv.Tasks = []*messages.HuntingTask{
		task(1, "198.51.100.1", known),
		task(2, "198.51.100.2"),
	}

	client, err := coordinator.New(srv.ClientConfig(t))
	require.NoError(err)
	defer client.Close()

	d := &net.Dialer{Timeout: 5 * time.Second}
	fetcher, err := certfetch.New(&certfetch.Config{
		LogBackend: testutil.LogBackend(t),
		DialContextFn: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.DialContext(ctx, network, target.Listener.Addr().String())
		},
	})
	require.NoError(err)

	h, err := New(&Config{
		LogBackend:  testutil.LogBackend(t),
		Coordinator: client,
		CertFetcher: fetcher,
		Tracer:      &fakeTracer{},
	})
	require.NoError(err)

	report, err := h.RunCycle(context.Background())
	require.NoError(err, "RunCycle()")
	require.Equal(2, report.Count(Reported))
	require.Equal(1, report.Flushes)
	require.Equal(1, srv.PIPRequests)

	replies := srv.ReportedReplies(t)
	require.Len(replies, 1)
	require.Len(replies[0], 2)
	for _, m := range replies[0] {
		switch r := m.(type) {
		case *messages.KnownCertReply:
			require.EqualValues(1, r.TaskID)
			require.Equal([messages.HashLength]byte(known), r.Witness)
			require.Equal(srv.PIPs[4].HMAC, r.HMAC)
			require.InDelta(float64(srv.ServerTime), float64(r.Time), 5)
			require.Equal("203.0.113.50\n198.51.100.1", string(r.Trace))
		case *messages.NewCertReply:
			require.EqualValues(2, r.TaskID)
			require.Equal(testutil.Chain(leaf), r.Chain)
		default:
			t.Fatalf("unexpected reply %T", m)
		}
	}
}
