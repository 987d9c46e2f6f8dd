// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	hunttest "github.com/crossbear/hunter/internal/testutil"
)

func TestCounters(t *testing.T) {
	require := require.New(t)

	m := New()
	m.Task(ResultReported, time.Second)
	m.Task(ResultReported, 2*time.Second)
	m.Task(ResultSkipped, time.Second)
	m.Flush(ResultOK)
	m.PIPRefresh(ResultFailed)
	m.TaskListFetch(ResultOK)

	require.Equal(2.0, testutil.ToFloat64(m.tasks.WithLabelValues(ResultReported)))
	require.Equal(1.0, testutil.ToFloat64(m.tasks.WithLabelValues(ResultSkipped)))
	require.Equal(1.0, testutil.ToFloat64(m.flushes.WithLabelValues(ResultOK)))
	require.Equal(1.0, testutil.ToFloat64(m.pipRefreshes.WithLabelValues(ResultFailed)))
	require.Equal(1.0, testutil.ToFloat64(m.taskListFetches.WithLabelValues(ResultOK)))
	n, err := testutil.GatherAndCount(m.Registry())
	require.NoError(err)
	require.Equal(6, n)

	var nilMetrics *Metrics
	nilMetrics.Task(ResultOK, time.Second)
	nilMetrics.Flush(ResultOK)
}

func TestServe(t *testing.T) {
	require := require.New(t)

	m := New()
	m.Flush(ResultParked)
	s, err := m.Serve("127.0.0.1:0", hunttest.LogBackend(t))
	require.NoError(err, "Serve()")
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.True(strings.Contains(string(b), `crossbear_hunter_flushes_total{result="parked"} 1`))
}
