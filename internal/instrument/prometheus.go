// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the hunter's Prometheus metrics.
package instrument

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crossbear/hunter/core/log"
)

// Result labels.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultReported = "reported"
	ResultSkipped  = "skipped"
	ResultParked   = "parked"
	ResultCached   = "cached"
	ResultExpired  = "expired"
)

// Metrics is a private registry of the hunter's collectors.
type Metrics struct {
	registry *prometheus.Registry

	tasks           *prometheus.CounterVec
	flushes         *prometheus.CounterVec
	pipRefreshes    *prometheus.CounterVec
	taskListFetches *prometheus.CounterVec
	taskDuration    prometheus.Histogram
}

// New returns a Metrics with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbear_hunter_tasks_total",
				Help: "Number of hunting tasks executed by result",
			},
			[]string{"result"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbear_hunter_flushes_total",
				Help: "Number of report batches sent by result",
			},
			[]string{"result"},
		),
		pipRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbear_hunter_pip_refreshes_total",
				Help: "Number of public IP exchanges by result",
			},
			[]string{"result"},
		),
		taskListFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossbear_hunter_tasklist_fetches_total",
				Help: "Number of task list fetches by result",
			},
			[]string{"result"},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crossbear_hunter_task_duration_seconds",
				Help:    "Time spent executing one hunting task",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
		),
	}
	m.registry.MustRegister(
		m.tasks,
		m.flushes,
		m.pipRefreshes,
		m.taskListFetches,
		m.taskDuration,
	)
	return m
}

// Task counts one executed task and its duration.
func (m *Metrics) Task(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(result).Inc()
	m.taskDuration.Observe(d.Seconds())
}

// Flush counts one report batch.
func (m *Metrics) Flush(result string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
}

// PIPRefresh counts one public IP exchange.
func (m *Metrics) PIPRefresh(result string) {
	if m == nil {
		return
	}
	m.pipRefreshes.WithLabelValues(result).Inc()
}

// TaskListFetch counts one task list fetch.
func (m *Metrics) TaskListFetch(result string) {
	if m == nil {
		return
	}
	m.taskListFetches.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server exposes Metrics over HTTP.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve starts exposing m on addr under /metrics.
func (m *Metrics) Serve(addr string, backend *log.Backend) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          backend.GetGoLogger("instrument", "warning"),
		},
		ln: ln,
	}
	l := backend.GetLogger("instrument")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Errorf("Metrics listener failed: %v", err)
		}
	}()
	l.Noticef("Serving metrics on http://%v/metrics", ln.Addr())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
