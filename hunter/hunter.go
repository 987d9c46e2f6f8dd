// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package hunter executes Crossbear hunting tasks and reports the
// observations to the coordinator.
package hunter

import (
	"context"
	"errors"
	mRand "math/rand"
	"net/netip"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/crossbear/hunter/core/log"
	"github.com/crossbear/hunter/core/messages"
	"github.com/crossbear/hunter/internal/coordinator"
	"github.com/crossbear/hunter/internal/instrument"
	"github.com/crossbear/hunter/internal/state"
	"github.com/crossbear/hunter/internal/tracer"
)

const (
	// DefaultPIPValidity is how long a public IP notification is used.
	DefaultPIPValidity = 60 * time.Second

	// DefaultBatchSize is the number of replies per report.
	DefaultBatchSize = 5

	// DefaultOutboxTTL is how long a parked batch is kept.  Replies carry
	// an HMAC the coordinator stops accepting once its key rotates.
	DefaultOutboxTTL = 30 * time.Minute
)

// CertFetcher obtains the certificate chain a target presents.
type CertFetcher interface {
	FetchChain(ctx context.Context, addr netip.AddrPort, host string) ([][]byte, error)
}

// Tracer records the route to a target.  A partial trace may be returned
// together with an error.
type Tracer interface {
	Trace(ctx context.Context, target netip.Addr) ([]tracer.Hop, error)
}

// Coordinator is the hunter's view of the coordinator.
type Coordinator interface {
	FetchTaskList(ctx context.Context) (*coordinator.TaskList, error)
	FetchPublicIP(ctx context.Context, version int) (*messages.PublicIPNotif, error)
	ReportResults(ctx context.Context, batch []byte) error
}

// Store persists public IP notifications and undelivered reports.
type Store interface {
	PutPIP(p *messages.PublicIPNotif, t time.Time) error
	PIPs() (map[int]state.CachedPIP, error)
	EnqueueBatch(body []byte, t time.Time) (uint64, error)
	PendingBatches() ([]state.Batch, error)
	RemoveBatch(id uint64) error
}

// Config is a Hunter configuration.
type Config struct {
	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// Coordinator, CertFetcher and Tracer are the collaborators.
	Coordinator Coordinator
	CertFetcher CertFetcher
	Tracer      Tracer

	// Store is the optional persistent state.
	Store Store

	// Metrics is the optional metrics registry.
	Metrics *instrument.Metrics

	// PIPValidity is how long a public IP notification is used.
	PIPValidity time.Duration

	// BatchSize is the number of replies per report.
	BatchSize int

	// OutboxTTL is how long a parked batch is kept before it is dropped.
	OutboxTTL time.Duration

	// Clock is the optional alternative time source.
	Clock func() time.Time
}

func (cfg *Config) fixupAndValidate() error {
	if cfg.LogBackend == nil {
		return errors.New("hunter: Config: LogBackend is mandatory")
	}
	if cfg.Coordinator == nil {
		return errors.New("hunter: Config: Coordinator is mandatory")
	}
	if cfg.CertFetcher == nil {
		return errors.New("hunter: Config: CertFetcher is mandatory")
	}
	if cfg.Tracer == nil {
		return errors.New("hunter: Config: Tracer is mandatory")
	}
	if cfg.PIPValidity <= 0 {
		cfg.PIPValidity = DefaultPIPValidity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.OutboxTTL <= 0 {
		cfg.OutboxTTL = DefaultOutboxTTL
	}
	if cfg.BatchSize > messages.MaxCount {
		return errors.New("hunter: Config: BatchSize too large")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return nil
}

type cachedPIP struct {
	pip      *messages.PublicIPNotif
	cachedAt time.Time
}

// Hunter is one hunting session.  It is not safe for concurrent use.
type Hunter struct {
	cfg Config
	log *logging.Logger
	rng *mRand.Rand

	tasks    []*messages.HuntingTask
	clock    coordinator.ServerClock
	hasClock bool
	pips     map[int]cachedPIP
}

// New returns a Hunter for cfg.  Public IP notifications still cached in
// the Store are loaded.
func New(cfg *Config) (*Hunter, error) {
	h := &Hunter{
		cfg:  *cfg,
		rng:  rand.NewMath(),
		pips: make(map[int]cachedPIP),
	}
	if err := h.cfg.fixupAndValidate(); err != nil {
		return nil, err
	}
	h.log = h.cfg.LogBackend.GetLogger("hunter")

	if h.cfg.Store != nil {
		cached, err := h.cfg.Store.PIPs()
		if err != nil {
			return nil, err
		}
		for v, c := range cached {
			h.pips[v] = cachedPIP{pip: c.PIP, cachedAt: c.CachedAt}
			h.log.Debugf("Loaded IPv%d public IP %v cached at %v.", v, c.PIP.Addr, c.CachedAt)
		}
	}
	return h, nil
}

// Tasks returns the tasks of the current list.
func (h *Hunter) Tasks() []*messages.HuntingTask {
	return h.tasks
}

// ServerTime returns the coordinator's clock as estimated from the last
// task list, or local time if none was received.
func (h *Hunter) ServerTime() time.Time {
	now := h.cfg.Clock()
	if !h.hasClock {
		return now
	}
	return h.clock.At(now)
}

// GetTaskList fetches the signed task list and replaces the session's
// tasks and server time.  Public IP notifications carried by the list are
// cached, and the ones the tasks need but the cache lacks are fetched.
func (h *Hunter) GetTaskList(ctx context.Context) error {
	tl, err := h.cfg.Coordinator.FetchTaskList(ctx)
	if err != nil {
		h.cfg.Metrics.TaskListFetch(instrument.ResultFailed)
		h.log.Errorf("Failed to fetch task list: %v", err)
		return err
	}
	h.cfg.Metrics.TaskListFetch(instrument.ResultOK)

	h.tasks = tl.Tasks
	h.clock, h.hasClock = tl.Clock, tl.HasClock
	now := h.cfg.Clock()
	for _, p := range tl.PublicIPs {
		h.cachePIP(p, now)
	}

	needed := make(map[int]bool)
	for _, t := range h.tasks {
		needed[t.IPVersion()] = true
	}
	for _, v := range []int{4, 6} {
		if _, ok := h.pips[v]; ok || !needed[v] {
			continue
		}
		if _, err := h.refreshPIP(ctx, v); err != nil {
			h.log.Warningf("No IPv%d public IP yet: %v", v, err)
		}
	}
	return nil
}

// Freshen returns a usable public IP notification for the IP version,
// running the exchange once if the cached one is missing or too old.
func (h *Hunter) Freshen(ctx context.Context, version int) (*messages.PublicIPNotif, error) {
	if c, ok := h.pips[version]; ok && h.cfg.Clock().Sub(c.cachedAt) < h.cfg.PIPValidity {
		h.cfg.Metrics.PIPRefresh(instrument.ResultCached)
		return c.pip, nil
	}
	return h.refreshPIP(ctx, version)
}

func (h *Hunter) refreshPIP(ctx context.Context, version int) (*messages.PublicIPNotif, error) {
	p, err := h.cfg.Coordinator.FetchPublicIP(ctx, version)
	if err != nil {
		h.cfg.Metrics.PIPRefresh(instrument.ResultFailed)
		return nil, err
	}
	h.cfg.Metrics.PIPRefresh(instrument.ResultOK)
	h.cachePIP(p, h.cfg.Clock())
	return p, nil
}

func (h *Hunter) cachePIP(p *messages.PublicIPNotif, now time.Time) {
	h.pips[p.IPVersion()] = cachedPIP{pip: p, cachedAt: now}
	if h.cfg.Store == nil {
		return
	}
	if err := h.cfg.Store.PutPIP(p, now); err != nil {
		h.log.Warningf("Failed to persist IPv%d public IP: %v", p.IPVersion(), err)
	}
}

// RunCycle fetches a task list and executes it.
func (h *Hunter) RunCycle(ctx context.Context) (*Report, error) {
	if err := h.GetTaskList(ctx); err != nil {
		return nil, err
	}
	return h.ExecuteTaskList(ctx)
}
