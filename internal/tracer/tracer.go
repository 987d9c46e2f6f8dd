// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package tracer records the route to a hunting target.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/crossbear/hunter/core/log"
)

const (
	DefaultMaxHops       = 20
	DefaultSamplesPerHop = 5
	DefaultProbeTimeout  = time.Second
)

// ErrProbe is returned when probing fails for a reason other than a
// missing answer.  The hops recorded up to that point are still returned.
var ErrProbe = errors.New("tracer: probe failed")

// Reply is the outcome of one probe.  A zero Reply means nobody answered.
type Reply struct {
	From    netip.Addr
	Reached bool
}

// Prober sends a single probe towards target with the given TTL.
type Prober interface {
	Probe(ctx context.Context, target netip.Addr, ttl int) (Reply, error)
}

// Hop is the set of distinct routers that answered at one TTL.
type Hop struct {
	TTL     int
	Samples []netip.Addr
}

func (h *Hop) add(a netip.Addr) {
	for _, v := range h.Samples {
		if v == a {
			return
		}
	}
	h.Samples = append(h.Samples, a)
}

// Config is a Tracer configuration.
type Config struct {
	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// MaxHops is the largest TTL probed.
	MaxHops int

	// SamplesPerHop is the number of probes per TTL.
	SamplesPerHop int

	// ProbeTimeout is the time to wait for each answer.
	ProbeTimeout time.Duration

	// ProgressPeriod logs progress every N hops, 0 disables.
	ProgressPeriod int

	// Prober is the optional alternative probe implementation.
	Prober Prober
}

// Tracer is a traceroute driver.
type Tracer struct {
	cfg Config
	log *logging.Logger
}

// New returns a Tracer for cfg.
func New(cfg *Config) (*Tracer, error) {
	t := &Tracer{cfg: *cfg}
	if t.cfg.LogBackend == nil {
		return nil, errors.New("tracer: Config: LogBackend is mandatory")
	}
	if t.cfg.MaxHops <= 0 {
		t.cfg.MaxHops = DefaultMaxHops
	}
	if t.cfg.SamplesPerHop <= 0 {
		t.cfg.SamplesPerHop = DefaultSamplesPerHop
	}
	if t.cfg.ProbeTimeout <= 0 {
		t.cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if t.cfg.Prober == nil {
		t.cfg.Prober = NewICMPProber(t.cfg.ProbeTimeout)
	}
	t.log = t.cfg.LogBackend.GetLogger("tracer")
	return t, nil
}

// Trace probes every TTL up to MaxHops until target answers.  Hops where
// nobody answered are omitted.
func (t *Tracer) Trace(ctx context.Context, target netip.Addr) ([]Hop, error) {
	target = target.Unmap()
	var hops []Hop
	for ttl := 1; ttl <= t.cfg.MaxHops; ttl++ {
		hop := Hop{TTL: ttl}
		for i := 0; i < t.cfg.SamplesPerHop; i++ {
			if err := ctx.Err(); err != nil {
				return hops, err
			}
			r, err := t.cfg.Prober.Probe(ctx, target, ttl)
			if err != nil {
				t.log.Warningf("Trace to %v aborted at TTL %d: %v", target, ttl, err)
				return hops, fmt.Errorf("%w: ttl %d: %v", ErrProbe, ttl, err)
			}
			if r.Reached {
				t.log.Debugf("Trace to %v reached target at TTL %d.", target, ttl)
				return hops, nil
			}
			if r.From.IsValid() {
				hop.add(r.From.Unmap())
			}
		}
		if len(hop.Samples) > 0 {
			hops = append(hops, hop)
		}
		if p := t.cfg.ProgressPeriod; p > 0 && ttl%p == 0 {
			t.log.Infof("Trace to %v: %d/%d hops probed.", target, ttl, t.cfg.MaxHops)
		}
	}
	return hops, nil
}

// IsPrivate returns true for addresses that are stripped from traces:
// RFC 1918, ULA, IPv4 link-local and fe80::/9.
func IsPrivate(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsPrivate() || a.IsLinkLocalUnicast() {
		return true
	}
	if a.Is6() {
		b := a.As16()
		return b[0] == 0xfe && b[1]&0x80 != 0
	}
	return false
}

// Format renders a trace as sent to the coordinator: own on the first
// line, one line per hop with samples joined by "|", and target last.
// Private addresses are removed from every line, including own and target,
// and lines left empty are dropped.
func Format(own netip.Addr, hops []Hop, target netip.Addr) string {
	var lines []string
	if own.IsValid() && !IsPrivate(own) {
		lines = append(lines, own.Unmap().String())
	}
	for _, h := range hops {
		var samples []string
		for _, a := range h.Samples {
			if !IsPrivate(a) {
				samples = append(samples, a.String())
			}
		}
		if len(samples) > 0 {
			lines = append(lines, strings.Join(samples, "|"))
		}
	}
	if target.IsValid() && !IsPrivate(target) {
		lines = append(lines, target.Unmap().String())
	}
	return strings.Join(lines, "\n")
}
