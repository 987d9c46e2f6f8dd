// SPDX-FileCopyrightText: Copyright (C) 2023  Yawning Angel, Masala
// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossbear/hunter/common"
	"github.com/crossbear/hunter/config"
	"github.com/crossbear/hunter/core/log"
	"github.com/crossbear/hunter/core/messages"
	"github.com/crossbear/hunter/hunter"
	"github.com/crossbear/hunter/internal/certfetch"
	"github.com/crossbear/hunter/internal/coordinator"
	"github.com/crossbear/hunter/internal/instrument"
	"github.com/crossbear/hunter/internal/pinning"
	"github.com/crossbear/hunter/internal/profiling"
	"github.com/crossbear/hunter/internal/state"
	"github.com/crossbear/hunter/internal/tracer"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	Once       bool
}

// VerifyConfig holds the verify subcommand configuration
type VerifyConfig struct {
	Host string
	Port uint16
	Addr string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "hunter",
		Short: "Crossbear hunter",
		Long: `The Crossbear hunter executes hunting tasks issued by a Crossbear
coordinator. For every task it observes the certificate chain a target
presents, decides whether the coordinator already knows that chain, traces
the network path to the target and reports the observation back.

All coordinator traffic is pinned to the configured coordinator certificate
and the task list itself is signed.`,
		Example: `  # Run hunting cycles with the default configuration file
  hunter

  # Run a single cycle with a custom configuration file
  hunter -f /etc/crossbear/hunter.toml --once

  # Ask the coordinator to rate the certificate of a host
  hunter verify --host www.example.org`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHunter(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", "hunter.toml",
		"path to the hunter configuration file (TOML format)")
	cmd.Flags().BoolVar(&cfg.Once, "once", false,
		"run a single hunting cycle and exit")

	cmd.AddCommand(newVerifyCommand(&cfg))
	return cmd
}

func newVerifyCommand(rootCfg *Config) *cobra.Command {
	var cfg VerifyConfig

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Have the coordinator rate a host's certificate chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, rootCfg, cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Host, "host", "", "host name to verify")
	cmd.Flags().Uint16Var(&cfg.Port, "port", 443, "TLS port of the host")
	cmd.Flags().StringVar(&cfg.Addr, "addr", "", "address to connect to instead of resolving the host")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}

// components are the wired collaborators shared by both commands.
type components struct {
	cfg        *config.Config
	backend    *log.Backend
	client     *coordinator.Client
	fetcher    *certfetch.Fetcher
	metrics    *instrument.Metrics
	metricsSrv *instrument.Server
	store      *state.Store
	closeFuncs []func()
}

func (c *components) Close() {
	for i := len(c.closeFuncs) - 1; i >= 0; i-- {
		c.closeFuncs[i]()
	}
}

func setup(configFile string, withState bool) (*components, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	c := &components{cfg: cfg}
	if c.backend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %v", err)
	}
	if err = profiling.Start(c.backend.GetLogger("profiling")); err != nil {
		return nil, err
	}

	pin, err := cfg.Coordinator.LoadPin()
	if err != nil {
		return nil, fmt.Errorf("failed to load coordinator certificate '%v': %v", cfg.Coordinator.CertificateFile, err)
	}

	timeout := cfg.Coordinator.Timeout()
	c.client, err = coordinator.New(&coordinator.Config{
		Host:          cfg.Coordinator.Host,
		Port:          cfg.Coordinator.Port,
		PublicIPPort:  cfg.Coordinator.PublicIPPort,
		TaskListPath:  cfg.Coordinator.TaskListPath,
		PublicIPPath:  cfg.Coordinator.PublicIPPath,
		ReportPath:    cfg.Coordinator.ReportPath,
		VerifyPath:    cfg.Coordinator.VerifyPath,
		Pin:           pin,
		LogBackend:    c.backend,
		DialContextFn: cfg.UpstreamProxy.ToDialContext("coordinator", &net.Dialer{Timeout: timeout}),
		Proxied:       cfg.UpstreamProxy.Enabled(),
		Timeout:       timeout,
	})
	if err != nil {
		return nil, err
	}
	c.closeFuncs = append(c.closeFuncs, c.client.Close)

	fetchTimeout := cfg.CertFetch.HandshakeTimeout()
	c.fetcher, err = certfetch.New(&certfetch.Config{
		LogBackend:    c.backend,
		DialContextFn: cfg.UpstreamProxy.ToDialContext("target", &net.Dialer{Timeout: fetchTimeout}),
		Timeout:       fetchTimeout,
		Attempts:      cfg.CertFetch.Attempts,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	if !withState {
		return c, nil
	}

	c.metrics = instrument.New()
	if cfg.Metrics.Address != "" {
		if c.metricsSrv, err = c.metrics.Serve(cfg.Metrics.Address, c.backend); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to start metrics listener: %v", err)
		}
		c.closeFuncs = append(c.closeFuncs, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.metricsSrv.Shutdown(ctx)
		})
	}

	if c.store, err = state.New(cfg.Hunter.StateDB, c.backend); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open state database '%v': %v", cfg.Hunter.StateDB, err)
	}
	c.closeFuncs = append(c.closeFuncs, c.store.Close)
	return c, nil
}

func runHunter(ctx context.Context, cfg Config) error {
	c, err := setup(cfg.ConfigFile, true)
	if err != nil {
		return err
	}
	defer c.Close()
	l := c.backend.GetLogger("main")

	tr, err := tracer.New(&tracer.Config{
		LogBackend:     c.backend,
		MaxHops:        c.cfg.Tracer.MaxHops,
		SamplesPerHop:  c.cfg.Tracer.SamplesPerHop,
		ProbeTimeout:   c.cfg.Tracer.Timeout(),
		ProgressPeriod: c.cfg.Tracer.ProgressPeriod,
	})
	if err != nil {
		return err
	}
	h, err := hunter.New(&hunter.Config{
		LogBackend:  c.backend,
		Coordinator: c.client,
		CertFetcher: c.fetcher,
		Tracer:      tr,
		Store:       c.store,
		Metrics:     c.metrics,
		PIPValidity: c.cfg.Hunter.Validity(),
		BatchSize:   c.cfg.Hunter.BatchSize,
		OutboxTTL:   c.cfg.Hunter.OutboxLifetime(),
	})
	if err != nil {
		return err
	}

	// Setup the signal handling.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	defer signal.Stop(rotateCh)

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			if err := c.backend.Rotate(); err != nil {
				l.Errorf("Failed to rotate log: %v", err)
			}
		}
	}()

	interval := c.cfg.Hunter.CycleInterval()
	once := cfg.Once || interval == 0
	for {
		_, err := h.RunCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, pinning.ErrUntrustedPeer),
			errors.Is(err, coordinator.ErrSignatureVerification):
			return fmt.Errorf("coordinator is not trusted: %v", err)
		case ctx.Err() != nil:
			l.Notice("Terminating.")
			return nil
		case once:
			return err
		default:
			l.Errorf("Hunting cycle failed: %v", err)
		}
		if once {
			return nil
		}

		select {
		case <-ctx.Done():
			l.Notice("Terminating.")
			return nil
		case <-time.After(interval):
		}
	}
}

func runVerify(cmd *cobra.Command, rootCfg *Config, cfg VerifyConfig) error {
	c, err := setup(rootCfg.ConfigFile, false)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	var addr netip.Addr
	if cfg.Addr != "" {
		if addr, err = netip.ParseAddr(cfg.Addr); err != nil {
			return fmt.Errorf("invalid argument --addr: %v", err)
		}
	} else {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", cfg.Host)
		if err != nil {
			return fmt.Errorf("failed to resolve '%v': %v", cfg.Host, err)
		}
		addr = addrs[0]
	}
	addr = addr.Unmap()

	chain, err := c.fetcher.FetchChain(ctx, netip.AddrPortFrom(addr, cfg.Port), cfg.Host)
	if err != nil {
		return err
	}
	req := &messages.CertificateVerifyRequest{
		Chain: chain,
		Host:  cfg.Host,
		Addr:  addr,
		Port:  cfg.Port,
	}
	if c.cfg.UpstreamProxy.Enabled() {
		req.Options |= messages.CertVerifyOptionProxy
	}
	res, err := c.client.VerifyCert(ctx, req)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s (%v port %d): rating %d\n", cfg.Host, addr, cfg.Port, res.Rating)
	if len(res.Judgments) > 0 {
		fmt.Fprintf(w, "  %s\n", strings.Join(res.Judgments, "\n  "))
	}
	return nil
}
