// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package coordinator implements the hunter's side of the coordinator's
// HTTP interface: signed task lists, the encrypted public address exchange,
// result reporting and certificate verification.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/crossbear/hunter/core/log"
	"github.com/crossbear/hunter/internal/pinning"
	"github.com/crossbear/hunter/internal/proxy"
)

const (
	DefaultPort         = 443
	DefaultPublicIPPort = 80
	DefaultTaskListPath = "/getHuntingTaskList.jsp"
	DefaultPublicIPPath = "/getPublicIP.jsp"
	DefaultReportPath   = "/reportHTResults.jsp"
	DefaultVerifyPath   = "/verifyCert.jsp"

	contentType = "application/octet-stream"

	// maxResponseSize bounds every response body read from the coordinator.
	maxResponseSize = 4 << 20
)

// StatusError is returned when the coordinator answers with anything but
// 200 OK.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator: %s: unexpected HTTP status %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

// Resolver looks up the coordinator's addresses.  *net.Resolver satisfies
// it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config is the coordinator client configuration.
type Config struct {
	// Host is the coordinator's host name, used for SNI and to resolve the
	// addresses of the public address exchange.
	Host string

	// Port is the coordinator's HTTPS port.
	Port int

	// PublicIPPort is the coordinator's plain HTTP port.
	PublicIPPort int

	// TaskListPath, PublicIPPath, ReportPath and VerifyPath are the
	// request paths of the four operations.
	TaskListPath string
	PublicIPPath string
	ReportPath   string
	VerifyPath   string

	// Pin is the pinned coordinator identity.
	Pin *pinning.Pin

	// LogBackend is the `core/log` Backend instance to use for logging.
	LogBackend *log.Backend

	// DialContextFn is the optional alternative Dialer.DialContext function
	// to be used when creating outgoing network connections.
	DialContextFn proxy.DialContextFn

	// Resolver is the optional alternative name resolver.
	Resolver Resolver

	// Proxied is set when DialContextFn goes through an upstream proxy.
	// The public address exchange then leaves name resolution to the
	// proxy and cannot select the IP version.
	Proxied bool

	// Timeout is the per request timeout.
	Timeout time.Duration

	// Clock is the optional alternative time source.
	Clock func() time.Time
}

func (cfg *Config) fixupAndValidate() error {
	if cfg.Host == "" {
		return errors.New("coordinator: Config: Host is mandatory")
	}
	if cfg.Pin == nil {
		return errors.New("coordinator: Config: Pin is mandatory")
	}
	if cfg.LogBackend == nil {
		return errors.New("coordinator: Config: LogBackend is mandatory")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.PublicIPPort == 0 {
		cfg.PublicIPPort = DefaultPublicIPPort
	}
	for _, v := range []*struct {
		p   *string
		def string
	}{
		{&cfg.TaskListPath, DefaultTaskListPath},
		{&cfg.PublicIPPath, DefaultPublicIPPath},
		{&cfg.ReportPath, DefaultReportPath},
		{&cfg.VerifyPath, DefaultVerifyPath},
	} {
		if *v.p == "" {
			*v.p = v.def
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = pinning.DefaultTimeout
	}
	if cfg.DialContextFn == nil {
		cfg.DialContextFn = (&net.Dialer{Timeout: cfg.Timeout}).DialContext
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return nil
}

// Client talks to one coordinator.
type Client struct {
	cfg Config
	log *logging.Logger

	pinned  *http.Client
	plain   *http.Client
	baseURL string
}

// New returns a Client for cfg.
func New(cfg *Config) (*Client, error) {
	c := &Client{cfg: *cfg}
	if err := c.cfg.fixupAndValidate(); err != nil {
		return nil, err
	}
	c.log = c.cfg.LogBackend.GetLogger("coordinator")

	var err error
	c.pinned, err = pinning.NewHTTPClient(&pinning.Config{
		Pin:           c.cfg.Pin,
		ServerName:    c.cfg.Host,
		LogBackend:    c.cfg.LogBackend,
		DialContextFn: c.cfg.DialContextFn,
		Timeout:       c.cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	c.plain = &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &http.Transport{
			DialContext:       c.cfg.DialContextFn,
			DisableKeepAlives: true,
		},
	}
	c.baseURL = "https://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	return c, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.pinned.CloseIdleConnections()
	c.plain.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, hc *http.Client, op, method, url string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	c.log.Debugf("%s: %s %s (%d bytes)", op, method, url, len(body))
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode}
	}
	if len(b) > maxResponseSize {
		return nil, fmt.Errorf("coordinator: %s: response exceeds %d bytes", op, maxResponseSize)
	}
	return b, nil
}

// ReportResults posts a framed batch of task replies.
func (c *Client) ReportResults(ctx context.Context, batch []byte) error {
	_, err := c.do(ctx, c.pinned, "report", http.MethodPost, c.baseURL+c.cfg.ReportPath, batch)
	if err != nil {
		return err
	}
	c.log.Infof("Reported %d bytes of task results.", len(batch))
	return nil
}

// IsTransportError returns true if err means the coordinator could not be
// reached or authenticated at all, as opposed to a rejected request.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	return !errors.As(err, &se)
}
