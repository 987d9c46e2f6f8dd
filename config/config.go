// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the Crossbear hunter configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/crossbear/hunter/internal/pinning"
	"github.com/crossbear/hunter/internal/proxy"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultCoordinatorHost   = "crossbear.net.in.tum.de"
	defaultCoordinatorPort   = 443
	defaultPublicIPPort      = 80
	defaultCertificateFile   = "cbserver.crt"
	defaultTaskListPath      = "/getHuntingTaskList.jsp"
	defaultPublicIPPath      = "/getPublicIP.jsp"
	defaultReportPath        = "/reportHTResults.jsp"
	defaultVerifyPath        = "/verifyCert.jsp"
	defaultRequestTimeout    = 10   // 10 sec.
	defaultPIPValidity       = 60   // 60 sec.
	defaultBatchSize         = 5    // Replies per flush.
	defaultOutboxTTL         = 1800 // 30 min.
	defaultMaxHops           = 20   // Hops.
	defaultSamplesPerHop     = 5    // Probes per hop.
	defaultProbeTimeout      = 1000 // 1 sec.
	defaultProgressPeriod    = 5    // Hops between progress lines.
	defaultCertFetchTimeout  = 10   // 10 sec.
	defaultCertFetchAttempts = 2
	defaultStateDB           = "hunter.db"

	maxBatchSize = 255
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%d is out of range", p)
	}
	return nil
}

// Logging is the Crossbear hunter logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return invalid("Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Coordinator is the configuration of the Crossbear coordinator the
// hunter works for.
type Coordinator struct {
	// Host is the coordinator's DNS name.
	Host string

	// Port is the coordinator's HTTPS port.
	Port int

	// CertificateFile is the PEM encoded coordinator certificate the
	// connection is pinned to.  Relative paths are resolved against DataDir.
	CertificateFile string

	// PinMode selects what part of the certificate is pinned, "spki" or
	// "certificate".
	PinMode string

	// PublicIPPort is the plain HTTP port of the public IP exchange.
	PublicIPPort int

	// TaskListPath, PublicIPPath, ReportPath and VerifyPath are the request
	// paths of the coordinator operations.
	TaskListPath string
	PublicIPPath string
	ReportPath   string
	VerifyPath   string

	// RequestTimeout is the per request timeout in seconds.
	RequestTimeout int
}

func (cCfg *Coordinator) applyDefaults(dataDir string) {
	if cCfg.Host == "" {
		cCfg.Host = defaultCoordinatorHost
	}
	if cCfg.Port == 0 {
		cCfg.Port = defaultCoordinatorPort
	}
	if cCfg.CertificateFile == "" {
		cCfg.CertificateFile = defaultCertificateFile
	}
	if !filepath.IsAbs(cCfg.CertificateFile) {
		cCfg.CertificateFile = filepath.Join(dataDir, cCfg.CertificateFile)
	}
	if cCfg.PinMode == "" {
		cCfg.PinMode = string(pinning.ModeSPKI)
	}
	if cCfg.PublicIPPort == 0 {
		cCfg.PublicIPPort = defaultPublicIPPort
	}
	if cCfg.TaskListPath == "" {
		cCfg.TaskListPath = defaultTaskListPath
	}
	if cCfg.PublicIPPath == "" {
		cCfg.PublicIPPath = defaultPublicIPPath
	}
	if cCfg.ReportPath == "" {
		cCfg.ReportPath = defaultReportPath
	}
	if cCfg.VerifyPath == "" {
		cCfg.VerifyPath = defaultVerifyPath
	}
	if cCfg.RequestTimeout == 0 {
		cCfg.RequestTimeout = defaultRequestTimeout
	}
}

func (cCfg *Coordinator) validate() error {
	if strings.ContainsAny(cCfg.Host, "/: ") {
		return invalid("Coordinator: Host '%v' is not a host name", cCfg.Host)
	}
	if err := validPort(cCfg.Port); err != nil {
		return invalid("Coordinator: Port: %v", err)
	}
	if err := validPort(cCfg.PublicIPPort); err != nil {
		return invalid("Coordinator: PublicIPPort: %v", err)
	}
	if _, err := pinning.ParseMode(cCfg.PinMode); err != nil {
		return invalid("Coordinator: PinMode: %v", err)
	}
	for name, p := range map[string]string{
		"TaskListPath": cCfg.TaskListPath,
		"PublicIPPath": cCfg.PublicIPPath,
		"ReportPath":   cCfg.ReportPath,
		"VerifyPath":   cCfg.VerifyPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return invalid("Coordinator: %v '%v' is not an absolute path", name, p)
		}
	}
	if cCfg.RequestTimeout < 0 {
		return invalid("Coordinator: RequestTimeout %d is negative", cCfg.RequestTimeout)
	}
	return nil
}

// Timeout returns the request timeout.
func (cCfg *Coordinator) Timeout() time.Duration {
	return time.Duration(cCfg.RequestTimeout) * time.Second
}

// LoadPin loads the pinned coordinator certificate.
func (cCfg *Coordinator) LoadPin() (*pinning.Pin, error) {
	mode, err := pinning.ParseMode(cCfg.PinMode)
	if err != nil {
		return nil, err
	}
	return pinning.LoadFile(cCfg.CertificateFile, mode)
}

// Hunter is the task execution configuration.
type Hunter struct {
	// PIPValidity is how long a public IP notification is used, in seconds.
	PIPValidity int

	// BatchSize is the number of replies sent per report.
	BatchSize int

	// Interval is the number of seconds between hunting cycles, 0 runs a
	// single cycle.
	Interval int

	// StateDB is the path of the local state database.  If left empty it
	// will use `hunter.db` under the DataDir.
	StateDB string

	// OutboxTTL is the number of seconds a parked report batch is kept
	// before it is dropped undelivered.
	OutboxTTL int
}

func (hCfg *Hunter) applyDefaults(dataDir string) {
	if hCfg.PIPValidity == 0 {
		hCfg.PIPValidity = defaultPIPValidity
	}
	if hCfg.BatchSize == 0 {
		hCfg.BatchSize = defaultBatchSize
	}
	if hCfg.StateDB == "" {
		hCfg.StateDB = filepath.Join(dataDir, defaultStateDB)
	}
	if hCfg.OutboxTTL == 0 {
		hCfg.OutboxTTL = defaultOutboxTTL
	}
}

func (hCfg *Hunter) validate() error {
	if hCfg.PIPValidity < 0 {
		return invalid("Hunter: PIPValidity %d is negative", hCfg.PIPValidity)
	}
	if hCfg.BatchSize < 1 || hCfg.BatchSize > maxBatchSize {
		return invalid("Hunter: BatchSize %d is out of range", hCfg.BatchSize)
	}
	if hCfg.Interval < 0 {
		return invalid("Hunter: Interval %d is negative", hCfg.Interval)
	}
	if hCfg.OutboxTTL < 0 {
		return invalid("Hunter: OutboxTTL %d is negative", hCfg.OutboxTTL)
	}
	if !filepath.IsAbs(hCfg.StateDB) {
		return invalid("Hunter: StateDB '%v' is not an absolute path", hCfg.StateDB)
	}
	return nil
}

// Validity returns the public IP notification validity window.
func (hCfg *Hunter) Validity() time.Duration {
	return time.Duration(hCfg.PIPValidity) * time.Second
}

// OutboxLifetime returns how long a parked report batch is kept.
func (hCfg *Hunter) OutboxLifetime() time.Duration {
	return time.Duration(hCfg.OutboxTTL) * time.Second
}

// CycleInterval returns the time between hunting cycles.
func (hCfg *Hunter) CycleInterval() time.Duration {
	return time.Duration(hCfg.Interval) * time.Second
}

// Tracer is the traceroute configuration.
type Tracer struct {
	// MaxHops is the largest TTL probed.
	MaxHops int

	// SamplesPerHop is the number of probes sent per TTL.
	SamplesPerHop int

	// ProbeTimeout is the time to wait for a probe answer in milliseconds.
	ProbeTimeout int

	// ProgressPeriod logs progress every N hops, 0 disables.
	ProgressPeriod int
}

func (tCfg *Tracer) applyDefaults() {
	if tCfg.MaxHops == 0 {
		tCfg.MaxHops = defaultMaxHops
	}
	if tCfg.SamplesPerHop == 0 {
		tCfg.SamplesPerHop = defaultSamplesPerHop
	}
	if tCfg.ProbeTimeout == 0 {
		tCfg.ProbeTimeout = defaultProbeTimeout
	}
}

func (tCfg *Tracer) validate() error {
	if tCfg.MaxHops < 1 || tCfg.MaxHops > 255 {
		return invalid("Tracer: MaxHops %d is out of range", tCfg.MaxHops)
	}
	if tCfg.SamplesPerHop < 1 {
		return invalid("Tracer: SamplesPerHop %d is out of range", tCfg.SamplesPerHop)
	}
	if tCfg.ProbeTimeout < 1 {
		return invalid("Tracer: ProbeTimeout %d is out of range", tCfg.ProbeTimeout)
	}
	if tCfg.ProgressPeriod < 0 {
		return invalid("Tracer: ProgressPeriod %d is negative", tCfg.ProgressPeriod)
	}
	return nil
}

// Timeout returns the per probe timeout.
func (tCfg *Tracer) Timeout() time.Duration {
	return time.Duration(tCfg.ProbeTimeout) * time.Millisecond
}

// CertFetch is the target certificate retrieval configuration.
type CertFetch struct {
	// Timeout is the connect and handshake timeout in seconds.
	Timeout int

	// Attempts is the number of handshakes tried per task.
	Attempts int
}

func (fCfg *CertFetch) applyDefaults() {
	if fCfg.Timeout == 0 {
		fCfg.Timeout = defaultCertFetchTimeout
	}
	if fCfg.Attempts == 0 {
		fCfg.Attempts = defaultCertFetchAttempts
	}
}

func (fCfg *CertFetch) validate() error {
	if fCfg.Timeout < 1 {
		return invalid("CertFetch: Timeout %d is out of range", fCfg.Timeout)
	}
	if fCfg.Attempts < 1 {
		return invalid("CertFetch: Attempts %d is out of range", fCfg.Attempts)
	}
	return nil
}

// HandshakeTimeout returns the connect and handshake timeout.
func (fCfg *CertFetch) HandshakeTimeout() time.Duration {
	return time.Duration(fCfg.Timeout) * time.Second
}

// Metrics is the Prometheus exporter configuration.
type Metrics struct {
	// Address is the listen address of the /metrics endpoint, empty
	// disables the exporter.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(mCfg.Address); err != nil {
		return invalid("Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Config is the top level Crossbear hunter configuration.
type Config struct {
	// DataDir is the absolute path to the hunter's state files.
	DataDir string

	Logging       *Logging
	Coordinator   *Coordinator
	Hunter        *Hunter
	Tracer        *Tracer
	CertFetch     *CertFetch
	UpstreamProxy *proxy.Config
	Metrics       *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if !filepath.IsAbs(cfg.DataDir) {
		return invalid("DataDir '%v' is not an absolute path", cfg.DataDir)
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = &Coordinator{}
	}
	if cfg.Hunter == nil {
		cfg.Hunter = &Hunter{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &Tracer{}
	}
	if cfg.CertFetch == nil {
		cfg.CertFetch = &CertFetch{}
	}
	if cfg.UpstreamProxy == nil {
		cfg.UpstreamProxy = &proxy.Config{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	cfg.Coordinator.applyDefaults(cfg.DataDir)
	cfg.Hunter.applyDefaults(cfg.DataDir)
	cfg.Tracer.applyDefaults()
	cfg.CertFetch.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Coordinator.validate(); err != nil {
		return err
	}
	if err := cfg.Hunter.validate(); err != nil {
		return err
	}
	if err := cfg.Tracer.validate(); err != nil {
		return err
	}
	if err := cfg.CertFetch.validate(); err != nil {
		return err
	}
	if err := cfg.UpstreamProxy.FixupAndValidate(); err != nil {
		return invalid("UpstreamProxy: %v", err)
	}
	return cfg.Metrics.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, invalid("no nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, invalid("Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
