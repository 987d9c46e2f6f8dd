// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pinning implements the hunter's trust model for the coordinator:
// a TLS peer is trusted iff its leaf certificate matches a certificate
// shipped with the hunter.  CA validation plays no part.
package pinning

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/crossbear/hunter/core/log"
	"github.com/crossbear/hunter/internal/proxy"
)

// Mode selects what part of the certificate is pinned.
type Mode string

const (
	// ModeSPKI pins the SubjectPublicKeyInfo, surviving certificate
	// renewal with the same key.
	ModeSPKI Mode = "spki"

	// ModeCertificate pins the exact DER certificate.
	ModeCertificate Mode = "certificate"

	// DefaultTimeout is the default per request timeout.
	DefaultTimeout = 10 * time.Second
)

// ErrUntrustedPeer is the root of every pin verification failure.
var ErrUntrustedPeer = errors.New("pinning: untrusted peer")

// TrustError describes why a peer was rejected.
type TrustError struct {
	Reason string
	Want   [sha256.Size]byte
	Got    [sha256.Size]byte
}

func (e *TrustError) Error() string {
	if e.Got == ([sha256.Size]byte{}) {
		return fmt.Sprintf("pinning: untrusted peer: %s", e.Reason)
	}
	return fmt.Sprintf("pinning: untrusted peer: %s (want %x, got %x)", e.Reason, e.Want[:], e.Got[:])
}

// Unwrap returns ErrUntrustedPeer.
func (e *TrustError) Unwrap() error {
	return ErrUntrustedPeer
}

// ParseMode validates the configuration spelling of a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "", ModeSPKI:
		return ModeSPKI, nil
	case ModeCertificate:
		return ModeCertificate, nil
	default:
		return "", fmt.Errorf("pinning: invalid mode '%v'", s)
	}
}

// Pin is an immutable pinned coordinator identity.
type Pin struct {
	mode   Mode
	digest [sha256.Size]byte
	cert   *x509.Certificate
	key    *rsa.PublicKey
}

// New pins cert.  The coordinator signs task lists and decrypts session
// keys with an RSA key, so any other key type is refused.
func New(cert *x509.Certificate, mode Mode) (*Pin, error) {
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pinning: coordinator key is %T, not RSA", cert.PublicKey)
	}
	p := &Pin{mode: mode, cert: cert, key: key}
	switch mode {
	case ModeSPKI:
	case ModeCertificate:
	default:
		return nil, fmt.Errorf("pinning: invalid mode '%v'", mode)
	}
	p.digest = p.sum(cert)
	return p, nil
}

// LoadFile reads the first PEM certificate in path and pins it.
func LoadFile(path string, mode Mode) (*Pin, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pinning: failed to read certificate: %v", err)
	}
	return Parse(b, mode)
}

// Parse pins the first certificate of a PEM bundle.
func Parse(b []byte, mode Mode) (*Pin, error) {
	for {
		var blk *pem.Block
		blk, b = pem.Decode(b)
		if blk == nil {
			return nil, errors.New("pinning: no PEM certificate found")
		}
		if blk.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("pinning: failed to parse certificate: %v", err)
		}
		return New(cert, mode)
	}
}

func (p *Pin) sum(cert *x509.Certificate) [sha256.Size]byte {
	if p.mode == ModeCertificate {
		return sha256.Sum256(cert.Raw)
	}
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// Mode returns the pin mode.
func (p *Pin) Mode() Mode {
	return p.mode
}

// Digest returns the pinned SHA-256 digest.
func (p *Pin) Digest() [sha256.Size]byte {
	return p.digest
}

// PublicKey returns the coordinator's RSA public key.
func (p *Pin) PublicKey() *rsa.PublicKey {
	return p.key
}

// Verify checks the leaf of a presented chain against the pin.
func (p *Pin) Verify(peerCerts []*x509.Certificate) error {
	if len(peerCerts) == 0 {
		return &TrustError{Reason: "no peer certificate", Want: p.digest}
	}
	got := p.sum(peerCerts[0])
	if subtle.ConstantTimeCompare(got[:], p.digest[:]) != 1 {
		return &TrustError{Reason: string(p.mode) + " mismatch", Want: p.digest, Got: got}
	}
	return nil
}

// TLSConfig returns a client configuration that accepts exactly the pinned
// peer.  serverName is only used for SNI.
func (p *Pin) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, // Replaced by VerifyConnection.
		MinVersion:         tls.VersionTLS12,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return p.Verify(cs.PeerCertificates)
		},
	}
}

// Config is the pinned HTTP client configuration.
type Config struct {
	// Pin is the coordinator identity.
	Pin *Pin

	// ServerName is the SNI sent to the coordinator.
	ServerName string

	// LogBackend is the `core/log` Backend instance to use for logging.
	LogBackend *log.Backend

	// DialContextFn is the optional alternative Dialer.DialContext function
	// to be used when creating outgoing network connections.
	DialContextFn proxy.DialContextFn

	// Timeout is the per request timeout, DefaultTimeout if zero.
	Timeout time.Duration
}

func (cfg *Config) validate() error {
	if cfg.Pin == nil {
		return errors.New("pinning: Config: Pin is mandatory")
	}
	if cfg.LogBackend == nil {
		return errors.New("pinning: Config: LogBackend is mandatory")
	}
	return nil
}

// NewHTTPClient returns an *http.Client whose TLS connections only complete
// with the pinned peer.
func NewHTTPClient(cfg *Config) (*http.Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialFn := cfg.DialContextFn
	if dialFn == nil {
		dialFn = (&net.Dialer{Timeout: timeout}).DialContext
	}

	l := cfg.LogBackend.GetLogger("pinning")
	tlsCfg := cfg.Pin.TLSConfig(cfg.ServerName)
	verify := tlsCfg.VerifyConnection
	tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
		err := verify(cs)
		logVerify(l, cs, err)
		return err
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialFn,
			TLSClientConfig:     tlsCfg,
			TLSHandshakeTimeout: timeout,
			ForceAttemptHTTP2:   false,
			MaxIdleConns:        1,
			IdleConnTimeout:     30 * time.Second,
		},
	}, nil
}

func logVerify(l *logging.Logger, cs tls.ConnectionState, err error) {
	if err != nil {
		l.Warningf("Rejecting coordinator '%v': %v", cs.ServerName, err)
		return
	}
	l.Debugf("Coordinator certificate matches pin (%v).", tls.VersionName(cs.Version))
}
