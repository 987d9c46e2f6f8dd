// SPDX-FileCopyrightText: Copyright (C) 2018  Yawning Angel.
// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package proxy implements the support for an upstream (outgoing) proxy.
package proxy

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	TypeNone      = "none"
	TypeTorSocks5 = "tor+socks5"
	TypeSocks5    = "socks5"

	netUnix = "unix"
	netTCP  = "tcp"

	maxSocks5AuthLen = 255
)

var torSocks5ProcessIsolation string

// Config is the proxy configuration.
type Config struct {
	// Type is the proxy type (Eg: "none"," socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string

	auth *proxy.Auth
}

// DialContextFn is a function that matches the Dialer.DialContext prototype.
type DialContextFn func(context.Context, string, string) (net.Conn, error)

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	cfg.Type = strings.ToLower(cfg.Type)
	switch cfg.Type {
	case "":
		cfg.Type = TypeNone
	case TypeNone:
	case TypeSocks5, TypeTorSocks5:
		uLen, pLen := len(cfg.User), len(cfg.Password)
		if uLen > maxSocks5AuthLen {
			return fmt.Errorf("proxy/config: User too long")
		}
		if pLen > maxSocks5AuthLen {
			return fmt.Errorf("proxy/config: Password too long")
		}
		if (uLen == 0) != (pLen == 0) {
			return fmt.Errorf("proxy/config: Both User and Password must be specified")
		}
		if uLen != 0 {
			if cfg.Type == TypeTorSocks5 {
				return fmt.Errorf("proxy/config: Tor SOCKS5 conflicts with setting User/Password")
			}
			cfg.auth = &proxy.Auth{
				User:     cfg.User,
				Password: cfg.Password,
			}
		}

		cfg.Network = strings.ToLower(cfg.Network)
		switch cfg.Network {
		case netTCP:
			if _, err := netip.ParseAddrPort(cfg.Address); err != nil {
				return fmt.Errorf("proxy/config: Address '%v' is invalid: %v", cfg.Address, err)
			}
		case netUnix:
			fi, err := os.Lstat(cfg.Address)
			if err != nil {
				return fmt.Errorf("proxy/config: Address '%v' failed to stat(): %v", cfg.Address, err)
			}
			if fi.Mode()&os.ModeSocket == 0 {
				return fmt.Errorf("proxy/config: Address '%v' does not appear to be a socket", cfg.Address)
			}
		default:
			return fmt.Errorf("proxy/config: Network '%v' is invalid", cfg.Network)
		}
	default:
		return fmt.Errorf("proxy/config: Type '%v' is invalid", cfg.Type)
	}
	return nil
}

// Enabled returns true iff an upstream proxy is configured.
func (cfg *Config) Enabled() bool {
	return cfg != nil && cfg.Type != "" && cfg.Type != TypeNone
}

// ToDialContext returns a function matching Dialer.DialContext() that will
// utilize the configured proxy, or base directly if no proxy is configured.
// Connections made through Tor with different tags use different circuits.
func (cfg *Config) ToDialContext(tag string, base *net.Dialer) DialContextFn {
	if base == nil {
		base = &net.Dialer{Timeout: 10 * time.Second}
	}
	if !cfg.Enabled() {
		return base.DialContext
	}
	switch cfg.Type {
	case TypeSocks5, TypeTorSocks5:
		return cfg.newContextSOCKS5(tag, base)
	default:
		panic("proxy: ToDialContext(): invalid type: " + cfg.Type)
	}
}

func (cfg *Config) newContextSOCKS5(tag string, base *net.Dialer) DialContextFn {
	auth := cfg.auth
	if cfg.Type == TypeTorSocks5 {
		// Craft an SOCKSPort isolation entry from `tag`, and jam it into
		// the User/Password.
		sum := sha512.Sum512_256([]byte(tag))
		auth = &proxy.Auth{
			User:     torSocks5ProcessIsolation + hex.EncodeToString(sum[:16]),
			Password: string([]byte{0x00}),
		}
	}

	proxyNet, proxyAddr := cfg.Network, cfg.Address
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		d, err := proxy.SOCKS5(proxyNet, proxyAddr, auth, base)
		if err != nil {
			return nil, err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy: SOCKS5 dialer does not support contexts")
		}
		return cd.DialContext(ctx, network, address)
	}
}

func init() {
	// Initialize the per-process Tor SOCKS isolation tag.
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(os.Getpid()))
	binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().Unix()))
	sum := sha512.Sum512_256(buf[:])
	torSocks5ProcessIsolation = "crossbear/hunter:" + hex.EncodeToString(sum[:8]) + ":"
}
