// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixupAndValidate(t *testing.T) {
	require := require.New(t)

	cfg := &Config{}
	require.NoError(cfg.FixupAndValidate())
	require.Equal(TypeNone, cfg.Type)
	require.False(cfg.Enabled())

	cfg = &Config{Type: "SOCKS5", Network: "TCP", Address: "127.0.0.1:9050"}
	require.NoError(cfg.FixupAndValidate())
	require.True(cfg.Enabled())

	for name, bad := range map[string]*Config{
		"type":          {Type: "http"},
		"network":       {Type: "socks5", Network: "udp", Address: "127.0.0.1:1"},
		"address":       {Type: "socks5", Network: "tcp", Address: "localhost"},
		"half auth":     {Type: "socks5", Network: "tcp", Address: "127.0.0.1:1", User: "u"},
		"tor with auth": {Type: "tor+socks5", Network: "tcp", Address: "127.0.0.1:1", User: "u", Password: "p"},
		"long user":     {Type: "socks5", Network: "tcp", Address: "127.0.0.1:1", User: strings.Repeat("u", 256), Password: "p"},
		"unix missing":  {Type: "socks5", Network: "unix", Address: "/nonexistent/socks"},
	} {
		require.Error(bad.FixupAndValidate(), name)
	}
}

// serveSOCKS5 accepts one no-auth CONNECT and reports the requested port.
func serveSOCKS5(t *testing.T, ln net.Listener, portCh chan<- uint16) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var greeting [2]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return
	}
	methods := make([]byte, greeting[1])
	io.ReadFull(conn, methods)
	conn.Write([]byte{5, 0})

	var req [4]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return
	}
	var addrLen int
	switch req[3] {
	case 1:
		addrLen = 4
	case 4:
		addrLen = 16
	case 3:
		var l [1]byte
		io.ReadFull(conn, l[:])
		addrLen = int(l[0])
	}
	rest := make([]byte, addrLen+2)
	io.ReadFull(conn, rest)
	portCh <- binary.BigEndian.Uint16(rest[addrLen:])
	conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
	conn.Write([]byte("hello"))
}

func TestSOCKS5Dial(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	portCh := make(chan uint16, 1)
	go serveSOCKS5(t, ln, portCh)

	cfg := &Config{Type: TypeSocks5, Network: "tcp", Address: ln.Addr().String()}
	require.NoError(cfg.FixupAndValidate())

	dial := cfg.ToDialContext("test", nil)
	conn, err := dial(context.Background(), "tcp", "192.0.2.1:443")
	require.NoError(err, "dial through SOCKS5")
	defer conn.Close()

	require.Equal(uint16(443), <-portCh)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(err)
	require.Equal("hello", string(buf))
}

func TestDirectDial(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	cfg := &Config{}
	require.NoError(cfg.FixupAndValidate())
	conn, err := cfg.ToDialContext("", nil)(context.Background(), "tcp", ln.Addr().String())
	require.NoError(err)
	conn.Close()
}
