// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package testutil

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossbear/hunter/core/log"
)

// LogBackend returns a backend that discards output unless
// CROSSBEAR_TEST_LOG is set.
func LogBackend(t testing.TB) *log.Backend {
	var w io.Writer = io.Discard
	if os.Getenv("CROSSBEAR_TEST_LOG") != "" {
		w = os.Stderr
	}
	b, err := log.NewWriter(w, "DEBUG")
	require.NoError(t, err, "log.NewWriter")
	return b
}

// NewTLSServer starts an httptest server presenting cert and any
// intermediates.  The server is closed with the test.
func NewTLSServer(t testing.TB, h http.Handler, cert *Certificate, intermediates ...*Certificate) *httptest.Server {
	srv := httptest.NewUnstartedServer(h)
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCertificate(intermediates...)},
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}
