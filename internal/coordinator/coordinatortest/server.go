// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package coordinatortest provides an in-process coordinator for tests.
package coordinatortest

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/crossbear/hunter/core/messages"
	"github.com/crossbear/hunter/internal/coordinator"
	"github.com/crossbear/hunter/internal/pinning"
	"github.com/crossbear/hunter/internal/testutil"
)

const (
	// Host is the coordinator name handed to clients.
	Host = "coordinator.test"

	tlsPort   = 443
	plainPort = 80
)

var (
	// AddrV4 and AddrV6 are the coordinator addresses the test resolver
	// returns.
	AddrV4 = netip.MustParseAddr("192.0.2.10")
	AddrV6 = netip.MustParseAddr("2001:db8::10")
)

// Server is a scriptable coordinator.  Exported fields may be changed
// between requests; handlers read them under the embedded lock.
type Server struct {
	sync.Mutex

	Cert *testutil.Certificate

	tls   *httptest.Server
	plain *httptest.Server

	// Served task list content.
	ServerTime uint32
	ListPIPs   []*messages.PublicIPNotif
	Tasks      []*messages.HuntingTask
	Extra      []messages.Message

	// Signature behaviour.
	OmitSignature   bool
	TamperSignature bool

	// Public address exchange behaviour.
	PIPs        map[int]*messages.PublicIPNotif
	PIPWrongKey bool
	PIPStatus   int
	PIPRequests int

	// Reports received and the status to answer them with.
	ReportStatus int
	Reports      [][]byte

	// Certificate verification.
	VerifyResult   *messages.CertificateVerifyResult
	VerifyRequests []*messages.CertificateVerifyRequest

	TaskListRequests int
}

// New starts a coordinator with a fresh RSA identity.
func New(t testing.TB) *Server {
	s := &Server{
		Cert: testutil.NewSelfSigned(t, 2, Host),
		PIPs: make(map[int]*messages.PublicIPNotif),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(coordinator.DefaultTaskListPath, s.handleTaskList)
	mux.HandleFunc(coordinator.DefaultReportPath, s.handleReport)
	mux.HandleFunc(coordinator.DefaultVerifyPath, s.handleVerify)
	s.tls = testutil.NewTLSServer(t, mux, s.Cert)

	plainMux := http.NewServeMux()
	plainMux.HandleFunc(coordinator.DefaultPublicIPPath, s.handlePublicIP)
	s.plain = httptest.NewServer(plainMux)
	t.Cleanup(s.plain.Close)
	return s
}

// Pin returns an SPKI pin of the coordinator's certificate.
func (s *Server) Pin(t testing.TB) *pinning.Pin {
	p, err := pinning.New(s.Cert.Cert, pinning.ModeSPKI)
	require.NoError(t, err)
	return p
}

// ClientConfig returns a client configuration that reaches this server
// for every coordinator address.
func (s *Server) ClientConfig(t testing.TB) *coordinator.Config {
	tlsAddr := s.tls.Listener.Addr().String()
	plainAddr := s.plain.Listener.Addr().String()
	d := &net.Dialer{Timeout: 5 * time.Second}
	return &coordinator.Config{
		Host:         Host,
		Port:         tlsPort,
		PublicIPPort: plainPort,
		Pin:          s.Pin(t),
		LogBackend:   testutil.LogBackend(t),
		Resolver:     Resolver{},
		Timeout:      5 * time.Second,
		DialContextFn: func(ctx context.Context, network, address string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(address)
			if err == nil && port == strconv.Itoa(plainPort) {
				return d.DialContext(ctx, "tcp", plainAddr)
			}
			return d.DialContext(ctx, "tcp", tlsAddr)
		},
	}
}

// Resolver maps every name to AddrV4 and AddrV6.
type Resolver struct{}

// LookupNetIP implements coordinator.Resolver.
func (Resolver) LookupNetIP(_ context.Context, network, _ string) ([]netip.Addr, error) {
	switch network {
	case "ip4":
		return []netip.Addr{AddrV4}, nil
	case "ip6":
		return []netip.Addr{AddrV6}, nil
	default:
		return []netip.Addr{AddrV4, AddrV6}, nil
	}
}

// Sign appends a signature over l's current content.
func (s *Server) Sign(l *messages.List) []byte {
	b, err := l.Bytes()
	if err != nil {
		panic(err)
	}
	if s.OmitSignature {
		return b
	}
	digest := sha256.Sum256(b)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.Cert.Key, crypto.SHA256, digest[:])
	if err != nil {
		panic(err)
	}
	if s.TamperSignature {
		sig[len(sig)/2] ^= 0x01
	}
	sigMsg, err := messages.ToBytes(&messages.Signature{Signature: sig})
	if err != nil {
		panic(err)
	}
	// The signature leads the stream as the coordinator sends it.
	return append(sigMsg, b...)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	s.Lock()
	defer s.Unlock()
	s.TaskListRequests++

	l := messages.NewList()
	if s.ServerTime != 0 {
		l.Append(&messages.ServerTime{Seconds: s.ServerTime})
	}
	for _, p := range s.ListPIPs {
		l.Append(p)
	}
	for _, t := range s.Tasks {
		l.Append(t)
	}
	for _, m := range s.Extra {
		l.Append(m)
	}
	w.Write(s.Sign(l))
}

func (s *Server) handlePublicIP(w http.ResponseWriter, r *http.Request) {
	s.Lock()
	defer s.Unlock()
	s.PIPRequests++

	if s.PIPStatus != 0 && s.PIPStatus != http.StatusOK {
		w.WriteHeader(s.PIPStatus)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, _, err := messages.FromBytes(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, ok := m.(*messages.PublicIPRequest)
	if !ok {
		http.Error(w, "unexpected message", http.StatusBadRequest)
		return
	}
	key, err := rsa.DecryptOAEP(sha1.New(), nil, s.Cert.Key, req.EncryptedKey, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.PIPWrongKey {
		key = make([]byte, len(key))
		io.ReadFull(rand.Reader, key)
	}

	version := 4
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if a, err := netip.ParseAddr(host); err == nil && !a.Is4() {
		version = 6
	}
	pip, ok := s.PIPs[version]
	if !ok {
		http.Error(w, "no notification", http.StatusServiceUnavailable)
		return
	}
	resp, err := coordinator.SealPublicIPResponse(key, pip)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.Lock()
	defer s.Unlock()
	if s.ReportStatus != 0 && s.ReportStatus != http.StatusOK {
		w.WriteHeader(s.ReportStatus)
		return
	}
	s.Reports = append(s.Reports, body)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, _, err := messages.FromBytes(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.Lock()
	defer s.Unlock()
	if req, ok := m.(*messages.CertificateVerifyRequest); ok {
		s.VerifyRequests = append(s.VerifyRequests, req)
	}
	l := messages.NewList()
	if s.VerifyResult != nil {
		l.Append(s.VerifyResult)
	}
	w.Write(s.Sign(l))
}

// ReportedReplies parses every report received so far.
func (s *Server) ReportedReplies(t testing.TB) [][]messages.Message {
	s.Lock()
	defer s.Unlock()
	var out [][]messages.Message
	for _, b := range s.Reports {
		l, err := messages.ParseList(b)
		require.NoError(t, err, "ParseList(report)")
		out = append(out, l.Messages())
	}
	return out
}
