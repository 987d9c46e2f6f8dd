// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package testutil provides X.509 fixtures shared by the package tests.
package testutil

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

const keyBits = 2048

var (
	keysLock sync.Mutex
	keys     []*rsa.PrivateKey
	serial   int64
)

// Key returns the i-th process wide test key, generating it on first use.
func Key(t testing.TB, i int) *rsa.PrivateKey {
	keysLock.Lock()
	defer keysLock.Unlock()
	for len(keys) <= i {
		k, err := rsa.GenerateKey(rand.Reader, keyBits)
		require.NoError(t, err, "rsa.GenerateKey")
		keys = append(keys, k)
	}
	return keys[i]
}

// Certificate is a generated certificate and its private key.
type Certificate struct {
	DER  []byte
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// NewCA returns a self-signed CA certificate signed with Key(t, 0).
func NewCA(t testing.TB, cn string) *Certificate {
	return issue(t, cn, true, nil, Key(t, 0))
}

// NewSelfSigned returns a self-signed server certificate for hosts using
// the keyIdx-th test key.
func NewSelfSigned(t testing.TB, keyIdx int, hosts ...string) *Certificate {
	return issue(t, hosts[0], false, nil, Key(t, keyIdx), hosts...)
}

// Issue signs a new certificate with c.
func (c *Certificate) Issue(t testing.TB, cn string, isCA bool, hosts ...string) *Certificate {
	return issue(t, cn, isCA, c, Key(t, 0), hosts...)
}

// PEM returns the PEM encoding of the certificate.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
}

// TLSCertificate returns c with the optional intermediates as a
// tls.Certificate.
func (c *Certificate) TLSCertificate(intermediates ...*Certificate) tls.Certificate {
	tc := tls.Certificate{
		Certificate: [][]byte{c.DER},
		PrivateKey:  c.Key,
		Leaf:        c.Cert,
	}
	for _, i := range intermediates {
		tc.Certificate = append(tc.Certificate, i.DER)
	}
	return tc
}

// Chain returns the DER encodings of certs in order.
func Chain(certs ...*Certificate) [][]byte {
	out := make([][]byte, 0, len(certs))
	for _, c := range certs {
		out = append(out, c.DER)
	}
	return out
}

func issue(t testing.TB, cn string, isCA bool, parent *Certificate, key *rsa.PrivateKey, hosts ...string) *Certificate {
	keysLock.Lock()
	serial++
	sn := serial
	keysLock.Unlock()

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(sn),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Crossbear Test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	signer, signerCert := key, tmpl
	if parent != nil {
		signer, signerCert = parent.Key, parent.Cert
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signer)
	require.NoError(t, err, "x509.CreateCertificate")
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err, "x509.ParseCertificate")
	return &Certificate{DER: der, Cert: cert, Key: key}
}
