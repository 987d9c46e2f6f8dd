// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package messages

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// KeyType is the SSH host key type of a fingerprint verification.
type KeyType uint8

const (
	KeyRSA1 KeyType = iota
	KeyRSA
	KeyDSA
	KeyECDSA
	KeyRSACert
	KeyDSACert
	KeyECDSACert
	KeyRSACertV00
	KeyDSACertV00
	KeyUnspec
)

// FingerprintResult is the coordinator's verdict on an SSH fingerprint.
type FingerprintResult uint8

const (
	FingerprintMatch FingerprintResult = iota
	FingerprintNoMatch
	FingerprintNoEntry
)

// CertVerifyOptionProxy marks a request made through an upstream proxy.
const CertVerifyOptionProxy = 1

var errVersion = errors.New("unsupported format version")

// FingerprintVerifyRequest asks the coordinator to compare an SSH host key
// fingerprint with its own observations of Addr:Port.
type FingerprintVerifyRequest struct {
	Addr        netip.Addr
	Port        uint16
	KeyType     KeyType
	KeyNID      uint16
	Fingerprint string
}

// Type returns FpVerifyRequest.
func (m *FingerprintVerifyRequest) Type() Type { return FpVerifyRequest }

// Payload serializes the FingerprintVerifyRequest body.
func (m *FingerprintVerifyRequest) Payload() ([]byte, error) {
	addr, err := addrBytes(m.Addr, ipv4Len)
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(fpVerifyVersion)
	b.AddBytes(addr)
	b.AddUint16(m.Port)
	b.AddUint8(uint8(m.KeyType))
	b.AddUint16(m.KeyNID)
	b.AddBytes([]byte(m.Fingerprint))
	return b.Bytes()
}

func fpVerifyRequestFromBytes(s *cryptobyte.String) (Message, error) {
	var version, keyType uint8
	if !s.ReadUint8(&version) {
		return nil, errTruncated
	}
	if version != fpVerifyVersion {
		return nil, errVersion
	}
	m := new(FingerprintVerifyRequest)
	addr, err := readAddr(s, ipv4Len)
	if err != nil {
		return nil, err
	}
	m.Addr = addr
	if !s.ReadUint16(&m.Port) || !s.ReadUint8(&keyType) || !s.ReadUint16(&m.KeyNID) {
		return nil, errTruncated
	}
	m.KeyType = KeyType(keyType)
	m.Fingerprint = string(rest(s))
	return m, nil
}

// FingerprintVerifyResult carries the verdict for a FingerprintVerifyRequest.
type FingerprintVerifyResult struct {
	Result FingerprintResult
}

// Type returns FpVerifyResult.
func (m *FingerprintVerifyResult) Type() Type { return FpVerifyResult }

// Payload serializes the FingerprintVerifyResult body.
func (m *FingerprintVerifyResult) Payload() ([]byte, error) {
	return []byte{fpVerifyVersion, byte(m.Result)}, nil
}

func fpVerifyResultFromBytes(s *cryptobyte.String) (Message, error) {
	var version, result uint8
	if !s.ReadUint8(&version) || !s.ReadUint8(&result) {
		return nil, errTruncated
	}
	if version != fpVerifyVersion {
		return nil, errVersion
	}
	return &FingerprintVerifyResult{Result: FingerprintResult(result)}, nil
}

// CertificateVerifyRequest asks the coordinator to rate a chain observed
// for Host at Addr:Port.
type CertificateVerifyRequest struct {
	Options uint8
	Chain   [][]byte
	Host    string
	Addr    netip.Addr
	Port    uint16
}

// Type returns CertVerifyRequest.
func (m *CertificateVerifyRequest) Type() Type { return CertVerifyRequest }

// Payload serializes the CertificateVerifyRequest body.
func (m *CertificateVerifyRequest) Payload() ([]byte, error) {
	if len(m.Chain) == 0 {
		return nil, errEmptyChain
	}
	if len(m.Chain) > MaxCount {
		return nil, ErrTooManyCertificates
	}
	if !m.Addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	if strings.Contains(m.Host, "|") {
		return nil, fmt.Errorf("messages: host '%v' contains a separator", m.Host)
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(m.Options)
	b.AddUint8(uint8(len(m.Chain)))
	if err := addCertificates(b, m.Chain); err != nil {
		return nil, err
	}
	b.AddBytes([]byte(m.target()))
	return b.Bytes()
}

func (m *CertificateVerifyRequest) target() string {
	return m.Host + "|" + m.Addr.String() + "|" + strconv.Itoa(int(m.Port))
}

func certVerifyRequestFromBytes(s *cryptobyte.String) (Message, error) {
	m := new(CertificateVerifyRequest)
	var count uint8
	if !s.ReadUint8(&m.Options) || !s.ReadUint8(&count) {
		return nil, errTruncated
	}
	if count == 0 {
		return nil, errEmptyChain
	}
	chain, err := readCertificates(s, int(count))
	if err != nil {
		return nil, err
	}
	m.Chain = chain

	raw := string(rest(s))
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("target '%v' is not host|ip|port", raw)
	}
	m.Host = parts[0]
	if m.Addr, err = netip.ParseAddr(parts[1]); err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return nil, err
	}
	m.Port = uint16(port)

	// Only the canonical spelling is accepted so that a decoded stream
	// re-encodes to the same bytes.
	if m.target() != raw {
		return nil, fmt.Errorf("target '%v' is not in canonical form", raw)
	}
	return m, nil
}

// CertificateVerifyResult is the coordinator's rating of a chain together
// with the human readable judgments that produced it.
type CertificateVerifyResult struct {
	Rating    uint8
	Judgments []string
}

// Type returns CertVerifyResult.
func (m *CertificateVerifyResult) Type() Type { return CertVerifyResult }

// Payload serializes the CertificateVerifyResult body.
func (m *CertificateVerifyResult) Payload() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(m.Rating)
	b.AddBytes([]byte(strings.Join(m.Judgments, "\n")))
	return b.Bytes()
}

func certVerifyResultFromBytes(s *cryptobyte.String) (Message, error) {
	m := new(CertificateVerifyResult)
	if !s.ReadUint8(&m.Rating) {
		return nil, errTruncated
	}
	if report := rest(s); len(report) > 0 {
		m.Judgments = strings.Split(string(report), "\n")
	}
	return m, nil
}
