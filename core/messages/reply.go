// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package messages

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

var errEmptyChain = errors.New("messages: empty certificate chain")

// KnownCertReply reports that the observed chain matched one of the
// hashes the coordinator already knew, identified by Witness.
type KnownCertReply struct {
	TaskID  uint32
	Time    uint32
	HMAC    [HMACLength]byte
	Witness [HashLength]byte
	Trace   []byte
}

// Type returns TaskReplyKnownCert.
func (m *KnownCertReply) Type() Type { return TaskReplyKnownCert }

// Payload serializes the KnownCertReply body.
func (m *KnownCertReply) Payload() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(m.TaskID)
	b.AddUint32(m.Time)
	b.AddBytes(m.HMAC[:])
	b.AddBytes(m.Witness[:])
	b.AddBytes(m.Trace)
	return b.Bytes()
}

func knownCertReplyFromBytes(s *cryptobyte.String) (Message, error) {
	m := new(KnownCertReply)
	if !s.ReadUint32(&m.TaskID) || !s.ReadUint32(&m.Time) {
		return nil, errTruncated
	}
	if !s.CopyBytes(m.HMAC[:]) || !s.CopyBytes(m.Witness[:]) {
		return nil, errTruncated
	}
	m.Trace = rest(s)
	return m, nil
}

// NewCertReply reports a chain the coordinator did not list, carrying the
// full DER encoded chain, leaf first.
type NewCertReply struct {
	TaskID uint32
	Time   uint32
	HMAC   [HMACLength]byte
	Chain  [][]byte
	Trace  []byte
}

// Type returns TaskReplyNewCert.
func (m *NewCertReply) Type() Type { return TaskReplyNewCert }

// Payload serializes the NewCertReply body.
func (m *NewCertReply) Payload() ([]byte, error) {
	if len(m.Chain) == 0 {
		return nil, errEmptyChain
	}
	if len(m.Chain) > MaxCount {
		return nil, ErrTooManyCertificates
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(m.TaskID)
	b.AddUint32(m.Time)
	b.AddBytes(m.HMAC[:])
	b.AddUint8(uint8(len(m.Chain)))
	if err := addCertificates(b, m.Chain); err != nil {
		return nil, err
	}
	b.AddBytes(m.Trace)
	return b.Bytes()
}

func newCertReplyFromBytes(s *cryptobyte.String) (Message, error) {
	m := new(NewCertReply)
	var count uint8
	if !s.ReadUint32(&m.TaskID) || !s.ReadUint32(&m.Time) {
		return nil, errTruncated
	}
	if !s.CopyBytes(m.HMAC[:]) || !s.ReadUint8(&count) {
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
	m.Trace = rest(s)
	return m, nil
}
