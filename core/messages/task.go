// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package messages

import (
	"net/netip"

	"golang.org/x/crypto/cryptobyte"
)

// PublicIPNotif is the coordinator's statement of the hunter's externally
// visible address, authenticated by an HMAC the hunter echoes back in its
// replies.
type PublicIPNotif struct {
	HMAC [HMACLength]byte
	Addr netip.Addr
}

// Type returns PublicIPNotif4 or PublicIPNotif6 depending on Addr.
func (m *PublicIPNotif) Type() Type {
	if m.Addr.Is4() {
		return PublicIPNotif4
	}
	return PublicIPNotif6
}

// IPVersion returns 4 or 6.
func (m *PublicIPNotif) IPVersion() int {
	return ipVersion(m.Addr)
}

// Payload serializes the PublicIPNotif body.
func (m *PublicIPNotif) Payload() ([]byte, error) {
	addr, err := addrBytes(m.Addr, addrLen(m.Addr))
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(m.HMAC[:])
	b.AddBytes(addr)
	return b.Bytes()
}

func publicIPNotifFromBytes(s *cryptobyte.String, n int) (Message, error) {
	m := new(PublicIPNotif)
	if !s.CopyBytes(m.HMAC[:]) {
		return nil, errTruncated
	}
	addr, err := readAddr(s, n)
	if err != nil {
		return nil, err
	}
	m.Addr = addr
	return m, nil
}

// PublicIPRequest carries the RSA encrypted session key of a public address
// exchange.
type PublicIPRequest struct {
	EncryptedKey []byte
}

// Type returns PublicIPNotifRequest.
func (m *PublicIPRequest) Type() Type { return PublicIPNotifRequest }

// Payload serializes the PublicIPRequest body.
func (m *PublicIPRequest) Payload() ([]byte, error) {
	return append([]byte{}, m.EncryptedKey...), nil
}

func publicIPNotifRequestFromBytes(s *cryptobyte.String) (Message, error) {
	return &PublicIPRequest{EncryptedKey: rest(s)}, nil
}

// ServerTime is the coordinator's clock in whole seconds since the epoch.
type ServerTime struct {
	Seconds uint32
}

// Type returns CurrentServerTime.
func (m *ServerTime) Type() Type { return CurrentServerTime }

// Payload serializes the ServerTime body.
func (m *ServerTime) Payload() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(m.Seconds)
	return b.Bytes()
}

func serverTimeFromBytes(s *cryptobyte.String) (Message, error) {
	m := new(ServerTime)
	if !s.ReadUint32(&m.Seconds) {
		return nil, errTruncated
	}
	return m, nil
}

// Signature is the coordinator's signature over every other message of the
// stream it is part of.
type Signature struct {
	Signature []byte
}

// Type returns SignatureType.
func (m *Signature) Type() Type { return SignatureType }

// Payload serializes the Signature body.
func (m *Signature) Payload() ([]byte, error) {
	return append([]byte{}, m.Signature...), nil
}

func signatureFromBytes(s *cryptobyte.String) (Message, error) {
	return &Signature{Signature: rest(s)}, nil
}

// HuntingTask asks the hunter to observe the certificate chain presented
// by Host at Addr:Port.
type HuntingTask struct {
	TaskID          uint32
	KnownCertHashes [][HashLength]byte
	Addr            netip.Addr
	Port            uint16
	Host            string
}

// Type returns IPv4SHA256Task or IPv6SHA256Task depending on Addr.
func (m *HuntingTask) Type() Type {
	if m.Addr.Is4() {
		return IPv4SHA256Task
	}
	return IPv6SHA256Task
}

// IPVersion returns 4 or 6.
func (m *HuntingTask) IPVersion() int {
	return ipVersion(m.Addr)
}

// AddrPort returns the target as a netip.AddrPort.
func (m *HuntingTask) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(m.Addr, m.Port)
}

// Payload serializes the HuntingTask body.
func (m *HuntingTask) Payload() ([]byte, error) {
	if len(m.KnownCertHashes) > MaxCount {
		return nil, ErrTooManyHashes
	}
	addr, err := addrBytes(m.Addr, addrLen(m.Addr))
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(m.TaskID)
	b.AddUint8(uint8(len(m.KnownCertHashes)))
	for _, h := range m.KnownCertHashes {
		b.AddBytes(h[:])
	}
	b.AddBytes(addr)
	b.AddUint16(m.Port)
	b.AddBytes([]byte(m.Host))
	return b.Bytes()
}

func huntingTaskFromBytes(s *cryptobyte.String, n int) (Message, error) {
	m := new(HuntingTask)
	var count uint8
	if !s.ReadUint32(&m.TaskID) || !s.ReadUint8(&count) {
		return nil, errTruncated
	}
	if count > 0 {
		m.KnownCertHashes = make([][HashLength]byte, count)
		for i := range m.KnownCertHashes {
			if !s.CopyBytes(m.KnownCertHashes[i][:]) {
				return nil, errTruncated
			}
		}
	}
	addr, err := readAddr(s, n)
	if err != nil {
		return nil, err
	}
	m.Addr = addr
	if !s.ReadUint16(&m.Port) {
		return nil, errTruncated
	}
	m.Host = string(rest(s))
	return m, nil
}

func ipVersion(addr netip.Addr) int {
	if addr.Is4() {
		return 4
	}
	return 6
}
