// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package messages implements the Crossbear hunter wire protocol: a closed
// set of typed messages framed as `type u8 | length u16 | payload`, where
// length counts the three header bytes.
package messages

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrProtocolDecode is returned for any malformed, truncated or unknown
	// message.
	ErrProtocolDecode = errors.New("messages: protocol decode error")

	// ErrMessageTooLarge is returned when a payload does not fit the u16
	// length field.
	ErrMessageTooLarge = errors.New("messages: payload exceeds maximum frame size")

	// ErrTooManyCertificates is returned when a certificate chain does not
	// fit the u8 count field.
	ErrTooManyCertificates = errors.New("messages: more than 255 certificates")

	// ErrTooManyHashes is returned when a task carries more than 255 known
	// certificate hashes.
	ErrTooManyHashes = errors.New("messages: more than 255 certificate hashes")

	// ErrInvalidAddress is returned when an address does not match the
	// address family of the message kind.
	ErrInvalidAddress = errors.New("messages: invalid address")
)

// Message is the common interface exposed by all protocol messages.
type Message interface {
	// Type returns the wire tag of the message.
	Type() Type

	// Payload serializes the message body without the frame header.
	Payload() ([]byte, error)
}

// ToBytes frames m, returning the header followed by the payload.
func ToBytes(m Message) ([]byte, error) {
	payload, err := m.Payload()
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadLength {
		return nil, fmt.Errorf("%w: %v payload is %d bytes", ErrMessageTooLarge, m.Type(), len(payload))
	}
	out := make([]byte, HeaderLength, HeaderLength+len(payload))
	out[0] = byte(m.Type())
	binary.BigEndian.PutUint16(out[1:3], uint16(HeaderLength+len(payload)))
	return append(out, payload...), nil
}

// FromBytes de-serializes the first framed message in b, returning the
// message and the number of bytes it occupied.
func FromBytes(b []byte) (Message, int, error) {
	if len(b) < HeaderLength {
		return nil, 0, fmt.Errorf("%w: short header (%d bytes)", ErrProtocolDecode, len(b))
	}
	t := Type(b[0])
	l := int(binary.BigEndian.Uint16(b[1:3]))
	if l < HeaderLength {
		return nil, 0, fmt.Errorf("%w: %v declares length %d", ErrProtocolDecode, t, l)
	}
	if l > len(b) {
		return nil, 0, fmt.Errorf("%w: %v declares length %d, only %d bytes available", ErrProtocolDecode, t, l, len(b))
	}
	m, err := decodePayload(t, cryptobyte.String(b[HeaderLength:l]))
	if err != nil {
		return nil, 0, err
	}
	return m, l, nil
}

func decodePayload(t Type, s cryptobyte.String) (Message, error) {
	var (
		m   Message
		err error
	)
	switch t {
	case PublicIPNotif4:
		m, err = publicIPNotifFromBytes(&s, ipv4Len)
	case PublicIPNotif6:
		m, err = publicIPNotifFromBytes(&s, ipv6Len)
	case PublicIPNotifRequest:
		m, err = publicIPNotifRequestFromBytes(&s)
	case CurrentServerTime:
		m, err = serverTimeFromBytes(&s)
	case SignatureType:
		m, err = signatureFromBytes(&s)
	case IPv4SHA256Task:
		m, err = huntingTaskFromBytes(&s, ipv4Len)
	case IPv6SHA256Task:
		m, err = huntingTaskFromBytes(&s, ipv6Len)
	case TaskReplyNewCert:
		m, err = newCertReplyFromBytes(&s)
	case TaskReplyKnownCert:
		m, err = knownCertReplyFromBytes(&s)
	case FpVerifyRequest:
		m, err = fpVerifyRequestFromBytes(&s)
	case FpVerifyResult:
		m, err = fpVerifyResultFromBytes(&s)
	case CertVerifyRequest:
		m, err = certVerifyRequestFromBytes(&s)
	case CertVerifyResult:
		m, err = certVerifyResultFromBytes(&s)
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocolDecode, uint8(t))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrProtocolDecode, t, err)
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: %v: %d trailing bytes", ErrProtocolDecode, t, len(s))
	}
	return m, nil
}

var (
	errTruncated   = errors.New("truncated payload")
	errInvalidCert = errors.New("malformed DER certificate")
)

func readAddr(s *cryptobyte.String, n int) (netip.Addr, error) {
	var b []byte
	if !s.ReadBytes(&b, n) {
		return netip.Addr{}, errTruncated
	}
	switch n {
	case ipv4Len:
		return netip.AddrFrom4([4]byte(b)), nil
	default:
		return netip.AddrFrom16([16]byte(b)), nil
	}
}

func addrBytes(addr netip.Addr, want int) ([]byte, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	switch {
	case want == ipv4Len && addr.Is4():
		b := addr.As4()
		return b[:], nil
	case want == ipv6Len && !addr.Is4():
		b := addr.As16()
		return b[:], nil
	default:
		return nil, fmt.Errorf("%w: %v is not a %d byte address", ErrInvalidAddress, addr, want)
	}
}

func addrLen(addr netip.Addr) int {
	if addr.Is4() {
		return ipv4Len
	}
	return ipv6Len
}

// readCertificates reads n back to back DER encoded certificates.
func readCertificates(s *cryptobyte.String, n int) ([][]byte, error) {
	chain := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var elem cryptobyte.String
		if !s.ReadASN1Element(&elem, asn1.SEQUENCE) {
			return nil, fmt.Errorf("certificate %d: %w", i, errInvalidCert)
		}
		chain = append(chain, append([]byte{}, elem...))
	}
	return chain, nil
}

func addCertificates(b *cryptobyte.Builder, chain [][]byte) error {
	for i, der := range chain {
		s := cryptobyte.String(der)
		var elem cryptobyte.String
		if !s.ReadASN1Element(&elem, asn1.SEQUENCE) || !s.Empty() {
			return fmt.Errorf("messages: certificate %d: %w", i, errInvalidCert)
		}
		b.AddBytes(der)
	}
	return nil
}

func rest(s *cryptobyte.String) []byte {
	if s.Empty() {
		return nil
	}
	var b []byte
	s.ReadBytes(&b, len(*s))
	return append([]byte{}, b...)
}
