// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package messages

import "fmt"

// Type is the one byte tag that prefixes every framed message.
type Type uint8

const (
	PublicIPNotif4       Type = 0
	PublicIPNotif6       Type = 1
	PublicIPNotifRequest Type = 2
	CurrentServerTime    Type = 5
	SignatureType        Type = 6
	IPv4SHA256Task       Type = 10
	IPv6SHA256Task       Type = 11
	TaskReplyNewCert     Type = 20
	TaskReplyKnownCert   Type = 21
	FpVerifyRequest      Type = 50
	FpVerifyResult       Type = 60
	CertVerifyRequest    Type = 100
	CertVerifyResult     Type = 110
)

const (
	// HeaderLength is the size of the type and length prefix.
	HeaderLength = 3

	// MaxPayloadLength is the largest payload a u16 length field can frame.
	MaxPayloadLength = 0xffff - HeaderLength

	// HashLength is the size of a SHA-256 digest as carried on the wire.
	HashLength = 32

	// HMACLength is the size of the coordinator issued PIP HMAC.
	HMACLength = 32

	// MaxCount is the largest value an u8 counter can carry.
	MaxCount = 0xff

	fpVerifyVersion = 1

	ipv4Len = 4
	ipv6Len = 16
)

func (t Type) String() string {
	switch t {
	case PublicIPNotif4:
		return "PublicIPNotif4"
	case PublicIPNotif6:
		return "PublicIPNotif6"
	case PublicIPNotifRequest:
		return "PublicIPNotifRequest"
	case CurrentServerTime:
		return "CurrentServerTime"
	case SignatureType:
		return "Signature"
	case IPv4SHA256Task:
		return "IPv4SHA256Task"
	case IPv6SHA256Task:
		return "IPv6SHA256Task"
	case TaskReplyNewCert:
		return "TaskReplyNewCert"
	case TaskReplyKnownCert:
		return "TaskReplyKnownCert"
	case FpVerifyRequest:
		return "FpVerifyRequest"
	case FpVerifyResult:
		return "FpVerifyResult"
	case CertVerifyRequest:
		return "CertVerifyRequest"
	case CertVerifyResult:
		return "CertVerifyResult"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}
