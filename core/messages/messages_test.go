// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package messages

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossbear/hunter/internal/testutil"
)

func testChain(t *testing.T) [][]byte {
	ca := testutil.NewCA(t, "Test Root")
	inter := ca.Issue(t, "Test Intermediate", true)
	leaf := inter.Issue(t, "www.example.org", false, "www.example.org")
	return testutil.Chain(leaf, inter)
}

func roundTrip(t *testing.T, m Message) Message {
	require := require.New(t)

	b, err := ToBytes(m)
	require.NoError(err, "%v: ToBytes() failed", m.Type())
	require.Equal(byte(m.Type()), b[0], "%v: type tag", m.Type())
	require.Equal(len(b), int(b[1])<<8|int(b[2]), "%v: length field", m.Type())

	out, n, err := FromBytes(b)
	require.NoError(err, "%v: FromBytes() failed", m.Type())
	require.Equal(len(b), n, "%v: consumed", m.Type())
	require.Equal(m, out, "%v: round trip", m.Type())
	return out
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	chain := testChain(t)
	var hmac [HMACLength]byte
	for i := range hmac {
		hmac[i] = byte(i)
	}
	var h1, h2 [HashLength]byte
	h1[0], h2[31] = 0xaa, 0xbb

	for _, m := range []Message{
		&PublicIPNotif{HMAC: hmac, Addr: netip.MustParseAddr("192.0.2.7")},
		&PublicIPNotif{HMAC: hmac, Addr: netip.MustParseAddr("2001:db8::7")},
		&PublicIPRequest{EncryptedKey: []byte("opaque ciphertext")},
		&ServerTime{Seconds: 1700000000},
		&Signature{Signature: []byte{1, 2, 3, 4}},
		&HuntingTask{
			TaskID:          42,
			KnownCertHashes: [][HashLength]byte{h1, h2},
			Addr:            netip.MustParseAddr("198.51.100.1"),
			Port:            443,
			Host:            "www.example.org",
		},
		&HuntingTask{
			TaskID: 43,
			Addr:   netip.MustParseAddr("2001:db8::1"),
			Port:   8443,
			Host:   "v6.example.org",
		},
		&KnownCertReply{TaskID: 1, Time: 1700000001, HMAC: hmac, Witness: h1, Trace: []byte("192.0.2.7\n198.51.100.1")},
		&NewCertReply{TaskID: 2, Time: 1700000002, HMAC: hmac, Chain: chain, Trace: []byte("192.0.2.7")},
		&NewCertReply{TaskID: 3, Time: 1700000003, HMAC: hmac, Chain: chain[:1]},
		&FingerprintVerifyRequest{
			Addr:        netip.MustParseAddr("203.0.113.9"),
			Port:        22,
			KeyType:     KeyECDSA,
			KeyNID:      415,
			Fingerprint: "a1:b2:c3",
		},
		&FingerprintVerifyResult{Result: FingerprintNoEntry},
		&CertificateVerifyRequest{
			Options: CertVerifyOptionProxy,
			Chain:   chain,
			Host:    "www.example.org",
			Addr:    netip.MustParseAddr("198.51.100.1"),
			Port:    443,
		},
		&CertificateVerifyResult{Rating: 200, Judgments: []string{"<crit>Bad</crit>", "Seen before"}},
		&CertificateVerifyResult{Rating: 0},
	} {
		roundTrip(t, m)
	}
}

func TestHuntingTaskFamily(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m := roundTrip(t, &HuntingTask{TaskID: 7, Addr: netip.MustParseAddr("2001:db8::2"), Port: 443, Host: "h"})
	task := m.(*HuntingTask)
	require.Equal(IPv6SHA256Task, task.Type())
	require.Equal(6, task.IPVersion())
	require.Equal("[2001:db8::2]:443", task.AddrPort().String())

	// An IPv4 mapped address still travels as a 16 byte IPv6 task.
	mapped := netip.AddrFrom16(netip.MustParseAddr("192.0.2.1").As16())
	m = roundTrip(t, &HuntingTask{TaskID: 8, Addr: mapped, Port: 443, Host: "h"})
	require.Equal(IPv6SHA256Task, m.Type())
}

func TestFromBytesErrors(t *testing.T) {
	t.Parallel()

	valid, err := ToBytes(&ServerTime{Seconds: 5})
	require.NoError(t, err)

	for name, b := range map[string][]byte{
		"empty":          nil,
		"short header":   {5, 0},
		"length < 3":     {5, 0, 2},
		"truncated":      valid[:len(valid)-1],
		"unknown type":   {3, 0, 3},
		"trailing bytes": {5, 0, 8, 0, 0, 0, 1, 0xff},
		"short payload":  {5, 0, 5, 0, 1},
		"pip4 as pip6":   append([]byte{1, 0, 39}, make([]byte, 36)...),
		"fp version":     {60, 0, 5, 2, 0},
		"no certs":       append([]byte{20, 0, 44}, make([]byte, 41)...),
		"bad cert":       append(append([]byte{100, 0, 11, 0, 1}, 0x04, 0x01, 0x00), []byte("a|b")...),
	} {
		b := b
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, _, err := FromBytes(b)
			require.ErrorIs(t, err, ErrProtocolDecode, "FromBytes(%x)", b)
		})
	}
}

func TestCertVerifyRequestCanonical(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	chain := testChain(t)
	payload := []byte{0, 1}
	payload = append(payload, chain[0]...)
	payload = append(payload, []byte("www.example.org|198.51.100.1|0443")...)
	b := append([]byte{byte(CertVerifyRequest), byte((len(payload) + 3) >> 8), byte(len(payload) + 3)}, payload...)

	_, _, err := FromBytes(b)
	require.ErrorIs(err, ErrProtocolDecode, "non canonical port accepted")
}

func TestEncodeLimits(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	chain := testChain(t)

	big := make([][]byte, MaxCount+1)
	for i := range big {
		big[i] = chain[0]
	}
	_, err := ToBytes(&NewCertReply{Chain: big})
	require.ErrorIs(err, ErrTooManyCertificates)

	_, err = ToBytes(&NewCertReply{})
	require.Error(err, "empty chain")

	_, err = ToBytes(&HuntingTask{KnownCertHashes: make([][HashLength]byte, MaxCount+1), Addr: netip.MustParseAddr("192.0.2.1")})
	require.ErrorIs(err, ErrTooManyHashes)

	_, err = ToBytes(&Signature{Signature: make([]byte, MaxPayloadLength+1)})
	require.ErrorIs(err, ErrMessageTooLarge)

	b, err := ToBytes(&Signature{Signature: make([]byte, MaxPayloadLength)})
	require.NoError(err, "maximum payload")
	require.Equal([]byte{byte(SignatureType), 0xff, 0xff}, b[:3])

	_, err = ToBytes(&FingerprintVerifyRequest{Addr: netip.MustParseAddr("2001:db8::1")})
	require.ErrorIs(err, ErrInvalidAddress)

	_, err = ToBytes(&PublicIPNotif{})
	require.ErrorIs(err, ErrInvalidAddress)

	_, err = ToBytes(&NewCertReply{Chain: [][]byte{[]byte("not der")}})
	require.Error(err, "non DER certificate")
}

func TestList(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l := NewList(
		&ServerTime{Seconds: 10},
		&HuntingTask{TaskID: 1, Addr: netip.MustParseAddr("192.0.2.1"), Port: 443, Host: "a.example"},
		&Signature{Signature: []byte("sig")},
	)
	b, err := l.Bytes()
	require.NoError(err, "Bytes()")

	parsed, err := ParseList(b)
	require.NoError(err, "ParseList()")
	require.Equal(3, parsed.Len())
	require.Equal(SignatureType, parsed.At(2).Type())
	require.Equal(2, parsed.Index(SignatureType))
	require.Equal(-1, parsed.Index(CertVerifyResult))

	out, err := parsed.Bytes()
	require.NoError(err)
	require.True(bytes.Equal(b, out), "Bytes(ParseList(b)) != b")

	parsed.Remove(2)
	require.Equal(2, parsed.Len())
	out, err = parsed.Bytes()
	require.NoError(err)
	require.Equal(b[:len(out)], out, "prefix after Remove()")

	parsed.Append(&FingerprintVerifyResult{Result: FingerprintMatch})
	require.Len(parsed.Messages(), 3)

	empty, err := ParseList(nil)
	require.NoError(err)
	require.Equal(0, empty.Len())

	_, err = ParseList(append(b, 5, 0, 9, 0))
	require.ErrorIs(err, ErrProtocolDecode, "overlong trailing frame")
}
