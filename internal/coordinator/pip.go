// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package coordinator

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/katzenpost/hpqc/rand"

	"github.com/crossbear/hunter/core/messages"
)

// SessionKeySize is the AES-256 key size of a public address exchange.
const SessionKeySize = 32

var (
	// ErrCryptoIntegrity is returned when a public address response fails
	// to decrypt, unpad or match its digest.
	ErrCryptoIntegrity = errors.New("coordinator: public IP response failed integrity check")

	// ErrNoAddress is returned when the coordinator has no address of the
	// requested IP version.
	ErrNoAddress = errors.New("coordinator: no coordinator address for IP version")
)

// FetchPublicIP runs the public address exchange over the given IP version
// and returns the coordinator's notification of the hunter's address.
func (c *Client) FetchPublicIP(ctx context.Context, version int) (*messages.PublicIPNotif, error) {
	if version != 4 && version != 6 {
		return nil, fmt.Errorf("coordinator: invalid IP version %d", version)
	}

	// Behind a proxy the name is resolved by the proxy, never locally.
	target := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.PublicIPPort))
	if !c.cfg.Proxied {
		addr, err := c.resolve(ctx, version)
		if err != nil {
			return nil, err
		}
		target = netip.AddrPortFrom(addr, uint16(c.cfg.PublicIPPort)).String()
	}

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	req, err := NewPublicIPRequest(c.cfg.Pin.PublicKey(), key)
	if err != nil {
		return nil, err
	}
	body, err := messages.ToBytes(req)
	if err != nil {
		return nil, err
	}

	url := "http://" + target + c.cfg.PublicIPPath
	resp, err := c.do(ctx, c.plain, "pip", http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	pip, err := OpenPublicIPResponse(key, resp, version)
	if err != nil {
		c.log.Warningf("IPv%d public IP exchange with %v failed: %v", version, target, err)
		return nil, err
	}
	c.log.Noticef("Public IPv%d address: %v", version, pip.Addr)
	return pip, nil
}

func (c *Client) resolve(ctx context.Context, version int) (netip.Addr, error) {
	network := "ip4"
	if version == 6 {
		network = "ip6"
	}
	addrs, err := c.cfg.Resolver.LookupNetIP(ctx, network, c.cfg.Host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w %d: %v", ErrNoAddress, version, err)
	}
	for _, a := range addrs {
		a = a.Unmap()
		if (version == 4) == a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w %d", ErrNoAddress, version)
}

// NewPublicIPRequest encrypts key for the coordinator with RSA-OAEP
// (SHA-1, MGF1-SHA-1).
func NewPublicIPRequest(pub *rsa.PublicKey, key []byte) (*messages.PublicIPRequest, error) {
	enc, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, err
	}
	return &messages.PublicIPRequest{EncryptedKey: enc}, nil
}

// OpenPublicIPResponse decrypts `IV || AES-256-CBC(msg || SHA256(msg))` and
// returns the framed notification of the requested IP version.
func OpenPublicIPResponse(key, resp []byte, version int) (*messages.PublicIPNotif, error) {
	if len(resp) < 2*aes.BlockSize || len(resp)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: response length %d", ErrCryptoIntegrity, len(resp))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv, ct := resp[:aes.BlockSize], resp[aes.BlockSize:]
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	pt, err = pkcs7Unpad(pt)
	if err != nil {
		return nil, err
	}
	if len(pt) < messages.HeaderLength+sha256.Size {
		return nil, fmt.Errorf("%w: plaintext too short", ErrCryptoIntegrity)
	}
	msg, sum := pt[:len(pt)-sha256.Size], pt[len(pt)-sha256.Size:]
	want := sha256.Sum256(msg)
	if subtle.ConstantTimeCompare(want[:], sum) != 1 {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCryptoIntegrity)
	}

	m, n, err := messages.FromBytes(msg)
	if err != nil {
		return nil, err
	}
	if n != len(msg) {
		return nil, fmt.Errorf("%w: %d trailing bytes", messages.ErrProtocolDecode, len(msg)-n)
	}
	pip, ok := m.(*messages.PublicIPNotif)
	if !ok || pip.IPVersion() != version {
		return nil, fmt.Errorf("%w: expected IPv%d notification, got %v", messages.ErrProtocolDecode, version, m.Type())
	}
	return pip, nil
}

// SealPublicIPResponse is the coordinator side of OpenPublicIPResponse.
func SealPublicIPResponse(key []byte, pip *messages.PublicIPNotif) ([]byte, error) {
	msg, err := messages.ToBytes(pip)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(msg)
	pt := pkcs7Pad(append(msg, sum[:]...))

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize+len(pt))
	if _, err := io.ReadFull(rand.Reader, out[:aes.BlockSize]); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], pt)
	return out, nil
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrCryptoIntegrity)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: invalid padding", ErrCryptoIntegrity)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrCryptoIntegrity)
		}
	}
	return b[:len(b)-n], nil
}
