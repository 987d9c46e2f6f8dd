// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package chainhash computes the certificate chain digest the coordinator
// uses to recognise chains it has already seen.
//
// The digest of a chain [leaf, i1, .., ik] is
//
//	SHA256(SHA256(leaf) || MD5(pem(i1)) || .. || MD5(pem(ik)))
//
// where pem() is the coordinator's PEM rendering of a certificate.  Since a
// server may present its intermediates in any order, Candidates returns one
// digest per ordering of the intermediates.
package chainhash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Size is the length of a chain digest.
const Size = sha256.Size

// MaxIntermediates bounds the k! candidate computation.
const MaxIntermediates = 8

var (
	// ErrEmptyChain is returned for a chain without a leaf certificate.
	ErrEmptyChain = errors.New("chainhash: empty certificate chain")

	// ErrTooManyIntermediates is returned when a chain carries more than
	// MaxIntermediates intermediates.
	ErrTooManyIntermediates = fmt.Errorf("chainhash: more than %d intermediate certificates", MaxIntermediates)
)

// Hash is a chain digest.
type Hash [Size]byte

// String returns the lower case hex form used by the coordinator.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Digest returns the digest of chain in the order given.
func Digest(chain [][]byte) (Hash, error) {
	if len(chain) == 0 {
		return Hash{}, ErrEmptyChain
	}
	leaf := sha256.Sum256(chain[0])
	sums := make([][md5.Size]byte, 0, len(chain)-1)
	for _, der := range chain[1:] {
		sums = append(sums, md5.Sum([]byte(pemEncode(der))))
	}
	return digest(leaf, sums), nil
}

// Candidates returns one digest for every permutation of the intermediate
// certificates of chain, the presented order first.  Duplicate digests are
// kept so the result always holds k! entries.
func Candidates(chain [][]byte) ([]Hash, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	k := len(chain) - 1
	if k > MaxIntermediates {
		return nil, ErrTooManyIntermediates
	}

	leaf := sha256.Sum256(chain[0])
	sums := make([][md5.Size]byte, k)
	for i, der := range chain[1:] {
		sums[i] = md5.Sum([]byte(pemEncode(der)))
	}

	out := make([]Hash, 0, factorial(k))
	permute(sums, func(p [][md5.Size]byte) {
		out = append(out, digest(leaf, p))
	})
	return out, nil
}

// Match returns the first candidate digest of chain contained in known.
func Match(chain [][]byte, known [][Size]byte) (Hash, bool, error) {
	candidates, err := Candidates(chain)
	if err != nil {
		return Hash{}, false, err
	}
	h, ok := Find(candidates, known)
	return h, ok, nil
}

// Find returns the first of candidates contained in known.
func Find(candidates []Hash, known [][Size]byte) (Hash, bool) {
	set := make(map[Hash]struct{}, len(known))
	for _, h := range known {
		set[h] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := set[c]; ok {
			return c, true
		}
	}
	return Hash{}, false
}

func digest(leaf [sha256.Size]byte, sums [][md5.Size]byte) Hash {
	h := sha256.New()
	h.Write(leaf[:])
	for _, s := range sums {
		h.Write(s[:])
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// permute calls fn with every ordering of s, starting with s itself
// (Heap's algorithm).  s is modified in place.
func permute(s [][md5.Size]byte, fn func([][md5.Size]byte)) {
	c := make([]int, len(s))
	fn(s)
	for i := 0; i < len(s); {
		if c[i] < i {
			if i%2 == 0 {
				s[0], s[i] = s[i], s[0]
			} else {
				s[c[i]], s[i] = s[i], s[c[i]]
			}
			fn(s)
			c[i]++
			i = 0
		} else {
			c[i] = 0
			i++
		}
	}
}

func factorial(n int) int {
	f := 1
	for i := 2; i <= n; i++ {
		f *= i
	}
	return f
}

// pemEncode renders der the way the coordinator does before hashing it:
// 64 column base64 lines and no newline after the footer.
func pemEncode(der []byte) string {
	b64 := base64.StdEncoding.EncodeToString(der)
	var sb strings.Builder
	sb.WriteString("-----BEGIN CERTIFICATE-----\n")
	for i := 0; i < len(b64); i += 64 {
		end := i + 64
		if end > len(b64) {
			end = len(b64)
		}
		sb.WriteString(b64[i:end])
		sb.WriteByte('\n')
	}
	sb.WriteString("-----END CERTIFICATE-----")
	return sb.String()
}
