// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chainhash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossbear/hunter/internal/testutil"
)

func testChain(t *testing.T, intermediates int) [][]byte {
	ca := testutil.NewCA(t, "Root")
	certs := []*testutil.Certificate{}
	parent := ca
	for i := 0; i < intermediates; i++ {
		parent = parent.Issue(t, "Intermediate", true)
		certs = append([]*testutil.Certificate{parent}, certs...)
	}
	leaf := parent.Issue(t, "leaf.example", false, "leaf.example")
	return testutil.Chain(append([]*testutil.Certificate{leaf}, certs...)...)
}

func TestPEMLayout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	chain := testChain(t, 0)
	want := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain[0]}))
	require.Equal(want, pemEncode(chain[0])+"\n")
}

func TestDigestHexForm(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	chain := testChain(t, 2)

	// The coordinator builds the input as a hex string and decodes it.
	leaf := sha256.Sum256(chain[0])
	s := hex.EncodeToString(leaf[:])
	for _, der := range chain[1:] {
		sum := md5.Sum([]byte(pemEncode(der)))
		s += hex.EncodeToString(sum[:])
	}
	raw, err := hex.DecodeString(s)
	require.NoError(err)
	want := sha256.Sum256(raw)

	got, err := Digest(chain)
	require.NoError(err, "Digest()")
	require.Equal(hex.EncodeToString(want[:]), got.String())
}

func TestCandidates(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for k, want := range []int{1, 1, 2, 6, 24} {
		chain := testChain(t, k)
		candidates, err := Candidates(chain)
		require.NoError(err, "Candidates(%d intermediates)", k)
		require.Len(candidates, want, "k=%d", k)

		first, err := Digest(chain)
		require.NoError(err)
		require.Equal(first, candidates[0], "presented order first")

		seen := make(map[Hash]bool)
		for _, c := range candidates {
			seen[c] = true
		}
		require.Len(seen, want, "distinct candidates for k=%d", k)
	}
}

func TestCandidatesOrderIndependent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	chain := testChain(t, 3)
	reordered := [][]byte{chain[0], chain[3], chain[1], chain[2]}

	a, err := Candidates(chain)
	require.NoError(err)
	b, err := Candidates(reordered)
	require.NoError(err)
	require.ElementsMatch(a, b)
}

func TestMatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	chain := testChain(t, 2)
	swapped := [][]byte{chain[0], chain[2], chain[1]}
	known, err := Digest(swapped)
	require.NoError(err)

	var other [Size]byte
	other[0] = 1

	witness, ok, err := Match(chain, [][Size]byte{other, known})
	require.NoError(err)
	require.True(ok, "known permutation not matched")
	require.Equal(known, witness)

	_, ok, err = Match(chain, nil)
	require.NoError(err)
	require.False(ok, "match against empty set")
}

func TestErrors(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Candidates(nil)
	require.ErrorIs(err, ErrEmptyChain)
	_, err = Digest(nil)
	require.ErrorIs(err, ErrEmptyChain)

	chain := testChain(t, 0)
	long := make([][]byte, MaxIntermediates+2)
	for i := range long {
		long[i] = chain[0]
	}
	_, err = Candidates(long)
	require.ErrorIs(err, ErrTooManyIntermediates)
	_, _, err = Match(long, nil)
	require.ErrorIs(err, ErrTooManyIntermediates)
}
