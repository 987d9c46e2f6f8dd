// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/crossbear/hunter/core/messages"
	"github.com/crossbear/hunter/internal/testutil"
)

func openStore(t *testing.T, f string) *Store {
	s, err := New(f, testutil.LogBackend(t))
	require.NoError(t, err, "New()")
	return s
}

func TestPIPCache(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "hunter.db")
	s := openStore(t, f)

	pips, err := s.PIPs()
	require.NoError(err)
	require.Empty(pips)

	v4 := &messages.PublicIPNotif{Addr: netip.MustParseAddr("203.0.113.5")}
	v4.HMAC[0] = 0xaa
	v6 := &messages.PublicIPNotif{Addr: netip.MustParseAddr("2001:db8::5")}
	at := time.Unix(1700000000, 123)

	require.NoError(s.PutPIP(v4, at))
	require.NoError(s.PutPIP(v6, at.Add(time.Second)))
	newer := &messages.PublicIPNotif{Addr: netip.MustParseAddr("203.0.113.6")}
	require.NoError(s.PutPIP(newer, at.Add(2*time.Second)))
	s.Close()

	s = openStore(t, f)
	defer s.Close()
	pips, err = s.PIPs()
	require.NoError(err)
	require.Len(pips, 2)
	require.Equal(newer, pips[4].PIP)
	require.True(at.Add(2 * time.Second).Equal(pips[4].CachedAt))
	require.Equal(v6, pips[6].PIP)
}

func TestPIPCacheCorrupt(t *testing.T) {
	require := require.New(t)

	s := openStore(t, filepath.Join(t.TempDir(), "hunter.db"))
	defer s.Close()

	require.NoError(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pipBucket)).Put(pipKey(4), []byte{0xff, 0x00})
	}))
	pips, err := s.PIPs()
	require.NoError(err)
	require.Empty(pips)

	require.NoError(s.db.View(func(tx *bolt.Tx) error {
		require.Nil(tx.Bucket([]byte(pipBucket)).Get(pipKey(4)), "corrupt entry removed")
		return nil
	}))
}

func TestOutbox(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "hunter.db")
	s := openStore(t, f)

	at := time.Unix(1700000000, 0)
	id1, err := s.EnqueueBatch([]byte{1, 2, 3}, at)
	require.NoError(err)
	id2, err := s.EnqueueBatch([]byte{4, 5}, at.Add(time.Minute))
	require.NoError(err)
	require.Less(id1, id2)
	s.Close()

	s = openStore(t, f)
	defer s.Close()
	batches, err := s.PendingBatches()
	require.NoError(err)
	require.Len(batches, 2)
	require.Equal([]byte{1, 2, 3}, batches[0].Body)
	require.True(at.Equal(batches[0].QueuedAt))
	require.Equal(id2, batches[1].ID)

	require.NoError(s.RemoveBatch(id1))
	batches, err = s.PendingBatches()
	require.NoError(err)
	require.Len(batches, 1)
	require.Equal(id2, batches[0].ID)
}

func TestIncompatibleVersion(t *testing.T) {
	f := filepath.Join(t.TempDir(), "hunter.db")
	s := openStore(t, f)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(versionKey), []byte{9})
	}))
	s.Close()

	_, err := New(f, testutil.LogBackend(t))
	require.Error(t, err)
}
